package event

// =============================================================================
// CANONICAL TOOL NAMES
// =============================================================================

// Tool names as they appear on canonical events. These match the names
// Claude-family agents already use; other agents' tool names are mapped
// onto them by NormalizeToolName.
const (
	ToolBash      = "Bash"
	ToolRead      = "Read"
	ToolWrite     = "Write"
	ToolEdit      = "Edit"
	ToolGrep      = "Grep"
	ToolGlob      = "Glob"
	ToolTask      = "Task"
	ToolWebSearch = "WebSearch"
	ToolWebFetch  = "WebFetch"
	ToolTodoWrite = "TodoWrite"
)

// toolNameTable maps provider-specific tool/function names onto the
// canonical names above. Names absent from the table pass through
// unchanged so unknown tools stay forward-compatible.
var toolNameTable = map[string]string{
	"shell":           ToolBash,
	"shell_command":   ToolBash,
	"local_shell":     ToolBash,
	"exec_command":    ToolBash,
	"read_file":       ToolRead,
	"view_image":      ToolRead,
	"write_file":      ToolWrite,
	"create_file":     ToolWrite,
	"edit_file":       ToolEdit,
	"apply_patch":     ToolEdit,
	"str_replace":     ToolEdit,
	"grep":            ToolGrep,
	"search_files":    ToolGrep,
	"list_dir":        ToolGlob,
	"glob":            ToolGlob,
	"web_search":      ToolWebSearch,
	"web_fetch":       ToolWebFetch,
	"fetch_url":       ToolWebFetch,
	"update_plan":     ToolTodoWrite,
	"spawn_agent":     ToolTask,
	"agent_run":       ToolTask,
}

// NormalizeToolName maps a provider tool name to its canonical name.
// Unknown names are returned unchanged.
func NormalizeToolName(name string) string {
	if canonical, ok := toolNameTable[name]; ok {
		return canonical
	}
	return name
}
