package normalize

import (
	"encoding/json"

	"sessionsync/internal/event"
)

// =============================================================================
// THREAD/ITEM FAMILY
// =============================================================================

// threadItem is the nested item of an item.completed record. Item types
// further discriminate on the Type field; only the fields relevant to
// the matched type are populated.
type threadItem struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	Command          string          `json:"command"`
	AggregatedOutput string          `json:"aggregated_output"`
	ExitCode         *int            `json:"exit_code"`
	Status           string          `json:"status"`
	Text             string          `json:"text"`
	Query            string          `json:"query"`
	Server           string          `json:"server"`
	Tool             string          `json:"tool"`
	Changes          json.RawMessage `json:"changes"`
}

type threadRecord struct {
	Type     string     `json:"type"`
	ThreadID string     `json:"thread_id"`
	CWD      string     `json:"cwd"`
	Message  string     `json:"message"`
	Item     threadItem `json:"item"`
	Error    struct {
		Message string `json:"message"`
	} `json:"error"`
}

// normalizeThread maps one turn/item-oriented record to a canonical
// event. Unlisted combinations return nil.
func normalizeThread(tag string, line []byte) *event.Event {
	var rec threadRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil
	}

	switch tag {
	case "thread.started":
		return &event.Event{Type: event.TypeSessionStart, CWD: rec.CWD}

	case "turn.started":
		// A turn begins when the user submits input. This family does
		// not carry the prompt text, so the event is emitted with an
		// empty prompt.
		return &event.Event{Type: event.TypeUserPrompt}

	case "turn.completed":
		return &event.Event{Type: event.TypeStop}

	case "turn.failed":
		msg := rec.Error.Message
		if msg == "" {
			msg = "turn failed"
		}
		return &event.Event{Type: event.TypeNotification, Message: msg}

	case "error":
		return &event.Event{Type: event.TypeNotification, Message: rec.Message}

	case "item.completed":
		return normalizeThreadItem(rec.Item)
	}
	return nil
}

// normalizeThreadItem maps a completed item to a canonical event. Items
// in this family describe tools that have already finished, so they
// surface as PostToolUse.
func normalizeThreadItem(item threadItem) *event.Event {
	switch item.Type {
	case "command_execution":
		exitCode := extractExitCode(item.ExitCode, item.AggregatedOutput)
		return &event.Event{
			Type:       event.TypePostToolUse,
			Tool:       event.ToolBash,
			ToolInput:  map[string]any{"command": item.Command},
			ToolOutput: item.AggregatedOutput,
			ExitCode:   exitCode,
			Success:    succeeded(exitCode),
		}

	case "file_change":
		input := map[string]any{}
		if len(item.Changes) > 0 {
			var changes any
			if err := json.Unmarshal(item.Changes, &changes); err == nil {
				input["changes"] = changes
			}
		}
		return &event.Event{
			Type:      event.TypePostToolUse,
			Tool:      event.ToolEdit,
			ToolInput: input,
		}

	case "web_search":
		return &event.Event{
			Type:      event.TypePostToolUse,
			Tool:      event.ToolWebSearch,
			ToolInput: map[string]any{"query": item.Query},
		}

	case "mcp_tool_call":
		return &event.Event{
			Type: event.TypePostToolUse,
			Tool: event.NormalizeToolName("mcp__" + item.Server + "__" + item.Tool),
		}

	case "agent_message":
		return &event.Event{Type: event.TypeNotification, Message: item.Text}
	}

	// reasoning and plan_update carry no canonical counterpart.
	return nil
}
