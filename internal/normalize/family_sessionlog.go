package normalize

import (
	"encoding/json"

	"sessionsync/internal/event"
)

// =============================================================================
// SESSION-LOG FAMILY
// =============================================================================

// sessionLogPayload is the nested payload of a session-log record. The
// payload's own Type field discriminates further.
type sessionLogPayload struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	CWD        string `json:"cwd"`
	CLIVersion string `json:"cli_version"`
	Message    string `json:"message"`
	Role       string `json:"role"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	CallID     string `json:"call_id"`
	Output     string `json:"output"`
}

// functionOutput is the JSON document the session-log family embeds as
// a string in function_call_output payloads.
type functionOutput struct {
	Output   string `json:"output"`
	Metadata struct {
		ExitCode *int `json:"exit_code"`
	} `json:"metadata"`
}

// normalizeSessionLog maps one session-log record to a canonical event.
// Unlisted combinations return nil.
func normalizeSessionLog(tag string, line []byte) *event.Event {
	var rec struct {
		Payload sessionLogPayload `json:"payload"`
	}
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil
	}
	p := rec.Payload

	switch tag {
	case "session_meta":
		return &event.Event{Type: event.TypeSessionStart, CWD: p.CWD}

	case "event_msg":
		switch p.Type {
		case "user_message":
			return &event.Event{Type: event.TypeUserPrompt, Prompt: p.Message}
		case "turn_end":
			return &event.Event{Type: event.TypeStop}
		}
		return nil

	case "response_item":
		switch p.Type {
		case "function_call":
			input := map[string]any{}
			if p.Arguments != "" {
				// Arguments arrive as a JSON document in string form.
				// An unparseable document is kept verbatim rather than
				// dropped so the tool invocation still surfaces.
				var args map[string]any
				if err := json.Unmarshal([]byte(p.Arguments), &args); err == nil {
					input = args
				} else {
					input["raw"] = p.Arguments
				}
			}
			return &event.Event{
				Type:      event.TypePreToolUse,
				Tool:      event.NormalizeToolName(p.Name),
				ToolInput: input,
			}

		case "function_call_output":
			output := p.Output
			var structured *int
			var doc functionOutput
			if err := json.Unmarshal([]byte(p.Output), &doc); err == nil && doc.Output != "" {
				output = doc.Output
				structured = doc.Metadata.ExitCode
			}
			exitCode := extractExitCode(structured, output)
			return &event.Event{
				Type:       event.TypePostToolUse,
				ToolOutput: output,
				ExitCode:   exitCode,
				Success:    succeeded(exitCode),
			}
		}
		// message and reasoning payloads duplicate content that already
		// arrives through event_msg; they map to nothing.
		return nil

	case "turn_context":
		return nil
	}
	return nil
}
