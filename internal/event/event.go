// Package event defines the canonical, agent-agnostic representation of
// one activity record. Every raw log line that survives normalization
// becomes exactly one Event; the field names are a fixed wire contract
// consumed by the broadcast layer and downstream presentation layers.
package event

import (
	"crypto/sha256"
	"encoding/hex"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

// Type discriminates the canonical event variants.
type Type string

const (
	TypeSessionStart Type = "session_start"
	TypeUserPrompt   Type = "user_prompt"
	TypePreToolUse   Type = "pre_tool_use"
	TypePostToolUse  Type = "post_tool_use"
	TypeStop         Type = "stop"
	TypeNotification Type = "notification"
	TypeUnknown      Type = "unknown"
)

// =============================================================================
// AGENT KINDS
// =============================================================================

// Known agent kinds. The tailer assigns one per log root; the value is
// carried verbatim on every event from that root.
const (
	AgentClaude = "claude"
	AgentCodex  = "codex"
)

// =============================================================================
// CANONICAL EVENT
// =============================================================================

// Event is the canonical activity record. Type selects which of the
// variant fields are meaningful; common fields are always set.
type Event struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"` // epoch millis
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"` // agent-assigned external id
	CWD       string `json:"cwd,omitempty"`
	AgentKind string `json:"agentKind"`

	// UserPrompt
	Prompt string `json:"prompt,omitempty"`

	// PreToolUse / PostToolUse
	Tool       string         `json:"tool,omitempty"`
	ToolInput  map[string]any `json:"toolInput,omitempty"`
	ToolOutput string         `json:"toolOutput,omitempty"`
	ExitCode   *int           `json:"exitCode,omitempty"`
	Success    bool           `json:"success,omitempty"`

	// Notification
	Message string `json:"message,omitempty"`
}

// DeriveID computes the event id from the session's external id and the
// raw log line the event was normalized from. The id is deterministic:
// re-reading the same line yields the same id, which is what the dedup
// layer keys on. Logically duplicate content on distinct lines still
// gets distinct ids because the line bytes differ.
func DeriveID(externalID string, line []byte) string {
	h := sha256.New()
	h.Write([]byte(externalID))
	h.Write([]byte{'\n'})
	h.Write(line)
	return hex.EncodeToString(h.Sum(nil))[:32]
}
