// Package normalize converts raw per-agent log records into canonical
// events. The `type` field in each JSON record acts as the discriminator
// (tag) that determines which concrete Go type is used for full parsing.
//
// Two raw schema families from the same producer family are supported
// concurrently: the turn/item-oriented family (thread.started,
// turn.completed, item.completed, ...) and the session-log family
// (session_meta, event_msg, response_item, ...). Old sessions on disk
// may use one while new sessions are written in the other, so both
// mappings stay live and a file's family is sniffed from its first
// parseable line.
package normalize

import (
	"encoding/json"
	"regexp"
	"strconv"
	"time"

	"sessionsync/internal/event"
)

// =============================================================================
// FAMILY SNIFFING
// =============================================================================

// Family identifies which raw schema family a record belongs to.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyThread         // turn/item oriented
	FamilySessionLog     // session-log/payload oriented
)

// String returns a human-readable name for the schema family.
func (f Family) String() string {
	switch f {
	case FamilyThread:
		return "thread"
	case FamilySessionLog:
		return "session-log"
	default:
		return "unknown"
	}
}

// Sniff classifies a single raw line by schema family. Used on the
// first parseable line of a newly tracked file; later records are
// still dispatched per line, so mixed files degrade gracefully.
func Sniff(line []byte) Family {
	var disc struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &disc); err != nil {
		return FamilyUnknown
	}
	switch disc.Type {
	case "thread.started", "turn.started", "turn.completed", "turn.failed", "item.completed", "item.started", "error":
		return FamilyThread
	case "session_meta", "event_msg", "response_item", "turn_context":
		return FamilySessionLog
	default:
		return FamilyUnknown
	}
}

// =============================================================================
// NORMALIZATION
// =============================================================================

// Context carries the tailing state a raw record cannot supply itself:
// the external id extracted from the filename, the agent kind of the
// log root, and the cwd cached from earlier records in the same file.
type Context struct {
	ExternalID string
	AgentKind  string
	CWD        string
}

// Normalize converts one raw log line into zero or one canonical event.
// The mapping is total: every unrecognized discriminant combination
// returns nil, never an error and never a panic. The caller is expected
// to have already JSON-validated the line; malformed input here also
// just returns nil.
func Normalize(line []byte, ctx Context) *event.Event {
	var disc struct {
		Type      string `json:"type"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(line, &disc); err != nil {
		return nil
	}

	var ev *event.Event
	switch disc.Type {
	case "thread.started", "turn.started", "turn.completed", "turn.failed", "item.completed", "error":
		ev = normalizeThread(disc.Type, line)
	case "session_meta", "event_msg", "response_item", "turn_context":
		ev = normalizeSessionLog(disc.Type, line)
	default:
		return nil
	}
	if ev == nil {
		return nil
	}

	ev.ID = event.DeriveID(ctx.ExternalID, line)
	ev.SessionID = ctx.ExternalID
	ev.AgentKind = ctx.AgentKind
	ev.Timestamp = parseTimestamp(disc.Timestamp)
	if ev.CWD == "" {
		ev.CWD = ctx.CWD
	}
	return ev
}

// parseTimestamp converts an RFC3339 source timestamp to epoch millis,
// falling back to the current time when the record carries none.
func parseTimestamp(ts string) int64 {
	if ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return t.UnixMilli()
		}
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			return t.UnixMilli()
		}
	}
	return time.Now().UnixMilli()
}

// =============================================================================
// EXIT CODE EXTRACTION
// =============================================================================

var exitCodeRegex = regexp.MustCompile(`Exit code: (-?\d+)`)

// extractExitCode prefers a structured exit code when the caller found
// one; otherwise it pattern-matches free text. Returns nil when neither
// source yields a code; success is then false, never defaulted true.
func extractExitCode(structured *int, text string) *int {
	if structured != nil {
		return structured
	}
	if m := exitCodeRegex.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return &n
		}
	}
	return nil
}

// succeeded is true only for a known zero exit code.
func succeeded(exitCode *int) bool {
	return exitCode != nil && *exitCode == 0
}
