// Package registry is the single source of truth for canonical session
// state. Sessions are keyed by the agent-assigned external id found in
// log files; each also gets an internal id of our own. Status moves
// through an explicit state machine driven only by canonical events and
// explicit lifecycle signals.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"sessionsync/internal/event"
)

// =============================================================================
// STATUS STATE MACHINE
// =============================================================================

// Status is a session's lifecycle state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusWaiting Status = "waiting"
	StatusOffline Status = "offline"
)

// StatusChange records one transition for change notification.
type StatusChange struct {
	InternalID string `json:"internalId"`
	ExternalID string `json:"externalId"`
	From       Status `json:"from"`
	To         Status `json:"to"`
}

// =============================================================================
// SESSION
// =============================================================================

// Session holds the canonical fields of one agent session. Overlay
// fields (zone position, suggestion, auto-accept) live elsewhere and
// are merged at read time, never here.
type Session struct {
	InternalID   string    `json:"id"`
	ExternalID   string    `json:"externalId"`
	AgentKind    string    `json:"agentKind"`
	CWD          string    `json:"cwd"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	CurrentTool  string    `json:"currentTool,omitempty"`
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry maps external ids to sessions. All methods are safe for
// concurrent use; per-key updates are atomic under one mutex.
type Registry struct {
	mu         sync.RWMutex
	byExternal map[string]*Session
	byInternal map[string]*Session
	onChange   func(StatusChange)
}

// New creates a registry. onChange, if non-nil, is invoked for every
// effective status transition (never for same-status no-ops). It is
// called outside the registry lock.
func New(onChange func(StatusChange)) *Registry {
	return &Registry{
		byExternal: make(map[string]*Session),
		byInternal: make(map[string]*Session),
		onChange:   onChange,
	}
}

// FindOrCreate returns the session for externalID, creating it if this
// is the first reference. Exactly one session is created per external
// id under concurrent calls; every caller sees the same internal id.
// A freshly spawned agent is assumed busy initializing, so new sessions
// start in StatusWorking.
func (r *Registry) FindOrCreate(externalID, agentKind, cwd string) Session {
	r.mu.Lock()
	s, ok := r.byExternal[externalID]
	if !ok {
		now := time.Now()
		s = &Session{
			InternalID:   uuid.New().String(),
			ExternalID:   externalID,
			AgentKind:    agentKind,
			CWD:          cwd,
			Status:       StatusWorking,
			CreatedAt:    now,
			LastActivity: now,
		}
		r.byExternal[externalID] = s
		r.byInternal[s.InternalID] = s
	}
	if cwd != "" && s.CWD == "" {
		s.CWD = cwd
	}
	out := *s
	r.mu.Unlock()
	return out
}

// Get returns the session with the given internal id.
func (r *Registry) Get(internalID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.byInternal[internalID]; ok {
		return *s, true
	}
	return Session{}, false
}

// GetByExternal returns the session with the given external id.
func (r *Registry) GetByExternal(externalID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.byExternal[externalID]; ok {
		return *s, true
	}
	return Session{}, false
}

// List returns a snapshot of all sessions.
func (r *Registry) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.byInternal))
	for _, s := range r.byInternal {
		out = append(out, *s)
	}
	return out
}

// Delete removes a session. Only explicit deletion requests reach this;
// the ingestion path never destroys sessions.
func (r *Registry) Delete(internalID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byInternal[internalID]
	if !ok {
		return false
	}
	delete(r.byInternal, internalID)
	delete(r.byExternal, s.ExternalID)
	return true
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Apply routes one canonical event through the state machine, creating
// the session on first reference. Events not in the transition table
// leave status unchanged.
func (r *Registry) Apply(ev *event.Event) {
	r.mu.Lock()
	s, ok := r.byExternal[ev.SessionID]
	if !ok {
		now := time.Now()
		s = &Session{
			InternalID:   uuid.New().String(),
			ExternalID:   ev.SessionID,
			AgentKind:    ev.AgentKind,
			CWD:          ev.CWD,
			Status:       StatusWorking,
			CreatedAt:    now,
			LastActivity: now,
		}
		r.byExternal[s.ExternalID] = s
		r.byInternal[s.InternalID] = s
	}

	s.LastActivity = time.Unix(0, ev.Timestamp*int64(time.Millisecond))
	if ev.CWD != "" && s.CWD == "" {
		s.CWD = ev.CWD
	}

	var change *StatusChange
	switch ev.Type {
	case event.TypePreToolUse, event.TypeUserPrompt:
		if ev.Type == event.TypePreToolUse {
			s.CurrentTool = ev.Tool
		}
		if s.Status == StatusIdle || s.Status == StatusWaiting {
			change = transition(s, StatusWorking)
		}
	case event.TypeStop:
		s.CurrentTool = ""
		if s.Status == StatusWorking {
			change = transition(s, StatusWaiting)
		}
	case event.TypePostToolUse:
		s.CurrentTool = ""
	}
	r.mu.Unlock()

	if change != nil && r.onChange != nil {
		r.onChange(*change)
	}
}

// MarkEnded moves a session to offline from any state. This is the
// explicit session-end signal (e.g. the executor reports the process
// gone); log events alone never take a session offline.
func (r *Registry) MarkEnded(internalID string) {
	r.updateStatus(internalID, StatusOffline, nil)
}

// Restart moves an offline session back to working in response to an
// explicit restart request.
func (r *Registry) Restart(internalID string) {
	r.updateStatus(internalID, StatusWorking, func(s *Session) bool {
		return s.Status == StatusOffline
	})
}

// updateStatus applies a transition when allowed permits it (nil means
// always) and notifies the change. Same-status updates are no-ops and
// generate no notification.
func (r *Registry) updateStatus(internalID string, to Status, allowed func(*Session) bool) {
	r.mu.Lock()
	s, ok := r.byInternal[internalID]
	if !ok || s.Status == to || (allowed != nil && !allowed(s)) {
		r.mu.Unlock()
		return
	}
	change := transition(s, to)
	r.mu.Unlock()

	if change != nil && r.onChange != nil {
		r.onChange(*change)
	}
}

// transition mutates status and records the (from, to) pair. Must be
// called with the registry lock held and to != s.Status.
func transition(s *Session, to Status) *StatusChange {
	change := &StatusChange{
		InternalID: s.InternalID,
		ExternalID: s.ExternalID,
		From:       s.Status,
		To:         to,
	}
	s.Status = to
	return change
}
