// Package executor exposes session control on top of a pluggable
// agent backend. The Manager merges registry state with overlay
// metadata on every read; neither store holds a combined copy, so the
// merge is the only place the two views meet.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"sessionsync/internal/overlay"
	"sessionsync/internal/registry"
)

// ErrNotFound is returned when no session matches the given id.
var ErrNotFound = errors.New("session not found")

// ErrNoBackend is returned by NopBackend for every control operation.
var ErrNoBackend = errors.New("no agent backend configured")

// ErrInconclusive is returned when a backend call timed out. The
// operation may or may not have taken effect; callers should re-read
// session state rather than retry blindly.
var ErrInconclusive = errors.New("backend call timed out, outcome unknown")

// Backend drives a live agent process for a session. Implementations
// are identified by the agent-assigned external id.
type Backend interface {
	SendPrompt(ctx context.Context, externalID, prompt string) error
	Cancel(ctx context.Context, externalID string) error
	End(ctx context.Context, externalID string) error
	Restart(ctx context.Context, externalID string) error
}

// SessionView is registry state with overlay metadata merged in.
// Overlay absence reads as the defaults, never as an error.
type SessionView struct {
	registry.Session
	ZonePosition *overlay.ZonePosition `json:"zonePosition,omitempty"`
	Suggestion   string                `json:"suggestion,omitempty"`
	AutoAccept   bool                  `json:"autoAccept"`
}

// Manager coordinates the backend, the session registry and the
// metadata overlay.
type Manager struct {
	backend Backend
	reg     *registry.Registry
	ov      *overlay.Store
	timeout time.Duration
	log     *logrus.Entry
}

// NewManager wires a manager. Timeout bounds every backend call; zero
// means 10 seconds.
func NewManager(backend Backend, reg *registry.Registry, ov *overlay.Store, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Manager{
		backend: backend,
		reg:     reg,
		ov:      ov,
		timeout: timeout,
		log:     logrus.WithField("component", "executor"),
	}
}

// =============================================================================
// READS
// =============================================================================

// Get returns the merged view of one session by internal id.
func (m *Manager) Get(internalID string) (SessionView, bool) {
	sess, ok := m.reg.Get(internalID)
	if !ok {
		return SessionView{}, false
	}
	return m.merge(sess), true
}

// List returns merged views of every known session.
func (m *Manager) List() []SessionView {
	sessions := m.reg.List()
	views := make([]SessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, m.merge(sess))
	}
	return views
}

func (m *Manager) merge(sess registry.Session) SessionView {
	view := SessionView{Session: sess}
	fields, _ := m.ov.Get(sess.InternalID)
	view.ZonePosition = fields.ZonePosition
	if fields.Suggestion != nil {
		view.Suggestion = *fields.Suggestion
	}
	if fields.AutoAccept != nil {
		view.AutoAccept = *fields.AutoAccept
	}
	return view
}

// =============================================================================
// OVERLAY WRITES
// =============================================================================

// SetZonePosition stores or clears a session's spatial position.
func (m *Manager) SetZonePosition(internalID string, pos *overlay.ZonePosition) error {
	if _, ok := m.reg.Get(internalID); !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, internalID)
	}
	m.ov.SetZonePosition(internalID, pos)
	return nil
}

// SetSuggestion stores a session's suggestion text; empty clears it.
func (m *Manager) SetSuggestion(internalID, suggestion string) error {
	if _, ok := m.reg.Get(internalID); !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, internalID)
	}
	m.ov.SetSuggestion(internalID, suggestion)
	return nil
}

// SetAutoAccept stores or clears a session's auto-accept flag.
func (m *Manager) SetAutoAccept(internalID string, autoAccept *bool) error {
	if _, ok := m.reg.Get(internalID); !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, internalID)
	}
	m.ov.SetAutoAccept(internalID, autoAccept)
	return nil
}

// =============================================================================
// BACKEND OPERATIONS
// =============================================================================

// SendPrompt forwards a prompt to the session's agent.
func (m *Manager) SendPrompt(ctx context.Context, internalID, prompt string) error {
	sess, ok := m.reg.Get(internalID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, internalID)
	}
	return m.call(ctx, "send prompt", func(ctx context.Context) error {
		return m.backend.SendPrompt(ctx, sess.ExternalID, prompt)
	})
}

// Cancel interrupts the session's current turn.
func (m *Manager) Cancel(ctx context.Context, internalID string) error {
	sess, ok := m.reg.Get(internalID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, internalID)
	}
	return m.call(ctx, "cancel", func(ctx context.Context) error {
		return m.backend.Cancel(ctx, sess.ExternalID)
	})
}

// End terminates the session's agent and marks the session offline.
// The registry transition happens even if the backend call failed; an
// offline session only comes back through an explicit Restart, never
// from log activity alone.
func (m *Manager) End(ctx context.Context, internalID string) error {
	sess, ok := m.reg.Get(internalID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, internalID)
	}
	err := m.call(ctx, "end", func(ctx context.Context) error {
		return m.backend.End(ctx, sess.ExternalID)
	})
	m.reg.MarkEnded(internalID)
	return err
}

// Restart relaunches the agent for an offline session and puts the
// session back in working state.
func (m *Manager) Restart(ctx context.Context, internalID string) error {
	sess, ok := m.reg.Get(internalID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, internalID)
	}
	if sess.Status != registry.StatusOffline {
		return fmt.Errorf("session %s is %s, only offline sessions restart", internalID, sess.Status)
	}
	if err := m.call(ctx, "restart", func(ctx context.Context) error {
		return m.backend.Restart(ctx, sess.ExternalID)
	}); err != nil {
		return err
	}
	m.reg.Restart(internalID)
	return nil
}

// Delete removes a session entirely: backend teardown, registry entry
// and overlay metadata.
func (m *Manager) Delete(ctx context.Context, internalID string) error {
	sess, ok := m.reg.Get(internalID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, internalID)
	}
	if err := m.call(ctx, "end", func(ctx context.Context) error {
		return m.backend.End(ctx, sess.ExternalID)
	}); err != nil {
		m.log.WithError(err).WithField("session", internalID).Warn("backend teardown failed, deleting anyway")
	}
	m.reg.Delete(internalID)
	m.ov.Delete(internalID)
	return nil
}

// call runs one backend operation with the manager's timeout applied.
// A deadline hit maps to ErrInconclusive because the backend may have
// completed the work after we stopped waiting.
func (m *Manager) call(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := fn(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrInconclusive)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
