package registry

import (
	"sync"
	"testing"

	"sessionsync/internal/event"
)

func ev(t event.Type, sessionID string) *event.Event {
	return &event.Event{ID: "e", Type: t, SessionID: sessionID, AgentKind: event.AgentCodex}
}

func TestNewSessionStartsWorking(t *testing.T) {
	r := New(nil)
	s := r.FindOrCreate("ext-1", event.AgentCodex, "/work")
	if s.Status != StatusWorking {
		t.Errorf("status = %s, want %s", s.Status, StatusWorking)
	}
	if s.InternalID == "" {
		t.Error("internal id not assigned")
	}
}

func TestFindOrCreateIsConcurrencySafe(t *testing.T) {
	r := New(nil)
	const n = 32
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = r.FindOrCreate("ext-1", event.AgentCodex, "/work").InternalID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("concurrent FindOrCreate produced differing ids: %s vs %s", ids[0], id)
		}
	}
	if got := len(r.List()); got != 1 {
		t.Errorf("sessions = %d, want 1", got)
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		name string
		from Status
		ev   event.Type
		want Status
	}{
		{"idle + user prompt", StatusIdle, event.TypeUserPrompt, StatusWorking},
		{"idle + pre tool use", StatusIdle, event.TypePreToolUse, StatusWorking},
		{"waiting + user prompt", StatusWaiting, event.TypeUserPrompt, StatusWorking},
		{"waiting + pre tool use", StatusWaiting, event.TypePreToolUse, StatusWorking},
		{"working + stop", StatusWorking, event.TypeStop, StatusWaiting},

		// Pairs not in the table leave status unchanged.
		{"working + user prompt", StatusWorking, event.TypeUserPrompt, StatusWorking},
		{"working + pre tool use", StatusWorking, event.TypePreToolUse, StatusWorking},
		{"idle + stop", StatusIdle, event.TypeStop, StatusIdle},
		{"waiting + stop", StatusWaiting, event.TypeStop, StatusWaiting},
		{"offline + user prompt", StatusOffline, event.TypeUserPrompt, StatusOffline},
		{"offline + stop", StatusOffline, event.TypeStop, StatusOffline},
		{"idle + notification", StatusIdle, event.TypeNotification, StatusIdle},
		{"waiting + post tool use", StatusWaiting, event.TypePostToolUse, StatusWaiting},
		{"idle + session start", StatusIdle, event.TypeSessionStart, StatusIdle},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := New(nil)
			s := r.FindOrCreate("ext-1", event.AgentCodex, "")
			forceStatus(t, r, s.InternalID, tc.from)

			r.Apply(ev(tc.ev, "ext-1"))

			got, _ := r.Get(s.InternalID)
			if got.Status != tc.want {
				t.Errorf("%s + %s = %s, want %s", tc.from, tc.ev, got.Status, tc.want)
			}
		})
	}
}

// forceStatus drives a session into the requested state through the
// public API so tests never reach into registry internals.
func forceStatus(t *testing.T, r *Registry, internalID string, status Status) {
	t.Helper()
	s, ok := r.Get(internalID)
	if !ok {
		t.Fatal("session not found")
	}
	switch status {
	case StatusWorking:
		// initial state
	case StatusWaiting:
		r.Apply(ev(event.TypeStop, s.ExternalID))
	case StatusOffline:
		r.MarkEnded(internalID)
	case StatusIdle:
		// Idle is not reachable from events alone; seed it directly.
		r.mu.Lock()
		r.byInternal[internalID].Status = StatusIdle
		r.mu.Unlock()
	}
	got, _ := r.Get(internalID)
	if got.Status != status {
		t.Fatalf("could not force status %s, got %s", status, got.Status)
	}
}

func TestExplicitEndAndRestart(t *testing.T) {
	r := New(nil)
	s := r.FindOrCreate("ext-1", event.AgentCodex, "")

	r.MarkEnded(s.InternalID)
	got, _ := r.Get(s.InternalID)
	if got.Status != StatusOffline {
		t.Fatalf("status = %s, want offline", got.Status)
	}

	r.Restart(s.InternalID)
	got, _ = r.Get(s.InternalID)
	if got.Status != StatusWorking {
		t.Errorf("status after restart = %s, want working", got.Status)
	}
}

func TestRestartOnlyFromOffline(t *testing.T) {
	r := New(nil)
	s := r.FindOrCreate("ext-1", event.AgentCodex, "")
	r.Apply(ev(event.TypeStop, "ext-1")) // working -> waiting

	r.Restart(s.InternalID)

	got, _ := r.Get(s.InternalID)
	if got.Status != StatusWaiting {
		t.Errorf("restart from waiting changed status to %s", got.Status)
	}
}

func TestSameStatusTransitionEmitsNoChange(t *testing.T) {
	var changes []StatusChange
	r := New(func(c StatusChange) { changes = append(changes, c) })
	s := r.FindOrCreate("ext-1", event.AgentCodex, "")

	// working + user prompt is a no-op; no notification.
	r.Apply(ev(event.TypeUserPrompt, "ext-1"))
	if len(changes) != 0 {
		t.Fatalf("unexpected change notifications: %+v", changes)
	}

	r.Apply(ev(event.TypeStop, "ext-1"))
	if len(changes) != 1 {
		t.Fatalf("changes = %d, want 1", len(changes))
	}
	c := changes[0]
	if c.From != StatusWorking || c.To != StatusWaiting || c.InternalID != s.InternalID {
		t.Errorf("change = %+v", c)
	}
}

func TestApplyCreatesUnknownSession(t *testing.T) {
	r := New(nil)
	r.Apply(ev(event.TypeUserPrompt, "ext-new"))
	s, ok := r.GetByExternal("ext-new")
	if !ok {
		t.Fatal("session not created on first reference")
	}
	if s.Status != StatusWorking {
		t.Errorf("status = %s, want working", s.Status)
	}
}

func TestPreToolUseTracksCurrentTool(t *testing.T) {
	r := New(nil)
	r.Apply(&event.Event{Type: event.TypePreToolUse, SessionID: "ext-1", Tool: "Bash", AgentKind: event.AgentCodex})
	s, _ := r.GetByExternal("ext-1")
	if s.CurrentTool != "Bash" {
		t.Errorf("currentTool = %q, want Bash", s.CurrentTool)
	}

	r.Apply(ev(event.TypePostToolUse, "ext-1"))
	s, _ = r.GetByExternal("ext-1")
	if s.CurrentTool != "" {
		t.Errorf("currentTool = %q, want cleared", s.CurrentTool)
	}
}

func TestDelete(t *testing.T) {
	r := New(nil)
	s := r.FindOrCreate("ext-1", event.AgentCodex, "")
	if !r.Delete(s.InternalID) {
		t.Fatal("delete returned false")
	}
	if _, ok := r.GetByExternal("ext-1"); ok {
		t.Error("session still reachable by external id after delete")
	}
	if r.Delete(s.InternalID) {
		t.Error("second delete returned true")
	}
}
