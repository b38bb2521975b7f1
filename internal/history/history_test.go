package history

import (
	"path/filepath"
	"testing"

	"sessionsync/internal/event"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func testEvent(id, session string, ts int64) *event.Event {
	return &event.Event{
		ID:        id,
		Timestamp: ts,
		Type:      event.TypeUserPrompt,
		SessionID: session,
		AgentKind: event.AgentCodex,
		Prompt:    "prompt for " + id,
	}
}

func TestStoreIsIdempotent(t *testing.T) {
	a := openTestArchive(t)
	ev := testEvent("ev-1", "sess-a", 1000)

	if err := a.Store(ev); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := a.Store(ev); err != nil {
		t.Fatalf("Store duplicate: %v", err)
	}

	n, err := a.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d after duplicate store, want 1", n)
	}
}

func TestRecentReturnsNewestFirstPerSession(t *testing.T) {
	a := openTestArchive(t)
	for i, ev := range []*event.Event{
		testEvent("a1", "sess-a", 1000),
		testEvent("a2", "sess-a", 3000),
		testEvent("b1", "sess-b", 2000),
	} {
		if err := a.Store(ev); err != nil {
			t.Fatalf("Store %d: %v", i, err)
		}
	}

	got, err := a.Recent("sess-a", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent returned %d events, want 2", len(got))
	}
	if got[0].ID != "a2" || got[1].ID != "a1" {
		t.Errorf("ordering = [%s %s], want [a2 a1]", got[0].ID, got[1].ID)
	}
	if got[0].Prompt != "prompt for a2" {
		t.Errorf("payload did not round-trip: %q", got[0].Prompt)
	}
}

func TestRecentHonorsLimit(t *testing.T) {
	a := openTestArchive(t)
	for i := 0; i < 5; i++ {
		ev := testEvent(string(rune('a'+i)), "sess-a", int64(1000+i))
		if err := a.Store(ev); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}
	got, err := a.Recent("sess-a", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Recent returned %d events, want 2", len(got))
	}
}

func TestStoreBatchIgnoresDuplicates(t *testing.T) {
	a := openTestArchive(t)
	if err := a.Store(testEvent("dup", "sess-a", 1000)); err != nil {
		t.Fatalf("Store: %v", err)
	}
	batch := []*event.Event{
		testEvent("dup", "sess-a", 1000),
		testEvent("fresh", "sess-a", 2000),
	}
	if err := a.StoreBatch(batch); err != nil {
		t.Fatalf("StoreBatch: %v", err)
	}
	n, _ := a.Count()
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestPruneRemovesOldEvents(t *testing.T) {
	a := openTestArchive(t)
	a.Store(testEvent("old", "sess-a", 1000))
	a.Store(testEvent("new", "sess-a", 9000))

	removed, err := a.Prune(5000)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("pruned %d events, want 1", removed)
	}
	got, _ := a.RecentAll(10)
	if len(got) != 1 || got[0].ID != "new" {
		t.Errorf("surviving events = %v", got)
	}
}
