package overlay

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metadata.json")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s, path
}

func TestMissingFileInitializesEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	if _, ok := s.Get("nope"); ok {
		t.Error("expected no entries in a fresh store")
	}
}

func TestApplyMergesPartialFields(t *testing.T) {
	s, _ := newTestStore(t)

	s.Apply("id-1", Fields{ZonePosition: &ZonePosition{X: 1, Z: 2}})
	auto := true
	s.Apply("id-1", Fields{AutoAccept: &auto})

	f, ok := s.Get("id-1")
	if !ok {
		t.Fatal("entry missing")
	}
	if f.ZonePosition == nil || f.ZonePosition.X != 1 || f.ZonePosition.Z != 2 {
		t.Errorf("zonePosition = %+v, merge lost earlier field", f.ZonePosition)
	}
	if f.AutoAccept == nil || !*f.AutoAccept {
		t.Errorf("autoAccept = %v", f.AutoAccept)
	}
}

func TestExplicitClearRemovesField(t *testing.T) {
	s, _ := newTestStore(t)

	s.SetSuggestion("id-1", "try running the tests")
	s.SetZonePosition("id-1", &ZonePosition{X: 3, Z: 4})

	s.SetSuggestion("id-1", "")
	f, ok := s.Get("id-1")
	if !ok {
		t.Fatal("entry missing")
	}
	if f.Suggestion != nil {
		t.Errorf("suggestion = %v, want cleared", *f.Suggestion)
	}
	if f.ZonePosition == nil {
		t.Error("clearing one field removed another")
	}

	// Clearing the last set field drops the whole entry: absence and
	// all-default are the same thing.
	s.SetZonePosition("id-1", nil)
	if _, ok := s.Get("id-1"); ok {
		t.Error("entry should be gone once every field is unset")
	}
}

func TestDelete(t *testing.T) {
	s, _ := newTestStore(t)
	s.SetSuggestion("id-1", "hello")
	s.Delete("id-1")
	if _, ok := s.Get("id-1"); ok {
		t.Error("entry survives delete")
	}
	s.Delete("id-1") // deleting again is a no-op
}

func TestPersistenceRoundTrip(t *testing.T) {
	s, path := newTestStore(t)
	auto := false
	s.Apply("id-1", Fields{
		ZonePosition: &ZonePosition{X: -2.5, Z: 7},
		AutoAccept:   &auto,
	})
	s.SetSuggestion("id-2", "resume the refactor")

	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	f, ok := reloaded.Get("id-1")
	if !ok || f.ZonePosition == nil || f.ZonePosition.X != -2.5 {
		t.Errorf("id-1 after reload = %+v", f)
	}
	if f.AutoAccept == nil || *f.AutoAccept {
		t.Errorf("autoAccept = %v, want false", f.AutoAccept)
	}
	f, ok = reloaded.Get("id-2")
	if !ok || f.Suggestion == nil || *f.Suggestion != "resume the refactor" {
		t.Errorf("id-2 after reload = %+v", f)
	}
}

func TestPersistedShapeIsPairArray(t *testing.T) {
	s, path := newTestStore(t)
	s.SetSuggestion("id-1", "hi")
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var doc struct {
		Metadata [][2]json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("persisted file is not an array of pairs: %v\n%s", err, data)
	}
	if len(doc.Metadata) != 1 {
		t.Fatalf("pairs = %d, want 1", len(doc.Metadata))
	}
	var id string
	if err := json.Unmarshal(doc.Metadata[0][0], &id); err != nil || id != "id-1" {
		t.Errorf("pair[0] = %s, want \"id-1\"", doc.Metadata[0][0])
	}
}

func TestSaveIfDirtySkipsCleanStore(t *testing.T) {
	s, path := newTestStore(t)
	s.SetSuggestion("id-1", "hi")
	if err := s.SaveIfDirty(); err != nil {
		t.Fatalf("SaveIfDirty: %v", err)
	}

	// Remove the file; a clean store must not rewrite it.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveIfDirty(); err != nil {
		t.Fatalf("SaveIfDirty (clean): %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("clean store rewrote the file")
	}
}
