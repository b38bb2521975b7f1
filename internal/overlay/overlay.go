// Package overlay stores private per-session annotations owned by this
// process: zone position in the visualization space, a pending prompt
// suggestion, and the auto-accept flag. Overlay data is keyed by the
// session's internal id and merged onto canonical sessions at read
// time only; it never mutates the canonical record, and a missing
// entry reads the same as an entry with every field unset.
package overlay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// =============================================================================
// FIELDS
// =============================================================================

// ZonePosition places a session in the visualization plane.
type ZonePosition struct {
	X float64 `json:"x"`
	Z float64 `json:"z"`
}

// Fields holds the overlay annotations for one session. A nil pointer
// means the field is unset; unset is indistinguishable from an absent
// overlay entry.
type Fields struct {
	ZonePosition *ZonePosition `json:"zonePosition,omitempty"`
	Suggestion   *string       `json:"suggestion,omitempty"`
	AutoAccept   *bool         `json:"autoAccept,omitempty"`
}

// empty reports whether every field is unset.
func (f Fields) empty() bool {
	return f.ZonePosition == nil && f.Suggestion == nil && f.AutoAccept == nil
}

// =============================================================================
// STORE
// =============================================================================

// Store is the overlay table with lazy JSON-file persistence. Writes
// mark it dirty; SaveIfDirty persists on the next maintenance tick and
// Flush forces a write (e.g. on shutdown).
type Store struct {
	path    string
	mu      sync.RWMutex
	entries map[string]Fields
	dirty   bool
}

// persistedDoc is the on-disk shape: the overlay table as an array of
// [id, fields] pairs.
type persistedDoc struct {
	Metadata []persistedPair `json:"metadata"`
}

type persistedPair struct {
	ID     string
	Fields Fields
}

func (p persistedPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.ID, p.Fields})
}

func (p *persistedPair) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &p.ID); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &p.Fields)
}

// NewStore creates the store and loads any persisted table from path.
// A missing file is not an error; the store initializes empty.
func NewStore(path string) (*Store, error) {
	s := &Store{
		path:    path,
		entries: make(map[string]Fields),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read overlay file: %w", err)
	}

	var doc persistedDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse overlay file: %w", err)
	}
	for _, pair := range doc.Metadata {
		s.entries[pair.ID] = pair.Fields
	}
	return s, nil
}

// Get returns the overlay entry for id. ok is false when no entry
// exists; callers treat that the same as all-default fields.
func (s *Store) Get(id string) (Fields, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.entries[id]
	return f, ok
}

// Apply merges the set fields of patch into the entry for id. Nil
// pointer fields leave the existing value unchanged; use the per-field
// setters to clear a value explicitly.
func (s *Store) Apply(id string, patch Fields) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.entries[id]
	if patch.ZonePosition != nil {
		f.ZonePosition = patch.ZonePosition
	}
	if patch.Suggestion != nil {
		f.Suggestion = patch.Suggestion
	}
	if patch.AutoAccept != nil {
		f.AutoAccept = patch.AutoAccept
	}
	s.store(id, f)
}

// SetZonePosition sets or, with nil, removes the zone position.
func (s *Store) SetZonePosition(id string, pos *ZonePosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.entries[id]
	f.ZonePosition = pos
	s.store(id, f)
}

// SetSuggestion sets the suggestion text; the empty string removes it.
func (s *Store) SetSuggestion(id, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.entries[id]
	if text == "" {
		f.Suggestion = nil
	} else {
		f.Suggestion = &text
	}
	s.store(id, f)
}

// SetAutoAccept sets or, with nil, removes the auto-accept flag.
func (s *Store) SetAutoAccept(id string, v *bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.entries[id]
	f.AutoAccept = v
	s.store(id, f)
}

// store writes back an entry, dropping it when all fields are unset.
// Must be called with the lock held.
func (s *Store) store(id string, f Fields) {
	if f.empty() {
		delete(s.entries, id)
	} else {
		s.entries[id] = f
	}
	s.dirty = true
}

// Delete removes the entry for id. Called when the owning session is
// deleted; deleting an absent entry is a no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return
	}
	delete(s.entries, id)
	s.dirty = true
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// SaveIfDirty persists the table only when it changed since the last
// save.
func (s *Store) SaveIfDirty() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.saveLocked()
}

// Flush persists unconditionally. Called on shutdown so unsaved state
// is never lost to the lazy write policy.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	doc := persistedDoc{Metadata: make([]persistedPair, 0, len(s.entries))}
	for id, f := range s.entries {
		doc.Metadata = append(doc.Metadata, persistedPair{ID: id, Fields: f})
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal overlay: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create overlay dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("write overlay file: %w", err)
	}
	s.dirty = false
	return nil
}
