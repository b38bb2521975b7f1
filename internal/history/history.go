// Package history archives normalized events in a local SQLite
// database. The event id doubles as the primary key, so re-inserting
// an event that was already archived is a silent no-op and restarts
// never duplicate rows.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"sessionsync/internal/event"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	type        TEXT NOT NULL,
	timestamp   INTEGER NOT NULL,
	agent_kind  TEXT NOT NULL,
	payload     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
`

// Archive is the SQLite-backed event store.
type Archive struct {
	db  *sql.DB
	log *logrus.Entry
}

// Open creates (or reuses) the archive database at path, applying the
// schema. Parent directories are created as needed.
func Open(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply archive schema: %w", err)
	}
	return &Archive{
		db:  db,
		log: logrus.WithField("component", "history"),
	}, nil
}

// Close releases the database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Store archives one event. Duplicate ids are ignored, which makes the
// call idempotent across restarts and re-reads.
func (a *Archive) Store(ev *event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	_, err = a.db.Exec(`
		INSERT OR IGNORE INTO events (id, session_id, type, timestamp, agent_kind, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.SessionID, string(ev.Type), ev.Timestamp, ev.AgentKind, string(payload))
	if err != nil {
		return fmt.Errorf("store event %s: %w", ev.ID, err)
	}
	return nil
}

// StoreBatch archives a batch in one transaction. Individual
// duplicates inside the batch are still ignored rather than failing
// the whole batch.
func (a *Archive) StoreBatch(events []*event.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO events (id, session_id, type, timestamp, agent_kind, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare archive insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			a.log.WithError(err).WithField("id", ev.ID).Warn("skipping unmarshalable event")
			continue
		}
		if _, err := stmt.Exec(ev.ID, ev.SessionID, string(ev.Type), ev.Timestamp, ev.AgentKind, string(payload)); err != nil {
			return fmt.Errorf("store event %s: %w", ev.ID, err)
		}
	}
	return tx.Commit()
}

// Recent returns up to limit archived events for a session, newest
// first.
func (a *Archive) Recent(sessionID string, limit int) ([]*event.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.db.Query(`
		SELECT payload FROM events
		WHERE session_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query session history: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// RecentAll returns up to limit archived events across all sessions,
// newest first.
func (a *Archive) RecentAll(limit int) ([]*event.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.db.Query(`
		SELECT payload FROM events
		ORDER BY timestamp DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Count returns the number of archived events.
func (a *Archive) Count() (int64, error) {
	var n int64
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Prune deletes events older than the cutoff (epoch milliseconds) and
// returns the number removed.
func (a *Archive) Prune(cutoffMillis int64) (int64, error) {
	res, err := a.db.Exec(`DELETE FROM events WHERE timestamp < ?`, cutoffMillis)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		a.log.WithField("pruned", n).Info("pruned archived events")
	}
	return n, nil
}

func scanEvents(rows *sql.Rows) ([]*event.Event, error) {
	var out []*event.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		var ev event.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			// A corrupt row should not poison the whole read.
			continue
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
