// Package sqlite keeps an append-only history of entity lifecycle
// transitions.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"steward/pkg/sdk/types"

	_ "modernc.org/sqlite"
)

const queueSize = 256

// Store writes transitions from a single background goroutine so callers on
// the event loop never block on disk.
type Store struct {
	db  *sql.DB
	log *slog.Logger

	queue   chan types.Transition
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS transitions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	name TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	at INTEGER NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize history schema: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS transitions_entity ON transitions (kind, name, id)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize history index: %w", err)
	}

	s := &Store{
		db:    db,
		log:   slog.With("component", "history"),
		queue: make(chan types.Transition, queueSize),
		done:  make(chan struct{}),
	}
	go s.writer()
	return s, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return db, nil
}

// Record queues t for writing. A full queue drops the record.
func (s *Store) Record(t types.Transition) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- t:
	default:
		s.log.Warn("History queue full, dropping transition.", "kind", t.Kind, "name", t.Name, "to", t.To)
	}
}

func (s *Store) writer() {
	defer close(s.done)
	for t := range s.queue {
		if err := s.insert(t); err != nil {
			s.log.Warn("Failed to record transition.", "kind", t.Kind, "name", t.Name, "err", err)
		}
	}
}

func (s *Store) insert(t types.Transition) error {
	_, err := s.db.Exec(
		`INSERT INTO transitions (kind, name, from_state, to_state, at) VALUES (?, ?, ?, ?, ?)`,
		t.Kind, t.Name, t.From, t.To, t.At.UTC().UnixMicro(),
	)
	return err
}

// List returns up to limit most recent transitions for one entity, oldest
// first. limit <= 0 means all.
func (s *Store) List(ctx context.Context, kind, name string, limit int) ([]types.Transition, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, name, from_state, to_state, at FROM (
			SELECT id, kind, name, from_state, to_state, at FROM transitions
			WHERE kind = ? AND name = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id`,
		kind, name, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transitions for %s %q: %w", kind, name, err)
	}
	defer rows.Close()

	var out []types.Transition
	for rows.Next() {
		var t types.Transition
		var at int64
		if err := rows.Scan(&t.Kind, &t.Name, &t.From, &t.To, &at); err != nil {
			return nil, fmt.Errorf("scan transition row: %w", err)
		}
		t.At = time.UnixMicro(at).UTC()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transition rows: %w", err)
	}
	return out, nil
}

// Close blocks until every queued record is written, then closes the
// database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.closeMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.closeMu.Unlock()
	<-s.done
	return s.db.Close()
}
