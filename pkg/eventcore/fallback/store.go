package fallback

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// ErrStoreClosed is returned when operating on a closed store.
var ErrStoreClosed = errors.New("fallback state store is closed")

// StateStore persists the cache's aggregate state across restarts.
type StateStore interface {
	// Save writes the aggregate state, replacing any previous state.
	Save(state *AggregateState) error

	// Load reads the aggregate state. Returns (nil, nil) if none saved.
	Load() (*AggregateState, error)

	// Close releases resources.
	Close() error
}

// MemoryStateStore keeps aggregate state in memory. Tests and
// single-run deployments.
type MemoryStateStore struct {
	mu    sync.Mutex
	state *AggregateState
}

// NewMemoryStateStore creates an empty in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{}
}

// Save implements StateStore.
func (m *MemoryStateStore) Save(state *AggregateState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *state
	m.state = &cp
	return nil
}

// Load implements StateStore.
func (m *MemoryStateStore) Load() (*AggregateState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == nil {
		return nil, nil
	}
	cp := *m.state
	return &cp, nil
}

// Close implements StateStore.
func (m *MemoryStateStore) Close() error {
	return nil
}

// SQLiteStateStore persists aggregate state to SQLite as a single
// JSON-encoded row.
type SQLiteStateStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// NewSQLiteStateStore opens (or creates) the state store at path.
// Use ":memory:" for testing.
func NewSQLiteStateStore(path string) (*SQLiteStateStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS fallback_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			state BLOB NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &SQLiteStateStore{db: db}, nil
}

// Save implements StateStore.
func (s *SQLiteStateStore) Save(state *AggregateState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode fallback state: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO fallback_state (id, state) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state
	`, raw)
	if err != nil {
		return fmt.Errorf("save fallback state: %w", err)
	}
	return nil
}

// Load implements StateStore.
func (s *SQLiteStateStore) Load() (*AggregateState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var raw []byte
	err := s.db.QueryRow(`SELECT state FROM fallback_state WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load fallback state: %w", err)
	}

	var state AggregateState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode fallback state: %w", err)
	}
	return &state, nil
}

// Close implements StateStore.
func (s *SQLiteStateStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
