package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists events to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	notify chan string
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates a new SQLite event store.
// The path should be a file path (e.g., "./events.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			data BLOB NOT NULL,
			published_at TEXT NOT NULL,
			processed INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			next_attempt TEXT NOT NULL,
			dead_letter INTEGER NOT NULL DEFAULT 0,
			correlation_id TEXT NOT NULL DEFAULT '',
			causation_id TEXT NOT NULL DEFAULT '',
			trace_id TEXT NOT NULL DEFAULT ''
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_events_pending
		ON events(processed, dead_letter, next_attempt)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		notify: make(chan string, notifyBuffer),
	}, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ev StoredEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO events (
			id, event_type, data, published_at,
			processed, retry_count, next_attempt, dead_letter,
			correlation_id, causation_id, trace_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ID, ev.EventType, ev.Data, formatTime(ev.PublishedAt),
		boolToInt(ev.Processed), ev.RetryCount, formatTime(ev.NextAttempt), boolToInt(ev.DeadLetter),
		ev.CorrelationID, ev.CausationID, ev.TraceID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("append event: %w", err)
	}

	select {
	case s.notify <- ev.ID:
	default:
	}
	return nil
}

// Update implements Store.
func (s *SQLiteStore) Update(ev StoredEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.Exec(`
		UPDATE events SET
			processed = ?, retry_count = ?, next_attempt = ?, dead_letter = ?
		WHERE id = ?
	`,
		boolToInt(ev.Processed), ev.RetryCount, formatTime(ev.NextAttempt), boolToInt(ev.DeadLetter),
		ev.ID,
	)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(id string) (StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return StoredEvent{}, ErrStoreClosed
	}

	row := s.db.QueryRow(`
		SELECT id, event_type, data, published_at,
		       processed, retry_count, next_attempt, dead_letter,
		       correlation_id, causation_id, trace_id
		FROM events WHERE id = ?
	`, id)

	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return StoredEvent{}, ErrNotFound
	}
	if err != nil {
		return StoredEvent{}, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

// Pending implements Store.
func (s *SQLiteStore) Pending(now time.Time, maxRetries, limit int) ([]StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT id, event_type, data, published_at,
		       processed, retry_count, next_attempt, dead_letter,
		       correlation_id, causation_id, trace_id
		FROM events
		WHERE processed = 0 AND dead_letter = 0
		  AND retry_count < ? AND next_attempt <= ?
		ORDER BY published_at ASC
		LIMIT ?
	`, maxRetries, formatTime(now), nonZeroLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query pending events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Exhausted implements Store.
func (s *SQLiteStore) Exhausted(maxRetries, limit int) ([]StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT id, event_type, data, published_at,
		       processed, retry_count, next_attempt, dead_letter,
		       correlation_id, causation_id, trace_id
		FROM events
		WHERE processed = 0 AND dead_letter = 0 AND retry_count >= ?
		ORDER BY published_at ASC
		LIMIT ?
	`, maxRetries, nonZeroLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query exhausted events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// DeadLettered implements Store.
func (s *SQLiteStore) DeadLettered(limit int) ([]StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT id, event_type, data, published_at,
		       processed, retry_count, next_attempt, dead_letter,
		       correlation_id, causation_id, trace_id
		FROM events
		WHERE dead_letter = 1
		ORDER BY published_at DESC
		LIMIT ?
	`, nonZeroLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query dead-lettered events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Notify implements Store.
func (s *SQLiteStore) Notify() <-chan string {
	return s.notify
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.notify)
	return s.db.Close()
}

// scanner matches *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (StoredEvent, error) {
	var (
		ev          StoredEvent
		publishedAt string
		nextAttempt string
		processed   int
		deadLetter  int
	)
	err := row.Scan(
		&ev.ID, &ev.EventType, &ev.Data, &publishedAt,
		&processed, &ev.RetryCount, &nextAttempt, &deadLetter,
		&ev.CorrelationID, &ev.CausationID, &ev.TraceID,
	)
	if err != nil {
		return StoredEvent{}, err
	}

	ev.Processed = processed != 0
	ev.DeadLetter = deadLetter != 0
	if ev.PublishedAt, err = time.Parse(time.RFC3339Nano, publishedAt); err != nil {
		return StoredEvent{}, fmt.Errorf("parse published_at: %w", err)
	}
	if ev.NextAttempt, err = time.Parse(time.RFC3339Nano, nextAttempt); err != nil {
		return StoredEvent{}, fmt.Errorf("parse next_attempt: %w", err)
	}
	return ev, nil
}

func scanEvents(rows *sql.Rows) ([]StoredEvent, error) {
	out := make([]StoredEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nonZeroLimit maps limit <= 0 to an effectively unbounded LIMIT.
func nonZeroLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint failures in the error text.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
