// Package store provides durable persistence for published events.
//
// Every event is written before dispatch and updated as handlers
// process it, so delivery survives crashes and restarts. Two
// implementations are provided: MemoryStore for tests and SQLiteStore
// for single-process production use.
package store

import (
	"errors"
	"time"
)

// StoredEvent is an event row as persisted by a Store. Data holds the
// full serialized envelope; the remaining columns exist so pending and
// dead-letter queries never need to deserialize it.
type StoredEvent struct {
	ID            string
	EventType     string
	Data          []byte
	PublishedAt   time.Time
	Processed     bool
	RetryCount    int
	NextAttempt   time.Time
	DeadLetter    bool
	CorrelationID string
	CausationID   string
	TraceID       string
}

// Store persists events for at-least-once delivery.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append persists a new event. Returns ErrDuplicate if an event
	// with the same ID already exists.
	Append(ev StoredEvent) error

	// Update rewrites the mutable delivery columns (Processed,
	// RetryCount, NextAttempt, DeadLetter) of an existing event.
	// Returns ErrNotFound if the event doesn't exist.
	Update(ev StoredEvent) error

	// Get retrieves a single event by ID.
	// Returns ErrNotFound if the event doesn't exist.
	Get(id string) (StoredEvent, error)

	// Pending returns undelivered events that are due at now:
	// not processed, not dead-lettered, RetryCount < maxRetries,
	// and NextAttempt at or before now. Ordered oldest first,
	// capped at limit.
	Pending(now time.Time, maxRetries, limit int) ([]StoredEvent, error)

	// Exhausted returns undelivered events whose RetryCount has
	// reached maxRetries, oldest first, capped at limit. These are
	// the candidates for dead-lettering.
	Exhausted(maxRetries, limit int) ([]StoredEvent, error)

	// DeadLettered returns dead-lettered events, newest first,
	// capped at limit.
	DeadLettered(limit int) ([]StoredEvent, error)

	// Notify returns a channel that receives the ID of each newly
	// appended event. The channel is buffered and never blocks an
	// Append; dropped notifications are picked up by the sweep.
	Notify() <-chan string

	// Close releases any resources (connections, files).
	Close() error
}

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the event doesn't exist.
	ErrNotFound = errors.New("event not found")

	// ErrDuplicate indicates an event with the same ID was already appended.
	ErrDuplicate = errors.New("event already exists")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("event store closed")
)

// notifyBuffer is the capacity of the Notify channel. A full buffer
// means dispatch falls back to the periodic sweep.
const notifyBuffer = 256
