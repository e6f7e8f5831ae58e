package store

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory event store for testing.
// Data is lost when the process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]StoredEvent
	notify chan string
	closed bool
}

// NewMemoryStore creates a new in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]StoredEvent),
		notify: make(chan string, notifyBuffer),
	}
}

// Append implements Store.
func (m *MemoryStore) Append(ev StoredEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	if _, exists := m.events[ev.ID]; exists {
		return ErrDuplicate
	}

	// Copy data to avoid retaining caller's slice
	data := make([]byte, len(ev.Data))
	copy(data, ev.Data)
	ev.Data = data

	m.events[ev.ID] = ev

	select {
	case m.notify <- ev.ID:
	default:
	}
	return nil
}

// Update implements Store.
func (m *MemoryStore) Update(ev StoredEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	cur, exists := m.events[ev.ID]
	if !exists {
		return ErrNotFound
	}

	cur.Processed = ev.Processed
	cur.RetryCount = ev.RetryCount
	cur.NextAttempt = ev.NextAttempt
	cur.DeadLetter = ev.DeadLetter
	m.events[ev.ID] = cur
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(id string) (StoredEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return StoredEvent{}, ErrStoreClosed
	}
	ev, exists := m.events[id]
	if !exists {
		return StoredEvent{}, ErrNotFound
	}
	return ev, nil
}

// Pending implements Store.
func (m *MemoryStore) Pending(now time.Time, maxRetries, limit int) ([]StoredEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	out := make([]StoredEvent, 0)
	for _, ev := range m.events {
		if ev.Processed || ev.DeadLetter || ev.RetryCount >= maxRetries {
			continue
		}
		if ev.NextAttempt.After(now) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PublishedAt.Before(out[j].PublishedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Exhausted implements Store.
func (m *MemoryStore) Exhausted(maxRetries, limit int) ([]StoredEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	out := make([]StoredEvent, 0)
	for _, ev := range m.events {
		if ev.Processed || ev.DeadLetter || ev.RetryCount < maxRetries {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PublishedAt.Before(out[j].PublishedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeadLettered implements Store.
func (m *MemoryStore) DeadLettered(limit int) ([]StoredEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	out := make([]StoredEvent, 0)
	for _, ev := range m.events {
		if ev.DeadLetter {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PublishedAt.After(out[j].PublishedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Notify implements Store.
func (m *MemoryStore) Notify() <-chan string {
	return m.notify
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.notify)
	m.events = make(map[string]StoredEvent)
	return nil
}

// Len returns the number of stored events. Useful in tests.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// All returns every stored event regardless of state, oldest first.
// Useful in tests.
func (m *MemoryStore) All() ([]StoredEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	out := make([]StoredEvent, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PublishedAt.Before(out[j].PublishedAt)
	})
	return out, nil
}
