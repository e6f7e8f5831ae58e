// Package fallback provides a TTL-bound cache of last-known-good results
// for graceful degradation.
//
// When a live call to the external service fails with the circuit open or
// retries exhausted, the reliability manager serves the most recent
// cached snapshot instead of propagating the failure. Per-key entries are
// memory-only; the aggregate state (last successful snapshot, recent
// history, running statistics) is persisted to a durable side-store so it
// survives process restarts.
package fallback

import (
	"fmt"
	"sync"
	"time"
)

// Snapshot is a cached record of one completed outbound operation.
type Snapshot struct {
	WorkflowID    string        `json:"workflow_id"`
	CorrelationID string        `json:"correlation_id"`
	Status        string        `json:"status"`
	Progress      int           `json:"progress"`
	StartedAt     time.Time     `json:"started_at,omitempty"`
	CompletedAt   time.Time     `json:"completed_at,omitempty"`
	Success       bool          `json:"success"`
	Duration      time.Duration `json:"duration"`

	// Category tags the operation family this snapshot belongs to
	// (e.g. "sync"). Set by the producer at cache-write time; the cache
	// never infers it from other fields.
	Category string `json:"category,omitempty"`

	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the snapshot's TTL has passed at t.
func (s *Snapshot) Expired(t time.Time) bool {
	return t.After(s.ExpiresAt)
}

// Stats tracks running operation statistics.
type Stats struct {
	Total       int           `json:"total"`
	Successes   int           `json:"successes"`
	Failures    int           `json:"failures"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// SuccessRate returns successes / total as a percentage (100 when empty).
func (s Stats) SuccessRate() float64 {
	if s.Total == 0 {
		return 100
	}
	return float64(s.Successes) / float64(s.Total) * 100
}

// AggregateState is the durable portion of the cache.
type AggregateState struct {
	LastSuccessful *Snapshot  `json:"last_successful,omitempty"`
	Recent         []Snapshot `json:"recent,omitempty"`
	Stats          Stats      `json:"stats"`
}

// Config configures the fallback cache.
type Config struct {
	// DefaultTTL bounds how long a snapshot stays servable.
	// Default: 30 minutes
	DefaultTTL time.Duration

	// HistorySize bounds the recent-history ring. Default: 10
	HistorySize int

	// TrackedCategory is the operation family folded into the recent
	// ring and running statistics. Default: "sync"
	TrackedCategory string

	// Store persists aggregate state across restarts. Optional;
	// a nil store makes the aggregate state memory-only.
	Store StateStore
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	DefaultTTL:      30 * time.Minute,
	HistorySize:     10,
	TrackedCategory: "sync",
}

// Cache holds per-key snapshots and the tracked aggregate state.
type Cache struct {
	cfg Config

	mu      sync.RWMutex
	entries map[string]*Snapshot
	state   AggregateState

	// now is replaceable for deterministic tests.
	now func() time.Time
}

// New creates a fallback cache. If cfg.Store is set, previously persisted
// aggregate state is restored.
func New(cfg Config) (*Cache, error) {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultConfig.DefaultTTL
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig.HistorySize
	}
	if cfg.TrackedCategory == "" {
		cfg.TrackedCategory = DefaultConfig.TrackedCategory
	}

	c := &Cache{
		cfg:     cfg,
		entries: make(map[string]*Snapshot),
		now:     time.Now,
	}

	if cfg.Store != nil {
		state, err := cfg.Store.Load()
		if err != nil {
			return nil, fmt.Errorf("restore fallback state: %w", err)
		}
		if state != nil {
			c.state = *state
		}
	}

	return c, nil
}

// Put caches a snapshot under its workflow ID. A zero ttl uses the
// default. Snapshots in the tracked category are folded into the recent
// ring and running statistics, and the aggregate state is persisted.
func (c *Cache) Put(snap Snapshot, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	snap.CachedAt = now
	snap.ExpiresAt = now.Add(ttl)
	c.entries[snap.WorkflowID] = &snap

	if snap.Category != c.cfg.TrackedCategory {
		return nil
	}

	// Ring: newest first, bounded.
	c.state.Recent = append([]Snapshot{snap}, c.state.Recent...)
	if len(c.state.Recent) > c.cfg.HistorySize {
		c.state.Recent = c.state.Recent[:c.cfg.HistorySize]
	}

	// Incremental average over all tracked operations.
	st := &c.state.Stats
	total := time.Duration(st.Total) * st.AvgDuration
	st.Total++
	st.AvgDuration = (total + snap.Duration) / time.Duration(st.Total)
	if snap.Success {
		st.Successes++
		c.state.LastSuccessful = &snap
	} else {
		st.Failures++
	}

	return c.persistLocked()
}

// Get returns the unexpired snapshot for a workflow ID, lazily evicting
// an expired entry. Returns nil when absent or expired.
func (c *Cache) Get(workflowID string) *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, ok := c.entries[workflowID]
	if !ok {
		return nil
	}
	if snap.Expired(c.now()) {
		delete(c.entries, workflowID)
		return nil
	}
	return snap
}

// LastSuccessful returns the most recent successful tracked snapshot,
// or nil if none exists or it has expired.
func (c *Cache) LastSuccessful() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := c.state.LastSuccessful
	if snap == nil || snap.Expired(c.now()) {
		return nil
	}
	return snap
}

// Recent returns the unexpired portion of the recent-history ring,
// newest first.
func (c *Cache) Recent() []Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	out := make([]Snapshot, 0, len(c.state.Recent))
	for _, snap := range c.state.Recent {
		if !snap.Expired(now) {
			out = append(out, snap)
		}
	}
	return out
}

// Stats returns the running statistics for tracked operations.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Stats
}

// SweepExpired removes expired per-key entries. Called periodically;
// reads also evict lazily, so the sweep only bounds memory.
func (c *Cache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for id, snap := range c.entries {
		if snap.Expired(now) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// Data is a best-effort degraded-mode response.
type Data struct {
	// Available is false only when the cache has nothing to serve.
	Available bool `json:"available"`

	// Source names where the data came from: "last_successful",
	// "recent_history", or "none".
	Source string `json:"source"`

	// Snapshot is the served snapshot (Source "last_successful").
	Snapshot *Snapshot `json:"snapshot,omitempty"`

	// Recent is the served history (Source "recent_history").
	Recent []Snapshot `json:"recent,omitempty"`

	// Message is a human-readable provenance note.
	Message string `json:"message"`
}

// FallbackData composes the best available degraded-mode response:
// the last successful snapshot if unexpired, else the recent-history
// ring, else an explicit no-data signal.
func (c *Cache) FallbackData() Data {
	if snap := c.LastSuccessful(); snap != nil {
		return Data{
			Available: true,
			Source:    "last_successful",
			Snapshot:  snap,
			Message:   fmt.Sprintf("serving last successful result from %s", ageString(c.now().Sub(snap.CachedAt))),
		}
	}

	if recent := c.Recent(); len(recent) > 0 {
		return Data{
			Available: true,
			Source:    "recent_history",
			Recent:    recent,
			Message:   fmt.Sprintf("serving %d recent results, newest from %s", len(recent), ageString(c.now().Sub(recent[0].CachedAt))),
		}
	}

	return Data{
		Available: false,
		Source:    "none",
		Message:   "no cached data available",
	}
}

// persistLocked writes aggregate state to the side-store. Caller holds
// the lock. Per-key entries are deliberately not persisted.
func (c *Cache) persistLocked() error {
	if c.cfg.Store == nil {
		return nil
	}
	if err := c.cfg.Store.Save(&c.state); err != nil {
		return fmt.Errorf("persist fallback state: %w", err)
	}
	return nil
}

// SetClock replaces the cache's time source. Tests only.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// ageString renders an age like "2.5 hours ago" or "3 minutes ago".
func ageString(d time.Duration) string {
	switch {
	case d >= time.Hour:
		return fmt.Sprintf("%.1f hours ago", d.Hours())
	case d >= time.Minute:
		return fmt.Sprintf("%d minutes ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%d seconds ago", int(d.Seconds()))
	}
}
