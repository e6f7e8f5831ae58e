// Package breaker implements a per-dependency circuit breaker.
//
// The breaker is a failure-isolation state machine with three states:
//
//	Closed -> Open:      FailureThreshold consecutive classified failures
//	Open -> HalfOpen:    first execution attempted after the cooldown
//	HalfOpen -> Closed:  SuccessThreshold consecutive trial successes
//	HalfOpen -> Open:    any single trial failure
//
// A breaker only needs approximate thresholds under concurrent callers;
// counter updates are serialized by an internal mutex but the ordering of
// concurrent calls' effects is interleaving-dependent.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	egerrors "github.com/tannerhall/eventcore/pkg/eventcore/errors"
)

// State is a circuit breaker state.
type State int

const (
	// Closed passes all calls through.
	Closed State = iota

	// Open rejects calls immediately without executing them.
	Open

	// HalfOpen lets calls through as trial probes.
	HalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// OpenError is returned when a call is short-circuited by an open breaker.
type OpenError struct {
	Name        string
	State       State
	NextAttempt time.Time
}

// Error implements the error interface.
func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is %s until %s",
		e.Name, e.State, e.NextAttempt.Format(time.RFC3339))
}

// Config configures a circuit breaker.
type Config struct {
	// FailureThreshold is the number of consecutive classified failures
	// that opens the circuit. Default: 5
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open successes
	// that closes the circuit. Default: 3
	SuccessThreshold int

	// Timeout is the cooldown before an open circuit admits a probe.
	// Default: 60 seconds
	Timeout time.Duration

	// IsFailure decides whether an error counts toward the threshold.
	// The default excludes client errors (400/401/403-style): those are
	// caller mistakes, not service unreliability.
	IsFailure func(error) bool

	// OnStateChange is invoked on every transition.
	OnStateChange func(name string, from, to State, reason string)
}

// DefaultConfig provides the standard thresholds.
var DefaultConfig = Config{
	FailureThreshold: 5,
	SuccessThreshold: 3,
	Timeout:          60 * time.Second,
}

// Breaker is a circuit breaker for one protected dependency.
// All state is owned by the breaker and mutated only through its methods.
type Breaker struct {
	name string
	cfg  Config

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	lastFailure  time.Time
	nextAttempt  time.Time

	// Lifetime counters for statistics.
	totalSuccesses int64
	totalFailures  int64
	totalRejected  int64

	// now is replaceable for deterministic tests.
	now func() time.Time
}

// New creates a circuit breaker for the named dependency.
// A restart always begins Closed; trial state is never recovered.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig.SuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}

	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: Closed,
		now:   time.Now,
	}
}

// defaultIsFailure counts everything except client errors.
func defaultIsFailure(err error) bool {
	return !egerrors.IsClientError(err)
}

// Name returns the protected dependency's name.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn through the breaker. An open circuit returns an
// *OpenError without running fn. Errors from fn are returned as-is after
// state bookkeeping.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := fn(ctx)
	b.afterCall(err)
	return err
}

// Do runs fn through the breaker and returns its value.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var ferr error
		out, ferr = fn(ctx)
		return ferr
	})
	return out, err
}

// beforeCall admits or rejects the call, handling the Open -> HalfOpen
// transition once the cooldown has elapsed.
func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		if b.now().Before(b.nextAttempt) {
			b.totalRejected++
			return &OpenError{Name: b.name, State: Open, NextAttempt: b.nextAttempt}
		}
		b.transition(HalfOpen, "cooldown elapsed, probing")
	}

	return nil
}

// afterCall records the outcome and drives state transitions.
func (b *Breaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.onSuccess()
		return
	}

	if !b.cfg.IsFailure(err) {
		// Caller mistake: does not count either way.
		return
	}
	b.onFailure()
}

func (b *Breaker) onSuccess() {
	b.totalSuccesses++

	switch b.state {
	case Closed:
		b.failureCount = 0
	case HalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.failureCount = 0
			b.successCount = 0
			b.transition(Closed, "success threshold reached")
		}
	}
}

func (b *Breaker) onFailure() {
	b.totalFailures++
	b.lastFailure = b.now()

	switch b.state {
	case Closed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.trip("failure threshold reached")
		}
	case HalfOpen:
		// A single trial failure reopens the circuit.
		b.trip("probe failed")
	}
}

// trip opens the circuit and resets the cooldown window.
func (b *Breaker) trip(reason string) {
	b.successCount = 0
	b.nextAttempt = b.now().Add(b.cfg.Timeout)
	b.transition(Open, reason)
}

// transition changes state and fires the hook. Caller holds the lock.
func (b *Breaker) transition(to State, reason string) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to, reason)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a point-in-time snapshot of breaker counters.
type Stats struct {
	Name          string
	State         State
	FailureCount  int
	SuccessCount  int
	LastFailure   time.Time
	NextAttempt   time.Time
	TotalSuccess  int64
	TotalFailures int64
	TotalRejected int64

	// UptimePercent is successes / (successes + failures) over the
	// breaker's lifetime, as a percentage. 100 when no calls were made.
	UptimePercent float64
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	uptime := 100.0
	if total := b.totalSuccesses + b.totalFailures; total > 0 {
		uptime = float64(b.totalSuccesses) / float64(total) * 100
	}

	return Stats{
		Name:          b.name,
		State:         b.state,
		FailureCount:  b.failureCount,
		SuccessCount:  b.successCount,
		LastFailure:   b.lastFailure,
		NextAttempt:   b.nextAttempt,
		TotalSuccess:  b.totalSuccesses,
		TotalFailures: b.totalFailures,
		TotalRejected: b.totalRejected,
		UptimePercent: uptime,
	}
}

// Reset returns the breaker to Closed with cleared counters.
// Operational override; lifetime statistics are kept.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.successCount = 0
	b.transition(Closed, "manual reset")
}

// ForceState moves the breaker to the given state. Operational override.
func (b *Breaker) ForceState(s State, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s == Open {
		b.nextAttempt = b.now().Add(b.cfg.Timeout)
	}
	b.transition(s, reason)
}

// SetClock replaces the breaker's time source. Tests only.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
