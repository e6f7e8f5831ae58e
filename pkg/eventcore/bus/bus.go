// Package bus provides a durable publish/subscribe event bus with
// at-least-once delivery.
//
// Every published envelope is validated, normalized, and persisted
// before any handler runs. A dispatcher driven by store notifications
// and a periodic sweep delivers events to matching subscribers; fan-out
// is sequential per event so the all-handlers-succeeded outcome maps
// cleanly onto the stored row. Events whose handlers keep failing are
// retried with exponential delay and eventually dead-lettered.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	eerrors "github.com/tannerhall/eventcore/pkg/eventcore/errors"
	"github.com/tannerhall/eventcore/pkg/eventcore/observability"
	"github.com/tannerhall/eventcore/pkg/eventcore/schema"
	"github.com/tannerhall/eventcore/pkg/eventcore/store"
	"github.com/tannerhall/eventcore/pkg/eventcore/sweep"
)

// DeadLetterEventType is the synthetic event emitted when an event
// exhausts its delivery attempts.
const DeadLetterEventType = "system.event.dead_letter@1"

// Handler processes one delivered envelope. A non-nil error marks the
// delivery attempt as failed and schedules a retry.
type Handler func(ctx context.Context, env schema.Envelope) error

// Unsubscribe removes the subscription it was returned from.
// Safe to call more than once.
type Unsubscribe func()

// Config configures a Bus.
type Config struct {
	// Store persists events. A nil store puts the bus in degraded
	// mode: Publish logs and drops, Subscribe still registers.
	Store store.Store

	// MaxRetries is the delivery attempt ceiling before an event is
	// dead-lettered. Default: 3
	MaxRetries int

	// BatchSize is the number of pending events one sweep dispatches.
	// Default: 25
	BatchSize int

	// SweepInterval is how often the pending sweep runs.
	// Default: 5 seconds
	SweepInterval time.Duration

	// Logger for dispatch diagnostics. Nil disables logging.
	Logger *slog.Logger

	// Spans traces each delivery attempt. Nil disables tracing.
	Spans observability.SpanManager

	// OnDispatch is called after an event is delivered to all its
	// subscribers successfully.
	OnDispatch func(env schema.Envelope, subscribers int, duration time.Duration)

	// OnError is called when a subscriber returns an error.
	OnError func(env schema.Envelope, err error)

	// OnDeadLetter is called when an event is dead-lettered.
	OnDeadLetter func(env schema.Envelope, reason string)
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	MaxRetries:    3,
	BatchSize:     25,
	SweepInterval: 5 * time.Second,
}

// Stats reports bus counters since construction.
type Stats struct {
	Published    int64
	Delivered    int64
	Failed       int64
	DeadLettered int64
}

// Bus is a durable event bus.
type Bus struct {
	cfg   Config
	store store.Store

	mu   sync.RWMutex
	subs map[string]*subscription

	pubMu           sync.Mutex
	publishFailures map[string]int // service prefix -> consecutive persist failures

	published    atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64

	sweeper *sweep.Runner
	stopCh  chan struct{}
	running bool
	runMu   sync.Mutex

	now func() time.Time
}

type subscription struct {
	id      string
	pattern string
	handler Handler
}

// New creates a bus over the given store. A nil cfg.Store is allowed
// and produces a degraded no-op publisher.
func New(cfg Config) *Bus {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig.BatchSize
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig.SweepInterval
	}
	if cfg.Spans == nil {
		cfg.Spans = observability.NoopSpanManager{}
	}

	b := &Bus{
		cfg:             cfg,
		store:           cfg.Store,
		subs:            make(map[string]*subscription),
		publishFailures: make(map[string]int),
		stopCh:          make(chan struct{}),
		now:             time.Now,
	}
	b.sweeper = sweep.NewRunner(b.SweepPending, sweep.Config{
		Interval: cfg.SweepInterval,
		OnError: func(err error) {
			b.logWarn("pending sweep failed", slog.String("error", err.Error()))
		},
	})
	return b
}

// Publish validates, normalizes, and persists an event. Delivery to
// subscribers happens asynchronously after the event is durable.
//
// With no store configured the event is logged and dropped. An invalid
// envelope is rejected with a *errors.ValidationError before anything
// is written.
func (b *Bus) Publish(ctx context.Context, env schema.Envelope) error {
	if b.store == nil {
		b.logWarn("event bus has no store, dropping event",
			slog.String("event_type", env.EventType))
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	schema.Normalize(&env)
	if res := schema.Validate(env); !res.Valid {
		return &eerrors.ValidationError{Fields: res.Errors}
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", env.EventType, err)
	}

	now := b.now()
	err = b.store.Append(store.StoredEvent{
		ID:            env.EventID,
		EventType:     env.EventType,
		Data:          data,
		PublishedAt:   now,
		NextAttempt:   now,
		CorrelationID: env.CorrelationID,
		CausationID:   env.CausationID,
		TraceID:       env.Metadata.TraceID,
	})
	if err != nil {
		b.recordPublishFailure(env.EventType)
		return fmt.Errorf("persist event %s: %w", env.EventType, err)
	}

	b.resetPublishFailure(env.EventType)
	b.published.Add(1)
	observability.LogPublish(b.cfg.Logger, env.EventType, env.EventID)
	return nil
}

// Subscribe registers a handler for event types matching pattern.
// Patterns are an exact event type ("orchestration.workflow_started@1"),
// a service prefix ("orchestration.*"), or "*" for everything.
func (b *Bus) Subscribe(pattern string, handler Handler) Unsubscribe {
	sub := &subscription{
		id:      uuid.New().String(),
		pattern: pattern,
		handler: handler,
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub.id)
			b.mu.Unlock()
		})
	}
}

// Start launches the dispatcher: a consumer of store notifications and
// the periodic pending sweep. Calling Start twice is a no-op.
func (b *Bus) Start(ctx context.Context) {
	if b.store == nil {
		return
	}

	b.runMu.Lock()
	if b.running {
		b.runMu.Unlock()
		return
	}
	b.running = true
	b.runMu.Unlock()

	b.sweeper.Start(ctx)
	go b.consumeNotifications(ctx)
}

// Close stops the dispatcher. The store is not closed; it is owned by
// the caller.
func (b *Bus) Close() {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if !b.running {
		return
	}
	b.sweeper.Stop()
	close(b.stopCh)
	b.running = false
}

// Stats returns delivery counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:    b.published.Load(),
		Delivered:    b.delivered.Load(),
		Failed:       b.failed.Load(),
		DeadLettered: b.deadLettered.Load(),
	}
}

// PublishFailures returns the consecutive persist-failure count for a
// service prefix. Resets on the next successful publish.
func (b *Bus) PublishFailures(service string) int {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	return b.publishFailures[service]
}

// SweepPending dispatches due pending events and dead-letters events
// that have exhausted their attempts. Runs on the sweep schedule; also
// callable directly for deterministic tests.
func (b *Bus) SweepPending(ctx context.Context) error {
	now := b.now()

	pending, err := b.store.Pending(now, b.cfg.MaxRetries, b.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("load pending events: %w", err)
	}
	for _, ev := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.dispatch(ctx, ev)
	}

	exhausted, err := b.store.Exhausted(b.cfg.MaxRetries, b.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("load exhausted events: %w", err)
	}
	for _, ev := range exhausted {
		b.deadLetter(ev, fmt.Sprintf("exhausted %d delivery attempts", ev.RetryCount))
	}
	return nil
}

// consumeNotifications dispatches newly appended events as the store
// announces them. Dropped notifications are covered by the sweep.
func (b *Bus) consumeNotifications(ctx context.Context) {
	notify := b.store.Notify()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case id, ok := <-notify:
			if !ok {
				return
			}
			ev, err := b.store.Get(id)
			if err != nil {
				b.logWarn("notified event not found",
					slog.String("event_id", id), slog.String("error", err.Error()))
				continue
			}
			if ev.Processed || ev.DeadLetter || ev.NextAttempt.After(b.now()) {
				continue
			}
			b.dispatch(ctx, ev)
		}
	}
}

// dispatch delivers one stored event to every matching subscriber and
// records the outcome on the stored row.
func (b *Bus) dispatch(ctx context.Context, ev store.StoredEvent) {
	var env schema.Envelope
	if err := json.Unmarshal(ev.Data, &env); err != nil {
		// Undecodable rows can never succeed; dead-letter immediately.
		b.logWarn("stored event is undecodable",
			slog.String("event_id", ev.ID), slog.String("error", err.Error()))
		ev.RetryCount = b.cfg.MaxRetries
		b.deadLetter(ev, "undecodable event data")
		return
	}

	subs := b.matching(env.EventType)

	start := b.now()
	spanCtx, span := b.cfg.Spans.StartDispatchSpan(ctx, env.EventType, env.EventID)

	var firstErr error
	for _, sub := range subs {
		if err := b.invoke(spanCtx, sub, env); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if b.cfg.OnError != nil {
				b.cfg.OnError(env, err)
			}
			b.logWarn("subscriber failed",
				slog.String("event_type", env.EventType),
				slog.String("event_id", env.EventID),
				slog.String("pattern", sub.pattern),
				slog.String("error", err.Error()))
		}
	}

	duration := b.now().Sub(start)
	b.cfg.Spans.EndSpanWithError(span, firstErr)

	if firstErr == nil {
		ev.Processed = true
		if err := b.store.Update(ev); err != nil {
			b.logWarn("mark processed failed",
				slog.String("event_id", ev.ID), slog.String("error", err.Error()))
			return
		}
		b.delivered.Add(1)
		observability.LogDispatch(b.cfg.Logger, env.EventType, env.EventID,
			len(subs), float64(duration.Milliseconds()))
		if b.cfg.OnDispatch != nil {
			b.cfg.OnDispatch(env, len(subs), duration)
		}
		return
	}

	b.failed.Add(1)
	ev.RetryCount++
	observability.LogDispatchError(b.cfg.Logger, env.EventType, env.EventID, ev.RetryCount, firstErr)
	if ev.RetryCount >= b.cfg.MaxRetries {
		b.deadLetter(ev, fmt.Sprintf("failed after %d attempts: %v", ev.RetryCount, firstErr))
		return
	}

	delay := time.Duration(math.Pow(2, float64(ev.RetryCount))) * time.Second
	ev.NextAttempt = b.now().Add(delay)
	if err := b.store.Update(ev); err != nil {
		b.logWarn("schedule retry failed",
			slog.String("event_id", ev.ID), slog.String("error", err.Error()))
	}
}

// invoke runs one handler, converting a panic into an error so a bad
// subscriber cannot take down the dispatcher.
func (b *Bus) invoke(ctx context.Context, sub *subscription, env schema.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return sub.handler(ctx, env)
}

// deadLetter marks an event dead and emits the synthetic dead-letter
// event. Already-dead-lettered event types are never re-announced, so
// a failing dead-letter subscriber cannot loop.
func (b *Bus) deadLetter(ev store.StoredEvent, reason string) {
	ev.DeadLetter = true
	ev.Processed = true
	if err := b.store.Update(ev); err != nil {
		b.logWarn("mark dead-letter failed",
			slog.String("event_id", ev.ID), slog.String("error", err.Error()))
		return
	}
	b.deadLettered.Add(1)

	var env schema.Envelope
	if err := json.Unmarshal(ev.Data, &env); err != nil {
		env = schema.Envelope{EventType: ev.EventType, EventID: ev.ID, CorrelationID: ev.CorrelationID}
	}

	observability.LogDeadLetter(b.cfg.Logger, ev.EventType, ev.ID, reason)
	if b.cfg.OnDeadLetter != nil {
		b.cfg.OnDeadLetter(env, reason)
	}

	if ev.EventType == DeadLetterEventType {
		return
	}
	b.emitDeadLetterEvent(env, ev, reason)
}

// emitDeadLetterEvent persists the synthetic announcement directly
// through the store. The type carries an extra dot and would fail
// envelope validation, so it does not go through Publish.
func (b *Bus) emitDeadLetterEvent(orig schema.Envelope, ev store.StoredEvent, reason string) {
	env := schema.New(DeadLetterEventType, map[string]any{
		"original_event_id":   ev.ID,
		"original_event_type": ev.EventType,
		"retry_count":         ev.RetryCount,
		"reason":              reason,
	},
		schema.WithCorrelationID(orig.CorrelationID),
		schema.WithCausationID(ev.ID),
	)

	data, err := json.Marshal(env)
	if err != nil {
		b.logWarn("encode dead-letter event failed", slog.String("error", err.Error()))
		return
	}

	now := b.now()
	err = b.store.Append(store.StoredEvent{
		ID:            env.EventID,
		EventType:     env.EventType,
		Data:          data,
		PublishedAt:   now,
		NextAttempt:   now,
		CorrelationID: env.CorrelationID,
		CausationID:   env.CausationID,
		TraceID:       env.Metadata.TraceID,
	})
	if err != nil {
		b.logWarn("persist dead-letter event failed", slog.String("error", err.Error()))
		return
	}
	b.published.Add(1)
}

// matching snapshots the subscriptions whose pattern covers eventType.
func (b *Bus) matching(eventType string) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if patternMatches(sub.pattern, eventType) {
			out = append(out, sub)
		}
	}
	return out
}

func patternMatches(pattern, eventType string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	default:
		return pattern == eventType
	}
}

func (b *Bus) recordPublishFailure(eventType string) {
	service := schema.ServicePrefix(eventType)
	b.pubMu.Lock()
	b.publishFailures[service]++
	n := b.publishFailures[service]
	b.pubMu.Unlock()

	b.logWarn("event persist failed",
		slog.String("service", service),
		slog.Int("consecutive_failures", n))
}

func (b *Bus) resetPublishFailure(eventType string) {
	service := schema.ServicePrefix(eventType)
	b.pubMu.Lock()
	delete(b.publishFailures, service)
	b.pubMu.Unlock()
}

func (b *Bus) logWarn(msg string, attrs ...any) {
	if b.cfg.Logger != nil {
		b.cfg.Logger.Warn(msg, attrs...)
	}
}

// SetClock replaces the bus's time source. Tests only.
func (b *Bus) SetClock(now func() time.Time) {
	b.now = now
}
