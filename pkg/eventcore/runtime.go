package eventcore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tannerhall/eventcore/pkg/eventcore/alerting"
	"github.com/tannerhall/eventcore/pkg/eventcore/breaker"
	"github.com/tannerhall/eventcore/pkg/eventcore/bus"
	"github.com/tannerhall/eventcore/pkg/eventcore/config"
	"github.com/tannerhall/eventcore/pkg/eventcore/emitter"
	eerrors "github.com/tannerhall/eventcore/pkg/eventcore/errors"
	"github.com/tannerhall/eventcore/pkg/eventcore/fallback"
	"github.com/tannerhall/eventcore/pkg/eventcore/observability"
	"github.com/tannerhall/eventcore/pkg/eventcore/reliability"
	"github.com/tannerhall/eventcore/pkg/eventcore/schema"
	"github.com/tannerhall/eventcore/pkg/eventcore/store"
	"github.com/tannerhall/eventcore/pkg/eventcore/sweep"
)

// Runtime owns one fully wired event core: the durable bus and its
// store, the outbound protection stack, alerting, and the background
// sweeps that keep them healthy. Construct with New, then Start.
type Runtime struct {
	settings config.Settings
	metrics  observability.MetricsRecorder

	store    store.Store
	ownStore bool

	stateStore    fallback.StateStore
	ownStateStore bool

	bus       *bus.Bus
	cache     *fallback.Cache
	alerts    *alerting.Manager
	calls     *reliability.Manager
	workflows *emitter.WorkflowEmitter

	cacheSweep *sweep.Runner
	alertSweep *sweep.Runner

	mu      sync.Mutex
	started bool
	closed  bool
}

// New builds a runtime from the given options. Components are wired
// but idle until Start; Publish and Call work immediately.
func New(opts ...Option) (*Runtime, error) {
	rc := defaultRuntimeConfig()
	for _, opt := range opts {
		opt(&rc)
	}
	s := rc.settings

	metrics := rc.metrics
	if metrics == nil {
		metrics = observability.NewMetricsRecorder()
	}
	spans := observability.NewSpanManager()

	rt := &Runtime{
		settings: s,
		metrics:  metrics,
	}

	if rc.store != nil {
		rt.store = rc.store
	} else if s.StorePath != "" {
		st, err := store.NewSQLiteStore(s.StorePath)
		if err != nil {
			return nil, fmt.Errorf("open event store: %w", err)
		}
		rt.store = st
		rt.ownStore = true
	} else {
		rt.store = store.NewMemoryStore()
		rt.ownStore = true
	}

	rt.stateStore = rc.stateStore
	if rt.stateStore == nil && s.StorePath != "" {
		ss, err := fallback.NewSQLiteStateStore(s.StorePath)
		if err != nil {
			rt.closeStore()
			return nil, fmt.Errorf("open state store: %w", err)
		}
		rt.stateStore = ss
		rt.ownStateStore = true
	}

	cache, err := fallback.New(fallback.Config{
		DefaultTTL:  s.CacheTTL,
		HistorySize: s.CacheHistorySize,
		Store:       rt.stateStore,
	})
	if err != nil {
		rt.closeStateStore()
		rt.closeStore()
		return nil, fmt.Errorf("restore fallback state: %w", err)
	}
	rt.cache = cache

	notifier := rc.notifier
	if notifier == nil && s.WebhookEnabled && s.WebhookURL != "" {
		notifier = alerting.NewWebhookNotifier(s.WebhookURL, rc.source, s.Environment)
	}

	rt.alerts = alerting.NewManager(alerting.Config{
		Rules:            rc.rules,
		MaxAlerts:        s.MaxAlerts,
		AutoResolveAfter: s.AlertAutoResolveAfter,
		Notifier:         notifier,
		Logger:           rc.logger,
	})

	rt.calls = reliability.New(reliability.Config{
		Breaker: breaker.Config{
			FailureThreshold: s.FailureThreshold,
			SuccessThreshold: s.SuccessThreshold,
			Timeout:          s.CircuitTimeout,
			OnStateChange: func(name string, from, to breaker.State, reason string) {
				metrics.RecordCircuitTransition(context.Background(), name, to.String())
			},
		},
		Retry: eerrors.NewRetryConfig(
			eerrors.WithMaxAttempts(s.RetryAttempts),
			eerrors.WithInitialBackoff(s.RetryInitialBackoff),
		),
		Cache:  cache,
		Alerts: rt.alerts,
		Logger: rc.logger,
		Spans:  spans,
	})

	rt.bus = bus.New(bus.Config{
		Store:         rt.store,
		MaxRetries:    s.MaxRetries,
		BatchSize:     s.DispatchBatchSize,
		SweepInterval: s.DispatchSweepInterval,
		Logger:        rc.logger,
		Spans:         spans,
		OnDispatch: func(env schema.Envelope, subscribers int, duration time.Duration) {
			metrics.RecordDispatch(context.Background(), env.EventType, duration, nil)
		},
		OnError: func(env schema.Envelope, err error) {
			metrics.RecordDispatch(context.Background(), env.EventType, 0, err)
		},
		OnDeadLetter: func(env schema.Envelope, reason string) {
			metrics.RecordDeadLetter(context.Background(), env.EventType)
		},
	})

	// Dead-letter announcements feed the alerting pipeline so exhausted
	// events surface as warnings without any caller wiring.
	rt.bus.Subscribe(bus.DeadLetterEventType, func(ctx context.Context, env schema.Envelope) error {
		rt.alerts.ProcessEvent(env)
		return nil
	})

	rt.workflows = emitter.NewWorkflowEmitter(rt, rc.source)

	rt.cacheSweep = sweep.NewRunner(func(ctx context.Context) error {
		rt.cache.SweepExpired()
		return nil
	}, sweep.Config{Interval: s.CacheSweepInterval})

	rt.alertSweep = sweep.NewRunner(func(ctx context.Context) error {
		rt.alerts.Maintain()
		return nil
	}, sweep.Config{Interval: s.AlertSweepInterval})

	return rt, nil
}

// Start launches the dispatch loop and maintenance sweeps.
// Safe to call more than once.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	r.bus.Start(ctx)
	r.cacheSweep.Start(ctx)
	r.alertSweep.Start(ctx)
}

// Close stops background work and closes stores the runtime created.
// Safe to call more than once.
func (r *Runtime) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.alertSweep.Stop()
	r.cacheSweep.Stop()
	r.bus.Close()
	r.closeStateStore()
	r.closeStore()
}

func (r *Runtime) closeStore() {
	if r.ownStore && r.store != nil {
		r.store.Close()
	}
}

func (r *Runtime) closeStateStore() {
	if r.ownStateStore && r.stateStore != nil {
		r.stateStore.Close()
	}
}

// Publish validates, persists, and schedules the event for delivery,
// recording publish metrics.
func (r *Runtime) Publish(ctx context.Context, env schema.Envelope) error {
	err := r.bus.Publish(ctx, env)
	r.metrics.RecordPublish(ctx, env.EventType, err)
	return err
}

// Call runs fn through the protection stack and records call metrics.
func (r *Runtime) Call(ctx context.Context, req reliability.Request, fn func(context.Context) (any, error)) reliability.Result {
	res := r.calls.Call(ctx, req, fn)
	r.metrics.RecordOutboundCall(ctx, req.Operation, res.Duration, res.Err)
	return res
}

// HealthStatus reports the composite health of the protection stack.
func (r *Runtime) HealthStatus() reliability.HealthStatus {
	return r.calls.HealthStatus()
}

// Bus returns the durable event bus.
func (r *Runtime) Bus() *bus.Bus { return r.bus }

// Store returns the event store backing the bus.
func (r *Runtime) Store() store.Store { return r.store }

// Cache returns the fallback cache.
func (r *Runtime) Cache() *fallback.Cache { return r.cache }

// Alerts returns the alerting manager.
func (r *Runtime) Alerts() *alerting.Manager { return r.alerts }

// Reliability returns the outbound call protection manager.
func (r *Runtime) Reliability() *reliability.Manager { return r.calls }

// Workflows returns the workflow event emitter.
func (r *Runtime) Workflows() *emitter.WorkflowEmitter { return r.workflows }

// Settings returns the resolved settings this runtime was built with.
func (r *Runtime) Settings() config.Settings { return r.settings }
