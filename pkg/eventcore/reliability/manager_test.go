package reliability_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tannerhall/eventcore/pkg/eventcore/alerting"
	"github.com/tannerhall/eventcore/pkg/eventcore/breaker"
	eerrors "github.com/tannerhall/eventcore/pkg/eventcore/errors"
	"github.com/tannerhall/eventcore/pkg/eventcore/fallback"
	"github.com/tannerhall/eventcore/pkg/eventcore/reliability"
)

// fastRetry keeps test runs quick while preserving multi-attempt behavior.
var fastRetry = eerrors.RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     5 * time.Millisecond,
	BackoffFactor:  2.0,
}

func newCache(t *testing.T) *fallback.Cache {
	t.Helper()
	c, err := fallback.New(fallback.Config{})
	require.NoError(t, err)
	return c
}

func transientErr() error {
	return &eerrors.HTTPError{StatusCode: 503, Message: "service unavailable", Endpoint: "/sync"}
}

func TestCallSuccessWritesSnapshot(t *testing.T) {
	cache := newCache(t)
	m := reliability.New(reliability.Config{Retry: fastRetry, Cache: cache})

	res := m.Call(context.Background(), reliability.Request{
		Operation:     "workflow_sync",
		WorkflowID:    "wf-1",
		CorrelationID: "c1",
	}, func(ctx context.Context) (any, error) {
		return "synced", nil
	})

	require.True(t, res.Success)
	assert.Equal(t, "synced", res.Data)
	assert.False(t, res.FromCache)
	assert.Equal(t, 1, res.Attempts)

	snap := cache.Get("wf-1")
	require.NotNil(t, snap)
	assert.True(t, snap.Success)
	assert.Equal(t, "c1", snap.CorrelationID)
	require.NotNil(t, cache.LastSuccessful())
}

func TestCallRetriesTransientFailure(t *testing.T) {
	m := reliability.New(reliability.Config{Retry: fastRetry})

	calls := 0
	res := m.Call(context.Background(), reliability.Request{Operation: "workflow_sync"},
		func(ctx context.Context) (any, error) {
			calls++
			if calls < 3 {
				return nil, transientErr()
			}
			return "ok", nil
		})

	require.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	alerts := alerting.NewManager(alerting.Config{})
	m := reliability.New(reliability.Config{
		Retry:  eerrors.NoRetry,
		Alerts: alerts,
	})

	calls := 0
	fail := func(ctx context.Context) (any, error) {
		calls++
		return nil, transientErr()
	}

	for i := 0; i < 5; i++ {
		res := m.Call(context.Background(), reliability.Request{Operation: "workflow_sync"}, fail)
		require.False(t, res.Success)
	}
	assert.Equal(t, breaker.Open, m.Breaker().State())
	assert.Equal(t, 5, calls)

	// The sixth call is rejected without touching the network.
	res := m.Call(context.Background(), reliability.Request{Operation: "workflow_sync"}, fail)
	require.False(t, res.Success)
	assert.Equal(t, 5, calls)

	var openErr *breaker.OpenError
	assert.True(t, errors.As(res.Err, &openErr))

	// Exactly one circuit-opened alert despite five failures and a rejection.
	opened := 0
	for _, a := range alerts.ActiveAlerts() {
		if a.RuleID == "circuit_breaker_opened" {
			opened++
			assert.Equal(t, 1, a.OccurrenceCount)
		}
	}
	assert.Equal(t, 1, opened)
}

func TestClientErrorsDoNotTripCircuit(t *testing.T) {
	m := reliability.New(reliability.Config{Retry: eerrors.NoRetry})

	authErr := &eerrors.HTTPError{StatusCode: 401, Message: "unauthorized", Endpoint: "/sync"}
	for i := 0; i < 10; i++ {
		res := m.Call(context.Background(), reliability.Request{Operation: "workflow_sync"},
			func(ctx context.Context) (any, error) {
				return nil, authErr
			})
		require.False(t, res.Success)
	}
	assert.Equal(t, breaker.Closed, m.Breaker().State())
}

func TestFallbackServesDegradedSuccess(t *testing.T) {
	cache := newCache(t)
	require.NoError(t, cache.Put(fallback.Snapshot{
		WorkflowID: "wf-1",
		Status:     "completed",
		Success:    true,
		Category:   "sync",
	}, 0))

	m := reliability.New(reliability.Config{Retry: eerrors.NoRetry, Cache: cache})

	res := m.Call(context.Background(), reliability.Request{Operation: "workflow_sync"},
		func(ctx context.Context) (any, error) {
			return nil, transientErr()
		})

	require.True(t, res.Success)
	assert.True(t, res.FromCache)
	assert.True(t, res.FallbackUsed)
	assert.Error(t, res.Err)

	data, ok := res.Data.(fallback.Data)
	require.True(t, ok)
	assert.Equal(t, "last_successful", data.Source)
}

func TestFailureWithoutFallbackData(t *testing.T) {
	cache := newCache(t)
	m := reliability.New(reliability.Config{Retry: eerrors.NoRetry, Cache: cache})

	res := m.Call(context.Background(), reliability.Request{Operation: "workflow_sync"},
		func(ctx context.Context) (any, error) {
			return nil, transientErr()
		})

	assert.False(t, res.Success)
	assert.False(t, res.FromCache)
	assert.Error(t, res.Err)
}

func TestTerminalFailureAlerts(t *testing.T) {
	alerts := alerting.NewManager(alerting.Config{})
	m := reliability.New(reliability.Config{Retry: eerrors.NoRetry, Alerts: alerts})

	res := m.Call(context.Background(), reliability.Request{
		Operation:     "workflow_sync",
		CorrelationID: "c1",
	}, func(ctx context.Context) (any, error) {
		return nil, transientErr()
	})
	require.False(t, res.Success)

	active := alerts.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, "outbound_call_failure", active[0].RuleID)
	assert.Equal(t, "c1", active[0].CorrelationID)
}

func TestAuthFailureAlertsAsCritical(t *testing.T) {
	alerts := alerting.NewManager(alerting.Config{})
	m := reliability.New(reliability.Config{Retry: eerrors.NoRetry, Alerts: alerts})

	m.Call(context.Background(), reliability.Request{Operation: "workflow_sync"},
		func(ctx context.Context) (any, error) {
			return nil, &eerrors.HTTPError{StatusCode: 403, Message: "forbidden", Endpoint: "/sync"}
		})

	active := alerts.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, "authentication_failure", active[0].RuleID)
	assert.Equal(t, alerting.SeverityCritical, active[0].Severity)
}

func TestCriticalOperationAlertsOnRetry(t *testing.T) {
	alerts := alerting.NewManager(alerting.Config{})
	m := reliability.New(reliability.Config{Retry: fastRetry, Alerts: alerts})

	m.Call(context.Background(), reliability.Request{
		Operation: "workflow_sync",
		Critical:  true,
	}, func(ctx context.Context) (any, error) {
		return nil, transientErr()
	})

	found := false
	for _, a := range alerts.ActiveAlerts() {
		if a.RuleID == "retry_warning" {
			found = true
		}
	}
	assert.True(t, found, "critical operation retries should raise an early warning")
}

func TestHealthStatus(t *testing.T) {
	alerts := alerting.NewManager(alerting.Config{})
	m := reliability.New(reliability.Config{Retry: eerrors.NoRetry, Alerts: alerts})

	assert.Equal(t, reliability.HealthHealthy, m.HealthStatus().Status)

	for i := 0; i < 5; i++ {
		m.Call(context.Background(), reliability.Request{Operation: "workflow_sync"},
			func(ctx context.Context) (any, error) {
				return nil, transientErr()
			})
	}
	status := m.HealthStatus()
	assert.Equal(t, reliability.HealthUnhealthy, status.Status)
	assert.Equal(t, "open", status.CircuitState)

	m.Breaker().ForceState(breaker.HalfOpen, "probe")
	assert.Equal(t, reliability.HealthDegraded, m.HealthStatus().Status)

	m.Breaker().Reset()
	for _, a := range alerts.ActiveAlerts() {
		alerts.Resolve(a.ID)
	}
	assert.Equal(t, reliability.HealthHealthy, m.HealthStatus().Status)
}

func TestCallTimeout(t *testing.T) {
	m := reliability.New(reliability.Config{Retry: eerrors.NoRetry})

	res := m.Call(context.Background(), reliability.Request{
		Operation: "workflow_sync",
		Timeout:   20 * time.Millisecond,
	}, func(ctx context.Context) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return "too late", nil
		}
	})

	assert.False(t, res.Success)
	assert.Error(t, res.Err)
}

// callSpanRecorder captures the span lifecycle around protected calls.
type callSpanRecorder struct {
	mu    sync.Mutex
	ops   []string
	ended []error
}

func (r *callSpanRecorder) StartDispatchSpan(ctx context.Context, eventType, eventID string) (context.Context, trace.Span) {
	return ctx, nil
}

func (r *callSpanRecorder) StartCallSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, operation)
	return ctx, nil
}

func (r *callSpanRecorder) EndSpanWithError(_ trace.Span, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, err)
}

func (r *callSpanRecorder) AddSpanEvent(context.Context, string, ...attribute.KeyValue) {}

func TestCallTracesOperation(t *testing.T) {
	spans := &callSpanRecorder{}
	m := reliability.New(reliability.Config{Retry: eerrors.NoRetry, Spans: spans})

	m.Call(context.Background(), reliability.Request{Operation: "workflow_sync"},
		func(ctx context.Context) (any, error) {
			return nil, transientErr()
		})
	m.Call(context.Background(), reliability.Request{Operation: "workflow_sync"},
		func(ctx context.Context) (any, error) {
			return "ok", nil
		})

	require.Equal(t, []string{"workflow_sync", "workflow_sync"}, spans.ops)
	require.Len(t, spans.ended, 2)
	assert.Error(t, spans.ended[0])
	assert.NoError(t, spans.ended[1])
}

func TestTimeoutFailureAlertsAsTimeout(t *testing.T) {
	alerts := alerting.NewManager(alerting.Config{})
	m := reliability.New(reliability.Config{Retry: eerrors.NoRetry, Alerts: alerts})

	res := m.Call(context.Background(), reliability.Request{Operation: "workflow_sync"},
		func(ctx context.Context) (any, error) {
			return nil, &eerrors.TimeoutError{Operation: "workflow_sync", Duration: "5s"}
		})
	require.False(t, res.Success)

	active := alerts.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, "timeout", active[0].RuleID)
}

func TestNetworkFailureAlertsAsConnectivity(t *testing.T) {
	alerts := alerting.NewManager(alerting.Config{})
	m := reliability.New(reliability.Config{Retry: eerrors.NoRetry, Alerts: alerts})

	res := m.Call(context.Background(), reliability.Request{Operation: "workflow_sync"},
		func(ctx context.Context) (any, error) {
			return nil, &eerrors.NetworkError{Operation: "workflow_sync", Err: errors.New("no route to host")}
		})
	require.False(t, res.Success)

	active := alerts.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, "connectivity_failure", active[0].RuleID)
}

func TestCircuitOpenedAlertNamesBreaker(t *testing.T) {
	alerts := alerting.NewManager(alerting.Config{})
	m := reliability.New(reliability.Config{
		Name:    "cms",
		Retry:   eerrors.NoRetry,
		Alerts:  alerts,
		Breaker: breaker.Config{FailureThreshold: 2},
	})

	for i := 0; i < 2; i++ {
		res := m.Call(context.Background(), reliability.Request{Operation: "workflow_sync"},
			func(ctx context.Context) (any, error) {
				return nil, transientErr()
			})
		require.False(t, res.Success)
	}
	require.Equal(t, breaker.Open, m.Breaker().State())

	var opened *alerting.Alert
	for _, a := range alerts.ActiveAlerts() {
		if a.RuleID == "circuit_breaker_opened" {
			opened = &a
			break
		}
	}
	require.NotNil(t, opened)
	assert.Equal(t, "circuit breaker opened for cms", opened.Message)
}
