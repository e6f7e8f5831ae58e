// Package reliability wraps outbound calls with the full protection
// stack: circuit breaker outermost, retry with backoff inside it,
// fallback cache on terminal failure, and fire-and-forget alerting.
//
// Alerting covers both terminal-failure cases, but through different
// channels: a call that fails live raises a call-failure alert, while a
// call rejected by an open circuit raises no per-call alert. The
// CLOSED to OPEN transition itself alerts exactly once, and that alert
// stays active until the circuit recovers, so rejected calls are
// already covered by it.
package reliability

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tannerhall/eventcore/pkg/eventcore/alerting"
	"github.com/tannerhall/eventcore/pkg/eventcore/breaker"
	eerrors "github.com/tannerhall/eventcore/pkg/eventcore/errors"
	"github.com/tannerhall/eventcore/pkg/eventcore/fallback"
	"github.com/tannerhall/eventcore/pkg/eventcore/observability"
	"github.com/tannerhall/eventcore/pkg/eventcore/schema"
)

// Request describes one protected outbound call.
type Request struct {
	// Operation names the call for logs, alerts, and snapshots.
	Operation string

	// WorkflowID keys the fallback snapshot written on success.
	WorkflowID string

	// CorrelationID groups this call's alerts with its workflow.
	CorrelationID string

	// Critical marks operations whose retries alert early instead of
	// only on terminal failure.
	Critical bool

	// Timeout bounds the whole call including retries. Zero means the
	// caller's context is the only bound.
	Timeout time.Duration
}

// Result is the outcome of a protected call.
type Result struct {
	// Success is true for a live success or a degraded cache hit.
	Success bool

	// Data is the call's return value, or fallback.Data when served
	// from cache.
	Data any

	// Err is the terminal error. Set even on degraded success so the
	// caller can see what actually failed.
	Err error

	// FromCache is true when Data came from the fallback cache.
	FromCache bool

	// FallbackUsed mirrors FromCache; both flags exist so callers can
	// distinguish live from stale data without inspecting Data.
	FallbackUsed bool

	// Attempts is the number of attempts the retry layer made.
	Attempts int

	// Duration is the total wall time of the call.
	Duration time.Duration
}

// Health classifies the composite subsystem state.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// HealthStatus is the composite health report.
type HealthStatus struct {
	Status       Health         `json:"status"`
	CircuitState string         `json:"circuit_state"`
	ActiveAlerts int            `json:"active_alerts"`
	CacheStats   fallback.Stats `json:"cache_stats"`
}

// Config configures a reliability Manager.
type Config struct {
	// Name identifies the protected dependency; it names the breaker
	// and appears in alerts. Default: "outbound"
	Name string

	// Breaker configures the circuit breaker. Zero values take the
	// breaker package defaults.
	Breaker breaker.Config

	// Retry is the retry policy applied inside the breaker.
	// Default: errors.ExternalServiceRetry
	Retry eerrors.RetryConfig

	// Cache serves degraded responses on terminal failure. Optional.
	Cache *fallback.Cache

	// Alerts receives failure and circuit events. Optional.
	Alerts *alerting.Manager

	// Logger for call diagnostics. Nil disables logging.
	Logger *slog.Logger

	// Spans traces each protected call. Nil disables tracing.
	Spans observability.SpanManager
}

// Manager composes the protection stack for one dependency.
type Manager struct {
	cfg     Config
	breaker *breaker.Breaker
	now     func() time.Time
}

// New creates a reliability manager.
func New(cfg Config) *Manager {
	if cfg.Name == "" {
		cfg.Name = "outbound"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = eerrors.ExternalServiceRetry
	}
	if cfg.Spans == nil {
		cfg.Spans = observability.NoopSpanManager{}
	}

	m := &Manager{cfg: cfg, now: time.Now}

	// Circuit transitions to open are operator-visible.
	userStateChange := cfg.Breaker.OnStateChange
	cfg.Breaker.OnStateChange = func(name string, from, to breaker.State, reason string) {
		observability.LogCircuitTransition(m.cfg.Logger, name, from.String(), to.String(), reason)
		if to == breaker.Open {
			m.reportCircuitOpened(name, reason)
		}
		if userStateChange != nil {
			userStateChange(name, from, to, reason)
		}
	}
	m.breaker = breaker.New(cfg.Name, cfg.Breaker)
	return m
}

// Breaker exposes the underlying circuit breaker.
func (m *Manager) Breaker() *breaker.Breaker {
	return m.breaker
}

// Call runs fn under the full protection stack. The breaker admits or
// rejects the call; inside it the retry policy absorbs transient
// failures. A terminal failure is converted into a degraded success
// when the fallback cache has servable data.
func (m *Manager) Call(ctx context.Context, req Request, fn func(context.Context) (any, error)) Result {
	start := m.now()

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	ctx, span := m.cfg.Spans.StartCallSpan(ctx, req.Operation)
	retryCfg := m.retryConfig(req)

	var attempts int
	value, err := breaker.Do(ctx, m.breaker, func(ctx context.Context) (any, error) {
		res := eerrors.WithRetryContext(ctx, retryCfg, fn)
		attempts = res.Attempts
		if !res.Success {
			return nil, res.Err
		}
		return res.Value, nil
	})

	duration := m.now().Sub(start)
	m.cfg.Spans.EndSpanWithError(span, err)
	observability.LogOutboundCall(m.cfg.Logger, req.Operation, attempts,
		float64(duration.Milliseconds()), err)

	if err == nil {
		m.recordSuccess(req, duration)
		return Result{
			Success:  true,
			Data:     value,
			Attempts: attempts,
			Duration: duration,
		}
	}

	m.reportFailure(req, err, attempts)

	if m.cfg.Cache != nil {
		if data := m.cfg.Cache.FallbackData(); data.Available {
			m.logInfo("serving fallback data",
				slog.String("operation", req.Operation),
				slog.String("source", data.Source))
			return Result{
				Success:      true,
				Data:         data,
				Err:          err,
				FromCache:    true,
				FallbackUsed: true,
				Attempts:     attempts,
				Duration:     duration,
			}
		}
	}

	return Result{
		Err:      err,
		Attempts: attempts,
		Duration: duration,
	}
}

// HealthStatus reports the composite subsystem health: a closed
// circuit with no active alerts is healthy, a half-open circuit is
// degraded, anything else is unhealthy.
func (m *Manager) HealthStatus() HealthStatus {
	state := m.breaker.State()

	status := HealthStatus{CircuitState: state.String()}
	if m.cfg.Alerts != nil {
		status.ActiveAlerts = m.cfg.Alerts.ActiveCount()
	}
	if m.cfg.Cache != nil {
		status.CacheStats = m.cfg.Cache.Stats()
	}

	switch {
	case state == breaker.Closed && status.ActiveAlerts == 0:
		status.Status = HealthHealthy
	case state == breaker.HalfOpen:
		status.Status = HealthDegraded
	default:
		status.Status = HealthUnhealthy
	}
	return status
}

// retryConfig clones the configured policy, adding the early-warning
// hook for critical operations.
func (m *Manager) retryConfig(req Request) eerrors.RetryConfig {
	cfg := m.cfg.Retry
	userOnRetry := cfg.OnRetry
	cfg.OnRetry = func(err error, attempt int, delay time.Duration) {
		m.logWarn("retrying protected call",
			slog.String("operation", req.Operation),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		if req.Critical {
			m.reportRetry(req, err, attempt)
		}
		if userOnRetry != nil {
			userOnRetry(err, attempt, delay)
		}
	}
	return cfg
}

// recordSuccess writes a fallback snapshot so future failures can be
// served degraded.
func (m *Manager) recordSuccess(req Request, duration time.Duration) {
	if m.cfg.Cache == nil || req.WorkflowID == "" {
		return
	}
	now := m.now()
	err := m.cfg.Cache.Put(fallback.Snapshot{
		WorkflowID:    req.WorkflowID,
		CorrelationID: req.CorrelationID,
		Status:        "completed",
		Progress:      100,
		StartedAt:     now.Add(-duration),
		CompletedAt:   now,
		Success:       true,
		Duration:      duration,
		Category:      "sync",
	}, 0)
	if err != nil {
		m.logWarn("fallback snapshot write failed",
			slog.String("workflow_id", req.WorkflowID),
			slog.String("error", err.Error()))
	}
}

// reportFailure sends a terminal failure to alerting. Circuit-open
// rejections are excluded: the opening itself already alerted, and a
// rejected call adds no new information.
func (m *Manager) reportFailure(req Request, err error, attempts int) {
	if m.cfg.Alerts == nil {
		return
	}
	var openErr *breaker.OpenError
	if errors.As(err, &openErr) {
		return
	}

	payload := map[string]any{
		"operation":      req.Operation,
		"error":          err.Error(),
		"error_category": errorCategory(err),
		"attempts":       attempts,
	}
	if httpErr := asHTTPError(err); httpErr != nil {
		payload["status_code"] = httpErr.StatusCode
	}

	m.cfg.Alerts.ProcessEvent(schema.New(alerting.EventCallFailed, payload,
		schema.WithCorrelationID(req.CorrelationID)))
}

// reportCircuitOpened announces a circuit opening to alerting.
func (m *Manager) reportCircuitOpened(name, reason string) {
	if m.cfg.Alerts == nil {
		return
	}
	m.cfg.Alerts.ProcessEvent(schema.New(alerting.EventCircuitOpened, map[string]any{
		"breaker": name,
		"reason":  reason,
	}))
}

// reportRetry announces an in-flight retry of a critical operation.
func (m *Manager) reportRetry(req Request, err error, attempt int) {
	if m.cfg.Alerts == nil {
		return
	}
	m.cfg.Alerts.ProcessEvent(schema.New(alerting.EventRetryWarning, map[string]any{
		"operation": req.Operation,
		"attempt":   attempt,
		"error":     err.Error(),
	}, schema.WithCorrelationID(req.CorrelationID)))
}

func (m *Manager) logWarn(msg string, attrs ...any) {
	if m.cfg.Logger != nil {
		m.cfg.Logger.Warn(msg, attrs...)
	}
}

func (m *Manager) logInfo(msg string, attrs ...any) {
	if m.cfg.Logger != nil {
		m.cfg.Logger.Info(msg, attrs...)
	}
}

// SetClock replaces the manager's time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

func asHTTPError(err error) *eerrors.HTTPError {
	var httpErr *eerrors.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	return nil
}

// errorCategory labels an error for alert payloads. Timeouts and
// network failures keep their own labels so alert rules can match them
// directly; everything else reports its retry category.
func errorCategory(err error) string {
	var timeoutErr *eerrors.TimeoutError
	if errors.As(err, &timeoutErr) || errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr *eerrors.NetworkError
	if errors.As(err, &netErr) {
		return "network"
	}
	return eerrors.Categorize(err).String()
}
