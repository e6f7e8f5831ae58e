package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records event-core metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records a publish attempt with its outcome.
	RecordPublish(ctx context.Context, eventType string, err error)

	// RecordDispatch records a delivery attempt with its duration and
	// error status.
	RecordDispatch(ctx context.Context, eventType string, duration time.Duration, err error)

	// RecordDeadLetter records a terminal delivery failure.
	RecordDeadLetter(ctx context.Context, eventType string)

	// RecordOutboundCall records a protected call completion.
	RecordOutboundCall(ctx context.Context, operation string, duration time.Duration, err error)

	// RecordCircuitTransition records a circuit breaker state change.
	RecordCircuitTransition(ctx context.Context, name, to string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	publishes       metric.Int64Counter
	publishErrors   metric.Int64Counter
	dispatches      metric.Int64Counter
	dispatchLatency metric.Float64Histogram
	dispatchErrors  metric.Int64Counter
	deadLetters     metric.Int64Counter
	outboundCalls   metric.Int64Counter
	outboundLatency metric.Float64Histogram
	circuitChanges  metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("eventcore")

	publishes, err := meter.Int64Counter("eventcore.event.publishes",
		metric.WithDescription("Number of event publish attempts"),
	)
	if err != nil {
		return nil, err
	}

	publishErrors, err := meter.Int64Counter("eventcore.event.publish_errors",
		metric.WithDescription("Number of failed event publishes"),
	)
	if err != nil {
		return nil, err
	}

	dispatches, err := meter.Int64Counter("eventcore.dispatch.attempts",
		metric.WithDescription("Number of event delivery attempts"),
	)
	if err != nil {
		return nil, err
	}

	dispatchLatency, err := meter.Float64Histogram("eventcore.dispatch.latency_ms",
		metric.WithDescription("Event delivery latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	dispatchErrors, err := meter.Int64Counter("eventcore.dispatch.errors",
		metric.WithDescription("Number of failed delivery attempts"),
	)
	if err != nil {
		return nil, err
	}

	deadLetters, err := meter.Int64Counter("eventcore.event.dead_letters",
		metric.WithDescription("Number of dead-lettered events"),
	)
	if err != nil {
		return nil, err
	}

	outboundCalls, err := meter.Int64Counter("eventcore.outbound.calls",
		metric.WithDescription("Number of protected outbound calls"),
	)
	if err != nil {
		return nil, err
	}

	outboundLatency, err := meter.Float64Histogram("eventcore.outbound.latency_ms",
		metric.WithDescription("Protected call latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	circuitChanges, err := meter.Int64Counter("eventcore.circuit.transitions",
		metric.WithDescription("Number of circuit breaker state transitions"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		publishes:       publishes,
		publishErrors:   publishErrors,
		dispatches:      dispatches,
		dispatchLatency: dispatchLatency,
		dispatchErrors:  dispatchErrors,
		deadLetters:     deadLetters,
		outboundCalls:   outboundCalls,
		outboundLatency: outboundLatency,
		circuitChanges:  circuitChanges,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordPublish records a publish attempt.
func (m *otelMetrics) RecordPublish(ctx context.Context, eventType string, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("event_type", eventType),
	}
	m.publishes.Add(ctx, 1, metric.WithAttributes(attrs...))
	if err != nil {
		m.publishErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordDispatch records a delivery attempt.
func (m *otelMetrics) RecordDispatch(ctx context.Context, eventType string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("event_type", eventType),
	}
	m.dispatches.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.dispatchLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	if err != nil {
		m.dispatchErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordDeadLetter records a terminal delivery failure.
func (m *otelMetrics) RecordDeadLetter(ctx context.Context, eventType string) {
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordOutboundCall records a protected call completion.
func (m *otelMetrics) RecordOutboundCall(ctx context.Context, operation string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.Bool("success", err == nil),
	}
	m.outboundCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.outboundLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordCircuitTransition records a circuit breaker state change.
func (m *otelMetrics) RecordCircuitTransition(ctx context.Context, name, to string) {
	m.circuitChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", name),
		attribute.String("to", to),
	))
}
