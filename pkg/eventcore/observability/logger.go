// Package observability provides production-grade observability for
// the event core: structured logging, metrics, and distributed tracing.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds event context to a logger.
// Returns a new logger with event_type, event_id, and correlation_id fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, env.EventType, env.EventID, env.CorrelationID)
//	enriched.Info("dispatching") // includes event_type, event_id, correlation_id
func EnrichLogger(logger *slog.Logger, eventType, eventID, correlationID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("event_type", eventType),
		slog.String("event_id", eventID),
		slog.String("correlation_id", correlationID),
	)
}

// LogPublish logs a successful event publish.
func LogPublish(logger *slog.Logger, eventType, eventID string) {
	if logger == nil {
		return
	}
	logger.Debug("event published",
		slog.String("event_type", eventType),
		slog.String("event_id", eventID),
	)
}

// LogDispatch logs a completed event dispatch.
func LogDispatch(logger *slog.Logger, eventType, eventID string, subscribers int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("event dispatched",
		slog.String("event_type", eventType),
		slog.String("event_id", eventID),
		slog.Int("subscribers", subscribers),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogDispatchError logs a failed delivery attempt.
func LogDispatchError(logger *slog.Logger, eventType, eventID string, retryCount int, err error) {
	if logger == nil {
		return
	}
	logger.Warn("event delivery failed",
		slog.String("event_type", eventType),
		slog.String("event_id", eventID),
		slog.Int("retry_count", retryCount),
		slog.String("error", err.Error()),
	)
}

// LogDeadLetter logs a terminal delivery failure.
func LogDeadLetter(logger *slog.Logger, eventType, eventID, reason string) {
	if logger == nil {
		return
	}
	logger.Error("event dead-lettered",
		slog.String("event_type", eventType),
		slog.String("event_id", eventID),
		slog.String("reason", reason),
	)
}

// LogOutboundCall logs a protected outbound call outcome.
func LogOutboundCall(logger *slog.Logger, operation string, attempts int, durationMs float64, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Warn("outbound call failed",
			slog.String("operation", operation),
			slog.Int("attempts", attempts),
			slog.Float64("duration_ms", durationMs),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Debug("outbound call completed",
		slog.String("operation", operation),
		slog.Int("attempts", attempts),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogCircuitTransition logs a circuit breaker state change (non-fatal).
func LogCircuitTransition(logger *slog.Logger, name, from, to, reason string) {
	if logger == nil {
		return
	}
	logger.Warn("circuit breaker transition",
		slog.String("breaker", name),
		slog.String("from", from),
		slog.String("to", to),
		slog.String("reason", reason),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
