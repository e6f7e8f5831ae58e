package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/tannerhall/eventcore/pkg/eventcore/schema"
)

// Event types the reliability layer reports through the alerting manager.
const (
	EventCallFailed    = "reliability.call_failed@1"
	EventCircuitOpened = "reliability.circuit_opened@1"
	EventRetryWarning  = "reliability.retry_warning@1"
	EventDeadLetter    = "system.event.dead_letter@1"
)

// payloadString reads a string payload field, "" when absent.
func payloadString(env schema.Envelope, key string) string {
	if env.Payload == nil {
		return ""
	}
	s, _ := env.Payload[key].(string)
	return s
}

// payloadInt reads a numeric payload field, 0 when absent.
// JSON decoding yields float64; direct construction may use int.
func payloadInt(env schema.Envelope, key string) int {
	if env.Payload == nil {
		return 0
	}
	switch v := env.Payload[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// DefaultRules is the standard rule set, most specific first.
// Rule order matters: the first enabled match wins.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:       "authentication_failure",
			Category: "security",
			Severity: SeverityCritical,
			Throttle: 15 * time.Minute,
			Enabled:  true,
			Condition: func(env schema.Envelope) bool {
				code := payloadInt(env, "status_code")
				return code == 401 || code == 403
			},
			Describe: func(env schema.Envelope) string {
				return fmt.Sprintf("authentication failure (HTTP %d) during %s",
					payloadInt(env, "status_code"), payloadString(env, "operation"))
			},
		},
		{
			ID:       "circuit_breaker_opened",
			Category: "failure",
			Severity: SeverityCritical,
			Throttle: 5 * time.Minute,
			Enabled:  true,
			Condition: func(env schema.Envelope) bool {
				return env.EventType == EventCircuitOpened
			},
			Describe: func(env schema.Envelope) string {
				return fmt.Sprintf("circuit breaker opened for %s", payloadString(env, "breaker"))
			},
		},
		{
			ID:       "timeout",
			Category: "failure",
			Severity: SeverityError,
			Throttle: 5 * time.Minute,
			Enabled:  true,
			Condition: func(env schema.Envelope) bool {
				return payloadString(env, "error_category") == "timeout" ||
					strings.Contains(payloadString(env, "error"), "timeout")
			},
			Describe: func(env schema.Envelope) string {
				return fmt.Sprintf("timeout during %s", payloadString(env, "operation"))
			},
		},
		{
			ID:       "connectivity_failure",
			Category: "failure",
			Severity: SeverityError,
			Throttle: 5 * time.Minute,
			Enabled:  true,
			Condition: func(env schema.Envelope) bool {
				return payloadString(env, "error_category") == "network" ||
					strings.Contains(payloadString(env, "error"), "connection")
			},
			Describe: func(env schema.Envelope) string {
				return fmt.Sprintf("connectivity failure during %s", payloadString(env, "operation"))
			},
		},
		{
			ID:       "event_dead_letter",
			Category: "failure",
			Severity: SeverityError,
			Throttle: 10 * time.Minute,
			Enabled:  true,
			Condition: func(env schema.Envelope) bool {
				return env.EventType == EventDeadLetter
			},
			Describe: func(env schema.Envelope) string {
				return fmt.Sprintf("event %s (%s) dead-lettered: %s",
					payloadString(env, "original_event_id"),
					payloadString(env, "original_event_type"),
					payloadString(env, "reason"))
			},
		},
		{
			ID:       "retry_warning",
			Category: "warning",
			Severity: SeverityWarning,
			Throttle: 5 * time.Minute,
			Enabled:  true,
			Condition: func(env schema.Envelope) bool {
				return env.EventType == EventRetryWarning
			},
			Describe: func(env schema.Envelope) string {
				return fmt.Sprintf("critical operation %s is retrying (attempt %d)",
					payloadString(env, "operation"), payloadInt(env, "attempt"))
			},
		},
		{
			ID:       "outbound_call_failure",
			Category: "failure",
			Severity: SeverityError,
			Throttle: 5 * time.Minute,
			Enabled:  true,
			Condition: func(env schema.Envelope) bool {
				return env.EventType == EventCallFailed
			},
			Describe: func(env schema.Envelope) string {
				return fmt.Sprintf("outbound call %s failed: %s",
					payloadString(env, "operation"), payloadString(env, "error"))
			},
		},
	}
}
