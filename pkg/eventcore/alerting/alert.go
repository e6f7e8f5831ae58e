// Package alerting provides a rule-based event classifier that raises,
// throttles, and auto-resolves operational alerts.
//
// The alerting manager is the single point of operator-visible failure
// reporting: terminal failures from the reliability layer and
// dead-lettered events from the bus are routed here as envelopes, matched
// against rules, and deduplicated per (rule, correlation) key so repeated
// identical failures update one alert instead of flooding notifications.
package alerting

import (
	"time"

	"github.com/tannerhall/eventcore/pkg/eventcore/schema"
)

// Severity classifies operator urgency.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// rank orders severities for escalation comparisons.
func (s Severity) rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// Alert is a deduplicated, throttled operational signal.
type Alert struct {
	ID            string         `json:"id"`
	RuleID        string         `json:"rule_id"`
	Category      string         `json:"category"`
	Severity      Severity       `json:"severity"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`

	OccurrenceCount int       `json:"occurrence_count"`
	FirstOccurrence time.Time `json:"first_occurrence"`
	LastOccurrence  time.Time `json:"last_occurrence"`

	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Rule is static alerting configuration. Rules are independent; the
// first enabled matching rule wins for an event.
type Rule struct {
	// ID identifies the rule and keys throttling.
	ID string

	// Category groups alerts (e.g. "failure", "security").
	Category string

	// Severity assigned to alerts this rule raises.
	Severity Severity

	// Throttle is the window within which repeated matches update the
	// existing alert instead of creating a new one.
	Throttle time.Duration

	// Enabled rules are evaluated; disabled rules are skipped.
	Enabled bool

	// Condition decides whether an event matches.
	Condition func(env schema.Envelope) bool

	// Describe renders the alert message for a matching event.
	// Optional; defaults to the rule ID plus the event type.
	Describe func(env schema.Envelope) string
}
