package schema

import (
	"fmt"
	"regexp"

	"github.com/asaskevich/govalidator"
)

// eventTypePattern is the required shape of an event type:
// lowercase service, dot, lowercase action, @version.
var eventTypePattern = regexp.MustCompile(`^[a-z]+\.[a-z_]+@\d+$`)

// Result reports the outcome of envelope validation.
type Result struct {
	Valid  bool
	Errors []string
}

// Validate checks an envelope's structural invariants. Pure function,
// no side effects: presence of the four identity fields, a parseable
// timestamp, and a well-formed event type.
func Validate(e Envelope) Result {
	var errs []string

	if e.EventType == "" {
		errs = append(errs, "event_type is required")
	} else if !eventTypePattern.MatchString(e.EventType) {
		errs = append(errs, fmt.Sprintf("event_type %q does not match service.action@N", e.EventType))
	}

	if e.EventID == "" {
		errs = append(errs, "event_id is required")
	}

	if e.CorrelationID == "" {
		errs = append(errs, "correlation_id is required")
	}

	if e.Timestamp == "" {
		errs = append(errs, "timestamp is required")
	} else if !govalidator.IsRFC3339(e.Timestamp) {
		errs = append(errs, fmt.Sprintf("timestamp %q is not a valid ISO-8601 date", e.Timestamp))
	}

	return Result{Valid: len(errs) == 0, Errors: errs}
}

// ValidEventType reports whether s matches the event type pattern.
func ValidEventType(s string) bool {
	return eventTypePattern.MatchString(s)
}
