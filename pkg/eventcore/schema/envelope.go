// Package schema defines the versioned event envelope and its structural
// validation rules.
//
// The envelope is the only durable, cross-process contract the core
// exposes: a JSON object carrying identity fields (event_type, event_id,
// correlation_id, timestamp, version), tracing metadata, and event-specific
// payload fields flattened alongside them.
//
// Event types follow the pattern `service.action@N`, e.g.
// "orchestration.workflow_completed@1". The version suffix is the schema
// version of the payload.
package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Metadata carries tracing and attribution fields, independent of payload.
type Metadata struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	Source    string `json:"source"`
	TraceID   string `json:"trace_id,omitempty"`
	SpanID    string `json:"span_id,omitempty"`
}

// Envelope is the versioned, identity-bearing wrapper around any domain
// payload. Envelopes are immutable once published - any modification
// creates a new event.
type Envelope struct {
	// EventType is the dotted namespace + action + version suffix,
	// e.g. "orchestration.workflow_completed@1".
	EventType string `json:"event_type"`

	// EventID is globally unique, generated at creation if absent.
	EventID string `json:"event_id"`

	// CorrelationID ties together all events of one logical operation.
	CorrelationID string `json:"correlation_id"`

	// CausationID optionally links to the event that caused this one.
	CausationID string `json:"causation_id,omitempty"`

	// Timestamp is the ISO-8601 generation time.
	Timestamp string `json:"timestamp"`

	// Version is the schema version embedded in EventType.
	Version int `json:"version"`

	// Metadata carries tracing/attribution fields.
	Metadata Metadata `json:"metadata"`

	// Payload holds the event-specific fields. On the wire they are
	// flattened into the top-level JSON object alongside the envelope
	// fields.
	Payload map[string]any `json:"-"`
}

// reservedFields are envelope-owned top-level JSON keys.
var reservedFields = map[string]bool{
	"event_type":     true,
	"event_id":       true,
	"correlation_id": true,
	"causation_id":   true,
	"timestamp":      true,
	"version":        true,
	"metadata":       true,
}

// envelopeAlias avoids MarshalJSON recursion.
type envelopeAlias Envelope

// MarshalJSON flattens payload fields into the top-level object.
// Payload keys colliding with envelope fields are dropped.
func (e Envelope) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(envelopeAlias(e))
	if err != nil {
		return nil, err
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}

	for k, v := range e.Payload {
		if !reservedFields[k] {
			m[k] = v
		}
	}

	return json.Marshal(m)
}

// UnmarshalJSON splits top-level JSON into envelope fields and payload.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var alias envelopeAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	payload := make(map[string]any)
	for k, v := range m {
		if !reservedFields[k] {
			payload[k] = v
		}
	}
	if len(payload) == 0 {
		payload = nil
	}

	*e = Envelope(alias)
	e.Payload = payload
	return nil
}

// ServicePrefix returns the service part of an event type
// ("orchestration.workflow_completed@1" -> "orchestration").
// Returns the full type if it has no dot.
func ServicePrefix(eventType string) string {
	if i := strings.IndexByte(eventType, '.'); i >= 0 {
		return eventType[:i]
	}
	return eventType
}

// ParseVersion extracts the schema version from an event type's @N suffix.
// Returns 0 if the type has no parseable suffix.
func ParseVersion(eventType string) int {
	i := strings.LastIndexByte(eventType, '@')
	if i < 0 {
		return 0
	}
	v, err := strconv.Atoi(eventType[i+1:])
	if err != nil {
		return 0
	}
	return v
}

// NewEventID generates a globally unique event identifier.
func NewEventID() string {
	return uuid.New().String()
}

// NewCorrelationID generates a correlation identifier.
func NewCorrelationID() string {
	return uuid.New().String()
}

// NewTraceID generates a K-sortable trace identifier.
func NewTraceID() string {
	return ulid.Make().String()
}

// NewMetadata assembles a metadata object with a generated trace ID.
func NewMetadata(sessionID, source string) Metadata {
	return Metadata{
		SessionID: sessionID,
		Source:    source,
		TraceID:   NewTraceID(),
	}
}

// Normalize backfills missing identity fields in place: event_id,
// correlation_id, timestamp, and the version derived from event_type.
func Normalize(e *Envelope) {
	if e.EventID == "" {
		e.EventID = NewEventID()
	}
	if e.CorrelationID == "" {
		e.CorrelationID = NewCorrelationID()
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if e.Version == 0 {
		e.Version = ParseVersion(e.EventType)
	}
}

// Option configures envelope creation.
type Option func(*Envelope)

// WithEventID sets a specific event ID (default: auto-generated).
func WithEventID(id string) Option {
	return func(e *Envelope) {
		e.EventID = id
	}
}

// WithCorrelationID sets the correlation ID.
func WithCorrelationID(id string) Option {
	return func(e *Envelope) {
		e.CorrelationID = id
	}
}

// WithCausationID sets the ID of the causing event.
func WithCausationID(id string) Option {
	return func(e *Envelope) {
		e.CausationID = id
	}
}

// WithTimestamp sets a specific timestamp (default: now).
func WithTimestamp(t time.Time) Option {
	return func(e *Envelope) {
		e.Timestamp = t.UTC().Format(time.RFC3339Nano)
	}
}

// WithMetadata sets the metadata object.
func WithMetadata(m Metadata) Option {
	return func(e *Envelope) {
		e.Metadata = m
	}
}

// New creates an envelope with generated identity fields.
func New(eventType string, payload map[string]any, opts ...Option) Envelope {
	e := Envelope{
		EventType: eventType,
		Payload:   payload,
	}
	for _, opt := range opts {
		opt(&e)
	}
	Normalize(&e)
	return e
}

// NewFromParent creates an envelope caused by a parent event.
// It inherits the correlation ID and sets the causation ID.
func NewFromParent(parent Envelope, eventType string, payload map[string]any, opts ...Option) Envelope {
	parentOpts := []Option{
		WithCorrelationID(parent.CorrelationID),
		WithCausationID(parent.EventID),
		WithMetadata(parent.Metadata),
	}
	return New(eventType, payload, append(parentOpts, opts...)...)
}

// DecodePayload narrows an envelope's payload map into a typed struct
// via a JSON round trip. Subscribers use this at the dispatch edge to
// get strongly-typed payload access.
func DecodePayload[T any](e Envelope) (T, error) {
	var out T
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return out, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode payload for %s: %w", e.EventType, err)
	}
	return out, nil
}
