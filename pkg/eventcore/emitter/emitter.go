// Package emitter provides typed helpers for publishing orchestration
// domain events.
//
// Emitters depend downward on a narrow publisher interface; the bus
// never knows about them, which keeps the dependency graph acyclic.
package emitter

import (
	"context"
	"time"

	"github.com/tannerhall/eventcore/pkg/eventcore/schema"
)

// Orchestration event types.
const (
	EventWorkflowStarted   = "orchestration.workflow_started@1"
	EventWorkflowCompleted = "orchestration.workflow_completed@1"
	EventWorkflowFailed    = "orchestration.workflow_failed@1"
	EventSyncRequested     = "orchestration.sync_requested@1"
)

// Publisher is the slice of the event bus emitters need.
type Publisher interface {
	Publish(ctx context.Context, env schema.Envelope) error
}

// WorkflowEmitter publishes workflow lifecycle events.
type WorkflowEmitter struct {
	pub    Publisher
	source string
}

// NewWorkflowEmitter creates an emitter. source identifies the
// publishing component in event metadata.
func NewWorkflowEmitter(pub Publisher, source string) *WorkflowEmitter {
	return &WorkflowEmitter{pub: pub, source: source}
}

// WorkflowStarted announces a new workflow run. The returned envelope
// carries the correlation ID the rest of the run should chain on.
func (e *WorkflowEmitter) WorkflowStarted(ctx context.Context, workflowID, workflowType string, opts ...schema.Option) (schema.Envelope, error) {
	return e.emit(ctx, EventWorkflowStarted, map[string]any{
		"workflow_id":   workflowID,
		"workflow_type": workflowType,
	}, opts...)
}

// WorkflowCompleted announces a successful workflow run, chained on
// the started event.
func (e *WorkflowEmitter) WorkflowCompleted(ctx context.Context, started schema.Envelope, workflowID string, duration time.Duration, opts ...schema.Option) (schema.Envelope, error) {
	return e.emitFromParent(ctx, started, EventWorkflowCompleted, map[string]any{
		"workflow_id": workflowID,
		"duration_ms": duration.Milliseconds(),
	}, opts...)
}

// WorkflowFailed announces a failed workflow run, chained on the
// started event.
func (e *WorkflowEmitter) WorkflowFailed(ctx context.Context, started schema.Envelope, workflowID, reason string, opts ...schema.Option) (schema.Envelope, error) {
	return e.emitFromParent(ctx, started, EventWorkflowFailed, map[string]any{
		"workflow_id": workflowID,
		"reason":      reason,
	}, opts...)
}

// SyncRequested asks downstream consumers to synchronize a workflow's
// external state.
func (e *WorkflowEmitter) SyncRequested(ctx context.Context, workflowID, target string, opts ...schema.Option) (schema.Envelope, error) {
	return e.emit(ctx, EventSyncRequested, map[string]any{
		"workflow_id": workflowID,
		"target":      target,
	}, opts...)
}

func (e *WorkflowEmitter) emit(ctx context.Context, eventType string, payload map[string]any, opts ...schema.Option) (schema.Envelope, error) {
	env := schema.New(eventType, payload, e.withSource(opts)...)
	return env, e.pub.Publish(ctx, env)
}

func (e *WorkflowEmitter) emitFromParent(ctx context.Context, parent schema.Envelope, eventType string, payload map[string]any, opts ...schema.Option) (schema.Envelope, error) {
	env := schema.NewFromParent(parent, eventType, payload, opts...)
	if env.Metadata.Source == "" {
		env.Metadata.Source = e.source
	}
	return env, e.pub.Publish(ctx, env)
}

// withSource prepends a metadata option so caller options still win.
func (e *WorkflowEmitter) withSource(opts []schema.Option) []schema.Option {
	base := []schema.Option{schema.WithMetadata(schema.NewMetadata("", e.source))}
	return append(base, opts...)
}
