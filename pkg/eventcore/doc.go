/*
Package eventcore provides a resilient event-messaging core: a durable
at-least-once event bus, a versioned event envelope, and an outbound
call protection stack (circuit breaker, retry with backoff, fallback
cache, throttled alerting).

# Overview

eventcore is built for single-process systems that talk to unreliable
collaborators. Internal components communicate through validated,
persisted events; calls to external services run behind a composable
reliability layer that degrades gracefully instead of failing hard.

The Runtime ties the pieces together:
  - Durable pub/sub with retry and dead-lettering (bus, store)
  - Circuit breaker per protected dependency (breaker)
  - Retry with exponential backoff and jitter (errors)
  - TTL-bounded fallback cache for degraded responses (fallback)
  - Throttled, correlation-aware alerting with webhooks (alerting)
  - Typed domain event emitters (emitter)

# Basic Usage

Construct a runtime, start it, publish and subscribe:

	rt, err := eventcore.New(
	    eventcore.WithConfig(config.FromEnv()),
	)
	if err != nil {
	    log.Fatal(err)
	}
	defer rt.Close()

	ctx := context.Background()
	rt.Start(ctx)

	rt.Bus().Subscribe("orchestration.*", func(ctx context.Context, env schema.Envelope) error {
	    // handle the event; returning an error schedules a retry
	    return nil
	})

	_, err = rt.Workflows().WorkflowStarted(ctx, "wf-1", "content_sync")

Protected outbound calls go through the reliability manager:

	res := rt.Reliability().Call(ctx, reliability.Request{
	    Operation:  "workflow_sync",
	    WorkflowID: "wf-1",
	}, func(ctx context.Context) (any, error) {
	    return client.Sync(ctx)
	})
	if res.FromCache {
	    // degraded data, inspect res.Err for the underlying failure
	}

# Delivery Semantics

Publishing persists the event before any handler runs; delivery is
at-least-once. A handler error schedules a retry with exponential
delay; after the retry ceiling the event is dead-lettered and a
system.event.dead_letter@1 event announces it. Handlers must be
idempotent per event_id.
*/
package eventcore
