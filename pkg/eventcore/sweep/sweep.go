// Package sweep runs periodic background maintenance tasks: pending
// event redelivery, fallback cache expiry, and alert lifecycle sweeps.
package sweep

import (
	"context"
	"sync"
	"time"
)

// Task is one unit of periodic work. Errors are reported through the
// runner's OnError hook; a failing task keeps its schedule.
type Task func(ctx context.Context) error

// Config configures a Runner.
type Config struct {
	// Interval is how often the task runs.
	// Default: 10 seconds
	Interval time.Duration

	// OnError is called when a run returns an error.
	OnError func(error)
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	Interval: 10 * time.Second,
}

// Runner executes a Task on a fixed interval until stopped.
type Runner struct {
	task    Task
	cfg     Config
	stopCh  chan struct{}
	running bool
	mu      sync.Mutex
}

// NewRunner creates a runner for the given task.
func NewRunner(task Task, cfg Config) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig.Interval
	}

	return &Runner{
		task:   task,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// Start begins running the task periodically. Calling Start on a
// running runner is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	go r.run(ctx)
}

// Stop halts the runner. A stopped runner cannot be restarted.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}

	close(r.stopCh)
	r.running = false
}

// RunOnce executes the task immediately, outside the schedule.
func (r *Runner) RunOnce(ctx context.Context) error {
	return r.task(ctx)
}

// run is the main loop.
func (r *Runner) run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.task(ctx); err != nil && r.cfg.OnError != nil {
				r.cfg.OnError(err)
			}
		}
	}
}
