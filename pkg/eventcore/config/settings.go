package config

import "time"

// Settings holds every tunable of the event core with its resolved
// value. Zero configuration yields the documented defaults.
type Settings struct {
	// StorePath is the SQLite event store location. Empty selects the
	// in-memory store.
	StorePath string

	// MaxRetries is the delivery attempt ceiling before dead-lettering.
	MaxRetries int

	// DispatchBatchSize caps events handled per dispatch sweep.
	DispatchBatchSize int

	// DispatchSweepInterval is the pending-event sweep cadence.
	DispatchSweepInterval time.Duration

	// FailureThreshold opens the circuit after this many consecutive
	// failures.
	FailureThreshold int

	// SuccessThreshold closes a half-open circuit after this many
	// consecutive successes.
	SuccessThreshold int

	// CircuitTimeout is the open-circuit cooldown before a probe.
	CircuitTimeout time.Duration

	// RetryAttempts is the outbound-call retry budget.
	RetryAttempts int

	// RetryInitialBackoff is the first outbound-call retry delay.
	RetryInitialBackoff time.Duration

	// CacheTTL is the fallback snapshot lifetime.
	CacheTTL time.Duration

	// CacheHistorySize bounds the recent-history ring.
	CacheHistorySize int

	// CacheSweepInterval is the expired-snapshot sweep cadence.
	CacheSweepInterval time.Duration

	// MaxAlerts caps retained alerts.
	MaxAlerts int

	// AlertAutoResolveAfter auto-resolves idle alerts.
	AlertAutoResolveAfter time.Duration

	// AlertSweepInterval is the alert maintenance cadence.
	AlertSweepInterval time.Duration

	// WebhookEnabled toggles outbound alert notifications.
	WebhookEnabled bool

	// WebhookURL receives alert notifications when enabled.
	WebhookURL string

	// Environment tags outbound notifications (e.g. "production").
	Environment string
}

// Defaults are the documented default settings.
var Defaults = Settings{
	MaxRetries:            3,
	DispatchBatchSize:     25,
	DispatchSweepInterval: 5 * time.Second,
	FailureThreshold:      5,
	SuccessThreshold:      3,
	CircuitTimeout:        60 * time.Second,
	RetryAttempts:         3,
	RetryInitialBackoff:   2 * time.Second,
	CacheTTL:              30 * time.Minute,
	CacheHistorySize:      10,
	CacheSweepInterval:    time.Minute,
	MaxAlerts:             100,
	AlertAutoResolveAfter: 24 * time.Hour,
	AlertSweepInterval:    time.Minute,
	Environment:           "development",
}

// Load resolves Settings from a Config, applying Defaults for every
// missing key.
func Load(cfg Config) Settings {
	d := Defaults
	return Settings{
		StorePath:             cfg.String("store_path", d.StorePath),
		MaxRetries:            cfg.Int("max_retries", d.MaxRetries),
		DispatchBatchSize:     cfg.Int("dispatch_batch_size", d.DispatchBatchSize),
		DispatchSweepInterval: cfg.Duration("dispatch_sweep_interval", d.DispatchSweepInterval),
		FailureThreshold:      cfg.Int("failure_threshold", d.FailureThreshold),
		SuccessThreshold:      cfg.Int("success_threshold", d.SuccessThreshold),
		CircuitTimeout:        cfg.Duration("circuit_timeout", d.CircuitTimeout),
		RetryAttempts:         cfg.Int("retry_attempts", d.RetryAttempts),
		RetryInitialBackoff:   cfg.Duration("retry_initial_backoff", d.RetryInitialBackoff),
		CacheTTL:              cfg.Duration("cache_ttl", d.CacheTTL),
		CacheHistorySize:      cfg.Int("cache_history_size", d.CacheHistorySize),
		CacheSweepInterval:    cfg.Duration("cache_sweep_interval", d.CacheSweepInterval),
		MaxAlerts:             cfg.Int("max_alerts", d.MaxAlerts),
		AlertAutoResolveAfter: cfg.Duration("alert_auto_resolve_after", d.AlertAutoResolveAfter),
		AlertSweepInterval:    cfg.Duration("alert_sweep_interval", d.AlertSweepInterval),
		WebhookEnabled:        cfg.Bool("webhook_enabled", d.WebhookEnabled),
		WebhookURL:            cfg.String("webhook_url", d.WebhookURL),
		Environment:           cfg.String("environment", d.Environment),
	}
}
