package eventcore

import (
	"log/slog"

	"github.com/tannerhall/eventcore/pkg/eventcore/alerting"
	"github.com/tannerhall/eventcore/pkg/eventcore/config"
	"github.com/tannerhall/eventcore/pkg/eventcore/fallback"
	"github.com/tannerhall/eventcore/pkg/eventcore/observability"
	"github.com/tannerhall/eventcore/pkg/eventcore/store"
)

// runtimeConfig holds construction-time configuration for a Runtime.
type runtimeConfig struct {
	settings   config.Settings
	logger     *slog.Logger
	metrics    observability.MetricsRecorder
	store      store.Store
	stateStore fallback.StateStore
	notifier   alerting.Notifier
	rules      []alerting.Rule
	source     string
}

// defaultRuntimeConfig returns the default runtime configuration.
func defaultRuntimeConfig() runtimeConfig {
	return runtimeConfig{
		settings: config.Defaults,
		source:   "eventcore",
	}
}

// Option configures a Runtime at construction.
type Option func(*runtimeConfig)

// WithSettings replaces the full settings block.
// Default: config.Defaults
func WithSettings(s config.Settings) Option {
	return func(c *runtimeConfig) {
		c.settings = s
	}
}

// WithConfig resolves settings from a raw Config, applying defaults for
// every missing key.
//
// Example:
//
//	cfg, _ := config.FromFile("eventcore.yaml")
//	rt, err := eventcore.New(eventcore.WithConfig(cfg))
func WithConfig(cfg config.Config) Option {
	return func(c *runtimeConfig) {
		c.settings = config.Load(cfg)
	}
}

// WithLogger sets the structured logger used across all components.
// Default: no logging
func WithLogger(l *slog.Logger) Option {
	return func(c *runtimeConfig) {
		c.logger = l
	}
}

// WithMetrics sets the metrics recorder.
// Default: OpenTelemetry metrics via observability.NewMetricsRecorder
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *runtimeConfig) {
		c.metrics = m
	}
}

// WithStore supplies a pre-built event store. The runtime does not
// close stores it did not create.
// Default: SQLite at Settings.StorePath, or in-memory when unset
func WithStore(s store.Store) Option {
	return func(c *runtimeConfig) {
		c.store = s
	}
}

// WithStateStore supplies a pre-built fallback state store.
// Default: SQLite at Settings.StorePath, or memory-only when unset
func WithStateStore(s fallback.StateStore) Option {
	return func(c *runtimeConfig) {
		c.stateStore = s
	}
}

// WithNotifier sets the alert notifier, overriding the webhook settings.
// Default: WebhookNotifier when Settings.WebhookEnabled, else none
func WithNotifier(n alerting.Notifier) Option {
	return func(c *runtimeConfig) {
		c.notifier = n
	}
}

// WithAlertRules replaces the alert rule set.
// Default: alerting.DefaultRules()
func WithAlertRules(rules []alerting.Rule) Option {
	return func(c *runtimeConfig) {
		c.rules = rules
	}
}

// WithSource sets the emitter source recorded in event metadata.
// Default: "eventcore"
func WithSource(source string) Option {
	return func(c *runtimeConfig) {
		if source != "" {
			c.source = source
		}
	}
}
