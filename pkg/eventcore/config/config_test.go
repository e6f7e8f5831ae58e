package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tannerhall/eventcore/pkg/eventcore/config"
)

// TestString verifies string extraction with defaults.
func TestString(t *testing.T) {
	tests := []struct {
		name       string
		data       map[string]any
		key        string
		defaultVal string
		want       string
	}{
		{"key exists", map[string]any{"url": "https://hooks.example.com"}, "url", "default", "https://hooks.example.com"},
		{"key missing", map[string]any{"other": "value"}, "url", "default", "default"},
		{"empty string", map[string]any{"url": ""}, "url", "default", ""},
		{"wrong type", map[string]any{"url": 123}, "url", "default", "default"},
		{"nil map", nil, "url", "default", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.New(tt.data)
			assert.Equal(t, tt.want, cfg.String(tt.key, tt.defaultVal))
		})
	}
}

// TestDuration verifies duration coercion from every accepted type.
func TestDuration(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want time.Duration
	}{
		{"duration string", map[string]any{"timeout": "90s"}, 90 * time.Second},
		{"bare seconds string", map[string]any{"timeout": "30"}, 30 * time.Second},
		{"int seconds", map[string]any{"timeout": 60}, 60 * time.Second},
		{"float seconds", map[string]any{"timeout": 1.5}, 1500 * time.Millisecond},
		{"native duration", map[string]any{"timeout": 5 * time.Minute}, 5 * time.Minute},
		{"invalid string", map[string]any{"timeout": "soon"}, 10 * time.Second},
		{"missing", map[string]any{}, 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.New(tt.data)
			assert.Equal(t, tt.want, cfg.Duration("timeout", 10*time.Second))
		})
	}
}

// TestBool verifies boolean extraction including env-style strings.
func TestBool(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want bool
	}{
		{"native true", map[string]any{"enabled": true}, true},
		{"string true", map[string]any{"enabled": "true"}, true},
		{"string one", map[string]any{"enabled": "1"}, true},
		{"string false", map[string]any{"enabled": "false"}, false},
		{"junk string", map[string]any{"enabled": "maybe"}, false},
		{"missing", map[string]any{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.New(tt.data)
			assert.Equal(t, tt.want, cfg.Bool("enabled", false))
		})
	}
}

// TestInt verifies integer coercion.
func TestInt(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want int
	}{
		{"int", map[string]any{"n": 7}, 7},
		{"float whole", map[string]any{"n": 7.0}, 7},
		{"float fractional", map[string]any{"n": 7.5}, 3},
		{"string", map[string]any{"n": "7"}, 7},
		{"bad string", map[string]any{"n": "seven"}, 3},
		{"missing", map[string]any{}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.New(tt.data)
			assert.Equal(t, tt.want, cfg.Int("n", 3))
		})
	}
}

func TestFromYAML(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
store_path: ./events.db
max_retries: 5
circuit_timeout: 30s
webhook_enabled: true
`))
	require.NoError(t, err)

	assert.Equal(t, "./events.db", cfg.String("store_path", ""))
	assert.Equal(t, 5, cfg.Int("max_retries", 0))
	assert.Equal(t, 30*time.Second, cfg.Duration("circuit_timeout", 0))
	assert.True(t, cfg.Bool("webhook_enabled", false))
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "core.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("max_retries: 4\n"), 0o644))
	cfg, err := config.FromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Int("max_retries", 0))

	jsonPath := filepath.Join(dir, "core.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"max_retries": 6}`), 0o644))
	cfg, err = config.FromFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Int("max_retries", 0))

	_, err = config.FromFile(filepath.Join(dir, "core.toml"))
	assert.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("EVENTCORE_STORE_PATH", "/var/lib/eventcore/events.db")
	t.Setenv("EVENTCORE_MAX_RETRIES", "5")
	t.Setenv("EVENTCORE_WEBHOOK_ENABLED", "true")
	t.Setenv("UNRELATED_VAR", "ignored")

	cfg := config.FromEnv()
	assert.Equal(t, "/var/lib/eventcore/events.db", cfg.String("store_path", ""))
	assert.Equal(t, 5, cfg.Int("max_retries", 0))
	assert.True(t, cfg.Bool("webhook_enabled", false))
	assert.False(t, cfg.Has("unrelated_var"))
}

func TestLoadDefaults(t *testing.T) {
	s := config.Load(config.New(nil))
	assert.Equal(t, config.Defaults, s)
}

func TestLoadOverrides(t *testing.T) {
	s := config.Load(config.New(map[string]any{
		"failure_threshold": 10,
		"circuit_timeout":   "2m",
		"cache_ttl":         "1h",
		"webhook_enabled":   true,
		"webhook_url":       "https://hooks.example.com/alerts",
		"environment":       "production",
	}))

	assert.Equal(t, 10, s.FailureThreshold)
	assert.Equal(t, 2*time.Minute, s.CircuitTimeout)
	assert.Equal(t, time.Hour, s.CacheTTL)
	assert.True(t, s.WebhookEnabled)
	assert.Equal(t, "https://hooks.example.com/alerts", s.WebhookURL)
	assert.Equal(t, "production", s.Environment)

	// Untouched knobs keep their defaults.
	assert.Equal(t, config.Defaults.MaxRetries, s.MaxRetries)
	assert.Equal(t, config.Defaults.SuccessThreshold, s.SuccessThreshold)
}
