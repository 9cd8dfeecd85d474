package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/realitybridge/core/pkg/config"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
// Invariant: System must boot with safe defaults in dev mode.
func TestLoad_Defaults(t *testing.T) {
	// Ensure clean env
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SQLITE_PATH", "")
	t.Setenv("MIN_DWELL", "")
	t.Setenv("DECAY_RATE", "")
	t.Setenv("METRICS_ENABLED", "")

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "bridge.db", cfg.SQLitePath)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, 24*time.Hour, cfg.MinDwell)
	assert.Equal(t, 0.95, cfg.DecayRate)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.False(t, cfg.MetricsEnabled)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
// Invariant: Ops can control config via standard 12-factor env vars.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://production:5432/db")
	t.Setenv("MIN_DWELL", "72h")
	t.Setenv("DECAY_RATE", "0.9")
	t.Setenv("EVAL_WORKERS", "16")
	t.Setenv("METRICS_ENABLED", "true")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://production:5432/db", cfg.DatabaseURL)
	assert.Equal(t, 72*time.Hour, cfg.MinDwell)
	assert.Equal(t, 0.9, cfg.DecayRate)
	assert.Equal(t, 16, cfg.Workers)
	assert.True(t, cfg.MetricsEnabled)
}

// TestLoad_BadValuesFallBack verifies malformed numeric env values do
// not poison the configuration.
func TestLoad_BadValuesFallBack(t *testing.T) {
	t.Setenv("MIN_DWELL", "not-a-duration")
	t.Setenv("DECAY_RATE", "many")
	t.Setenv("EVAL_WORKERS", "eleven")

	cfg := config.Load()

	assert.Equal(t, 24*time.Hour, cfg.MinDwell)
	assert.Equal(t, 0.95, cfg.DecayRate)
	assert.Equal(t, 4, cfg.Workers)
}
