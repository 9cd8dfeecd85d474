// Package config loads server configuration from the environment, with
// optional yaml tuning profiles layered on top.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string // postgres tier registry; empty means sqlite
	SQLitePath  string
	EventLog    string // jsonl cascade log path; empty means sqlite

	MinDwell    time.Duration
	MaxRetries  int
	DecayRate   float64
	DecayPeriod time.Duration
	MaxHistory  int
	Workers     int

	EvalInterval  time.Duration // 0 disables the background sweep
	DecayInterval time.Duration // 0 disables the decay sweep

	OTLPEndpoint   string
	MetricsEnabled bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	sqlitePath := os.Getenv("SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = "bridge.db"
	}

	return &Config{
		Port:           port,
		LogLevel:       logLevel,
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		SQLitePath:     sqlitePath,
		EventLog:       os.Getenv("EVENT_LOG_PATH"),
		MinDwell:       envDuration("MIN_DWELL", 24*time.Hour),
		MaxRetries:     envInt("MAX_RETRIES", 3),
		DecayRate:      envFloat("DECAY_RATE", 0.95),
		DecayPeriod:    envDuration("DECAY_PERIOD", 7*24*time.Hour),
		MaxHistory:     envInt("META_MAX_HISTORY", 256),
		Workers:        envInt("EVAL_WORKERS", 4),
		EvalInterval:   envDuration("EVAL_INTERVAL", 0),
		DecayInterval:  envDuration("DECAY_INTERVAL", 0),
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),
		MetricsEnabled: os.Getenv("METRICS_ENABLED") == "true",
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
