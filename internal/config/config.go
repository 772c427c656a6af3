// Package config loads the controller configuration from an optional YAML
// file and environment variables. Environment variables win.
package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config holds all configuration values for the application.
type Config struct {
	// Database connection string, required for the postgres driver
	DatabaseURL string

	// HTTP server port for the controller
	HTTPPort int

	// Storage backend: postgres, sqlite or memory
	StoreDriver string

	// Database file for the sqlite driver
	SQLitePath string

	// Generation providers
	TextProviderURL   string
	ImageProviderURL  string
	ProviderAPIKey    string
	ProviderTimeout   time.Duration // Zero leaves provider calls without a client-side limit
	ProviderRateLimit float64 // Calls per second shared by all executions
	ProviderBurst     int
	MaxParallelImages int

	// Usage rows older than this with no outcome are refunded by the sweep
	OrphanGracePeriod time.Duration

	// Cron spec of the orphan sweep and execution adoption
	OrphanSweepSchedule string

	// Lease owner name of this process, defaults to the hostname plus a random suffix
	InstanceID string

	// How long an execution lease lasts without a heartbeat
	LeaseDuration time.Duration

	// Per-subscriber event queue size
	StreamBuffer int

	// Shared secret for the admin endpoints (organizations, grants)
	AdminSecret string

	// OpenTelemetry collector endpoint
	OTELEndpoint string

	// debug, info, warn or error
	LogLevel string
}

// envBindings maps config keys to their environment variables.
var envBindings = map[string]string{
	"database_url":          "DATABASE_URL",
	"http_port":             "PORT",
	"store_driver":          "STORE_DRIVER",
	"sqlite_path":           "SQLITE_PATH",
	"text_provider_url":     "TEXT_PROVIDER_URL",
	"image_provider_url":    "IMAGE_PROVIDER_URL",
	"provider_api_key":      "PROVIDER_API_KEY",
	"provider_timeout":      "PROVIDER_TIMEOUT",
	"provider_rate_limit":   "PROVIDER_RATE_LIMIT",
	"provider_burst":        "PROVIDER_BURST",
	"max_parallel_images":   "MAX_PARALLEL_IMAGES",
	"orphan_grace_period":   "ORPHAN_GRACE_PERIOD",
	"orphan_sweep_schedule": "ORPHAN_SWEEP_SCHEDULE",
	"instance_id":           "INSTANCE_ID",
	"lease_duration":        "LEASE_DURATION",
	"stream_buffer":         "STREAM_BUFFER",
	"admin_secret":          "ADMIN_SECRET",
	"otel_endpoint":         "OTEL_EXPORTER_OTLP_ENDPOINT",
	"log_level":             "LOG_LEVEL",
}

// Load reads configuration from the optional file at path and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("http_port", 6161)
	v.SetDefault("store_driver", DriverPostgres)
	v.SetDefault("sqlite_path", "boardgen.db")
	v.SetDefault("text_provider_url", "http://localhost:7070")
	v.SetDefault("image_provider_url", "http://localhost:7071")
	v.SetDefault("provider_timeout", time.Duration(0))
	v.SetDefault("provider_rate_limit", 5.0)
	v.SetDefault("provider_burst", 5)
	v.SetDefault("max_parallel_images", 4)
	v.SetDefault("orphan_grace_period", 15*time.Minute)
	v.SetDefault("orphan_sweep_schedule", "@every 5m")
	v.SetDefault("lease_duration", 30*time.Second)
	v.SetDefault("stream_buffer", 64)
	v.SetDefault("otel_endpoint", "localhost:4317")
	v.SetDefault("log_level", "info")

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		DatabaseURL:         v.GetString("database_url"),
		HTTPPort:            v.GetInt("http_port"),
		StoreDriver:         v.GetString("store_driver"),
		SQLitePath:          v.GetString("sqlite_path"),
		TextProviderURL:     v.GetString("text_provider_url"),
		ImageProviderURL:    v.GetString("image_provider_url"),
		ProviderAPIKey:      v.GetString("provider_api_key"),
		ProviderTimeout:     v.GetDuration("provider_timeout"),
		ProviderRateLimit:   v.GetFloat64("provider_rate_limit"),
		ProviderBurst:       v.GetInt("provider_burst"),
		MaxParallelImages:   v.GetInt("max_parallel_images"),
		OrphanGracePeriod:   v.GetDuration("orphan_grace_period"),
		OrphanSweepSchedule: v.GetString("orphan_sweep_schedule"),
		InstanceID:          v.GetString("instance_id"),
		LeaseDuration:       v.GetDuration("lease_duration"),
		StreamBuffer:        v.GetInt("stream_buffer"),
		AdminSecret:         v.GetString("admin_secret"),
		OTELEndpoint:        v.GetString("otel_endpoint"),
		LogLevel:            v.GetString("log_level"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("database_url is required (env: DATABASE_URL)")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite_path is required (env: SQLITE_PATH)")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("invalid store_driver %q: must be postgres, sqlite or memory", c.StoreDriver)
	}

	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port %d", c.HTTPPort)
	}
	if c.ProviderRateLimit <= 0 {
		return fmt.Errorf("provider_rate_limit must be positive")
	}
	if c.ProviderBurst < 1 {
		c.ProviderBurst = 1
	}
	if c.MaxParallelImages < 1 {
		return fmt.Errorf("max_parallel_images must be at least 1")
	}
	if c.StreamBuffer < 1 {
		return fmt.Errorf("stream_buffer must be at least 1")
	}
	if c.ProviderTimeout < 0 {
		return fmt.Errorf("provider_timeout must not be negative")
	}
	if c.LeaseDuration < time.Second {
		return fmt.Errorf("lease_duration must be at least 1s")
	}
	if c.OrphanGracePeriod <= 0 {
		return fmt.Errorf("orphan_grace_period must be positive")
	}
	if _, err := cron.ParseStandard(c.OrphanSweepSchedule); err != nil {
		return fmt.Errorf("invalid orphan_sweep_schedule: %w", err)
	}
	return nil
}
