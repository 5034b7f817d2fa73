// Package config loads all process configuration from the environment once,
// at startup. Missing required values fail fast; nothing reads os.Getenv at
// point of use.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable the three processes need.
type Config struct {
	// Postgres connection string for the pipeline state store.
	DatabaseURL string

	// Redis address shared by the durable queue, cache, semaphore counters
	// and the asynq sink tier.
	RedisAddr string

	// HTTP server port for the API process.
	HTTPPort int

	// APIToken protects the admin surface.
	APIToken string

	// Per-process cap on in-flight queue handler invocations.
	MaxConcurrentMessageProcessing int

	// MaxDataRetries bounds data transform attempts before the owning run
	// is escalated to error.
	MaxDataRetries int

	// SweepInterval is how often the backlog sweeper scans for stale rows.
	SweepInterval time.Duration

	// SweepStaleAfter is how long a non-terminal row may sit untouched
	// before the sweeper re-publishes it.
	SweepStaleAfter time.Duration

	// Temporal connection for the orchestrator process.
	TemporalAddress   string
	TemporalNamespace string
	TemporalTaskQueue string

	// Object storage for export batches (S3-compatible).
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string

	// ExportRetention is the age past completion before an export batch is
	// eligible for cleanup.
	ExportRetention time.Duration

	// PlatformSettings maps platform name to its opaque settings blob
	// (API keys etc.), resolved from PLATFORM_SETTINGS_<NAME>.
	PlatformSettings map[string]json.RawMessage
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:                       8000,
		MaxConcurrentMessageProcessing: 5,
		MaxDataRetries:                 6,
		SweepInterval:                  5 * time.Minute,
		SweepStaleAfter:                time.Hour,
		TemporalAddress:                "127.0.0.1:7233",
		TemporalNamespace:              "default",
		TemporalTaskQueue:              "communitysync",
		ExportRetention:                14 * 24 * time.Hour,
		PlatformSettings:               map[string]json.RawMessage{},
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	cfg.APIToken = os.Getenv("API_TOKEN")

	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.HTTPPort = p
	}
	if v := os.Getenv("MAX_CONCURRENT_MESSAGE_PROCESSING"); v != "" {
		c, err := strconv.Atoi(v)
		if err != nil || c < 1 {
			return nil, fmt.Errorf("invalid MAX_CONCURRENT_MESSAGE_PROCESSING: %q", v)
		}
		cfg.MaxConcurrentMessageProcessing = c
	}
	if v := os.Getenv("MAX_DATA_RETRIES"); v != "" {
		r, err := strconv.Atoi(v)
		if err != nil || r < 0 {
			return nil, fmt.Errorf("invalid MAX_DATA_RETRIES: %q", v)
		}
		cfg.MaxDataRetries = r
	}
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SWEEP_INTERVAL: %w", err)
		}
		cfg.SweepInterval = d
	}
	if v := os.Getenv("SWEEP_STALE_AFTER"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SWEEP_STALE_AFTER: %w", err)
		}
		cfg.SweepStaleAfter = d
	}
	if v := os.Getenv("EXPORT_RETENTION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid EXPORT_RETENTION: %w", err)
		}
		cfg.ExportRetention = d
	}

	if v := os.Getenv("TEMPORAL_ADDRESS"); v != "" {
		cfg.TemporalAddress = v
	}
	if v := os.Getenv("TEMPORAL_NAMESPACE"); v != "" {
		cfg.TemporalNamespace = v
	}
	if v := os.Getenv("TEMPORAL_TASK_QUEUE"); v != "" {
		cfg.TemporalTaskQueue = v
	}

	cfg.S3Endpoint = os.Getenv("S3_ENDPOINT")
	cfg.S3Bucket = os.Getenv("S3_BUCKET")
	cfg.S3AccessKey = os.Getenv("S3_ACCESS_KEY")
	cfg.S3SecretKey = os.Getenv("S3_SECRET_KEY")

	for _, name := range []string{"GITHUB", "DISCORD", "SLACK", "JIRA", "STACKOVERFLOW"} {
		if v := os.Getenv("PLATFORM_SETTINGS_" + name); v != "" {
			if !json.Valid([]byte(v)) {
				return nil, fmt.Errorf("PLATFORM_SETTINGS_%s is not valid JSON", name)
			}
			// Keyed by platform tag, not env suffix.
			cfg.PlatformSettings[strings.ToLower(name)] = json.RawMessage(v)
		}
	}

	return cfg, nil
}
