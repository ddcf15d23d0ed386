// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Session store. DatabaseURL selects Postgres; when empty the store
	// falls back to SQLite at SQLitePath (dev mode).
	DatabaseURL string
	SQLitePath  string

	// External collaborators.
	EngineURL      string // recognition engine base URL
	CatalogURL     string // catalog service base URL
	EngineTimeout  time.Duration
	CatalogTimeout time.Duration

	// Classification thresholds. HighThreshold must be strictly greater
	// than MediumThreshold; violating that is a configuration error caught
	// at load, never at request time.
	HighThreshold   float64
	MediumThreshold float64

	// Progress streaming.
	HeartbeatInterval     time.Duration
	SubscriberBufferSize  int
	SubscriberIdleTimeout time.Duration

	// Status aggregation.
	StatusRefreshInterval time.Duration
	StatusListLimit       int
	StallWindow           time.Duration

	// Retention.
	SessionRetention       time.Duration
	RetentionSweepInterval time.Duration

	// Reconciliation commit.
	CommitParallelism int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
	MaxUploadBytes      int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                   envInt("RECOG_PORT", 8081),
		ReadTimeout:            envDuration("RECOG_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:           envDuration("RECOG_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:            envStr("DATABASE_URL", ""),
		SQLitePath:             envStr("RECOG_SQLITE_PATH", "recognition.db"),
		EngineURL:              envStr("RECOG_ENGINE_URL", "http://localhost:5000"),
		CatalogURL:             envStr("RECOG_CATALOG_URL", "http://localhost:8080"),
		EngineTimeout:          envDuration("RECOG_ENGINE_TIMEOUT", 10*time.Minute),
		CatalogTimeout:         envDuration("RECOG_CATALOG_TIMEOUT", 15*time.Second),
		HighThreshold:          envFloat("RECOG_HIGH_THRESHOLD", 0.70),
		MediumThreshold:        envFloat("RECOG_MEDIUM_THRESHOLD", 0.55),
		HeartbeatInterval:      envDuration("RECOG_HEARTBEAT_INTERVAL", 15*time.Second),
		SubscriberBufferSize:   envInt("RECOG_SUBSCRIBER_BUFFER_SIZE", 64),
		SubscriberIdleTimeout:  envDuration("RECOG_SUBSCRIBER_IDLE_TIMEOUT", 5*time.Minute),
		StatusRefreshInterval:  envDuration("RECOG_STATUS_REFRESH_INTERVAL", 10*time.Second),
		StatusListLimit:        envInt("RECOG_STATUS_LIST_LIMIT", 50),
		StallWindow:            envDuration("RECOG_STALL_WINDOW", 2*time.Minute),
		SessionRetention:       envDuration("RECOG_SESSION_RETENTION", 7*24*time.Hour),
		RetentionSweepInterval: envDuration("RECOG_RETENTION_SWEEP_INTERVAL", time.Hour),
		CommitParallelism:      envInt("RECOG_COMMIT_PARALLELISM", 4),
		OTELEndpoint:           envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:           envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:            envStr("OTEL_SERVICE_NAME", "inferno-recognition"),
		LogLevel:               envStr("RECOG_LOG_LEVEL", "info"),
		MaxRequestBodyBytes:    int64(envInt("RECOG_MAX_REQUEST_BODY_BYTES", 1*1024*1024)),
		MaxUploadBytes:         int64(envInt("RECOG_MAX_UPLOAD_BYTES", 32*1024*1024)),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.HighThreshold <= c.MediumThreshold {
		return fmt.Errorf("config: RECOG_HIGH_THRESHOLD (%.2f) must be greater than RECOG_MEDIUM_THRESHOLD (%.2f)",
			c.HighThreshold, c.MediumThreshold)
	}
	if c.HighThreshold > 1 || c.MediumThreshold < 0 {
		return fmt.Errorf("config: thresholds must lie in [0,1]")
	}
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		return fmt.Errorf("config: either DATABASE_URL or RECOG_SQLITE_PATH is required")
	}
	if c.EngineURL == "" {
		return fmt.Errorf("config: RECOG_ENGINE_URL is required")
	}
	if c.SubscriberBufferSize <= 0 {
		return fmt.Errorf("config: RECOG_SUBSCRIBER_BUFFER_SIZE must be positive")
	}
	if c.CommitParallelism <= 0 {
		return fmt.Errorf("config: RECOG_COMMIT_PARALLELISM must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: RECOG_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
