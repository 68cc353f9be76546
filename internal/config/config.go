// Package config defines configuration parsing and helpers.
//
// Environment variables carry credentials and environment wiring; per-run
// parameters (campaign, date, worker count) come in as CLI flags on the
// runner entrypoint.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all runner configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	// DBURL and DBServiceKey authenticate against the backing store.
	// Both are required unless LocalDev is set.
	DBURL        string `env:"DB_URL"`
	DBServiceKey string `env:"DB_SERVICE_KEY"`
	// LocalDev permits running without store credentials, with the stub
	// browser driver against a local database.
	LocalDev bool `env:"LOCAL_DEV" envDefault:"false"`
	// RunID overrides the generated per-invocation run identifier.
	RunID string `env:"RUN_ID"`

	RedisAddr    string   `env:"REDIS_ADDR"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"formfleet-runner"`
	// OpsPortBase is the metrics/health port of the supervisor; worker
	// ordinal N listens on OpsPortBase+N+1.
	OpsPortBase int `env:"OPS_PORT_BASE" envDefault:"9090"`

	// Idle claim-loop backoff.
	BackoffInitial time.Duration `env:"BACKOFF_INITIAL" envDefault:"2s"`
	BackoffMax     time.Duration `env:"BACKOFF_MAX" envDefault:"60s"`
	JitterRatio    float64       `env:"BACKOFF_JITTER_RATIO" envDefault:"0.2"`

	// Bounded retry budget for backing-store RPCs.
	StoreRetryMax             int           `env:"STORE_RETRY_MAX" envDefault:"3"`
	StoreRetryInitialInterval time.Duration `env:"STORE_RETRY_INITIAL_INTERVAL" envDefault:"500ms"`
	StoreRetryMaxInterval     time.Duration `env:"STORE_RETRY_MAX_INTERVAL" envDefault:"5s"`

	// SubmitRatePerMin caps fleet-wide form submissions per campaign when
	// Redis is configured. Zero disables the throttle.
	SubmitRatePerMin int `env:"SUBMIT_RATE_PER_MIN" envDefault:"0"`

	// RespawnOnCrash restarts worker children that exit non-zero.
	RespawnOnCrash bool `env:"RESPAWN_ON_CRASH" envDefault:"false"`

	// BrowserDriver selects the injected driver implementation.
	BrowserDriver string `env:"BROWSER_DRIVER" envDefault:"stub"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// Validate checks startup requirements. Store credentials are mandatory
// outside local development.
func (c Config) Validate() error {
	if c.LocalDev {
		return nil
	}
	if c.DBURL == "" {
		return fmt.Errorf("op=config.Validate: DB_URL is required (set LOCAL_DEV=true for local runs)")
	}
	if c.DBServiceKey == "" {
		return fmt.Errorf("op=config.Validate: DB_SERVICE_KEY is required (set LOCAL_DEV=true for local runs)")
	}
	return nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
