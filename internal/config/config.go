// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// minPollInterval is the enforced floor for POLL_INTERVAL_MS. Anything lower
// turns the bounded claim call into a hot loop against Redis.
const minPollInterval = 100 * time.Millisecond

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Redis ────────────────────────────────────────────────────────────────────
	RedisURL       string `env:"REDIS_URL,required,notEmpty"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"gallery"`

	// ── Worker ───────────────────────────────────────────────────────────────────
	// Concurrency is the maximum number of simultaneously running job handlers.
	Concurrency int `env:"CONCURRENCY" envDefault:"2"`
	// MaxRetries is the number of processing attempts before a job is marked failed.
	MaxRetries int `env:"MAX_RETRIES" envDefault:"3"`
	// PollInterval bounds the blocking claim call; a stop signal is observed
	// within one interval.
	PollInterval time.Duration `env:"POLL_INTERVAL_MS" envDefault:"1000ms"`
	// PromoteInterval is the delayed-job promoter tick period. It only needs to
	// be finer than the smallest backoff step (2s).
	PromoteInterval time.Duration `env:"PROMOTE_INTERVAL_MS" envDefault:"5000ms"`

	// ── Retention ────────────────────────────────────────────────────────────────
	// JobRecordTTL bounds how long an abandoned job record can linger.
	JobRecordTTL time.Duration `env:"JOB_RECORD_TTL" envDefault:"24h"`
	// ResultTTL is the caller-visible artifact cache lifetime.
	ResultTTL time.Duration `env:"RESULT_TTL" envDefault:"720h"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Object store ─────────────────────────────────────────────────────────────
	S3Endpoint  string `env:"S3_ENDPOINT"   envDefault:"localhost:9000"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`
	S3Bucket    string `env:"S3_BUCKET"     envDefault:"gallery-uploads"`
	S3UseSSL    bool   `env:"S3_USE_SSL"    envDefault:"false"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables, applying floors
// for values that would destabilize the worker if set too low.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.PollInterval < minPollInterval {
		cfg.PollInterval = minPollInterval
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = 5 * time.Second
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
