// Package config loads runtime configuration from the environment, with
// an optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every tunable of the service. Optional integrations (Redis,
// ClickHouse, the S3 endpoint override) stay empty when unused.
type Config struct {
	HTTPAddr        string        `env:"FEDWATCH_HTTP_ADDR"        envDefault:":8000"`
	LogLevel        string        `env:"FEDWATCH_LOG_LEVEL"        envDefault:"info"`
	SecretKey       string        `env:"FEDWATCH_SECRET_KEY"`
	ShutdownTimeout time.Duration `env:"FEDWATCH_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	PostgresDSN string `env:"FEDWATCH_POSTGRES_DSN"`

	S3Endpoint  string        `env:"FEDWATCH_S3_ENDPOINT"    envDefault:"s3.amazonaws.com"`
	S3AccessKey string        `env:"FEDWATCH_S3_ACCESS_KEY"`
	S3SecretKey string        `env:"FEDWATCH_S3_SECRET_KEY"`
	S3Region    string        `env:"FEDWATCH_S3_REGION"      envDefault:"us-east-1"`
	S3UseSSL    bool          `env:"FEDWATCH_S3_USE_SSL"     envDefault:"true"`
	S3Timeout   time.Duration `env:"FEDWATCH_S3_TIMEOUT"     envDefault:"30s"`
	S3Attempts  int           `env:"FEDWATCH_S3_ATTEMPTS"    envDefault:"4"`

	// SessionsDir is the single local tree shared by the watcher and the
	// mirror writer, so consumers of either channel see one layout.
	SessionsDir  string        `env:"FEDWATCH_SESSIONS_DIR"  envDefault:"training_sessions"`
	WatchEnabled bool          `env:"FEDWATCH_WATCH_ENABLED" envDefault:"true"`
	SettleDelay  time.Duration `env:"FEDWATCH_SETTLE_DELAY"  envDefault:"500ms"`

	RedisURL      string `env:"FEDWATCH_REDIS_URL"`
	ClickHouseDSN string `env:"FEDWATCH_CLICKHOUSE_DSN"`
}

// Load reads .env if present, then the process environment, then validates
// the fields the service cannot run without.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("Load: parsing environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("Load: %w", err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SecretKey == "" {
		return errors.New("FEDWATCH_SECRET_KEY is required")
	}
	if c.PostgresDSN == "" {
		return errors.New("FEDWATCH_POSTGRES_DSN is required")
	}
	if c.S3AccessKey == "" || c.S3SecretKey == "" {
		return errors.New("FEDWATCH_S3_ACCESS_KEY and FEDWATCH_S3_SECRET_KEY are required")
	}
	if c.S3Attempts < 1 {
		return errors.New("FEDWATCH_S3_ATTEMPTS must be at least 1")
	}
	return nil
}
