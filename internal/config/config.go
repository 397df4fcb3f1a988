// Package config loads service configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Limiter    LimiterConfig    `yaml:"limiter"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Intake     IntakeConfig     `yaml:"intake"`
	Storage    StorageConfig    `yaml:"storage"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Delegate   DelegateConfig   `yaml:"delegate"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
}

type ServiceConfig struct {
	PollIntervalMs int `yaml:"poll_interval_ms"`
	Workers        int `yaml:"workers"`
}

func (c ServiceConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

type LoggingConfig struct {
	Format string `yaml:"format"` // "json" | "text"
	Level  string `yaml:"level"`  // "debug" | "info" | "warn" | "error"
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g. ":9090"
}

type PipelineConfig struct {
	MaxFileBytes int64 `yaml:"max_file_bytes"`
	MaxRows      int   `yaml:"max_rows"`
}

type LimiterConfig struct {
	Backend       string `yaml:"backend"` // "local" | "shared"
	MaxRequests   int    `yaml:"max_requests"`
	WindowMs      int    `yaml:"window_ms"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
}

func (c LimiterConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

type BreakerConfig struct {
	FailureThreshold  int `yaml:"failure_threshold"`
	RecoveryTimeoutMs int `yaml:"recovery_timeout_ms"`
	HalfOpenSuccesses int `yaml:"half_open_successes"`
}

func (c BreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutMs) * time.Millisecond
}

type IntakeConfig struct {
	Backend   string `yaml:"backend"` // "local" | "blob"
	Dir       string `yaml:"dir"`
	BucketURL string `yaml:"bucket_url"` // s3://bucket or gs://bucket
	Prefix    string `yaml:"prefix"`
}

type StorageConfig struct {
	Backend   string `yaml:"backend"` // "local" | "blob"
	Dir       string `yaml:"dir"`
	BucketURL string `yaml:"bucket_url"`
	Prefix    string `yaml:"prefix"`
}

type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	Namespace   string `yaml:"namespace"`
}

type DelegateConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Endpoint       string `yaml:"endpoint"`
	TimeoutMs      int    `yaml:"timeout_ms"`
	ThresholdBytes int64  `yaml:"threshold_bytes"`
}

func (c DelegateConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// Default returns the built-in configuration defaults.
func Default() Config {
	return Config{
		Service: ServiceConfig{
			PollIntervalMs: 2000,
			Workers:        4,
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
		},
		Pipeline: PipelineConfig{
			MaxFileBytes: 50 * 1024 * 1024,
			MaxRows:      500000,
		},
		Limiter: LimiterConfig{
			Backend:     "local",
			MaxRequests: 100,
			WindowMs:    60000,
			KeyPrefix:   "ratelimit:",
		},
		Breaker: BreakerConfig{
			FailureThreshold:  5,
			RecoveryTimeoutMs: 30000,
			HalfOpenSuccesses: 3,
		},
		Intake: IntakeConfig{
			Backend: "local",
			Dir:     "./inbox",
		},
		Storage: StorageConfig{
			Backend: "local",
			Dir:     "./results",
			Prefix:  "results/",
		},
		Delegate: DelegateConfig{
			TimeoutMs:      30000,
			ThresholdBytes: 10 * 1024 * 1024,
		},
		Checkpoint: CheckpointConfig{
			Enabled: true,
			Dir:     "./checkpoints",
		},
	}
}

// Load reads configuration from the given YAML file, falling back to
// defaults when path is empty, then applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides selected values from environment variables, so the
// same config file can be reused across deployments.
func (c *Config) applyEnv() {
	c.Logging.Level = getenvDefault("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getenvDefault("LOG_FORMAT", c.Logging.Format)
	c.Intake.Dir = getenvDefault("INTAKE_DIR", c.Intake.Dir)
	c.Storage.Dir = getenvDefault("STORAGE_DIR", c.Storage.Dir)
	c.Limiter.RedisAddr = getenvDefault("REDIS_ADDR", c.Limiter.RedisAddr)
	c.Limiter.RedisPassword = getenvDefault("REDIS_PASSWORD", c.Limiter.RedisPassword)
	c.Catalog.PostgresDSN = getenvDefault("CATALOG_DSN", c.Catalog.PostgresDSN)
	c.Delegate.Endpoint = getenvDefault("DELEGATE_ENDPOINT", c.Delegate.Endpoint)

	if v := os.Getenv("LIMITER_MAX_REQUESTS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			c.Limiter.MaxRequests = parsed
		}
	}
	if v := os.Getenv("LIMITER_WINDOW_MS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			c.Limiter.WindowMs = parsed
		}
	}
}

// Validate checks configuration invariants.
func (c Config) Validate() error {
	if c.Service.Workers < 1 {
		return fmt.Errorf("service.workers must be >= 1, got %d", c.Service.Workers)
	}
	if c.Service.PollIntervalMs < 100 {
		return fmt.Errorf("service.poll_interval_ms must be >= 100, got %d", c.Service.PollIntervalMs)
	}
	if c.Pipeline.MaxFileBytes <= 0 {
		return fmt.Errorf("pipeline.max_file_bytes must be positive, got %d", c.Pipeline.MaxFileBytes)
	}
	if c.Pipeline.MaxRows <= 0 {
		return fmt.Errorf("pipeline.max_rows must be positive, got %d", c.Pipeline.MaxRows)
	}
	if c.Limiter.MaxRequests <= 0 {
		return fmt.Errorf("limiter.max_requests must be positive, got %d", c.Limiter.MaxRequests)
	}
	if c.Limiter.WindowMs <= 0 {
		return fmt.Errorf("limiter.window_ms must be positive, got %d", c.Limiter.WindowMs)
	}
	switch c.Limiter.Backend {
	case "local":
	case "shared":
		if c.Limiter.RedisAddr == "" {
			return fmt.Errorf("limiter.redis_addr required for shared backend")
		}
	default:
		return fmt.Errorf("unknown limiter backend: %s", c.Limiter.Backend)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.RecoveryTimeoutMs <= 0 {
		return fmt.Errorf("breaker.recovery_timeout_ms must be positive, got %d", c.Breaker.RecoveryTimeoutMs)
	}
	if c.Breaker.HalfOpenSuccesses <= 0 {
		return fmt.Errorf("breaker.half_open_successes must be positive, got %d", c.Breaker.HalfOpenSuccesses)
	}
	switch c.Intake.Backend {
	case "local":
		if c.Intake.Dir == "" {
			return fmt.Errorf("intake.dir required for local backend")
		}
	case "blob":
		if c.Intake.BucketURL == "" {
			return fmt.Errorf("intake.bucket_url required for blob backend")
		}
	default:
		return fmt.Errorf("unknown intake backend: %s", c.Intake.Backend)
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir required for local backend")
		}
	case "blob":
		if c.Storage.BucketURL == "" {
			return fmt.Errorf("storage.bucket_url required for blob backend")
		}
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}
	if c.Delegate.Enabled && c.Delegate.Endpoint == "" {
		return fmt.Errorf("delegate.endpoint required when delegate is enabled")
	}
	return nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
