package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load with empty path failed: %v", err)
	}

	if cfg.Limiter.MaxRequests != 100 {
		t.Errorf("default max_requests = %d, want 100", cfg.Limiter.MaxRequests)
	}
	if cfg.Limiter.Backend != "local" {
		t.Errorf("default limiter backend = %q, want local", cfg.Limiter.Backend)
	}
	if cfg.Breaker.HalfOpenSuccesses != 3 {
		t.Errorf("default half_open_successes = %d, want 3", cfg.Breaker.HalfOpenSuccesses)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
limiter:
  backend: shared
  max_requests: 25
  window_ms: 10000
  redis_addr: localhost:6379
breaker:
  failure_threshold: 7
  recovery_timeout_ms: 5000
  half_open_successes: 2
pipeline:
  max_file_bytes: 1048576
  max_rows: 1000
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Limiter.Backend != "shared" {
		t.Errorf("limiter backend = %q, want shared", cfg.Limiter.Backend)
	}
	if cfg.Limiter.MaxRequests != 25 {
		t.Errorf("max_requests = %d, want 25", cfg.Limiter.MaxRequests)
	}
	if cfg.Breaker.FailureThreshold != 7 {
		t.Errorf("failure_threshold = %d, want 7", cfg.Breaker.FailureThreshold)
	}
	if cfg.Pipeline.MaxRows != 1000 {
		t.Errorf("max_rows = %d, want 1000", cfg.Pipeline.MaxRows)
	}
	// Values absent from the file keep their defaults.
	if cfg.Service.Workers != 4 {
		t.Errorf("workers = %d, want default 4", cfg.Service.Workers)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("LIMITER_MAX_REQUESTS", "7")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Limiter.MaxRequests != 7 {
		t.Errorf("max_requests = %d, want env override 7", cfg.Limiter.MaxRequests)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Logging.Level)
	}
}

func TestValidate_SharedWithoutRedis(t *testing.T) {
	cfg := Default()
	cfg.Limiter.Backend = "shared"
	cfg.Limiter.RedisAddr = ""

	if err := cfg.Validate(); err == nil {
		t.Error("shared backend without redis_addr should fail validation")
	}
}

func TestValidate_BadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max_requests", func(c *Config) { c.Limiter.MaxRequests = 0 }},
		{"zero window", func(c *Config) { c.Limiter.WindowMs = 0 }},
		{"zero failure threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"unknown intake backend", func(c *Config) { c.Intake.Backend = "ftp" }},
		{"delegate without endpoint", func(c *Config) { c.Delegate.Enabled = true; c.Delegate.Endpoint = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tc.name)
			}
		})
	}
}
