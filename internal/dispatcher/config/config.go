// Package config loads dispatcher configuration from built-in defaults, an
// optional JSON config file, and environment variable overrides, following
// the project's default -> file -> env -> validate pipeline.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable of a dispatcher-server process.
type Config struct {
	InFile  string `json:"in_file"`
	OutFile string `json:"out_file"`

	Host string `json:"host"`
	Port int    `json:"port"`

	WorkTimeoutSeconds  int `json:"work_timeout_seconds"`
	MaxRetries          int `json:"max_retries"`
	RetryBackoffSeconds int `json:"retry_backoff_seconds"`
	BatchSizeMax        int `json:"batch_size_max"`

	ShutdownGraceSeconds int `json:"shutdown_grace_seconds"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	RateLimitPerMinute int `json:"rate_limit_per_minute"`
	RateLimitPerHour   int `json:"rate_limit_per_hour"`
	RateLimitBurst     int `json:"rate_limit_burst"`

	EnableStatusFeed bool `json:"enable_status_feed"`
}

// DefaultConfig returns the dispatcher's documented defaults (spec.md §4.3.1,
// §6.4).
func DefaultConfig() *Config {
	return &Config{
		Host:                 "127.0.0.1",
		Port:                 8000,
		WorkTimeoutSeconds:   600,
		MaxRetries:           3,
		RetryBackoffSeconds:  30,
		BatchSizeMax:         256,
		ShutdownGraceSeconds: 5,
		LogLevel:             "info",
		LogFormat:            "text",
		RateLimitPerMinute:   6000,
		RateLimitPerHour:     200000,
		RateLimitBurst:       200,
		EnableStatusFeed:     true,
	}
}

// WorkTimeout returns WorkTimeoutSeconds as a time.Duration.
func (c *Config) WorkTimeout() time.Duration {
	return time.Duration(c.WorkTimeoutSeconds) * time.Second
}

// ShutdownGrace returns ShutdownGraceSeconds as a time.Duration.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// Load builds a Config from defaults, an optional JSON file at path (missing
// file is tolerated), then environment overrides. It does not validate;
// call Validate once CLI flags (the final, highest-precedence layer) have
// also been applied.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnvironmentOverrides(cfg)

	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func applyEnvironmentOverrides(cfg *Config) {
	if v := os.Getenv("DISPATCHER_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("DISPATCHER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("DISPATCHER_WORK_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkTimeoutSeconds = n
		}
	}
	if v := os.Getenv("DISPATCHER_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv("DISPATCHER_RETRY_BACKOFF"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetryBackoffSeconds = n
		}
	}
	if v := os.Getenv("DISPATCHER_BATCH_SIZE_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BatchSizeMax = n
		}
	}
	if v := os.Getenv("DISPATCHER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DISPATCHER_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("DISPATCHER_ENABLE_STATUS_FEED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.EnableStatusFeed = b
		}
	}
}

// Validate checks that the config is usable, returning a descriptive error
// otherwise.
func (c *Config) Validate() error {
	if c.InFile == "" {
		return fmt.Errorf("config: in_file is required")
	}
	if c.OutFile == "" {
		return fmt.Errorf("config: out_file is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.WorkTimeoutSeconds <= 0 {
		return fmt.Errorf("config: work_timeout_seconds must be positive, got %d", c.WorkTimeoutSeconds)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: max_retries must be non-negative, got %d", c.MaxRetries)
	}
	if c.RetryBackoffSeconds <= 0 {
		return fmt.Errorf("config: retry_backoff_seconds must be positive, got %d", c.RetryBackoffSeconds)
	}
	if c.BatchSizeMax <= 0 {
		return fmt.Errorf("config: batch_size_max must be positive, got %d", c.BatchSizeMax)
	}
	return nil
}
