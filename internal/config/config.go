// Package config loads the conductor configuration from YAML with
// environment overrides and validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/conductor/internal/manager"
	"github.com/haasonsaas/conductor/pkg/models"
)

// StoreConfig selects the durable store backend.
type StoreConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

// QueueConfig tunes the queue manager.
type QueueConfig struct {
	LeaseDuration time.Duration `yaml:"lease_duration"`
	MaxAttempts   int           `yaml:"max_attempts"`
	HighWaterMark int           `yaml:"high_water_mark"`
	DedupWindow   time.Duration `yaml:"dedup_window"`
}

// ExecutorConfig tunes the worker pool and loop defaults.
type ExecutorConfig struct {
	Workers          int           `yaml:"workers"`
	MaxIterations    int           `yaml:"max_iterations"`
	StepTimeout      time.Duration `yaml:"step_timeout"`
	ProviderTimeout  time.Duration `yaml:"provider_timeout"`
	KeepRecent       int           `yaml:"keep_recent"`
	DefaultProvider  string        `yaml:"default_provider"`
	FallbackProvider string        `yaml:"fallback_provider"`
}

// GatewayConfig tunes provider retry behavior.
type GatewayConfig struct {
	MaxRetries         int           `yaml:"max_retries"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
	ReservedCompletion int           `yaml:"reserved_completion"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the prometheus listener.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Config is the root configuration document.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Queue    QueueConfig    `yaml:"queue"`
	Executor ExecutorConfig `yaml:"executor"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Logging  LogConfig      `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`

	// Providers and Tools are registered at boot.
	Providers []models.ProviderDescriptor `yaml:"providers"`
	Tools     []models.ToolDescriptor     `yaml:"tools"`

	// Agents are named configuration bundles parameterizing jobs.
	Agents map[string]manager.AgentConfig `yaml:"agents"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Store:   StoreConfig{Driver: "sqlite", Path: "conductor.db"},
		Logging: LogConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Listen: ":9464"},
	}
}

// Load reads the YAML file at path, applies env overrides, and validates.
// A missing path returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				applyEnv(cfg)
				return cfg, cfg.validate()
			}
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	applyEnv(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CONDUCTOR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CONDUCTOR_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("CONDUCTOR_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CONDUCTOR_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("CONDUCTOR_METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}
	if v := os.Getenv("CONDUCTOR_DEFAULT_PROVIDER"); v != "" {
		cfg.Executor.DefaultProvider = v
	}
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		return fmt.Errorf("sqlite store needs a path")
	}
	for i := range c.Providers {
		if c.Providers[i].ID == "" || c.Providers[i].Kind == "" {
			return fmt.Errorf("provider %d needs id and kind", i)
		}
	}
	for i := range c.Tools {
		if _, _, _, err := models.ParseRouterKey(c.Tools[i].RouterKey); err != nil {
			return fmt.Errorf("tool %d: %w", i, err)
		}
	}
	return nil
}
