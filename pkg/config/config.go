// Package config resolves the kernel's runtime knobs. Defaults come first, an
// optional maestro.yaml overlay merges on top, and environment variables win
// over both.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/maestro-ai/maestro/pkg/checkpoint"
	"github.com/maestro-ai/maestro/pkg/retry"
)

// Sentinel errors for config failures.
var (
	ErrInvalidYAML  = errors.New("invalid YAML configuration")
	ErrInvalidKnob  = errors.New("invalid configuration value")
	ErrMissingValue = errors.New("missing required configuration value")
)

// YAMLFileName is the optional overlay looked up in the config directory.
const YAMLFileName = "maestro.yaml"

// Config carries every runtime knob. Field names mirror the environment
// variables that override them.
type Config struct {
	HTTPPort         int     `yaml:"http_port"`
	MaxConcurrent    int     `yaml:"max_concurrent"`
	MaxRetries       int     `yaml:"max_retries"`
	RetryPolicy      string  `yaml:"retry_policy"`
	BreakerThreshold int     `yaml:"breaker_threshold"`
	BreakerTimeoutS  int     `yaml:"breaker_timeout_s"`
	AgentTimeoutS    int     `yaml:"agent_timeout_s"`
	RunDeadlineS     int     `yaml:"run_deadline_s"`
	StreamHWM        int     `yaml:"stream_hwm"`
	CheckpointStore  string  `yaml:"checkpoint_store"`
	CheckpointPath   string  `yaml:"checkpoint_path"`
	DatabaseURL      string  `yaml:"database_url"`
	MemDeltaWarnMB   float64 `yaml:"mem_delta_warn_mb"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		HTTPPort:         8080,
		MaxConcurrent:    3,
		MaxRetries:       3,
		RetryPolicy:      string(retry.PolicyExponential),
		BreakerThreshold: 5,
		BreakerTimeoutS:  60,
		AgentTimeoutS:    60,
		RunDeadlineS:     600,
		StreamHWM:        1024,
		CheckpointStore:  checkpoint.KindMemory,
		CheckpointPath:   "maestro.db",
		MemDeltaWarnMB:   100,
	}
}

// Load resolves the configuration: defaults, then the maestro.yaml overlay in
// configDir (missing file is fine), then environment variables. The result is
// validated before return.
func Load(configDir string) (*Config, error) {
	cfg := Defaults()

	if configDir != "" {
		overlay, err := loadYAML(filepath.Join(configDir, YAMLFileName))
		if err != nil {
			return nil, err
		}
		if overlay != nil {
			if err := mergo.Merge(&cfg, overlay, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("merge %s: %w", YAMLFileName, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Info("Configuration resolved",
		"http_port", cfg.HTTPPort,
		"max_concurrent", cfg.MaxConcurrent,
		"retry_policy", cfg.RetryPolicy,
		"checkpoint_store", cfg.CheckpointStore)
	return &cfg, nil
}

// loadYAML reads the overlay file; a missing file returns (nil, nil).
func loadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidYAML, path, err)
	}
	return &overlay, nil
}

// applyEnv overrides cfg with any set environment variables. Unparseable
// values are logged and skipped rather than failing startup.
func applyEnv(cfg *Config) {
	envInt("HTTP_PORT", &cfg.HTTPPort)
	envInt("MAX_CONCURRENT", &cfg.MaxConcurrent)
	envInt("MAX_RETRIES", &cfg.MaxRetries)
	envString("RETRY_POLICY", &cfg.RetryPolicy)
	envInt("BREAKER_THRESHOLD", &cfg.BreakerThreshold)
	envInt("BREAKER_TIMEOUT_S", &cfg.BreakerTimeoutS)
	envInt("AGENT_TIMEOUT_S", &cfg.AgentTimeoutS)
	envInt("RUN_DEADLINE_S", &cfg.RunDeadlineS)
	envInt("STREAM_HWM", &cfg.StreamHWM)
	envString("CHECKPOINT_STORE", &cfg.CheckpointStore)
	envString("CHECKPOINT_PATH", &cfg.CheckpointPath)
	envString("DATABASE_URL", &cfg.DatabaseURL)
	envFloat("MEM_DELTA_WARN_MB", &cfg.MemDeltaWarnMB)
}

func envString(name string, target *string) {
	if v := os.Getenv(name); v != "" {
		*target = v
	}
}

func envInt(name string, target *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Ignoring unparseable environment variable", "name", name, "value", v, "error", err)
		return
	}
	*target = n
}

func envFloat(name string, target *float64) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("Ignoring unparseable environment variable", "name", name, "value", v, "error", err)
		return
	}
	*target = f
}

// Validate checks enums and ranges.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("%w: HTTP_PORT %d out of range", ErrInvalidKnob, c.HTTPPort)
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("%w: MAX_CONCURRENT must be positive, got %d", ErrInvalidKnob, c.MaxConcurrent)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("%w: MAX_RETRIES must be positive, got %d", ErrInvalidKnob, c.MaxRetries)
	}
	if _, err := retry.ParsePolicyKind(c.RetryPolicy); err != nil {
		return fmt.Errorf("%w: RETRY_POLICY: %v", ErrInvalidKnob, err)
	}
	if c.BreakerThreshold <= 0 {
		return fmt.Errorf("%w: BREAKER_THRESHOLD must be positive, got %d", ErrInvalidKnob, c.BreakerThreshold)
	}
	if c.StreamHWM <= 0 {
		return fmt.Errorf("%w: STREAM_HWM must be positive, got %d", ErrInvalidKnob, c.StreamHWM)
	}
	switch c.CheckpointStore {
	case checkpoint.KindMemory:
	case checkpoint.KindLocalDurable:
		if c.CheckpointPath == "" {
			return fmt.Errorf("%w: CHECKPOINT_PATH for local_durable store", ErrMissingValue)
		}
	case checkpoint.KindPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL for postgres store", ErrMissingValue)
		}
	default:
		return fmt.Errorf("%w: CHECKPOINT_STORE %q", ErrInvalidKnob, c.CheckpointStore)
	}
	return nil
}

// Policy builds the retry policy from the resolved knobs.
func (c *Config) Policy() retry.Policy {
	return retry.Policy{
		Kind:       retry.PolicyKind(c.RetryPolicy),
		MaxRetries: c.MaxRetries,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// Durations derived from the second-granularity knobs.
func (c *Config) BreakerTimeout() time.Duration { return time.Duration(c.BreakerTimeoutS) * time.Second }
func (c *Config) AgentTimeout() time.Duration   { return time.Duration(c.AgentTimeoutS) * time.Second }
func (c *Config) RunDeadline() time.Duration    { return time.Duration(c.RunDeadlineS) * time.Second }
