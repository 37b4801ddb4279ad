package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kinetiq-dev/kinetiq/pkg/schema"
)

// Config holds runtime configuration for the orchestration core.
// Priority: env vars > config file > defaults.
type Config struct {
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`
	PoolSize int    `yaml:"pool_size"`

	// DefaultStepTimeout applies to steps without an explicit timeout.
	DefaultStepTimeout string `yaml:"default_step_timeout"`
	// DefaultRetryDelay is the backoff between step attempts when a step
	// declares no retry policy.
	DefaultRetryDelay string `yaml:"default_retry_delay"`
	// SchedulerTick is the interval between schedule checks.
	SchedulerTick string `yaml:"scheduler_tick"`

	// StateTimeouts caps how long an execution may sit in a state, keyed by
	// state name (e.g. WAITING_INPUT: "30m").
	StateTimeouts map[string]string `yaml:"state_timeouts"`
}

func Default() Config {
	return Config{
		DBPath:             filepath.Join(kinetiqDir(), "kinetiq.db"),
		LogLevel:           "info",
		PoolSize:           10,
		DefaultStepTimeout: "60s",
		DefaultRetryDelay:  "1s",
		SchedulerTick:      "60s",
	}
}

func kinetiqDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kinetiq"
	}
	return filepath.Join(home, ".kinetiq")
}

// Load builds the effective configuration: defaults, overlaid by the YAML
// file at path (ignored when missing), overlaid by KINETIQ_* env vars.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if uerr := yaml.Unmarshal(data, &cfg); uerr != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, uerr)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, cfg.validate()
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("KINETIQ_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("KINETIQ_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("KINETIQ_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("KINETIQ_DEFAULT_STEP_TIMEOUT"); v != "" {
		cfg.DefaultStepTimeout = v
	}
	if v := os.Getenv("KINETIQ_DEFAULT_RETRY_DELAY"); v != "" {
		cfg.DefaultRetryDelay = v
	}
	if v := os.Getenv("KINETIQ_SCHEDULER_TICK"); v != "" {
		cfg.SchedulerTick = v
	}
}

func (c Config) validate() error {
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	for _, field := range []struct{ name, value string }{
		{"default_step_timeout", c.DefaultStepTimeout},
		{"default_retry_delay", c.DefaultRetryDelay},
		{"scheduler_tick", c.SchedulerTick},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s: invalid duration %q", field.name, field.value)
		}
	}
	for state, value := range c.StateTimeouts {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("state_timeouts[%s]: invalid duration %q", state, value)
		}
	}
	return nil
}

// Duration parses a duration field, returning fallback for empty or invalid
// values. Validation has already rejected malformed config, so the fallback
// only covers unset fields.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// ParsedStateTimeouts converts the string map into typed state timeouts.
func (c Config) ParsedStateTimeouts() map[schema.ExecutionState]time.Duration {
	if len(c.StateTimeouts) == 0 {
		return nil
	}
	out := make(map[schema.ExecutionState]time.Duration, len(c.StateTimeouts))
	for state, value := range c.StateTimeouts {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			out[schema.ExecutionState(state)] = d
		}
	}
	return out
}

// LoadDefinition reads a workflow definition from a YAML file.
func LoadDefinition(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}
	var def schema.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse definition %s: %w", path, err)
	}
	return &def, nil
}
