// Package config loads the routine configuration: a YAML file layered over
// built-in defaults, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/HendryAvila/routine/internal/execution"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment overrides.
const (
	EnvDataDir     = "ROUTINE_DATA_DIR"
	EnvLogLevel    = "ROUTINE_LOG_LEVEL"
	EnvMetricsAddr = "ROUTINE_METRICS_ADDR"
)

// Config is the whole configuration file.
type Config struct {
	DataDir          string           `yaml:"data_dir" validate:"required"`
	DefinitionsDir   string           `yaml:"definitions_dir"`
	WatchDefinitions bool             `yaml:"watch_definitions"`
	Aggregation      Aggregation      `yaml:"aggregation"`
	Execution        execution.Config `yaml:"execution"`
	Providers        Providers        `yaml:"providers"`
	Log              Log              `yaml:"log"`
	MetricsAddr      string           `yaml:"metrics_addr"`
}

// Aggregation tunes the context aggregator.
type Aggregation struct {
	// Enabled runs the timer loop; when false snapshots are only taken on
	// demand.
	Enabled         bool          `yaml:"enabled"`
	Interval        time.Duration `yaml:"interval" validate:"gt=0"`
	HistoryCapacity int           `yaml:"history_capacity" validate:"gt=0"`
	MatchThreshold  float64       `yaml:"match_threshold" validate:"gt=0,lt=1"`
}

// Providers selects and configures context providers.
type Providers struct {
	// Enabled lists provider names to poll. Empty enables every registered
	// provider.
	Enabled []string                  `yaml:"enabled"`
	Static  map[string]StaticProvider `yaml:"static" validate:"dive"`
}

// StaticProvider declares a provider that always returns the same fragment.
type StaticProvider struct {
	Dimension string         `yaml:"dimension" validate:"required"`
	Data      map[string]any `yaml:"data"`
	Refresh   time.Duration  `yaml:"refresh" validate:"gte=0"`
}

// Log configures the zap logger.
type Log struct {
	Level       string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

var validate = validator.New()

// Default returns the built-in configuration rooted at ~/.routine.
func Default() Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".routine")
	return Config{
		DataDir:          dataDir,
		DefinitionsDir:   filepath.Join(dataDir, "sops"),
		WatchDefinitions: true,
		Aggregation: Aggregation{
			Enabled:         true,
			Interval:        30 * time.Second,
			HistoryCapacity: 1000,
			MatchThreshold:  0.5,
		},
		Execution: execution.DefaultConfig(),
		Providers: Providers{Enabled: []string{"clock"}},
		Log:       Log{Level: "info"},
	}
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".routine", "config.yaml")
}

// Load reads path over the defaults. An empty path means DefaultPath, and
// a missing default file is not an error; a missing explicit path is.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv(EnvMetricsAddr); v != "" {
		cfg.MetricsAddr = v
	}
}

// Validate checks field ranges and the execution policy.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Execution.ValidationPolicy {
	case "", execution.PolicyHalt, execution.PolicyContinue:
	default:
		return fmt.Errorf("config: execution.validation_policy %q is not halt or continue", c.Execution.ValidationPolicy)
	}
	return nil
}
