// Package config loads the runtime configuration from file, environment,
// and defaults, in that order of increasing precedence for the environment.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rostersync/rostersync/internal/planning"
	"github.com/rostersync/rostersync/pkg/errors"
)

// envPrefix namespaces environment overrides, e.g. ROSTERSYNC_STORE_DRIVER.
const envPrefix = "ROSTERSYNC"

// Store selects and parameterizes the storage backend.
type Store struct {
	Driver string `mapstructure:"driver"` // "memory" or "postgres"
	DSN    string `mapstructure:"dsn"`    // postgres connection string
	Seed   string `mapstructure:"seed"`   // optional YAML seed file for the memory driver
}

// Pending configures the pending-link lifecycle.
type Pending struct {
	TTLSeconds           int `mapstructure:"ttl_seconds"`
	MaxAttempts          int `mapstructure:"max_attempts"`
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
}

// Batch configures per-batch evaluation.
type Batch struct {
	Workers        int  `mapstructure:"workers"`
	IncludeDeleted bool `mapstructure:"include_deleted"`
}

// Log configures the structured logger.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
}

// Config is the full runtime configuration.
type Config struct {
	Store   Store   `mapstructure:"store"`
	Pending Pending `mapstructure:"pending"`
	Batch   Batch   `mapstructure:"batch"`
	Log     Log     `mapstructure:"log"`

	// RulesFile optionally overlays dataset rules (ignored fields, link
	// dedup priorities) without code changes.
	RulesFile string `mapstructure:"rules_file"`

	// OutputDir receives plan artifacts; empty disables writing.
	OutputDir string `mapstructure:"output_dir"`
}

// Load reads configuration from the given file (optional), layered under
// ROSTERSYNC_* environment variables and the production defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := planning.DefaultSettings()
	v.SetDefault("store.driver", "memory")
	v.SetDefault("pending.ttl_seconds", int(defaults.PendingTTL/time.Second))
	v.SetDefault("pending.max_attempts", defaults.MaxAttempts)
	v.SetDefault("pending.sweep_interval_seconds", int(defaults.SweepInterval/time.Second))
	v.SetDefault("batch.workers", defaults.Workers)
	v.SetDefault("batch.include_deleted", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("rules_file", "")
	v.SetDefault("output_dir", "")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.NewConfigError("file", "reading config "+path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.NewConfigError("unmarshal", "decoding config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return errors.NewConfigError("store.dsn", "postgres driver requires a DSN", nil)
		}
	default:
		return errors.NewConfigError("store.driver", "unknown driver "+c.Store.Driver, nil)
	}
	if c.Pending.TTLSeconds <= 0 {
		return errors.NewConfigError("pending.ttl_seconds", "must be positive", nil)
	}
	if c.Pending.MaxAttempts <= 0 {
		return errors.NewConfigError("pending.max_attempts", "must be positive", nil)
	}
	if c.Pending.SweepIntervalSeconds <= 0 {
		return errors.NewConfigError("pending.sweep_interval_seconds", "must be positive", nil)
	}
	if c.Batch.Workers < 1 {
		return errors.NewConfigError("batch.workers", "must be at least 1", nil)
	}
	return nil
}

// Settings maps the configuration onto pipeline settings. Partial
// application stays disabled regardless of configuration.
func (c *Config) Settings() planning.Settings {
	return planning.Settings{
		PendingTTL:     time.Duration(c.Pending.TTLSeconds) * time.Second,
		MaxAttempts:    c.Pending.MaxAttempts,
		SweepInterval:  time.Duration(c.Pending.SweepIntervalSeconds) * time.Second,
		AllowPartial:   false,
		IncludeDeleted: c.Batch.IncludeDeleted,
		Workers:        c.Batch.Workers,
	}
}
