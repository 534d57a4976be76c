// Package config provides configuration management for remigrate. Settings
// come from defaults, an optional YAML file, then REMIGRATE_* environment
// variables, each layer overriding the previous one.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/thebtf/remigrate/pkg/models"
)

const (
	// DefaultDir is the migration source directory used when none is set.
	DefaultDir = "migrations"

	// DefaultTable is the ledger table name used when none is set.
	DefaultTable = "migrations"

	// DefaultDriver selects the embedded SQLite backend.
	DefaultDriver = "sqlite"

	// DefaultDSN is the SQLite file used when no DSN is configured.
	DefaultDSN = "remigrate.db"
)

// EnvPrefix is the prefix of every environment variable the loader reads.
const EnvPrefix = "REMIGRATE_"

// ErrConfiguration marks an invalid or inconsistent configuration.
var ErrConfiguration = errors.New("invalid configuration")

// Config holds the full runtime configuration.
type Config struct {
	// Dir is the directory holding the numbered .sql migration files.
	Dir string `yaml:"dir"`
	// Table is the ledger table name.
	Table string `yaml:"table"`
	// Driver selects the database backend: sqlite, postgres, or
	// gorm-postgres.
	Driver string `yaml:"driver"`
	// DSN is the driver-specific connection string.
	DSN string `yaml:"dsn"`
	// CheckHash enables the content-hash integrity audit.
	CheckHash bool `yaml:"check_hash"`
	// ValidateDown enables the up/down/up self-test on every apply.
	ValidateDown bool `yaml:"validate_down"`
	// Force is empty, "false", or "last".
	Force string `yaml:"force"`
	// Watch re-runs reconciliation when the source directory changes.
	Watch bool `yaml:"watch"`
	// Debounce is the quiet period in milliseconds before a watch-triggered
	// re-run.
	Debounce int `yaml:"debounce_ms"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Dir:      DefaultDir,
		Table:    DefaultTable,
		Driver:   DefaultDriver,
		DSN:      DefaultDSN,
		Debounce: 500,
	}
}

// Load builds the configuration from defaults, the YAML file at path (skipped
// when path is empty and the default file is absent), and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = "remigrate.yaml"
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// No config file is fine; defaults plus environment apply.
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from REMIGRATE_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvPrefix + "DIR"); v != "" {
		c.Dir = v
	}
	if v := os.Getenv(EnvPrefix + "TABLE"); v != "" {
		c.Table = v
	}
	if v := os.Getenv(EnvPrefix + "DRIVER"); v != "" {
		c.Driver = v
	}
	if v := os.Getenv(EnvPrefix + "DSN"); v != "" {
		c.DSN = v
	}
	if v := os.Getenv(EnvPrefix + "CHECK_HASH"); v != "" {
		c.CheckHash = parseBool(v, c.CheckHash)
	}
	if v := os.Getenv(EnvPrefix + "VALIDATE_DOWN"); v != "" {
		c.ValidateDown = parseBool(v, c.ValidateDown)
	}
	if v := os.Getenv(EnvPrefix + "FORCE"); v != "" {
		c.Force = v
	}
	if v := os.Getenv(EnvPrefix + "WATCH"); v != "" {
		c.Watch = parseBool(v, c.Watch)
	}
	if v := os.Getenv(EnvPrefix + "DEBOUNCE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Debounce = n
		}
	}
}

// Validate checks field consistency. It is called by Load but exported so
// flag-assembled configurations can be checked too.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("%w: migration directory must not be empty", ErrConfiguration)
	}
	if c.Table == "" {
		return fmt.Errorf("%w: ledger table must not be empty", ErrConfiguration)
	}

	switch c.Driver {
	case "sqlite", "postgres", "gorm-postgres":
	default:
		return fmt.Errorf("%w: unknown driver %q (want sqlite, postgres, or gorm-postgres)",
			ErrConfiguration, c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("%w: dsn must not be empty", ErrConfiguration)
	}

	if _, ok := models.ParseForceMode(strings.TrimSpace(c.Force)); !ok {
		return fmt.Errorf("%w: force must be empty, \"false\", or \"last\", got %q",
			ErrConfiguration, c.Force)
	}
	if c.Debounce <= 0 {
		return fmt.Errorf("%w: debounce_ms must be positive", ErrConfiguration)
	}
	return nil
}

// ForceMode returns the parsed force mode. Validate must have passed.
func (c *Config) ForceMode() models.ForceMode {
	mode, _ := models.ParseForceMode(strings.TrimSpace(c.Force))
	return mode
}

func parseBool(s string, fallback bool) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fallback
	}
	return b
}
