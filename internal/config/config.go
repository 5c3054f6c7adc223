// Package config loads the application configuration from YAML with
// environment variable expansion.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	// DataDir is the shared storage realm: database, leader lock,
	// and spool live under it.
	DataDir string `yaml:"data_dir"`

	// InstanceID identifies this process on the bus and in leader
	// election. Empty means a random id per start.
	InstanceID string `yaml:"instance_id"`

	Database  DatabaseConfig  `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

type DatabaseConfig struct {
	// Path overrides the default <data_dir>/chronotask.db.
	Path string `yaml:"path"`
}

type SchedulerConfig struct {
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	RetentionInterval time.Duration `yaml:"retention_interval"`
	RetentionMaxDays  int           `yaml:"retention_max_days"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Scheduler: SchedulerConfig{
			SweepInterval:     time.Minute,
			RetentionInterval: 24 * time.Hour,
			RetentionMaxDays:  30,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9190",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path over the defaults. Values of the
// form ${VAR} are expanded from the environment before parsing. A
// missing file returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Scheduler.SweepInterval < 0 {
		return fmt.Errorf("scheduler.sweep_interval must not be negative")
	}
	if c.Scheduler.RetentionMaxDays < 0 {
		return fmt.Errorf("scheduler.retention_max_days must not be negative")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

// DatabasePath resolves the database location inside the realm.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.DataDir, "chronotask.db")
}

// LockPath is the leader lock file inside the realm.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "leader.lock")
}

// SpoolDir is the bus spool directory inside the realm.
func (c *Config) SpoolDir() string {
	return filepath.Join(c.DataDir, "bus")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chronotask"
	}
	return filepath.Join(home, ".chronotask")
}
