// Package config loads server settings from an optional YAML file and
// MYCOBRAIN_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Store    StoreConfig    `mapstructure:"store"`
	Commands CommandsConfig `mapstructure:"commands"`
	Devices  DevicesConfig  `mapstructure:"devices"`
	Frames   FramesConfig   `mapstructure:"frames"`
	Log      LogConfig      `mapstructure:"log"`
}

type StoreConfig struct {
	// Backend is "sqlite" or "postgres".
	Backend     string `mapstructure:"backend"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type CommandsConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
}

type DevicesConfig struct {
	OnlineWindow time.Duration `mapstructure:"online_window"`
	StaleWindow  time.Duration `mapstructure:"stale_window"`
}

type FramesConfig struct {
	// Retention bounds the diagnostics frame log; older entries are pruned.
	Retention     time.Duration `mapstructure:"retention"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from path (optional, "" skips the file) and the
// environment. Environment keys use the MYCOBRAIN_ prefix with underscores,
// e.g. MYCOBRAIN_STORE_BACKEND=postgres.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.sqlite_path", "./mycobrain.db")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("commands.sweep_interval", 30*time.Second)
	v.SetDefault("commands.default_ttl", time.Hour)
	v.SetDefault("devices.online_window", 2*time.Minute)
	v.SetDefault("devices.stale_window", 10*time.Minute)
	v.SetDefault("frames.retention", 72*time.Hour)
	v.SetDefault("frames.prune_interval", time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetEnvPrefix("MYCOBRAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite backend")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Devices.OnlineWindow >= c.Devices.StaleWindow {
		return fmt.Errorf("devices.online_window must be shorter than devices.stale_window")
	}
	if c.Commands.SweepInterval <= 0 {
		return fmt.Errorf("commands.sweep_interval must be positive")
	}
	return nil
}
