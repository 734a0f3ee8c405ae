package config

import (
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Database  DatabaseConfig     `toml:"database"`
	Scheduler SchedulerConfig    `toml:"scheduler"`
	Routes    map[string]string  `toml:"routes"`
	Prices    map[string]float64 `toml:"prices"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type SchedulerConfig struct {
	IntervalSeconds int `toml:"interval_seconds"`
}

func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "data/sprout.db",
		},
		Scheduler: SchedulerConfig{
			IntervalSeconds: 60,
		},
	}
}

// Load reads a TOML config, falling back to defaults. The file is an optional
// override source: route and price overrides are nice to have, and an absent,
// unreadable or malformed file must never stop the process, so failures are
// logged and the built-in tables apply.
func Load(path string) *Config {
	cfg := DefaultConfig()
	if path == "" {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("config unreadable, using defaults", "path", path, "error", err)
		}
		return cfg
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		slog.Warn("config unparsable, using defaults", "path", path, "error", err)
		return DefaultConfig()
	}
	return cfg
}
