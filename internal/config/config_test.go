package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load("")
	if cfg.Database.Path != "data/sprout.db" {
		t.Errorf("database path = %s", cfg.Database.Path)
	}
	if cfg.Scheduler.IntervalSeconds != 60 {
		t.Errorf("interval = %d, want 60", cfg.Scheduler.IntervalSeconds)
	}
}

// An absent config source is silently ignored, never an error.
func TestLoadMissingFile(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if cfg.Database.Path != "data/sprout.db" {
		t.Errorf("defaults not applied: %s", cfg.Database.Path)
	}
}

// A broken config source degrades to defaults instead of stopping startup.
func TestLoadBrokenFile(t *testing.T) {
	t.Run("Unparsable", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.toml")
		if err := os.WriteFile(path, []byte("not valid toml ["), 0o644); err != nil {
			t.Fatalf("writing config: %v", err)
		}
		cfg := Load(path)
		if cfg.Database.Path != "data/sprout.db" {
			t.Errorf("defaults not applied: %s", cfg.Database.Path)
		}
		if cfg.Scheduler.IntervalSeconds != 60 {
			t.Errorf("interval = %d, want 60", cfg.Scheduler.IntervalSeconds)
		}
	})

	t.Run("Unreadable", func(t *testing.T) {
		// A directory at the config path makes ReadFile fail without
		// the file being absent.
		dir := filepath.Join(t.TempDir(), "config.toml")
		if err := os.Mkdir(dir, 0o755); err != nil {
			t.Fatalf("creating dir: %v", err)
		}
		cfg := Load(dir)
		if cfg.Database.Path != "data/sprout.db" {
			t.Errorf("defaults not applied: %s", cfg.Database.Path)
		}
	})
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[database]
path = "/var/lib/sprout/sprout.db"

[scheduler]
interval_seconds = 15

[routes]
json_validation = "sonnet"

[prices]
"haiku-4.5" = 0.8
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg := Load(path)
	if cfg.Database.Path != "/var/lib/sprout/sprout.db" {
		t.Errorf("database path = %s", cfg.Database.Path)
	}
	if cfg.Scheduler.IntervalSeconds != 15 {
		t.Errorf("interval = %d, want 15", cfg.Scheduler.IntervalSeconds)
	}
	if cfg.Routes["json_validation"] != "sonnet" {
		t.Errorf("routes = %v", cfg.Routes)
	}
	if cfg.Prices["haiku-4.5"] != 0.8 {
		t.Errorf("prices = %v", cfg.Prices)
	}
}
