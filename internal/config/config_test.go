package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Model.Cycle != 20 || cfg.System.SortStrategy != "block" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"zero cycle":        func(c *Config) { c.Model.Cycle = 0 },
		"no smoothing":      func(c *Config) { c.Model.HalfLife = 0; c.Model.Decay = 0 },
		"memtotal range":    func(c *Config) { c.Model.Memory.MemTotal = -101 },
		"memavail range":    func(c *Config) { c.Model.Memory.MemAvailable = 200 },
		"bad strategy":      func(c *Config) { c.System.SortStrategy = "fifo" },
		"negative cachecap": func(c *Config) { c.System.PolicyCacheCapacity = -1 },
	} {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: validation passed", name)
		}
	}
}

func TestLoadExplicitOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "preheat.toml")
	body := `
[model]
cycle = 5
minsize = 0

[model.memory]
memavailable = 50

[system]
sortstrategy = "path"
exeprefix = ["!/sbin/"]

[persistence]
state_path = "/var/lib/preheat/state.db"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Model.Cycle != 5 || cfg.Model.MinSize != 0 {
		t.Errorf("model overrides lost: %+v", cfg.Model)
	}
	if cfg.Model.Memory.MemAvailable != 50 || cfg.Model.Memory.MemTotal != -5 {
		t.Errorf("memory merge wrong: %+v", cfg.Model.Memory)
	}
	if cfg.System.SortStrategy != "path" {
		t.Errorf("sortstrategy = %q", cfg.System.SortStrategy)
	}
	if len(cfg.System.ExePrefix) != 1 || cfg.System.ExePrefix[0] != "!/sbin/" {
		t.Errorf("exeprefix = %v", cfg.System.ExePrefix)
	}
	// Untouched keys keep their defaults.
	if cfg.System.Autosave != 3600 || !cfg.System.DoScan {
		t.Errorf("defaults lost: %+v", cfg.System)
	}
	if cfg.Persistence.StatePath != "/var/lib/preheat/state.db" {
		t.Errorf("state_path = %q", cfg.Persistence.StatePath)
	}
}

func TestLoadMissingExplicitPathFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("missing explicit config accepted")
	}
}

func TestLoadInvalidValuesRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "preheat.toml")
	if err := os.WriteFile(path, []byte("[model]\ncycle = 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("invalid config accepted")
	}
}

func TestAutosaveIntervalFallback(t *testing.T) {
	cfg := Default()
	if got := cfg.AutosaveInterval(); got != 3600 {
		t.Errorf("fallback interval = %d, want 3600", got)
	}
	cfg.Persistence.AutosaveInterval = 120
	if got := cfg.AutosaveInterval(); got != 120 {
		t.Errorf("explicit interval = %d, want 120", got)
	}
}
