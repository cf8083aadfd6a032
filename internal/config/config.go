package config

import "fmt"

// Config holds all preheat configuration.
type Config struct {
	Model       ModelConfig       `toml:"model" mapstructure:"model"`
	System      SystemConfig      `toml:"system" mapstructure:"system"`
	Persistence PersistenceConfig `toml:"persistence" mapstructure:"persistence"`
}

type ModelConfig struct {
	// Cycle is the tick period in seconds.
	Cycle          uint64 `toml:"cycle" mapstructure:"cycle"`
	UseCorrelation bool   `toml:"use_correlation" mapstructure:"use_correlation"`
	// MinSize is the least total mapped bytes an exe needs to be
	// tracked.
	MinSize      uint64 `toml:"minsize" mapstructure:"minsize"`
	ActiveWindow uint64 `toml:"active_window" mapstructure:"active_window"`
	// HalfLife in seconds; 0 means unset, falling back to Decay.
	HalfLife uint64       `toml:"half_life" mapstructure:"half_life"`
	Decay    float64      `toml:"decay" mapstructure:"decay"`
	Memory   MemoryConfig `toml:"memory" mapstructure:"memory"`
}

type MemoryConfig struct {
	// Percent weights in -100..=100; negative values subtract from
	// the prefetch budget.
	MemTotal     int `toml:"memtotal" mapstructure:"memtotal"`
	MemAvailable int `toml:"memavailable" mapstructure:"memavailable"`
}

type SystemConfig struct {
	DoScan    bool     `toml:"doscan" mapstructure:"doscan"`
	DoPredict bool     `toml:"dopredict" mapstructure:"dopredict"`
	Autosave  uint64   `toml:"autosave" mapstructure:"autosave"`
	ExePrefix []string `toml:"exeprefix" mapstructure:"exeprefix"`
	MapPrefix []string `toml:"mapprefix" mapstructure:"mapprefix"`
	// SortStrategy is one of none, path, block, inode.
	SortStrategy string `toml:"sortstrategy" mapstructure:"sortstrategy"`
	// PrefetchConcurrency: -1 sizes the pool to the CPU count, 0
	// disables prefetch execution.
	PrefetchConcurrency int    `toml:"prefetch_concurrency" mapstructure:"prefetch_concurrency"`
	PolicyCacheTTL      uint64 `toml:"policy_cache_ttl" mapstructure:"policy_cache_ttl"`
	PolicyCacheCapacity int    `toml:"policy_cache_capacity" mapstructure:"policy_cache_capacity"`
	// AdminAddr enables the admin HTTP server when set, e.g.
	// "127.0.0.1:37878".
	AdminAddr string `toml:"admin_addr" mapstructure:"admin_addr"`
}

type PersistenceConfig struct {
	// StatePath is the snapshot database path; empty disables
	// persistence.
	StatePath string `toml:"state_path" mapstructure:"state_path"`
	// AutosaveInterval in seconds; 0 falls back to [system] autosave.
	AutosaveInterval uint64 `toml:"autosave_interval" mapstructure:"autosave_interval"`
	SaveOnShutdown   bool   `toml:"save_on_shutdown" mapstructure:"save_on_shutdown"`
}

// Default returns a Config with the stock defaults.
func Default() Config {
	return Config{
		Model: ModelConfig{
			Cycle:          20,
			UseCorrelation: true,
			MinSize:        100000,
			ActiveWindow:   21600,
			HalfLife:       0,
			Decay:          0.01,
			Memory: MemoryConfig{
				MemTotal:     -5,
				MemAvailable: 95,
			},
		},
		System: SystemConfig{
			DoScan:              true,
			DoPredict:           true,
			Autosave:            3600,
			ExePrefix:           []string{"!/usr/sbin/", "!/usr/local/sbin/", "/usr/", "!/"},
			MapPrefix:           []string{"/usr/", "/lib/", "/var/cache/", "!/"},
			SortStrategy:        "block",
			PrefetchConcurrency: -1,
			PolicyCacheTTL:      300,
			PolicyCacheCapacity: 1024,
			AdminAddr:           "",
		},
		Persistence: PersistenceConfig{
			StatePath:        "",
			AutosaveInterval: 0,
			SaveOnShutdown:   true,
		},
	}
}

// Validate rejects values outside the documented ranges.
func (c *Config) Validate() error {
	if c.Model.Cycle == 0 {
		return fmt.Errorf("model.cycle must be positive")
	}
	if c.Model.HalfLife == 0 && c.Model.Decay <= 0 {
		return fmt.Errorf("one of model.half_life or model.decay must be positive")
	}
	if p := c.Model.Memory.MemTotal; p < -100 || p > 100 {
		return fmt.Errorf("model.memory.memtotal %d out of range -100..=100", p)
	}
	if p := c.Model.Memory.MemAvailable; p < -100 || p > 100 {
		return fmt.Errorf("model.memory.memavailable %d out of range -100..=100", p)
	}
	switch c.System.SortStrategy {
	case "", "none", "path", "block", "inode":
	default:
		return fmt.Errorf("system.sortstrategy %q unknown", c.System.SortStrategy)
	}
	if c.System.PolicyCacheCapacity < 0 {
		return fmt.Errorf("system.policy_cache_capacity must not be negative")
	}
	return nil
}

// AutosaveInterval resolves the effective autosave period in seconds.
func (c *Config) AutosaveInterval() uint64 {
	if c.Persistence.AutosaveInterval > 0 {
		return c.Persistence.AutosaveInterval
	}
	return c.System.Autosave
}
