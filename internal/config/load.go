package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// SystemConfigPath is the site-wide config consulted before any user
// or explicit config.
const SystemConfigPath = "/etc/preheat.toml"

// userConfigPath resolves ~/.config/preheat/preheat.toml, empty when
// no home directory is known.
func userConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "preheat", "preheat.toml")
}

// Load merges configuration sources in precedence order: built-in
// defaults, the system config, the user config, then the explicit
// --config path. Later sources override earlier ones key by key. A
// missing explicit path is an error; missing implicit paths are not.
func Load(explicit string) (Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)

	for _, path := range []string{SystemConfigPath, userConfigPath()} {
		if path == "" {
			continue
		}
		if err := mergeFile(v, path, false); err != nil {
			return Config{}, err
		}
	}
	if explicit != "" {
		if err := mergeFile(v, explicit, true); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func mergeFile(v *viper.Viper, path string, required bool) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("config %s: %w", path, err)
	}
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("model.cycle", d.Model.Cycle)
	v.SetDefault("model.use_correlation", d.Model.UseCorrelation)
	v.SetDefault("model.minsize", d.Model.MinSize)
	v.SetDefault("model.active_window", d.Model.ActiveWindow)
	v.SetDefault("model.half_life", d.Model.HalfLife)
	v.SetDefault("model.decay", d.Model.Decay)
	v.SetDefault("model.memory.memtotal", d.Model.Memory.MemTotal)
	v.SetDefault("model.memory.memavailable", d.Model.Memory.MemAvailable)
	v.SetDefault("system.doscan", d.System.DoScan)
	v.SetDefault("system.dopredict", d.System.DoPredict)
	v.SetDefault("system.autosave", d.System.Autosave)
	v.SetDefault("system.exeprefix", d.System.ExePrefix)
	v.SetDefault("system.mapprefix", d.System.MapPrefix)
	v.SetDefault("system.sortstrategy", d.System.SortStrategy)
	v.SetDefault("system.prefetch_concurrency", d.System.PrefetchConcurrency)
	v.SetDefault("system.policy_cache_ttl", d.System.PolicyCacheTTL)
	v.SetDefault("system.policy_cache_capacity", d.System.PolicyCacheCapacity)
	v.SetDefault("system.admin_addr", d.System.AdminAddr)
	v.SetDefault("persistence.state_path", d.Persistence.StatePath)
	v.SetDefault("persistence.autosave_interval", d.Persistence.AutosaveInterval)
	v.SetDefault("persistence.save_on_shutdown", d.Persistence.SaveOnShutdown)
}
