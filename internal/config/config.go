// Package config loads ty.toml: the process-wide tunables §4.3/§4.5 call
// out (GC memory limit and pacing, thread-group size hint). Grounded on
// the pack's go-toml/v2-based config loaders (the teacher itself has no
// config file — everything is a CLI flag); this package follows the
// common "defaults struct, Load overlays a file if present" shape those
// loaders use.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is ty.toml's schema.
type Config struct {
	Memory struct {
		InitialLimitBytes int64   `toml:"initial_limit_bytes"`
		GrowthFactor      float64 `toml:"growth_factor"`
	} `toml:"memory"`

	Threads struct {
		GroupHint int `toml:"group_hint"`
	} `toml:"threads"`

	Log struct {
		Level string `toml:"level"`
	} `toml:"log"`
}

// Default returns the configuration used when no ty.toml is present.
func Default() Config {
	var c Config
	c.Memory.InitialLimitBytes = 1 << 20
	c.Memory.GrowthFactor = 2.0
	c.Threads.GroupHint = 4
	c.Log.Level = "info"
	return c
}

// Load reads path, overlaying it on Default(); a missing file is not an
// error (cmd/ty runs fine with no ty.toml present).
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}
