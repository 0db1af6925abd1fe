package config

import (
	"fmt"
	"strings"
)

// Validate checks runtime node config for obvious operator mistakes.
// A Schwarzschild horizon below the branching horizon is raised to match.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("datadir must not be empty")
	}
	if cfg.Horizon.Branching == 0 {
		return fmt.Errorf("horizon.branching must be positive")
	}
	if cfg.Horizon.Schwarzschild < cfg.Horizon.Branching {
		cfg.Horizon.Schwarzschild = cfg.Horizon.Branching
	}
	if cfg.Cache.MMRNodes <= 0 {
		return fmt.Errorf("cache.mmrnodes must be positive")
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	switch cfg.Log.Level {
	case "", "trace", "debug", "info", "warn", "error", "disabled":
	default:
		return fmt.Errorf("log.level %q is not a known level", cfg.Log.Level)
	}
	return nil
}
