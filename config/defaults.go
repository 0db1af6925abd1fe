package config

import (
	"github.com/Klingon-tech/chainstate/internal/history"
	"github.com/Klingon-tech/chainstate/internal/retention"
)

// Default returns the default node configuration.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Horizon: HorizonConfig{
			Branching:     retention.DefaultBranching,
			Schwarzschild: retention.DefaultSchwarzschild,
		},
		Cache: CacheConfig{
			MMRNodes: history.DefaultCacheSize,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}
