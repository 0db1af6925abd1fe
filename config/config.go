// Package config handles node configuration for the chain-state engine.
//
// Settings come from three layers, lowest precedence first:
//   - Built-in defaults
//   - The chainstate.conf file in the data directory
//   - Command-line flags
//
// Horizon parameters are local policy. Two nodes with different horizons
// agree on every state they both keep.
package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/Klingon-tech/chainstate/internal/chain"
	"github.com/Klingon-tech/chainstate/internal/retention"
)

// Config holds node-specific runtime configuration.
type Config struct {
	DataDir string `conf:"datadir"`

	Horizon HorizonConfig
	Cache   CacheConfig
	Log     LogConfig

	// CheckInvariants audits the state graph inside every write.
	CheckInvariants bool `conf:"debug.checkinvariants"`
}

// HorizonConfig holds retention settings, in blocks below the cursor.
type HorizonConfig struct {
	Branching     uint64 `conf:"horizon.branching"`
	Schwarzschild uint64 `conf:"horizon.schwarzschild"`
}

// CacheConfig holds in-memory cache sizes.
type CacheConfig struct {
	MMRNodes int `conf:"cache.mmrnodes"` // Rows whose MMR buffer stays decoded.
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.chainstate
//	macOS:   ~/Library/Application Support/Chainstate
//	Windows: %APPDATA%\Chainstate
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chainstate"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Chainstate")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Chainstate")
		}
		return filepath.Join(home, "AppData", "Roaming", "Chainstate")
	default:
		return filepath.Join(home, ".chainstate")
	}
}

// StateDir returns the Badger directory holding the state graph.
func (c *Config) StateDir() string {
	return filepath.Join(c.DataDir, "state")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "chainstate.conf")
}

// ProcessorOptions converts the configuration into chain.Processor options.
func (c *Config) ProcessorOptions() chain.Options {
	opts := chain.DefaultOptions()
	opts.Horizon = retention.Horizon{
		Branching:     c.Horizon.Branching,
		Schwarzschild: c.Horizon.Schwarzschild,
	}
	opts.CacheSize = c.Cache.MMRNodes
	opts.CheckInvariants = c.CheckInvariants
	return opts
}
