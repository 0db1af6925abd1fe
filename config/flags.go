package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// Flag names shared by every chainstate command.
const (
	FlagDataDir         = "datadir"
	FlagConfig          = "config"
	FlagBranching       = "branching"
	FlagSchwarzschild   = "schwarzschild"
	FlagMMRCache        = "mmr-cache"
	FlagCheckInvariants = "check-invariants"
	FlagLogLevel        = "log-level"
	FlagLogFile         = "log-file"
	FlagLogJSON         = "log-json"
)

// Flags holds parsed command-line flags.
type Flags struct {
	DataDir string
	Config  string

	// Retention
	Branching     uint64
	Schwarzschild uint64

	MMRCache        int
	CheckInvariants bool

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	fs *pflag.FlagSet
}

// BindFlags registers the node flags on fs. Only flags the user actually
// sets override the config file.
func BindFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}

	fs.StringVar(&f.DataDir, FlagDataDir, "", "Data directory (default: ~/.chainstate)")
	fs.StringVarP(&f.Config, FlagConfig, "c", "", "Config file path (default: <datadir>/chainstate.conf)")

	fs.Uint64Var(&f.Branching, FlagBranching, 0, "Branching horizon in blocks")
	fs.Uint64Var(&f.Schwarzschild, FlagSchwarzschild, 0, "Schwarzschild horizon in blocks (raised to --branching if lower)")
	fs.IntVar(&f.MMRCache, FlagMMRCache, 0, "Rows whose MMR buffer is kept decoded in memory")
	fs.BoolVar(&f.CheckInvariants, FlagCheckInvariants, false, "Audit the state graph on every write (slow)")

	fs.StringVar(&f.LogLevel, FlagLogLevel, "", "Log level (trace, debug, info, warn, error)")
	fs.StringVar(&f.LogFile, FlagLogFile, "", "Log file path")
	fs.BoolVar(&f.LogJSON, FlagLogJSON, false, "Output logs as JSON")

	return f
}

// ApplyFlags applies explicitly set command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	if f == nil || f.fs == nil {
		return
	}
	set := f.fs.Changed

	if set(FlagDataDir) {
		cfg.DataDir = f.DataDir
	}
	if set(FlagBranching) {
		cfg.Horizon.Branching = f.Branching
	}
	if set(FlagSchwarzschild) {
		cfg.Horizon.Schwarzschild = f.Schwarzschild
	}
	if set(FlagMMRCache) {
		cfg.Cache.MMRNodes = f.MMRCache
	}
	if set(FlagCheckInvariants) {
		cfg.CheckInvariants = f.CheckInvariants
	}
	if set(FlagLogLevel) {
		cfg.Log.Level = f.LogLevel
	}
	if set(FlagLogFile) {
		cfg.Log.File = f.LogFile
	}
	if set(FlagLogJSON) {
		cfg.Log.JSON = f.LogJSON
	}
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
func Load(f *Flags) (*Config, error) {
	cfg := Default()

	// Override datadir first, it decides where the config file lives.
	if f != nil && f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}

	if err := EnsureDataDirs(cfg); err != nil {
		return nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	configPath := cfg.ConfigFile()
	if f != nil && f.Config != "" {
		configPath = f.Config
	}

	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, fmt.Errorf("applying config file: %w", err)
	}

	// Flags have the highest precedence.
	ApplyFlags(cfg, f)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}
