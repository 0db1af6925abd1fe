package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Klingon-tech/chainstate/config"
	"github.com/Klingon-tech/chainstate/internal/chain"
	"github.com/Klingon-tech/chainstate/internal/ledger"
	"github.com/Klingon-tech/chainstate/internal/log"
	"github.com/Klingon-tech/chainstate/internal/statedb"
	"github.com/Klingon-tech/chainstate/internal/storage"
)

var (
	flags *config.Flags
	cfg   *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "chainstate",
	Short:         "Chain-state graph and fork-choice engine",
	Long:          "Maintains a graph of chain-state headers, materializes the heaviest valid chain into a ledger, and prunes history beyond the configured horizons.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(flags); err != nil {
			return err
		}
		return log.Init(cfg.Log.Level, cfg.Log.JSON, cfg.Log.File)
	},
}

func init() {
	flags = config.BindFlags(rootCmd.PersistentFlags())
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// engine is an opened state store with its processor.
type engine struct {
	db   *storage.BadgerDB
	proc *chain.Processor
}

func openEngine() (*engine, error) {
	db, err := storage.NewBadger(cfg.StateDir())
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	store, err := statedb.Open(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	proc, err := chain.New(store, ledger.New(), cfg.ProcessorOptions())
	if err != nil {
		db.Close()
		return nil, err
	}
	return &engine{db: db, proc: proc}, nil
}

func (e *engine) Close() {
	if err := e.db.Close(); err != nil {
		log.CLI.Error().Err(err).Msg("Closing state db")
	}
}

// withEngine opens the engine for the duration of fn.
func withEngine(fn func(e *engine) error) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(e)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
