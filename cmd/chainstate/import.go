package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Klingon-tech/chainstate/internal/chain"
	"github.com/Klingon-tech/chainstate/internal/events"
	"github.com/Klingon-tech/chainstate/internal/log"
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import headers and bodies from a file",
	Long:  "Reads a JSON array of {header, body, peer} items, as written by gen, and feeds it through the engine.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var items []chain.Item
		if err := json.Unmarshal(data, &items); err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return withEngine(func(e *engine) error {
			return runImport(ctx, e, items)
		})
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}

type importReport struct {
	*chain.ImportResult
	NewTips    int           `json:"new_tips"`
	RolledBack int           `json:"rolled_back"`
	Invalid    int           `json:"invalid"`
	Status     *chain.Status `json:"status"`
}

func runImport(ctx context.Context, e *engine, items []chain.Item) error {
	id, sub := e.proc.Subscribe(events.DefaultBuffer)
	rep := &importReport{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub {
			switch ev.Type() {
			case events.TypeNewTip:
				rep.NewTips++
			case events.TypeRolledBack:
				rep.RolledBack++
			case events.TypeStateInvalid:
				rep.Invalid++
				log.CLI.Warn().Str("event", ev.String()).Msg("State rejected")
				continue
			}
			log.CLI.Debug().Str("event", ev.String()).Msg("Event")
		}
	}()

	res, err := e.proc.ImportBatch(ctx, items)
	e.proc.Unsubscribe(id)
	<-done
	if err != nil {
		return err
	}

	rep.ImportResult = res
	if rep.Status, err = e.proc.Status(); err != nil {
		return err
	}
	log.CLI.Info().
		Int("headers", res.Headers).
		Int("bodies", res.Bodies).
		Int("rejected", res.Rejected).
		Uint64("cursor", rep.Status.Cursor.Height).
		Msg("Import complete")
	return printJSON(rep)
}
