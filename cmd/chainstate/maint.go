package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Klingon-tech/chainstate/internal/log"
	"github.com/Klingon-tech/chainstate/pkg/header"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply the retention horizons at the current cursor",
	Long:  "Deletes branches below the branching horizon and erases bodies below the Schwarzschild horizon. Use --branching and --schwarzschild to change them.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(e *engine) error {
			r, err := e.proc.Prune()
			if err != nil {
				return err
			}
			return printJSON(r)
		})
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Audit every state graph invariant",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(e *engine) error {
			if err := e.proc.Check(); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		})
	},
}

var advanceCmd = &cobra.Command{
	Use:   "advance",
	Short: "Re-run fork choice without new input",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(e *engine) error {
			if err := e.proc.Advance(cmd.Context()); err != nil {
				return err
			}
			c, err := e.proc.Cursor()
			if err != nil {
				return err
			}
			return printJSON(c)
		})
	},
}

var evictCmd = &cobra.Command{
	Use:   "evict <height:hash>",
	Short: "Delete a childless, inactive state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := header.ParseID(args[0])
		if err != nil {
			return err
		}
		return withEngine(func(e *engine) error {
			if err := e.proc.Evict(id); err != nil {
				return err
			}
			log.CLI.Info().Str("state", id.String()).Msg("State evicted")
			return nil
		})
	},
}

var invalidateReason string

var invalidateCmd = &cobra.Command{
	Use:   "invalidate <height:hash>",
	Short: "Quarantine an inactive state and its descendants",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := header.ParseID(args[0])
		if err != nil {
			return err
		}
		return withEngine(func(e *engine) error {
			if err := e.proc.Invalidate(cmd.Context(), id, invalidateReason); err != nil {
				return err
			}
			log.CLI.Info().Str("state", id.String()).Str("reason", invalidateReason).Msg("State invalidated")
			return nil
		})
	},
}

var rangeCmd = &cobra.Command{
	Use:   "range",
	Short: "Manage macroblock ranges",
}

var rangeAttachCmd = &cobra.Command{
	Use:   "attach <lo> <hi> <file>",
	Short: "Attach a macroblock covering heights lo..hi",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		lo, hi, err := parseRange(args[0], args[1])
		if err != nil {
			return err
		}
		blob, err := os.ReadFile(args[2])
		if err != nil {
			return err
		}
		return withEngine(func(e *engine) error {
			return e.proc.AttachRange(lo, hi, blob)
		})
	},
}

var rangeDetachCmd = &cobra.Command{
	Use:   "detach <lo> <hi>",
	Short: "Detach the macroblock covering heights lo..hi",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		lo, hi, err := parseRange(args[0], args[1])
		if err != nil {
			return err
		}
		return withEngine(func(e *engine) error {
			return e.proc.DetachRange(lo, hi)
		})
	},
}

var rangeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List attached ranges",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(e *engine) error {
			ranges, err := e.proc.Ranges()
			if err != nil {
				return err
			}
			return printJSON(ranges)
		})
	},
}

var rangeGetOut string

var rangeGetCmd = &cobra.Command{
	Use:   "get <height>",
	Short: "Write the macroblock covering a height",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid height %q: %w", args[0], err)
		}
		return withEngine(func(e *engine) error {
			r, blob, err := e.proc.Macroblock(h)
			if err != nil {
				return err
			}
			if rangeGetOut == "" || rangeGetOut == "-" {
				_, err = os.Stdout.Write(blob)
				return err
			}
			if err := os.WriteFile(rangeGetOut, blob, 0644); err != nil {
				return err
			}
			log.CLI.Info().Uint64("lo", r.Lo).Uint64("hi", r.Hi).Int("bytes", len(blob)).Msg("Macroblock written")
			return nil
		})
	},
}

func parseRange(los, his string) (uint64, uint64, error) {
	lo, err := strconv.ParseUint(los, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid lo %q: %w", los, err)
	}
	hi, err := strconv.ParseUint(his, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid hi %q: %w", his, err)
	}
	return lo, hi, nil
}

func init() {
	invalidateCmd.Flags().StringVar(&invalidateReason, "reason", "operator", "Reason recorded with the event")
	rangeGetCmd.Flags().StringVarP(&rangeGetOut, "out", "o", "-", "Output file (- for stdout)")
	rangeCmd.AddCommand(rangeAttachCmd, rangeDetachCmd, rangeListCmd, rangeGetCmd)
	rootCmd.AddCommand(pruneCmd, checkCmd, advanceCmd, evictCmd, invalidateCmd, rangeCmd)
}
