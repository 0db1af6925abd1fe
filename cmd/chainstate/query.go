package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Klingon-tech/chainstate/internal/chain"
	"github.com/Klingon-tech/chainstate/internal/ledger"
	"github.com/Klingon-tech/chainstate/internal/storage"
	"github.com/Klingon-tech/chainstate/pkg/header"
	"github.com/Klingon-tech/chainstate/pkg/merkle"
	"github.com/Klingon-tech/chainstate/pkg/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cursor, tips and horizons",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(e *engine) error {
			s, err := e.proc.Status()
			if err != nil {
				return err
			}
			h := e.proc.Horizon()
			return printJSON(struct {
				*chain.Status
				Branching     uint64 `json:"branching"`
				Schwarzschild uint64 `json:"schwarzschild"`
			}{s, h.Branching, h.Schwarzschild})
		})
	},
}

var tipsReachable bool

var tipsCmd = &cobra.Command{
	Use:   "tips",
	Short: "List tips, best first with --reachable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(e *engine) error {
			list := e.proc.Tips
			if tipsReachable {
				list = e.proc.ReachableTips
			}
			tips, err := list()
			if err != nil {
				return err
			}
			return printJSON(tips)
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show <height:hash>",
	Short: "Show one stored state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := header.ParseID(args[0])
		if err != nil {
			return err
		}
		return withEngine(func(e *engine) error {
			entry, err := e.proc.Record(id)
			if err != nil {
				return err
			}
			body, ok, err := e.proc.Body(id)
			if err != nil {
				return err
			}
			return printJSON(struct {
				chain.Entry
				HasBody  bool `json:"has_body"`
				BodySize int  `json:"body_size,omitempty"`
			}{entry, ok, len(body)})
		})
	},
}

var proofCmd = &cobra.Command{
	Use:   "proof <height:hash> <target-height>",
	Short: "Prove an ancestor is committed by a state's Definition",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := header.ParseID(args[0])
		if err != nil {
			return err
		}
		target, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid target height %q: %w", args[1], err)
		}
		return withEngine(func(e *engine) error {
			p, err := e.proc.Proof(id, target)
			if err != nil {
				return err
			}
			return printJSON(struct {
				From   header.ID    `json:"from"`
				Target uint64       `json:"target"`
				Path   merkle.Proof `json:"path"`
			}{id, target, p})
		})
	},
}

var predictCmd = &cobra.Command{
	Use:   "predict <height:hash> <kernels-root>",
	Short: "Compute the Definition a child must carry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := header.ParseID(args[0])
		if err != nil {
			return err
		}
		kr, err := types.HexToHash(args[1])
		if err != nil {
			return err
		}
		return withEngine(func(e *engine) error {
			def, err := e.proc.PredictedHash(id, kr)
			if err != nil {
				return err
			}
			fmt.Println(def)
			return nil
		})
	},
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the materialized ledger",
}

var ledgerGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the value of a ledger key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(e *engine) error {
			return e.db.View(func(r storage.Reader) error {
				v, ok, err := ledger.Get(ledger.View(r), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("key %q not set", args[0])
				}
				fmt.Println(string(v))
				return nil
			})
		})
	},
}

var ledgerDigestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Print the ledger digest and content commitment",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(e *engine) error {
			return e.db.View(func(r storage.Reader) error {
				ns := ledger.View(r)
				digest, err := ledger.Digest(ns)
				if err != nil {
					return err
				}
				commitment, n, err := ledger.Commitment(ns)
				if err != nil {
					return err
				}
				return printJSON(struct {
					Digest     types.Hash `json:"digest"`
					Commitment types.Hash `json:"commitment"`
					Entries    int        `json:"entries"`
				}{digest, commitment, n})
			})
		})
	},
}

func init() {
	tipsCmd.Flags().BoolVar(&tipsReachable, "reachable", false, "Only reachable tips, in fork-choice order")
	ledgerCmd.AddCommand(ledgerGetCmd, ledgerDigestCmd)
	rootCmd.AddCommand(statusCmd, tipsCmd, showCmd, proofCmd, predictCmd, ledgerCmd)
}
