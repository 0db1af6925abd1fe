package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"

	"github.com/spf13/cobra"

	"github.com/Klingon-tech/chainstate/internal/chain"
	"github.com/Klingon-tech/chainstate/internal/ledger"
	"github.com/Klingon-tech/chainstate/pkg/header"
)

var genOpts struct {
	out            string
	length         int
	difficulty     uint64
	forkAt         int
	forkLength     int
	forkDifficulty uint64
	shuffle        bool
	seed           uint64
}

var genCmd = &cobra.Command{
	Use:   "gen",
	Short: "Build a devnet import file",
	Long:  "Builds a well-formed header chain with ledger bodies, optionally with a competing fork, and writes it as an import file.",
	// Generating needs no state directory.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := generate()
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(items, "", "  ")
		if err != nil {
			return err
		}
		if genOpts.out == "" || genOpts.out == "-" {
			_, err = os.Stdout.Write(append(data, '\n'))
			return err
		}
		if err := os.WriteFile(genOpts.out, data, 0644); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Wrote %d items to %s\n", len(items), genOpts.out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(genCmd)
	f := genCmd.Flags()
	f.StringVarP(&genOpts.out, "out", "o", "-", "Output file (- for stdout)")
	f.IntVar(&genOpts.length, "length", 100, "Number of states on the main chain, genesis included")
	f.Uint64Var(&genOpts.difficulty, "difficulty", 1, "Difficulty of main chain states")
	f.IntVar(&genOpts.forkAt, "fork-at", -1, "Height the fork branches from (-1 for no fork)")
	f.IntVar(&genOpts.forkLength, "fork-length", 0, "Number of states on the fork")
	f.Uint64Var(&genOpts.forkDifficulty, "fork-difficulty", 2, "Difficulty of fork states")
	f.BoolVar(&genOpts.shuffle, "shuffle", false, "Shuffle items to exercise out-of-order delivery")
	f.Uint64Var(&genOpts.seed, "seed", 1, "Shuffle seed")
}

func generate() ([]chain.Item, error) {
	if genOpts.length < 1 {
		return nil, fmt.Errorf("--length must be at least 1")
	}
	if genOpts.difficulty == 0 || genOpts.forkDifficulty == 0 {
		return nil, fmt.Errorf("difficulty must be non-zero")
	}
	if genOpts.forkAt >= genOpts.length {
		return nil, fmt.Errorf("--fork-at %d is past the main chain", genOpts.forkAt)
	}

	var (
		items []chain.Item
		fork  *header.Builder
	)
	b := header.NewBuilder()
	for i := 0; i < genOpts.length; i++ {
		it, err := buildItem(b, genOpts.difficulty, "main", i)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
		if i == genOpts.forkAt {
			fork = b.Fork()
		}
	}
	if fork != nil {
		for i := 0; i < genOpts.forkLength; i++ {
			it, err := buildItem(fork, genOpts.forkDifficulty, "fork", i)
			if err != nil {
				return nil, err
			}
			items = append(items, it)
		}
	}

	if genOpts.shuffle {
		r := rand.New(rand.NewPCG(genOpts.seed, genOpts.seed^0x9e3779b97f4a7c15))
		r.Shuffle(len(items), func(i, j int) { items[i], items[j] = items[j], items[i] })
	}
	return items, nil
}

func buildItem(b *header.Builder, difficulty uint64, tag string, i int) (chain.Item, error) {
	body, err := ledger.EncodeBody([]ledger.Op{
		{Op: ledger.OpPut, Key: fmt.Sprintf("%s/%d", tag, i%16), Value: fmt.Sprintf("%s-%d", tag, i)},
		{Op: ledger.OpPut, Key: "head", Value: tag},
	})
	if err != nil {
		return chain.Item{}, err
	}
	return chain.Item{Header: b.Next(difficulty, body), Body: body, Peer: "gen"}, nil
}
