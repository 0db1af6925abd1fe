package header

import (
	"github.com/Klingon-tech/chainstate/pkg/crypto"
	"github.com/Klingon-tech/chainstate/pkg/merkle"
	"github.com/Klingon-tech/chainstate/pkg/types"
)

// GenesisTime is the timestamp of headers produced by a fresh Builder.
const GenesisTime = 1_700_000_000

// BlockInterval is the timestamp step between built headers.
const BlockInterval = 60

// Builder produces well-formed header chains: linked, with accumulated work
// and correct Definitions. Used for devnets and tests.
type Builder struct {
	tip     *Header
	history merkle.Compact
}

// NewBuilder returns a builder whose next header is a genesis.
func NewBuilder() *Builder {
	return &Builder{}
}

// Tip returns the last built header, or nil.
func (b *Builder) Tip() *Header {
	return b.tip
}

// Next builds the successor of the current tip committing to body.
func (b *Builder) Next(difficulty uint64, body []byte) *Header {
	h := &Header{
		Timestamp:   GenesisTime,
		Difficulty:  difficulty,
		KernelsRoot: crypto.Hash(body),
	}
	if b.tip == nil {
		h.ChainWork = types.WorkFromUint64(difficulty)
	} else {
		h.Height = b.tip.Height + 1
		h.PrevHash = b.tip.Hash()
		h.Timestamp = b.tip.Timestamp + BlockInterval
		h.ChainWork, _ = b.tip.ChainWork.Add(difficulty)
	}
	h.Definition = Definition(b.history.Root(), h.KernelsRoot)

	b.history.Append(h.Hash())
	b.tip = h
	return h
}

// Fork returns an independent builder positioned at the same tip.
func (b *Builder) Fork() *Builder {
	return &Builder{
		tip: b.tip,
		history: merkle.Compact{
			Count: b.history.Count,
			Peaks: append([]types.Hash(nil), b.history.Peaks...),
		},
	}
}
