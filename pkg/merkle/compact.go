package merkle

import (
	"github.com/Klingon-tech/chainstate/pkg/crypto"
	"github.com/Klingon-tech/chainstate/pkg/types"
)

// Compact keeps only the peaks of a range. It can append and compute the
// root but cannot produce proofs.
type Compact struct {
	Count uint64
	Peaks []types.Hash
}

// Append adds an element.
func (c *Compact) Append(h types.Hash) {
	c.Peaks = append(c.Peaks, h)
	for n := c.Count; n&1 == 1; n >>= 1 {
		last := len(c.Peaks) - 1
		c.Peaks[last-1] = crypto.HashConcat(c.Peaks[last-1], c.Peaks[last])
		c.Peaks = c.Peaks[:last]
	}
	c.Count++
}

// Root returns the root, or the zero hash when empty.
func (c *Compact) Root() types.Hash {
	if len(c.Peaks) == 0 {
		return types.Hash{}
	}
	h := c.Peaks[len(c.Peaks)-1]
	for i := len(c.Peaks) - 2; i >= 0; i-- {
		h = crypto.HashConcat(c.Peaks[i], h)
	}
	return h
}

// PredictedRoot returns the root after a hypothetical append of h.
func (c *Compact) PredictedRoot(h types.Hash) types.Hash {
	clone := Compact{Count: c.Count, Peaks: append([]types.Hash(nil), c.Peaks...)}
	clone.Append(h)
	return clone.Root()
}
