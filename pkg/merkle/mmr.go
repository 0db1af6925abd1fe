// Package merkle implements the Merkle Mountain Range used to commit to the
// history of chain states.
//
// Elements are appended left to right. A node at Position{H, X} covers the
// elements [X<<H, (X+1)<<H). Peaks are combined from the smallest upward with
// the larger peak on the left, so the root of a range is
//
//	H(P_big || H(P_mid || P_small))
package merkle

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/chainstate/pkg/crypto"
	"github.com/Klingon-tech/chainstate/pkg/types"
)

// ErrOutOfRange is returned for element indices beyond the range size.
var ErrOutOfRange = errors.New("element index out of range")

// Position addresses a node of the range: level H and index X at that level.
type Position struct {
	H uint8
	X uint64
}

// Node is one step of an inclusion proof: the sibling hash and which side
// of the running hash it goes on.
type Node struct {
	OnRight bool       `json:"right"`
	Hash    types.Hash `json:"hash"`
}

// Proof is an ordered path from a leaf up to a root.
type Proof []Node

// Root folds the proof over leaf.
func (p Proof) Root(leaf types.Hash) types.Hash {
	h := leaf
	for _, n := range p {
		h = Interpret(h, n)
	}
	return h
}

// Verify reports whether the proof connects leaf to root.
func (p Proof) Verify(leaf, root types.Hash) bool {
	return p.Root(leaf) == root
}

// Interpret combines a running hash with one proof node.
func Interpret(h types.Hash, n Node) types.Hash {
	if n.OnRight {
		return crypto.HashConcat(h, n.Hash)
	}
	return crypto.HashConcat(n.Hash, h)
}

// Elements is the node storage behind an Mmr.
type Elements interface {
	LoadElement(pos Position) (types.Hash, error)
	SaveElement(pos Position, h types.Hash) error
}

// Mmr is a mountain range of Count elements over arbitrary node storage.
type Mmr struct {
	Count    uint64
	Elements Elements
}

// Append adds an element, saving every node it completes.
func (m *Mmr) Append(h types.Hash) error {
	pos := Position{X: m.Count}
	for {
		if err := m.Elements.SaveElement(pos, h); err != nil {
			return fmt.Errorf("save node %d/%d: %w", pos.H, pos.X, err)
		}
		if pos.X&1 == 0 {
			break
		}
		left, err := m.Elements.LoadElement(Position{H: pos.H, X: pos.X ^ 1})
		if err != nil {
			return fmt.Errorf("load node %d/%d: %w", pos.H, pos.X^1, err)
		}
		h = crypto.HashConcat(left, h)
		pos.H++
		pos.X >>= 1
	}
	m.Count++
	return nil
}

// Root returns the root over all elements, or the zero hash when empty.
func (m *Mmr) Root() (types.Hash, error) {
	h, _, err := m.hashForRange(0, m.Count)
	return h, err
}

// PredictedRoot returns the root the range would have after appending h,
// without modifying anything.
func (m *Mmr) PredictedRoot(h types.Hash) (types.Hash, error) {
	pos := Position{X: m.Count}
	for ; pos.X > 0; pos.H, pos.X = pos.H+1, pos.X>>1 {
		if pos.X&1 == 0 {
			continue
		}
		left, err := m.Elements.LoadElement(Position{H: pos.H, X: pos.X ^ 1})
		if err != nil {
			return types.Hash{}, err
		}
		h = crypto.HashConcat(left, h)
	}
	return h, nil
}

// Proof returns the inclusion proof of element i against Root().
func (m *Mmr) Proof(i uint64) (Proof, error) {
	if i >= m.Count {
		return nil, fmt.Errorf("%w: %d >= %d", ErrOutOfRange, i, m.Count)
	}
	var proof Proof
	var pos Position
	for n := m.Count; n > 0; pos.H, n, i = pos.H+1, n>>1, i>>1 {
		node := Node{OnRight: i&1 == 0}
		pos.X = i ^ 1
		if node.OnRight {
			n0 := pos.X << pos.H
			if n0 >= m.Count {
				continue
			}
			remaining := m.Count - n0
			if remaining>>pos.H == 0 {
				// The right side is an incomplete subtree: merge its peaks.
				h, _, err := m.hashForRange(n0, remaining)
				if err != nil {
					return nil, err
				}
				node.Hash = h
				proof = append(proof, node)
				continue
			}
		}
		h, err := m.Elements.LoadElement(pos)
		if err != nil {
			return nil, fmt.Errorf("load node %d/%d: %w", pos.H, pos.X, err)
		}
		node.Hash = h
		proof = append(proof, node)
	}
	return proof, nil
}

// hashForRange merges the peaks of the n elements starting at n0. n0 must be
// aligned to a power of two greater than n.
func (m *Mmr) hashForRange(n0, n uint64) (types.Hash, bool, error) {
	var h types.Hash
	empty := true
	var pos Position
	for ; n > 0; pos.H, n0, n = pos.H+1, n0>>1, n>>1 {
		if n&1 == 0 {
			continue
		}
		pos.X = (n0 + n) ^ 1
		peak, err := m.Elements.LoadElement(pos)
		if err != nil {
			return types.Hash{}, false, fmt.Errorf("load peak %d/%d: %w", pos.H, pos.X, err)
		}
		if empty {
			h = peak
			empty = false
		} else {
			h = crypto.HashConcat(peak, h)
		}
	}
	return h, !empty, nil
}
