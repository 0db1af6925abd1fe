package header

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/chainstate/pkg/crypto"
	"github.com/Klingon-tech/chainstate/pkg/types"
)

// Validation errors.
var (
	ErrNilHeader       = errors.New("nil header")
	ErrZeroDifficulty  = errors.New("header difficulty is zero")
	ErrZeroTimestamp   = errors.New("header timestamp is zero")
	ErrBadChainWork    = errors.New("chain work mismatch")
	ErrBadGenesis      = errors.New("genesis must have zero prev hash")
	ErrMissingPrevHash = errors.New("non-genesis header has zero prev hash")
	ErrBadHeight       = errors.New("height is not parent height + 1")
	ErrBadPrevHash     = errors.New("prev hash does not match parent")
	ErrBadBody         = errors.New("body does not match kernels root")
)

// Validate runs the context-free checks on a header.
// Proof-of-work is not verified here.
func (h *Header) Validate() error {
	if h == nil {
		return ErrNilHeader
	}
	if h.Difficulty == 0 {
		return ErrZeroDifficulty
	}
	if h.Timestamp == 0 {
		return ErrZeroTimestamp
	}
	own := types.WorkFromUint64(h.Difficulty)
	if h.ChainWork.Cmp(own) < 0 {
		return fmt.Errorf("%w: chain work %s below own difficulty %d", ErrBadChainWork, h.ChainWork, h.Difficulty)
	}
	if h.IsGenesis() {
		if !h.PrevHash.IsZero() {
			return ErrBadGenesis
		}
		if h.ChainWork != own {
			return fmt.Errorf("%w: genesis work %s, difficulty %d", ErrBadChainWork, h.ChainWork, h.Difficulty)
		}
		return nil
	}
	if h.PrevHash.IsZero() {
		return ErrMissingPrevHash
	}
	return nil
}

// ValidateChild checks h against its parent: linkage and work accumulation.
func (h *Header) ValidateChild(parent *Header) error {
	if h.Height != parent.Height+1 {
		return fmt.Errorf("%w: %d after %d", ErrBadHeight, h.Height, parent.Height)
	}
	if h.PrevHash != parent.Hash() {
		return ErrBadPrevHash
	}
	want, overflow := parent.ChainWork.Add(h.Difficulty)
	if overflow || h.ChainWork != want {
		return fmt.Errorf("%w: got %s, want %s", ErrBadChainWork, h.ChainWork, want)
	}
	return nil
}

// VerifyBody checks that body is the one the header commits to.
func (h *Header) VerifyBody(body []byte) error {
	if crypto.Hash(body) != h.KernelsRoot {
		return ErrBadBody
	}
	return nil
}
