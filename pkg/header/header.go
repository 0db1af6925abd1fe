// Package header defines chain-state headers and their identity.
package header

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/Klingon-tech/chainstate/pkg/crypto"
	"github.com/Klingon-tech/chainstate/pkg/types"
)

// Size is the length of the canonical header encoding.
const Size = 8 + 32 + 8 + 8 + 32 + 32 + 32 + 8

// Header is one chain state.
type Header struct {
	Height      uint64     `json:"height" msgpack:"h"`
	PrevHash    types.Hash `json:"prev_hash" msgpack:"p"`
	Timestamp   uint64     `json:"timestamp" msgpack:"t"`
	Difficulty  uint64     `json:"difficulty" msgpack:"d"`
	ChainWork   types.Work `json:"chain_work" msgpack:"w"`
	Definition  types.Hash `json:"definition" msgpack:"def"`
	KernelsRoot types.Hash `json:"kernels_root" msgpack:"k"`
	Nonce       uint64     `json:"nonce" msgpack:"n"`
}

// Bytes returns the canonical encoding used for hashing.
// Format: height(8) | prev_hash(32) | timestamp(8) | difficulty(8) |
// chain_work(32) | definition(32) | kernels_root(32) | nonce(8)
func (h *Header) Bytes() []byte {
	buf := make([]byte, 0, Size)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = append(buf, h.PrevHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, h.Difficulty)
	buf = append(buf, h.ChainWork[:]...)
	buf = append(buf, h.Definition[:]...)
	buf = append(buf, h.KernelsRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Nonce)
	return buf
}

// Hash computes the header hash.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.Bytes())
}

// ID returns the (height, hash) identity of the header.
func (h *Header) ID() ID {
	return ID{Height: h.Height, Hash: h.Hash()}
}

// IsGenesis reports whether the header is at height zero.
func (h *Header) IsGenesis() bool {
	return h.Height == 0
}

// Definition is the commitment a header carries: the history root over all
// earlier headers joined with the header's own kernels root.
func Definition(historyRoot, kernelsRoot types.Hash) types.Hash {
	return crypto.HashConcat(historyRoot, kernelsRoot)
}

// ID identifies a state by height and hash.
type ID struct {
	Height uint64     `json:"height"`
	Hash   types.Hash `json:"hash"`
}

// String formats the id as "height:hash".
func (id ID) String() string {
	return fmt.Sprintf("%d:%s", id.Height, id.Hash)
}

// ParseID parses the "height:hash" form produced by String.
func ParseID(s string) (ID, error) {
	hs, hashHex, ok := strings.Cut(s, ":")
	if !ok {
		return ID{}, fmt.Errorf("invalid state id %q: want height:hash", s)
	}
	height, err := strconv.ParseUint(hs, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("invalid state height %q: %w", hs, err)
	}
	hash, err := types.HexToHash(hashHex)
	if err != nil {
		return ID{}, fmt.Errorf("invalid state hash: %w", err)
	}
	return ID{Height: height, Hash: hash}, nil
}
