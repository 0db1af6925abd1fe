// Package history maintains the distributed mountain range over the state
// graph: every reachable non-genesis row carries the buffer produced by
// appending its parent's hash, so the range at a row commits to all headers
// below it.
package history

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Klingon-tech/chainstate/internal/statedb"
	"github.com/Klingon-tech/chainstate/pkg/header"
	"github.com/Klingon-tech/chainstate/pkg/merkle"
	"github.com/Klingon-tech/chainstate/pkg/types"
)

// Errors.
var (
	ErrUnreachable     = errors.New("state unreachable")
	ErrHorizonExceeded = errors.New("state beyond retention horizon")
	ErrMissingBuffer   = errors.New("mountain range buffer missing")
)

// DefaultCacheSize is the number of row buffers kept in memory.
const DefaultCacheSize = 4096

// MountainRange builds and queries the per-row buffers.
type MountainRange struct {
	cache *lru.Cache[types.RowID, []byte]
}

// New creates a MountainRange with an LRU of cacheSize buffers.
func New(cacheSize int) (*MountainRange, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	c, err := lru.New[types.RowID, []byte](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("mmr cache: %w", err)
	}
	return &MountainRange{cache: c}, nil
}

// Forget drops a row from the cache. Called when the row is deleted.
func (m *MountainRange) Forget(row types.RowID) {
	m.cache.Remove(row)
}

// source resolves buffers through the cache and the transaction. The
// element appended under a row is its parent's hash, which the row's own
// header already carries.
type source struct {
	tx    *statedb.Tx
	cache *lru.Cache[types.RowID, []byte]
}

func (s source) NodeData(key uint64) ([]byte, error) {
	row := types.RowID(key)
	if b, ok := s.cache.Get(row); ok {
		return b, nil
	}
	b, ok, err := s.tx.MMR(row)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: row %d", ErrMissingBuffer, row)
	}
	s.cache.Add(row, b)
	return b, nil
}

func (s source) NodeHash(key uint64) (types.Hash, error) {
	rec, err := s.tx.Record(types.RowID(key))
	if err != nil {
		return types.Hash{}, err
	}
	return rec.Header.PrevHash, nil
}

// at returns the range as of row: the hashes of heights 0..height-1.
func (m *MountainRange) at(tx *statedb.Tx, row types.RowID, rec *statedb.Record) *merkle.DistributedMmr {
	return &merkle.DistributedMmr{
		Count:  rec.Height(),
		Last:   uint64(row),
		Source: source{tx: tx, cache: m.cache},
	}
}

// Append builds and stores the buffer of row from its parent. A row that
// already has a buffer is left alone.
func (m *MountainRange) Append(tx *statedb.Tx, row types.RowID, rec *statedb.Record) error {
	if rec.Height() == 0 {
		return nil
	}
	if _, ok, err := tx.MMR(row); err != nil || ok {
		return err
	}
	if rec.Prev.IsZero() {
		return fmt.Errorf("%w: row %d has no parent", ErrUnreachable, row)
	}

	d := &merkle.DistributedMmr{
		Count:  rec.Height() - 1,
		Last:   uint64(rec.Prev),
		Source: source{tx: tx, cache: m.cache},
	}
	buf, err := d.Append(uint64(row), rec.Header.PrevHash)
	if err != nil {
		return fmt.Errorf("append row %d: %w", row, err)
	}
	return tx.SetMMR(row, buf)
}

// HistoryRoot returns the root over the headers below rec.
func (m *MountainRange) HistoryRoot(tx *statedb.Tx, row types.RowID, rec *statedb.Record) (types.Hash, error) {
	return m.at(tx, row, rec).Root()
}

// Definition returns the commitment rec must carry given its ancestry.
func (m *MountainRange) Definition(tx *statedb.Tx, row types.RowID, rec *statedb.Record) (types.Hash, error) {
	root, err := m.HistoryRoot(tx, row, rec)
	if err != nil {
		return types.Hash{}, err
	}
	return header.Definition(root, rec.Header.KernelsRoot), nil
}

// PredictedHistory returns the history root a successor of rec will have.
func (m *MountainRange) PredictedHistory(tx *statedb.Tx, row types.RowID, rec *statedb.Record) (types.Hash, error) {
	if !rec.Reachable() {
		return types.Hash{}, fmt.Errorf("%w: row %d", ErrUnreachable, row)
	}
	return m.at(tx, row, rec).PredictedRoot(rec.Hash)
}

// PredictedHash returns the Definition a successor of rec committing to
// kernelsRoot must carry.
func (m *MountainRange) PredictedHash(tx *statedb.Tx, row types.RowID, rec *statedb.Record, kernelsRoot types.Hash) (types.Hash, error) {
	root, err := m.PredictedHistory(tx, row, rec)
	if err != nil {
		return types.Hash{}, err
	}
	return header.Definition(root, kernelsRoot), nil
}

// Proof proves that the ancestor of rec at target is committed by
// rec.Header.Definition. The leaf is the ancestor's header hash.
func (m *MountainRange) Proof(tx *statedb.Tx, row types.RowID, rec *statedb.Record, target uint64) (merkle.Proof, error) {
	if !rec.Reachable() {
		return nil, fmt.Errorf("%w: row %d is not reachable", ErrUnreachable, row)
	}
	if target >= rec.Height() {
		return nil, fmt.Errorf("%w: target %d not below %d", ErrUnreachable, target, rec.Height())
	}
	p, err := m.at(tx, row, rec).Proof(target)
	if err != nil {
		return nil, err
	}
	return append(p, merkle.Node{OnRight: true, Hash: rec.Header.KernelsRoot}), nil
}

// CheckRow verifies that a reachable row carries a well-formed buffer.
func (m *MountainRange) CheckRow(tx *statedb.Tx, row types.RowID, rec *statedb.Record) error {
	if !rec.Reachable() || rec.Height() == 0 {
		return nil
	}
	b, ok, err := tx.MMR(row)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: reachable row %d", ErrMissingBuffer, row)
	}
	if want := merkle.BufferSize(rec.Height() - 1); len(b) != want {
		return fmt.Errorf("row %d buffer has %d bytes, want %d", row, len(b), want)
	}
	return nil
}
