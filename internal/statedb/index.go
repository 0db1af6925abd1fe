package statedb

import (
	"encoding/binary"

	"github.com/Klingon-tech/chainstate/internal/storage"
	"github.com/Klingon-tech/chainstate/pkg/types"
)

// Tip is an entry of the tip index.
type Tip struct {
	Row    types.RowID
	Height uint64
}

// AddTip adds row to the set of rows without children.
func (tx *Tx) AddTip(row types.RowID, rec *Record) error {
	return tx.txn.Put(tipKey(rec.Height(), row), nil)
}

// DelTip removes row from the tip set.
func (tx *Tx) DelTip(row types.RowID, rec *Record) error {
	return tx.txn.Delete(tipKey(rec.Height(), row))
}

// HasTip reports whether row is in the tip set.
func (tx *Tx) HasTip(row types.RowID, rec *Record) (bool, error) {
	return tx.txn.Has(tipKey(rec.Height(), row))
}

// Tips returns the tip set ordered by height, lowest first.
func (tx *Tx) Tips() ([]Tip, error) {
	var tips []Tip
	err := tx.txn.ForEach(prefixTip, func(k, _ []byte) error {
		tips = append(tips, decodeTip(k))
		return nil
	})
	return tips, err
}

// LowestTip returns the tip with the smallest height.
func (tx *Tx) LowestTip() (Tip, bool, error) {
	k, _, ok, err := storage.First(tx.txn, prefixTip)
	if err != nil || !ok {
		return Tip{}, false, err
	}
	return decodeTip(k), true, nil
}

func decodeTip(k []byte) Tip {
	return Tip{
		Row:    rowFromKeyTail(k),
		Height: binary.BigEndian.Uint64(k[len(prefixTip):]),
	}
}

// AddReachableTip adds row to the set of reachable rows without functional
// children.
func (tx *Tx) AddReachableTip(row types.RowID, rec *Record) error {
	return tx.txn.Put(reachableKey(rec, row), nil)
}

// DelReachableTip removes row from the reachable tip set.
func (tx *Tx) DelReachableTip(row types.RowID, rec *Record) error {
	return tx.txn.Delete(reachableKey(rec, row))
}

// HasReachableTip reports whether row is in the reachable tip set.
func (tx *Tx) HasReachableTip(row types.RowID, rec *Record) (bool, error) {
	return tx.txn.Has(reachableKey(rec, row))
}

// ReachableTips returns the reachable tip set, preferred tip first: greater
// chain work, then the bytewise smaller hash.
func (tx *Tx) ReachableTips() ([]types.RowID, error) {
	var rows []types.RowID
	err := tx.txn.ForEachReverse(prefixReachable, func(k, _ []byte) error {
		rows = append(rows, rowFromKeyTail(k))
		return nil
	})
	return rows, err
}
