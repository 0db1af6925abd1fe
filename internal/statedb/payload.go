package statedb

import (
	"errors"
	"fmt"

	"github.com/golang/snappy"

	"github.com/Klingon-tech/chainstate/internal/storage"
	"github.com/Klingon-tech/chainstate/pkg/types"
)

// Bodies and rollback blobs are stored snappy-compressed.

// SetBody stores the block body of row.
func (tx *Tx) SetBody(row types.RowID, body []byte) error {
	return tx.txn.Put(payloadKey(prefixBody, row), snappy.Encode(nil, body))
}

// Body loads the body of row. ok is false when none is stored.
func (tx *Tx) Body(row types.RowID) ([]byte, bool, error) {
	return tx.compressed(payloadKey(prefixBody, row))
}

// HasBody reports whether a body is stored for row.
func (tx *Tx) HasBody(row types.RowID) (bool, error) {
	return tx.txn.Has(payloadKey(prefixBody, row))
}

// DelBody erases the body of row.
func (tx *Tx) DelBody(row types.RowID) error {
	return tx.txn.Delete(payloadKey(prefixBody, row))
}

// SetRollback stores the rollback blob captured when row was applied.
func (tx *Tx) SetRollback(row types.RowID, blob []byte) error {
	return tx.txn.Put(payloadKey(prefixRollback, row), snappy.Encode(nil, blob))
}

// Rollback loads the rollback blob of row.
func (tx *Tx) Rollback(row types.RowID) ([]byte, bool, error) {
	return tx.compressed(payloadKey(prefixRollback, row))
}

// DelRollback erases the rollback blob of row.
func (tx *Tx) DelRollback(row types.RowID) error {
	return tx.txn.Delete(payloadKey(prefixRollback, row))
}

// SetPeer records which peer supplied row.
func (tx *Tx) SetPeer(row types.RowID, peer string) error {
	return tx.txn.Put(payloadKey(prefixPeer, row), []byte(peer))
}

// Peer returns the origin peer of row, or "".
func (tx *Tx) Peer(row types.RowID) (string, error) {
	b, err := tx.txn.Get(payloadKey(prefixPeer, row))
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	return string(b), err
}

// DelPeer forgets the origin peer of row.
func (tx *Tx) DelPeer(row types.RowID) error {
	return tx.txn.Delete(payloadKey(prefixPeer, row))
}

// SetMMR stores the mountain range buffer of row.
func (tx *Tx) SetMMR(row types.RowID, buf []byte) error {
	return tx.txn.Put(payloadKey(prefixMMR, row), buf)
}

// MMR loads the mountain range buffer of row.
func (tx *Tx) MMR(row types.RowID) ([]byte, bool, error) {
	b, err := tx.txn.Get(payloadKey(prefixMMR, row))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// DelMMR erases the mountain range buffer of row.
func (tx *Tx) DelMMR(row types.RowID) error {
	return tx.txn.Delete(payloadKey(prefixMMR, row))
}

// ErasePayloads removes every payload of row.
func (tx *Tx) ErasePayloads(row types.RowID) error {
	for _, p := range [][]byte{prefixBody, prefixRollback, prefixPeer, prefixMMR} {
		if err := tx.txn.Delete(payloadKey(p, row)); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Tx) compressed(key []byte) ([]byte, bool, error) {
	b, err := tx.txn.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out, err := snappy.Decode(nil, b)
	if err != nil {
		return nil, false, fmt.Errorf("decompress %q: %w", key[:2], err)
	}
	return out, true, nil
}
