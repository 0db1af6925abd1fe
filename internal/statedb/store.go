package statedb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/Klingon-tech/chainstate/internal/storage"
	"github.com/Klingon-tech/chainstate/pkg/types"
)

// Errors.
var (
	ErrNotFound = errors.New("state not found")
	ErrReadOnly = errors.New("write in read-only transaction")
)

// Store is the typed state database over a key/value store.
type Store struct {
	db      storage.DB
	lastRow atomic.Uint64
}

// Open wraps db, restoring the row id counter.
func Open(db storage.DB) (*Store, error) {
	s := &Store{db: db}
	v, err := db.Get(keyNextRow)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load row counter: %w", err)
	case len(v) != 8:
		return nil, fmt.Errorf("load row counter: bad length %d", len(v))
	default:
		s.lastRow.Store(binary.BigEndian.Uint64(v))
	}
	return s, nil
}

// DB returns the underlying key/value store.
func (s *Store) DB() storage.DB { return s.db }

// Update runs fn in one read-write transaction.
func (s *Store) Update(fn func(tx *Tx) error) error {
	return s.db.Update(func(txn storage.Txn) error {
		return fn(&Tx{txn: txn, store: s})
	})
}

// View runs fn against a read-only snapshot.
func (s *Store) View(fn func(tx *Tx) error) error {
	return s.db.View(func(r storage.Reader) error {
		return fn(&Tx{txn: readOnly{r}, store: s})
	})
}

// readOnly rejects writes on a snapshot.
type readOnly struct{ storage.Reader }

func (readOnly) Put(key, value []byte) error { return ErrReadOnly }
func (readOnly) Delete(key []byte) error     { return ErrReadOnly }

// Tx is a typed view over one storage transaction.
type Tx struct {
	txn   storage.Txn
	store *Store
}

// Txn exposes the raw transaction, for collaborators that keep their own
// data in the same atomic scope.
func (tx *Tx) Txn() storage.Txn { return tx.txn }

// NewRowID allocates a row id. Ids are never reused within the process,
// even if the transaction is later discarded.
func (tx *Tx) NewRowID() (types.RowID, error) {
	id := tx.store.lastRow.Add(1)
	if err := tx.txn.Put(keyNextRow, u64(id)); err != nil {
		return 0, err
	}
	return types.RowID(id), nil
}

// Record loads the record of row.
func (tx *Tx) Record(row types.RowID) (*Record, error) {
	b, err := tx.txn.Get(recordKey(row))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: row %d", ErrNotFound, row)
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(b)
}

// PutRecord overwrites the record of row. Identity and link indices are not
// touched; use InsertRecord for new rows.
func (tx *Tx) PutRecord(row types.RowID, rec *Record) error {
	b, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return tx.txn.Put(recordKey(row), b)
}

// InsertRecord writes a new record with its identity and link indices.
func (tx *Tx) InsertRecord(row types.RowID, rec *Record) error {
	if err := tx.PutRecord(row, rec); err != nil {
		return err
	}
	if err := tx.txn.Put(idKey(rec.Height(), rec.Hash), row.Bytes()); err != nil {
		return err
	}
	return tx.txn.Put(linkKey(rec.Height(), rec.Header.PrevHash, row), nil)
}

// DeleteRecord removes the record and its identity and link indices. Tip
// index entries and payloads are the caller's responsibility.
func (tx *Tx) DeleteRecord(row types.RowID, rec *Record) error {
	for _, k := range [][]byte{
		recordKey(row),
		idKey(rec.Height(), rec.Hash),
		linkKey(rec.Height(), rec.Header.PrevHash, row),
	} {
		if err := tx.txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Find returns the row of the state (height, hash).
func (tx *Tx) Find(height uint64, hash types.Hash) (types.RowID, error) {
	b, err := tx.txn.Get(idKey(height, hash))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("%w: %d:%s", ErrNotFound, height, hash)
	}
	if err != nil {
		return 0, err
	}
	return types.RowIDFromBytes(b), nil
}

// StatesAt returns every row at height.
func (tx *Tx) StatesAt(height uint64) ([]types.RowID, error) {
	var rows []types.RowID
	err := tx.txn.ForEach(join(prefixID, u64(height)), func(_, v []byte) error {
		rows = append(rows, types.RowIDFromBytes(v))
		return nil
	})
	return rows, err
}

// LinkedTo returns the rows at height whose header names prev as parent.
// For an existing parent these are exactly its children.
func (tx *Tx) LinkedTo(height uint64, prev types.Hash) ([]types.RowID, error) {
	var rows []types.RowID
	err := tx.txn.ForEach(linkPrefix(height, prev), func(k, _ []byte) error {
		rows = append(rows, rowFromKeyTail(k))
		return nil
	})
	return rows, err
}

// Rows calls fn for every record in row id order.
func (tx *Tx) Rows(fn func(row types.RowID, rec *Record) error) error {
	return tx.txn.ForEach(prefixRecord, func(k, v []byte) error {
		rec, err := decodeRecord(v)
		if err != nil {
			return err
		}
		return fn(rowFromKeyTail(k), rec)
	})
}
