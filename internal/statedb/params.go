package statedb

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack/v4"

	"github.com/Klingon-tech/chainstate/internal/storage"
	"github.com/Klingon-tech/chainstate/pkg/types"
)

// Cursor returns the persisted cursor, zero if none.
func (tx *Tx) Cursor() (Cursor, error) {
	var c Cursor
	b, err := tx.txn.Get(keyCursor)
	if errors.Is(err, storage.ErrNotFound) {
		return c, nil
	}
	if err != nil {
		return c, err
	}
	if err := msgpack.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("decode cursor: %w", err)
	}
	return c, nil
}

// SetCursor persists the cursor.
func (tx *Tx) SetCursor(c Cursor) error {
	if c.IsZero() {
		return tx.txn.Delete(keyCursor)
	}
	b, err := msgpack.Marshal(&c)
	if err != nil {
		return fmt.Errorf("encode cursor: %w", err)
	}
	return tx.txn.Put(keyCursor, b)
}

// Fossil returns the height up to which perishable data has been erased.
// ok is false while nothing has been erased.
func (tx *Tx) Fossil() (uint64, bool, error) {
	return tx.param(keyFossil)
}

// SetFossil persists the fossil height.
func (tx *Tx) SetFossil(h uint64) error {
	return tx.txn.Put(keyFossil, u64(h))
}

// LoHorizon returns the lowest height accepted for new headers.
func (tx *Tx) LoHorizon() (uint64, error) {
	h, _, err := tx.param(keyLoHorizon)
	return h, err
}

// SetLoHorizon persists the lowest accepted height.
func (tx *Tx) SetLoHorizon(h uint64) error {
	return tx.txn.Put(keyLoHorizon, u64(h))
}

func (tx *Tx) param(key []byte) (uint64, bool, error) {
	b, err := tx.txn.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(b) != 8 {
		return 0, false, fmt.Errorf("param %s: bad length %d", key, len(b))
	}
	return binary.BigEndian.Uint64(b), true, nil
}

// Quarantine marks the state (height, hash) as permanently invalid.
func (tx *Tx) Quarantine(height uint64, hash types.Hash, reason string) error {
	return tx.txn.Put(quarantineKey(height, hash), []byte(reason))
}

// Quarantined reports whether (height, hash) is marked invalid, and why.
func (tx *Tx) Quarantined(height uint64, hash types.Hash) (string, bool, error) {
	b, err := tx.txn.Get(quarantineKey(height, hash))
	if errors.Is(err, storage.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

// DropQuarantineBelow forgets invalid markers under height and returns how
// many were removed.
func (tx *Tx) DropQuarantineBelow(height uint64) (int, error) {
	var keys [][]byte
	err := tx.txn.ForEach(prefixQuarantine, func(k, _ []byte) error {
		if binary.BigEndian.Uint64(k[len(prefixQuarantine):]) >= height {
			return errStopScan
		}
		keys = append(keys, k)
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return 0, err
	}
	for _, k := range keys {
		if err := tx.txn.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

var errStopScan = errors.New("stop scan")

// Range is an attached macroblock height range, inclusive.
type Range struct {
	Lo uint64 `json:"lo"`
	Hi uint64 `json:"hi"`
}

// Contains reports whether h lies in the range.
func (r Range) Contains(h uint64) bool { return h >= r.Lo && h <= r.Hi }

// Overlaps reports whether two ranges share a height.
func (r Range) Overlaps(o Range) bool { return r.Lo <= o.Hi && o.Lo <= r.Hi }

// PutRange stores the macroblock for r.
func (tx *Tx) PutRange(r Range, blob []byte) error {
	return tx.txn.Put(rangeKey(r.Lo, r.Hi), snappy.Encode(nil, blob))
}

// RangeBlob loads the macroblock for exactly r.
func (tx *Tx) RangeBlob(r Range) ([]byte, bool, error) {
	return tx.compressed(rangeKey(r.Lo, r.Hi))
}

// DelRange removes the macroblock for r.
func (tx *Tx) DelRange(r Range) error {
	return tx.txn.Delete(rangeKey(r.Lo, r.Hi))
}

// Ranges lists attached ranges by ascending start.
func (tx *Tx) Ranges() ([]Range, error) {
	var out []Range
	err := tx.txn.ForEach(prefixRange, func(k, _ []byte) error {
		k = k[len(prefixRange):]
		out = append(out, Range{
			Lo: binary.BigEndian.Uint64(k),
			Hi: binary.BigEndian.Uint64(k[8:]),
		})
		return nil
	})
	return out, err
}
