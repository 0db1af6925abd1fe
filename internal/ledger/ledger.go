// Package ledger is a minimal key/value state machine used as the body
// applier of the engine. A body is a JSON list of put and delete operations.
package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v4"

	"github.com/Klingon-tech/chainstate/internal/forkchoice"
	"github.com/Klingon-tech/chainstate/internal/log"
	"github.com/Klingon-tech/chainstate/internal/statedb"
	"github.com/Klingon-tech/chainstate/internal/storage"
	"github.com/Klingon-tech/chainstate/pkg/crypto"
	"github.com/Klingon-tech/chainstate/pkg/types"
)

// Namespace is the key prefix the ledger owns inside the engine store.
var Namespace = []byte("l/")

// Key prefixes inside the namespace.
var (
	prefixValue = []byte("v/")
	keyDigest   = []byte("d")
)

// Operation kinds.
const (
	OpPut = "put"
	OpDel = "del"
)

// Op is one body operation.
type Op struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// EncodeBody serializes ops as a body.
func EncodeBody(ops []Op) ([]byte, error) {
	return json.Marshal(ops)
}

// DecodeBody parses and checks a body. Every failure wraps
// forkchoice.ErrInvalid.
func DecodeBody(body []byte) ([]Op, error) {
	var ops []Op
	if err := json.Unmarshal(body, &ops); err != nil {
		return nil, fmt.Errorf("%w: decode body: %v", forkchoice.ErrInvalid, err)
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: empty body", forkchoice.ErrInvalid)
	}
	for i, op := range ops {
		if op.Key == "" {
			return nil, fmt.Errorf("%w: op %d: empty key", forkchoice.ErrInvalid, i)
		}
		if op.Op != OpPut && op.Op != OpDel {
			return nil, fmt.Errorf("%w: op %d: unknown kind %q", forkchoice.ErrInvalid, i, op.Op)
		}
	}
	return ops, nil
}

// UndoEntry is the value a key held before an applied body touched it.
type UndoEntry struct {
	Key     string `msgpack:"k"`
	Prev    []byte `msgpack:"p"`
	Existed bool   `msgpack:"e"`
}

// UndoData stores the information needed to revert one body.
type UndoData struct {
	Entries []UndoEntry `msgpack:"entries"`
	Digest  types.Hash  `msgpack:"digest"`
}

// Ledger implements forkchoice.BodyApplier.
type Ledger struct{}

// New returns a Ledger.
func New() *Ledger { return &Ledger{} }

func valueKey(key string) []byte {
	return append(append([]byte(nil), prefixValue...), key...)
}

// Apply applies body and returns the undo blob.
func (l *Ledger) Apply(ctx context.Context, txn storage.Txn, rec *statedb.Record, body []byte) ([]byte, error) {
	ops, err := DecodeBody(body)
	if err != nil {
		return nil, err
	}
	ns := storage.NewPrefixTxn(txn, Namespace)

	digest, err := Digest(ns)
	if err != nil {
		return nil, err
	}
	undo := &UndoData{Digest: digest}

	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		k := valueKey(op.Key)
		prev, err := ns.Get(k)
		existed := err == nil
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("get %q: %w", op.Key, err)
		}
		undo.Entries = append(undo.Entries, UndoEntry{Key: op.Key, Prev: prev, Existed: existed})

		switch op.Op {
		case OpPut:
			err = ns.Put(k, []byte(op.Value))
		case OpDel:
			if !existed {
				return nil, fmt.Errorf("%w: op %d: delete of missing key %q", forkchoice.ErrInvalid, i, op.Key)
			}
			err = ns.Delete(k)
		}
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", op.Op, op.Key, err)
		}
	}

	if err := ns.Put(keyDigest, nextDigest(digest, rec.Hash).Bytes()); err != nil {
		return nil, err
	}
	blob, err := msgpack.Marshal(undo)
	if err != nil {
		return nil, fmt.Errorf("encode undo: %w", err)
	}
	log.Ledger.Trace().Uint64("height", rec.Height()).Int("ops", len(ops)).Msg("Body applied")
	return blob, nil
}

// Revert undoes an Apply using its undo blob.
func (l *Ledger) Revert(_ context.Context, txn storage.Txn, rec *statedb.Record, rollback []byte) error {
	var undo UndoData
	if err := msgpack.Unmarshal(rollback, &undo); err != nil {
		return fmt.Errorf("decode undo for %s: %w", rec.ID(), err)
	}
	ns := storage.NewPrefixTxn(txn, Namespace)

	// Restore in reverse order so a key touched twice ends at its first
	// previous value.
	for i := len(undo.Entries) - 1; i >= 0; i-- {
		e := undo.Entries[i]
		var err error
		if e.Existed {
			err = ns.Put(valueKey(e.Key), e.Prev)
		} else {
			err = ns.Delete(valueKey(e.Key))
		}
		if err != nil {
			return fmt.Errorf("restore %q: %w", e.Key, err)
		}
	}

	if undo.Digest.IsZero() {
		return ns.Delete(keyDigest)
	}
	return ns.Put(keyDigest, undo.Digest.Bytes())
}

func nextDigest(prev, state types.Hash) types.Hash {
	return crypto.HashConcat(prev, state)
}

// Digest returns the running digest over every applied state, or the zero
// hash before the first one.
func Digest(r storage.Reader) (types.Hash, error) {
	var h types.Hash
	b, err := r.Get(keyDigest)
	if errors.Is(err, storage.ErrNotFound) {
		return h, nil
	}
	if err != nil {
		return h, err
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("ledger digest: bad length %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// View returns a reader over the ledger namespace of r.
func View(r storage.Reader) storage.Reader {
	return storage.NewPrefixReader(r, Namespace)
}

// Get returns the value of key. ns must be a ledger namespace reader.
func Get(ns storage.Reader, key string) ([]byte, bool, error) {
	v, err := ns.Get(valueKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Commitment hashes every key/value pair in key order. It returns the zero
// hash for an empty ledger.
func Commitment(ns storage.Reader) (types.Hash, int, error) {
	var parts [][]byte
	n := 0
	err := ns.ForEach(prefixValue, func(k, v []byte) error {
		k = k[len(prefixValue):]
		var lens [8]byte
		binary.BigEndian.PutUint32(lens[:4], uint32(len(k)))
		binary.BigEndian.PutUint32(lens[4:], uint32(len(v)))
		parts = append(parts, lens[:], k, v)
		n++
		return nil
	})
	if err != nil {
		return types.Hash{}, 0, fmt.Errorf("ledger commitment: %w", err)
	}
	if n == 0 {
		return types.Hash{}, 0, nil
	}
	return crypto.HashParts(parts...), n, nil
}
