package statedb

import (
	"encoding/binary"

	"github.com/Klingon-tech/chainstate/pkg/types"
)

// Key prefixes. All integers are big-endian so that byte order is numeric
// order.
var (
	prefixRecord     = []byte("s/") // s/<row> -> record
	prefixID         = []byte("i/") // i/<height><hash> -> row
	prefixLink       = []byte("n/") // n/<height><prev_hash><row> -> nil
	prefixTip        = []byte("t/") // t/<height><row> -> nil
	prefixReachable  = []byte("r/") // r/<work><^hash><row> -> nil
	prefixBody       = []byte("b/") // b/<row> -> snappy(body)
	prefixRollback   = []byte("u/") // u/<row> -> snappy(rollback)
	prefixPeer       = []byte("o/") // o/<row> -> peer id
	prefixMMR        = []byte("m/") // m/<row> -> mountain range buffer
	prefixQuarantine = []byte("q/") // q/<height><hash> -> reason
	prefixRange      = []byte("a/") // a/<lo><hi> -> snappy(macroblock)

	keyCursor    = []byte("x/cursor")
	keyFossil    = []byte("x/fossil")
	keyLoHorizon = []byte("x/lohorizon")
	keyNextRow   = []byte("x/nextrow")
)

func u64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func join(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func recordKey(row types.RowID) []byte { return join(prefixRecord, row.Bytes()) }

func idKey(height uint64, hash types.Hash) []byte {
	return join(prefixID, u64(height), hash[:])
}

func linkPrefix(height uint64, prev types.Hash) []byte {
	return join(prefixLink, u64(height), prev[:])
}

func linkKey(height uint64, prev types.Hash, row types.RowID) []byte {
	return join(linkPrefix(height, prev), row.Bytes())
}

func tipKey(height uint64, row types.RowID) []byte {
	return join(prefixTip, u64(height), row.Bytes())
}

// reachableKey orders reachable tips by work ascending, and for equal work
// by hash descending, so the last key is the preferred tip.
func reachableKey(rec *Record, row types.RowID) []byte {
	inv := rec.Hash
	for i := range inv {
		inv[i] = ^inv[i]
	}
	w := rec.Work()
	return join(prefixReachable, w[:], inv[:], row.Bytes())
}

func payloadKey(prefix []byte, row types.RowID) []byte { return join(prefix, row.Bytes()) }

func quarantineKey(height uint64, hash types.Hash) []byte {
	return join(prefixQuarantine, u64(height), hash[:])
}

func rangeKey(lo, hi uint64) []byte { return join(prefixRange, u64(lo), u64(hi)) }

// rowFromKeyTail decodes the row id stored in the last 8 bytes of a key.
func rowFromKeyTail(key []byte) types.RowID {
	return types.RowIDFromBytes(key[len(key)-8:])
}
