// Package statedb persists state records, their graph indices and their
// payloads inside storage transactions.
package statedb

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v4"

	"github.com/Klingon-tech/chainstate/pkg/header"
	"github.com/Klingon-tech/chainstate/pkg/types"
)

// Flags are the per-record state bits.
type Flags uint8

const (
	// FlagFunctional: a body was supplied and passed context-free checks.
	FlagFunctional Flags = 1 << iota
	// FlagReachable: an unbroken functional chain leads from genesis here.
	FlagReachable
	// FlagActive: the record lies on the materialized path to the cursor.
	FlagActive
)

// Record is one chain-state header plus its graph bookkeeping.
type Record struct {
	Header                header.Header `msgpack:"hdr" json:"header"`
	Hash                  types.Hash    `msgpack:"hash" json:"hash"`
	Prev                  types.RowID   `msgpack:"prev" json:"prev_row"`
	Flags                 Flags         `msgpack:"flags" json:"flags"`
	NumChildren           uint32        `msgpack:"nc" json:"children"`
	NumFunctionalChildren uint32        `msgpack:"nfc" json:"functional_children"`
}

// NewRecord returns an unlinked record for h.
func NewRecord(h *header.Header) *Record {
	return &Record{Header: *h, Hash: h.Hash()}
}

// Height returns the header height.
func (r *Record) Height() uint64 { return r.Header.Height }

// ID returns the (height, hash) identity.
func (r *Record) ID() header.ID { return header.ID{Height: r.Header.Height, Hash: r.Hash} }

// Work returns the cumulative chain work.
func (r *Record) Work() types.Work { return r.Header.ChainWork }

func (r *Record) Functional() bool { return r.Flags&FlagFunctional != 0 }
func (r *Record) Reachable() bool  { return r.Flags&FlagReachable != 0 }
func (r *Record) Active() bool     { return r.Flags&FlagActive != 0 }

// Set turns flag f on or off.
func (r *Record) Set(f Flags, on bool) {
	if on {
		r.Flags |= f
	} else {
		r.Flags &^= f
	}
}

func encodeRecord(r *Record) ([]byte, error) {
	b, err := msgpack.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return b, nil
}

func decodeRecord(b []byte) (*Record, error) {
	var r Record
	if err := msgpack.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &r, nil
}

// Cursor is the persisted pointer to the materialized tip. A zero Row means
// no state has been applied yet.
type Cursor struct {
	Row    types.RowID `msgpack:"row" json:"row"`
	Height uint64      `msgpack:"h" json:"height"`
	Hash   types.Hash  `msgpack:"hash" json:"hash"`
	Work   types.Work  `msgpack:"w" json:"chain_work"`
}

// IsZero reports whether the cursor points at no state.
func (c Cursor) IsZero() bool { return c.Row.IsZero() }

// CursorAt returns the cursor pointing at rec.
func CursorAt(row types.RowID, rec *Record) Cursor {
	return Cursor{Row: row, Height: rec.Height(), Hash: rec.Hash, Work: rec.Work()}
}
