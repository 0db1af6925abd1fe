package types

import "encoding/binary"

// RowID is the opaque storage id of a state record. Zero means "no row".
type RowID uint64

// IsZero reports whether the id refers to no row.
func (r RowID) IsZero() bool {
	return r == 0
}

// Bytes returns the big-endian encoding used in storage keys.
func (r RowID) Bytes() []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(r))
	return b[:]
}

// RowIDFromBytes decodes a big-endian row id.
func RowIDFromBytes(b []byte) RowID {
	return RowID(binary.BigEndian.Uint64(b))
}
