package types

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
)

// Work is a 256-bit unsigned cumulative difficulty, stored big-endian so
// that bytewise order equals numeric order.
type Work [32]byte

// WorkFromUint64 returns w = v.
func WorkFromUint64(v uint64) Work {
	return Work(uint256.NewInt(v).Bytes32())
}

// Int returns the value as a uint256.
func (w Work) Int() *uint256.Int {
	return new(uint256.Int).SetBytes32(w[:])
}

// Add returns w + difficulty. The boolean reports overflow.
func (w Work) Add(difficulty uint64) (Work, bool) {
	sum, overflow := new(uint256.Int).AddOverflow(w.Int(), uint256.NewInt(difficulty))
	return Work(sum.Bytes32()), overflow
}

// Cmp compares two work values numerically.
func (w Work) Cmp(o Work) int {
	return bytes.Compare(w[:], o[:])
}

// IsZero reports whether no work has been accumulated.
func (w Work) IsZero() bool {
	return w == Work{}
}

// String returns the decimal value.
func (w Work) String() string {
	return w.Int().Dec()
}

// MarshalJSON encodes the work as a decimal string.
func (w Work) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.String())
}

// UnmarshalJSON decodes a decimal string.
func (w *Work) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return fmt.Errorf("invalid work %q: %w", s, err)
	}
	*w = Work(v.Bytes32())
	return nil
}
