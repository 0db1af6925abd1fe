package merkle

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Klingon-tech/chainstate/pkg/types"
)

// ErrCorruptBuffer is returned when a stored node buffer has the wrong shape.
var ErrCorruptBuffer = errors.New("corrupt mountain range buffer")

// NodeSource resolves the per-element buffers of a DistributedMmr.
//
// Every element is appended under a key chosen by the caller. The buffer
// produced by that append is stored by the caller under the same key, and
// the element hash itself must be recoverable from the key alone.
type NodeSource interface {
	NodeData(key uint64) ([]byte, error)
	NodeHash(key uint64) (types.Hash, error)
}

// DistributedMmr is a mountain range whose nodes are spread over per-element
// buffers. The buffer of element n holds the internal nodes completed when n
// was appended, the keys of the elements carrying their left siblings, and
// the key of the element carrying the previous peak. Each buffer is
// O(log n) bytes and any node is reachable by following keys.
type DistributedMmr struct {
	Count  uint64
	Last   uint64 // key of element Count-1
	Source NodeSource
}

// nextPeak returns the height of the peak completed by element n and the
// index of that peak's first element.
func nextPeak(n uint64) (int, uint64) {
	h := 0
	for x := n; x&1 == 1; x >>= 1 {
		h++
	}
	return h, n - (uint64(1)<<h - 1)
}

// BufferSize returns the byte size of the buffer of element n.
func BufferSize(n uint64) int {
	h, start := nextPeak(n)
	size := h * (types.HashSize + 8)
	if start > 0 {
		size += 8
	}
	return size
}

// Append adds the element hash h under key and returns the buffer the
// caller must store under key.
func (d *DistributedMmr) Append(key uint64, h types.Hash) ([]byte, error) {
	height, start := nextPeak(d.Count)
	buf := make([]byte, BufferSize(d.Count))

	x := d.walker()
	x.out = buf
	x.height = height

	m := Mmr{Count: d.Count, Elements: x}
	if err := m.Append(h); err != nil {
		return nil, err
	}
	if start > 0 {
		prev, err := x.find(start - 1)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint64(buf[height*types.HashSize+height*8:], prev)
	}

	d.Count++
	d.Last = key
	return buf, nil
}

// Root returns the root over all elements.
func (d *DistributedMmr) Root() (types.Hash, error) {
	m := Mmr{Count: d.Count, Elements: d.walker()}
	return m.Root()
}

// PredictedRoot returns the root after a hypothetical append of h.
func (d *DistributedMmr) PredictedRoot(h types.Hash) (types.Hash, error) {
	m := Mmr{Count: d.Count, Elements: d.walker()}
	return m.PredictedRoot(h)
}

// Proof returns the inclusion proof of element i.
func (d *DistributedMmr) Proof(i uint64) (Proof, error) {
	m := Mmr{Count: d.Count, Elements: d.walker()}
	return m.Proof(i)
}

func (d *DistributedMmr) walker() *walker {
	return &walker{
		src:   d.Source,
		count: d.Count,
		stack: []walkNode{{key: d.Last, idx: d.Count - 1}},
	}
}

type walkNode struct {
	key  uint64
	idx  uint64
	data []byte
}

// walker resolves element positions by descending from the last element
// through stored keys. The stack keeps the path so that consecutive lookups
// during one operation reuse already loaded buffers.
type walker struct {
	src   NodeSource
	count uint64
	stack []walkNode

	// Output buffer while appending.
	out    []byte
	height int
}

func (w *walker) load(n *walkNode) ([]byte, error) {
	if n.data != nil {
		return n.data, nil
	}
	data, err := w.src.NodeData(n.key)
	if err != nil {
		return nil, err
	}
	if len(data) != BufferSize(n.idx) {
		return nil, fmt.Errorf("%w: element %d has %d bytes, want %d", ErrCorruptBuffer, n.idx, len(data), BufferSize(n.idx))
	}
	n.data = data
	return data, nil
}

// find returns the key of the element with index target.
func (w *walker) find(target uint64) (uint64, error) {
	if target >= w.count {
		return 0, fmt.Errorf("%w: %d >= %d", ErrOutOfRange, target, w.count)
	}
	for {
		if len(w.stack) == 0 {
			return 0, fmt.Errorf("%w: lost path to element %d", ErrCorruptBuffer, target)
		}
		top := &w.stack[len(w.stack)-1]
		if top.idx == target {
			return top.key, nil
		}
		if top.idx < target {
			w.stack = w.stack[:len(w.stack)-1]
			continue
		}

		data, err := w.load(top)
		if err != nil {
			return 0, err
		}
		h, start := nextPeak(top.idx)
		keys := data[h*types.HashSize:]

		var next walkNode
		if start <= target {
			dn := top.idx - start + 1
			for {
				dn >>= 1
				if target < start+dn {
					next.idx = start + dn - 1
					next.key = binary.BigEndian.Uint64(keys[(h-1)*8:])
					break
				}
				h--
				start += dn
			}
		} else {
			next.idx = start - 1
			next.key = binary.BigEndian.Uint64(keys[h*8:])
		}
		w.stack = append(w.stack, next)
	}
}

// LoadElement implements Elements.
func (w *walker) LoadElement(pos Position) (types.Hash, error) {
	idx := (pos.X+1)<<pos.H - 1
	key, err := w.find(idx)
	if err != nil {
		return types.Hash{}, err
	}
	if pos.H == 0 {
		return w.src.NodeHash(key)
	}
	top := &w.stack[len(w.stack)-1]
	data, err := w.load(top)
	if err != nil {
		return types.Hash{}, err
	}
	var h types.Hash
	copy(h[:], data[int(pos.H-1)*types.HashSize:])
	return h, nil
}

// SaveElement implements Elements. Leaves are not stored: they are the
// hashes the source derives from keys.
func (w *walker) SaveElement(pos Position, h types.Hash) error {
	if pos.H == 0 {
		return nil
	}
	if w.out == nil || int(pos.H) > w.height {
		return fmt.Errorf("unexpected node %d/%d while appending", pos.H, pos.X)
	}
	// The left sibling was the last element resolved.
	top := w.stack[len(w.stack)-1]
	if top.idx != w.count-uint64(1)<<(pos.H-1) {
		return fmt.Errorf("%w: sibling carrier %d for level %d", ErrCorruptBuffer, top.idx, pos.H)
	}
	copy(w.out[int(pos.H-1)*types.HashSize:], h[:])
	binary.BigEndian.PutUint64(w.out[w.height*types.HashSize+int(pos.H-1)*8:], top.key)
	return nil
}
