package storage

import (
	"sort"
	"strings"
	"sync"
)

// MemoryDB implements DB using an in-memory map. Update holds the write lock
// for the whole transaction, so transactions are serialized.
type MemoryDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates a new in-memory database.
func NewMemory() *MemoryDB {
	return &MemoryDB{
		data: make(map[string][]byte),
	}
}

// Update runs fn in a buffered transaction and applies its writes on success.
func (m *MemoryDB) Update(fn func(txn Txn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := &memTxn{base: m.data, pending: make(map[string][]byte)}
	if err := fn(txn); err != nil {
		return err
	}
	for k, v := range txn.pending {
		if v == nil {
			delete(m.data, k)
		} else {
			m.data[k] = v
		}
	}
	return nil
}

// View runs fn under the read lock.
func (m *MemoryDB) View(fn func(txn Reader) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTxn{base: m.data})
}

// Get retrieves a value by key.
func (m *MemoryDB) Get(key []byte) ([]byte, error) {
	var v []byte
	err := m.View(func(txn Reader) error {
		var err error
		v, err = txn.Get(key)
		return err
	})
	return v, err
}

// Put stores a key-value pair.
func (m *MemoryDB) Put(key, value []byte) error {
	return m.Update(func(txn Txn) error { return txn.Put(key, value) })
}

// Delete removes a key.
func (m *MemoryDB) Delete(key []byte) error {
	return m.Update(func(txn Txn) error { return txn.Delete(key) })
}

// Has checks if a key exists.
func (m *MemoryDB) Has(key []byte) (bool, error) {
	var ok bool
	err := m.View(func(txn Reader) error {
		var err error
		ok, err = txn.Has(key)
		return err
	})
	return ok, err
}

// ForEach iterates over all keys with the given prefix in ascending order.
func (m *MemoryDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return m.View(func(txn Reader) error { return txn.ForEach(prefix, fn) })
}

// ForEachReverse iterates over all keys with the given prefix in descending order.
func (m *MemoryDB) ForEachReverse(prefix []byte, fn func(key, value []byte) error) error {
	return m.View(func(txn Reader) error { return txn.ForEachReverse(prefix, fn) })
}

// Close closes the database.
func (m *MemoryDB) Close() error {
	return nil
}

// memTxn overlays pending writes on the committed map. A nil pending value
// marks a deletion.
type memTxn struct {
	base    map[string][]byte
	pending map[string][]byte
}

func (t *memTxn) lookup(k string) ([]byte, bool) {
	if v, ok := t.pending[k]; ok {
		return v, v != nil
	}
	v, ok := t.base[k]
	return v, ok
}

func (t *memTxn) Get(key []byte) ([]byte, error) {
	v, ok := t.lookup(string(key))
	if !ok {
		return nil, ErrNotFound
	}
	return copyBytes(v), nil
}

func (t *memTxn) Has(key []byte) (bool, error) {
	_, ok := t.lookup(string(key))
	return ok, nil
}

func (t *memTxn) Put(key, value []byte) error {
	v := copyBytes(value)
	if v == nil {
		v = []byte{}
	}
	t.pending[string(key)] = v
	return nil
}

func (t *memTxn) Delete(key []byte) error {
	t.pending[string(key)] = nil
	return nil
}

func (t *memTxn) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return t.iterate(prefix, false, fn)
}

func (t *memTxn) ForEachReverse(prefix []byte, fn func(key, value []byte) error) error {
	return t.iterate(prefix, true, fn)
}

func (t *memTxn) iterate(prefix []byte, reverse bool, fn func(key, value []byte) error) error {
	p := string(prefix)
	seen := make(map[string]struct{})
	var keys []string
	collect := func(src map[string][]byte) {
		for k := range src {
			if _, dup := seen[k]; dup || !strings.HasPrefix(k, p) {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	collect(t.pending)
	collect(t.base)

	if reverse {
		sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	} else {
		sort.Strings(keys)
	}
	for _, k := range keys {
		v, ok := t.lookup(k)
		if !ok {
			continue
		}
		if err := fn([]byte(k), copyBytes(v)); err != nil {
			return err
		}
	}
	return nil
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
