package storage

// PrefixReader wraps a reader and prepends a fixed prefix to all keys.
type PrefixReader struct {
	inner  Reader
	prefix []byte
}

// NewPrefixReader creates a PrefixReader over inner.
func NewPrefixReader(inner Reader, prefix []byte) *PrefixReader {
	p := make([]byte, len(prefix))
	copy(p, prefix)
	return &PrefixReader{inner: inner, prefix: p}
}

// prefixed returns key with the prefix prepended.
func (p *PrefixReader) prefixed(key []byte) []byte {
	out := make([]byte, len(p.prefix)+len(key))
	copy(out, p.prefix)
	copy(out[len(p.prefix):], key)
	return out
}

// Get retrieves a value by key.
func (p *PrefixReader) Get(key []byte) ([]byte, error) {
	return p.inner.Get(p.prefixed(key))
}

// Has checks if a key exists.
func (p *PrefixReader) Has(key []byte) (bool, error) {
	return p.inner.Has(p.prefixed(key))
}

// ForEach iterates over all keys with the given prefix (within the
// namespace). The callback receives keys with the namespace prefix stripped,
// so callers see only their logical keyspace.
func (p *PrefixReader) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return p.inner.ForEach(p.prefixed(prefix), func(key, value []byte) error {
		return fn(key[len(p.prefix):], value)
	})
}

// ForEachReverse is ForEach in descending order.
func (p *PrefixReader) ForEachReverse(prefix []byte, fn func(key, value []byte) error) error {
	return p.inner.ForEachReverse(p.prefixed(prefix), func(key, value []byte) error {
		return fn(key[len(p.prefix):], value)
	})
}

// PrefixTxn wraps a transaction and prepends a fixed prefix to all keys.
// This isolates a collaborator's data within the engine's transaction.
type PrefixTxn struct {
	*PrefixReader
	w Writer
}

// NewPrefixTxn creates a new PrefixTxn wrapping inner with the given prefix.
func NewPrefixTxn(inner Txn, prefix []byte) *PrefixTxn {
	return &PrefixTxn{PrefixReader: NewPrefixReader(inner, prefix), w: inner}
}

// Put stores a key-value pair.
func (p *PrefixTxn) Put(key, value []byte) error {
	return p.w.Put(p.prefixed(key), value)
}

// Delete removes a key.
func (p *PrefixTxn) Delete(key []byte) error {
	return p.w.Delete(p.prefixed(key))
}

// DeleteAll removes all keys under this namespace.
func (p *PrefixTxn) DeleteAll() error {
	// Collect all keys first to avoid modifying during iteration.
	var keys [][]byte
	err := p.inner.ForEach(p.prefix, func(key, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := p.w.Delete(key); err != nil {
			return err
		}
	}
	return nil
}
