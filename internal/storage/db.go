// Package storage provides the key/value store abstraction the state graph
// persists into.
package storage

import "errors"

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("key not found")

// Reader is the read side of a store or transaction.
type Reader interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	// ForEach iterates over all keys with the given prefix in ascending
	// byte order. The callback receives a copy of the key and value.
	// Return a non-nil error from fn to stop iteration early.
	//
	// Iterations must not be nested inside the same transaction.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	// ForEachReverse is ForEach in descending byte order.
	ForEachReverse(prefix []byte, fn func(key, value []byte) error) error
}

// Writer is the write side of a store or transaction.
type Writer interface {
	Put(key, value []byte) error
	Delete(key []byte) error
}

// Txn is a read-write transaction. Reads observe the transaction's own
// pending writes.
type Txn interface {
	Reader
	Writer
}

// DB is the interface for key-value storage. Single-key methods each run in
// their own transaction.
type DB interface {
	Txn
	// Update runs fn in a read-write transaction, committing if fn returns
	// nil and discarding every write otherwise.
	Update(fn func(txn Txn) error) error
	// View runs fn against a consistent read snapshot.
	View(fn func(txn Reader) error) error
	Close() error
}

// errStop ends an iteration early without reporting an error.
var errStop = errors.New("stop iteration")

// First returns the first key/value under prefix in ascending order.
func First(r Reader, prefix []byte) (key, value []byte, ok bool, err error) {
	err = r.ForEach(prefix, func(k, v []byte) error {
		key, value, ok = k, v, true
		return errStop
	})
	if errors.Is(err, errStop) {
		err = nil
	}
	return key, value, ok, err
}

// Last returns the last key/value under prefix in ascending order.
func Last(r Reader, prefix []byte) (key, value []byte, ok bool, err error) {
	err = r.ForEachReverse(prefix, func(k, v []byte) error {
		key, value, ok = k, v, true
		return errStop
	})
	if errors.Is(err, errStop) {
		err = nil
	}
	return key, value, ok, err
}
