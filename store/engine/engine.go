// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package engine defines the key/value engine the persistent stores are
// built on.  Writes go through batched transactions and reads through
// point-in-time snapshots.
package engine

import "errors"

var (
	// ErrNotFound is returned by Snapshot.Get for keys that do not exist.
	ErrNotFound = errors.New("engine: key not found")

	// ErrIterReleased is returned by Iterator.Error once the iterator has
	// been released.
	ErrIterReleased = errors.New("engine: iterator released")
)

// Engine is an ordered key/value store.
type Engine interface {
	Transaction() (Transaction, error)
	Snapshot() (Snapshot, error)
	Close() error
}

// Transaction batches writes that become visible atomically on Commit.
type Transaction interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
	Discard()
}

// Snapshot is a consistent read view of the engine.
type Snapshot interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	NewIterator(*Range) Iterator
	Releaser
}

// Releaser releases the resources held by a snapshot or iterator.  Release
// may be called more than once.
type Releaser interface {
	Release()
}
