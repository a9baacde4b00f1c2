// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/mempoold/mempool"
	"github.com/btcsuite/mempoold/store/engine"
)

var _ mempool.SpillStore = (*SpillStore)(nil)

// ErrNotSpilled is returned by SpillStore.Get for transactions that are not
// in the store.
var ErrNotSpilled = errors.New("store: transaction not spilled")

// SpillStore keeps the serialized bodies of transactions the mempool moved
// out of memory.
type SpillStore struct {
	s *Store
}

// Spill returns the spill store of the database.
func (s *Store) Spill() *SpillStore {
	return &SpillStore{s: s}
}

func spillKey(hash chainhash.Hash) []byte {
	key := make([]byte, len(spillPrefix)+chainhash.HashSize)
	copy(key, spillPrefix)
	copy(key[len(spillPrefix):], hash[:])
	return key
}

// Put stores the body of a transaction.
func (ss *SpillStore) Put(hash chainhash.Hash, raw []byte) error {
	return ss.s.update(func(tx engine.Transaction) error {
		return tx.Put(spillKey(hash), raw)
	})
}

// Get returns the body of a spilled transaction.
func (ss *SpillStore) Get(hash chainhash.Hash) ([]byte, error) {
	var raw []byte
	err := ss.s.view(func(snap engine.Snapshot) error {
		var err error
		raw, err = snap.Get(spillKey(hash))
		return err
	})
	if errors.Is(err, engine.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrNotSpilled, hash)
	}
	return raw, err
}

// Delete removes the body of a transaction.  Deleting a missing body is not
// an error.
func (ss *SpillStore) Delete(hash chainhash.Hash) error {
	return ss.s.update(func(tx engine.Transaction) error {
		return tx.Delete(spillKey(hash))
	})
}

// Clear removes every spilled body.  The daemon clears the store on startup
// since the persisted mempool carries full transactions.
func (ss *SpillStore) Clear() error {
	n, err := ss.s.deletePrefix(spillPrefix)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Infof("Cleared %d spilled transactions", n)
	}
	return nil
}
