// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package store persists the mempool across restarts and holds the bodies
// of transactions spilled out of memory.  Both live in one key/value engine,
// separated by key prefix.
package store

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/btcsuite/mempoold/store/engine"
	"github.com/btcsuite/mempoold/store/engine/leveldb"
	"github.com/btcsuite/mempoold/store/engine/pebbledb"
)

// Type names a key/value engine.
type Type string

const (
	// TypeLevelDB selects the goleveldb engine.
	TypeLevelDB Type = "leveldb"

	// TypePebble selects the pebble engine.
	TypePebble Type = "pebble"
)

// ErrUnknownType is returned by Open for engine names it does not know.
var ErrUnknownType = errors.New("store: unknown database type")

// Key prefixes.
var (
	versionKey     = []byte("v")
	mempoolPrefix  = []byte("m")
	spillPrefix    = []byte("s")
	mempoolVersion = uint32(1)
)

// Config describes the database to open.
type Config struct {
	Type Type
	Path string

	// Cache and Handles tune the pebble engine.  Zero selects its
	// defaults.
	Cache   int
	Handles int
}

// Store is a mempool database.
type Store struct {
	db engine.Engine

	// mtx serializes transactions since goleveldb allows only one open
	// transaction at a time.
	mtx sync.Mutex
}

// Open opens or creates the database described by cfg.
func Open(cfg *Config) (*Store, error) {
	if err := os.MkdirAll(cfg.Path, 0700); err != nil {
		return nil, err
	}

	var (
		db  engine.Engine
		err error
	)
	switch cfg.Type {
	case TypeLevelDB, "":
		db, err = leveldb.NewDB(cfg.Path, false)
	case TypePebble:
		db, err = pebbledb.NewDB(cfg.Path, false, cfg.Cache, cfg.Handles)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("store: open %s database at %s: %w",
			cfg.Type, cfg.Path, err)
	}

	log.Infof("Opened %s database at %s", cfg.Type, cfg.Path)

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// update runs fn in a transaction committed when fn succeeds.
func (s *Store) update(fn func(tx engine.Transaction) error) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	tx, err := s.db.Transaction()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit()
}

// view runs fn against a snapshot.
func (s *Store) view(fn func(snap engine.Snapshot) error) error {
	snap, err := s.db.Snapshot()
	if err != nil {
		return err
	}
	defer snap.Release()
	return fn(snap)
}

// keysWithPrefix returns copies of every key under prefix.
func keysWithPrefix(snap engine.Snapshot, prefix []byte) ([][]byte, error) {
	iter := snap.NewIterator(engine.BytesPrefix(prefix))
	defer iter.Release()

	var keys [][]byte
	for iter.Next() {
		keys = append(keys, append([]byte(nil), iter.Key()...))
	}
	return keys, iter.Error()
}

// deletePrefix removes every key under prefix.
func (s *Store) deletePrefix(prefix []byte) (int, error) {
	var keys [][]byte
	err := s.view(func(snap engine.Snapshot) error {
		var err error
		keys, err = keysWithPrefix(snap, prefix)
		return err
	})
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	err = s.update(func(tx engine.Transaction) error {
		for _, key := range keys {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	return len(keys), err
}
