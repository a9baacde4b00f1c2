// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/mempoold/mempool"
	"github.com/btcsuite/mempoold/store/engine"
)

// ErrVersionMismatch is returned when the persisted mempool was written in
// a format this version does not read.
var ErrVersionMismatch = errors.New("store: unsupported mempool version")

const (
	// entryHeaderSize is the fixed part of a persisted entry: time added,
	// fee delta and flags.
	entryHeaderSize = 8 + 8 + 1

	flagSpilled = 1 << 0
)

func mempoolKey(seq uint64) []byte {
	key := make([]byte, len(mempoolPrefix)+8)
	copy(key, mempoolPrefix)
	binary.BigEndian.PutUint64(key[len(mempoolPrefix):], seq)
	return key
}

func encodeEntry(e *mempool.SnapshotEntry) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(entryHeaderSize + e.Tx.MsgTx().SerializeSize())

	var header [entryHeaderSize]byte
	binary.BigEndian.PutUint64(header[0:8], uint64(e.Added.UnixNano()))
	binary.BigEndian.PutUint64(header[8:16], uint64(e.FeeDelta))
	if e.Spilled {
		header[16] |= flagSpilled
	}
	buf.Write(header[:])
	if err := e.Tx.MsgTx().Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(raw []byte) (*mempool.SnapshotEntry, error) {
	if len(raw) < entryHeaderSize {
		return nil, fmt.Errorf("store: short mempool entry of %d bytes",
			len(raw))
	}
	var msgTx wire.MsgTx
	if err := msgTx.Deserialize(bytes.NewReader(raw[entryHeaderSize:])); err != nil {
		return nil, err
	}
	return &mempool.SnapshotEntry{
		Tx:       btcutil.NewTx(&msgTx),
		Added:    time.Unix(0, int64(binary.BigEndian.Uint64(raw[0:8]))),
		FeeDelta: int64(binary.BigEndian.Uint64(raw[8:16])),
		Spilled:  raw[16]&flagSpilled != 0,
	}, nil
}

// SaveMempool replaces the persisted mempool with entries, which must be
// ordered parents first.
func (s *Store) SaveMempool(entries []*mempool.SnapshotEntry) error {
	err := s.update(func(tx engine.Transaction) error {
		var stale [][]byte
		err := s.view(func(snap engine.Snapshot) error {
			var err error
			stale, err = keysWithPrefix(snap, mempoolPrefix)
			return err
		})
		if err != nil {
			return err
		}
		for _, key := range stale {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}

		for i, e := range entries {
			raw, err := encodeEntry(e)
			if err != nil {
				return fmt.Errorf("store: encode %v: %w",
					e.Tx.Hash(), err)
			}
			if err := tx.Put(mempoolKey(uint64(i)), raw); err != nil {
				return err
			}
		}

		var version [4]byte
		binary.BigEndian.PutUint32(version[:], mempoolVersion)
		return tx.Put(versionKey, version[:])
	})
	if err != nil {
		return err
	}

	log.Infof("Persisted %d mempool transactions", len(entries))
	return nil
}

// LoadMempool returns the persisted mempool in the order it was saved.  A
// database without a persisted mempool yields no entries.
func (s *Store) LoadMempool() ([]*mempool.SnapshotEntry, error) {
	var entries []*mempool.SnapshotEntry
	err := s.view(func(snap engine.Snapshot) error {
		version, err := snap.Get(versionKey)
		if errors.Is(err, engine.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(version) != 4 ||
			binary.BigEndian.Uint32(version) != mempoolVersion {

			return fmt.Errorf("%w: %x", ErrVersionMismatch, version)
		}

		iter := snap.NewIterator(engine.BytesPrefix(mempoolPrefix))
		defer iter.Release()
		for iter.Next() {
			e, err := decodeEntry(iter.Value())
			if err != nil {
				return fmt.Errorf("store: entry %x: %w", iter.Key(),
					err)
			}
			entries = append(entries, e)
		}
		return iter.Error()
	})
	if err != nil {
		return nil, err
	}

	log.Debugf("Read %d persisted mempool transactions", len(entries))
	return entries, nil
}
