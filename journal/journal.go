// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package journal implements the ordered log of minable mempool transactions
// that block templates are assembled from.
//
// The journal mirrors the primary mempool: at every point where the mempool
// lock is not held, the set of journal entries equals the set of primary
// transactions and every entry appears after the entries of its in-mempool
// parents.  Consumers can therefore walk the journal front to back and emit
// a valid block order without sorting.
package journal

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// ErrDuplicateEntry is returned when appending a transaction that is
	// already journaled.
	ErrDuplicateEntry = errors.New("transaction already journaled")

	// ErrEntryNotFound is returned when removing a transaction that is not
	// journaled.
	ErrEntryNotFound = errors.New("transaction not journaled")

	// ErrParentNotJournaled is returned when an entry is appended before
	// one of its in-mempool parents.
	ErrParentNotJournaled = errors.New("parent not journaled")

	// ErrInconsistent is returned by Check when the journal does not match
	// the mempool.
	ErrInconsistent = errors.New("journal inconsistent with mempool")
)

// Entry is the projection of a primary mempool transaction kept in the
// journal.
type Entry struct {
	// Hash is the transaction id.
	Hash chainhash.Hash

	// Size is the serialized size in bytes.
	Size int64

	// Fee is the modified fee in satoshi.
	Fee int64

	// SigOps is the number of signature operations the transaction counts
	// against block limits.
	SigOps int

	// ValidationTime is how long script validation took on admission.
	ValidationTime time.Duration

	// Parents lists the in-mempool transactions this one spends from.
	Parents []chainhash.Hash
}

// Source is the view of the mempool the journal is checked against.
type Source interface {
	// PrimaryCount returns the number of primary mempool transactions.
	PrimaryCount() int

	// PrimarySize returns the summed size of primary transactions.
	PrimarySize() int64

	// IsPrimary reports whether hash is a primary mempool transaction.
	IsPrimary(hash chainhash.Hash) bool
}

// Journal is an insertion ordered log of journal entries.
type Journal struct {
	mtx     sync.RWMutex
	entries *list.List
	index   map[chainhash.Hash]*list.Element
	size    int64

	// consistent is cleared when Check finds a mismatch and set again by
	// Rebuild.  Block templates are refused while it is false.
	consistent bool

	// changes counts mutations so callers can tell whether a template
	// built earlier is still current.
	changes uint64
}

// New returns an empty, consistent journal.
func New() *Journal {
	return &Journal{
		entries:    list.New(),
		index:      make(map[chainhash.Hash]*list.Element),
		consistent: true,
	}
}

// Append adds an entry to the end of the journal.  Every parent named by the
// entry must already be journaled.
//
// This function is safe for concurrent access.
func (j *Journal) Append(e *Entry) error {
	j.mtx.Lock()
	defer j.mtx.Unlock()

	return j.appendLocked(e)
}

func (j *Journal) appendLocked(e *Entry) error {
	if _, exists := j.index[e.Hash]; exists {
		return fmt.Errorf("%w: %v", ErrDuplicateEntry, e.Hash)
	}
	for _, parent := range e.Parents {
		if _, exists := j.index[parent]; !exists {
			return fmt.Errorf("%w: %v spends %v", ErrParentNotJournaled,
				e.Hash, parent)
		}
	}

	j.index[e.Hash] = j.entries.PushBack(e)
	j.size += e.Size
	j.changes++

	log.Tracef("Appended %v (size %d, fee %d)", e.Hash, e.Size, e.Fee)

	return nil
}

// Remove drops the entry for hash.
//
// This function is safe for concurrent access.
func (j *Journal) Remove(hash chainhash.Hash) error {
	j.mtx.Lock()
	defer j.mtx.Unlock()

	elem, exists := j.index[hash]
	if !exists {
		return fmt.Errorf("%w: %v", ErrEntryNotFound, hash)
	}

	e := j.entries.Remove(elem).(*Entry)
	delete(j.index, hash)
	j.size -= e.Size
	j.changes++

	log.Tracef("Removed %v", hash)

	return nil
}

// Rebuild replaces the journal content with the passed entries, which must be
// in topological order, and marks the journal consistent.  On error the
// previous content is kept.
//
// This function is safe for concurrent access.
func (j *Journal) Rebuild(entries []*Entry) error {
	j.mtx.Lock()
	defer j.mtx.Unlock()

	prevEntries, prevIndex, prevSize := j.entries, j.index, j.size
	j.entries = list.New()
	j.index = make(map[chainhash.Hash]*list.Element, len(entries))
	j.size = 0
	for _, e := range entries {
		if err := j.appendLocked(e); err != nil {
			j.entries, j.index, j.size = prevEntries, prevIndex, prevSize
			return err
		}
	}
	j.consistent = true
	j.changes++

	log.Debugf("Rebuilt journal with %d entries (%d bytes)", len(entries),
		j.size)

	return nil
}

// Check compares the journal against the mempool.  It verifies the entry
// count, the byte count, that every entry is a primary transaction and that
// parents precede children.  A failed check marks the journal inconsistent
// until the next Rebuild.
//
// This function is safe for concurrent access.
func (j *Journal) Check(src Source) error {
	j.mtx.Lock()
	defer j.mtx.Unlock()

	err := j.checkLocked(src)
	if err != nil {
		if j.consistent {
			log.Criticalf("Journal check failed: %v", err)
		}
		j.consistent = false
		return err
	}

	return nil
}

func (j *Journal) checkLocked(src Source) error {
	if n := src.PrimaryCount(); n != j.entries.Len() {
		return fmt.Errorf("%w: %d entries, %d primary transactions",
			ErrInconsistent, j.entries.Len(), n)
	}
	if size := src.PrimarySize(); size != j.size {
		return fmt.Errorf("%w: %d journaled bytes, %d primary bytes",
			ErrInconsistent, j.size, size)
	}

	seen := make(map[chainhash.Hash]struct{}, j.entries.Len())
	for elem := j.entries.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*Entry)
		if !src.IsPrimary(e.Hash) {
			return fmt.Errorf("%w: %v is not a primary transaction",
				ErrInconsistent, e.Hash)
		}
		for _, parent := range e.Parents {
			if _, ok := seen[parent]; ok {
				continue
			}
			// A parent that has since been mined is no longer
			// journaled and no longer constrains the order.
			if _, journaled := j.index[parent]; journaled {
				return fmt.Errorf("%w: %v precedes its parent %v",
					ErrInconsistent, e.Hash, parent)
			}
		}
		seen[e.Hash] = struct{}{}
	}

	return nil
}

// Consistent reports whether the last Check passed or a Rebuild happened
// since.
func (j *Journal) Consistent() bool {
	j.mtx.RLock()
	defer j.mtx.RUnlock()

	return j.consistent
}

// Has reports whether hash is journaled.
func (j *Journal) Has(hash chainhash.Hash) bool {
	j.mtx.RLock()
	defer j.mtx.RUnlock()

	_, exists := j.index[hash]
	return exists
}

// Len returns the number of entries.
func (j *Journal) Len() int {
	j.mtx.RLock()
	defer j.mtx.RUnlock()

	return j.entries.Len()
}

// Size returns the summed size of all entries.
func (j *Journal) Size() int64 {
	j.mtx.RLock()
	defer j.mtx.RUnlock()

	return j.size
}

// Changes returns the mutation counter.
func (j *Journal) Changes() uint64 {
	j.mtx.RLock()
	defer j.mtx.RUnlock()

	return j.changes
}

// Entries returns the entries in journal order.  The entries are shared and
// must not be modified.
func (j *Journal) Entries() []*Entry {
	j.mtx.RLock()
	defer j.mtx.RUnlock()

	entries := make([]*Entry, 0, j.entries.Len())
	for elem := j.entries.Front(); elem != nil; elem = elem.Next() {
		entries = append(entries, elem.Value.(*Entry))
	}

	return entries
}

// Hashes returns the journaled transaction ids in journal order.
func (j *Journal) Hashes() []chainhash.Hash {
	j.mtx.RLock()
	defer j.mtx.RUnlock()

	hashes := make([]chainhash.Hash, 0, j.entries.Len())
	for elem := j.entries.Front(); elem != nil; elem = elem.Next() {
		hashes = append(hashes, elem.Value.(*Entry).Hash)
	}

	return hashes
}
