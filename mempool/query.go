// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/mempoold/journal"
)

// MempoolInfo summarizes the pool.
type MempoolInfo struct {
	Size          int
	PrimarySize   int
	SecondarySize int
	Bytes         int64
	Usage         int64
	UsageDisk     int64
	MaxMempool    int64
	MinFee        float64
	MinRelayFee   float64
	Orphans       int
	JournalLen    int
	JournalBytes  int64
}

// RawMempoolEntry is the verbose description of a pool transaction.
type RawMempoolEntry struct {
	Size            int64    `json:"size"`
	Fee             float64  `json:"fee"`
	ModifiedFee     float64  `json:"modifiedfee"`
	Time            int64    `json:"time"`
	Height          int32    `json:"height"`
	Primary         bool     `json:"primary"`
	Spilled         bool     `json:"spilled"`
	AncestorCount   int      `json:"ancestorcount"`
	AncestorSize    int64    `json:"ancestorsize"`
	AncestorFees    int64    `json:"ancestorfees"`
	DescendantCount int      `json:"descendantcount"`
	DescendantSize  int64    `json:"descendantsize"`
	DescendantFees  int64    `json:"descendantfees"`
	Depends         []string `json:"depends"`
}

// SnapshotEntry is a pool transaction as persisted across restarts.
type SnapshotEntry struct {
	Tx       *btcutil.Tx
	Added    time.Time
	FeeDelta int64
	Spilled  bool
}

// Count returns the number of transactions in the main pool.  It does not
// include the orphan pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) Count() int {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	return len(mp.pool)
}

// IsTransactionInPool returns whether or not the passed transaction already
// exists in the main pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) IsTransactionInPool(hash *chainhash.Hash) bool {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	_, exists := mp.pool[*hash]
	return exists
}

// IsOrphanInPool returns whether or not the passed transaction already exists
// in the orphan pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) IsOrphanInPool(hash *chainhash.Hash) bool {
	return mp.orphans.IsOrphan(*hash)
}

// HaveTransaction returns whether or not the passed transaction already
// exists in the main pool or in the orphan pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) HaveTransaction(hash *chainhash.Hash) bool {
	return mp.IsTransactionInPool(hash) || mp.IsOrphanInPool(hash)
}

// IsPrimary reports whether the transaction is in the primary pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) IsPrimary(hash *chainhash.Hash) bool {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	entry, ok := mp.pool[*hash]
	return ok && entry.primary
}

// FetchTransaction returns the requested transaction from the transaction
// pool.  This only fetches from the main transaction pool and does not
// include orphans.
//
// This function is safe for concurrent access.
func (mp *TxPool) FetchTransaction(txHash *chainhash.Hash) (*btcutil.Tx, error) {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	entry, exists := mp.pool[*txHash]
	if !exists {
		return nil, fmt.Errorf("transaction is not in the pool")
	}
	return mp.entryTx(entry)
}

// FetchTxDesc returns the descriptor of a pool transaction.
//
// This function is safe for concurrent access.
func (mp *TxPool) FetchTxDesc(txHash *chainhash.Hash) (*TxDesc, bool) {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	entry, exists := mp.pool[*txHash]
	if !exists {
		return nil, false
	}
	return mp.describe(*txHash, entry), true
}

// TxHashes returns the hashes of all transactions in the pool in the order
// they were admitted.
//
// This function is safe for concurrent access.
func (mp *TxPool) TxHashes() []*chainhash.Hash {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	nodes := mp.graph.Nodes()
	hashes := make([]*chainhash.Hash, 0, len(nodes))
	for _, n := range nodes {
		hash := n.TxHash
		hashes = append(hashes, &hash)
	}
	return hashes
}

// TxDescs returns a slice of descriptors for all the transactions in the
// pool in the order they were admitted.
//
// This function is safe for concurrent access.
func (mp *TxPool) TxDescs() []*TxDesc {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	nodes := mp.graph.Nodes()
	descs := make([]*TxDesc, 0, len(nodes))
	for _, n := range nodes {
		descs = append(descs, mp.describe(n.TxHash, mp.pool[n.TxHash]))
	}
	return descs
}

// RawMempoolVerbose returns all the entries in the mempool as a fully
// populated description keyed by transaction id.
//
// This function is safe for concurrent access.
func (mp *TxPool) RawMempoolVerbose() map[string]*RawMempoolEntry {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	result := make(map[string]*RawMempoolEntry, len(mp.pool))
	for hash, entry := range mp.pool {
		node, ok := mp.graph.GetNode(hash)
		if !ok {
			continue
		}
		ancestors, _ := mp.graph.AncestorStats(hash)
		descendants, _ := mp.graph.DescendantStats(hash)

		depends := make([]string, 0, len(node.Parents))
		for parent := range node.Parents {
			depends = append(depends, parent.String())
		}

		result[hash.String()] = &RawMempoolEntry{
			Size:            entry.desc.Size,
			Fee:             btcutil.Amount(entry.fee).ToBTC(),
			ModifiedFee:     btcutil.Amount(entry.desc.Fee).ToBTC(),
			Time:            entry.desc.Added.Unix(),
			Height:          entry.height,
			Primary:         entry.primary,
			Spilled:         entry.spilled,
			AncestorCount:   ancestors.Count,
			AncestorSize:    ancestors.Size,
			AncestorFees:    ancestors.Fees,
			DescendantCount: descendants.Count,
			DescendantSize:  descendants.Size,
			DescendantFees:  descendants.Fees,
			Depends:         depends,
		}
	}

	return result
}

// GetMempoolInfo returns the pool summary.
//
// This function is safe for concurrent access.
func (mp *TxPool) GetMempoolInfo() *MempoolInfo {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	minFee := mp.minFee()
	return &MempoolInfo{
		Size:          len(mp.pool),
		PrimarySize:   mp.primaryCount,
		SecondarySize: len(mp.pool) - mp.primaryCount,
		Bytes:         mp.totalSize,
		Usage:         mp.usage,
		UsageDisk:     mp.usageDisk,
		MaxMempool:    mp.cfg.Policy.MaxMempoolSize,
		MinFee:        btcutil.Amount(minFee.SatPerKB()).ToBTC(),
		MinRelayFee:   mp.cfg.Policy.MinRelayTxFee.ToBTC(),
		Orphans:       mp.orphans.Count(),
		JournalLen:    mp.journal.Len(),
		JournalBytes:  mp.journal.Size(),
	}
}

// Usage returns the memory accounted to the pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) Usage() int64 {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	return mp.usage
}

// LastUpdated returns the last time a transaction was added to or removed
// from the main pool.  It does not include the orphan pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) LastUpdated() time.Time {
	return time.Unix(atomic.LoadInt64(&mp.lastUpdated), 0)
}

// Journal returns the journal mirroring the primary pool.
func (mp *TxPool) Journal() *journal.Journal {
	return mp.journal
}

// RebuildJournal recreates the journal from the primary pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) RebuildJournal() {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	mp.rebuildJournal()
}

// CheckJournal verifies the journal against the primary pool.  A failure
// marks the journal inconsistent until it is rebuilt.
//
// This function is safe for concurrent access.
func (mp *TxPool) CheckJournal() error {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	return mp.journal.Check(journalSource{mp: mp})
}

// RLock takes the pool read lock so a caller can walk the journal while the
// pool cannot change.
func (mp *TxPool) RLock() {
	mp.mtx.RLock()
}

// RUnlock releases the read lock taken by RLock.
func (mp *TxPool) RUnlock() {
	mp.mtx.RUnlock()
}

// FetchTransactionLocked is FetchTransaction for callers holding RLock.
func (mp *TxPool) FetchTransactionLocked(txHash *chainhash.Hash) (*btcutil.Tx,
	error) {

	entry, exists := mp.pool[*txHash]
	if !exists {
		return nil, fmt.Errorf("transaction %v is not in the pool", txHash)
	}
	return mp.entryTx(entry)
}

// Snapshot returns every pool transaction parents first, ready to be
// persisted.
//
// This function is safe for concurrent access.
func (mp *TxPool) Snapshot() ([]*SnapshotEntry, error) {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	nodes := mp.graph.TopoSort(mp.graph.Nodes())
	entries := make([]*SnapshotEntry, 0, len(nodes))
	for _, n := range nodes {
		entry := mp.pool[n.TxHash]
		tx, err := mp.entryTx(entry)
		if err != nil {
			return nil, err
		}
		entries = append(entries, &SnapshotEntry{
			Tx:       tx,
			Added:    entry.desc.Added,
			FeeDelta: entry.delta,
			Spilled:  entry.spilled,
		})
	}
	return entries, nil
}

// LoadSnapshot admits persisted transactions in order.  Fee checks are
// skipped since the transactions were admitted before; everything else,
// scripts included, is checked again against the current chain.  It returns
// the number of transactions admitted.
func (mp *TxPool) LoadSnapshot(ctx context.Context,
	entries []*SnapshotEntry) int {

	var loaded int
	for _, e := range entries {
		_, missing, err := mp.acceptTransaction(ctx, e.Tx, AdmitFlags{
			AllowHighFees: true,
			SkipFeeCheck:  true,
		}, e.Added)
		if err != nil || len(missing) > 0 {
			log.Debugf("Dropping persisted transaction %v: %v",
				e.Tx.Hash(), err)
			continue
		}
		loaded++

		if e.FeeDelta != 0 {
			mp.PrioritiseTransaction(*e.Tx.Hash(), e.FeeDelta)
		}
		if e.Spilled {
			mp.respill(*e.Tx.Hash())
		}
	}

	log.Infof("Loaded %d of %d persisted %s", loaded, len(entries),
		pickNoun(uint64(len(entries)), "transaction", "transactions"))
	return loaded
}

// respill moves a loaded entry that was on disk when the snapshot was taken
// back to the spill store, room permitting.
func (mp *TxPool) respill(hash chainhash.Hash) {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	entry, ok := mp.pool[hash]
	if !ok || entry.spilled || mp.cfg.Spill == nil {
		return
	}
	size := entry.desc.Size
	if mp.usageDisk+size > mp.cfg.Policy.MaxMempoolSizeDisk {
		return
	}
	if err := mp.spillEntry(hash, entry); err != nil {
		log.Errorf("Unable to spill %v: %v", hash, err)
	}
}
