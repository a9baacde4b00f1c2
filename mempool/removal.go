// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/mempoold/mempool/txgraph"
	"github.com/decred/dcrd/lru"
)

// removeTransaction removes hash from the pool, together with all of its
// descendants when cascade is set, and re-places the clusters left behind.
// Every removed transaction is reported with the same reason.  Must be
// called with the lock held.
func (mp *TxPool) removeTransaction(hash chainhash.Hash, cascade bool,
	reason RemovalReason, collided *CollidedWith,
	blockHash *chainhash.Hash) []*RemovalEvent {

	node, ok := mp.graph.GetNode(hash)
	if !ok {
		return nil
	}

	var removedNodes []*txgraph.TxGraphNode
	if cascade {
		descendants, err := mp.graph.DescendantsTopo(hash)
		if err != nil {
			return nil
		}
		removedNodes = descendants
	} else {
		removedNodes = []*txgraph.TxGraphNode{node}
	}
	removedSet := make(map[chainhash.Hash]struct{}, len(removedNodes))
	for _, n := range removedNodes {
		removedSet[n.TxHash] = struct{}{}
	}

	// Neighbours that stay behind need their placement recomputed.
	var neighbours []chainhash.Hash
	for _, n := range removedNodes {
		for h := range n.Parents {
			if _, gone := removedSet[h]; !gone {
				neighbours = append(neighbours, h)
			}
		}
		for h := range n.Children {
			if _, gone := removedSet[h]; !gone {
				neighbours = append(neighbours, h)
			}
		}
	}

	var removed []chainhash.Hash
	if cascade {
		var err error
		removed, err = mp.graph.RemoveTransaction(hash)
		if err != nil {
			log.Errorf("Unable to remove %v from the graph: %v", hash, err)
			return nil
		}
	} else {
		if err := mp.graph.RemoveTransactionNoCascade(hash); err != nil {
			log.Errorf("Unable to remove %v from the graph: %v", hash, err)
			return nil
		}
		removed = []chainhash.Hash{hash}
	}

	events := make([]*RemovalEvent, 0, len(removed))
	for _, h := range removed {
		mp.dropEntry(h)
		event := &RemovalEvent{
			TxID:         h,
			Reason:       reason,
			CollidedWith: collided,
			BlockHash:    blockHash,
		}
		events = append(events, event)
		log.Debugf("Removed transaction %v", event)
		mp.sendNotification(NTTxRemoved, event)
	}

	mp.placeClusters(neighbours)
	mp.generation++
	atomic.StoreInt64(&mp.lastUpdated, mp.cfg.Now().Unix())

	return events
}

// dropEntry releases the bookkeeping of a transaction already removed from
// the graph.  Must be called with the lock held.
func (mp *TxPool) dropEntry(hash chainhash.Hash) {
	entry, ok := mp.pool[hash]
	if !ok {
		return
	}

	if entry.primary {
		mp.primaryCount--
		mp.primarySize -= entry.desc.Size
		if err := mp.journal.Remove(hash); err != nil {
			log.Warnf("Journal removal of %v failed: %v", hash, err)
		}
	}
	if entry.spilled {
		mp.usageDisk -= entry.desc.Size
		if err := mp.cfg.Spill.Delete(hash); err != nil {
			log.Warnf("Unable to delete spilled %v: %v", hash, err)
		}
	}
	mp.usage -= entry.usage
	mp.totalSize -= entry.desc.Size
	delete(mp.pool, hash)
}

// RemoveTransaction removes the passed transaction, and all of its
// descendants when removeRedeemers is set, from the pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) RemoveTransaction(tx *btcutil.Tx, removeRedeemers bool,
	reason RemovalReason) []*RemovalEvent {

	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	return mp.removeTransaction(*tx.Hash(), removeRedeemers, reason, nil,
		nil)
}

// RemoveForBlock updates the pool for a newly connected block.  Mined
// transactions leave without their descendants, transactions double spending
// a mined one leave with theirs, and expired transactions are dropped.  The
// recently rejected set is cleared and the rolling minimum fee may start to
// decay.
//
// This function is safe for concurrent access.
func (mp *TxPool) RemoveForBlock(block *btcutil.Block) []*RemovalEvent {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	blockHash := block.Hash()
	var events []*RemovalEvent
	for _, tx := range block.Transactions()[1:] {
		txHash := *tx.Hash()
		if _, ok := mp.pool[txHash]; ok {
			events = append(events, mp.removeTransaction(txHash, false,
				ReasonIncludedInBlock, nil, blockHash)...)
		}

		for _, conflict := range mp.graph.GetConflicts(tx) {
			collided := &CollidedWith{
				TxID: txHash,
				Size: int64(tx.MsgTx().SerializeSize()),
			}
			events = append(events, mp.removeTransaction(conflict.TxHash,
				true, ReasonCollisionInBlockTx, collided,
				blockHash)...)
		}

		// A mined orphan leaves alone; its redeemers are picked up by
		// ProcessBlockOrphans.
		if mp.orphans.IsOrphan(txHash) {
			_ = mp.orphans.RemoveOrphan(txHash, false)
		}
		mp.orphans.RemoveDoubleSpends(tx)
	}

	events = append(events, mp.expire()...)
	mp.orphans.ExpireOrphans()

	mp.floor.blockSinceBump = true
	mp.rejected = lru.NewCache(recentlyRejectedSize)
	mp.generation++

	log.Debugf("Block %v removed %d %s from the pool", blockHash,
		len(events), pickNoun(uint64(len(events)), "transaction",
			"transactions"))

	return events
}

// RemoveForReorg drops every transaction that is no longer valid on the new
// tip: inputs that are neither unspent in the chain nor created by a pool
// transaction, and coinbase spends that are immature at the next height.
//
// This function is safe for concurrent access.
func (mp *TxPool) RemoveForReorg() []*RemovalEvent {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	best := mp.cfg.Chain.BestSnapshot()
	nextHeight := best.Height + 1
	maturity := int32(mp.cfg.ChainParams.CoinbaseMaturity)

	var events []*RemovalEvent
	for _, n := range mp.graph.TopoSort(mp.graph.Nodes()) {
		entry, ok := mp.pool[n.TxHash]
		if !ok {
			// Already removed with an ancestor.
			continue
		}
		tx, err := mp.entryTx(entry)
		if err != nil {
			log.Errorf("Dropping unreadable transaction %v: %v",
				n.TxHash, err)
			events = append(events, mp.removeTransaction(n.TxHash, true,
				ReasonReorg, nil, nil)...)
			continue
		}

		view := mp.cfg.Chain.FetchUtxoView(tx)
		valid := true
		for _, txIn := range tx.MsgTx().TxIn {
			outpoint := txIn.PreviousOutPoint
			if _, inPool := mp.pool[outpoint.Hash]; inPool {
				continue
			}
			utxo := view.LookupEntry(outpoint)
			if utxo == nil {
				valid = false
				break
			}
			if utxo.IsCoinBase && nextHeight-utxo.BlockHeight < maturity {
				valid = false
				break
			}
		}
		if !isFinalizedTransaction(tx, nextHeight, best.MedianTime) {
			valid = false
		}
		if valid {
			continue
		}

		events = append(events, mp.removeTransaction(n.TxHash, true,
			ReasonReorg, nil, nil)...)
	}

	if len(events) > 0 {
		log.Infof("Removed %d %s invalidated by the reorg", len(events),
			pickNoun(uint64(len(events)), "transaction",
				"transactions"))
	}
	return events
}

// EnforceAncestorLimits removes every transaction, with its descendants,
// whose in-pool ancestry exceeds the ancestor limits.
//
// This function is safe for concurrent access.
func (mp *TxPool) EnforceAncestorLimits() []*RemovalEvent {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	policy := &mp.cfg.Policy
	var events []*RemovalEvent
	for _, n := range mp.graph.TopoSort(mp.graph.Nodes()) {
		if _, ok := mp.pool[n.TxHash]; !ok {
			continue
		}
		stats, err := mp.graph.AncestorStats(n.TxHash)
		if err != nil {
			continue
		}
		if (policy.MaxAncestorCount <= 0 ||
			stats.Count <= policy.MaxAncestorCount) &&
			(policy.MaxAncestorSize <= 0 ||
				stats.Size <= policy.MaxAncestorSize) {

			continue
		}
		events = append(events, mp.removeTransaction(n.TxHash, true,
			ReasonAncestorLimit, nil, nil)...)
	}

	return events
}

// Expire removes transactions older than the configured expiry along with
// orphans that outlived their TTL.
//
// This function is safe for concurrent access.
func (mp *TxPool) Expire() []*RemovalEvent {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	events := mp.expire()
	mp.orphans.ExpireOrphans()
	return events
}

// expire must be called with the lock held.
func (mp *TxPool) expire() []*RemovalEvent {
	expiry := mp.cfg.Policy.MempoolExpiry
	if expiry <= 0 {
		return nil
	}

	cutoff := mp.cfg.Now().Add(-expiry)
	var events []*RemovalEvent
	for _, n := range mp.graph.TopoSort(mp.graph.Nodes()) {
		if _, ok := mp.pool[n.TxHash]; !ok {
			continue
		}
		if !n.TxDesc.Added.Before(cutoff) {
			continue
		}
		events = append(events, mp.removeTransaction(n.TxHash, true,
			ReasonExpired, nil, nil)...)
	}

	return events
}

// RemoveOrphansByTag removes all orphan transactions tagged with the
// provided identifier.
//
// This function is safe for concurrent access.
func (mp *TxPool) RemoveOrphansByTag(tag Tag) uint64 {
	return uint64(mp.orphans.RemoveOrphansByTag(tag))
}
