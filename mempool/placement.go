// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/mempoold/journal"
	"github.com/btcsuite/mempoold/mempool/txgraph"
)

// The pool is split into a primary part, eligible for mining and mirrored by
// the journal, and a secondary part that waits for a paying descendant.  A
// transaction is primary when the package made of itself and its secondary
// ancestors reaches the minimum mining fee rate; the whole package is then
// promoted together and remembers the transaction that paid for it.  The
// primary part is always closed under ancestry.

// placeCluster recomputes the placement of the cluster containing hash.
// Must be called with the lock held.
func (mp *TxPool) placeCluster(hash chainhash.Hash) {
	members, err := mp.graph.ClusterMembers(hash)
	if err != nil {
		return
	}
	mp.placeMembers(members)
}

// placeClusters places every cluster that contains one of hashes once.
// Must be called with the lock held.
func (mp *TxPool) placeClusters(hashes []chainhash.Hash) {
	placed := make(map[chainhash.Hash]struct{})
	for _, hash := range hashes {
		if _, ok := placed[hash]; ok {
			continue
		}
		members, err := mp.graph.ClusterMembers(hash)
		if err != nil {
			continue
		}
		for _, m := range members {
			placed[m.TxHash] = struct{}{}
		}
		mp.placeMembers(members)
	}
}

// computePlacement returns the primary members of a topologically ordered
// cluster mapped to the transaction that paid for their promotion.
func (mp *TxPool) computePlacement(
	members []*txgraph.TxGraphNode) map[chainhash.Hash]chainhash.Hash {

	minRate := mp.cfg.Policy.minMiningRate()
	primary := make(map[chainhash.Hash]chainhash.Hash)

	// Promoting a package can only lower the rate of later packages by
	// removing low paying ancestors from them, so repeat until nothing
	// moves.
	for changed := true; changed; {
		changed = false
		for _, n := range members {
			if _, ok := primary[n.TxHash]; ok {
				continue
			}
			pkg := secondaryPackage(n, primary)
			if !packageStats(pkg).FeeRate().AtLeast(minRate) {
				continue
			}
			for _, m := range pkg {
				primary[m.TxHash] = n.TxHash
			}
			changed = true
		}
	}

	return primary
}

// secondaryPackage returns n together with its ancestors that are not in
// primary.
func secondaryPackage(n *txgraph.TxGraphNode,
	primary map[chainhash.Hash]chainhash.Hash) []*txgraph.TxGraphNode {

	pkg := []*txgraph.TxGraphNode{n}
	seen := map[chainhash.Hash]struct{}{n.TxHash: {}}
	for i := 0; i < len(pkg); i++ {
		for hash, parent := range pkg[i].Parents {
			if _, ok := seen[hash]; ok {
				continue
			}
			seen[hash] = struct{}{}
			if _, ok := primary[hash]; ok {
				continue
			}
			pkg = append(pkg, parent)
		}
	}
	return pkg
}

func packageStats(pkg []*txgraph.TxGraphNode) txgraph.Stats {
	var s txgraph.Stats
	for _, n := range pkg {
		s.Count++
		s.Size += n.TxDesc.Size
		s.Fees += n.TxDesc.Fee
	}
	return s
}

// placeMembers applies a fresh placement to a topologically ordered cluster
// and brings the journal in line with it.  Must be called with the lock
// held.
func (mp *TxPool) placeMembers(members []*txgraph.TxGraphNode) {
	placement := mp.computePlacement(members)

	var promoted, demoted []*txgraph.TxGraphNode
	for _, n := range members {
		entry := mp.pool[n.TxHash]
		group, isPrimary := placement[n.TxHash]
		switch {
		case isPrimary && !entry.primary:
			promoted = append(promoted, n)
		case !isPrimary && entry.primary:
			demoted = append(demoted, n)
		}
		entry.group = group
	}

	// Demote descendants first so the journal never holds a child without
	// its parent.
	for i := len(demoted) - 1; i >= 0; i-- {
		n := demoted[i]
		entry := mp.pool[n.TxHash]
		entry.primary = false
		mp.primaryCount--
		mp.primarySize -= n.TxDesc.Size
		if err := mp.journal.Remove(n.TxHash); err != nil {
			log.Warnf("Journal removal of %v failed: %v", n.TxHash, err)
		}
	}

	rebuild := false
	promotedSet := make(map[chainhash.Hash]struct{}, len(promoted))
	for _, n := range promoted {
		promotedSet[n.TxHash] = struct{}{}
	}
	for _, n := range promoted {
		entry := mp.pool[n.TxHash]
		entry.primary = true
		mp.primaryCount++
		mp.primarySize += n.TxDesc.Size
		if rebuild {
			continue
		}

		// A child that was already journaled before this parent arrived
		// would end up ahead of it.
		for hash := range n.Children {
			_, fresh := promotedSet[hash]
			if child := mp.pool[hash]; child.primary && !fresh {
				rebuild = true
			}
		}
		if rebuild {
			continue
		}
		if err := mp.journal.Append(mp.journalEntry(n, entry)); err != nil {
			log.Warnf("Journal append of %v failed: %v", n.TxHash, err)
			rebuild = true
		}
	}

	if rebuild {
		mp.rebuildJournal()
	}
	if len(promoted) > 0 || len(demoted) > 0 {
		log.Tracef("Placement changed: %d promoted, %d demoted",
			len(promoted), len(demoted))
	}
}

// journalEntry builds the journal record of a primary entry.
func (mp *TxPool) journalEntry(n *txgraph.TxGraphNode,
	entry *txEntry) *journal.Entry {

	parents := make([]chainhash.Hash, 0, len(n.Parents))
	for hash := range n.Parents {
		parents = append(parents, hash)
	}
	return &journal.Entry{
		Hash:           n.TxHash,
		Size:           n.TxDesc.Size,
		Fee:            n.TxDesc.Fee,
		SigOps:         entry.sigOps,
		ValidationTime: entry.validationTime,
		Parents:        parents,
	}
}

// rebuildJournal replaces the journal with every primary entry in
// topological order.  Must be called with the lock held.
func (mp *TxPool) rebuildJournal() {
	var nodes []*txgraph.TxGraphNode
	for hash, entry := range mp.pool {
		if !entry.primary {
			continue
		}
		if n, ok := mp.graph.GetNode(hash); ok {
			nodes = append(nodes, n)
		}
	}

	sorted := mp.graph.TopoSort(nodes)
	entries := make([]*journal.Entry, 0, len(sorted))
	for _, n := range sorted {
		entries = append(entries, mp.journalEntry(n, mp.pool[n.TxHash]))
	}
	if err := mp.journal.Rebuild(entries); err != nil {
		log.Errorf("Journal rebuild failed: %v", err)
	}
}

// journalSource exposes the primary bookkeeping to the journal consistency
// check.  It does not lock; the pool lock must be held while it is used.
type journalSource struct {
	mp *TxPool
}

func (s journalSource) PrimaryCount() int  { return s.mp.primaryCount }
func (s journalSource) PrimarySize() int64 { return s.mp.primarySize }
func (s journalSource) IsPrimary(hash chainhash.Hash) bool {
	entry, ok := s.mp.pool[hash]
	return ok && entry.primary
}
