// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/mempoold/feerate"
	"github.com/btcsuite/mempoold/mempool/txgraph"
)

const (
	// rollingFeeHalfLife is the half life of the rolling minimum fee once
	// a block has been connected since it was last raised.
	rollingFeeHalfLife = 12 * time.Hour

	// rollingFeeUpdateInterval is the minimum time between two decays of
	// the rolling minimum fee.
	rollingFeeUpdateInterval = 10 * time.Second
)

// rollingFee is the minimum fee rate raised by evictions.  The rate is kept
// in satoshi per kB as a float so the exponential decay does not lose
// precision between steps.
type rollingFee struct {
	rate           float64
	lastUpdate     time.Time
	blockSinceBump bool
}

// bump raises the floor to rate if it is higher than the current one.
func (f *rollingFee) bump(rate float64, now time.Time) {
	if rate <= f.rate {
		return
	}
	f.rate = rate
	f.lastUpdate = now
	f.blockSinceBump = false
}

// current decays the floor and returns it.  The decay only starts once a
// block arrived after the last bump and runs faster while the pool is
// mostly empty.
func (f *rollingFee) current(now time.Time, usage, maxUsage int64,
	incremental float64) float64 {

	if !f.blockSinceBump || f.rate == 0 {
		return f.rate
	}
	if now.Sub(f.lastUpdate) < rollingFeeUpdateInterval {
		return f.rate
	}

	halfLife := rollingFeeHalfLife
	switch {
	case usage < maxUsage/4:
		halfLife /= 4
	case usage < maxUsage/2:
		halfLife /= 2
	}

	elapsed := now.Sub(f.lastUpdate)
	f.rate /= math.Pow(2, float64(elapsed)/float64(halfLife))
	f.lastUpdate = now

	if f.rate < incremental/2 {
		f.rate = 0
	}
	return f.rate
}

// minFee returns the fee rate a transaction must pay on its own to enter the
// pool on top of the relay fee.  Must be called with the lock held.
func (mp *TxPool) minFee() feerate.FeeRate {
	policy := &mp.cfg.Policy
	incremental := float64(policy.IncrementalRelayFee)
	rate := mp.floor.current(mp.cfg.Now(), mp.usage, policy.MaxMempoolSize,
		incremental)
	if rate == 0 {
		return feerate.Zero
	}

	floor := feerate.Max(feerate.FromSatPerKB(int64(math.Round(rate))),
		feerate.FromAmountPerKB(policy.IncrementalRelayFee))

	// Cheap transactions still waiting for a paying child keep the floor
	// from climbing above the mining fee.
	if mp.primaryCount < len(mp.pool) {
		floor = feerate.Min(floor, policy.minMiningRate())
	}
	return floor
}

// MinFee returns the current rolling minimum fee rate.  A zero rate means
// only the relay fee applies.
//
// This function is safe for concurrent access.
func (mp *TxPool) MinFee() feerate.FeeRate {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	return mp.minFee()
}

// evictionKey orders entries for eviction and spilling: secondary before
// primary, then by package fee rate, then oldest first.
type evictionKey struct {
	primary  bool
	rate     feerate.FeeRate
	sequence uint64
}

func (k evictionKey) less(o evictionKey) bool {
	if k.primary != o.primary {
		return !k.primary
	}
	if c := k.rate.Cmp(o.rate); c != 0 {
		return c < 0
	}
	return k.sequence < o.sequence
}

// evictionPackage returns the package an entry is evicted under.  A primary
// entry is judged by the group that was promoted with it, a secondary entry
// by itself and its secondary ancestors.  Must be called with the lock held.
func (mp *TxPool) evictionPackage(n *txgraph.TxGraphNode) txgraph.Stats {
	entry := mp.pool[n.TxHash]
	if !entry.primary {
		return packageStats(secondaryPackage(n, mp.primarySet(n)))
	}

	members, err := mp.graph.ClusterMembers(n.TxHash)
	if err != nil {
		return packageStats([]*txgraph.TxGraphNode{n})
	}
	var group []*txgraph.TxGraphNode
	for _, m := range members {
		if e := mp.pool[m.TxHash]; e.primary && e.group == entry.group {
			group = append(group, m)
		}
	}
	return packageStats(group)
}

// primarySet returns the primary ancestors of n in the shape
// secondaryPackage expects.
func (mp *TxPool) primarySet(
	n *txgraph.TxGraphNode) map[chainhash.Hash]chainhash.Hash {

	set := make(map[chainhash.Hash]chainhash.Hash)
	for hash := range mp.graph.GetAncestors(n.TxHash, -1) {
		if e := mp.pool[hash]; e.primary {
			set[hash] = e.group
		}
	}
	return set
}

func (mp *TxPool) evictionKeyOf(n *txgraph.TxGraphNode) (evictionKey,
	txgraph.Stats) {

	pkg := mp.evictionPackage(n)
	return evictionKey{
		primary:  mp.pool[n.TxHash].primary,
		rate:     pkg.FeeRate(),
		sequence: n.TxDesc.Sequence,
	}, pkg
}

// TrimToSize evicts transactions until the pool is back under its memory
// ceiling.
//
// This function is safe for concurrent access.
func (mp *TxPool) TrimToSize() error {
	mp.mtx.Lock()
	defer mp.mtx.Unlock()

	return mp.limitSize()
}

// limitSize first moves bodies to the spill store and then evicts the
// lowest ranked leaves, one at a time, until memory usage is within the
// ceiling.  Must be called with the lock held.
func (mp *TxPool) limitSize() error {
	maxUsage := mp.cfg.Policy.MaxMempoolSize
	if maxUsage <= 0 || mp.usage <= maxUsage {
		return nil
	}

	mp.spill()

	var evicted int
	for mp.usage > maxUsage {
		leaves := mp.graph.Leaves()
		if len(leaves) == 0 {
			break
		}

		victim := leaves[0]
		bestKey, bestPkg := mp.evictionKeyOf(victim)
		for _, leaf := range leaves[1:] {
			key, pkg := mp.evictionKeyOf(leaf)
			if key.less(bestKey) {
				victim, bestKey, bestPkg = leaf, key, pkg
			}
		}

		// The floor rises above the rate of everything evicted.
		rate := float64(bestPkg.Fees)*1000/float64(bestPkg.Size) +
			float64(mp.cfg.Policy.IncrementalRelayFee)
		mp.floor.bump(rate, mp.cfg.Now())

		log.Debugf("Evicting %v (package rate %v, primary %v)",
			victim.TxHash, bestPkg.FeeRate(), bestKey.primary)
		mp.removeTransaction(victim.TxHash, false, ReasonLowFeeEvicted,
			nil, nil)
		evicted++
	}

	if evicted > 0 {
		log.Infof("Evicted %d %s, rolling minimum fee %.0f sat/kB",
			evicted, pickNoun(uint64(evicted), "transaction",
				"transactions"), mp.floor.rate)
	}

	if mp.usage > maxUsage {
		log.Criticalf("Mempool usage %d exceeds the limit %d with "+
			"nothing left to evict", mp.usage, maxUsage)
		return txRuleError(wire.RejectInsufficientFee,
			ErrCapacityExhausted, "mempool full", fmt.Sprintf(
				"usage %d exceeds %d", mp.usage, maxUsage))
	}
	return nil
}

// spill moves the lowest ranked bodies to the spill store while memory is
// over the ceiling and the disk tier has room.  Must be called with the lock
// held.
func (mp *TxPool) spill() {
	policy := &mp.cfg.Policy
	if mp.cfg.Spill == nil || policy.MaxMempoolSizeDisk <= 0 {
		return
	}

	type candidate struct {
		node *txgraph.TxGraphNode
		key  evictionKey
	}
	var candidates []candidate
	for hash, entry := range mp.pool {
		if entry.spilled {
			continue
		}
		n, ok := mp.graph.GetNode(hash)
		if !ok {
			continue
		}
		key, _ := mp.evictionKeyOf(n)
		candidates = append(candidates, candidate{node: n, key: key})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].key.less(candidates[j].key)
	})

	var spilled int
	for _, c := range candidates {
		if mp.usage <= policy.MaxMempoolSize {
			break
		}
		entry := mp.pool[c.node.TxHash]
		size := c.node.TxDesc.Size
		if mp.usageDisk+size > policy.MaxMempoolSizeDisk {
			break
		}
		if err := mp.spillEntry(c.node.TxHash, entry); err != nil {
			log.Errorf("Unable to spill %v: %v", c.node.TxHash, err)
			break
		}
		spilled++
	}

	if spilled > 0 {
		log.Debugf("Spilled %d %s to disk (%d bytes on disk)", spilled,
			pickNoun(uint64(spilled), "transaction", "transactions"),
			mp.usageDisk)
	}
}

// spillEntry moves the body of a pool entry to the spill store.  Must be
// called with the lock held.
func (mp *TxPool) spillEntry(hash chainhash.Hash, entry *txEntry) error {
	var buf bytes.Buffer
	buf.Grow(int(entry.desc.Size))
	if err := entry.tx.MsgTx().Serialize(&buf); err != nil {
		return err
	}
	if err := mp.cfg.Spill.Put(hash, buf.Bytes()); err != nil {
		return err
	}

	newUsage := txMemUsage(entry.tx.MsgTx(), true)
	mp.usage += newUsage - entry.usage
	entry.usage = newUsage
	entry.tx = nil
	entry.spilled = true
	mp.usageDisk += entry.desc.Size
	return nil
}

// loadSpilled reads a spilled body back from the spill store.
func (mp *TxPool) loadSpilled(hash chainhash.Hash) (*btcutil.Tx, error) {
	if mp.cfg.Spill == nil {
		return nil, fmt.Errorf("transaction %v is spilled without a "+
			"spill store", hash)
	}
	raw, err := mp.cfg.Spill.Get(hash)
	if err != nil {
		return nil, fmt.Errorf("unable to load spilled transaction "+
			"%v: %w", hash, err)
	}
	tx, err := btcutil.NewTxFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("corrupt spilled transaction %v: %w",
			hash, err)
	}
	return tx, nil
}

// entryTx returns the body of an entry, reading it from the spill store
// when needed.
func (mp *TxPool) entryTx(entry *txEntry) (*btcutil.Tx, error) {
	if entry.tx != nil {
		return entry.tx, nil
	}
	return mp.loadSpilled(entry.desc.TxHash)
}
