// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/mempoold/chain/chaingen"
	"github.com/btcsuite/mempoold/mempool"
	"github.com/btcsuite/mempoold/mining"
	"github.com/btcsuite/mempoold/node"
)

// Fee rates in satoshi per kB.  The relay and mining fees are the defaults.
const (
	relayRate  = int64(mempool.DefaultMinRelayTxFee)
	miningRate = int64(mempool.DefaultMinMiningTxFee)
	fillRate   = 5000
	highRate   = 8000
)

// expectedEvictions is the order the tracked transactions leave a full pool.
var expectedEvictions = []string{
	"lowPaying1", "lowPaying2", "lowPaying4", "lowPaying3", "lowPaying5",
	"tx3", "group2paying", "group2tx2", "group2tx1", "group1paying",
	"group1tx2", "group1tx1", "tx2", "tx1",
}

// sim is an in-process regtest node that mines anyone-can-spend outputs.
type sim struct {
	ctx    context.Context
	params *chaincfg.Params
	node   *node.Node
	pad    int

	mtx      sync.Mutex
	removals []*mempool.RemovalEvent
}

// newSim starts a node whose pool holds maxMempool bytes.  A zero size keeps
// the default.
func newSim(ctx context.Context, pad int, maxMempool int64) (*sim, error) {
	params := chaingen.Params()
	policy := mempool.DefaultPolicy()
	policy.AcceptNonStd = true
	if maxMempool > 0 {
		policy.MaxMempoolSize = maxMempool
	}

	n, err := node.New(&node.Config{
		ChainParams:   params,
		MempoolPolicy: policy,
		MiningPolicy:  mining.DefaultPolicy(),
		SkipScripts:   true,
	})
	if err != nil {
		return nil, err
	}
	n.Start()

	s := &sim{ctx: ctx, params: params, node: n, pad: pad}
	n.Pool().Subscribe(func(ntfn *mempool.Notification) {
		if ntfn.Type != mempool.NTTxRemoved {
			return
		}
		s.mtx.Lock()
		s.removals = append(s.removals, ntfn.Data.(*mempool.RemovalEvent))
		s.mtx.Unlock()
	})
	return s, nil
}

func (s *sim) stop() {
	s.node.Stop()
}

// takeRemovals returns and forgets the removals seen so far.
func (s *sim) takeRemovals() []*mempool.RemovalEvent {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	removals := s.removals
	s.removals = nil
	return removals
}

// mine processes a block with txns on the tip.
func (s *sim) mine(txns ...*btcutil.Tx) (*btcutil.Block, error) {
	hash := s.node.Chain().BestSnapshot().Hash
	tip, err := s.node.Chain().BlockByHash(&hash)
	if err != nil {
		return nil, err
	}
	block, err := chaingen.NewBlock(s.params, tip, 0, txns)
	if err != nil {
		return nil, err
	}
	if _, err := s.node.ProcessBlock(s.ctx, block); err != nil {
		return nil, err
	}
	return block, nil
}

// fund returns n confirmed outputs split from a fresh coinbase.
func (s *sim) fund(n int) ([]chaingen.Spendable, error) {
	funding, err := s.mine()
	if err != nil {
		return nil, err
	}
	coinbase := btcutil.NewTx(funding.MsgBlock().Transactions[0])
	fan := chaingen.SpendTx([]chaingen.Spendable{
		chaingen.OutputOf(coinbase, 0),
	}, n, 0, 0)
	if _, err := s.mine(fan); err != nil {
		return nil, err
	}

	outputs := make([]chaingen.Spendable, 0, n)
	for i := 0; i < n; i++ {
		outputs = append(outputs, chaingen.OutputOf(fan, uint32(i)))
	}
	return outputs, nil
}

// spend returns a padded transaction spending input that pays satPerKB.
// Every such transaction has the same shape and so the same memory usage.
func (s *sim) spend(input chaingen.Spendable, satPerKB int64) *btcutil.Tx {
	inputs := []chaingen.Spendable{input}
	probe := chaingen.SpendTx(inputs, 1, 0, s.pad)
	size := int64(probe.MsgTx().SerializeSize())
	return chaingen.SpendTx(inputs, 1, satPerKB*size/1000, s.pad)
}

func (s *sim) submit(tx *btcutil.Tx) error {
	result, err := s.node.SubmitTransaction(s.ctx, tx,
		mempool.AdmitFlags{}, 0)
	if err != nil {
		return err
	}
	if result.Orphaned {
		return fmt.Errorf("transaction %v was orphaned", tx.Hash())
	}
	return nil
}

// named is a tracked transaction.
type named struct {
	name string
	tx   *btcutil.Tx
}

// evictionSet builds the tracked transactions in admission order.  The low
// paying ones only pay the relay fee.  Each group is two relay fee parents
// and a child lifting the group to a fee rate between tx3 and tx2.
func (s *sim) evictionSet(outs []chaingen.Spendable) []named {
	set := []named{
		{"lowPaying1", s.spend(outs[0], relayRate)},
		{"lowPaying2", s.spend(outs[1], relayRate+10)},
		{"lowPaying3", s.spend(outs[2], relayRate+30)},
		{"lowPaying4", s.spend(outs[3], relayRate+20)},
		{"lowPaying5", s.spend(outs[4], relayRate+40)},
		{"tx1", s.spend(outs[5], 2*miningRate)},
		{"tx2", s.spend(outs[6], 2*miningRate-100)},
		{"tx3", s.spend(outs[7], miningRate+100)},
	}

	group := func(prefix string, out chaingen.Spendable, rate int64) {
		tx1 := s.spend(out, relayRate)
		tx2 := s.spend(chaingen.OutputOf(tx1, 0), relayRate)
		paying := s.spend(chaingen.OutputOf(tx2, 0), 3*rate-2*relayRate)
		set = append(set, named{prefix + "tx1", tx1},
			named{prefix + "tx2", tx2}, named{prefix + "paying", paying})
	}
	group("group1", outs[8], 2*miningRate-200)
	group("group2", outs[9], 2*miningRate-300)
	return set
}

// entryUsage measures the memory a padded transaction is accounted.
func entryUsage(ctx context.Context, pad int) (int64, error) {
	s, err := newSim(ctx, pad, 0)
	if err != nil {
		return 0, err
	}
	defer s.stop()

	outs, err := s.fund(1)
	if err != nil {
		return 0, err
	}
	if err := s.submit(s.spend(outs[0], relayRate)); err != nil {
		return 0, err
	}
	return s.node.GetMempoolInfo().Usage, nil
}

// runEviction fills a pool holding the tracked transactions and fill well
// paying ones, then submits high paying transactions one by one.  Each must
// evict exactly one tracked transaction in the expected order.
func runEviction(ctx context.Context, cfg *config) error {
	usage, err := entryUsage(ctx, cfg.Pad)
	if err != nil {
		return err
	}
	tracked := len(expectedEvictions)
	capacity := int64(tracked+cfg.Fill)*usage + usage/2
	fmt.Printf("Eviction: %d tracked and %d filler transactions of %d "+
		"bytes usage, pool limit %d bytes\n", tracked, cfg.Fill, usage,
		capacity)

	s, err := newSim(ctx, cfg.Pad, capacity)
	if err != nil {
		return err
	}
	defer s.stop()

	outs, err := s.fund(10 + cfg.Fill + tracked)
	if err != nil {
		return err
	}
	names := make(map[chainhash.Hash]string)
	for _, t := range s.evictionSet(outs[:10]) {
		if err := s.submit(t.tx); err != nil {
			return fmt.Errorf("%s: %w", t.name, err)
		}
		names[*t.tx.Hash()] = t.name
	}
	for _, out := range outs[10 : 10+cfg.Fill] {
		if err := s.submit(s.spend(out, fillRate)); err != nil {
			return fmt.Errorf("filler: %w", err)
		}
	}
	if removed := s.takeRemovals(); len(removed) != 0 {
		return fmt.Errorf("filling the pool removed %d transactions",
			len(removed))
	}
	printInfo(s.node.GetMempoolInfo())

	var mismatches int
	for i, out := range outs[10+cfg.Fill:] {
		if err := s.submit(s.spend(out, highRate)); err != nil {
			return fmt.Errorf("high paying %d: %w", i, err)
		}
		removed := s.takeRemovals()
		got := make([]string, 0, len(removed))
		for _, r := range removed {
			name, ok := names[r.TxID]
			if !ok {
				name = r.TxID.String()
			}
			got = append(got, name+" ("+r.Reason.String()+")")
		}

		status := "ok"
		if len(removed) != 1 || names[removed[0].TxID] !=
			expectedEvictions[i] {

			status = "MISMATCH"
			mismatches++
		}
		fmt.Printf("  %2d: expected %-13s evicted %v %s\n", i+1,
			expectedEvictions[i], got, status)
	}
	printInfo(s.node.GetMempoolInfo())

	if err := s.node.CheckJournal(); err != nil {
		return err
	}
	if mismatches > 0 {
		return fmt.Errorf("%d of %d evictions out of order", mismatches,
			tracked)
	}
	return nil
}

// runPromotion checks a chain of relay fee transactions is mined once a
// child pays the mining fee for the whole chain.
func runPromotion(ctx context.Context, cfg *config) error {
	fmt.Printf("Promotion: %d relay fee ancestors\n", cfg.ChainLen)

	s, err := newSim(ctx, cfg.Pad, 0)
	if err != nil {
		return err
	}
	defer s.stop()

	outs, err := s.fund(1)
	if err != nil {
		return err
	}
	out := outs[0]
	for i := 0; i < cfg.ChainLen; i++ {
		tx := s.spend(out, relayRate)
		if err := s.submit(tx); err != nil {
			return err
		}
		out = chaingen.OutputOf(tx, 0)
	}

	candidate, err := s.node.GetMiningCandidate(ctx, true)
	if err != nil {
		return err
	}
	fmt.Printf("  before the child: num_tx %d, size %d\n",
		candidate.NumTx, candidate.SizeWithoutCoinbase)
	if candidate.NumTx != 1 {
		return fmt.Errorf("relay fee chain was selected early: num_tx %d",
			candidate.NumTx)
	}

	child := s.spend(out, int64(cfg.ChainLen+1)*miningRate)
	if err := s.submit(child); err != nil {
		return err
	}
	candidate, err = s.node.GetMiningCandidate(ctx, true)
	if err != nil {
		return err
	}
	fmt.Printf("  after the child: num_tx %d, size %d, coinbase value "+
		"%d\n", candidate.NumTx, candidate.SizeWithoutCoinbase,
		candidate.CoinbaseValue)
	printInfo(s.node.GetMempoolInfo())
	if candidate.NumTx != cfg.ChainLen+2 {
		return fmt.Errorf("expected num_tx %d, got %d", cfg.ChainLen+2,
			candidate.NumTx)
	}

	hashes, err := s.node.Generate(ctx, 1)
	if err != nil {
		return err
	}
	fmt.Printf("  mined %v, pool size %d\n", hashes[0],
		s.node.GetMempoolInfo().Size)
	return nil
}

func printInfo(info *mempool.MempoolInfo) {
	fmt.Printf("  pool: size %d (primary %d, secondary %d), usage %d of "+
		"%d, min fee %v BSV/kB\n", info.Size, info.PrimarySize,
		info.SecondarySize, info.Usage, info.MaxMempool, info.MinFee)
}
