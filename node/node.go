// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package node owns one mempool instance together with the chain it admits
// against, the script validator and the block template generator.
//
// Transaction admission and candidate construction run concurrently under
// the read side of the node's coordinator lock.  Chain changes (blocks
// connected, disconnected, invalidated or reconsidered) take the write side,
// so no transaction is ever admitted against a UTXO view that is being
// changed.  Submissions arriving while a chain change is in flight are
// queued and admitted once the disconnected transactions have been merged
// back into the pool.
package node

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/mempoold/chain"
	"github.com/btcsuite/mempoold/mempool"
	"github.com/btcsuite/mempoold/mining"
	"github.com/btcsuite/mempoold/txvalidate"
)

// DefaultMaxPendingTxs is the default number of submissions held back while
// a chain change is in flight.
const DefaultMaxPendingTxs = 10000

// ErrReorgInProgress is returned for submissions arriving during a chain
// change once the pending queue is full.
var ErrReorgInProgress = errors.New("chain reorganization in progress")

// Config houses the configuration of a node.
type Config struct {
	// ChainParams identifies the network.
	ChainParams *chaincfg.Params

	// MaxTxSize bounds transactions in blocks and the pool.  Zero uses
	// the mempool policy's limit.
	MaxTxSize int

	// MempoolPolicy and MiningPolicy configure the pool and the template
	// generator.
	MempoolPolicy mempool.Policy
	MiningPolicy  mining.Policy

	// Validation configures the script validator.
	Validation txvalidate.Config

	// SkipScripts disables script validation entirely.  Tests and the
	// simulator use it with anyone-can-spend outputs.
	SkipScripts bool

	// Spill receives spilled transaction bodies.
	Spill mempool.SpillStore

	// AllowReplacement is handed to the pool.
	AllowReplacement func(tx *btcutil.Tx, conflicts []*mempool.TxDesc) bool

	// PayToScript is the coinbase output script of generated blocks.
	PayToScript []byte

	// MaxPendingTxs bounds the submissions queued during a chain change.
	MaxPendingTxs int

	// Now returns the current time.  Defaults to time.Now.
	Now func() time.Time
}

// pendingTx is a submission held back by a chain change.
type pendingTx struct {
	ctx   context.Context
	tx    *btcutil.Tx
	flags mempool.AdmitFlags
	tag   mempool.Tag
	done  chan pendingResult
}

type pendingResult struct {
	result *mempool.AdmitResult
	err    error
}

// Node is the owned context of a single mempool instance.
type Node struct {
	cfg Config

	chain     *chain.Chain
	pool      *mempool.TxPool
	validator *txvalidate.Validator
	generator *mining.BlkTmplGenerator

	// coordMtx is held for reading by admissions and candidate builds and
	// for writing by chain changes.
	coordMtx sync.RWMutex

	// stateMtx protects reorging, changes and pending.  changes counts
	// the chain changes started and not yet finished.
	stateMtx sync.Mutex
	reorging bool
	changes  int
	pending  []*pendingTx

	startOnce sync.Once
	stopOnce  sync.Once
}

// New returns a node at the genesis block of the configured network.
func New(cfg *Config) (*Node, error) {
	n := &Node{cfg: *cfg}
	if n.cfg.ChainParams == nil {
		n.cfg.ChainParams = &chaincfg.MainNetParams
	}
	if n.cfg.MaxPendingTxs <= 0 {
		n.cfg.MaxPendingTxs = DefaultMaxPendingTxs
	}
	if n.cfg.Now == nil {
		n.cfg.Now = time.Now
	}
	if n.cfg.MaxTxSize == 0 {
		n.cfg.MaxTxSize = n.cfg.MempoolPolicy.MaxTxSize
	}

	c, err := chain.New(&chain.Config{
		ChainParams: n.cfg.ChainParams,
		MaxTxSize:   n.cfg.MaxTxSize,
	})
	if err != nil {
		return nil, err
	}
	n.chain = c

	if n.cfg.Validation.Now == nil {
		n.cfg.Validation.Now = n.cfg.Now
	}
	n.validator = txvalidate.New(n.cfg.Validation)

	poolCfg := &mempool.Config{
		Policy:           n.cfg.MempoolPolicy,
		ChainParams:      n.cfg.ChainParams,
		Chain:            c,
		Spill:            n.cfg.Spill,
		AllowReplacement: n.cfg.AllowReplacement,
		Now:              n.cfg.Now,
	}
	if !n.cfg.SkipScripts {
		poolCfg.Validator = n.validator
	}
	n.pool = mempool.New(poolCfg)

	n.generator = mining.NewBlkTmplGenerator(&mining.Config{
		Policy:       n.cfg.MiningPolicy,
		ChainParams:  n.cfg.ChainParams,
		Chain:        c,
		TxSource:     n.pool,
		PayToScript:  n.cfg.PayToScript,
		ProcessBlock: n.processSolvedBlock,
		Now:          n.cfg.Now,
	})

	// Candidates never outlive the tip they were built on, whichever path
	// moved it.
	c.Subscribe(func(ntfn *chain.Notification) {
		switch ntfn.Type {
		case chain.NTBlockConnected, chain.NTBlockDisconnected:
			n.generator.ResetCandidates()
		}
	})

	return n, nil
}

// Start starts the script validator.
func (n *Node) Start() {
	n.startOnce.Do(func() {
		log.Infof("Starting node at height %d",
			n.chain.BestSnapshot().Height)
		n.validator.Start()
	})
}

// Stop stops the script validator.  Submissions in flight finish first.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.coordMtx.Lock()
		defer n.coordMtx.Unlock()

		log.Infof("Node shutting down")
		n.validator.Stop()
	})
}

// Chain returns the node's chain.
func (n *Node) Chain() *chain.Chain {
	return n.chain
}

// Pool returns the node's mempool.
func (n *Node) Pool() *mempool.TxPool {
	return n.pool
}

// Generator returns the node's block template generator.
func (n *Node) Generator() *mining.BlkTmplGenerator {
	return n.generator
}

// Validator returns the node's script validator.
func (n *Node) Validator() *txvalidate.Validator {
	return n.validator
}

// SubmitRawTransaction decodes a serialized transaction and submits it.
func (n *Node) SubmitRawTransaction(ctx context.Context, raw []byte,
	flags mempool.AdmitFlags) (*mempool.AdmitResult, error) {

	var msgTx wire.MsgTx
	if err := msgTx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return n.SubmitTransaction(ctx, btcutil.NewTx(&msgTx), flags, 0)
}

// SubmitTransaction admits a transaction to the pool.  During a chain
// change the submission waits in the pending queue until the disconnected
// transactions are back in the pool, or until ctx is done.
//
// This function is safe for concurrent access.
func (n *Node) SubmitTransaction(ctx context.Context, tx *btcutil.Tx,
	flags mempool.AdmitFlags, tag mempool.Tag) (*mempool.AdmitResult, error) {

	// Resurrection is reserved to the coordinator.
	flags.Reorg = false
	flags.ScriptsVerified = false

	// The hash is cached on first use, so it must be computed before the
	// coordinator can see the transaction.
	hash := tx.Hash()

	n.stateMtx.Lock()
	if n.reorging {
		if len(n.pending) >= n.cfg.MaxPendingTxs {
			n.stateMtx.Unlock()
			return nil, ErrReorgInProgress
		}
		p := &pendingTx{
			ctx:   ctx,
			tx:    tx,
			flags: flags,
			tag:   tag,
			done:  make(chan pendingResult, 1),
		}
		n.pending = append(n.pending, p)
		n.stateMtx.Unlock()

		log.Debugf("Queued transaction %v behind chain change", hash)

		select {
		case out := <-p.done:
			return out.result, out.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	n.stateMtx.Unlock()

	n.coordMtx.RLock()
	defer n.coordMtx.RUnlock()

	return n.pool.ProcessTransaction(ctx, tx, flags, tag)
}

// PendingCount returns the number of submissions waiting for a chain change
// to finish.
func (n *Node) PendingCount() int {
	n.stateMtx.Lock()
	defer n.stateMtx.Unlock()

	return len(n.pending)
}

// GetMempoolSnapshot returns the ids of the pool transactions, parents
// first.
func (n *Node) GetMempoolSnapshot() ([]chainhash.Hash, error) {
	entries, err := n.pool.Snapshot()
	if err != nil {
		return nil, err
	}
	hashes := make([]chainhash.Hash, 0, len(entries))
	for _, e := range entries {
		hashes = append(hashes, *e.Tx.Hash())
	}
	return hashes, nil
}

// GetMempoolInfo returns the pool summary.
func (n *Node) GetMempoolInfo() *mempool.MempoolInfo {
	return n.pool.GetMempoolInfo()
}

// GetValidationActivity returns the validator's queue depth and outcome
// counters.
func (n *Node) GetValidationActivity() txvalidate.Activity {
	return n.validator.Activity()
}

// GetMiningCandidate builds a candidate once any chain change in flight has
// finished.
func (n *Node) GetMiningCandidate(ctx context.Context,
	includeCoinbase bool) (*mining.Candidate, error) {

	n.coordMtx.RLock()
	defer n.coordMtx.RUnlock()

	return n.generator.GetMiningCandidate(ctx, includeCoinbase)
}

// SubmitMiningSolution hands a solved candidate to the chain.  The block is
// connected through ProcessBlock, which takes the coordinator lock itself.
func (n *Node) SubmitMiningSolution(ctx context.Context,
	solution *mining.Solution) (*btcutil.Block, error) {

	return n.generator.SubmitMiningSolution(ctx, solution)
}

// GetMiningInfo returns the generator's mining state.
func (n *Node) GetMiningInfo() *mining.MiningInfo {
	return n.generator.GetMiningInfo()
}

// RebuildJournal rebuilds the journal from the pool.
func (n *Node) RebuildJournal() {
	n.coordMtx.RLock()
	defer n.coordMtx.RUnlock()

	n.pool.RebuildJournal()
}

// GetRawMempool returns the pool entries keyed by transaction id.
func (n *Node) GetRawMempool() map[string]*mempool.RawMempoolEntry {
	return n.pool.RawMempoolVerbose()
}

// PrioritiseTransaction adds delta satoshis to the fee a transaction is
// placed and ranked by.
func (n *Node) PrioritiseTransaction(hash chainhash.Hash, delta int64) {
	n.coordMtx.RLock()
	defer n.coordMtx.RUnlock()

	n.pool.PrioritiseTransaction(hash, delta)
}

// Expire purges expired pool transactions and orphans.
func (n *Node) Expire() []*mempool.RemovalEvent {
	n.coordMtx.RLock()
	defer n.coordMtx.RUnlock()

	return n.pool.Expire()
}

// CheckJournal checks the journal against the pool.
func (n *Node) CheckJournal() error {
	n.coordMtx.RLock()
	defer n.coordMtx.RUnlock()

	return n.pool.CheckJournal()
}

// LoadMempool admits persisted pool entries.  The journal is rebuilt and
// checked before the node serves candidates from it.
func (n *Node) LoadMempool(ctx context.Context,
	entries []*mempool.SnapshotEntry) (int, error) {

	n.coordMtx.Lock()
	defer n.coordMtx.Unlock()

	loaded := n.pool.LoadSnapshot(ctx, entries)
	n.pool.RebuildJournal()
	if err := n.pool.CheckJournal(); err != nil {
		return loaded, err
	}
	return loaded, nil
}
