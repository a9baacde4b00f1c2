// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/mempoold/chain"
	"github.com/btcsuite/mempoold/mempool"
	"github.com/btcsuite/mempoold/txvalidate"
)

// ReorgResult describes a chain change and what it did to the pool.
type ReorgResult struct {
	// Detached lists the disconnected blocks, tip first.
	Detached []chainhash.Hash

	// Attached lists the connected blocks, fork point first.
	Attached []chainhash.Hash

	// Resurrected counts the transactions of detached blocks put back
	// into the pool.
	Resurrected int

	// Dropped lists the transactions of detached blocks that could not
	// be put back.
	Dropped []chainhash.Hash

	// Queued counts the submissions admitted after being held back by
	// the change.
	Queued int

	// Adopted counts the orphans admitted because an attached block
	// created their missing parents.
	Adopted int

	// Removed holds the pool removals caused by the change.
	Removed []*mempool.RemovalEvent
}

// TipChanged reports whether any block was detached or attached.
func (r *ReorgResult) TipChanged() bool {
	return len(r.Detached) > 0 || len(r.Attached) > 0
}

// beginChainChange diverts new submissions to the pending queue and waits
// for admissions in flight to finish.
func (n *Node) beginChainChange() {
	n.stateMtx.Lock()
	n.reorging = true
	n.changes++
	n.stateMtx.Unlock()

	n.coordMtx.Lock()
}

// endChainChange admits what was queued during the change and reopens the
// pool to direct submissions.
func (n *Node) endChainChange(result *ReorgResult) {
	n.drainPending(result, true)
	n.coordMtx.Unlock()
}

// drainPending admits queued submissions in arrival order until the queue
// is empty.  With finish set, the queue is closed in the same critical
// section that found it empty, unless another change is waiting.
//
// This must be called with the coordinator lock held for writing.
func (n *Node) drainPending(result *ReorgResult, finish bool) {
	for {
		n.stateMtx.Lock()
		batch := n.pending
		n.pending = nil
		if len(batch) == 0 {
			if finish {
				n.changes--
				n.reorging = n.changes > 0
			}
			n.stateMtx.Unlock()
			return
		}
		n.stateMtx.Unlock()

		for _, p := range batch {
			// The submitter already returned.
			if err := p.ctx.Err(); err != nil {
				p.done <- pendingResult{err: err}
				continue
			}
			res, err := n.pool.ProcessTransaction(p.ctx, p.tx, p.flags,
				p.tag)
			p.done <- pendingResult{result: res, err: err}
			if result != nil {
				result.Queued++
			}
		}
		log.Debugf("Admitted %d queued submissions", len(batch))
	}
}

// ProcessBlock adds a block to the index and moves the tip to the chain
// with the most work.  Blocks already known are not an error, so a
// disconnected block can be handed back to reconnect it.  The error of the
// passed block failing to connect is returned even when the node settled on
// another tip.
func (n *Node) ProcessBlock(ctx context.Context,
	block *btcutil.Block) (*ReorgResult, error) {

	err := n.chain.AcceptBlock(block)
	if err != nil && !errors.Is(err, chain.ErrDuplicateBlock) {
		log.Debugf("Rejected block %v: %v", block.Hash(), err)
		return nil, err
	}

	n.beginChainChange()
	result := &ReorgResult{}
	defer n.endChainChange(result)

	failures := n.activateBestChain(ctx, result)
	if err := failures[*block.Hash()]; err != nil {
		return result, err
	}
	return result, nil
}

// processSolvedBlock is the generator's block sink.
func (n *Node) processSolvedBlock(ctx context.Context,
	block *btcutil.Block) error {

	_, err := n.ProcessBlock(ctx, block)
	if err != nil {
		return err
	}
	if n.chain.BestSnapshot().Hash != *block.Hash() {
		return fmt.Errorf("block %v did not become the tip", block.Hash())
	}
	return nil
}

// DisconnectTip detaches the current tip without marking it invalid and
// puts its transactions back into the pool.  The block stays in the index,
// so the next block processed may reconnect it.
func (n *Node) DisconnectTip(ctx context.Context) (*ReorgResult, error) {
	n.beginChainChange()
	result := &ReorgResult{}
	defer n.endChainChange(result)

	tip, err := n.chain.BlockByHash(&n.chain.BestSnapshot().Hash)
	if err != nil {
		return nil, err
	}
	if err := n.switchChain(ctx, []*btcutil.Block{tip}, nil, result,
		nil); err != nil {

		return result, err
	}
	return result, nil
}

// InvalidateBlock marks a block invalid and moves the tip to the best valid
// chain.
func (n *Node) InvalidateBlock(ctx context.Context,
	hash *chainhash.Hash) (*ReorgResult, error) {

	n.beginChainChange()
	result := &ReorgResult{}
	defer n.endChainChange(result)

	if err := n.chain.InvalidateBlock(hash); err != nil {
		return nil, err
	}
	n.activateBestChain(ctx, result)
	return result, nil
}

// ReconsiderBlock clears the invalid status of a block and moves the tip to
// the best valid chain.
func (n *Node) ReconsiderBlock(ctx context.Context,
	hash *chainhash.Hash) (*ReorgResult, error) {

	n.beginChainChange()
	result := &ReorgResult{}
	defer n.endChainChange(result)

	if err := n.chain.ReconsiderBlock(hash); err != nil {
		return nil, err
	}
	n.activateBestChain(ctx, result)
	return result, nil
}

// activateBestChain switches to the valid chain with the most work until
// the tip is the best candidate.  Blocks failing to connect are marked
// invalid by the chain, which makes the next round pick another candidate.
// It returns the connect failures by block hash.
//
// This must be called with the coordinator lock held for writing.
func (n *Node) activateBestChain(ctx context.Context,
	result *ReorgResult) map[chainhash.Hash]error {

	failures := make(map[chainhash.Hash]error)
	for {
		best := n.chain.BestCandidate()
		if best == n.chain.BestSnapshot().Hash {
			return failures
		}

		detach, attach, err := n.chain.ReorgPath(&best)
		if err != nil {
			log.Errorf("Unable to find path to block %v: %v", best, err)
			return failures
		}
		if len(detach) > 0 {
			log.Infof("Reorganizing to block %v: detaching %d, "+
				"attaching %d", best, len(detach), len(attach))
		}

		known := len(failures)
		err = n.switchChain(ctx, detach, attach, result, failures)
		if err != nil && len(failures) == known {
			log.Errorf("Unable to activate block %v: %v", best, err)
			return failures
		}
	}
}

// switchChain runs the phases of a chain change: disconnect the blocks to
// detach, merge their transactions back into the pool, admit queued
// submissions, connect the blocks to attach, and restore the pool's limits
// and journal.
//
// This must be called with the coordinator lock held for writing.
func (n *Node) switchChain(ctx context.Context, detach,
	attach []*btcutil.Block, result *ReorgResult,
	failures map[chainhash.Hash]error) error {

	// The disconnect pool holds the detached blocks, tip first.
	disconnected := make([]*btcutil.Block, 0, len(detach))
	var disconnectErr error
	for range detach {
		block, err := n.chain.DisconnectTip()
		if err != nil {
			disconnectErr = err
			break
		}
		disconnected = append(disconnected, block)
		result.Detached = append(result.Detached, *block.Hash())
	}

	n.merge(ctx, disconnected, result)
	if len(disconnected) > 0 {
		n.drainPending(result, false)
	}
	if disconnectErr != nil {
		n.finishChange(len(disconnected) > 0, result)
		return disconnectErr
	}

	var connectErr error
	for _, block := range attach {
		if err := n.chain.ConnectTip(block); err != nil {
			log.Warnf("Block %v failed to connect: %v", block.Hash(),
				err)
			if failures != nil {
				failures[*block.Hash()] = err
			}
			connectErr = err
			break
		}
		result.Attached = append(result.Attached, *block.Hash())
		result.Removed = append(result.Removed,
			n.pool.RemoveForBlock(block)...)
		result.Adopted += len(n.pool.ProcessBlockOrphans(ctx, block))
	}

	n.finishChange(len(disconnected) > 0, result)
	return connectErr
}

// merge puts the transactions of the disconnected blocks back into the
// pool, oldest block first and in block order, so parents precede their
// children.  Fee and package checks are skipped; the limits are enforced
// once the change is complete.  Scripts of all disconnected transactions are
// verified up front in one batch, without the pool lock.
func (n *Node) merge(ctx context.Context, disconnected []*btcutil.Block,
	result *ReorgResult) {

	var txns []*btcutil.Tx
	for i := len(disconnected) - 1; i >= 0; i-- {
		txns = append(txns, disconnected[i].Transactions()[1:]...)
	}
	if len(txns) == 0 {
		return
	}
	verified := n.verifyDisconnected(ctx, txns)

	for i, tx := range txns {
		flags := mempool.AdmitFlags{
			AllowHighFees: true,
			Reorg:         true,
		}
		switch res := verified[i]; {
		case res == nil, res.Outcome == txvalidate.OutcomeSkipped:
			// Admission verifies the scripts itself.

		case res.Outcome == txvalidate.OutcomeOK:
			flags.ScriptsVerified = true

		default:
			log.Debugf("Dropping transaction %v of disconnected "+
				"block: %v: %v", tx.Hash(), res.Outcome, res.Err)
			result.Dropped = append(result.Dropped, *tx.Hash())
			continue
		}

		_, missing, err := n.pool.MaybeAcceptTransaction(ctx, tx, flags)
		if err != nil || len(missing) > 0 {
			log.Debugf("Dropping transaction %v of disconnected "+
				"block: missing=%d err=%v", tx.Hash(), len(missing),
				err)
			result.Dropped = append(result.Dropped, *tx.Hash())
			continue
		}
		result.Resurrected++
	}
}

// verifyDisconnected verifies the scripts of the passed transactions, given
// parents first, concurrently.  Inputs resolve against the chain after the
// disconnect and against outputs of earlier transactions in the list.  The
// result of a transaction with an unresolved input is nil, as it is for all
// of them when script validation is disabled.
func (n *Node) verifyDisconnected(ctx context.Context,
	txns []*btcutil.Tx) []*txvalidate.Result {

	verified := make([]*txvalidate.Result, len(txns))
	if n.cfg.SkipScripts {
		return verified
	}

	created := chain.NewUtxoView()
	jobs := make([]*txvalidate.Job, 0, len(txns))
	indexes := make([]int, 0, len(txns))
	for i, tx := range txns {
		view := chain.NewUtxoView()
		resolved := true
		for _, txIn := range tx.MsgTx().TxIn {
			prevOut := txIn.PreviousOutPoint
			entry := created.LookupEntry(prevOut)
			if entry == nil {
				entry = n.chain.FetchUtxoEntry(prevOut)
			}
			if entry == nil {
				resolved = false
				break
			}
			view.AddEntry(prevOut, entry)
		}
		created.AddTxOuts(tx, chain.UnminedHeight)
		if !resolved {
			continue
		}

		jobs = append(jobs, &txvalidate.Job{
			Tx:       tx,
			PrevOuts: view.PrevOutFetcher(),
		})
		indexes = append(indexes, i)
	}

	for j, res := range n.validator.ValidateBatch(ctx, jobs) {
		verified[indexes[j]] = &res
	}
	return verified
}

// finishChange restores the pool's limits after blocks were detached and
// checks the journal.  A failed check leaves the journal out of service
// until rebuilt; it never touches the chain.
func (n *Node) finishChange(detached bool, result *ReorgResult) {
	if detached {
		result.Removed = append(result.Removed, n.pool.RemoveForReorg()...)
		result.Removed = append(result.Removed,
			n.pool.EnforceAncestorLimits()...)
		n.pool.RebuildJournal()

		if err := n.pool.TrimToSize(); err != nil {
			log.Criticalf("Unable to trim mempool after reorg: %v", err)
		}
	}

	if err := n.pool.CheckJournal(); err != nil {
		log.Criticalf("Journal inconsistent after chain change: %v", err)
	}
}
