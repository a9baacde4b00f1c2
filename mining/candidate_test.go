// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/mempoold/chain"
	"github.com/btcsuite/mempoold/chain/chaingen"
	"github.com/btcsuite/mempoold/mempool"
	"github.com/stretchr/testify/require"
)

// miningHarness binds a generator to a regtest chain and a mempool without
// script validation.  Solved blocks are connected and the pool updated the
// way the node does it.
type miningHarness struct {
	t      *testing.T
	params *chaincfg.Params
	chain  *chain.Chain
	tip    *btcutil.Block
	pool   *mempool.TxPool
	gen    *BlkTmplGenerator
}

func newMiningHarness(t *testing.T) *miningHarness {
	t.Helper()

	params := chaingen.Params()
	c, err := chain.New(&chain.Config{ChainParams: params})
	require.NoError(t, err)
	genesis, err := c.BlockByHeight(0)
	require.NoError(t, err)

	policy := mempool.DefaultPolicy()
	policy.AcceptNonStd = true

	h := &miningHarness{
		t:      t,
		params: params,
		chain:  c,
		tip:    genesis,
	}
	h.pool = mempool.New(&mempool.Config{
		Policy:      policy,
		ChainParams: params,
		Chain:       c,
	})
	h.gen = NewBlkTmplGenerator(&Config{
		Policy:       DefaultPolicy(),
		ChainParams:  params,
		Chain:        c,
		TxSource:     h.pool,
		ProcessBlock: h.connect,
	})
	return h
}

func (h *miningHarness) connect(_ context.Context, block *btcutil.Block) error {
	if err := h.chain.AcceptBlock(block); err != nil {
		return err
	}
	if err := h.chain.ConnectTip(block); err != nil {
		return err
	}
	h.tip = block
	h.pool.RemoveForBlock(block)
	h.gen.ResetCandidates()
	return nil
}

// mine connects a block built outside the generator.
func (h *miningHarness) mine(txns ...*btcutil.Tx) {
	h.t.Helper()

	block, err := chaingen.NewBlock(h.params, h.tip, 0, txns)
	require.NoError(h.t, err)
	require.NoError(h.t, h.connect(context.Background(), block))
}

// fund returns n confirmed outputs.
func (h *miningHarness) fund(n int) []chaingen.Spendable {
	h.t.Helper()

	h.mine()
	coinbase := btcutil.NewTx(h.tip.MsgBlock().Transactions[0])
	fan := chaingen.SpendTx([]chaingen.Spendable{
		chaingen.OutputOf(coinbase, 0),
	}, n, 0, 0)
	h.mine(fan)

	outputs := make([]chaingen.Spendable, 0, n)
	for i := 0; i < n; i++ {
		outputs = append(outputs, chaingen.OutputOf(fan, uint32(i)))
	}
	return outputs
}

// spend returns a transaction spending inputs that pays satPerKB.
func spend(inputs []chaingen.Spendable, satPerKB int64) *btcutil.Tx {
	probe := chaingen.SpendTx(inputs, 1, 0, 200)
	size := int64(probe.MsgTx().SerializeSize())
	return chaingen.SpendTx(inputs, 1, satPerKB*size/1000, 200)
}

func (h *miningHarness) accept(tx *btcutil.Tx) {
	h.t.Helper()

	result, err := h.pool.ProcessTransaction(context.Background(), tx,
		mempool.AdmitFlags{}, 0)
	require.NoError(h.t, err)
	require.False(h.t, result.Orphaned)
}

// TestCandidateIncludesPaidForParent covers a parent paying only the relay
// fee that is mined together with a child paying for both.
func TestCandidateIncludesPaidForParent(t *testing.T) {
	t.Parallel()

	h := newMiningHarness(t)
	outs := h.fund(1)
	ctx := context.Background()

	policy := mempool.DefaultPolicy()
	parent := spend(outs, int64(policy.MinRelayTxFee))
	h.accept(parent)

	candidate, err := h.gen.GetMiningCandidate(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 1, candidate.NumTx)

	child := spend([]chaingen.Spendable{chaingen.OutputOf(parent, 0)},
		2*int64(policy.MinMiningTxFee))
	h.accept(child)

	candidate, err = h.gen.GetMiningCandidate(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 3, candidate.NumTx)
	require.Equal(t, h.tip.Height()+1, candidate.Height)
	require.Equal(t, *h.tip.Hash(), candidate.PrevHash)

	size := int64(parent.MsgTx().SerializeSize() +
		child.MsgTx().SerializeSize())
	require.Greater(t, candidate.SizeWithoutCoinbase, size)

	subsidy := blockchain.CalcBlockSubsidy(candidate.Height, h.params)
	var fees int64
	for _, tx := range []*btcutil.Tx{parent, child} {
		fees += feeOf(tx, parentIn(tx, parent, outs[0].Amount))
	}
	require.Equal(t, subsidy+fees, candidate.CoinbaseValue)

	info := h.gen.GetMiningInfo()
	require.Equal(t, 3, info.CurrentBlockTx)
	require.Equal(t, 2, info.PooledTx)
	require.Equal(t, 2, info.Candidates)

	solution, err := h.gen.Solve(ctx, candidate)
	require.NoError(t, err)
	block, err := h.gen.SubmitMiningSolution(ctx, solution)
	require.NoError(t, err)
	require.Equal(t, *block.Hash(), h.chain.BestSnapshot().Hash)
	require.Zero(t, h.pool.Count())
	require.Zero(t, h.gen.GetMiningInfo().Candidates)
}

// parentIn returns the input value of tx, which spends either the funding
// output or the first output of parent.
func parentIn(tx, parent *btcutil.Tx, funding int64) int64 {
	if tx == parent {
		return funding
	}
	return parent.MsgTx().TxOut[0].Value
}

func feeOf(tx *btcutil.Tx, in int64) int64 {
	for _, txOut := range tx.MsgTx().TxOut {
		in -= txOut.Value
	}
	return in
}

// TestSubmitMiningSolution covers the rejections of solutions: unknown and
// stale ids, and headers that miss their target.  Neither moves the tip.
func TestSubmitMiningSolution(t *testing.T) {
	t.Parallel()

	h := newMiningHarness(t)
	outs := h.fund(2)
	ctx := context.Background()
	h.accept(spend(outs[:1], 1000))

	_, err := h.gen.SubmitMiningSolution(ctx, &Solution{ID: "nope"})
	require.True(t, IsErrorKind(err, ErrUnknownCandidateID), "%v", err)

	// A candidate for a tip that has since moved is stale.
	stale, err := h.gen.GetMiningCandidate(ctx, true)
	require.NoError(t, err)
	h.mine()
	_, err = h.gen.SubmitMiningSolution(ctx, &Solution{ID: stale.ID})
	require.True(t, IsErrorKind(err, ErrUnknownCandidateID), "%v", err)

	candidate, err := h.gen.GetMiningCandidate(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 2, candidate.NumTx)
	solution, err := h.gen.Solve(ctx, candidate)
	require.NoError(t, err)

	// Find a nonce whose hash misses the target.
	header := candidate.Header(nil)
	header.Timestamp = solution.Time
	target := blockchain.CompactToBig(header.Bits)
	for header.Nonce = 0; ; header.Nonce++ {
		hash := header.BlockHash()
		if blockchain.HashToBig(&hash).Cmp(target) > 0 {
			break
		}
	}

	tip := h.chain.BestSnapshot()
	_, err = h.gen.SubmitMiningSolution(ctx, &Solution{
		ID:    candidate.ID,
		Nonce: header.Nonce,
		Time:  header.Timestamp,
	})
	require.True(t, IsErrorKind(err, ErrInsufficientProof), "%v", err)
	require.Equal(t, tip.Hash, h.chain.BestSnapshot().Hash)
	require.Equal(t, 1, h.pool.Count())

	// The candidate survives a bad solution.
	block, err := h.gen.SubmitMiningSolution(ctx, solution)
	require.NoError(t, err)
	require.Equal(t, tip.Height+1, h.chain.BestSnapshot().Height)
	require.Equal(t, *block.Hash(), h.chain.BestSnapshot().Hash)
	require.Zero(t, h.pool.Count())

	_, err = h.gen.SubmitMiningSolution(ctx, solution)
	require.True(t, IsErrorKind(err, ErrUnknownCandidateID), "%v", err)
}

func TestSolveStale(t *testing.T) {
	t.Parallel()

	h := newMiningHarness(t)
	ctx := context.Background()

	candidate, err := h.gen.GetMiningCandidate(ctx, false)
	require.NoError(t, err)
	h.mine()

	_, err = h.gen.Solve(ctx, candidate)
	require.True(t, IsErrorKind(err, ErrUnknownCandidateID), "%v", err)

	candidate, err = h.gen.GetMiningCandidate(ctx, false)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(ctx, -time.Second)
	defer cancel()
	_, err = h.gen.Solve(ctx, candidate)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
