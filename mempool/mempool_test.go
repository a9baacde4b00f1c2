// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/mempoold/chain"
	"github.com/btcsuite/mempoold/chain/chaingen"
	"github.com/btcsuite/mempoold/txvalidate"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// testPad is the data carrier payload added to every test transaction so
// their sizes are comparable.
const testPad = 200

// testingT is the part of testing.T and rapid.T the harness needs.
type testingT interface {
	require.TestingT
	Helper()
}

// memSpill is an in-memory spill store.
type memSpill struct {
	mtx sync.Mutex
	txs map[chainhash.Hash][]byte
}

func newMemSpill() *memSpill {
	return &memSpill{txs: make(map[chainhash.Hash][]byte)}
}

func (s *memSpill) Put(hash chainhash.Hash, raw []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.txs[hash] = append([]byte(nil), raw...)
	return nil
}

func (s *memSpill) Get(hash chainhash.Hash) ([]byte, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	raw, ok := s.txs[hash]
	if !ok {
		return nil, errors.New("not found")
	}
	return raw, nil
}

func (s *memSpill) Delete(hash chainhash.Hash) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	delete(s.txs, hash)
	return nil
}

func (s *memSpill) len() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.txs)
}

// poolHarness provides a pool bound to a real regtest chain whose blocks pay
// anyone-can-spend outputs, a script validator and a manual clock.
type poolHarness struct {
	t         testingT
	params    *chaincfg.Params
	chain     *chain.Chain
	tip       *btcutil.Block
	clock     *testClock
	validator *txvalidate.Validator
	spill     *memSpill
	pool      *TxPool

	events []*Notification
}

// newPoolHarness returns a harness with a pool using the default policy
// adjusted by mutate.  Non-standard transactions are accepted since the test
// transactions pay to OP_TRUE.
func newPoolHarness(t testingT, mutate func(*Policy)) *poolHarness {
	t.Helper()

	params := chaingen.Params()
	c, err := chain.New(&chain.Config{ChainParams: params})
	require.NoError(t, err)
	genesis, err := c.BlockByHeight(0)
	require.NoError(t, err)

	policy := DefaultPolicy()
	policy.AcceptNonStd = true
	if mutate != nil {
		mutate(&policy)
	}

	h := &poolHarness{
		t:      t,
		params: params,
		chain:  c,
		tip:    genesis,
		clock:  newTestClock(),
		spill:  newMemSpill(),
		validator: txvalidate.New(txvalidate.Config{
			Workers: 2,
			Flags:   txvalidate.StandardScriptFlags,
		}),
	}
	h.validator.Start()
	h.pool = New(&Config{
		Policy:      policy,
		ChainParams: params,
		Chain:       c,
		Validator:   h.validator,
		Spill:       h.spill,
		Now:         h.clock.Now,
	})
	h.pool.Subscribe(func(n *Notification) {
		h.events = append(h.events, n)
	})

	return h
}

func (h *poolHarness) close() {
	h.validator.Stop()
}

// mine connects a block with txns on top of the tip and updates the pool.
func (h *poolHarness) mine(txns ...*btcutil.Tx) *btcutil.Block {
	h.t.Helper()

	block, err := chaingen.NewBlock(h.params, h.tip, 0, txns)
	require.NoError(h.t, err)
	require.NoError(h.t, h.chain.AcceptBlock(block))
	require.NoError(h.t, h.chain.ConnectTip(block))
	h.tip = block
	h.pool.RemoveForBlock(block)
	return block
}

// fund mines a coinbase and a transaction splitting it into n confirmed
// outputs.
func (h *poolHarness) fund(n int) []chaingen.Spendable {
	h.t.Helper()

	b1 := h.mine()
	coinbase := btcutil.NewTx(b1.MsgBlock().Transactions[0])
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

// spend returns a padded transaction spending inputs that pays satPerKB.
func spend(inputs []chaingen.Spendable, numOutputs int,
	satPerKB int64) *btcutil.Tx {

	probe := chaingen.SpendTx(inputs, numOutputs, 0, testPad)
	size := int64(probe.MsgTx().SerializeSize())
	return chaingen.SpendTx(inputs, numOutputs, satPerKB*size/1000, testPad)
}

func (h *poolHarness) submit(tx *btcutil.Tx) (*AdmitResult, error) {
	return h.pool.ProcessTransaction(context.Background(), tx,
		AdmitFlags{}, 0)
}

// mustAccept submits tx and requires it to be admitted.
func (h *poolHarness) mustAccept(tx *btcutil.Tx) {
	h.t.Helper()

	result, err := h.submit(tx)
	require.NoError(h.t, err)
	require.False(h.t, result.Orphaned)
	require.True(h.t, h.pool.IsTransactionInPool(tx.Hash()))
	require.NoError(h.t, h.pool.CheckJournal())
}

// removals returns the removal events seen so far keyed by transaction.
func (h *poolHarness) removals() map[chainhash.Hash]*RemovalEvent {
	removed := make(map[chainhash.Hash]*RemovalEvent)
	for _, n := range h.events {
		if ev, ok := n.Data.(*RemovalEvent); ok {
			removed[ev.TxID] = ev
		}
	}
	return removed
}

func requireReject(t testingT, err error, code wire.RejectCode,
	kind ErrorKind, reason string) {

	t.Helper()

	require.Error(t, err)
	gotCode, gotReason := RejectReasonOf(err)
	require.Equal(t, code, gotCode, "%v", err)
	require.Equal(t, kind, ErrorKindOf(err), "%v", err)
	require.Equal(t, reason, gotReason, "%v", err)
}

func TestAdmissionRejections(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, nil)
	defer h.close()
	outs := h.fund(4)

	accepted := spend(outs[:1], 1, 1000)
	h.mustAccept(accepted)

	coinbase := btcutil.NewTx(h.tip.MsgBlock().Transactions[0])
	belowOut := spend(outs[1:2], 1, 1000)
	belowOut.MsgTx().TxOut[0].Value = outs[1].Amount + 1
	belowOut = btcutil.NewTx(belowOut.MsgTx())
	zeroFee := spend(outs[2:3], 1, 0)
	failing := spend(outs[3:4], 1, 1000)
	failing.MsgTx().TxIn[0].SignatureScript = []byte{0x00, 0x6a}
	failing = btcutil.NewTx(failing.MsgTx())

	tests := []struct {
		name   string
		tx     *btcutil.Tx
		code   wire.RejectCode
		kind   ErrorKind
		reason string
	}{{
		name:   "duplicate",
		tx:     accepted,
		code:   wire.RejectDuplicate,
		kind:   ErrDuplicate,
		reason: "txn-already-in-mempool",
	}, {
		name:   "lone coinbase",
		tx:     coinbase,
		code:   wire.RejectInvalid,
		kind:   ErrInvalid,
		reason: "coinbase",
	}, {
		name:   "outputs above inputs",
		tx:     belowOut,
		code:   wire.RejectInvalid,
		kind:   ErrInvalid,
		reason: "bad-txns-in-belowout",
	}, {
		name:   "conflict",
		tx:     spend(outs[:1], 2, 1000),
		code:   wire.RejectDuplicate,
		kind:   ErrConflict,
		reason: "txn-mempool-conflict",
	}, {
		name:   "no fee",
		tx:     zeroFee,
		code:   wire.RejectInsufficientFee,
		kind:   ErrInsufficientFee,
		reason: "insufficient priority",
	}, {
		name:   "script failure",
		tx:     failing,
		code:   wire.RejectInvalid,
		kind:   ErrScriptInvalid,
		reason: "mandatory-script-verify-flag-failed",
	}}

	for _, test := range tests {
		_, err := h.submit(test.tx)
		requireReject(t, err, test.code, test.kind, test.reason)
	}

	// Script failures are remembered until the next block.
	_, err := h.submit(failing)
	requireReject(t, err, wire.RejectDuplicate, ErrDuplicate,
		"txn-already-known")
	h.mine()
	_, err = h.submit(failing)
	requireReject(t, err, wire.RejectInvalid, ErrScriptInvalid,
		"mandatory-script-verify-flag-failed")

	require.Equal(t, 1, h.pool.Count())
}

func TestDoubleSpendNotification(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, nil)
	defer h.close()
	outs := h.fund(1)

	original := spend(outs, 1, 1000)
	h.mustAccept(original)

	conflict := spend(outs, 2, 5000)
	_, err := h.submit(conflict)
	requireReject(t, err, wire.RejectDuplicate, ErrConflict,
		"txn-mempool-conflict")

	var ds *DoubleSpendEvent
	for _, n := range h.events {
		if n.Type == NTDoubleSpend {
			ds = n.Data.(*DoubleSpendEvent)
		}
	}
	require.NotNil(t, ds)
	require.Equal(t, conflict.Hash(), ds.Tx.Hash())
	require.Equal(t, []chainhash.Hash{*original.Hash()}, ds.Conflicting)
	require.False(t, ds.Replaced)
}

func TestReplacement(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, nil)
	defer h.close()
	h.pool.cfg.AllowReplacement = func(tx *btcutil.Tx,
		conflicts []*TxDesc) bool {

		return len(conflicts) == 1
	}
	outs := h.fund(1)

	original := spend(outs, 1, 1000)
	h.mustAccept(original)
	child := spend([]chaingen.Spendable{chaingen.OutputOf(original, 0)},
		1, 1000)
	h.mustAccept(child)

	replacement := spend(outs, 2, 5000)
	h.mustAccept(replacement)

	removed := h.removals()
	require.Equal(t, ReasonReplaced, removed[*original.Hash()].Reason)
	require.Equal(t, ReasonReplaced, removed[*child.Hash()].Reason)
	require.Equal(t, 1, h.pool.Count())
	require.Equal(t, []chainhash.Hash{*replacement.Hash()},
		h.pool.Journal().Hashes())
}

// TestOrphanChain ensures that a chain of orphans is moved into the pool, in
// order, once the transaction linking it arrives.
func TestOrphanChain(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, nil)
	defer h.close()
	outs := h.fund(1)

	var chained []*btcutil.Tx
	prev := outs[0]
	for i := 0; i < 4; i++ {
		tx := spend([]chaingen.Spendable{prev}, 1, 1000)
		chained = append(chained, tx)
		prev = chaingen.OutputOf(tx, 0)
	}

	for _, tx := range chained[1:] {
		result, err := h.submit(tx)
		require.NoError(t, err)
		require.True(t, result.Orphaned)
		require.Empty(t, result.Accepted)
		require.True(t, h.pool.IsOrphanInPool(tx.Hash()))
		require.False(t, h.pool.IsTransactionInPool(tx.Hash()))
		require.True(t, h.pool.HaveTransaction(tx.Hash()))
	}

	result, err := h.submit(chained[0])
	require.NoError(t, err)
	require.Len(t, result.Accepted, len(chained))
	for i, desc := range result.Accepted {
		require.Equal(t, chained[i].Hash(), desc.Tx.Hash())
		require.False(t, h.pool.IsOrphanInPool(desc.Tx.Hash()))
	}

	hashes := make([]chainhash.Hash, 0, len(chained))
	for _, tx := range chained {
		hashes = append(hashes, *tx.Hash())
	}
	require.Equal(t, hashes, h.pool.Journal().Hashes())

	// A transaction spending an unknown output after a reorg never
	// becomes an orphan.
	stray := spend([]chaingen.Spendable{{
		OutPoint: wire.OutPoint{Hash: chainhash.Hash{0x01}},
		Amount:   1000000,
	}}, 1, 1000)
	_, err = h.pool.ProcessTransaction(context.Background(), stray,
		AdmitFlags{Reorg: true}, 0)
	require.Equal(t, ErrMissingInputs, ErrorKindOf(err))
	require.False(t, h.pool.HaveTransaction(stray.Hash()))
}

// TestOrphanRequeueKeepsTag admits one of two missing parents.  The orphan
// goes back to the orphan pool under the tag it arrived with.
func TestOrphanRequeueKeepsTag(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, nil)
	defer h.close()
	outs := h.fund(2)

	left := spend(outs[:1], 1, 1000)
	right := spend(outs[1:], 1, 1000)
	child := spend([]chaingen.Spendable{
		chaingen.OutputOf(left, 0), chaingen.OutputOf(right, 0),
	}, 1, 1000)

	result, err := h.pool.ProcessTransaction(context.Background(), child,
		AdmitFlags{}, 7)
	require.NoError(t, err)
	require.True(t, result.Orphaned)

	h.mustAccept(left)
	require.True(t, h.pool.IsOrphanInPool(child.Hash()))
	require.Equal(t, uint64(1), h.pool.RemoveOrphansByTag(7))

	h.mustAccept(right)
	require.False(t, h.pool.HaveTransaction(child.Hash()))
}

// TestProcessBlockOrphans mines the parent of an orphan chain, which then
// moves into the pool, and an orphan together with its parent, which just
// leaves the orphan pool.
func TestProcessBlockOrphans(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, nil)
	defer h.close()
	outs := h.fund(2)
	ctx := context.Background()

	parent := spend(outs[:1], 1, 1000)
	child := spend([]chaingen.Spendable{chaingen.OutputOf(parent, 0)}, 1,
		1000)
	grandchild := spend([]chaingen.Spendable{chaingen.OutputOf(child, 0)},
		1, 1000)
	other := spend(outs[1:], 1, 1000)
	minedOrphan := spend([]chaingen.Spendable{chaingen.OutputOf(other, 0)},
		1, 1000)
	for _, tx := range []*btcutil.Tx{child, grandchild, minedOrphan} {
		result, err := h.submit(tx)
		require.NoError(t, err)
		require.True(t, result.Orphaned)
	}

	block := h.mine(parent, other, minedOrphan)
	require.False(t, h.pool.HaveTransaction(minedOrphan.Hash()))
	require.True(t, h.pool.IsOrphanInPool(child.Hash()))

	accepted := h.pool.ProcessBlockOrphans(ctx, block)
	require.Len(t, accepted, 2)
	require.Equal(t, child.Hash(), accepted[0].Tx.Hash())
	require.Equal(t, grandchild.Hash(), accepted[1].Tx.Hash())
	require.Equal(t, []chainhash.Hash{*child.Hash(), *grandchild.Hash()},
		h.pool.Journal().Hashes())
	require.NoError(t, h.pool.CheckJournal())
}

// TestChildPaysForParent covers a parent below the mining fee that becomes
// minable once a child pays for both, and its demotion when the child
// leaves again.
func TestChildPaysForParent(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, nil)
	defer h.close()
	outs := h.fund(1)

	parent := spend(outs, 1, 300)
	h.mustAccept(parent)
	require.False(t, h.pool.IsPrimary(parent.Hash()))
	require.Zero(t, h.pool.Journal().Len())

	info := h.pool.GetMempoolInfo()
	require.Equal(t, 1, info.SecondarySize)

	child := spend([]chaingen.Spendable{chaingen.OutputOf(parent, 0)}, 1,
		2000)
	h.mustAccept(child)
	require.True(t, h.pool.IsPrimary(parent.Hash()))
	require.True(t, h.pool.IsPrimary(child.Hash()))
	require.Equal(t, []chainhash.Hash{*parent.Hash(), *child.Hash()},
		h.pool.Journal().Hashes())

	// Both members carry the child as the payer of their group.
	require.Equal(t, *child.Hash(), h.pool.pool[*parent.Hash()].group)
	require.Equal(t, *child.Hash(), h.pool.pool[*child.Hash()].group)

	h.pool.RemoveTransaction(child, false, ReasonExpired)
	require.False(t, h.pool.IsPrimary(parent.Hash()))
	require.Zero(t, h.pool.Journal().Len())
	require.NoError(t, h.pool.CheckJournal())
}

// TestLateParentRebuildsJournal covers a primary child whose parent enters
// the pool after it, which happens when a block is disconnected.
func TestLateParentRebuildsJournal(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, nil)
	defer h.close()
	outs := h.fund(1)

	parent := spend(outs, 1, 1000)
	child := spend([]chaingen.Spendable{chaingen.OutputOf(parent, 0)}, 1,
		1000)

	block := h.mine(parent)
	h.mustAccept(child)
	require.Equal(t, []chainhash.Hash{*child.Hash()},
		h.pool.Journal().Hashes())

	disconnected, err := h.chain.DisconnectTip()
	require.NoError(t, err)
	require.Equal(t, block.Hash(), disconnected.Hash())

	_, _, err = h.pool.MaybeAcceptTransaction(context.Background(), parent,
		AdmitFlags{Reorg: true})
	require.NoError(t, err)
	require.Equal(t, []chainhash.Hash{*parent.Hash(), *child.Hash()},
		h.pool.Journal().Hashes())
	require.NoError(t, h.pool.CheckJournal())
}

// feeOf returns the fee tx pays when spending inputs worth in.
func feeOf(tx *btcutil.Tx, in int64) int64 {
	for _, txOut := range tx.MsgTx().TxOut {
		in -= txOut.Value
	}
	return in
}

// floorAfterEvicting returns the rolling minimum fee, in sat/kB, after a
// transaction paying fee for size bytes was evicted.
func floorAfterEvicting(fee, size int64) int64 {
	rate := float64(fee)*1000/float64(size) +
		float64(DefaultIncrementalRelayFee)
	return int64(math.Round(rate))
}

// TestEvictionOrder fills a pool that holds three transactions and checks
// which transaction leaves first and how the rolling minimum fee follows.
func TestEvictionOrder(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, nil)
	defer h.close()
	outs := h.fund(5)

	usage := txMemUsage(spend(outs[:1], 1, 1000).MsgTx(), false)
	h.pool.cfg.Policy.MaxMempoolSize = 3*usage + usage/2

	a := spend(outs[0:1], 1, 1000)
	b := spend(outs[1:2], 1, 600)
	c := spend(outs[2:3], 1, 2000)
	h.mustAccept(a)
	h.mustAccept(b)
	h.mustAccept(c)
	require.True(t, h.pool.MinFee().IsZero())

	// The fourth transaction pushes out the cheapest one.
	d := spend(outs[3:4], 1, 3000)
	h.mustAccept(d)
	require.False(t, h.pool.IsTransactionInPool(b.Hash()))
	require.Equal(t, ReasonLowFeeEvicted, h.removals()[*b.Hash()].Reason)
	floor := floorAfterEvicting(feeOf(b, outs[1].Amount),
		int64(b.MsgTx().SerializeSize()))
	require.InDelta(t, 850, floor, 5)
	require.Equal(t, floor, h.pool.MinFee().SatPerKB())
	require.LessOrEqual(t, h.pool.Usage(), h.pool.cfg.Policy.MaxMempoolSize)

	// Below the rolling minimum fee.
	_, err := h.submit(spend(outs[4:5], 1, 800))
	requireReject(t, err, wire.RejectInsufficientFee, ErrInsufficientFee,
		"mempool min fee not met")

	// Above the floor but still the cheapest transaction around.
	e := spend(outs[4:5], 1, 900)
	_, err = h.submit(e)
	requireReject(t, err, wire.RejectInsufficientFee, ErrInsufficientFee,
		"mempool full")
	require.Equal(t, 3, h.pool.Count())
	require.NoError(t, h.pool.CheckJournal())
	floor = floorAfterEvicting(feeOf(e, outs[4].Amount),
		int64(e.MsgTx().SerializeSize()))
	require.Equal(t, floor, h.pool.MinFee().SatPerKB())

	// The floor only decays once a block arrived after the last bump.
	h.clock.advance(24 * time.Hour)
	require.Equal(t, floor, h.pool.MinFee().SatPerKB())
	h.mine()
	h.clock.advance(24 * time.Hour)
	require.True(t, h.pool.MinFee().IsZero(),
		spew.Sdump(h.pool.GetMempoolInfo()))
}

// TestEvictSecondaryFirst checks that a secondary transaction is evicted
// before a primary one that pays less on its own but was prioritised.
func TestEvictSecondaryFirst(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, nil)
	defer h.close()
	outs := h.fund(3)

	usage := txMemUsage(spend(outs[:1], 1, 1000).MsgTx(), false)
	h.pool.cfg.Policy.MaxMempoolSize = 2*usage + usage/2

	secondary := spend(outs[0:1], 1, 400)
	primary := spend(outs[1:2], 1, 200)
	h.mustAccept(secondary)
	h.pool.PrioritiseTransaction(*primary.Hash(), 1000)
	h.mustAccept(primary)
	require.True(t, h.pool.IsPrimary(primary.Hash()))

	h.mustAccept(spend(outs[2:3], 1, 5000))
	require.False(t, h.pool.IsTransactionInPool(secondary.Hash()))
	require.True(t, h.pool.IsTransactionInPool(primary.Hash()))
}

func TestPrioritiseTransaction(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, nil)
	defer h.close()
	outs := h.fund(1)

	tx := spend(outs, 1, 300)
	h.mustAccept(tx)
	require.False(t, h.pool.IsPrimary(tx.Hash()))

	h.pool.PrioritiseTransaction(*tx.Hash(), 1000)
	require.True(t, h.pool.IsPrimary(tx.Hash()))
	entries := h.pool.Journal().Entries()
	require.Len(t, entries, 1)
	desc, ok := h.pool.FetchTxDesc(tx.Hash())
	require.True(t, ok)
	require.Equal(t, desc.Fee+1000, entries[0].Fee)
	require.Equal(t, desc.ModifiedFee, entries[0].Fee)

	h.pool.PrioritiseTransaction(*tx.Hash(), -1000)
	require.False(t, h.pool.IsPrimary(tx.Hash()))
	require.NoError(t, h.pool.CheckJournal())
}

// TestRemoveForBlock covers mined transactions, their surviving children and
// transactions double spent by the block.
func TestRemoveForBlock(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, nil)
	defer h.close()
	outs := h.fund(2)

	parent := spend(outs[0:1], 1, 1000)
	child := spend([]chaingen.Spendable{chaingen.OutputOf(parent, 0)}, 1,
		1000)
	victim := spend(outs[1:2], 1, 1000)
	victimChild := spend([]chaingen.Spendable{chaingen.OutputOf(victim, 0)},
		1, 1000)
	for _, tx := range []*btcutil.Tx{parent, child, victim, victimChild} {
		h.mustAccept(tx)
	}

	doubleSpend := spend(outs[1:2], 3, 1000)
	block := h.mine(parent, doubleSpend)

	removed := h.removals()
	require.Equal(t, ReasonIncludedInBlock, removed[*parent.Hash()].Reason)
	require.Equal(t, block.Hash(), removed[*parent.Hash()].BlockHash)
	for _, hash := range []chainhash.Hash{*victim.Hash(), *victimChild.Hash()} {
		ev := removed[hash]
		require.Equal(t, ReasonCollisionInBlockTx, ev.Reason)
		require.Equal(t, *doubleSpend.Hash(), ev.CollidedWith.TxID)
		require.Equal(t, int64(doubleSpend.MsgTx().SerializeSize()),
			ev.CollidedWith.Size)
	}

	require.Equal(t, 1, h.pool.Count())
	require.True(t, h.pool.IsPrimary(child.Hash()))
	require.Equal(t, []chainhash.Hash{*child.Hash()},
		h.pool.Journal().Hashes())
	require.NoError(t, h.pool.CheckJournal())
}

func TestRemoveForReorg(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, nil)
	defer h.close()
	outs := h.fund(2)

	tx := spend(outs[0:1], 1, 1000)
	child := spend([]chaingen.Spendable{chaingen.OutputOf(tx, 0)}, 1, 1000)
	h.mustAccept(tx)
	h.mustAccept(child)

	// Disconnecting the funding block takes the inputs away.
	_, err := h.chain.DisconnectTip()
	require.NoError(t, err)

	events := h.pool.RemoveForReorg()
	require.Len(t, events, 2)
	for _, ev := range events {
		require.Equal(t, ReasonReorg, ev.Reason)
	}
	require.Zero(t, h.pool.Count())
	require.Zero(t, h.pool.Journal().Len())
}

func TestExpire(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, func(p *Policy) {
		p.MempoolExpiry = time.Hour
	})
	defer h.close()
	outs := h.fund(2)

	old := spend(outs[0:1], 1, 1000)
	h.mustAccept(old)
	h.clock.advance(30 * time.Minute)
	fresh := spend(outs[1:2], 1, 1000)
	h.mustAccept(fresh)

	h.clock.advance(31 * time.Minute)
	h.mine()
	require.Equal(t, ReasonExpired, h.removals()[*old.Hash()].Reason)
	require.True(t, h.pool.IsTransactionInPool(fresh.Hash()))
}

func TestAncestorLimits(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, func(p *Policy) {
		p.MaxAncestorCount = 3
	})
	defer h.close()
	outs := h.fund(1)

	prev := outs[0]
	var chained []*btcutil.Tx
	for i := 0; i < 4; i++ {
		tx := spend([]chaingen.Spendable{prev}, 1, 1000)
		chained = append(chained, tx)
		prev = chaingen.OutputOf(tx, 0)
	}
	for _, tx := range chained[:3] {
		h.mustAccept(tx)
	}
	_, err := h.submit(chained[3])
	requireReject(t, err, wire.RejectNonstandard, ErrAncestorLimitExceeded,
		"too-long-mempool-chain")

	// Resurrected transactions skip the check and are cut back later.
	_, _, err = h.pool.MaybeAcceptTransaction(context.Background(),
		chained[3], AdmitFlags{Reorg: true})
	require.NoError(t, err)
	events := h.pool.EnforceAncestorLimits()
	require.Len(t, events, 1)
	require.Equal(t, *chained[3].Hash(), events[0].TxID)
	require.Equal(t, ReasonAncestorLimit, events[0].Reason)
}

func TestSpill(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, func(p *Policy) {
		p.MaxMempoolSizeDisk = 1000000
	})
	defer h.close()
	outs := h.fund(4)

	// Room for three bodies and one spilled entry.
	shape := spend(outs[:1], 1, 1000).MsgTx()
	h.pool.cfg.Policy.MaxMempoolSize = 3*txMemUsage(shape, false) +
		txMemUsage(shape, true)

	cheap := spend(outs[0:1], 1, 600)
	h.mustAccept(cheap)
	for _, out := range outs[1:] {
		h.mustAccept(spend([]chaingen.Spendable{out}, 1, 2000))
	}

	// Nothing was evicted; the cheapest body went to disk instead.
	require.Equal(t, 4, h.pool.Count())
	require.Equal(t, 1, h.spill.len())
	desc, ok := h.pool.FetchTxDesc(cheap.Hash())
	require.True(t, ok)
	require.True(t, desc.Spilled)
	require.Equal(t, cheap.Hash(), desc.Tx.Hash())
	fetched, err := h.pool.FetchTransaction(cheap.Hash())
	require.NoError(t, err)
	require.Equal(t, cheap.Hash(), fetched.Hash())

	info := h.pool.GetMempoolInfo()
	require.Equal(t, int64(cheap.MsgTx().SerializeSize()), info.UsageDisk)
	require.Equal(t, h.pool.cfg.Policy.MaxMempoolSize, info.Usage)

	// A spilled parent still resolves inputs.
	h.mustAccept(spend([]chaingen.Spendable{chaingen.OutputOf(cheap, 0)},
		1, 5000))
	require.Equal(t, 5, h.pool.Count())
	require.LessOrEqual(t, h.pool.Usage(), h.pool.cfg.Policy.MaxMempoolSize)
	spilled := h.spill.len()
	require.Greater(t, spilled, 1)

	// Mining the spilled transaction drops its body from disk.
	h.mine(cheap)
	_, err = h.spill.Get(*cheap.Hash())
	require.Error(t, err)
	require.Equal(t, spilled-1, h.spill.len())
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	h := newPoolHarness(t, nil)
	defer h.close()
	outs := h.fund(2)

	parent := spend(outs[0:1], 1, 300)
	child := spend([]chaingen.Spendable{chaingen.OutputOf(parent, 0)}, 1,
		2000)
	other := spend(outs[1:2], 1, 1000)
	for _, tx := range []*btcutil.Tx{parent, child, other} {
		h.mustAccept(tx)
	}
	h.pool.PrioritiseTransaction(*other.Hash(), 77)

	entries, err := h.pool.Snapshot()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		if *e.Tx.Hash() == *other.Hash() {
			e.Spilled = true
		}
	}

	// An entry whose inputs are gone is dropped with its fee delta.
	stray := spend([]chaingen.Spendable{{
		OutPoint: wire.OutPoint{Hash: chainhash.Hash{0x02}},
		Amount:   1000000,
	}}, 1, 1000)
	entries = append(entries, &SnapshotEntry{
		Tx:       stray,
		Added:    h.clock.Now(),
		FeeDelta: 500,
	})

	policy := h.pool.cfg.Policy
	policy.MaxMempoolSizeDisk = 1000000
	spill := newMemSpill()
	restored := New(&Config{
		Policy:      policy,
		ChainParams: h.params,
		Chain:       h.chain,
		Validator:   h.validator,
		Spill:       spill,
		Now:         h.clock.Now,
	})
	require.Equal(t, 3, restored.LoadSnapshot(context.Background(), entries))
	require.Equal(t, h.pool.Journal().Hashes(), restored.Journal().Hashes())

	desc, ok := restored.FetchTxDesc(other.Hash())
	require.True(t, ok)
	require.Equal(t, desc.Fee+77, desc.ModifiedFee)
	require.True(t, desc.Spilled)
	require.Equal(t, 1, spill.len())
	require.NoError(t, restored.CheckJournal())

	restored.mtx.RLock()
	_, kept := restored.feeDeltas[*stray.Hash()]
	restored.mtx.RUnlock()
	require.False(t, kept)
}

// requirePrimaryClosed checks that every in-pool parent of a primary
// transaction is primary too and that the counters agree with the entries.
func requirePrimaryClosed(t testingT, mp *TxPool) {
	t.Helper()

	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	var count int
	var size int64
	for hash, entry := range mp.pool {
		if !entry.primary {
			continue
		}
		count++
		size += entry.desc.Size
		node, ok := mp.graph.GetNode(hash)
		require.True(t, ok)
		for parent := range node.Parents {
			require.True(t, mp.pool[parent].primary,
				"primary %v has secondary parent %v", hash, parent)
		}
	}
	require.Equal(t, count, mp.primaryCount)
	require.Equal(t, size, mp.primarySize)
}

// TestPoolInvariants drives a pool through random admissions,
// prioritisations and removals.
func TestPoolInvariants(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newPoolHarness(rt, nil)
		defer h.close()
		spendable := h.fund(6)

		shape := spend(spendable[:1], 2, 1000).MsgTx()
		h.pool.cfg.Policy.MaxMempoolSize = 8 * txMemUsage(shape, false)

		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			hashes := h.pool.TxHashes()

			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0, 1:
				if len(spendable) == 0 {
					continue
				}
				idx := rapid.IntRange(0, len(spendable)-1).Draw(rt,
					"input")
				rate := rapid.Int64Range(250, 3000).Draw(rt, "rate")
				tx := spend(spendable[idx:idx+1], 2, rate)
				if _, err := h.submit(tx); err != nil {
					continue
				}
				spendable = append(spendable[:idx],
					spendable[idx+1:]...)
				spendable = append(spendable,
					chaingen.OutputOf(tx, 0),
					chaingen.OutputOf(tx, 1))

			case 2:
				if len(hashes) == 0 {
					continue
				}
				hash := hashes[rapid.IntRange(0, len(hashes)-1).Draw(rt,
					"prioritise")]
				delta := rapid.Int64Range(-500, 500).Draw(rt, "delta")
				h.pool.PrioritiseTransaction(*hash, delta)

			case 3:
				if len(hashes) == 0 {
					continue
				}
				hash := hashes[rapid.IntRange(0, len(hashes)-1).Draw(rt,
					"remove")]
				tx, err := h.pool.FetchTransaction(hash)
				require.NoError(rt, err)
				cascade := rapid.Bool().Draw(rt, "cascade")
				h.pool.RemoveTransaction(tx, cascade, ReasonExpired)
			}

			require.NoError(rt, h.pool.CheckJournal())
			requirePrimaryClosed(rt, h.pool)
			require.LessOrEqual(rt, h.pool.Usage(),
				h.pool.cfg.Policy.MaxMempoolSize)
		}
	})
}
