package txgraph

import (
	"encoding/binary"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// txCounter is a global atomic counter for generating unique transaction
// hashes and insertion sequences.
var txCounter uint64

// txGenerator generates unique test transactions by embedding a counter in
// each output script.
type txGenerator struct {
	counter *uint64
}

func newTxGenerator() *txGenerator {
	return &txGenerator{counter: &txCounter}
}

// createTx creates a transaction spending the passed outpoints together with
// a descriptor paying fee.
func (gen *txGenerator) createTx(inputs []wire.OutPoint, numOutputs int,
	fee int64) (*btcutil.Tx, *TxDesc) {

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, input := range inputs {
		tx.AddTxIn(wire.NewTxIn(&input, nil, nil))
	}
	for i := 0; i < numOutputs; i++ {
		counter := atomic.AddUint64(gen.counter, 1)
		pkScript := make([]byte, 8)
		binary.BigEndian.PutUint64(pkScript, counter)
		tx.AddTxOut(wire.NewTxOut(100000, pkScript))
	}

	btcTx := btcutil.NewTx(tx)
	desc := &TxDesc{
		TxHash:   *btcTx.Hash(),
		Size:     int64(tx.SerializeSize()),
		Fee:      fee,
		Added:    time.Now(),
		Sequence: atomic.AddUint64(gen.counter, 1),
	}

	return btcTx, desc
}

// confirmedOutPoint returns an outpoint that no graph transaction creates.
func confirmedOutPoint(b byte) wire.OutPoint {
	return wire.OutPoint{Hash: chainhash.Hash{b}, Index: 0}
}

func outPoint(tx *btcutil.Tx, index uint32) wire.OutPoint {
	return wire.OutPoint{Hash: *tx.Hash(), Index: index}
}

func TestAddTransactionLinksEdges(t *testing.T) {
	t.Parallel()

	gen := newTxGenerator()
	g := New(nil)

	parent, parentDesc := gen.createTx(
		[]wire.OutPoint{confirmedOutPoint(1)}, 2, 100,
	)
	require.NoError(t, g.AddTransaction(parent, parentDesc))

	child, childDesc := gen.createTx(
		[]wire.OutPoint{outPoint(parent, 0), outPoint(parent, 1)}, 1, 200,
	)
	require.NoError(t, g.AddTransaction(child, childDesc))

	parentNode, ok := g.GetNode(*parent.Hash())
	require.True(t, ok)
	childNode, ok := g.GetNode(*child.Hash())
	require.True(t, ok)

	// Two inputs spending the same parent produce a single edge.
	require.Len(t, parentNode.Children, 1)
	require.Contains(t, childNode.Parents, *parent.Hash())
	require.Equal(t, 1, g.GetMetrics().EdgeCount)
	require.Equal(t, parentNode.ClusterID, childNode.ClusterID)

	spender, ok := g.SpentBy(outPoint(parent, 1))
	require.True(t, ok)
	require.Equal(t, *child.Hash(), spender.TxHash)

	require.ErrorIs(t, g.AddTransaction(parent, parentDesc),
		ErrTransactionExists)
}

// TestAddParentAfterChild ensures a transaction added underneath existing
// descendants, as happens when a block is disconnected, gets linked to them.
func TestAddParentAfterChild(t *testing.T) {
	t.Parallel()

	gen := newTxGenerator()
	g := New(nil)

	parent, parentDesc := gen.createTx(
		[]wire.OutPoint{confirmedOutPoint(2)}, 1, 100,
	)
	child, childDesc := gen.createTx(
		[]wire.OutPoint{outPoint(parent, 0)}, 1, 100,
	)

	require.NoError(t, g.AddTransaction(child, childDesc))
	require.NoError(t, g.AddTransaction(parent, parentDesc))

	childNode, _ := g.GetNode(*child.Hash())
	require.Contains(t, childNode.Parents, *parent.Hash())

	stats, err := g.AncestorStats(*child.Hash())
	require.NoError(t, err)
	require.Equal(t, Stats{Count: 2, Size: parentDesc.Size + childDesc.Size,
		Fees: 200}, stats)
}

func TestDoubleSpendRejected(t *testing.T) {
	t.Parallel()

	gen := newTxGenerator()
	g := New(nil)

	tx1, desc1 := gen.createTx([]wire.OutPoint{confirmedOutPoint(3)}, 1, 1)
	tx2, desc2 := gen.createTx([]wire.OutPoint{confirmedOutPoint(3)}, 1, 1)
	require.NoError(t, g.AddTransaction(tx1, desc1))

	conflicts := g.GetConflicts(tx2)
	require.Len(t, conflicts, 1)
	require.Equal(t, *tx1.Hash(), conflicts[0].TxHash)

	require.ErrorIs(t, g.AddTransaction(tx2, desc2), ErrInputAlreadySpent)
}

// TestRemoveTransactionCascade ensures descendants are removed with their
// ancestor, children first, and that the spent index is cleaned up.
func TestRemoveTransactionCascade(t *testing.T) {
	t.Parallel()

	gen := newTxGenerator()
	g := New(nil)

	a, aDesc := gen.createTx([]wire.OutPoint{confirmedOutPoint(4)}, 1, 1)
	b, bDesc := gen.createTx([]wire.OutPoint{outPoint(a, 0)}, 1, 1)
	c, cDesc := gen.createTx([]wire.OutPoint{outPoint(b, 0)}, 1, 1)
	for _, pair := range []struct {
		tx   *btcutil.Tx
		desc *TxDesc
	}{{a, aDesc}, {b, bDesc}, {c, cDesc}} {
		require.NoError(t, g.AddTransaction(pair.tx, pair.desc))
	}

	removed, err := g.RemoveTransaction(*a.Hash())
	require.NoError(t, err)
	require.Equal(t, []chainhash.Hash{*c.Hash(), *b.Hash(), *a.Hash()},
		removed)
	require.Zero(t, g.GetNodeCount())
	require.Zero(t, g.GetMetrics().EdgeCount)
	require.Zero(t, g.GetMetrics().ClusterCount)

	_, spent := g.SpentBy(confirmedOutPoint(4))
	require.False(t, spent)
}

// TestRemoveNoCascadeSplitsCluster ensures removing the bridge between two
// branches leaves two clusters with fresh aggregates.
func TestRemoveNoCascadeSplitsCluster(t *testing.T) {
	t.Parallel()

	gen := newTxGenerator()
	g := New(nil)

	root, rootDesc := gen.createTx([]wire.OutPoint{confirmedOutPoint(5)}, 2, 10)
	left, leftDesc := gen.createTx([]wire.OutPoint{outPoint(root, 0)}, 1, 20)
	right, rightDesc := gen.createTx([]wire.OutPoint{outPoint(root, 1)}, 1, 30)
	require.NoError(t, g.AddTransaction(root, rootDesc))
	require.NoError(t, g.AddTransaction(left, leftDesc))
	require.NoError(t, g.AddTransaction(right, rightDesc))
	require.Equal(t, 1, g.GetMetrics().ClusterCount)

	stats, err := g.AncestorStats(*left.Hash())
	require.NoError(t, err)
	require.Equal(t, 2, stats.Count)

	require.NoError(t, g.RemoveTransactionNoCascade(*root.Hash()))
	require.Equal(t, 2, g.GetMetrics().ClusterCount)

	leftNode, _ := g.GetNode(*left.Hash())
	rightNode, _ := g.GetNode(*right.Hash())
	require.NotEqual(t, leftNode.ClusterID, rightNode.ClusterID)

	// The cached aggregate must not include the removed parent.
	stats, err = g.AncestorStats(*left.Hash())
	require.NoError(t, err)
	require.Equal(t, Stats{Count: 1, Size: leftDesc.Size, Fees: 20}, stats)
}

func TestUpdateFeeInvalidatesAggregates(t *testing.T) {
	t.Parallel()

	gen := newTxGenerator()
	g := New(nil)

	parent, parentDesc := gen.createTx([]wire.OutPoint{confirmedOutPoint(6)}, 1, 10)
	child, childDesc := gen.createTx([]wire.OutPoint{outPoint(parent, 0)}, 1, 20)
	require.NoError(t, g.AddTransaction(parent, parentDesc))
	require.NoError(t, g.AddTransaction(child, childDesc))

	desc, err := g.DescendantStats(*parent.Hash())
	require.NoError(t, err)
	require.Equal(t, int64(30), desc.Fees)

	require.NoError(t, g.UpdateFee(*child.Hash(), 1020))
	desc, err = g.DescendantStats(*parent.Hash())
	require.NoError(t, err)
	require.Equal(t, int64(1030), desc.Fees)
}

// TestAncestorsOf ensures the prospective ancestry of a transaction not yet
// in the graph is computed transitively.
func TestAncestorsOf(t *testing.T) {
	t.Parallel()

	gen := newTxGenerator()
	g := New(nil)

	a, aDesc := gen.createTx([]wire.OutPoint{confirmedOutPoint(7)}, 1, 5)
	b, bDesc := gen.createTx([]wire.OutPoint{outPoint(a, 0)}, 2, 7)
	require.NoError(t, g.AddTransaction(a, aDesc))
	require.NoError(t, g.AddTransaction(b, bDesc))

	c, _ := gen.createTx([]wire.OutPoint{outPoint(b, 0), outPoint(b, 1),
		confirmedOutPoint(8)}, 1, 0)
	ancestors, stats := g.AncestorsOf(c)
	require.Len(t, ancestors, 2)
	require.Equal(t, Stats{Count: 2, Size: aDesc.Size + bDesc.Size, Fees: 12},
		stats)
}

// TestGraphProperties checks structural invariants over random DAGs.
func TestGraphProperties(t *testing.T) {
	t.Run("topological order and clusters", rapid.MakeCheck(func(t *rapid.T) {
		gen := newTxGenerator()
		g := New(nil)

		var txs []*btcutil.Tx
		numTxs := rapid.IntRange(1, 30).Draw(t, "numTxs")
		for i := 0; i < numTxs; i++ {
			var inputs []wire.OutPoint
			if len(txs) > 0 {
				numParents := rapid.IntRange(0, 3).Draw(t, "numParents")
				seen := make(map[int]bool)
				for j := 0; j < numParents; j++ {
					p := rapid.IntRange(0, len(txs)-1).Draw(t, "parent")
					if seen[p] {
						continue
					}
					seen[p] = true
					// Output i is only ever spent by transaction i.
					inputs = append(inputs, outPoint(txs[p], uint32(i)))
				}
			}
			if len(inputs) == 0 {
				inputs = append(inputs, confirmedOutPoint(byte(i)))
				inputs[0].Index = uint32(i) + 1000
			}
			tx, desc := gen.createTx(inputs, numTxs, 1)
			require.NoError(t, g.AddTransaction(tx, desc))
			txs = append(txs, tx)
		}

		// Optionally remove a few transactions without cascading.
		numRemovals := rapid.IntRange(0, numTxs/2).Draw(t, "numRemovals")
		for i := 0; i < numRemovals; i++ {
			idx := rapid.IntRange(0, len(txs)-1).Draw(t, "remove")
			_ = g.RemoveTransactionNoCascade(*txs[idx].Hash())
		}

		sorted := g.TopoSort(g.Nodes())
		require.Len(t, sorted, g.GetNodeCount())
		position := make(map[chainhash.Hash]int)
		for i, n := range sorted {
			position[n.TxHash] = i
		}
		for _, n := range sorted {
			for parent := range n.Parents {
				require.Less(t, position[parent], position[n.TxHash])
			}
		}

		// Every cluster is exactly one connected component.
		total := 0
		for _, cluster := range g.Clusters() {
			var start *TxGraphNode
			for _, n := range cluster.Nodes {
				start = n
				break
			}
			require.Len(t, connectedComponent(start), cluster.Size())
			total += cluster.Size()
		}
		require.Equal(t, g.GetNodeCount(), total)
	}))
}
