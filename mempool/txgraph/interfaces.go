package txgraph

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/mempoold/feerate"
)

// TxDesc contains the transaction metadata the graph needs for ancestor and
// descendant aggregates.  It is owned by the mempool; the graph only reads it
// except for Fee which changes through UpdateFee.
type TxDesc struct {
	// TxHash is the transaction identifier used for graph lookups.
	TxHash chainhash.Hash

	// Size is the serialized size of the transaction in bytes.
	Size int64

	// Fee is the modified fee: the fee paid plus any prioritisation delta.
	Fee int64

	// Added is when the transaction entered the mempool.
	Added time.Time

	// Sequence is a strictly increasing insertion counter.  It breaks ties
	// wherever the graph has to pick an order, which keeps the order
	// identical on every node fed the same transactions.
	Sequence uint64
}

// FeeRate returns the transaction's own modified fee rate.
func (d *TxDesc) FeeRate() feerate.FeeRate {
	return feerate.New(d.Fee, d.Size)
}

// ClusterID uniquely identifies a connected component of transactions.
type ClusterID uint64

// Stats aggregates a set of transactions.
type Stats struct {
	// Count is the number of transactions in the set.
	Count int

	// Size is the summed serialized size.
	Size int64

	// Fees is the summed modified fee.
	Fees int64
}

// FeeRate returns the combined rate of the set.
func (s Stats) FeeRate() feerate.FeeRate {
	return feerate.New(s.Fees, s.Size)
}

// add folds a single transaction into the aggregate.
func (s *Stats) add(desc *TxDesc) {
	s.Count++
	s.Size += desc.Size
	s.Fees += desc.Fee
}

// GraphMetrics provides statistics about the transaction graph.
type GraphMetrics struct {
	// NodeCount is the number of transactions in the graph.
	NodeCount int

	// EdgeCount is the number of parent-child relationships.
	EdgeCount int

	// ClusterCount is the number of connected components.
	ClusterCount int
}

// TxGraphNode represents a single transaction in the graph.
type TxGraphNode struct {
	// TxHash enables O(1) lookups in maps without dereferencing TxDesc.
	TxHash chainhash.Hash

	// TxDesc stores fee and size information needed for policy decisions.
	TxDesc *TxDesc

	// Inputs are the outpoints the transaction spends.  They are copied
	// out of the transaction so the mempool can drop the transaction body
	// from memory while the node stays indexed.
	Inputs []wire.OutPoint

	// NumOutputs is the number of outputs the transaction creates.
	NumOutputs uint32

	// Parents maps to in-graph transactions that this transaction spends
	// outputs from.
	Parents map[chainhash.Hash]*TxGraphNode

	// Children maps to in-graph transactions that spend this transaction's
	// outputs.
	Children map[chainhash.Hash]*TxGraphNode

	// ClusterID is the connected component the node belongs to.
	ClusterID ClusterID

	// ancestors and descendants cache the aggregates over the node and all
	// of its in-graph ancestors (respectively descendants).  They are
	// recomputed lazily after invalidation.
	ancestors   cachedStats
	descendants cachedStats
}

// cachedStats is a lazily computed aggregate.
type cachedStats struct {
	valid bool
	stats Stats
}

// IsLeaf reports whether no in-graph transaction spends the node.
func (n *TxGraphNode) IsLeaf() bool {
	return len(n.Children) == 0
}

// TxCluster represents a connected component in the graph.
type TxCluster struct {
	// ID uniquely identifies this cluster.  IDs are never reused.
	ID ClusterID

	// Nodes stores all transactions in this connected component.
	Nodes map[chainhash.Hash]*TxGraphNode
}

// Size returns the number of transactions in the cluster.
func (c *TxCluster) Size() int {
	return len(c.Nodes)
}

// Stats returns the aggregate over every cluster member.
func (c *TxCluster) Stats() Stats {
	var s Stats
	for _, n := range c.Nodes {
		s.add(n.TxDesc)
	}
	return s
}
