// Package txgraph provides the transaction graph index used by the mempool.
//
// Transactions are kept in an arena keyed by transaction hash.  Spending
// relationships are stored as explicit adjacency sets on every node (Parents
// and Children) instead of pointers embedded in the transactions, so removing
// a node only touches its direct neighbours.
//
// # Core Features
//
//   - O(1) lookups by transaction hash and by spent outpoint
//   - Automatic edge creation from transaction inputs, including edges to
//     children that were added before their parent (reorg re-admission)
//   - Clusters: connected components maintained across additions and split
//     again when a removal disconnects them
//   - Cached ancestor and descendant aggregates (count, size, fee) that are
//     invalidated whenever the graph around a node changes
//   - Deterministic topological ordering with insertion sequence tie breaks
//
// # Thread Safety
//
// All graph operations are safe for concurrent access.  Nodes handed out by
// the graph must only be read while the caller serializes mutations, which the
// mempool does with its own lock.
//
// # Example Usage
//
//	graph := txgraph.New(txgraph.DefaultConfig())
//	err := graph.AddTransaction(tx, &txgraph.TxDesc{
//	    TxHash:   *tx.Hash(),
//	    Size:     int64(tx.MsgTx().SerializeSize()),
//	    Fee:      fee,
//	    Sequence: seq,
//	})
//	stats, _ := graph.AncestorStats(*tx.Hash())
package txgraph
