package txgraph

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrTransactionExists is returned when attempting to add a duplicate
	// transaction.
	ErrTransactionExists = errors.New("transaction already exists in graph")

	// ErrNodeNotFound is returned when a node is not found in the graph.
	ErrNodeNotFound = errors.New("node not found in graph")

	// ErrInputAlreadySpent is returned when a transaction spends an
	// outpoint another graph transaction already spends.
	ErrInputAlreadySpent = errors.New("input already spent by graph " +
		"transaction")
)

// Config defines configuration for the transaction graph.
type Config struct {
	// MaxNodes limits graph capacity to prevent unbounded memory growth.
	// Zero disables the limit.
	MaxNodes int
}

// DefaultConfig returns the default graph configuration.
func DefaultConfig() *Config {
	return &Config{}
}

// TxGraph is an arena of transactions connected by spending edges.
type TxGraph struct {
	config *Config

	// nodes stores all transactions in the graph keyed by hash.
	nodes map[chainhash.Hash]*TxGraphNode

	// indexes contains auxiliary data structures for O(1) lookups that
	// would otherwise require O(n) graph traversal.
	indexes struct {
		// spentBy maps an outpoint to the graph transaction spending
		// it.  Entries exist for every input, confirmed or not, which
		// makes it the mempool's double spend index as well.
		spentBy map[wire.OutPoint]*TxGraphNode

		// clusters maps cluster IDs to connected components.
		clusters map[ClusterID]*TxCluster
	}

	metrics struct {
		nodeCount    int32
		edgeCount    int32
		clusterCount int32
	}

	// nextClusterID generates monotonically increasing cluster IDs.
	nextClusterID atomic.Uint64

	mu sync.RWMutex
}

// New creates a new transaction graph.
func New(config *Config) *TxGraph {
	if config == nil {
		config = DefaultConfig()
	}

	g := &TxGraph{
		config: config,
		nodes:  make(map[chainhash.Hash]*TxGraphNode),
	}
	g.indexes.spentBy = make(map[wire.OutPoint]*TxGraphNode)
	g.indexes.clusters = make(map[ClusterID]*TxCluster)

	return g
}

// AddTransaction adds a transaction to the graph.  Edges are created both to
// parents already in the graph and to children that were added earlier and
// spend this transaction's outputs.
func (g *TxGraph) AddTransaction(tx *btcutil.Tx, desc *TxDesc) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	hash := *tx.Hash()
	if _, exists := g.nodes[hash]; exists {
		return ErrTransactionExists
	}
	if g.config.MaxNodes > 0 &&
		int(atomic.LoadInt32(&g.metrics.nodeCount)) >= g.config.MaxNodes {

		return fmt.Errorf("graph at capacity: %d nodes",
			g.config.MaxNodes)
	}

	msgTx := tx.MsgTx()
	for _, txIn := range msgTx.TxIn {
		if spender, ok := g.indexes.spentBy[txIn.PreviousOutPoint]; ok {
			return fmt.Errorf("%w: %v spent by %v", ErrInputAlreadySpent,
				txIn.PreviousOutPoint, spender.TxHash)
		}
	}

	node := &TxGraphNode{
		TxHash:     hash,
		TxDesc:     desc,
		Inputs:     make([]wire.OutPoint, 0, len(msgTx.TxIn)),
		NumOutputs: uint32(len(msgTx.TxOut)),
		Parents:    make(map[chainhash.Hash]*TxGraphNode),
		Children:   make(map[chainhash.Hash]*TxGraphNode),
	}
	g.nodes[hash] = node

	for _, txIn := range msgTx.TxIn {
		prevOut := txIn.PreviousOutPoint
		node.Inputs = append(node.Inputs, prevOut)
		g.indexes.spentBy[prevOut] = node

		parent, exists := g.nodes[prevOut.Hash]
		if !exists {
			continue
		}
		if _, linked := node.Parents[parent.TxHash]; !linked {
			node.Parents[parent.TxHash] = parent
			parent.Children[hash] = node
			atomic.AddInt32(&g.metrics.edgeCount, 1)
		}
	}

	// Children may already be present when a transaction from a
	// disconnected block is put back underneath its mempool descendants.
	for i := uint32(0); i < node.NumOutputs; i++ {
		outpoint := wire.OutPoint{Hash: hash, Index: i}
		child, exists := g.indexes.spentBy[outpoint]
		if !exists {
			continue
		}
		if _, linked := node.Children[child.TxHash]; !linked {
			node.Children[child.TxHash] = child
			child.Parents[hash] = node
			atomic.AddInt32(&g.metrics.edgeCount, 1)
		}
	}

	g.updateClusterAssignment(node)
	g.invalidateAround(node)

	atomic.AddInt32(&g.metrics.nodeCount, 1)

	return nil
}

// RemoveTransaction removes a transaction together with all of its
// descendants.  The removed hashes are returned children first, which is the
// order they were unlinked in.
func (g *TxGraph) RemoveTransaction(hash chainhash.Hash) ([]chainhash.Hash,
	error) {

	g.mu.Lock()
	defer g.mu.Unlock()

	node, exists := g.nodes[hash]
	if !exists {
		return nil, ErrNodeNotFound
	}

	// Removing leaves first keeps every Children map update pointed at a
	// live node.
	toRemove := g.descendantsTopoLocked(node)
	removed := make([]chainhash.Hash, 0, len(toRemove))
	touched := make(map[ClusterID]struct{})
	for i := len(toRemove) - 1; i >= 0; i-- {
		n := toRemove[i]
		touched[n.ClusterID] = struct{}{}
		g.unlinkLocked(n)
		removed = append(removed, n.TxHash)
	}
	g.splitClusters(touched)

	return removed, nil
}

// RemoveTransactionNoCascade removes a transaction without removing its
// descendants.  This is used when a transaction is confirmed in a block: it
// leaves the graph but its children remain valid since they now spend a
// confirmed output.
func (g *TxGraph) RemoveTransactionNoCascade(hash chainhash.Hash) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, exists := g.nodes[hash]
	if !exists {
		return ErrNodeNotFound
	}

	cid := node.ClusterID
	g.unlinkLocked(node)
	g.splitClusters(map[ClusterID]struct{}{cid: {}})

	return nil
}

// unlinkLocked removes a single node and its edges.  Must be called with the
// lock held.
func (g *TxGraph) unlinkLocked(node *TxGraphNode) {
	// Caches of the surrounding nodes depend on this one.
	g.invalidateAround(node)

	for parentHash, parent := range node.Parents {
		delete(parent.Children, node.TxHash)
		delete(node.Parents, parentHash)
		atomic.AddInt32(&g.metrics.edgeCount, -1)
	}
	for childHash, child := range node.Children {
		delete(child.Parents, node.TxHash)
		delete(node.Children, childHash)
		atomic.AddInt32(&g.metrics.edgeCount, -1)
	}

	for _, prevOut := range node.Inputs {
		if g.indexes.spentBy[prevOut] == node {
			delete(g.indexes.spentBy, prevOut)
		}
	}

	if cluster, ok := g.indexes.clusters[node.ClusterID]; ok {
		delete(cluster.Nodes, node.TxHash)
		if len(cluster.Nodes) == 0 {
			delete(g.indexes.clusters, node.ClusterID)
			atomic.AddInt32(&g.metrics.clusterCount, -1)
		}
	}

	delete(g.nodes, node.TxHash)
	atomic.AddInt32(&g.metrics.nodeCount, -1)
}

// UpdateFee replaces the modified fee of a transaction and invalidates the
// aggregates that include it.
func (g *TxGraph) UpdateFee(hash chainhash.Hash, fee int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, exists := g.nodes[hash]
	if !exists {
		return ErrNodeNotFound
	}
	node.TxDesc.Fee = fee
	g.invalidateAround(node)

	return nil
}

// GetNode retrieves a node from the graph.
func (g *TxGraph) GetNode(hash chainhash.Hash) (*TxGraphNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, exists := g.nodes[hash]
	return node, exists
}

// HasTransaction checks if a transaction exists in the graph.
func (g *TxGraph) HasTransaction(hash chainhash.Hash) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	_, exists := g.nodes[hash]
	return exists
}

// SpentBy returns the graph transaction spending the passed outpoint.
func (g *TxGraph) SpentBy(outpoint wire.OutPoint) (*TxGraphNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, exists := g.indexes.spentBy[outpoint]
	return node, exists
}

// GetConflicts returns the graph transactions that spend any input of tx, in
// input order and without duplicates.  Descendants of the conflicts are not
// included; callers removing a conflict use RemoveTransaction which cascades.
func (g *TxGraph) GetConflicts(tx *btcutil.Tx) []*TxGraphNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var conflicts []*TxGraphNode
	seen := make(map[chainhash.Hash]struct{})
	for _, txIn := range tx.MsgTx().TxIn {
		node, exists := g.indexes.spentBy[txIn.PreviousOutPoint]
		if !exists || node.TxHash == *tx.Hash() {
			continue
		}
		if _, dup := seen[node.TxHash]; dup {
			continue
		}
		seen[node.TxHash] = struct{}{}
		conflicts = append(conflicts, node)
	}

	return conflicts
}

// Nodes returns every node ordered by insertion sequence.
func (g *TxGraph) Nodes() []*TxGraphNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodes := make([]*TxGraphNode, 0, len(g.nodes))
	for _, n := range g.nodes {
		nodes = append(nodes, n)
	}
	sortBySequence(nodes)

	return nodes
}

// Leaves returns every node without in-graph children ordered by insertion
// sequence.  These are the only nodes that can be removed without taking a
// descendant with them.
func (g *TxGraph) Leaves() []*TxGraphNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var leaves []*TxGraphNode
	for _, n := range g.nodes {
		if n.IsLeaf() {
			leaves = append(leaves, n)
		}
	}
	sortBySequence(leaves)

	return leaves
}

// GetMetrics returns current graph metrics.
func (g *TxGraph) GetMetrics() GraphMetrics {
	return GraphMetrics{
		NodeCount:    int(atomic.LoadInt32(&g.metrics.nodeCount)),
		EdgeCount:    int(atomic.LoadInt32(&g.metrics.edgeCount)),
		ClusterCount: int(atomic.LoadInt32(&g.metrics.clusterCount)),
	}
}

// GetNodeCount returns the number of nodes in the graph.
func (g *TxGraph) GetNodeCount() int {
	return int(atomic.LoadInt32(&g.metrics.nodeCount))
}

// sortBySequence orders nodes by their insertion sequence.
func sortBySequence(nodes []*TxGraphNode) {
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].TxDesc.Sequence < nodes[j].TxDesc.Sequence
	})
}
