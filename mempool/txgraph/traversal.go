package txgraph

import (
	"container/heap"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// GetAncestors returns all ancestors of a transaction up to maxDepth.  A
// negative maxDepth walks the whole ancestry.
func (g *TxGraph) GetAncestors(hash chainhash.Hash,
	maxDepth int) map[chainhash.Hash]*TxGraphNode {

	g.mu.RLock()
	defer g.mu.RUnlock()

	node, exists := g.nodes[hash]
	if !exists {
		return nil
	}

	ancestors := make(map[chainhash.Hash]*TxGraphNode)
	collect(node, ancestors, 0, maxDepth, parentsOf)

	return ancestors
}

// GetDescendants returns all descendants of a transaction up to maxDepth.  A
// negative maxDepth walks every descendant.
func (g *TxGraph) GetDescendants(hash chainhash.Hash,
	maxDepth int) map[chainhash.Hash]*TxGraphNode {

	g.mu.RLock()
	defer g.mu.RUnlock()

	node, exists := g.nodes[hash]
	if !exists {
		return nil
	}

	descendants := make(map[chainhash.Hash]*TxGraphNode)
	collect(node, descendants, 0, maxDepth, childrenOf)

	return descendants
}

func parentsOf(n *TxGraphNode) map[chainhash.Hash]*TxGraphNode {
	return n.Parents
}

func childrenOf(n *TxGraphNode) map[chainhash.Hash]*TxGraphNode {
	return n.Children
}

// collect walks edges selected by next starting at node.
func collect(node *TxGraphNode, into map[chainhash.Hash]*TxGraphNode,
	depth, maxDepth int,
	next func(*TxGraphNode) map[chainhash.Hash]*TxGraphNode) {

	if maxDepth >= 0 && depth >= maxDepth {
		return
	}
	for hash, n := range next(node) {
		if _, visited := into[hash]; visited {
			continue
		}
		into[hash] = n
		collect(n, into, depth+1, maxDepth, next)
	}
}

// AncestorStats returns the aggregate over the transaction and all of its
// in-graph ancestors.
func (g *TxGraph) AncestorStats(hash chainhash.Hash) (Stats, error) {
	// Filling the cache writes to the node.
	g.mu.Lock()
	defer g.mu.Unlock()

	node, exists := g.nodes[hash]
	if !exists {
		return Stats{}, ErrNodeNotFound
	}

	return g.ancestorStatsLocked(node), nil
}

// DescendantStats returns the aggregate over the transaction and all of its
// in-graph descendants.
func (g *TxGraph) DescendantStats(hash chainhash.Hash) (Stats, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, exists := g.nodes[hash]
	if !exists {
		return Stats{}, ErrNodeNotFound
	}

	return g.descendantStatsLocked(node), nil
}

func (g *TxGraph) ancestorStatsLocked(node *TxGraphNode) Stats {
	if node.ancestors.valid {
		return node.ancestors.stats
	}

	ancestors := make(map[chainhash.Hash]*TxGraphNode)
	collect(node, ancestors, 0, -1, parentsOf)
	var s Stats
	s.add(node.TxDesc)
	for _, a := range ancestors {
		s.add(a.TxDesc)
	}
	node.ancestors = cachedStats{valid: true, stats: s}

	return s
}

func (g *TxGraph) descendantStatsLocked(node *TxGraphNode) Stats {
	if node.descendants.valid {
		return node.descendants.stats
	}

	descendants := make(map[chainhash.Hash]*TxGraphNode)
	collect(node, descendants, 0, -1, childrenOf)
	var s Stats
	s.add(node.TxDesc)
	for _, d := range descendants {
		s.add(d.TxDesc)
	}
	node.descendants = cachedStats{valid: true, stats: s}

	return s
}

// invalidateAround drops cached aggregates that may include node: the
// descendant caches of node and its ancestors and the ancestor caches of node
// and its descendants.  Must be called with the lock held.
func (g *TxGraph) invalidateAround(node *TxGraphNode) {
	node.ancestors.valid = false
	node.descendants.valid = false

	visited := make(map[chainhash.Hash]*TxGraphNode)
	collect(node, visited, 0, -1, parentsOf)
	for _, a := range visited {
		a.descendants.valid = false
	}

	visited = make(map[chainhash.Hash]*TxGraphNode)
	collect(node, visited, 0, -1, childrenOf)
	for _, d := range visited {
		d.ancestors.valid = false
	}
}

// AncestorsOf returns the in-graph ancestors a transaction that is not yet in
// the graph would have, together with their aggregate.  The transaction itself
// is not part of the result.
func (g *TxGraph) AncestorsOf(tx *btcutil.Tx) (map[chainhash.Hash]*TxGraphNode,
	Stats) {

	g.mu.RLock()
	defer g.mu.RUnlock()

	ancestors := make(map[chainhash.Hash]*TxGraphNode)
	for _, txIn := range tx.MsgTx().TxIn {
		parent, exists := g.nodes[txIn.PreviousOutPoint.Hash]
		if !exists {
			continue
		}
		if _, seen := ancestors[parent.TxHash]; seen {
			continue
		}
		ancestors[parent.TxHash] = parent
		collect(parent, ancestors, 0, -1, parentsOf)
	}

	var s Stats
	for _, a := range ancestors {
		s.add(a.TxDesc)
	}

	return ancestors, s
}

// DescendantsTopo returns the transaction and all of its descendants ordered
// parents first.
func (g *TxGraph) DescendantsTopo(hash chainhash.Hash) ([]*TxGraphNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, exists := g.nodes[hash]
	if !exists {
		return nil, ErrNodeNotFound
	}

	return g.descendantsTopoLocked(node), nil
}

func (g *TxGraph) descendantsTopoLocked(node *TxGraphNode) []*TxGraphNode {
	set := map[chainhash.Hash]*TxGraphNode{node.TxHash: node}
	collect(node, set, 0, -1, childrenOf)

	nodes := make([]*TxGraphNode, 0, len(set))
	for _, n := range set {
		nodes = append(nodes, n)
	}

	return topoSort(nodes)
}

// TopoSort orders the passed nodes so every parent precedes its children.
// Only edges between members of the passed set are considered.  Among nodes
// that are ready at the same time the lowest insertion sequence goes first,
// which makes the order deterministic.
func (g *TxGraph) TopoSort(nodes []*TxGraphNode) []*TxGraphNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return topoSort(nodes)
}

// topoSort is Kahn's algorithm with a sequence ordered ready queue.
func topoSort(nodes []*TxGraphNode) []*TxGraphNode {
	members := make(map[chainhash.Hash]struct{}, len(nodes))
	for _, n := range nodes {
		members[n.TxHash] = struct{}{}
	}

	inDegree := make(map[chainhash.Hash]int, len(nodes))
	ready := make(readyQueue, 0, len(nodes))
	for _, n := range nodes {
		degree := 0
		for hash := range n.Parents {
			if _, ok := members[hash]; ok {
				degree++
			}
		}
		inDegree[n.TxHash] = degree
		if degree == 0 {
			ready = append(ready, n)
		}
	}
	heap.Init(&ready)

	sorted := make([]*TxGraphNode, 0, len(nodes))
	for ready.Len() > 0 {
		n := heap.Pop(&ready).(*TxGraphNode)
		sorted = append(sorted, n)

		for hash, child := range n.Children {
			if _, ok := members[hash]; !ok {
				continue
			}
			inDegree[hash]--
			if inDegree[hash] == 0 {
				heap.Push(&ready, child)
			}
		}
	}

	return sorted
}

// readyQueue is a min-heap of nodes keyed by insertion sequence.
type readyQueue []*TxGraphNode

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	return q[i].TxDesc.Sequence < q[j].TxDesc.Sequence
}

func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x any) { *q = append(*q, x.(*TxGraphNode)) }

func (q *readyQueue) Pop() any {
	old := *q
	n := old[len(old)-1]
	*q = old[:len(old)-1]
	return n
}
