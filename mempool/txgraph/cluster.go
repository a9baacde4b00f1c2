package txgraph

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// GetCluster returns the cluster containing the specified transaction.
func (g *TxGraph) GetCluster(hash chainhash.Hash) (*TxCluster, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, exists := g.nodes[hash]
	if !exists {
		return nil, ErrNodeNotFound
	}
	cluster, exists := g.indexes.clusters[node.ClusterID]
	if !exists {
		return nil, fmt.Errorf("cluster %d not found", node.ClusterID)
	}

	return cluster, nil
}

// ClusterMembers returns the members of the cluster containing hash in
// topological order.
func (g *TxGraph) ClusterMembers(hash chainhash.Hash) ([]*TxGraphNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, exists := g.nodes[hash]
	if !exists {
		return nil, ErrNodeNotFound
	}
	cluster := g.indexes.clusters[node.ClusterID]
	members := make([]*TxGraphNode, 0, len(cluster.Nodes))
	for _, n := range cluster.Nodes {
		members = append(members, n)
	}

	return topoSort(members), nil
}

// Clusters returns every cluster ordered by ID.
func (g *TxGraph) Clusters() []*TxCluster {
	g.mu.RLock()
	defer g.mu.RUnlock()

	clusters := make([]*TxCluster, 0, len(g.indexes.clusters))
	for _, c := range g.indexes.clusters {
		clusters = append(clusters, c)
	}
	sort.Slice(clusters, func(i, j int) bool {
		return clusters[i].ID < clusters[j].ID
	})

	return clusters
}

// updateClusterAssignment places a freshly linked node into a cluster,
// merging every cluster it bridges.  Must be called with the lock held.
func (g *TxGraph) updateClusterAssignment(node *TxGraphNode) {
	neighbours := make(map[ClusterID]struct{})
	for _, parent := range node.Parents {
		neighbours[parent.ClusterID] = struct{}{}
	}
	for _, child := range node.Children {
		neighbours[child.ClusterID] = struct{}{}
	}

	switch len(neighbours) {
	case 0:
		g.createNewCluster(node)

	case 1:
		for cid := range neighbours {
			g.addToCluster(node, cid)
		}

	default:
		g.mergeClusters(node, neighbours)
	}
}

// createNewCluster creates a new cluster for a node.
func (g *TxGraph) createNewCluster(node *TxGraphNode) *TxCluster {
	cluster := &TxCluster{
		ID:    ClusterID(g.nextClusterID.Add(1)),
		Nodes: map[chainhash.Hash]*TxGraphNode{node.TxHash: node},
	}
	g.indexes.clusters[cluster.ID] = cluster
	node.ClusterID = cluster.ID

	atomic.AddInt32(&g.metrics.clusterCount, 1)

	return cluster
}

// addToCluster adds a node to an existing cluster.
func (g *TxGraph) addToCluster(node *TxGraphNode, clusterID ClusterID) {
	cluster, exists := g.indexes.clusters[clusterID]
	if !exists {
		g.createNewCluster(node)
		return
	}

	cluster.Nodes[node.TxHash] = node
	node.ClusterID = clusterID
}

// mergeClusters merges multiple clusters into the one with the lowest ID and
// adds node to it.
func (g *TxGraph) mergeClusters(node *TxGraphNode,
	clusterIDs map[ClusterID]struct{}) {

	var targetID ClusterID
	first := true
	for cid := range clusterIDs {
		if first || cid < targetID {
			targetID = cid
			first = false
		}
	}

	target := g.indexes.clusters[targetID]
	target.Nodes[node.TxHash] = node
	node.ClusterID = targetID

	for cid := range clusterIDs {
		if cid == targetID {
			continue
		}
		cluster, exists := g.indexes.clusters[cid]
		if !exists {
			continue
		}
		for hash, n := range cluster.Nodes {
			target.Nodes[hash] = n
			n.ClusterID = targetID
		}
		delete(g.indexes.clusters, cid)
		atomic.AddInt32(&g.metrics.clusterCount, -1)
	}
}

// splitClusters repartitions the passed clusters into connected components
// after nodes were removed from them.  The component holding the oldest
// transaction keeps the original ID.  Must be called with the lock held.
func (g *TxGraph) splitClusters(touched map[ClusterID]struct{}) {
	ids := make([]ClusterID, 0, len(touched))
	for cid := range touched {
		ids = append(ids, cid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, cid := range ids {
		cluster, exists := g.indexes.clusters[cid]
		if !exists {
			continue
		}

		remaining := make([]*TxGraphNode, 0, len(cluster.Nodes))
		for _, n := range cluster.Nodes {
			remaining = append(remaining, n)
		}
		sortBySequence(remaining)

		assigned := make(map[chainhash.Hash]struct{}, len(remaining))
		keepID := true
		for _, start := range remaining {
			if _, done := assigned[start.TxHash]; done {
				continue
			}

			component := connectedComponent(start)
			for hash := range component {
				assigned[hash] = struct{}{}
			}
			if keepID {
				cluster.Nodes = component
				keepID = false
				continue
			}

			split := &TxCluster{
				ID:    ClusterID(g.nextClusterID.Add(1)),
				Nodes: component,
			}
			for _, n := range component {
				n.ClusterID = split.ID
			}
			g.indexes.clusters[split.ID] = split
			atomic.AddInt32(&g.metrics.clusterCount, 1)
		}
	}
}

// connectedComponent returns every node reachable from start through parent
// and child edges.
func connectedComponent(start *TxGraphNode) map[chainhash.Hash]*TxGraphNode {
	component := map[chainhash.Hash]*TxGraphNode{start.TxHash: start}
	stack := []*TxGraphNode{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for hash, p := range n.Parents {
			if _, seen := component[hash]; !seen {
				component[hash] = p
				stack = append(stack, p)
			}
		}
		for hash, c := range n.Children {
			if _, seen := component[hash]; !seen {
				component[hash] = c
				stack = append(stack, c)
			}
		}
	}

	return component
}
