package cluster

// WeightedEdge is one undirected edge in the clustering graph.
type WeightedEdge struct {
	Source string
	Target string
	Weight float64
}

// Partitioner groups graph nodes into communities. Implementations are
// selected at engine construction: greedy modularity optimisation by
// default, plain connected components as the fallback.
type Partitioner interface {
	// Partition returns disjoint groups of node IDs covering every input node.
	Partition(nodeIDs []string, edges []WeightedEdge, resolution float64) [][]string
	// Name identifies the algorithm for logging.
	Name() string
}

// adjEdge is a weighted edge in the compact adjacency representation.
type adjEdge struct {
	to     int
	weight float64
}

// buildAdjacency maps node IDs to indices and builds a weighted undirected
// adjacency list. Edges referencing unknown nodes are dropped.
func buildAdjacency(nodeIDs []string, edges []WeightedEdge) ([][]adjEdge, float64) {
	idIndex := make(map[string]int, len(nodeIDs))
	for i, id := range nodeIDs {
		idIndex[id] = i
	}

	adj := make([][]adjEdge, len(nodeIDs))
	totalWeight := 0.0
	for _, e := range edges {
		si, okS := idIndex[e.Source]
		ti, okT := idIndex[e.Target]
		if !okS || !okT || si == ti {
			continue
		}
		w := e.Weight
		if w <= 0 {
			w = 1.0
		}
		adj[si] = append(adj[si], adjEdge{to: ti, weight: w})
		adj[ti] = append(adj[ti], adjEdge{to: si, weight: w})
		totalWeight += w
	}
	return adj, totalWeight
}

// connectedComponents finds components via BFS over the adjacency list.
func connectedComponents(n int, adj [][]adjEdge) [][]int {
	visited := make([]bool, n)
	var components [][]int

	for i := 0; i < n; i++ {
		if visited[i] {
			continue
		}
		var comp []int
		queue := []int{i}
		visited[i] = true
		for len(queue) > 0 {
			node := queue[0]
			queue = queue[1:]
			comp = append(comp, node)
			for _, e := range adj[node] {
				if !visited[e.to] {
					visited[e.to] = true
					queue = append(queue, e.to)
				}
			}
		}
		components = append(components, comp)
	}
	return components
}

// --- Modularity partitioner ---

// minComponentSplit is the minimum component size eligible for further
// modularity-based splitting.
const minComponentSplit = 6

// maxModularityNodes caps the node count for the modularity optimisation.
// Components larger than this are kept whole.
const maxModularityNodes = 500

// ModularityPartitioner splits connected components with a greedy,
// resolution-parameterised modularity optimisation (simplified Louvain).
type ModularityPartitioner struct{}

func (ModularityPartitioner) Name() string { return "modularity" }

func (ModularityPartitioner) Partition(nodeIDs []string, edges []WeightedEdge, resolution float64) [][]string {
	if resolution <= 0 {
		resolution = 1.0
	}
	adj, totalWeight := buildAdjacency(nodeIDs, edges)
	components := connectedComponents(len(nodeIDs), adj)

	var result [][]string
	for _, comp := range components {
		if len(comp) >= minComponentSplit && len(comp) <= maxModularityNodes && totalWeight > 0 {
			for _, sub := range modularitySplit(comp, adj, totalWeight, resolution) {
				result = append(result, indicesToIDs(sub, nodeIDs))
			}
			continue
		}
		result = append(result, indicesToIDs(comp, nodeIDs))
	}
	return result
}

// modularitySplit applies greedy modularity optimisation to split a connected
// component. If the split does not improve modularity the original component
// is returned as-is.
func modularitySplit(comp []int, adj [][]adjEdge, totalWeight, resolution float64) [][]int {
	n := len(comp)
	if n < minComponentSplit {
		return [][]int{comp}
	}

	localIdx := make(map[int]int, n)
	for i, node := range comp {
		localIdx[node] = i
	}

	community := make([]int, n)
	for i := range community {
		community[i] = i // each node starts in its own community
	}

	strength := make([]float64, n)
	for i, node := range comp {
		for _, e := range adj[node] {
			if _, ok := localIdx[e.to]; ok {
				strength[i] += e.weight
			}
		}
	}

	m2 := 2.0 * totalWeight
	if m2 == 0 {
		return [][]int{comp}
	}

	commStrength := make(map[int]float64, n)
	for i := range comp {
		commStrength[community[i]] += strength[i]
	}

	// Greedy optimisation: repeatedly move nodes to the neighbouring
	// community with the best resolution-scaled modularity gain.
	maxPasses := 20
	for pass := 0; pass < maxPasses; pass++ {
		moved := false
		for i, node := range comp {
			commWeights := make(map[int]float64)
			for _, e := range adj[node] {
				li, ok := localIdx[e.to]
				if !ok {
					continue
				}
				commWeights[community[li]] += e.weight
			}

			bestComm := community[i]
			bestGain := 0.0

			currentComm := community[i]
			kiIn := commWeights[currentComm]
			ki := strength[i]
			sigmaCurrent := commStrength[currentComm]

			removeDelta := kiIn/m2 - resolution*(sigmaCurrent*ki)/(m2*m2)

			for c, wic := range commWeights {
				if c == currentComm {
					continue
				}
				sigmaC := commStrength[c]
				gain := (wic/m2 - resolution*(sigmaC*ki)/(m2*m2)) - removeDelta
				if gain > bestGain {
					bestGain = gain
					bestComm = c
				}
			}

			if bestComm != currentComm {
				commStrength[currentComm] -= ki
				commStrength[bestComm] += ki
				community[i] = bestComm
				moved = true
			}
		}
		if !moved {
			break
		}
	}

	groups := make(map[int][]int)
	for i, node := range comp {
		groups[community[i]] = append(groups[community[i]], node)
	}

	result := make([][]int, 0, len(groups))
	for _, g := range groups {
		result = append(result, g)
	}

	if len(result) <= 1 {
		return [][]int{comp}
	}
	return result
}

func indicesToIDs(indices []int, nodeIDs []string) []string {
	ids := make([]string, len(indices))
	for i, idx := range indices {
		ids[i] = nodeIDs[idx]
	}
	return ids
}

// --- Union-find partitioner (fallback) ---

// UnionFindPartitioner returns plain connected components. It is the
// fallback when modularity optimisation is unavailable or undesired; the
// resolution parameter is ignored.
type UnionFindPartitioner struct{}

func (UnionFindPartitioner) Name() string { return "union-find" }

func (UnionFindPartitioner) Partition(nodeIDs []string, edges []WeightedEdge, _ float64) [][]string {
	uf := newUnionFind(nodeIDs)
	for _, e := range edges {
		uf.union(e.Source, e.Target)
	}
	return uf.components()
}

// unionFind implements union-find with path compression and union by rank.
type unionFind struct {
	parent map[string]string
	rank   map[string]int
}

func newUnionFind(ids []string) *unionFind {
	uf := &unionFind{
		parent: make(map[string]string, len(ids)),
		rank:   make(map[string]int, len(ids)),
	}
	for _, id := range ids {
		uf.parent[id] = id
	}
	return uf
}

func (uf *unionFind) find(id string) string {
	parent, ok := uf.parent[id]
	if !ok {
		return id
	}
	if parent != id {
		root := uf.find(parent)
		uf.parent[id] = root
		return root
	}
	return id
}

func (uf *unionFind) union(a, b string) bool {
	rootA := uf.find(a)
	rootB := uf.find(b)
	if rootA == rootB {
		return false
	}
	if _, ok := uf.parent[rootA]; !ok {
		return false
	}
	if _, ok := uf.parent[rootB]; !ok {
		return false
	}

	switch {
	case uf.rank[rootA] < uf.rank[rootB]:
		uf.parent[rootA] = rootB
	case uf.rank[rootA] > uf.rank[rootB]:
		uf.parent[rootB] = rootA
	default:
		uf.parent[rootB] = rootA
		uf.rank[rootA]++
	}
	return true
}

func (uf *unionFind) components() [][]string {
	groups := make(map[string][]string)
	for id := range uf.parent {
		root := uf.find(id)
		groups[root] = append(groups[root], id)
	}
	result := make([][]string, 0, len(groups))
	for _, members := range groups {
		result = append(result, members)
	}
	return result
}
