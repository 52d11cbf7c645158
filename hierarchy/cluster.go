package hierarchy

import (
	"github.com/casegraph/casegraph/vecmath"
)

// PassageClusterer groups embedding vectors into clusters of indices. The
// threshold is a cosine distance: vectors further apart than it do not end
// up in the same cluster.
type PassageClusterer interface {
	Cluster(vecs [][]float32, distanceThreshold float64) [][]int
	Name() string
}

// AgglomerativeClusterer merges clusters bottom-up with average linkage over
// cosine distance until no pair of clusters is closer than the threshold.
type AgglomerativeClusterer struct{}

func (AgglomerativeClusterer) Name() string { return "agglomerative" }

func (AgglomerativeClusterer) Cluster(vecs [][]float32, distanceThreshold float64) [][]int {
	n := len(vecs)
	if n == 0 {
		return nil
	}
	if n == 1 {
		return [][]int{{0}}
	}

	// Full pairwise cosine-distance matrix. Average linkage is maintained
	// with the Lance-Williams update so no pair distances are recomputed.
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := 1.0 - vecmath.Cosine(vecs[i], vecs[j])
			dist[i][j] = d
			dist[j][i] = d
		}
	}

	active := make([]bool, n)
	size := make([]int, n)
	members := make([][]int, n)
	for i := 0; i < n; i++ {
		active[i] = true
		size[i] = 1
		members[i] = []int{i}
	}

	// Per-cluster nearest-neighbour cache. Recomputed only for clusters
	// whose cached neighbour was touched by the last merge.
	nearest := make([]int, n)
	nearestDist := make([]float64, n)
	recompute := func(i int) {
		nearest[i] = -1
		nearestDist[i] = 2.0
		for j := 0; j < n; j++ {
			if j == i || !active[j] {
				continue
			}
			if dist[i][j] < nearestDist[i] {
				nearestDist[i] = dist[i][j]
				nearest[i] = j
			}
		}
	}
	for i := 0; i < n; i++ {
		recompute(i)
	}

	for {
		// Closest active pair.
		best := -1
		bestDist := distanceThreshold
		for i := 0; i < n; i++ {
			if active[i] && nearest[i] >= 0 && nearestDist[i] <= bestDist {
				bestDist = nearestDist[i]
				best = i
			}
		}
		if best < 0 {
			break
		}
		a, b := best, nearest[best]

		// Merge b into a with average linkage.
		for k := 0; k < n; k++ {
			if k == a || k == b || !active[k] {
				continue
			}
			d := (float64(size[a])*dist[a][k] + float64(size[b])*dist[b][k]) /
				float64(size[a]+size[b])
			dist[a][k] = d
			dist[k][a] = d
		}
		members[a] = append(members[a], members[b]...)
		size[a] += size[b]
		active[b] = false

		recompute(a)
		for k := 0; k < n; k++ {
			if active[k] && (nearest[k] == a || nearest[k] == b) {
				recompute(k)
			}
		}
	}

	var out [][]int
	for i := 0; i < n; i++ {
		if active[i] {
			out = append(out, members[i])
		}
	}
	return out
}

// GreedyClusterer is the single-pass fallback: each vector joins the first
// cluster whose centroid is within the threshold, otherwise it starts a new
// one. Centroids are updated incrementally.
type GreedyClusterer struct{}

func (GreedyClusterer) Name() string { return "greedy" }

func (GreedyClusterer) Cluster(vecs [][]float32, distanceThreshold float64) [][]int {
	var clusters [][]int
	var centroids [][]float32
	simFloor := 1.0 - distanceThreshold

	for i, v := range vecs {
		best := -1
		bestSim := simFloor
		for c, cent := range centroids {
			if sim := vecmath.Cosine(v, cent); sim >= bestSim {
				bestSim = sim
				best = c
			}
		}
		if best >= 0 {
			centroids[best] = vecmath.IncrementalMean(centroids[best], len(clusters[best]), v)
			clusters[best] = append(clusters[best], i)
			continue
		}
		clusters = append(clusters, []int{i})
		centroids = append(centroids, v)
	}
	return clusters
}
