package cluster

// modularityScore computes the weighted modularity Q of an assignment of
// node IDs to cluster indices over an undirected edge set.
func modularityScore(assignment map[string]int, edges []WeightedEdge) float64 {
	totalWeight := 0.0
	degree := make(map[string]float64)
	for _, e := range edges {
		w := e.Weight
		if w <= 0 {
			w = 1.0
		}
		totalWeight += w
		degree[e.Source] += w
		degree[e.Target] += w
	}
	if totalWeight == 0 {
		return 0
	}
	m2 := 2.0 * totalWeight

	intra := make(map[int]float64)
	for _, e := range edges {
		cs, okS := assignment[e.Source]
		ct, okT := assignment[e.Target]
		if !okS || !okT || cs != ct {
			continue
		}
		w := e.Weight
		if w <= 0 {
			w = 1.0
		}
		intra[cs] += w
	}

	degSum := make(map[int]float64)
	for id, c := range assignment {
		degSum[c] += degree[id]
	}

	q := 0.0
	for c, in := range intra {
		q += in / totalWeight
		d := degSum[c]
		q -= (d / m2) * (d / m2)
	}
	// Clusters with no internal edges still contribute the degree term.
	for c, d := range degSum {
		if _, seen := intra[c]; !seen {
			q -= (d / m2) * (d / m2)
		}
	}
	return q
}

// conductance measures how well separated a cluster is: cut weight divided
// by the smaller of the cluster's volume and the rest of the graph's volume.
// Lower is better. Returns 0 for clusters with no incident edges.
func conductance(members map[string]bool, edges []WeightedEdge) float64 {
	cut := 0.0
	volIn := 0.0
	volOut := 0.0
	for _, e := range edges {
		w := e.Weight
		if w <= 0 {
			w = 1.0
		}
		sIn := members[e.Source]
		tIn := members[e.Target]
		switch {
		case sIn && tIn:
			volIn += 2 * w
		case !sIn && !tIn:
			volOut += 2 * w
		default:
			cut += w
			volIn += w
			volOut += w
		}
	}
	minVol := volIn
	if volOut < minVol {
		minVol = volOut
	}
	if minVol == 0 {
		return 0
	}
	return cut / minVol
}
