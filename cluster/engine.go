package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/casegraph/casegraph/llm"
	"github.com/casegraph/casegraph/store"
	"github.com/casegraph/casegraph/vecmath"
)

const (
	defaultMinClusterSize      = 3
	defaultSimilarityThreshold = 0.6
	defaultResolution          = 1.0

	// coherenceFloor is the mean pairwise cosine below which a large
	// cluster is considered mixed and eligible for a semantic split.
	coherenceFloor = 0.35

	// minSplitMembers is the smallest embedded-member count at which an
	// incoherent cluster is considered for a split.
	minSplitMembers = 4

	// splitIterations bounds the 2-means refinement loop.
	splitIterations = 5
)

// Cluster is one group of argument nodes with its quality metrics.
type Cluster struct {
	Label          string         `json:"label"`
	NodeIDs        []string       `json:"node_ids"`
	CentroidNodeID string         `json:"centroid_node_id,omitempty"`
	TypeCounts     map[string]int `json:"type_counts"`
	EdgeCount      int            `json:"edge_count"`
	Coherence      float64        `json:"coherence"`
	Conductance    float64        `json:"conductance"`
	Singleton      bool           `json:"singleton,omitempty"`

	centroid []float32
}

// Result is the outcome of one clustering run.
type Result struct {
	Clusters    []*Cluster
	Modularity  float64
	Singletons  int
	Partitioner string
}

// Engine groups a project's argument nodes into labelled clusters. The
// structural partition uses graph edges; refinement and orphan placement
// use node embeddings.
type Engine struct {
	store               *store.Store
	fast                llm.Provider
	partitioner         Partitioner
	minClusterSize      int
	similarityThreshold float64
	resolution          float64
}

// Option configures the Engine.
type Option func(*Engine)

// WithPartitioner overrides the structural partitioning strategy.
func WithPartitioner(p Partitioner) Option {
	return func(e *Engine) { e.partitioner = p }
}

// WithMinClusterSize sets the smallest group kept as a cluster on its own.
func WithMinClusterSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.minClusterSize = n
		}
	}
}

// WithSimilarityThreshold sets the cosine similarity required to attach an
// orphan node or merge an undersized group into an existing cluster.
func WithSimilarityThreshold(t float64) Option {
	return func(e *Engine) {
		if t > 0 {
			e.similarityThreshold = t
		}
	}
}

// WithResolution tunes the modularity optimisation. Values above 1.0
// favour more, smaller communities.
func WithResolution(r float64) Option {
	return func(e *Engine) {
		if r > 0 {
			e.resolution = r
		}
	}
}

func NewEngine(st *store.Store, fast llm.Provider, opts ...Option) *Engine {
	e := &Engine{
		store:               st,
		fast:                fast,
		partitioner:         ModularityPartitioner{},
		minClusterSize:      defaultMinClusterSize,
		similarityThreshold: defaultSimilarityThreshold,
		resolution:          defaultResolution,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Cluster partitions the project's nodes into labelled clusters. Every node
// lands in exactly one cluster; nodes that fit nowhere become singletons.
// Contradiction edges are excluded from the structural partition: opposition
// is not affinity, and a contradicts edge must not pull opposing positions
// into the same cluster.
func (e *Engine) Cluster(ctx context.Context, projectID string) (*Result, error) {
	nodes, err := e.store.ProjectNodes(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("loading nodes: %w", err)
	}
	if len(nodes) == 0 {
		return &Result{Partitioner: e.partitioner.Name()}, nil
	}

	edges, err := e.store.ProjectEdges(ctx, projectID, store.EdgeSupports, store.EdgeDependsOn)
	if err != nil {
		return nil, fmt.Errorf("loading edges: %w", err)
	}

	nodeIDs := make([]string, len(nodes))
	contents := make(map[string]string, len(nodes))
	types := make(map[string]string, len(nodes))
	for i, n := range nodes {
		nodeIDs[i] = n.ID
		contents[n.ID] = n.Content
		types[n.ID] = n.NodeType
	}

	wedges := make([]WeightedEdge, 0, len(edges))
	for _, ed := range edges {
		w := 1.0
		if ed.Strength != nil {
			w = *ed.Strength
		}
		wedges = append(wedges, WeightedEdge{Source: ed.SourceNodeID, Target: ed.TargetNodeID, Weight: w})
	}

	groups := e.partitioner.Partition(nodeIDs, wedges, e.resolution)

	embeddings, err := e.store.NodeEmbeddings(ctx, nodeIDs)
	if err != nil {
		slog.Warn("node embeddings unavailable, skipping semantic refinement", "error", err)
		embeddings = map[string][]float32{}
	}

	clusters, orphanGroups := e.seedClusters(groups, embeddings)
	clusters = e.splitIncoherent(clusters, embeddings)
	clusters, orphans := e.mergeUndersized(clusters, orphanGroups, embeddings)
	clusters, singletons := e.assignOrphans(clusters, orphans, embeddings)

	assignment := make(map[string]int, len(nodeIDs))
	for i, c := range clusters {
		for _, id := range c.NodeIDs {
			assignment[id] = i
		}
	}

	for _, c := range clusters {
		e.finalizeCluster(c, wedges, embeddings, types)
	}
	sort.Slice(clusters, func(i, j int) bool { return len(clusters[i].NodeIDs) > len(clusters[j].NodeIDs) })

	e.applyLabels(ctx, projectID, clusters, contents)

	if err := e.saveClusters(ctx, projectID, clusters); err != nil {
		slog.Warn("persisting cluster set failed", "error", err)
	}

	res := &Result{
		Clusters:    clusters,
		Modularity:  modularityScore(assignment, wedges),
		Singletons:  singletons,
		Partitioner: e.partitioner.Name(),
	}
	slog.Info("clustering complete",
		"project_id", projectID,
		"nodes", len(nodes),
		"clusters", len(clusters),
		"singletons", singletons,
		"modularity", res.Modularity)
	return res, nil
}

// seedClusters turns partition groups into clusters, diverting groups below
// the minimum size into the orphan pool.
func (e *Engine) seedClusters(groups [][]string, embeddings map[string][]float32) ([]*Cluster, [][]string) {
	var clusters []*Cluster
	var orphanGroups [][]string
	for _, g := range groups {
		if len(g) < e.minClusterSize {
			orphanGroups = append(orphanGroups, g)
			continue
		}
		c := &Cluster{NodeIDs: g}
		c.centroid = groupCentroid(g, embeddings)
		clusters = append(clusters, c)
	}
	return clusters, orphanGroups
}

// splitIncoherent breaks up large clusters whose members are semantically
// mixed, using a 2-means split seeded from the most distant member pair.
// A split is kept only when both halves stay above the minimum size.
func (e *Engine) splitIncoherent(clusters []*Cluster, embeddings map[string][]float32) []*Cluster {
	var out []*Cluster
	for _, c := range clusters {
		if len(c.NodeIDs) < minSplitMembers {
			out = append(out, c)
			continue
		}
		ids, vecs := embeddedMembers(c.NodeIDs, embeddings)
		if len(vecs) < minSplitMembers {
			out = append(out, c)
			continue
		}
		if vecmath.MeanPairwiseCosine(vecs) >= coherenceFloor {
			out = append(out, c)
			continue
		}

		a, b := twoMeansSplit(ids, vecs)
		if len(a) < e.minClusterSize || len(b) < e.minClusterSize {
			out = append(out, c)
			continue
		}

		// Members without embeddings follow the larger half.
		rest := missingMembers(c.NodeIDs, embeddings)
		if len(a) >= len(b) {
			a = append(a, rest...)
		} else {
			b = append(b, rest...)
		}

		for _, half := range [][]string{a, b} {
			hc := &Cluster{NodeIDs: half}
			hc.centroid = groupCentroid(half, embeddings)
			out = append(out, hc)
		}
	}
	return out
}

// mergeUndersized folds each undersized partition group into the nearest
// cluster when their centroids are similar enough; otherwise the group
// dissolves into individual orphans.
func (e *Engine) mergeUndersized(clusters []*Cluster, orphanGroups [][]string, embeddings map[string][]float32) ([]*Cluster, []string) {
	var orphans []string
	for _, g := range orphanGroups {
		centroid := groupCentroid(g, embeddings)
		if centroid == nil || len(clusters) == 0 {
			orphans = append(orphans, g...)
			continue
		}
		best, sim := nearestCluster(clusters, centroid)
		if sim <= e.similarityThreshold {
			orphans = append(orphans, g...)
			continue
		}
		for _, id := range g {
			best.NodeIDs = append(best.NodeIDs, id)
			if emb, ok := embeddings[id]; ok {
				best.centroid = vecmath.IncrementalMean(best.centroid, len(best.NodeIDs)-1, emb)
			}
		}
	}
	return clusters, orphans
}

// assignOrphans attaches each orphan to its nearest cluster when similar
// enough, updating that cluster's centroid incrementally. Orphans that fit
// nowhere become singleton clusters so no node is left unassigned.
func (e *Engine) assignOrphans(clusters []*Cluster, orphans []string, embeddings map[string][]float32) ([]*Cluster, int) {
	singletons := 0
	for _, id := range orphans {
		emb, ok := embeddings[id]
		if ok && len(clusters) > 0 {
			best, sim := nearestCluster(clusters, emb)
			if sim > e.similarityThreshold {
				best.NodeIDs = append(best.NodeIDs, id)
				best.centroid = vecmath.IncrementalMean(best.centroid, len(best.NodeIDs)-1, emb)
				continue
			}
		}
		clusters = append(clusters, &Cluster{NodeIDs: []string{id}, centroid: emb, Singleton: true})
		singletons++
	}
	return clusters, singletons
}

// finalizeCluster computes the per-cluster metrics and representative node.
func (e *Engine) finalizeCluster(c *Cluster, edges []WeightedEdge, embeddings map[string][]float32, types map[string]string) {
	members := make(map[string]bool, len(c.NodeIDs))
	c.TypeCounts = make(map[string]int)
	for _, id := range c.NodeIDs {
		members[id] = true
		c.TypeCounts[types[id]]++
	}

	for _, ed := range edges {
		if members[ed.Source] && members[ed.Target] {
			c.EdgeCount++
		}
	}
	c.Conductance = conductance(members, edges)

	_, vecs := embeddedMembers(c.NodeIDs, embeddings)
	c.Coherence = vecmath.MeanPairwiseCosine(vecs)

	if c.centroid == nil {
		c.centroid = groupCentroid(c.NodeIDs, embeddings)
	}
	if c.centroid != nil {
		bestSim := -2.0
		for _, id := range c.NodeIDs {
			emb, ok := embeddings[id]
			if !ok {
				continue
			}
			if sim := vecmath.Cosine(emb, c.centroid); sim > bestSim {
				bestSim = sim
				c.CentroidNodeID = id
			}
		}
	}
	if c.CentroidNodeID == "" && len(c.NodeIDs) > 0 {
		c.CentroidNodeID = c.NodeIDs[0]
	}
}

// applyLabels reuses labels from the previous run for stable clusters and
// generates fresh ones for the rest. Singletons just borrow their member's
// content as the label.
func (e *Engine) applyLabels(ctx context.Context, projectID string, clusters []*Cluster, contents map[string]string) {
	var previous []savedCluster
	if raw, err := e.store.LatestNodeClusters(ctx, projectID); err == nil && raw != "" {
		if err := json.Unmarshal([]byte(raw), &previous); err != nil {
			slog.Warn("discarding unreadable previous cluster set", "error", err)
		}
	}

	unlabeled := reuseLabels(clusters, previous)

	var needLLM []int
	for _, idx := range unlabeled {
		c := clusters[idx]
		if c.Singleton {
			c.Label = truncateLabel(contents[c.NodeIDs[0]])
			continue
		}
		needLLM = append(needLLM, idx)
	}
	e.generateLabels(ctx, clusters, needLLM, contents)
}

func (e *Engine) saveClusters(ctx context.Context, projectID string, clusters []*Cluster) error {
	saved := make([]savedCluster, len(clusters))
	for i, c := range clusters {
		saved[i] = savedCluster{Label: c.Label, NodeIDs: c.NodeIDs}
	}
	data, err := json.Marshal(saved)
	if err != nil {
		return err
	}
	_, err = e.store.SaveNodeClusters(ctx, projectID, string(data))
	return err
}

// --- helpers ---

func groupCentroid(ids []string, embeddings map[string][]float32) []float32 {
	_, vecs := embeddedMembers(ids, embeddings)
	if len(vecs) == 0 {
		return nil
	}
	return vecmath.Mean(vecs)
}

func embeddedMembers(ids []string, embeddings map[string][]float32) ([]string, [][]float32) {
	var outIDs []string
	var vecs [][]float32
	for _, id := range ids {
		if emb, ok := embeddings[id]; ok {
			outIDs = append(outIDs, id)
			vecs = append(vecs, emb)
		}
	}
	return outIDs, vecs
}

func missingMembers(ids []string, embeddings map[string][]float32) []string {
	var out []string
	for _, id := range ids {
		if _, ok := embeddings[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func nearestCluster(clusters []*Cluster, query []float32) (*Cluster, float64) {
	var best *Cluster
	bestSim := -2.0
	for _, c := range clusters {
		if c.centroid == nil {
			continue
		}
		if sim := vecmath.Cosine(query, c.centroid); sim > bestSim {
			bestSim = sim
			best = c
		}
	}
	return best, bestSim
}

// twoMeansSplit partitions embedded members into two groups, seeding the
// centroids from the most distant pair and iterating a few reassignment
// rounds.
func twoMeansSplit(ids []string, vecs [][]float32) ([]string, []string) {
	i, j := vecmath.MostDistantPair(vecs)
	centA := vecs[i]
	centB := vecs[j]

	assign := make([]bool, len(vecs)) // true means group B
	for iter := 0; iter < splitIterations; iter++ {
		changed := false
		for k, v := range vecs {
			toB := vecmath.Cosine(v, centB) > vecmath.Cosine(v, centA)
			if toB != assign[k] {
				assign[k] = toB
				changed = true
			}
		}
		if !changed {
			break
		}
		var groupA, groupB [][]float32
		for k, v := range vecs {
			if assign[k] {
				groupB = append(groupB, v)
			} else {
				groupA = append(groupA, v)
			}
		}
		if len(groupA) == 0 || len(groupB) == 0 {
			break
		}
		centA = vecmath.Mean(groupA)
		centB = vecmath.Mean(groupB)
	}

	var a, b []string
	for k, id := range ids {
		if assign[k] {
			b = append(b, id)
		} else {
			a = append(a, id)
		}
	}
	return a, b
}

func truncateLabel(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return "Unlabelled"
	}
	const max = 60
	if len(content) <= max {
		return content
	}
	cut := strings.LastIndex(content[:max], " ")
	if cut < 20 {
		cut = max
	}
	return content[:cut] + "…"
}
