package hierarchy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/casegraph/casegraph/llm"
	"github.com/casegraph/casegraph/store"
	"github.com/casegraph/casegraph/vecmath"
)

// ErrNoPassages is returned when a build finds no embedded passages for the
// project.
var ErrNoPassages = errors.New("hierarchy: no embedded passages for project")

const (
	// topicDistance is the agglomerative cosine-distance threshold for
	// grouping passages into topics.
	topicDistance = 0.65

	// themeDistance is the tighter threshold for grouping topic summaries
	// into themes.
	themeDistance = 0.55

	// maxDirectPassages is the corpus size above which clustering switches
	// to sample-then-assign.
	maxDirectPassages = 5000

	// assignBatchSize bounds memory during centroid assignment of the
	// unsampled remainder.
	assignBatchSize = 500

	// maxThemes is the topic count above which a theme merge pass runs.
	maxThemes = 7

	// summaryConcurrency caps parallel topic and theme summarization calls.
	summaryConcurrency = 5

	// topicSamplePassages is how many passages near the centroid feed one
	// topic summary.
	topicSamplePassages = 5
)

// Metadata describes one built snapshot. Documents is the manifest used for
// document-level diffing between versions.
type Metadata struct {
	PassageCount int      `json:"passage_count"`
	TopicCount   int      `json:"topic_count"`
	ThemeCount   int      `json:"theme_count"`
	Documents    []string `json:"documents"`
	Clusterer    string   `json:"clusterer"`
	Sampled      bool     `json:"sampled,omitempty"`
	BuiltAt      string   `json:"built_at"`
	DurationMS   int64    `json:"duration_ms"`
}

// Result is a completed hierarchy build.
type Result struct {
	Hierarchy *store.ClusterHierarchy
	Tree      *TreeNode
	Metadata  Metadata
}

// Engine builds versioned passage hierarchies: passages group into topics,
// topics into themes, themes under a synthesized root.
type Engine struct {
	store     *store.Store
	fast      llm.Provider
	embed     llm.Embedder
	clusterer PassageClusterer
}

// Option configures the Engine.
type Option func(*Engine)

// WithClusterer overrides the passage clustering strategy.
func WithClusterer(c PassageClusterer) Option {
	return func(e *Engine) { e.clusterer = c }
}

func NewEngine(st *store.Store, fast llm.Provider, embed llm.Embedder, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		fast:      fast,
		embed:     embed,
		clusterer: AgglomerativeClusterer{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Build constructs a new hierarchy snapshot for the project and marks it
// current on success. A failed build keeps the previous current snapshot.
func (e *Engine) Build(ctx context.Context, projectID string) (*Result, error) {
	started := time.Now()

	passages, err := e.store.ProjectPassages(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("loading passages: %w", err)
	}
	embedded := passages[:0:0]
	for _, p := range passages {
		if len(p.Embedding) > 0 {
			embedded = append(embedded, p)
		}
	}
	if len(embedded) == 0 {
		return nil, ErrNoPassages
	}
	if skipped := len(passages) - len(embedded); skipped > 0 {
		slog.Warn("skipping passages without embeddings",
			"project_id", projectID, "skipped", skipped)
	}

	h, err := e.store.CreateHierarchy(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating hierarchy snapshot: %w", err)
	}

	tree, meta, err := e.buildTree(ctx, embedded)
	if err != nil {
		if ferr := e.store.MarkHierarchyFailed(ctx, h.ID, err.Error()); ferr != nil {
			slog.Error("marking hierarchy failed", "hierarchy_id", h.ID, "error", ferr)
		}
		return nil, err
	}

	meta.Documents = documentManifest(embedded)
	meta.PassageCount = len(embedded)
	meta.BuiltAt = started.UTC().Format(time.RFC3339)
	meta.DurationMS = time.Since(started).Milliseconds()

	treeJSON, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("serializing tree: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("serializing metadata: %w", err)
	}
	if err := e.store.MarkHierarchyReady(ctx, h.ID, string(treeJSON), string(metaJSON)); err != nil {
		return nil, fmt.Errorf("finalizing hierarchy: %w", err)
	}

	h.Status = store.HierarchyReady
	h.IsCurrent = true
	h.Tree = string(treeJSON)
	h.Metadata = string(metaJSON)

	slog.Info("hierarchy built",
		"project_id", projectID,
		"version", h.Version,
		"passages", meta.PassageCount,
		"topics", meta.TopicCount,
		"themes", meta.ThemeCount,
		"duration_ms", meta.DurationMS)
	return &Result{Hierarchy: h, Tree: tree, Metadata: *meta}, nil
}

func (e *Engine) buildTree(ctx context.Context, passages []store.Passage) (*TreeNode, *Metadata, error) {
	vecs := make([][]float32, len(passages))
	for i, p := range passages {
		vecs[i] = vecmath.Normalize(p.Embedding)
	}

	groups, sampled := e.clusterPassages(vecs)

	topics, err := e.buildTopics(ctx, passages, vecs, groups)
	if err != nil {
		return nil, nil, err
	}

	themes, err := e.buildThemes(ctx, topics)
	if err != nil {
		return nil, nil, err
	}

	root := e.buildRoot(ctx, themes)
	root.setCoverage()

	meta := &Metadata{
		TopicCount: len(topics),
		ThemeCount: len(themes),
		Clusterer:  e.clusterer.Name(),
		Sampled:    sampled,
	}
	return root, meta, nil
}

// clusterPassages groups passage vectors into topic clusters. Large corpora
// are clustered on a sample and the remainder assigned to sample centroids
// in fixed batches; passages far from every centroid are absorbed into the
// nearest cluster afterwards so nothing is dropped.
func (e *Engine) clusterPassages(vecs [][]float32) ([][]int, bool) {
	if len(vecs) <= maxDirectPassages {
		return e.clusterer.Cluster(vecs, topicDistance), false
	}

	// Deterministic stride sample across the corpus.
	stride := (len(vecs) + maxDirectPassages - 1) / maxDirectPassages
	var sampleIdx []int
	sampled := make([]bool, len(vecs))
	for i := 0; i < len(vecs) && len(sampleIdx) < maxDirectPassages; i += stride {
		sampleIdx = append(sampleIdx, i)
		sampled[i] = true
	}
	sampleVecs := make([][]float32, len(sampleIdx))
	for i, idx := range sampleIdx {
		sampleVecs[i] = vecs[idx]
	}

	sampleGroups := e.clusterer.Cluster(sampleVecs, topicDistance)

	groups := make([][]int, len(sampleGroups))
	centroids := make([][]float32, len(sampleGroups))
	for g, members := range sampleGroups {
		mv := make([][]float32, len(members))
		for i, m := range members {
			groups[g] = append(groups[g], sampleIdx[m])
			mv[i] = sampleVecs[m]
		}
		centroids[g] = vecmath.Mean(mv)
	}

	simFloor := 1.0 - topicDistance
	var orphans []int
	var batch []int
	flush := func() {
		for _, idx := range batch {
			best, sim := nearestCentroid(centroids, vecs[idx])
			if best >= 0 && sim >= simFloor {
				groups[best] = append(groups[best], idx)
			} else {
				orphans = append(orphans, idx)
			}
		}
		batch = batch[:0]
	}
	for i := range vecs {
		if sampled[i] {
			continue
		}
		batch = append(batch, i)
		if len(batch) >= assignBatchSize {
			flush()
		}
	}
	flush()

	// Orphan absorption: attach to the nearest cluster unconditionally.
	for _, idx := range orphans {
		best, _ := nearestCentroid(centroids, vecs[idx])
		if best < 0 {
			best = 0
		}
		groups[best] = append(groups[best], idx)
	}
	return groups, true
}

func nearestCentroid(centroids [][]float32, v []float32) (int, float64) {
	best := -1
	bestSim := -2.0
	for c, cent := range centroids {
		if sim := vecmath.Cosine(v, cent); sim > bestSim {
			bestSim = sim
			best = c
		}
	}
	return best, bestSim
}

// buildTopics summarizes each passage cluster into a level-1 topic node.
// Summaries are generated concurrently with a bounded cap and re-embedded
// for the theme merge pass; a failed re-embed falls back to the passage
// centroid.
func (e *Engine) buildTopics(ctx context.Context, passages []store.Passage, vecs [][]float32, groups [][]int) ([]*TreeNode, error) {
	topics := make([]*TreeNode, len(groups))
	var mu sync.Mutex
	failed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(summaryConcurrency)
	for gi, members := range groups {
		g.Go(func() error {
			topic := e.buildTopic(gctx, passages, vecs, members)
			mu.Lock()
			if topic.Label == fallbackTopicPrefix {
				failed++
			}
			topics[gi] = topic
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if failed == len(topics) && len(topics) > 1 {
		return nil, fmt.Errorf("topic summarization: %w", llm.ErrRequestFailed)
	}
	if failed > 0 {
		slog.Warn("some topic summaries fell back to defaults",
			"failed", failed, "topics", len(topics))
	}

	// Stable order: largest topics first.
	sort.SliceStable(topics, func(i, j int) bool {
		return len(topics[i].ChunkIDs) > len(topics[j].ChunkIDs)
	})
	for i, t := range topics {
		if t.Label == fallbackTopicPrefix {
			t.Label = fmt.Sprintf("%s %d", fallbackTopicPrefix, i+1)
		}
	}

	texts := make([]string, len(topics))
	for i, t := range topics {
		texts[i] = t.Label + ". " + t.Summary
	}
	if embs, err := e.embed.EmbedBatch(ctx, texts); err != nil {
		slog.Warn("topic summary embedding failed, using passage centroids", "error", err)
	} else {
		for i, emb := range embs {
			if emb != nil {
				topics[i].Embedding = vecmath.Normalize(emb)
			}
		}
	}
	return topics, nil
}

const fallbackTopicPrefix = "Topic"

func (e *Engine) buildTopic(ctx context.Context, passages []store.Passage, vecs [][]float32, members []int) *TreeNode {
	centroid := vecmath.Mean(memberVecs(vecs, members))

	// Passages nearest the centroid represent the cluster in the prompt.
	ranked := make([]int, len(members))
	copy(ranked, members)
	sort.SliceStable(ranked, func(i, j int) bool {
		return vecmath.Cosine(vecs[ranked[i]], centroid) > vecmath.Cosine(vecs[ranked[j]], centroid)
	})
	sample := ranked
	if len(sample) > topicSamplePassages {
		sample = sample[:topicSamplePassages]
	}

	topic := &TreeNode{
		ID:        uuid.NewString(),
		Level:     LevelTopic,
		Embedding: centroid,
	}
	docs := make(map[string]bool)
	for _, idx := range members {
		topic.ChunkIDs = append(topic.ChunkIDs, passages[idx].ID)
		docs[passages[idx].DocumentID] = true
	}
	topic.DocumentIDs = sortedKeys(docs)

	var sb strings.Builder
	for _, idx := range sample {
		sb.WriteString("- ")
		sb.WriteString(passages[idx].Text)
		sb.WriteString("\n")
	}

	label, summary, err := e.labelAndSummary(ctx, topicSystemPrompt,
		fmt.Sprintf(topicPromptTemplate, sb.String()))
	if err != nil {
		topic.Label = fallbackTopicPrefix
		topic.Summary = truncateWords(passages[sample[0]].Text, 40)
		return topic
	}
	topic.Label = label
	topic.Summary = summary
	return topic
}

// buildThemes groups topics into level-2 themes. Few topics promote 1:1;
// many topics are merged by summary-embedding similarity, with one repeat
// pass if the first still leaves too many themes.
func (e *Engine) buildThemes(ctx context.Context, topics []*TreeNode) ([]*TreeNode, error) {
	if len(topics) <= maxThemes {
		themes := make([]*TreeNode, len(topics))
		for i, t := range topics {
			themes[i] = &TreeNode{
				ID:        uuid.NewString(),
				Level:     LevelTheme,
				Label:     t.Label,
				Summary:   t.Summary,
				Children:  []*TreeNode{t},
				Embedding: t.Embedding,
			}
		}
		return themes, nil
	}

	groups := e.mergeByEmbedding(topics, themeDistance)
	if len(groups) > maxThemes {
		merged := make([]*TreeNode, len(groups))
		for i, g := range groups {
			merged[i] = &TreeNode{Children: g, Embedding: groupEmbedding(g)}
		}
		regrouped := e.mergeByEmbedding(merged, themeDistance)
		var flat [][]*TreeNode
		for _, rg := range regrouped {
			var topicsOf []*TreeNode
			for _, m := range rg {
				topicsOf = append(topicsOf, m.Children...)
			}
			flat = append(flat, topicsOf)
		}
		groups = flat
	}

	themes := make([]*TreeNode, len(groups))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(summaryConcurrency)
	for gi, members := range groups {
		g.Go(func() error {
			theme := e.buildTheme(gctx, members)
			mu.Lock()
			themes[gi] = theme
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.SliceStable(themes, func(i, j int) bool {
		return len(themes[i].allChunkIDs()) > len(themes[j].allChunkIDs())
	})
	return themes, nil
}

func (e *Engine) mergeByEmbedding(nodes []*TreeNode, distance float64) [][]*TreeNode {
	vecs := make([][]float32, len(nodes))
	for i, n := range nodes {
		vecs[i] = n.Embedding
	}
	idxGroups := e.clusterer.Cluster(vecs, distance)
	groups := make([][]*TreeNode, len(idxGroups))
	for g, members := range idxGroups {
		for _, m := range members {
			groups[g] = append(groups[g], nodes[m])
		}
	}
	return groups
}

func (e *Engine) buildTheme(ctx context.Context, topics []*TreeNode) *TreeNode {
	theme := &TreeNode{
		ID:        uuid.NewString(),
		Level:     LevelTheme,
		Children:  topics,
		Embedding: groupEmbedding(topics),
	}
	if len(topics) == 1 {
		theme.Label = topics[0].Label
		theme.Summary = topics[0].Summary
		return theme
	}

	var sb strings.Builder
	for _, t := range topics {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Label, t.Summary)
	}
	label, summary, err := e.labelAndSummary(ctx, themeSystemPrompt,
		fmt.Sprintf(themePromptTemplate, sb.String()))
	if err != nil {
		theme.Label = topics[0].Label
		theme.Summary = topics[0].Summary
		return theme
	}
	theme.Label = label
	theme.Summary = summary
	return theme
}

// buildRoot synthesizes the level-3 node from the theme summaries. A failed
// call degrades to a joined label list rather than failing the build.
func (e *Engine) buildRoot(ctx context.Context, themes []*TreeNode) *TreeNode {
	root := &TreeNode{
		ID:       uuid.NewString(),
		Level:    LevelRoot,
		Children: themes,
	}

	var sb strings.Builder
	var labels []string
	for _, t := range themes {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Label, t.Summary)
		labels = append(labels, t.Label)
	}
	label, summary, err := e.labelAndSummary(ctx, rootSystemPrompt,
		fmt.Sprintf(rootPromptTemplate, sb.String()))
	if err != nil {
		slog.Warn("root synthesis failed, using theme labels", "error", err)
		root.Label = "Project overview"
		root.Summary = strings.Join(labels, "; ")
		return root
	}
	root.Label = label
	root.Summary = summary
	return root
}

// labelAndSummary runs one fast-tier call expecting {"label", "summary"}.
func (e *Engine) labelAndSummary(ctx context.Context, system, prompt string) (string, string, error) {
	resp, err := e.fast.Generate(ctx, llm.GenerateRequest{
		System:      system,
		Prompt:      prompt,
		Temperature: 0.3,
		MaxTokens:   300,
		JSONMode:    true,
	})
	if err != nil {
		return "", "", err
	}
	raw, err := llm.ExtractJSONObject(resp.Content)
	if err != nil {
		return "", "", err
	}
	var out struct {
		Label   string `json:"label"`
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return "", "", fmt.Errorf("parsing summary response: %w", err)
	}
	out.Label = strings.TrimSpace(out.Label)
	if out.Label == "" {
		return "", "", fmt.Errorf("empty label in summary response")
	}
	return out.Label, strings.TrimSpace(out.Summary), nil
}

func memberVecs(vecs [][]float32, members []int) [][]float32 {
	out := make([][]float32, len(members))
	for i, m := range members {
		out[i] = vecs[m]
	}
	return out
}

func groupEmbedding(nodes []*TreeNode) []float32 {
	var vecs [][]float32
	for _, n := range nodes {
		if n.Embedding != nil {
			vecs = append(vecs, n.Embedding)
		}
	}
	if len(vecs) == 0 {
		return nil
	}
	return vecmath.Mean(vecs)
}

func documentManifest(passages []store.Passage) []string {
	docs := make(map[string]bool)
	for _, p := range passages {
		docs[p.DocumentID] = true
	}
	return sortedKeys(docs)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func truncateWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) <= n {
		return s
	}
	return strings.Join(words[:n], " ") + "…"
}
