package extract

import (
	"context"
	"log/slog"

	"github.com/casegraph/casegraph/llm"
	"github.com/casegraph/casegraph/vecmath"
)

// dedupeResult holds the surviving candidates, the old→new ID remap for
// merged nodes, and the embeddings computed along the way so downstream
// persistence skips re-embedding.
type dedupeResult struct {
	nodes      []candidateNode
	remap      map[string]string
	embeddings map[string][]float32
}

// dedupeCandidates batch-embeds all node contents and merges any pair with
// cosine similarity above threshold, keeping the node with higher importance,
// tie-broken by longer content. Edge endpoints are rewritten through the
// returned remap by the caller. An embedding failure skips deduplication
// rather than failing the run.
func dedupeCandidates(ctx context.Context, embedder llm.Embedder, nodes []candidateNode, threshold float64) dedupeResult {
	res := dedupeResult{
		nodes:      nodes,
		remap:      make(map[string]string),
		embeddings: make(map[string][]float32),
	}
	if len(nodes) < 2 {
		if len(nodes) == 1 {
			if vec, err := embedder.Embed(ctx, nodes[0].Content); err == nil {
				res.embeddings[nodes[0].ID] = vec
			}
		}
		return res
	}

	texts := make([]string, len(nodes))
	for i, n := range nodes {
		texts[i] = n.Content
	}
	vecs, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		slog.Warn("extract: batch embedding failed, skipping deduplication", "error", err)
		return res
	}

	// absorbed[i] = index of the survivor that swallowed node i, or -1.
	absorbed := make([]int, len(nodes))
	for i := range absorbed {
		absorbed[i] = -1
	}

	root := func(i int) int {
		for absorbed[i] != -1 {
			i = absorbed[i]
		}
		return i
	}

	for i := 0; i < len(nodes); i++ {
		if vecs[i] == nil {
			continue
		}
		for j := i + 1; j < len(nodes); j++ {
			if vecs[j] == nil {
				continue
			}
			ri, rj := root(i), root(j)
			if ri == rj {
				continue
			}
			if vecmath.Cosine(vecs[i], vecs[j]) <= threshold {
				continue
			}
			winner, loser := pickSurvivor(nodes[ri], nodes[rj], ri, rj)
			absorbed[loser] = winner
		}
	}

	var survivors []candidateNode
	merged := 0
	for i, n := range nodes {
		if absorbed[i] != -1 {
			surv := nodes[root(i)]
			res.remap[n.ID] = surv.ID
			merged++
			continue
		}
		survivors = append(survivors, n)
		if vecs[i] != nil {
			res.embeddings[n.ID] = vecs[i]
		}
	}

	if merged > 0 {
		slog.Info("extract: deduplicated candidates",
			"before", len(nodes), "after", len(survivors), "merged", merged)
	}
	res.nodes = survivors
	return res
}

// pickSurvivor returns (winner, loser) indices: higher importance wins, then
// longer content.
func pickSurvivor(a, b candidateNode, ai, bi int) (int, int) {
	if a.Importance != b.Importance {
		if a.Importance > b.Importance {
			return ai, bi
		}
		return bi, ai
	}
	if len(a.Content) >= len(b.Content) {
		return ai, bi
	}
	return bi, ai
}

// remapEdges rewrites edge endpoints through the dedup remap and drops edges
// that collapsed onto themselves or duplicated an existing edge.
func remapEdges(edges []candidateEdge, remap map[string]string) []candidateEdge {
	resolve := func(id string) string {
		seen := 0
		for {
			next, ok := remap[id]
			if !ok || seen > len(remap) {
				return id
			}
			id = next
			seen++
		}
	}

	type key struct{ s, t, k string }
	dedup := make(map[key]bool)
	var out []candidateEdge
	for _, e := range edges {
		e.SourceID = resolve(e.SourceID)
		e.TargetID = resolve(e.TargetID)
		if e.SourceID == e.TargetID {
			continue
		}
		k := key{e.SourceID, e.TargetID, e.EdgeType}
		if dedup[k] {
			continue
		}
		dedup[k] = true
		out = append(out, e)
	}
	return out
}
