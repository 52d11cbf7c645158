package extract

import (
	"context"
	"fmt"
	"testing"
)

// fakeEmbedder serves fixed vectors per text, with an orthogonal fallback so
// unrelated contents never collide.
type fakeEmbedder struct {
	vecs map[string][]float32
	fail bool
	next int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.fail {
		return nil, fmt.Errorf("embedding service down")
	}
	if v, ok := f.vecs[text]; ok {
		return v, nil
	}
	// Distinct axis per unseen text.
	v := make([]float32, 4)
	v[f.next%4] = 1
	f.next++
	return v, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.fail {
		return nil, fmt.Errorf("embedding service down")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = f.Embed(ctx, t)
	}
	return out, nil
}

func TestDedupeCandidatesMergesNearDuplicates(t *testing.T) {
	nodes := []candidateNode{
		{ID: "a", Type: "claim", Content: "the treaty reduced emissions", Importance: 1},
		{ID: "b", Type: "claim", Content: "the treaty reduced emissions significantly", Importance: 3},
		{ID: "c", Type: "evidence", Content: "unrelated measurement data", Importance: 2},
	}
	emb := &fakeEmbedder{vecs: map[string][]float32{
		"the treaty reduced emissions":               {1, 0, 0, 0},
		"the treaty reduced emissions significantly": {0.99, 0.14, 0, 0},
		"unrelated measurement data":                 {0, 0, 1, 0},
	}}

	res := dedupeCandidates(context.Background(), emb, nodes, 0.9)

	if len(res.nodes) != 2 {
		t.Fatalf("survivors = %d, want 2", len(res.nodes))
	}
	// Higher importance wins.
	for _, n := range res.nodes {
		if n.ID == "a" {
			t.Fatal("lower-importance duplicate survived")
		}
	}
	if res.remap["a"] != "b" {
		t.Errorf("remap[a] = %q, want b", res.remap["a"])
	}
	if _, ok := res.embeddings["b"]; !ok {
		t.Error("survivor embedding not cached")
	}
	if _, ok := res.embeddings["a"]; ok {
		t.Error("absorbed node embedding should not be cached")
	}
}

func TestDedupeCandidatesTieBreaksOnLength(t *testing.T) {
	nodes := []candidateNode{
		{ID: "short", Type: "claim", Content: "brief claim here", Importance: 2},
		{ID: "long", Type: "claim", Content: "a much longer statement of the same brief claim", Importance: 2},
	}
	emb := &fakeEmbedder{vecs: map[string][]float32{
		nodes[0].Content: {1, 0, 0, 0},
		nodes[1].Content: {1, 0.01, 0, 0},
	}}

	res := dedupeCandidates(context.Background(), emb, nodes, 0.9)
	if len(res.nodes) != 1 || res.nodes[0].ID != "long" {
		t.Fatalf("survivor = %+v, want the longer node", res.nodes)
	}
}

func TestDedupeCandidatesEmbeddingFailure(t *testing.T) {
	nodes := []candidateNode{
		{ID: "a", Type: "claim", Content: "first claim content"},
		{ID: "b", Type: "claim", Content: "second claim content"},
	}
	res := dedupeCandidates(context.Background(), &fakeEmbedder{fail: true}, nodes, 0.9)

	// Batch failure skips dedup entirely rather than failing the run.
	if len(res.nodes) != 2 {
		t.Fatalf("survivors = %d, want all 2", len(res.nodes))
	}
	if len(res.remap) != 0 || len(res.embeddings) != 0 {
		t.Error("failure path should produce no remap or cached embeddings")
	}
}

func TestRemapEdges(t *testing.T) {
	remap := map[string]string{"a": "b", "b": "c"} // chain: a resolves to c
	edges := []candidateEdge{
		{SourceID: "a", TargetID: "d", EdgeType: "supports"},
		{SourceID: "b", TargetID: "d", EdgeType: "supports"}, // same edge after resolution
		{SourceID: "a", TargetID: "c", EdgeType: "supports"}, // becomes self loop c->c
		{SourceID: "d", TargetID: "a", EdgeType: "depends_on"},
	}

	out := remapEdges(edges, remap)

	for _, e := range out {
		if e.SourceID == "a" || e.SourceID == "b" || e.TargetID == "a" || e.TargetID == "b" {
			t.Errorf("unresolved endpoint: %+v", e)
		}
		if e.SourceID == e.TargetID {
			t.Errorf("self loop survived: %+v", e)
		}
	}
	if len(out) != 2 {
		t.Fatalf("edges = %d, want 2: %+v", len(out), out)
	}
}

func TestRemapEdgesDropsDuplicates(t *testing.T) {
	remap := map[string]string{"a": "b"}
	edges := []candidateEdge{
		{SourceID: "a", TargetID: "c", EdgeType: "supports"},
		{SourceID: "b", TargetID: "c", EdgeType: "supports"},
	}
	out := remapEdges(edges, remap)
	if len(out) != 1 {
		t.Fatalf("edges = %d, want 1 after collapse", len(out))
	}
}
