//go:build cgo

package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/casegraph/casegraph/llm"
	"github.com/casegraph/casegraph/store"
)

// fakeProvider scripts Generate and GenerateWithTools responses.
type fakeProvider struct {
	window   int
	generate func(llm.GenerateRequest) (*llm.GenerateResponse, error)
	tools    func(llm.ToolRequest) (json.RawMessage, error)

	mu        sync.Mutex
	toolCalls []llm.ToolRequest
}

func (f *fakeProvider) Generate(_ context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
	if f.generate == nil {
		return &llm.GenerateResponse{Content: "a short summary"}, nil
	}
	return f.generate(req)
}

func (f *fakeProvider) GenerateWithTools(_ context.Context, req llm.ToolRequest) (json.RawMessage, error) {
	f.mu.Lock()
	f.toolCalls = append(f.toolCalls, req)
	f.mu.Unlock()
	if f.tools == nil {
		return json.RawMessage(`{"nodes":[],"edges":[]}`), nil
	}
	return f.tools(req)
}

func (f *fakeProvider) ContextWindow() int {
	if f.window == 0 {
		return 128000
	}
	return f.window
}

func newExtractTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), 4)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func payloadJSON(t *testing.T, p extractionPayload) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshalling payload: %v", err)
	}
	return data
}

func TestExtractSingleCall(t *testing.T) {
	s := newExtractTestStore(t)
	ctx := context.Background()

	// A passage to anchor provenance by exact substring.
	pids, err := s.InsertPassages(ctx, []store.Passage{
		{DocumentID: "d1", ProjectID: "p1", Text: "The treaty reduced regional emissions measurably over five years.", Position: 0},
	})
	if err != nil {
		t.Fatalf("inserting passage: %v", err)
	}

	payload := extractionPayload{
		Nodes: []candidateNode{
			{ID: "n1", Type: "claim", Content: "the treaty reduced emissions", Importance: 3, DocumentRole: "thesis", Confidence: 0.9,
				SourcePassage: "treaty reduced regional emissions"},
			{ID: "n2", Type: "claim", Content: "the treaty reduced emissions overall", Importance: 1, Confidence: 0.6},
			{ID: "n3", Type: "evidence", Content: "emissions data from the monitoring network", Importance: 2, Confidence: 0.8},
		},
		Edges: []candidateEdge{
			{SourceID: "n3", TargetID: "n2", EdgeType: "supports"},
		},
	}
	provider := &fakeProvider{tools: func(req llm.ToolRequest) (json.RawMessage, error) {
		if req.ToolName != "report_argument_graph" {
			t.Errorf("tool = %q", req.ToolName)
		}
		return payloadJSON(t, payload), nil
	}}
	emb := &fakeEmbedder{vecs: map[string][]float32{
		"the treaty reduced emissions":               {1, 0, 0, 0},
		"the treaty reduced emissions overall":       {0.99, 0.1, 0, 0},
		"emissions data from the monitoring network": {0, 0, 1, 0},
	}}

	eng := NewEngine(s, provider, provider, emb)
	res, err := eng.Extract(ctx, Input{
		ProjectID: "p1", DocumentID: "d1", Title: "Treaty Report", Text: "some document text",
	})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	// n1 and n2 are near-duplicates; n1 wins on importance.
	if len(res.Nodes) != 2 {
		t.Fatalf("nodes = %d, want 2 after dedup", len(res.Nodes))
	}
	if res.Sections != 1 {
		t.Errorf("sections = %d, want 1", res.Sections)
	}

	var survivor, evidence *store.Node
	for i := range res.Nodes {
		switch res.Nodes[i].NodeType {
		case store.NodeClaim:
			survivor = &res.Nodes[i]
		case store.NodeEvidence:
			evidence = &res.Nodes[i]
		}
	}
	if survivor == nil || evidence == nil {
		t.Fatalf("missing node types in %+v", res.Nodes)
	}
	if survivor.Content != "the treaty reduced emissions" {
		t.Errorf("survivor = %q, want the higher-importance duplicate", survivor.Content)
	}

	// The n3->n2 edge must land on the survivor via the dedup remap.
	if len(res.Edges) != 1 {
		t.Fatalf("edges = %d, want 1", len(res.Edges))
	}
	if res.Edges[0].SourceNodeID != evidence.ID || res.Edges[0].TargetNodeID != survivor.ID {
		t.Errorf("edge endpoints not remapped: %+v", res.Edges[0])
	}

	// Provenance: exact substring linked the survivor to the passage.
	linked, err := s.NodePassageIDs(ctx, survivor.ID)
	if err != nil {
		t.Fatalf("links: %v", err)
	}
	if len(linked) != 1 || linked[0] != pids[0] {
		t.Errorf("provenance links = %v, want [%d]", linked, pids[0])
	}

	// A delta was recorded.
	if res.DeltaID == "" {
		t.Error("missing delta id")
	}
	deltas, _ := s.ListDeltas(ctx, "p1", 10)
	if len(deltas) != 1 || deltas[0].NodesCreated != 2 {
		t.Errorf("deltas = %+v", deltas)
	}

	// Embeddings stored for both survivors.
	embs, _ := s.NodeEmbeddings(ctx, []string{survivor.ID, evidence.ID})
	if len(embs) != 2 {
		t.Errorf("embedded nodes = %d, want 2", len(embs))
	}
}

func TestExtractEmptyRunRecordsDelta(t *testing.T) {
	s := newExtractTestStore(t)
	provider := &fakeProvider{} // returns empty payload

	eng := NewEngine(s, provider, provider, &fakeEmbedder{})
	res, err := eng.Extract(context.Background(), Input{
		ProjectID: "p1", DocumentID: "d1", Title: "Empty", Text: "nothing of substance",
	})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(res.Nodes) != 0 || res.DeltaID == "" {
		t.Fatalf("res = %+v, want empty result with delta", res)
	}
}

func TestExtractLLMFailureReturnsEmptyResult(t *testing.T) {
	s := newExtractTestStore(t)
	provider := &fakeProvider{tools: func(llm.ToolRequest) (json.RawMessage, error) {
		return nil, fmt.Errorf("model unavailable")
	}}

	eng := NewEngine(s, provider, provider, &fakeEmbedder{})
	res, err := eng.Extract(context.Background(), Input{
		ProjectID: "p1", DocumentID: "d1", Title: "Broken", Text: "text",
	})
	if err != nil {
		t.Fatalf("extraction failure must degrade, got error: %v", err)
	}
	if len(res.Nodes) != 0 {
		t.Fatalf("nodes = %d, want 0", len(res.Nodes))
	}
}

func TestExtractSplitNamespacesSectionIDs(t *testing.T) {
	s := newExtractTestStore(t)
	ctx := context.Background()

	// Window forces the minimum budget of 1000 tokens; two ~910-token
	// paragraphs means two sections.
	provider := &fakeProvider{
		window: 17000,
		tools: func(req llm.ToolRequest) (json.RawMessage, error) {
			// Every section reuses the same local ID; namespacing must keep
			// the merged results distinct.
			return payloadJSON(t, extractionPayload{
				Nodes: []candidateNode{
					{ID: "n1", Type: "claim", Content: "claim from " + firstWords(req.Prompt, 6), Importance: 2, Confidence: 0.7},
				},
			}), nil
		},
	}

	doc := strings.Repeat("alpha ", 700) + "\n\n" + strings.Repeat("beta ", 700)
	eng := NewEngine(s, provider, provider, &fakeEmbedder{})
	res, err := eng.Extract(ctx, Input{ProjectID: "p1", DocumentID: "d1", Title: "Long", Text: doc})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Sections != 2 {
		t.Fatalf("sections = %d, want 2", res.Sections)
	}
	if len(res.Nodes) != 2 {
		t.Fatalf("nodes = %d, want one per section", len(res.Nodes))
	}
}

func TestExtractThreeSectionsDedupAndConsolidate(t *testing.T) {
	s := newExtractTestStore(t)
	ctx := context.Background()

	const (
		repeated  = "the program reduced district costs"
		evidence  = "audit data shows spending fell"
		oversight = "oversight of the program remains weak"
	)

	// Window forces the minimum budget of 1000 tokens; three ~910-token
	// paragraphs means three sections, which also arms the consolidation
	// pass. The first two sections report the same claim verbatim under the
	// same local ID.
	provider := &fakeProvider{window: 17000}
	provider.tools = func(req llm.ToolRequest) (json.RawMessage, error) {
		if req.ToolName == "report_consolidation" {
			return json.RawMessage(`{
				"thesis_ids": ["s0_n1"],
				"edges": [{"source_id": "s2_n1", "target_id": "s0_n1", "edge_type": "supports"}],
				"tensions": [{"content": "sections disagree on program effectiveness", "node_ids": ["s0_n1", "s2_n1"]}]
			}`), nil
		}
		switch {
		case strings.Contains(req.Prompt, "alpha"):
			return payloadJSON(t, extractionPayload{Nodes: []candidateNode{
				{ID: "n1", Type: "claim", Content: repeated, Importance: 3, Confidence: 0.9},
			}}), nil
		case strings.Contains(req.Prompt, "beta"):
			return payloadJSON(t, extractionPayload{
				Nodes: []candidateNode{
					{ID: "n1", Type: "claim", Content: repeated, Importance: 1, Confidence: 0.5},
					{ID: "n2", Type: "evidence", Content: evidence, Importance: 2, Confidence: 0.8},
				},
				Edges: []candidateEdge{{SourceID: "n2", TargetID: "n1", EdgeType: "supports"}},
			}), nil
		default:
			return payloadJSON(t, extractionPayload{Nodes: []candidateNode{
				{ID: "n1", Type: "claim", Content: oversight, Importance: 2, Confidence: 0.7},
			}}), nil
		}
	}
	emb := &fakeEmbedder{vecs: map[string][]float32{
		repeated:  {1, 0, 0, 0},
		evidence:  {0, 1, 0, 0},
		oversight: {0, 0, 1, 0},
	}}

	doc := strings.Repeat("alpha ", 700) + "\n\n" + strings.Repeat("beta ", 700) +
		"\n\n" + strings.Repeat("gamma ", 700)
	eng := NewEngine(s, provider, provider, emb)
	res, err := eng.Extract(ctx, Input{ProjectID: "p1", DocumentID: "d1", Title: "Program Review", Text: doc})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Sections != 3 {
		t.Fatalf("sections = %d, want 3", res.Sections)
	}

	// The repeated claim collapses to one node; the consolidation tension is
	// added on top: claim + evidence + claim + tension.
	if len(res.Nodes) != 4 {
		t.Fatalf("nodes = %d, want 4", len(res.Nodes))
	}
	byContent := make(map[string]store.Node, len(res.Nodes))
	for _, n := range res.Nodes {
		if _, dup := byContent[n.Content]; dup {
			t.Errorf("duplicate content persisted: %q", n.Content)
		}
		byContent[n.Content] = n
	}
	survivor, ok := byContent[repeated]
	if !ok {
		t.Fatalf("repeated claim missing from %+v", res.Nodes)
	}
	if survivor.Properties["importance"] != 3 || survivor.Properties["document_role"] != RoleThesis {
		t.Errorf("survivor not promoted to thesis: %+v", survivor.Properties)
	}

	var tension store.Node
	for _, n := range res.Nodes {
		if n.NodeType == store.NodeTension {
			tension = n
		}
	}
	if tension.ID == "" {
		t.Fatal("consolidation tension not persisted")
	}

	// Edges: the in-section supports edge follows the remap to the survivor,
	// the consolidation cross-section edge lands on it too, and the tension
	// contradicts both claims.
	type endpoint struct{ src, tgt, typ string }
	got := make(map[endpoint]bool, len(res.Edges))
	for _, e := range res.Edges {
		got[endpoint{e.SourceNodeID, e.TargetNodeID, e.EdgeType}] = true
	}
	want := []endpoint{
		{byContent[evidence].ID, survivor.ID, store.EdgeSupports},
		{byContent[oversight].ID, survivor.ID, store.EdgeSupports},
		{tension.ID, survivor.ID, store.EdgeContradicts},
		{tension.ID, byContent[oversight].ID, store.EdgeContradicts},
	}
	if len(res.Edges) != len(want) {
		t.Fatalf("edges = %d, want %d", len(res.Edges), len(want))
	}
	for _, w := range want {
		if !got[w] {
			t.Errorf("missing edge %+v", w)
		}
	}

	// Three section calls plus the consolidation call, in that order.
	if n := len(provider.toolCalls); n != 4 {
		t.Fatalf("tool calls = %d, want 4", n)
	}
	if last := provider.toolCalls[3].ToolName; last != "report_consolidation" {
		t.Errorf("final tool = %q, want report_consolidation", last)
	}

	deltas, _ := s.ListDeltas(ctx, "p1", 10)
	if len(deltas) != 1 || deltas[0].NodesCreated != 4 || deltas[0].TensionsSurfaced != 1 {
		t.Errorf("deltas = %+v", deltas)
	}
}

func firstWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}

func TestConsolidatePromotesThesisAndAddsTensions(t *testing.T) {
	nodes := []candidateNode{
		{ID: "a", Type: "claim", Content: "the policy works as intended", Importance: 1, DocumentRole: "detail"},
		{ID: "b", Type: "claim", Content: "the policy is counterproductive", Importance: 2, DocumentRole: "detail"},
	}
	provider := &fakeProvider{tools: func(req llm.ToolRequest) (json.RawMessage, error) {
		if req.ToolName != "report_consolidation" {
			t.Errorf("tool = %q", req.ToolName)
		}
		return json.RawMessage(`{
			"thesis_ids": ["a"],
			"edges": [{"source_id": "b", "target_id": "a", "edge_type": "contradicts"}],
			"tensions": [{"content": "the document asserts both effectiveness and harm", "node_ids": ["a", "b", "missing"]}]
		}`), nil
	}}

	eng := NewEngine(nil, provider, provider, &fakeEmbedder{})
	outNodes, outEdges := eng.consolidate(context.Background(), nodes, nil)

	if outNodes[0].Importance != 3 || outNodes[0].DocumentRole != RoleThesis {
		t.Errorf("thesis not promoted: %+v", outNodes[0])
	}
	if len(outNodes) != 3 {
		t.Fatalf("nodes = %d, want 2 + tension", len(outNodes))
	}
	tension := outNodes[2]
	if tension.Type != store.NodeTension {
		t.Fatalf("appended node type = %q, want tension", tension.Type)
	}

	// Tension contradicts both referenced nodes; the unknown ref is skipped.
	contradicts := 0
	for _, e := range outEdges {
		if e.SourceID == tension.ID && e.EdgeType == store.EdgeContradicts {
			contradicts++
		}
	}
	if contradicts != 2 {
		t.Errorf("tension contradiction edges = %d, want 2", contradicts)
	}
	if len(outEdges) != 3 {
		t.Errorf("edges = %d, want 3 (2 tension + 1 cross-section)", len(outEdges))
	}
}

func TestConsolidateFailureKeepsInput(t *testing.T) {
	nodes := []candidateNode{
		{ID: "a", Type: "claim", Content: "a claim that stands alone", Importance: 1},
	}
	edges := []candidateEdge{{SourceID: "a", TargetID: "b", EdgeType: "supports"}}
	provider := &fakeProvider{tools: func(llm.ToolRequest) (json.RawMessage, error) {
		return nil, fmt.Errorf("model unavailable")
	}}

	eng := NewEngine(nil, provider, provider, &fakeEmbedder{})
	outNodes, outEdges := eng.consolidate(context.Background(), nodes, edges)
	if len(outNodes) != 1 || len(outEdges) != 1 {
		t.Fatalf("failure must keep input unchanged: %d nodes, %d edges", len(outNodes), len(outEdges))
	}
}
