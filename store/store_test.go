//go:build cgo

package store

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 4) // dim=4 for test vectors
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleNode(projectID, nodeType, content string) Node {
	return Node{
		NodeType:   nodeType,
		Content:    content,
		ProjectID:  projectID,
		SourceType: SourceExtraction,
		Confidence: 0.8,
	}
}

func mustCreateNode(t *testing.T, s *Store, n Node) string {
	t.Helper()
	id, err := s.CreateNode(context.Background(), n)
	if err != nil {
		t.Fatalf("creating node: %v", err)
	}
	return id
}

// ---------------------------------------------------------------------------
// Schema / construction
// ---------------------------------------------------------------------------

func TestNew(t *testing.T) {
	s := newTestStore(t)
	if s.EmbeddingDim() != 4 {
		t.Fatalf("expected embedding dim 4, got %d", s.EmbeddingDim())
	}
	if s.DB() == nil {
		t.Fatal("expected non-nil *sql.DB")
	}
}

func TestNewCreatesParentDir(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "dir", "test.db")
	s, err := New(dbPath, 4)
	if err != nil {
		t.Fatalf("creating store in nested dir: %v", err)
	}
	s.Close()
}

// ---------------------------------------------------------------------------
// Nodes
// ---------------------------------------------------------------------------

func TestCreateNodeCoercion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		nodeType   string
		status     string
		confidence float64
		wantStatus string
		wantConf   float64
	}{
		{"valid status kept", NodeClaim, "supported", 0.5, "supported", 0.5},
		{"invalid status coerced to default", NodeClaim, "bogus", 0.5, "unverified", 0.5},
		{"empty status gets default", NodeEvidence, "", 0.5, "unverified", 0.5},
		{"cross-type status coerced", NodeAssumption, "supported", 0.5, "unexamined", 0.5},
		{"tension status kept", NodeTension, "resolved", 0.5, "resolved", 0.5},
		{"confidence clamped high", NodeClaim, "unverified", 1.7, "unverified", 1.0},
		{"confidence clamped low", NodeClaim, "unverified", -0.3, "unverified", 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := sampleNode("p1", tt.nodeType, "some content for "+tt.name)
			n.Status = tt.status
			n.Confidence = tt.confidence
			id := mustCreateNode(t, s, n)

			got, err := s.GetNode(ctx, id)
			if err != nil {
				t.Fatalf("getting node: %v", err)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", got.Status, tt.wantStatus)
			}
			if got.Confidence != tt.wantConf {
				t.Errorf("confidence = %v, want %v", got.Confidence, tt.wantConf)
			}
		})
	}
}

func TestCreateNodeRejectsUnknownType(t *testing.T) {
	s := newTestStore(t)
	n := sampleNode("p1", "hypothesis", "not a known type")
	if _, err := s.CreateNode(context.Background(), n); err == nil {
		t.Fatal("expected error for unknown node type")
	}
}

func TestCreateNodeInfersScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	shared := mustCreateNode(t, s, sampleNode("p1", NodeClaim, "project-level claim"))
	caseNode := sampleNode("p1", NodeClaim, "case-level claim")
	caseNode.CaseID = "c1"
	scoped := mustCreateNode(t, s, caseNode)

	got, _ := s.GetNode(ctx, shared)
	if got.Scope != ScopeProject {
		t.Errorf("scope = %q, want %q", got.Scope, ScopeProject)
	}
	got, _ = s.GetNode(ctx, scoped)
	if got.Scope != ScopeCase {
		t.Errorf("scope = %q, want %q", got.Scope, ScopeCase)
	}
}

func TestUpdateNodeStatusCoerces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := mustCreateNode(t, s, sampleNode("p1", NodeEvidence, "evidence content"))

	stored, err := s.UpdateNodeStatus(ctx, id, "corroborated")
	if err != nil {
		t.Fatalf("updating status: %v", err)
	}
	if stored != "corroborated" {
		t.Errorf("stored = %q, want corroborated", stored)
	}

	stored, err = s.UpdateNodeStatus(ctx, id, "totally-wrong")
	if err != nil {
		t.Fatalf("updating status: %v", err)
	}
	if stored != "unverified" {
		t.Errorf("invalid status stored as %q, want type default unverified", stored)
	}
}

func TestDeleteNodeCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mustCreateNode(t, s, sampleNode("p1", NodeClaim, "claim a"))
	b := mustCreateNode(t, s, sampleNode("p1", NodeEvidence, "evidence b"))
	if _, _, err := s.UpsertEdge(ctx, Edge{
		EdgeType: EdgeSupports, SourceNodeID: b, TargetNodeID: a, SourceType: SourceExtraction,
	}); err != nil {
		t.Fatalf("creating edge: %v", err)
	}
	if err := s.SetNodeEmbedding(ctx, a, []float32{1, 0, 0, 0}); err != nil {
		t.Fatalf("setting embedding: %v", err)
	}

	if err := s.DeleteNode(ctx, a); err != nil {
		t.Fatalf("deleting node: %v", err)
	}
	if _, err := s.GetNode(ctx, a); err == nil {
		t.Fatal("expected node a gone")
	}
	edges, err := s.ProjectEdges(ctx, "p1")
	if err != nil {
		t.Fatalf("listing edges: %v", err)
	}
	if len(edges) != 0 {
		t.Fatalf("expected edges cascaded, got %d", len(edges))
	}
	embs, err := s.NodeEmbeddings(ctx, []string{a})
	if err != nil {
		t.Fatalf("loading embeddings: %v", err)
	}
	if len(embs) != 0 {
		t.Fatal("expected embedding row removed")
	}
}

func TestNodeEmbeddingRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := mustCreateNode(t, s, sampleNode("p1", NodeClaim, "embedded claim"))

	want := []float32{0.1, 0.2, 0.3, 0.4}
	if err := s.SetNodeEmbedding(ctx, id, want); err != nil {
		t.Fatalf("setting embedding: %v", err)
	}
	embs, err := s.NodeEmbeddings(ctx, []string{id})
	if err != nil {
		t.Fatalf("loading embeddings: %v", err)
	}
	got, ok := embs[id]
	if !ok {
		t.Fatal("embedding missing")
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("embedding[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

// ---------------------------------------------------------------------------
// Edges
// ---------------------------------------------------------------------------

func TestUpsertEdgeIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mustCreateNode(t, s, sampleNode("p1", NodeClaim, "claim a"))
	b := mustCreateNode(t, s, sampleNode("p1", NodeEvidence, "evidence b"))

	s1 := 0.4
	id1, created, err := s.UpsertEdge(ctx, Edge{
		EdgeType: EdgeSupports, SourceNodeID: b, TargetNodeID: a,
		Strength: &s1, SourceType: SourceExtraction,
	})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if !created {
		t.Fatal("expected first upsert to create")
	}

	s2 := 0.9
	id2, created, err := s.UpsertEdge(ctx, Edge{
		EdgeType: EdgeSupports, SourceNodeID: b, TargetNodeID: a,
		Strength: &s2, SourceType: SourceIntegration,
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created {
		t.Fatal("expected second upsert to update, not create")
	}
	if id1 != id2 {
		t.Fatalf("edge id changed on upsert: %s != %s", id1, id2)
	}

	edges, err := s.ProjectEdges(ctx, "p1")
	if err != nil {
		t.Fatalf("listing edges: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(edges))
	}
	if edges[0].Strength == nil || *edges[0].Strength != 0.9 {
		t.Errorf("strength not updated: %v", edges[0].Strength)
	}

	// Same endpoints, different type: a distinct edge.
	if _, created, err := s.UpsertEdge(ctx, Edge{
		EdgeType: EdgeDependsOn, SourceNodeID: b, TargetNodeID: a, SourceType: SourceExtraction,
	}); err != nil || !created {
		t.Fatalf("depends_on edge: created=%v err=%v", created, err)
	}
}

func TestProjectEdgesFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mustCreateNode(t, s, sampleNode("p1", NodeClaim, "claim a"))
	b := mustCreateNode(t, s, sampleNode("p1", NodeClaim, "claim b"))
	c := mustCreateNode(t, s, sampleNode("p1", NodeTension, "tension c"))

	for _, e := range []Edge{
		{EdgeType: EdgeSupports, SourceNodeID: a, TargetNodeID: b, SourceType: SourceExtraction},
		{EdgeType: EdgeContradicts, SourceNodeID: c, TargetNodeID: a, SourceType: SourceExtraction},
	} {
		if _, _, err := s.UpsertEdge(ctx, e); err != nil {
			t.Fatalf("creating edge: %v", err)
		}
	}

	filtered, err := s.ProjectEdges(ctx, "p1", EdgeSupports, EdgeDependsOn)
	if err != nil {
		t.Fatalf("filtered edges: %v", err)
	}
	if len(filtered) != 1 || filtered[0].EdgeType != EdgeSupports {
		t.Fatalf("expected only the supports edge, got %+v", filtered)
	}
}

// ---------------------------------------------------------------------------
// Case visibility
// ---------------------------------------------------------------------------

func TestCaseVisibleNodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	shared := mustCreateNode(t, s, sampleNode("p1", NodeClaim, "project shared claim"))

	inCase := sampleNode("p1", NodeClaim, "case scoped claim")
	inCase.CaseID = "c1"
	caseID := mustCreateNode(t, s, inCase)

	otherCase := sampleNode("p1", NodeClaim, "other case claim")
	otherCase.CaseID = "c2"
	mustCreateNode(t, s, otherCase)

	referenced := mustCreateNode(t, s, sampleNode("p1", NodeEvidence, "referenced evidence"))
	if err := s.UpsertCaseNodeReference(ctx, CaseNodeReference{
		CaseID: "c1", NodeID: referenced, InclusionType: InclusionManual, Relevance: 0.9,
	}); err != nil {
		t.Fatalf("creating reference: %v", err)
	}

	excluded := mustCreateNode(t, s, sampleNode("p1", NodeEvidence, "excluded evidence"))
	if err := s.UpsertCaseNodeReference(ctx, CaseNodeReference{
		CaseID: "c1", NodeID: excluded, InclusionType: InclusionAuto, Excluded: true,
	}); err != nil {
		t.Fatalf("creating excluded reference: %v", err)
	}

	nodes, err := s.CaseVisibleNodes(ctx, "c1")
	if err != nil {
		t.Fatalf("case visible nodes: %v", err)
	}
	got := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		got[n.ID] = true
	}
	if !got[caseID] || !got[referenced] {
		t.Errorf("expected case node and referenced node visible, got %v", got)
	}
	if got[excluded] {
		t.Error("excluded reference should not be visible")
	}
	if got[shared] {
		t.Error("unreferenced project node should not be case visible")
	}
}

// ---------------------------------------------------------------------------
// Deltas and stats
// ---------------------------------------------------------------------------

func TestRecordAndListDeltas(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.RecordDelta(ctx, GraphDelta{
			ProjectID: "p1", Trigger: "extraction", NodesCreated: i,
		}); err != nil {
			t.Fatalf("recording delta: %v", err)
		}
	}

	deltas, err := s.ListDeltas(ctx, "p1", 2)
	if err != nil {
		t.Fatalf("listing deltas: %v", err)
	}
	if len(deltas) != 2 {
		t.Fatalf("expected 2 deltas with limit, got %d", len(deltas))
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mustCreateNode(t, s, sampleNode("p1", NodeClaim, "connected claim"))
	b := mustCreateNode(t, s, sampleNode("p1", NodeEvidence, "connected evidence"))
	mustCreateNode(t, s, sampleNode("p1", NodeAssumption, "orphan assumption"))
	if _, _, err := s.UpsertEdge(ctx, Edge{
		EdgeType: EdgeSupports, SourceNodeID: b, TargetNodeID: a, SourceType: SourceExtraction,
	}); err != nil {
		t.Fatalf("creating edge: %v", err)
	}
	if err := s.SetNodeEmbedding(ctx, a, []float32{1, 0, 0, 0}); err != nil {
		t.Fatalf("setting embedding: %v", err)
	}

	stats, err := s.Stats(ctx, "p1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Nodes != 3 || stats.Edges != 1 {
		t.Errorf("nodes=%d edges=%d, want 3 and 1", stats.Nodes, stats.Edges)
	}
	if stats.NodesByType[NodeClaim] != 1 {
		t.Errorf("claims = %d, want 1", stats.NodesByType[NodeClaim])
	}
	if stats.OrphanNodes != 1 {
		t.Errorf("orphans = %d, want 1", stats.OrphanNodes)
	}
	if stats.EmbeddedNodes != 1 {
		t.Errorf("embedded = %d, want 1", stats.EmbeddedNodes)
	}
}
