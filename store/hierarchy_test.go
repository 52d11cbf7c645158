//go:build cgo

package store

import (
	"context"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Hierarchy snapshots
// ---------------------------------------------------------------------------

func TestHierarchyVersioning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h1, err := s.CreateHierarchy(ctx, "p1")
	if err != nil {
		t.Fatalf("creating snapshot: %v", err)
	}
	if h1.Version != 1 {
		t.Fatalf("first version = %d, want 1", h1.Version)
	}
	if h1.Status != HierarchyBuilding {
		t.Fatalf("status = %q, want building", h1.Status)
	}

	h2, err := s.CreateHierarchy(ctx, "p1")
	if err != nil {
		t.Fatalf("creating second snapshot: %v", err)
	}
	if h2.Version != 2 {
		t.Fatalf("second version = %d, want 2", h2.Version)
	}

	// Versions are per project.
	other, err := s.CreateHierarchy(ctx, "p2")
	if err != nil {
		t.Fatalf("creating snapshot for p2: %v", err)
	}
	if other.Version != 1 {
		t.Fatalf("p2 version = %d, want 1", other.Version)
	}
}

func TestMarkHierarchyReadySwapsCurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h1, _ := s.CreateHierarchy(ctx, "p1")
	if err := s.MarkHierarchyReady(ctx, h1.ID, `{"label":"v1"}`, `{}`); err != nil {
		t.Fatalf("marking v1 ready: %v", err)
	}

	cur, err := s.CurrentHierarchy(ctx, "p1")
	if err != nil {
		t.Fatalf("current hierarchy: %v", err)
	}
	if cur.ID != h1.ID || !cur.IsCurrent || cur.Status != HierarchyReady {
		t.Fatalf("unexpected current: %+v", cur)
	}

	h2, _ := s.CreateHierarchy(ctx, "p1")
	if err := s.MarkHierarchyReady(ctx, h2.ID, `{"label":"v2"}`, `{}`); err != nil {
		t.Fatalf("marking v2 ready: %v", err)
	}

	cur, err = s.CurrentHierarchy(ctx, "p1")
	if err != nil {
		t.Fatalf("current after v2: %v", err)
	}
	if cur.ID != h2.ID {
		t.Fatalf("current = version %d, want version 2", cur.Version)
	}

	// Exactly one current row.
	all, err := s.ListHierarchies(ctx, "p1")
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	currents := 0
	for _, h := range all {
		if h.IsCurrent {
			currents++
		}
	}
	if currents != 1 {
		t.Fatalf("current rows = %d, want 1", currents)
	}
}

func TestMarkHierarchyFailedKeepsPreviousCurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h1, _ := s.CreateHierarchy(ctx, "p1")
	if err := s.MarkHierarchyReady(ctx, h1.ID, `{"label":"v1"}`, `{}`); err != nil {
		t.Fatalf("marking ready: %v", err)
	}

	h2, _ := s.CreateHierarchy(ctx, "p1")
	if err := s.MarkHierarchyFailed(ctx, h2.ID, "model unavailable"); err != nil {
		t.Fatalf("marking failed: %v", err)
	}

	cur, err := s.CurrentHierarchy(ctx, "p1")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if cur.ID != h1.ID {
		t.Fatal("failed build must not displace the current snapshot")
	}

	failed, err := s.GetHierarchyVersion(ctx, "p1", h2.Version)
	if err != nil {
		t.Fatalf("getting failed version: %v", err)
	}
	if failed.Status != HierarchyFailed || failed.Error == "" {
		t.Fatalf("failed snapshot = %+v", failed)
	}
}

// ---------------------------------------------------------------------------
// Passages
// ---------------------------------------------------------------------------

func TestInsertAndQueryPassages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids, err := s.InsertPassages(ctx, []Passage{
		{DocumentID: "d1", ProjectID: "p1", Text: "first passage", Position: 0, Embedding: []float32{1, 0, 0, 0}},
		{DocumentID: "d1", ProjectID: "p1", Text: "second passage", Position: 1, Embedding: []float32{0, 1, 0, 0}},
		{DocumentID: "d2", ProjectID: "p1", Text: "unembedded passage", Position: 0},
	})
	if err != nil {
		t.Fatalf("inserting passages: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids, got %d", len(ids))
	}

	all, err := s.ProjectPassages(ctx, "p1")
	if err != nil {
		t.Fatalf("project passages: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 passages, got %d", len(all))
	}
	embedded := 0
	for _, p := range all {
		if len(p.Embedding) > 0 {
			embedded++
		}
	}
	if embedded != 2 {
		t.Fatalf("embedded = %d, want 2", embedded)
	}

	doc, err := s.DocumentPassages(ctx, "d1")
	if err != nil {
		t.Fatalf("document passages: %v", err)
	}
	if len(doc) != 2 {
		t.Fatalf("d1 passages = %d, want 2", len(doc))
	}
}

func TestSearchPassages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.InsertPassages(ctx, []Passage{
		{DocumentID: "d1", ProjectID: "p1", Text: "x axis", Position: 0, Embedding: []float32{1, 0, 0, 0}},
		{DocumentID: "d1", ProjectID: "p1", Text: "y axis", Position: 1, Embedding: []float32{0, 1, 0, 0}},
		{DocumentID: "d1", ProjectID: "other", Text: "other project", Position: 0, Embedding: []float32{1, 0, 0, 0}},
	})
	if err != nil {
		t.Fatalf("inserting: %v", err)
	}

	matches, err := s.SearchPassages(ctx, "p1", []float32{0.9, 0.1, 0, 0}, 1)
	if err != nil {
		t.Fatalf("searching: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
	if matches[0].Passage.Text != "x axis" {
		t.Fatalf("top match = %q, want x axis", matches[0].Passage.Text)
	}
}

func TestLinkNodePassage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	nodeID := mustCreateNode(t, s, sampleNode("p1", NodeClaim, "claim with provenance"))
	ids, err := s.InsertPassages(ctx, []Passage{
		{DocumentID: "d1", ProjectID: "p1", Text: "source passage", Position: 0},
	})
	if err != nil {
		t.Fatalf("inserting passage: %v", err)
	}

	if err := s.LinkNodePassage(ctx, nodeID, ids[0]); err != nil {
		t.Fatalf("linking: %v", err)
	}
	// Duplicate link is a no-op, not an error.
	if err := s.LinkNodePassage(ctx, nodeID, ids[0]); err != nil {
		t.Fatalf("relinking: %v", err)
	}

	linked, err := s.NodePassageIDs(ctx, nodeID)
	if err != nil {
		t.Fatalf("listing links: %v", err)
	}
	if len(linked) != 1 || linked[0] != ids[0] {
		t.Fatalf("linked = %v, want [%d]", linked, ids[0])
	}
}

// ---------------------------------------------------------------------------
// Node cluster sets
// ---------------------------------------------------------------------------

func TestNodeClusterSets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.LatestNodeClusters(ctx, "p1")
	if err != nil {
		t.Fatalf("empty lookup: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty string before any save, got %q", got)
	}

	if _, err := s.SaveNodeClusters(ctx, "p1", `[{"label":"old"}]`); err != nil {
		t.Fatalf("saving first: %v", err)
	}
	time.Sleep(1100 * time.Millisecond) // created_at has second resolution
	if _, err := s.SaveNodeClusters(ctx, "p1", `[{"label":"new"}]`); err != nil {
		t.Fatalf("saving second: %v", err)
	}

	got, err = s.LatestNodeClusters(ctx, "p1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got != `[{"label":"new"}]` {
		t.Fatalf("latest = %q, want the second save", got)
	}
}
