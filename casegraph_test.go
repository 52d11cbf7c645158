//go:build cgo

package casegraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/casegraph/casegraph/hierarchy"
	"github.com/casegraph/casegraph/llm"
	"github.com/casegraph/casegraph/locks"
	"github.com/casegraph/casegraph/store"
)

// fakeFast answers label-and-summary calls and invokes onCall first, letting
// tests interleave actions with a running build.
type fakeFast struct {
	onCall func()
	calls  atomic.Int64
}

func (f *fakeFast) Generate(_ context.Context, _ llm.GenerateRequest) (*llm.GenerateResponse, error) {
	if f.onCall != nil {
		f.onCall()
	}
	n := f.calls.Add(1)
	return &llm.GenerateResponse{
		Content: fmt.Sprintf(`{"label": "Summary %d", "summary": "What call %d covered."}`, n, n),
	}, nil
}

func (f *fakeFast) GenerateWithTools(_ context.Context, _ llm.ToolRequest) (json.RawMessage, error) {
	return nil, fmt.Errorf("not used")
}

func (f *fakeFast) ContextWindow() int { return 16000 }

type fakeEmbedder struct{ next atomic.Int64 }

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	v := make([]float32, 4)
	v[int(f.next.Add(1)-1)%4] = 1
	return v, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i], _ = f.Embed(ctx, texts[i])
	}
	return out, nil
}

// newBuildEngine wires a minimal engine around a real store, the in-process
// locker, and a fake hierarchy stack.
func newBuildEngine(t *testing.T, fast *fakeFast) *Engine {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), 4)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	e := &Engine{store: s, locker: locks.NewMemoryLocker()}
	e.builder = hierarchy.NewEngine(s, fast, &fakeEmbedder{})
	return e
}

func seedPassages(t *testing.T, s *store.Store) {
	t.Helper()
	var passages []store.Passage
	for i := 0; i < 3; i++ {
		passages = append(passages, store.Passage{
			DocumentID: "doc-budget", ProjectID: "p1", Position: i,
			Text:      fmt.Sprintf("Budget passage %d about shortfalls and funding cuts.", i),
			Embedding: []float32{1, float32(i) * 0.01, 0, 0},
		})
	}
	for i := 0; i < 2; i++ {
		passages = append(passages, store.Passage{
			DocumentID: "doc-oversight", ProjectID: "p1", Position: i,
			Text:      fmt.Sprintf("Oversight passage %d about audit findings.", i),
			Embedding: []float32{0, 0, 1, float32(i) * 0.01},
		})
	}
	if _, err := s.InsertPassages(context.Background(), passages); err != nil {
		t.Fatalf("inserting passages: %v", err)
	}
}

func TestBuildHierarchyRerunsWhenDirtyDuringBuild(t *testing.T) {
	fast := &fakeFast{}
	e := newBuildEngine(t, fast)
	ctx := context.Background()
	seedPassages(t, e.store)

	// Content arrives mid-build: the flag goes up while the lock is held,
	// so the holder must run one follow-up build before returning.
	var once sync.Once
	fast.onCall = func() {
		once.Do(func() { e.markDirty(ctx, "p1") })
	}

	res, err := e.BuildHierarchy(ctx, "p1")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if res.Hierarchy.Version != 2 {
		t.Errorf("returned version = %d, want follow-up build 2", res.Hierarchy.Version)
	}

	versions, err := e.store.ListHierarchies(ctx, "p1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(versions) != 2 {
		t.Errorf("snapshots = %d, want 2", len(versions))
	}
	if was, _ := e.locker.TakeFlag(ctx, "dirty:p1"); was {
		t.Error("dirty flag still raised after follow-up build")
	}
}

func TestBuildHierarchyHeldLockMarksDirty(t *testing.T) {
	e := newBuildEngine(t, &fakeFast{})
	ctx := context.Background()
	seedPassages(t, e.store)

	lock, ok, err := e.locker.TryAcquire(ctx, "hierarchy:p1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire = %v, ok %v", err, ok)
	}

	if _, err := e.BuildHierarchy(ctx, "p1"); !errors.Is(err, ErrBuildInProgress) {
		t.Fatalf("err = %v, want ErrBuildInProgress", err)
	}
	if was, _ := e.locker.TakeFlag(ctx, "dirty:p1"); !was {
		t.Error("losing caller must raise the dirty flag for the holder")
	}

	if err := e.locker.Release(ctx, lock); err != nil {
		t.Fatalf("release: %v", err)
	}
	res, err := e.BuildHierarchy(ctx, "p1")
	if err != nil {
		t.Fatalf("build after release: %v", err)
	}
	if res.Hierarchy.Version != 1 {
		t.Errorf("version = %d, want 1", res.Hierarchy.Version)
	}
}
