//go:build cgo

package store

import (
	"context"
	"testing"
	"time"
)

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateJob(ctx, "p1", "extraction")
	if err != nil {
		t.Fatalf("creating job: %v", err)
	}

	j, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("getting job: %v", err)
	}
	if j.Status != JobRunning || j.Kind != "extraction" {
		t.Fatalf("job = %+v", j)
	}

	if err := s.HeartbeatJob(ctx, id); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := s.CompleteJob(ctx, id); err != nil {
		t.Fatalf("completing: %v", err)
	}
	j, _ = s.GetJob(ctx, id)
	if j.Status != JobCompleted {
		t.Fatalf("status = %q, want completed", j.Status)
	}
}

func TestFailJobCapturesError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.CreateJob(ctx, "p1", "hierarchy")
	if err := s.FailJob(ctx, id, "model timeout"); err != nil {
		t.Fatalf("failing job: %v", err)
	}
	j, _ := s.GetJob(ctx, id)
	if j.Status != JobFailed || j.Error != "model timeout" {
		t.Fatalf("job = %+v", j)
	}
}

func TestSweepStaleJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale, _ := s.CreateJob(ctx, "p1", "extraction")
	fresh, _ := s.CreateJob(ctx, "p1", "extraction")
	done, _ := s.CreateJob(ctx, "p1", "extraction")
	if err := s.CompleteJob(ctx, done); err != nil {
		t.Fatalf("completing: %v", err)
	}

	// Backdate the stale job's heartbeat past the sweep window.
	if _, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET heartbeat_at = datetime('now', '-2 hours') WHERE id = ?", stale); err != nil {
		t.Fatalf("backdating: %v", err)
	}

	n, err := s.SweepStaleJobs(ctx, time.Hour)
	if err != nil {
		t.Fatalf("sweeping: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept = %d, want 1", n)
	}

	j, _ := s.GetJob(ctx, stale)
	if j.Status != JobFailed {
		t.Fatalf("stale job status = %q, want failed", j.Status)
	}
	j, _ = s.GetJob(ctx, fresh)
	if j.Status != JobRunning {
		t.Fatalf("fresh job status = %q, want running", j.Status)
	}
	j, _ = s.GetJob(ctx, done)
	if j.Status != JobCompleted {
		t.Fatalf("completed job status = %q, want completed", j.Status)
	}
}
