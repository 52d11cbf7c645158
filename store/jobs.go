package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateJob records a new pipeline run in the running state.
func (s *Store) CreateJob(ctx context.Context, projectID, kind string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO jobs (id, project_id, kind, status) VALUES (?, ?, ?, ?)",
		id, projectID, kind, JobRunning)
	return id, err
}

// HeartbeatJob bumps a job's progress timestamp so the sweeper does not
// consider it stalled.
func (s *Store) HeartbeatJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET heartbeat_at = CURRENT_TIMESTAMP WHERE id = ?", id)
	return err
}

// CompleteJob marks a job completed.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET status = ?, heartbeat_at = CURRENT_TIMESTAMP WHERE id = ?",
		JobCompleted, id)
	return err
}

// FailJob marks a job failed with a captured error message.
func (s *Store) FailJob(ctx context.Context, id, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET status = ?, error = ?, heartbeat_at = CURRENT_TIMESTAMP WHERE id = ?",
		JobFailed, errMsg, id)
	return err
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, kind, status, COALESCE(error, ''), created_at, heartbeat_at
		FROM jobs WHERE id = ?
	`, id).Scan(&j.ID, &j.ProjectID, &j.Kind, &j.Status, &j.Error, &j.CreatedAt, &j.HeartbeatAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// SweepStaleJobs marks jobs stuck in a non-terminal state with no heartbeat
// for longer than maxAge as failed, guarding against crashed workers leaving
// a run permanently in progress. Returns the number of jobs swept.
func (s *Store) SweepStaleJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?
		WHERE status IN (?, ?) AND heartbeat_at < ?
	`, JobFailed, fmt.Sprintf("no progress for %s; swept", maxAge),
		JobPending, JobRunning, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
