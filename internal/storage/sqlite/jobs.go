package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sitewarden/warden/internal/types"
)

const jobColumns = `id, type, payload, idempotency_key, status, attempts, not_before,
	claimed_by, claimed_at, last_error, created_at, updated_at`

// EnqueueJob inserts a pending job. It returns false without error when a job
// with the same idempotency key already exists.
func (s *SQLiteStorage) EnqueueJob(ctx context.Context, job *types.Job) (bool, error) {
	now := time.Now().UTC()
	if job.Status == "" {
		job.Status = types.JobPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	if job.NotBefore.IsZero() {
		job.NotBefore = job.CreatedAt
	}
	if err := job.Validate(); err != nil {
		return false, fmt.Errorf("validation failed: %w", err)
	}

	payload := string(job.Payload)
	if payload == "" {
		payload = "{}"
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?, ?)
	`,
		job.ID, job.Type, payload, job.IdempotencyKey, job.Status, job.Attempts,
		utc(job.NotBefore), job.LastError, utc(job.CreatedAt), utc(job.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// GetJob retrieves a job by ID
func (s *SQLiteStorage) GetJob(ctx context.Context, id string) (*types.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ClaimNextJob atomically claims the oldest ready pending job for workerID.
// Returns nil, nil when no job is ready.
func (s *SQLiteStorage) ClaimNextJob(ctx context.Context, workerID string, now time.Time) (*types.Job, error) {
	now = utc(now)
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'running', attempts = attempts + 1, claimed_by = ?, claimed_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND not_before <= ?
			ORDER BY not_before ASC, created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING `+jobColumns,
		workerID, now, now, now,
	)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// CompleteJob marks a job done
func (s *SQLiteStorage) CompleteJob(ctx context.Context, id string) error {
	return s.setJobStatus(ctx, id, types.JobDone, "", nil)
}

// RetryJob returns a job to pending, not deliverable before notBefore
func (s *SQLiteStorage) RetryJob(ctx context.Context, id string, notBefore time.Time, lastError string) error {
	return s.setJobStatus(ctx, id, types.JobPending, lastError, &notBefore)
}

// FailJob moves a job to the dead letter state
func (s *SQLiteStorage) FailJob(ctx context.Context, id string, lastError string) error {
	return s.setJobStatus(ctx, id, types.JobDead, lastError, nil)
}

func (s *SQLiteStorage) setJobStatus(ctx context.Context, id string, status types.JobStatus, lastError string, notBefore *time.Time) error {
	now := time.Now().UTC()
	query := `UPDATE jobs SET status = ?, claimed_by = NULL, claimed_at = NULL, updated_at = ?`
	args := []interface{}{status, now}
	if lastError != "" {
		query += `, last_error = ?`
		args = append(args, lastError)
	}
	if notBefore != nil {
		query += `, not_before = ?`
		args = append(args, utc(*notBefore))
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("job %s not found", id)
	}
	return nil
}

// ReleaseStaleJobs returns running jobs claimed before claimedBefore to the
// pending state. Used on startup to recover work from a crashed process.
func (s *SQLiteStorage) ReleaseStaleJobs(ctx context.Context, claimedBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'pending', claimed_by = NULL, claimed_at = NULL, updated_at = ?
		WHERE status = 'running' AND claimed_at < ?
	`, time.Now().UTC(), utc(claimedBefore))
	if err != nil {
		return 0, fmt.Errorf("failed to release stale jobs: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}

// ReviveDeadJob returns the dead-lettered job with the given idempotency key
// to pending with its attempts reset. Returns false when no dead job has key.
func (s *SQLiteStorage) ReviveDeadJob(ctx context.Context, key string, notBefore time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'pending', attempts = 0, not_before = ?, claimed_by = NULL, claimed_at = NULL, updated_at = ?
		WHERE idempotency_key = ? AND status = 'dead'
	`, utc(notBefore), time.Now().UTC(), key)
	if err != nil {
		return false, fmt.Errorf("failed to revive job %s: %w", key, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// ListJobs returns jobs with the given status (all statuses if empty), oldest first
func (s *SQLiteStorage) ListJobs(ctx context.Context, status types.JobStatus, limit int) ([]*types.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row rowScanner) (*types.Job, error) {
	var job types.Job
	var payload string
	var claimedBy sql.NullString
	var claimedAt sql.NullTime

	err := row.Scan(
		&job.ID, &job.Type, &payload, &job.IdempotencyKey, &job.Status, &job.Attempts,
		&job.NotBefore, &claimedBy, &claimedAt, &job.LastError, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Payload = []byte(payload)
	if claimedBy.Valid {
		job.ClaimedBy = claimedBy.String
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		job.ClaimedAt = &t
	}
	return &job, nil
}
