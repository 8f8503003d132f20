package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents where a queued job is in its lifecycle
type JobStatus string

const (
	JobPending JobStatus = "pending" // Waiting for a worker (possibly delayed until NotBefore)
	JobRunning JobStatus = "running" // Claimed by a worker
	JobDone    JobStatus = "done"    // Acknowledged
	JobDead    JobStatus = "dead"    // Failed permanently or exhausted its attempts
)

// IsValid checks if the job status value is valid
func (s JobStatus) IsValid() bool {
	switch s {
	case JobPending, JobRunning, JobDone, JobDead:
		return true
	}
	return false
}

// Job is one unit of queued work. IdempotencyKey is unique across all jobs,
// so enqueueing the same key twice yields a single job.
type Job struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         JobStatus       `json:"status"`
	Attempts       int             `json:"attempts"` // Deliveries so far, including the current one
	NotBefore      time.Time       `json:"not_before"`
	ClaimedBy      string          `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Validate checks if the job has valid field values
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if j.Type == "" {
		return fmt.Errorf("job type is required")
	}
	if j.IdempotencyKey == "" {
		return fmt.Errorf("idempotency_key is required")
	}
	if !j.Status.IsValid() {
		return fmt.Errorf("invalid job status: %s", j.Status)
	}
	if len(j.Payload) > 0 && !json.Valid(j.Payload) {
		return fmt.Errorf("payload must be valid JSON")
	}
	return nil
}

// DecodePayload unmarshals the job payload into v
func (j *Job) DecodePayload(v interface{}) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload for job %s: %w", j.Type, j.ID, err)
	}
	return nil
}
