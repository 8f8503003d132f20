// Package queue delivers engine jobs to workers at least once.
//
// Two implementations share the same semantics: MemoryQueue keeps jobs in
// process (tests, ephemeral runs) and StoreQueue polls the jobs table so work
// survives a restart. Both bound concurrency with a semaphore, redeliver
// retried jobs after an exponential backoff and dead-letter jobs that fail or
// exhaust their attempts.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sitewarden/warden/internal/types"
)

// Job is a unit of queued work
type Job = types.Job

// Outcome tells the queue what to do with a delivered job
type Outcome int

const (
	// Ack marks the job done
	Ack Outcome = iota
	// Retry redelivers the job after a backoff delay
	Retry
	// Fail dead-letters the job without further attempts
	Fail
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case Fail:
		return "fail"
	}
	return "unknown"
}

// Handler processes one delivered job
type Handler func(ctx context.Context, job *Job) Outcome

// DeadLetterFunc is called after a job is dead-lettered
type DeadLetterFunc func(job *Job, reason string)

// Queue is the engine's view of a work queue
type Queue interface {
	// Enqueue adds a job unless one with the same idempotency key exists.
	// Returns false when the key was already queued.
	Enqueue(ctx context.Context, jobType string, payload interface{}, key string) (bool, error)
	// Revive moves a dead-lettered job back to pending with its attempts
	// reset. Returns false when no dead job has key.
	Revive(ctx context.Context, key string) (bool, error)
	// Run delivers jobs to handler until ctx is cancelled, then waits for
	// in-flight handlers to return.
	Run(ctx context.Context, handler Handler) error
}

// Config holds queue delivery settings
type Config struct {
	// Concurrency is the maximum number of handlers running at once
	Concurrency int `yaml:"concurrency"`
	// MaxAttempts is the delivery count after which a retried job is dead-lettered
	MaxAttempts int `yaml:"max_attempts"`
	// InitialBackoff is the redelivery delay after the first retry
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	// MaxBackoff caps the redelivery delay
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// PollInterval is how often idle workers look for ready jobs
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Concurrency:    4,
		MaxAttempts:    5,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     30 * time.Second,
		PollInterval:   500 * time.Millisecond,
	}
}

// Validate checks if the configuration is valid
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1 (got %d)", c.Concurrency)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1 (got %d)", c.MaxAttempts)
	}
	if c.InitialBackoff <= 0 {
		return fmt.Errorf("initial backoff must be positive (got %v)", c.InitialBackoff)
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("max backoff (%v) must be >= initial backoff (%v)", c.MaxBackoff, c.InitialBackoff)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive (got %v)", c.PollInterval)
	}
	return nil
}

// RetryDelay returns the redelivery delay for a job that has been delivered
// attempts times: InitialBackoff doubling per attempt, capped at MaxBackoff.
func (c Config) RetryDelay(attempts int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.InitialBackoff
	bo.MaxInterval = c.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	delay := bo.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}

// encodePayload marshals a payload for storage. A json.RawMessage or []byte
// is used as-is; nil becomes an empty object.
func encodePayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload must be valid JSON")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload must be valid JSON")
		}
		return json.RawMessage(p), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	return data, nil
}
