package queue

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/sitewarden/warden/internal/clock"
	"github.com/sitewarden/warden/internal/types"
)

// JobStore is the subset of storage.Storage the StoreQueue needs
type JobStore interface {
	EnqueueJob(ctx context.Context, job *types.Job) (bool, error)
	ClaimNextJob(ctx context.Context, workerID string, now time.Time) (*types.Job, error)
	CompleteJob(ctx context.Context, id string) error
	RetryJob(ctx context.Context, id string, notBefore time.Time, lastError string) error
	FailJob(ctx context.Context, id string, lastError string) error
	ReleaseStaleJobs(ctx context.Context, claimedBefore time.Time) (int, error)
	ReviveDeadJob(ctx context.Context, key string, notBefore time.Time) (bool, error)
}

// StoreQueue is a durable queue backed by the jobs table. Only one StoreQueue
// may run against a database at a time; Run releases every job left running
// by a previous process before it starts claiming.
type StoreQueue struct {
	cfg      Config
	store    JobStore
	clock    clock.Clock
	workerID string
	wake     chan struct{}

	mu           sync.Mutex
	onDeadLetter DeadLetterFunc
}

// NewStoreQueue creates a queue on top of store
func NewStoreQueue(cfg Config, store JobStore, clk clock.Clock) (*StoreQueue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue config: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("job store is required")
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &StoreQueue{
		cfg:      cfg,
		store:    store,
		clock:    clock.OrReal(clk),
		workerID: fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.New().String()[:8]),
		wake:     make(chan struct{}, 1),
	}, nil
}

// WorkerID identifies this process in claimed_by
func (q *StoreQueue) WorkerID() string {
	return q.workerID
}

// OnDeadLetter registers a callback fired after a job is dead-lettered
func (q *StoreQueue) OnDeadLetter(fn DeadLetterFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDeadLetter = fn
}

// Enqueue inserts a pending job unless one with the same key exists
func (q *StoreQueue) Enqueue(ctx context.Context, jobType string, payload interface{}, key string) (bool, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return false, err
	}
	now := q.clock.Now()
	job := &types.Job{
		ID:             uuid.New().String(),
		Type:           jobType,
		Payload:        data,
		IdempotencyKey: key,
		Status:         types.JobPending,
		NotBefore:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var inserted bool
	err = q.withRetry(ctx, func() error {
		var err error
		inserted, err = q.store.EnqueueJob(ctx, job)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to enqueue %s job: %w", jobType, err)
	}
	if inserted {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return inserted, nil
}

// Revive returns the dead-lettered job with key to pending
func (q *StoreQueue) Revive(ctx context.Context, key string) (bool, error) {
	var revived bool
	err := q.withRetry(ctx, func() error {
		var err error
		revived, err = q.store.ReviveDeadJob(ctx, key, q.clock.Now())
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to revive job: %w", err)
	}
	if revived {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return revived, nil
}

// Run polls for ready jobs and delivers them to handler
func (q *StoreQueue) Run(ctx context.Context, handler Handler) error {
	released, err := q.store.ReleaseStaleJobs(ctx, q.clock.Now().Add(time.Second))
	if err != nil {
		return fmt.Errorf("failed to release stale jobs: %w", err)
	}
	if released > 0 {
		fmt.Printf("Released %d job(s) left running by a previous process\n", released)
	}

	sem := semaphore.NewWeighted(int64(q.cfg.Concurrency))
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		q.dispatchReady(ctx, sem, &wg, handler)

		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// dispatchReady claims jobs while a worker slot is free and a job is ready
func (q *StoreQueue) dispatchReady(ctx context.Context, sem *semaphore.Weighted, wg *sync.WaitGroup, handler Handler) {
	for ctx.Err() == nil && sem.TryAcquire(1) {
		job, err := q.store.ClaimNextJob(ctx, q.workerID, q.clock.Now())
		if err != nil {
			sem.Release(1)
			if ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "error claiming job: %v\n", err)
			}
			return
		}
		if job == nil {
			sem.Release(1)
			return
		}

		wg.Add(1)
		go func(job *types.Job) {
			defer wg.Done()
			defer sem.Release(1)
			outcome := handler(ctx, job)
			// Settle even when Run is shutting down so the job is not left claimed
			if err := q.settle(context.WithoutCancel(ctx), job, outcome); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to settle job %s (%s): %v\n", job.ID, outcome, err)
			}
		}(job)
	}
}

func (q *StoreQueue) settle(ctx context.Context, job *types.Job, outcome Outcome) error {
	var deadReason string
	err := q.withRetry(ctx, func() error {
		switch {
		case outcome == Ack:
			return q.store.CompleteJob(ctx, job.ID)
		case outcome == Retry && job.Attempts < q.cfg.MaxAttempts:
			notBefore := q.clock.Now().Add(q.cfg.RetryDelay(job.Attempts))
			return q.store.RetryJob(ctx, job.ID, notBefore, fmt.Sprintf("retry requested on attempt %d", job.Attempts))
		case outcome == Retry:
			deadReason = fmt.Sprintf("exhausted %d delivery attempts", job.Attempts)
		default:
			deadReason = "handler failed permanently"
		}
		return q.store.FailJob(ctx, job.ID, deadReason)
	})
	if err != nil {
		return err
	}

	if deadReason != "" {
		job.Status = types.JobDead
		job.LastError = deadReason
		q.mu.Lock()
		hook := q.onDeadLetter
		q.mu.Unlock()
		if hook != nil {
			hook(job, deadReason)
		}
	}
	return nil
}

// withRetry retries op while SQLite reports the database as busy
func (q *StoreQueue) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !isBusyError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

// isBusyError reports whether err is a transient SQLite lock conflict
func isBusyError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
