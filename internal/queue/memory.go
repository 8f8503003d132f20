package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/sitewarden/warden/internal/clock"
	"github.com/sitewarden/warden/internal/types"
)

// MemoryQueue is an in-process queue. Idempotency keys are remembered for the
// lifetime of the queue, so a key is only ever enqueued once.
//
// Thread-safety: All methods are safe for concurrent use.
type MemoryQueue struct {
	cfg   Config
	clock clock.Clock

	mu      sync.Mutex
	keys    map[string]*Job
	pending []*Job
	dead    []*Job
	wake    chan struct{}

	onDeadLetter DeadLetterFunc
}

// NewMemoryQueue creates an empty in-process queue
func NewMemoryQueue(cfg Config, clk clock.Clock) (*MemoryQueue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue config: %w", err)
	}
	return &MemoryQueue{
		cfg:   cfg,
		clock: clock.OrReal(clk),
		keys:  make(map[string]*Job),
		wake:  make(chan struct{}, 1),
	}, nil
}

// OnDeadLetter registers a callback fired after a job is dead-lettered
func (q *MemoryQueue) OnDeadLetter(fn DeadLetterFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDeadLetter = fn
}

// Enqueue adds a pending job unless key was already enqueued
func (q *MemoryQueue) Enqueue(ctx context.Context, jobType string, payload interface{}, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("idempotency key is required")
	}
	data, err := encodePayload(payload)
	if err != nil {
		return false, err
	}

	now := q.clock.Now()
	job := &Job{
		ID:             uuid.New().String(),
		Type:           jobType,
		Payload:        data,
		IdempotencyKey: key,
		Status:         types.JobPending,
		NotBefore:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := job.Validate(); err != nil {
		return false, fmt.Errorf("invalid job: %w", err)
	}

	q.mu.Lock()
	if _, exists := q.keys[key]; exists {
		q.mu.Unlock()
		return false, nil
	}
	q.keys[key] = job
	q.pending = append(q.pending, job)
	q.mu.Unlock()

	q.signal()
	return true, nil
}

// Revive returns the dead-lettered job with key to pending
func (q *MemoryQueue) Revive(ctx context.Context, key string) (bool, error) {
	q.mu.Lock()
	job, ok := q.keys[key]
	if !ok || job.Status != types.JobDead {
		q.mu.Unlock()
		return false, nil
	}
	for i, j := range q.dead {
		if j == job {
			q.dead = append(q.dead[:i], q.dead[i+1:]...)
			break
		}
	}
	now := q.clock.Now()
	job.Status = types.JobPending
	job.Attempts = 0
	job.NotBefore = now
	job.UpdatedAt = now
	q.pending = append(q.pending, job)
	q.mu.Unlock()

	q.signal()
	return true, nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// claim removes and returns the earliest ready job, or the time the next
// delayed job becomes ready
func (q *MemoryQueue) claim(ignoreDelay bool) (*Job, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, time.Time{}
	}
	sort.SliceStable(q.pending, func(i, j int) bool {
		return q.pending[i].NotBefore.Before(q.pending[j].NotBefore)
	})

	now := q.clock.Now()
	next := q.pending[0]
	if !ignoreDelay && next.NotBefore.After(now) {
		return nil, next.NotBefore
	}

	q.pending = q.pending[1:]
	next.Status = types.JobRunning
	next.Attempts++
	next.ClaimedAt = &now
	next.UpdatedAt = now
	return next, time.Time{}
}

// settle applies a handler outcome to a claimed job
func (q *MemoryQueue) settle(job *Job, outcome Outcome) {
	now := q.clock.Now()

	q.mu.Lock()
	job.ClaimedAt = nil
	job.UpdatedAt = now

	var deadReason string
	switch {
	case outcome == Ack:
		job.Status = types.JobDone
	case outcome == Retry && job.Attempts < q.cfg.MaxAttempts:
		job.Status = types.JobPending
		job.NotBefore = now.Add(q.cfg.RetryDelay(job.Attempts))
		q.pending = append(q.pending, job)
	case outcome == Retry:
		deadReason = fmt.Sprintf("exhausted %d delivery attempts", job.Attempts)
	default:
		deadReason = "handler failed permanently"
	}
	if deadReason != "" {
		job.Status = types.JobDead
		job.LastError = deadReason
		q.dead = append(q.dead, job)
	}
	hook := q.onDeadLetter
	q.mu.Unlock()

	if deadReason != "" && hook != nil {
		hook(job, deadReason)
	}
	if outcome == Retry {
		q.signal()
	}
}

// Run delivers jobs to handler with at most Concurrency handlers in flight
func (q *MemoryQueue) Run(ctx context.Context, handler Handler) error {
	sem := semaphore.NewWeighted(int64(q.cfg.Concurrency))
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}

		job, readyAt := q.claim(false)
		if job == nil {
			sem.Release(1)
			wait := q.cfg.PollInterval
			if !readyAt.IsZero() {
				if until := readyAt.Sub(q.clock.Now()); until < wait {
					wait = until
				}
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-q.wake:
			case <-timer.C:
			}
			timer.Stop()
			continue
		}

		wg.Add(1)
		go func(job *Job) {
			defer wg.Done()
			defer sem.Release(1)
			q.settle(job, handler(ctx, job))
		}(job)
	}
}

// Drain synchronously delivers every pending job, including delayed ones,
// until the queue is empty or maxDeliveries is reached. It returns the number
// of deliveries. Used by tests and one-shot runs that cannot wait out backoff.
func (q *MemoryQueue) Drain(ctx context.Context, handler Handler, maxDeliveries int) int {
	delivered := 0
	for maxDeliveries <= 0 || delivered < maxDeliveries {
		if ctx.Err() != nil {
			break
		}
		job, _ := q.claim(true)
		if job == nil {
			break
		}
		q.settle(job, handler(ctx, job))
		delivered++
	}
	return delivered
}

// Pending returns a snapshot of jobs waiting for delivery
func (q *MemoryQueue) Pending() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.pending))
	for _, j := range q.pending {
		out = append(out, *j)
	}
	return out
}

// DeadLetters returns a snapshot of dead-lettered jobs
func (q *MemoryQueue) DeadLetters() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.dead))
	for _, j := range q.dead {
		out = append(out, *j)
	}
	return out
}
