package queue

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitewarden/warden/internal/clock"
	"github.com/sitewarden/warden/internal/storage/sqlite"
	"github.com/sitewarden/warden/internal/types"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.PollInterval = 10 * time.Millisecond
	cfg.InitialBackoff = time.Second
	cfg.MaxBackoff = 4 * time.Second
	return cfg
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Concurrency = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxBackoff = time.Millisecond
	assert.Error(t, cfg.Validate())
}

func TestRetryDelayDoublesAndCaps(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, time.Second, cfg.RetryDelay(1))
	assert.Equal(t, 2*time.Second, cfg.RetryDelay(2))
	assert.Equal(t, 4*time.Second, cfg.RetryDelay(3))
	assert.Equal(t, 4*time.Second, cfg.RetryDelay(10))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "ack", Ack.String())
	assert.Equal(t, "retry", Retry.String())
	assert.Equal(t, "fail", Fail.String())
}

func TestMemoryQueueDeduplicatesKeys(t *testing.T) {
	ctx := context.Background()
	q, err := NewMemoryQueue(testConfig(), clock.NewFake(time.Unix(0, 0)))
	require.NoError(t, err)

	ok, err := q.Enqueue(ctx, "incident.phase", map[string]string{"incident_id": "inc-1"}, "idem-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Enqueue(ctx, "incident.phase", map[string]string{"incident_id": "inc-1"}, "idem-1")
	require.NoError(t, err)
	assert.False(t, ok)

	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.JSONEq(t, `{"incident_id":"inc-1"}`, string(pending[0].Payload))

	_, err = q.Enqueue(ctx, "incident.phase", nil, "")
	assert.Error(t, err)
}

func TestMemoryQueueRetryThenDeadLetter(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Unix(1000, 0))
	q, err := NewMemoryQueue(testConfig(), clk)
	require.NoError(t, err)

	var deadReason string
	q.OnDeadLetter(func(job *Job, reason string) { deadReason = reason })

	_, err = q.Enqueue(ctx, "incident.phase", nil, "idem-1")
	require.NoError(t, err)

	var attempts []int
	delivered := q.Drain(ctx, func(ctx context.Context, job *Job) Outcome {
		attempts = append(attempts, job.Attempts)
		if job.Attempts == 1 {
			assert.True(t, job.NotBefore.Equal(clk.Now()))
		}
		return Retry
	}, 0)

	assert.Equal(t, 3, delivered)
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Empty(t, q.Pending())
	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, types.JobDead, dead[0].Status)
	assert.Contains(t, deadReason, "exhausted 3 delivery attempts")
}

func TestMemoryQueueRetrySchedulesBackoff(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Unix(1000, 0))
	q, err := NewMemoryQueue(testConfig(), clk)
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, "incident.phase", nil, "idem-1")
	require.NoError(t, err)

	q.Drain(ctx, func(ctx context.Context, job *Job) Outcome { return Retry }, 1)

	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.True(t, pending[0].NotBefore.Equal(clk.Now().Add(time.Second)))
	assert.Equal(t, types.JobPending, pending[0].Status)
}

func TestMemoryQueueFailDeadLettersImmediately(t *testing.T) {
	ctx := context.Background()
	q, err := NewMemoryQueue(testConfig(), nil)
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, "incident.phase", nil, "idem-1")
	require.NoError(t, err)

	delivered := q.Drain(ctx, func(ctx context.Context, job *Job) Outcome { return Fail }, 0)
	assert.Equal(t, 1, delivered)
	require.Len(t, q.DeadLetters(), 1)
	assert.Equal(t, "handler failed permanently", q.DeadLetters()[0].LastError)
}

func TestMemoryQueueRevive(t *testing.T) {
	ctx := context.Background()
	q, err := NewMemoryQueue(testConfig(), nil)
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, "incident.phase", nil, "idem-1")
	require.NoError(t, err)

	revived, err := q.Revive(ctx, "idem-1")
	require.NoError(t, err)
	assert.False(t, revived, "a pending job is not dead")

	q.Drain(ctx, func(ctx context.Context, job *Job) Outcome { return Fail }, 0)
	require.Len(t, q.DeadLetters(), 1)

	revived, err = q.Revive(ctx, "idem-1")
	require.NoError(t, err)
	assert.True(t, revived)
	assert.Empty(t, q.DeadLetters())
	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].Attempts)
	assert.Equal(t, types.JobPending, pending[0].Status)

	// The key is still taken
	inserted, err := q.Enqueue(ctx, "incident.phase", nil, "idem-1")
	require.NoError(t, err)
	assert.False(t, inserted)

	var attempts int
	q.Drain(ctx, func(ctx context.Context, job *Job) Outcome {
		attempts = job.Attempts
		return Ack
	}, 0)
	assert.Equal(t, 1, attempts)

	revived, err = q.Revive(ctx, "idem-missing")
	require.NoError(t, err)
	assert.False(t, revived)
}

func TestMemoryQueueRunBoundsConcurrency(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = 2
	q, err := NewMemoryQueue(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const total = 8
	for i := 0; i < total; i++ {
		_, err := q.Enqueue(ctx, "incident.phase", map[string]int{"n": i}, "idem-"+string(rune('a'+i)))
		require.NoError(t, err)
	}

	var inFlight, maxInFlight, done int32
	handler := func(ctx context.Context, job *Job) Outcome {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		if atomic.AddInt32(&done, 1) == total {
			cancel()
		}
		return Ack
	}

	require.NoError(t, q.Run(ctx, handler))
	assert.Equal(t, int32(total), atomic.LoadInt32(&done))
	assert.LessOrEqual(t, atomic.LoadInt32(&maxInFlight), int32(2))
	assert.Empty(t, q.Pending())
}

func setupStore(t *testing.T) *sqlite.SQLiteStorage {
	t.Helper()
	tmpfile, err := os.CreateTemp("", "warden-queue-*.db")
	require.NoError(t, err)
	tmpfile.Close()

	store, err := sqlite.New(context.Background(), tmpfile.Name())
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
		os.Remove(tmpfile.Name())
		os.Remove(tmpfile.Name() + "-wal")
		os.Remove(tmpfile.Name() + "-shm")
	})
	return store
}

func TestStoreQueueEnqueueDeduplicates(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	q, err := NewStoreQueue(testConfig(), store, nil)
	require.NoError(t, err)

	ok, err := q.Enqueue(ctx, "incident.trigger", json.RawMessage(`{"target_id":"site-1"}`), "idem-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = q.Enqueue(ctx, "incident.trigger", json.RawMessage(`{"target_id":"site-1"}`), "idem-1")
	require.NoError(t, err)
	assert.False(t, ok)

	jobs, err := store.ListJobs(ctx, types.JobPending, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestStoreQueueRunDeliversAndRetries(t *testing.T) {
	store := setupStore(t)
	clk := clock.NewFake(time.Now())
	q, err := NewStoreQueue(testConfig(), store, clk)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err = q.Enqueue(ctx, "incident.phase", map[string]string{"incident_id": "inc-1"}, "idem-ack")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "incident.phase", map[string]string{"incident_id": "inc-2"}, "idem-retry")
	require.NoError(t, err)

	var mu sync.Mutex
	deliveries := map[string]int{}
	handler := func(ctx context.Context, job *Job) Outcome {
		mu.Lock()
		defer mu.Unlock()
		deliveries[job.IdempotencyKey]++
		if job.IdempotencyKey == "idem-retry" && job.Attempts == 1 {
			return Retry
		}
		return Ack
	}

	errCh := make(chan error, 1)
	go func() { errCh <- q.Run(ctx, handler) }()

	// Wait for the retried job to be scheduled, then move past its backoff
	require.Eventually(t, func() bool {
		jobs, err := store.ListJobs(context.Background(), types.JobPending, 0)
		return err == nil && len(jobs) == 1 && jobs[0].Attempts == 1
	}, 5*time.Second, 10*time.Millisecond)
	clk.Advance(10 * time.Second)

	require.Eventually(t, func() bool {
		jobs, err := store.ListJobs(context.Background(), types.JobDone, 0)
		return err == nil && len(jobs) == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, deliveries["idem-ack"])
	assert.Equal(t, 2, deliveries["idem-retry"])
}

func TestStoreQueueDeadLetterHook(t *testing.T) {
	store := setupStore(t)
	q, err := NewStoreQueue(testConfig(), store, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dead := make(chan string, 1)
	q.OnDeadLetter(func(job *Job, reason string) { dead <- job.IdempotencyKey })

	_, err = q.Enqueue(ctx, "incident.phase", nil, "idem-fail")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Run(ctx, func(ctx context.Context, job *Job) Outcome { return Fail })
	}()

	select {
	case key := <-dead:
		assert.Equal(t, "idem-fail", key)
	case <-time.After(5 * time.Second):
		t.Fatal("job was not dead-lettered")
	}
	cancel()
	require.NoError(t, <-errCh)

	jobs, err := store.ListJobs(context.Background(), types.JobDead, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "handler failed permanently", jobs[0].LastError)
}

func TestStoreQueueRevive(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	q, err := NewStoreQueue(testConfig(), store, nil)
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, "incident.phase", nil, "idem-dead")
	require.NoError(t, err)
	claimed, err := store.ClaimNextJob(ctx, "w", time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, store.FailJob(ctx, claimed.ID, "handler failed permanently"))

	revived, err := q.Revive(ctx, "idem-dead")
	require.NoError(t, err)
	assert.True(t, revived)

	again, err := store.ClaimNextJob(ctx, "w", time.Now().Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, claimed.ID, again.ID)
	assert.Equal(t, 1, again.Attempts)

	revived, err = q.Revive(ctx, "idem-dead")
	require.NoError(t, err)
	assert.False(t, revived, "a running job is not dead")
}

func TestStoreQueueReleasesStaleClaims(t *testing.T) {
	store := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q, err := NewStoreQueue(testConfig(), store, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "incident.phase", nil, "idem-stale")
	require.NoError(t, err)

	// Simulate a crashed process that claimed the job and never settled it
	claimed, err := store.ClaimNextJob(ctx, "crashed-worker", time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	delivered := make(chan int, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Run(ctx, func(ctx context.Context, job *Job) Outcome {
			delivered <- job.Attempts
			return Ack
		})
	}()

	select {
	case attempts := <-delivered:
		assert.Equal(t, 2, attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("stale job was not redelivered")
	}
	cancel()
	require.NoError(t, <-errCh)
}
