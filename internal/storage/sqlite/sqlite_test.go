package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitewarden/warden/internal/events"
	"github.com/sitewarden/warden/internal/types"
)

// setupTestDB creates a file-backed database that is removed when the test ends
func setupTestDB(t *testing.T) *SQLiteStorage {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "warden-test-*.db")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	tmpfile.Close()

	store, err := New(context.Background(), tmpfile.Name())
	if err != nil {
		os.Remove(tmpfile.Name())
		t.Fatalf("Failed to create storage: %v", err)
	}

	t.Cleanup(func() {
		store.Close()
		os.Remove(tmpfile.Name())
		os.Remove(tmpfile.Name() + "-wal")
		os.Remove(tmpfile.Name() + "-shm")
	})
	return store
}

func newIncident(id, target string, created time.Time) *types.Incident {
	return &types.Incident{
		ID:          id,
		TargetID:    target,
		State:       types.StateNew,
		Priority:    2,
		TriggerType: types.TriggerMonitoringAlert,
		Source:      "uptime-monitor",
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCreateAndFindIncident(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	inc := newIncident("inc-1", "site-1", base)
	inc.Metadata = map[string]interface{}{"alert": "http_5xx"}
	require.NoError(t, store.CreateIncident(ctx, inc))

	got, err := store.FindIncident(ctx, "inc-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "site-1", got.TargetID)
	assert.Equal(t, types.StateNew, got.State)
	assert.Equal(t, types.TriggerMonitoringAlert, got.TriggerType)
	assert.Equal(t, "http_5xx", got.Metadata["alert"])
	assert.True(t, got.CreatedAt.Equal(base))
	assert.Nil(t, got.ResolvedAt)
	assert.Empty(t, got.History)

	missing, err := store.FindIncident(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	err = store.CreateIncident(ctx, newIncident("inc-1", "site-1", base))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestCreateIncidentValidation(t *testing.T) {
	store := setupTestDB(t)

	inc := newIncident("inc-1", "", base)
	err := store.CreateIncident(context.Background(), inc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target_id is required")
}

func TestUpdateIncident(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	require.NoError(t, store.CreateIncident(ctx, newIncident("inc-1", "site-1", base)))

	resolved := base.Add(time.Hour)
	err := store.UpdateIncident(ctx, "inc-1", map[string]interface{}{
		"escalation_review": true,
		"escalation_reason": "target site-1 is flapping",
		"metadata":          map[string]interface{}{"k": "v"},
		"resolved_at":       &resolved,
	})
	require.NoError(t, err)

	got, err := store.FindIncident(ctx, "inc-1")
	require.NoError(t, err)
	assert.True(t, got.EscalationReview)
	assert.Equal(t, "target site-1 is flapping", got.EscalationReason)
	assert.Equal(t, "v", got.Metadata["k"])
	require.NotNil(t, got.ResolvedAt)
	assert.True(t, got.ResolvedAt.Equal(resolved))

	t.Run("rejects unknown field", func(t *testing.T) {
		err := store.UpdateIncident(ctx, "inc-1", map[string]interface{}{"target_id": "other"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid field for update")
	})

	t.Run("rejects invalid state", func(t *testing.T) {
		err := store.UpdateIncident(ctx, "inc-1", map[string]interface{}{"state": "BOGUS"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid state")
	})

	t.Run("rejects out of range priority", func(t *testing.T) {
		err := store.UpdateIncident(ctx, "inc-1", map[string]interface{}{"priority": 9})
		require.Error(t, err)
	})

	t.Run("missing incident", func(t *testing.T) {
		err := store.UpdateIncident(ctx, "nope", map[string]interface{}{"priority": 1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})
}

func TestCommitTransition(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	require.NoError(t, store.CreateIncident(ctx, newIncident("inc-1", "site-1", base)))

	tr := &types.Transition{
		IncidentID: "inc-1",
		FromState:  types.StateNew,
		ToState:    types.StateDiscovery,
		Reason:     "incident created",
		Timestamp:  base.Add(time.Second),
	}
	require.NoError(t, store.CommitTransition(ctx, tr, nil))
	assert.NotZero(t, tr.ID)

	got, err := store.FindIncident(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateDiscovery, got.State)
	assert.True(t, got.UpdatedAt.Equal(base.Add(time.Second)))
	require.Len(t, got.History, 1)
	assert.Equal(t, types.StateNew, got.History[0].FromState)
	assert.Equal(t, types.StateDiscovery, got.History[0].ToState)
	assert.Equal(t, "incident created", got.History[0].Reason)

	t.Run("stale from state", func(t *testing.T) {
		stale := &types.Transition{
			IncidentID: "inc-1",
			FromState:  types.StateNew,
			ToState:    types.StateDiscovery,
			Timestamp:  base.Add(2 * time.Second),
		}
		err := store.CommitTransition(ctx, stale, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrStaleTransition))

		history, err := store.GetTransitions(ctx, "inc-1")
		require.NoError(t, err)
		assert.Len(t, history, 1, "a stale commit must not append history")
	})

	t.Run("invalid edge", func(t *testing.T) {
		bad := &types.Transition{IncidentID: "inc-1", FromState: types.StateDiscovery, ToState: types.StateFixed}
		err := store.CommitTransition(ctx, bad, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid state transition")
	})

	t.Run("applies updates with the state change", func(t *testing.T) {
		for _, to := range []types.IncidentState{types.StateBaseline, types.StateBackup, types.StateObservability} {
			cur, err := store.FindIncident(ctx, "inc-1")
			require.NoError(t, err)
			require.NoError(t, store.CommitTransition(ctx, &types.Transition{
				IncidentID: "inc-1", FromState: cur.State, ToState: to, Timestamp: base.Add(time.Minute),
			}, nil))
		}

		tr := &types.Transition{
			IncidentID: "inc-1",
			FromState:  types.StateObservability,
			ToState:    types.StateFixAttempt,
			FixAttempt: 1,
			Timestamp:  base.Add(2 * time.Minute),
		}
		require.NoError(t, store.CommitTransition(ctx, tr, map[string]interface{}{"fix_attempt": 1}))

		got, err := store.FindIncident(ctx, "inc-1")
		require.NoError(t, err)
		assert.Equal(t, types.StateFixAttempt, got.State)
		assert.Equal(t, 1, got.FixAttempt)
		assert.Len(t, got.History, 5)
	})
}

func TestAppendTransition(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	require.NoError(t, store.CreateIncident(ctx, newIncident("inc-1", "site-1", base)))

	require.NoError(t, store.AppendTransition(ctx, &types.Transition{
		IncidentID: "inc-1", FromState: types.StateNew, ToState: types.StateDiscovery,
	}))

	got, err := store.FindIncident(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateNew, got.State, "AppendTransition only writes history")
	assert.Len(t, got.History, 1)
}

func TestListIncidents(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	require.NoError(t, store.CreateIncident(ctx, newIncident("inc-1", "site-1", base)))
	require.NoError(t, store.CreateIncident(ctx, newIncident("inc-2", "site-2", base.Add(time.Minute))))
	require.NoError(t, store.CreateIncident(ctx, newIncident("inc-3", "site-1", base.Add(2*time.Minute))))

	resolved := base.Add(time.Hour)
	require.NoError(t, store.UpdateIncident(ctx, "inc-2", map[string]interface{}{"resolved_at": resolved}))

	all, err := store.ListIncidents(ctx, types.IncidentFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "inc-3", all[0].ID, "newest first")

	site1, err := store.ListIncidents(ctx, types.IncidentFilter{TargetID: "site-1"})
	require.NoError(t, err)
	assert.Len(t, site1, 2)

	since, err := store.ListIncidents(ctx, types.IncidentFilter{Since: base.Add(time.Minute)})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	limited, err := store.ListIncidents(ctx, types.IncidentFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	state := types.StateNew
	byState, err := store.ListIncidents(ctx, types.IncidentFilter{State: &state, Active: true})
	require.NoError(t, err)
	assert.Len(t, byState, 2)

	active, err := store.ListActiveIncidents(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "inc-1", active[0].ID, "oldest first")
	assert.Equal(t, "inc-3", active[1].ID)
}

func TestPhaseExecutionFirstRecordWins(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	require.NoError(t, store.CreateIncident(ctx, newIncident("inc-1", "site-1", base)))

	missing, err := store.GetPhaseExecution(ctx, "idem-abc")
	require.NoError(t, err)
	assert.Nil(t, missing)

	first := &types.PhaseExecution{
		IdempotencyKey: "idem-abc",
		IncidentID:     "inc-1",
		State:          types.StateVerify,
		FixAttempt:     2,
		Success:        true,
		FixHeld:        true,
		Data:           `{"status":200}`,
		StartedAt:      base,
		CompletedAt:    base.Add(time.Second),
	}
	inserted, err := store.RecordPhaseExecution(ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)

	second := *first
	second.Success = false
	second.ErrorKind = "failed"
	inserted, err = store.RecordPhaseExecution(ctx, &second)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := store.GetPhaseExecution(ctx, "idem-abc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Success)
	assert.True(t, got.FixHeld)
	assert.Equal(t, 2, got.FixAttempt)
	assert.Equal(t, types.StateVerify, got.State)
	assert.JSONEq(t, `{"status":200}`, got.Data)
}

func newJob(id, key string, created time.Time) *types.Job {
	return &types.Job{
		ID:             id,
		Type:           "incident.phase",
		Payload:        json.RawMessage(`{"incident_id":"inc-1"}`),
		IdempotencyKey: key,
		CreatedAt:      created,
		NotBefore:      created,
	}
}

func TestEnqueueJobDeduplicates(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	inserted, err := store.EnqueueJob(ctx, newJob("job-1", "idem-1", base))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.EnqueueJob(ctx, newJob("job-2", "idem-1", base))
	require.NoError(t, err)
	assert.False(t, inserted)

	jobs, err := store.ListJobs(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobPending, jobs[0].Status)
	assert.JSONEq(t, `{"incident_id":"inc-1"}`, string(jobs[0].Payload))
}

func TestClaimNextJob(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	_, err := store.EnqueueJob(ctx, newJob("job-1", "idem-1", base))
	require.NoError(t, err)
	later := newJob("job-2", "idem-2", base.Add(time.Second))
	later.NotBefore = base.Add(time.Minute)
	_, err = store.EnqueueJob(ctx, later)
	require.NoError(t, err)

	job, err := store.ClaimNextJob(ctx, "worker-a", base.Add(10*time.Second))
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, types.JobRunning, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "worker-a", job.ClaimedBy)
	require.NotNil(t, job.ClaimedAt)

	none, err := store.ClaimNextJob(ctx, "worker-b", base.Add(10*time.Second))
	require.NoError(t, err)
	assert.Nil(t, none, "job-2 is not ready yet and job-1 is already claimed")

	next, err := store.ClaimNextJob(ctx, "worker-b", base.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "job-2", next.ID)
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	_, err := store.EnqueueJob(ctx, newJob("job-1", "idem-1", base))
	require.NoError(t, err)

	claimed, err := store.ClaimNextJob(ctx, "w", base)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	retryAt := base.Add(30 * time.Second)
	require.NoError(t, store.RetryJob(ctx, "job-1", retryAt, "connection refused"))

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, job.Status)
	assert.Equal(t, "connection refused", job.LastError)
	assert.Empty(t, job.ClaimedBy)
	assert.Nil(t, job.ClaimedAt)
	assert.True(t, job.NotBefore.Equal(retryAt))

	again, err := store.ClaimNextJob(ctx, "w", retryAt)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.Attempts)

	require.NoError(t, store.FailJob(ctx, "job-1", "gave up"))
	dead, err := store.ListJobs(ctx, types.JobDead, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "gave up", dead[0].LastError)

	require.Error(t, store.CompleteJob(ctx, "missing"))

	missing, err := store.GetJob(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestReviveDeadJob(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	_, err := store.EnqueueJob(ctx, newJob("job-1", "idem-1", base))
	require.NoError(t, err)

	revived, err := store.ReviveDeadJob(ctx, "idem-1", base)
	require.NoError(t, err)
	assert.False(t, revived, "only dead jobs are revived")

	for i := 0; i < 2; i++ {
		claimed, err := store.ClaimNextJob(ctx, "w", base)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.NoError(t, store.RetryJob(ctx, "job-1", base, "busy"))
	}
	_, err = store.ClaimNextJob(ctx, "w", base)
	require.NoError(t, err)
	require.NoError(t, store.FailJob(ctx, "job-1", "exhausted 3 delivery attempts"))

	retryAt := base.Add(time.Hour)
	revived, err = store.ReviveDeadJob(ctx, "idem-1", retryAt)
	require.NoError(t, err)
	assert.True(t, revived)

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.True(t, job.NotBefore.Equal(retryAt))
	assert.Empty(t, job.ClaimedBy)

	revived, err = store.ReviveDeadJob(ctx, "idem-unknown", base)
	require.NoError(t, err)
	assert.False(t, revived)
}

func TestReleaseStaleJobs(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	_, err := store.EnqueueJob(ctx, newJob("job-1", "idem-1", base))
	require.NoError(t, err)
	_, err = store.EnqueueJob(ctx, newJob("job-2", "idem-2", base))
	require.NoError(t, err)

	_, err = store.ClaimNextJob(ctx, "crashed", base)
	require.NoError(t, err)
	_, err = store.ClaimNextJob(ctx, "alive", base.Add(time.Hour))
	require.NoError(t, err)

	released, err := store.ReleaseStaleJobs(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	pending, err := store.ListJobs(ctx, types.JobPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "job-1", pending[0].ID)
}

func TestAuditEvents(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	record := func(action events.Action, rt events.ResourceType, id string, at time.Time) {
		t.Helper()
		e := events.NewAuditEvent(action, rt, id, map[string]interface{}{"reason": string(action)}, at)
		require.NoError(t, store.StoreAuditEvent(ctx, e))
	}
	record(events.ActionIncidentCreated, events.ResourceIncident, "inc-1", base)
	record(events.ActionFlappingBlocked, events.ResourceTarget, "site-1", base.Add(time.Second))
	record(events.ActionCircuitOpened, events.ResourceCircuit, "target:site-1", base.Add(2*time.Second))
	record(events.ActionIncidentEscalated, events.ResourceIncident, "inc-1", base.Add(3*time.Second))

	all, err := store.GetAuditEvents(ctx, events.EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, events.ActionIncidentCreated, all[0].Action, "chronological order")
	assert.Equal(t, "incident.created", all[0].Message)
	assert.Equal(t, "incident.created", all[0].Details["reason"])

	forIncident, err := store.GetAuditEvents(ctx, events.EventFilter{ResourceID: "inc-1"})
	require.NoError(t, err)
	assert.Len(t, forIncident, 2)

	severe, err := store.GetAuditEvents(ctx, events.EventFilter{MinSeverity: events.SeverityError})
	require.NoError(t, err)
	require.Len(t, severe, 2)
	assert.Equal(t, events.ActionCircuitOpened, severe[0].Action)
	assert.Equal(t, events.SeverityCritical, severe[1].Severity)

	latest, err := store.GetAuditEvents(ctx, events.EventFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, events.ActionCircuitOpened, latest[0].Action)
	assert.Equal(t, events.ActionIncidentEscalated, latest[1].Action)

	blocked, err := store.GetAuditEvents(ctx, events.EventFilter{Action: events.ActionFlappingBlocked})
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, events.ResourceTarget, blocked[0].ResourceType)
}

func TestStoreSinkWritesThroughStorage(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	sink := events.NewStoreSink(store, nil)
	require.NoError(t, sink.RecordEvent(ctx, events.ActionTriggerRateLimited, events.ResourceTarget, "site-9", nil))

	got, err := store.GetAuditEvents(ctx, events.EventFilter{ResourceID: "site-9"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, events.SeverityWarning, got[0].Severity)
}

func TestInMemoryDatabase(t *testing.T) {
	ctx := context.Background()
	store, err := New(ctx, ":memory:")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.CreateIncident(ctx, newIncident("inc-1", "site-1", base)))
	got, err := store.FindIncident(ctx, "inc-1")
	require.NoError(t, err)
	require.NotNil(t, got)
}
