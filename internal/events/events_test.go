package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitewarden/warden/internal/clock"
)

func TestSeverityFor(t *testing.T) {
	tests := []struct {
		action   Action
		expected EventSeverity
	}{
		{ActionIncidentCreated, SeverityInfo},
		{ActionIncidentTransition, SeverityInfo},
		{ActionIncidentEscalated, SeverityCritical},
		{ActionCircuitOpened, SeverityError},
		{ActionFlappingBlocked, SeverityWarning},
		{ActionLoopBoundsExceeded, SeverityError},
		{ActionJobDuplicateSkipped, SeverityInfo},
	}

	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			assert.Equal(t, tt.expected, SeverityFor(tt.action))
		})
	}
}

func TestNewAuditEventMessage(t *testing.T) {
	now := time.Now()

	e := NewAuditEvent(ActionFlappingBlocked, ResourceTarget, "site-42",
		map[string]interface{}{"reason": "target site-42 is flapping"}, now)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "target site-42 is flapping", e.Message)
	assert.Equal(t, SeverityWarning, e.Severity)
	assert.NoError(t, e.Validate())

	plain := NewAuditEvent(ActionIncidentCreated, ResourceIncident, "inc-1", nil, now)
	assert.Equal(t, "incident.created inc-1", plain.Message)
}

func TestValidate(t *testing.T) {
	e := &AuditEvent{ID: "1", Action: ActionIncidentCreated, ResourceType: ResourceIncident}
	assert.Error(t, e.Validate(), "timestamp is required")

	e.Timestamp = time.Now()
	assert.NoError(t, e.Validate())
}

func TestTypedDetailsRoundTrip(t *testing.T) {
	data := TransitionData{FromState: "VERIFY", ToState: "FIX_ATTEMPT", FixAttempt: 4, Reason: "fix did not hold", TargetID: "site-1"}
	details, err := ToMap(data)
	require.NoError(t, err)
	assert.Equal(t, "VERIFY", details["from_state"])

	e := NewAuditEvent(ActionIncidentTransition, ResourceIncident, "inc-1", details, time.Now())
	assert.Equal(t, "fix did not hold", e.Message)

	var got TransitionData
	require.NoError(t, e.DecodeDetails(&got))
	assert.Equal(t, data, got)
}

func TestMemorySinkFilters(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	sink := NewMemorySink(clk)
	ctx := context.Background()

	require.NoError(t, sink.RecordEvent(ctx, ActionIncidentCreated, ResourceIncident, "inc-1", nil))
	clk.Advance(time.Second)
	require.NoError(t, sink.RecordEvent(ctx, ActionIncidentEscalated, ResourceIncident, "inc-1", nil))
	clk.Advance(time.Second)
	require.NoError(t, sink.RecordEvent(ctx, ActionFlappingBlocked, ResourceTarget, "site-1", nil))

	assert.Len(t, sink.Events(EventFilter{}), 3)
	assert.Len(t, sink.Events(EventFilter{ResourceID: "inc-1"}), 2)
	assert.Len(t, sink.Events(EventFilter{ResourceType: ResourceTarget}), 1)
	assert.Len(t, sink.Events(EventFilter{MinSeverity: SeverityWarning}), 2)
	assert.Len(t, sink.Events(EventFilter{Since: clk.Now()}), 1)
	assert.Equal(t, 1, sink.Count(ActionIncidentEscalated))

	last := sink.Events(EventFilter{Limit: 1})
	require.Len(t, last, 1)
	assert.Equal(t, ActionFlappingBlocked, last[0].Action)
}

type fakeRecorder struct {
	stored []*AuditEvent
	err    error
}

func (f *fakeRecorder) StoreAuditEvent(ctx context.Context, e *AuditEvent) error {
	if f.err != nil {
		return f.err
	}
	f.stored = append(f.stored, e)
	return nil
}

func TestStoreSink(t *testing.T) {
	rec := &fakeRecorder{}
	sink := NewStoreSink(rec, nil)

	require.NoError(t, sink.RecordEvent(context.Background(), ActionCircuitOpened, ResourceCircuit, "target:site-1",
		map[string]interface{}{"failures": 5}))
	require.Len(t, rec.stored, 1)
	assert.Equal(t, SeverityError, rec.stored[0].Severity)

	rec.err = errors.New("database is locked")
	err := sink.RecordEvent(context.Background(), ActionCircuitClosed, ResourceCircuit, "target:site-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit.closed")
}
