package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabledInstallsNoop(t *testing.T) {
	t.Setenv("WARDEN_OTEL_ENABLED", "")
	assert.False(t, Enabled())

	require.NoError(t, Init(context.Background(), "warden", "test"))
	defer Shutdown(context.Background())

	_, span := Tracer("").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid(), "noop tracer must not produce real spans")
	span.End()
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.IncidentCreated(ctx, "manual")
		m.Transition(ctx, "NEW", "DISCOVERY", false)
		m.PhaseCompleted(ctx, "DISCOVERY", "success", time.Millisecond)
		m.GuardTripped(ctx, "circuit")
		m.IncidentResolved(ctx)
		m.JobDeadLettered(ctx, "incident.phase")
	})
}

func TestMetricsRecordOnNoopProvider(t *testing.T) {
	t.Setenv("WARDEN_OTEL_ENABLED", "")
	require.NoError(t, Init(context.Background(), "warden", "test"))

	m := NewMetrics()
	require.NotNil(t, m)
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.IncidentCreated(ctx, "monitoring_alert")
		m.Transition(ctx, "VERIFY", "FIXED", true)
		m.PhaseCompleted(ctx, "VERIFY", "success", 12*time.Millisecond)
	})
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Equal(t, "", firstNonEmpty("", ""))
}
