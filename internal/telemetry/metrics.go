package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const engineScopeName = "github.com/sitewarden/warden/engine"

// Metrics holds the engine's instruments. A nil *Metrics records nothing.
type Metrics struct {
	incidents   metric.Int64Counter
	transitions metric.Int64Counter
	phaseDur    metric.Float64Histogram
	guardTrips  metric.Int64Counter
	deadLetters metric.Int64Counter
	active      metric.Int64UpDownCounter
}

// NewMetrics creates the engine instruments on the global meter provider.
// With telemetry disabled the provider is a no-op and so are the instruments.
func NewMetrics() *Metrics {
	m := Meter(engineScopeName)
	incidents, _ := m.Int64Counter("warden.incidents.created",
		metric.WithDescription("Incidents admitted"),
	)
	transitions, _ := m.Int64Counter("warden.incident.transitions",
		metric.WithDescription("Incident state transitions"),
	)
	phaseDur, _ := m.Float64Histogram("warden.phase.duration",
		metric.WithDescription("Phase handler duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	guardTrips, _ := m.Int64Counter("warden.guard.trips",
		metric.WithDescription("Circuit, flapping and loop guard trips"),
	)
	deadLetters, _ := m.Int64Counter("warden.jobs.dead_lettered",
		metric.WithDescription("Jobs that exhausted their delivery attempts"),
	)
	active, _ := m.Int64UpDownCounter("warden.incidents.active",
		metric.WithDescription("Incidents not yet resolved"),
	)
	return &Metrics{
		incidents:   incidents,
		transitions: transitions,
		phaseDur:    phaseDur,
		guardTrips:  guardTrips,
		deadLetters: deadLetters,
		active:      active,
	}
}

// IncidentCreated counts an admitted incident
func (m *Metrics) IncidentCreated(ctx context.Context, triggerType string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("trigger_type", triggerType))
	m.incidents.Add(ctx, 1, attrs)
	m.active.Add(ctx, 1)
}

// Transition counts a state change; resolved marks the incident as no longer active
func (m *Metrics) Transition(ctx context.Context, from, to string, resolved bool) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
	if resolved {
		m.active.Add(ctx, -1)
	}
}

// IncidentResolved marks an incident that finished without a final transition
// (a completed rollback) as no longer active
func (m *Metrics) IncidentResolved(ctx context.Context) {
	if m == nil {
		return
	}
	m.active.Add(ctx, -1)
}

// PhaseCompleted records how long a phase handler ran
func (m *Metrics) PhaseCompleted(ctx context.Context, state, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseDur.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
		attribute.String("state", state),
		attribute.String("outcome", outcome),
	))
}

// GuardTripped counts a guard refusing work ("circuit", "flapping", "loop", "rate")
func (m *Metrics) GuardTripped(ctx context.Context, guard string) {
	if m == nil {
		return
	}
	m.guardTrips.Add(ctx, 1, metric.WithAttributes(attribute.String("guard", guard)))
}

// JobDeadLettered counts a dead-lettered job
func (m *Metrics) JobDeadLettered(ctx context.Context, jobType string) {
	if m == nil {
		return
	}
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("job_type", jobType)))
}
