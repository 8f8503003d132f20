package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/sitewarden/warden/internal/circuit"
	"github.com/sitewarden/warden/internal/events"
	"github.com/sitewarden/warden/internal/loopguard"
	"github.com/sitewarden/warden/internal/queue"
)

// audit records an event. Audit failures are logged and never fail the
// operation being audited.
func (e *Engine) audit(ctx context.Context, action events.Action, resourceType events.ResourceType, resourceID string, details map[string]interface{}) {
	if err := e.sink.RecordEvent(ctx, action, resourceType, resourceID, details); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to record %s event for %s: %v\n", action, resourceID, err)
	}
}

// auditData records an event with typed details
func (e *Engine) auditData(ctx context.Context, action events.Action, resourceType events.ResourceType, resourceID string, data interface{}) {
	details, err := events.ToMap(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to encode %s event details: %v\n", action, err)
		return
	}
	e.audit(ctx, action, resourceType, resourceID, details)
}

func (e *Engine) onCircuitChange(id string, from, to circuit.State, stats circuit.Stats) {
	ctx := context.Background()
	var action events.Action
	switch to {
	case circuit.Open:
		action = events.ActionCircuitOpened
		e.metrics.GuardTripped(ctx, "circuit")
		fmt.Fprintf(os.Stderr, "Warning: circuit %s opened after %d failure(s), retry at %s\n",
			id, stats.Failures, stats.NextAttemptTime.Format("15:04:05"))
	case circuit.HalfOpen:
		action = events.ActionCircuitHalfOpen
	case circuit.Closed:
		action = events.ActionCircuitClosed
		fmt.Printf("Circuit %s closed\n", id)
	default:
		return
	}
	e.auditData(ctx, action, events.ResourceCircuit, id, events.CircuitData{
		CircuitID:       id,
		FromState:       from.String(),
		ToState:         to.String(),
		Failures:        stats.Failures,
		NextAttemptTime: stats.NextAttemptTime,
	})
}

func (e *Engine) onLoopTerminate(r loopguard.LoopResult) {
	// A loop that completed successfully at its cap is not a guard trip
	if r.Completed && !r.Forced {
		return
	}
	action := events.ActionLoopBoundsExceeded
	if r.Forced {
		action = events.ActionLoopForceTerminated
	}
	e.auditData(context.Background(), action, events.ResourceLoop, r.LoopID, events.LoopData{
		LoopType:   r.LoopType,
		BoundType:  string(r.BoundType),
		Reason:     r.Reason,
		Iterations: r.Iterations,
		Retries:    r.Retries,
		DurationMs: r.Duration.Milliseconds(),
		IncidentID: incidentFromLoopID(r.LoopID),
	})
}

func (e *Engine) onDeadLetter(job *queue.Job, reason string) {
	ctx := context.Background()
	fmt.Fprintf(os.Stderr, "Warning: job %s (%s) dead-lettered: %s\n", job.ID, job.Type, reason)
	e.metrics.JobDeadLettered(ctx, job.Type)
	e.audit(ctx, events.ActionJobDeadLettered, events.ResourceJob, job.ID, map[string]interface{}{
		"reason":          reason,
		"job_type":        job.Type,
		"attempts":        job.Attempts,
		"idempotency_key": job.IdempotencyKey,
		"last_error":      job.LastError,
	})
}
