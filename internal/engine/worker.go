package engine

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sitewarden/warden/internal/idempotency"
	"github.com/sitewarden/warden/internal/queue"
	"github.com/sitewarden/warden/internal/storage"
	"github.com/sitewarden/warden/internal/types"
)

// Job types handled by HandleJob
const (
	JobTypeTrigger = "incident.trigger"
	JobTypePhase   = "incident.phase"
)

// phaseJob is the payload of an incident.phase job. State and FixAttempt pin
// the job to one phase visit so a late redelivery is recognised as stale.
type phaseJob struct {
	IncidentID string              `json:"incident_id"`
	State      types.IncidentState `json:"state"`
	FixAttempt int                 `json:"fix_attempt"`
}

// enqueuePhase queues the incident's current phase and returns the job key.
// The key is derived from (incident, state, fix attempt), so each phase visit
// is queued once.
func (e *Engine) enqueuePhase(ctx context.Context, inc *types.Incident) (string, bool, error) {
	key, err := idempotency.GenerateKey(inc.ID, string(inc.State), inc.FixAttempt, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to derive job key: %w", err)
	}
	inserted, err := e.queue.Enqueue(ctx, JobTypePhase, phaseJob{
		IncidentID: inc.ID,
		State:      inc.State,
		FixAttempt: inc.FixAttempt,
	}, key)
	if err != nil {
		return key, false, fmt.Errorf("failed to queue %s phase of %s: %w", inc.State, inc.ID, err)
	}
	return key, inserted, nil
}

// HandleJob is the queue worker callback
func (e *Engine) HandleJob(ctx context.Context, job *queue.Job) queue.Outcome {
	switch job.Type {
	case JobTypeTrigger:
		return e.handleTrigger(ctx, job)
	case JobTypePhase:
		return e.handlePhase(ctx, job)
	}
	fmt.Fprintf(os.Stderr, "Warning: unknown job type %q (job %s)\n", job.Type, job.ID)
	return queue.Fail
}

func (e *Engine) handleTrigger(ctx context.Context, job *queue.Job) queue.Outcome {
	var req TriggerRequest
	if err := job.DecodePayload(&req); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		return queue.Fail
	}

	_, err := e.Trigger(ctx, req)
	switch {
	case err == nil:
		return queue.Ack
	case isFlappingBlocked(err):
		// Refusal is final and already audited
		return queue.Ack
	case errors.Is(err, ErrTriggerRateLimited):
		return queue.Retry
	case errors.Is(err, ErrInvalidTrigger):
		fmt.Fprintf(os.Stderr, "Warning: dropping trigger job %s: %v\n", job.ID, err)
		return queue.Fail
	}
	fmt.Fprintf(os.Stderr, "Warning: trigger job %s failed: %v\n", job.ID, err)
	return queue.Retry
}

func (e *Engine) handlePhase(ctx context.Context, job *queue.Job) queue.Outcome {
	var p phaseJob
	if err := job.DecodePayload(&p); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		return queue.Fail
	}

	inc, err := e.store.FindIncident(ctx, p.IncidentID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load incident %s: %v\n", p.IncidentID, err)
		return queue.Retry
	}
	if inc == nil {
		fmt.Fprintf(os.Stderr, "Warning: phase job %s references unknown incident %s\n", job.ID, p.IncidentID)
		return queue.Fail
	}
	if inc.IsResolved() {
		return queue.Ack
	}
	if inc.State != p.State || inc.FixAttempt != p.FixAttempt {
		// The incident moved on; this is a duplicate or late delivery. Make
		// sure the current phase is queued in case the step that moved it
		// failed to queue its successor.
		if _, _, err := e.enqueuePhase(ctx, inc); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			return queue.Retry
		}
		return queue.Ack
	}

	_, err = e.Step(ctx, p.IncidentID)
	switch {
	case err == nil:
		return queue.Ack
	case errors.Is(err, storage.ErrStaleTransition):
		return queue.Ack
	case errors.Is(err, ErrIncidentNotFound):
		return queue.Fail
	case errors.Is(err, ErrIncidentBusy), IsTransient(err), errors.Is(err, context.Canceled):
		return queue.Retry
	}
	fmt.Fprintf(os.Stderr, "Warning: step of incident %s failed: %v\n", p.IncidentID, err)
	return queue.Retry
}
