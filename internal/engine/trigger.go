package engine

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/sitewarden/warden/internal/events"
	"github.com/sitewarden/warden/internal/idempotency"
	"github.com/sitewarden/warden/internal/queue"
	"github.com/sitewarden/warden/internal/types"
)

// TriggerRequest asks for a new incident on a target
type TriggerRequest struct {
	// RequestID identifies the request so a resubmitted trigger job is
	// deduplicated. SubmitTrigger fills it in when empty.
	RequestID   string                 `json:"request_id,omitempty"`
	TargetID    string                 `json:"target_id"`
	TriggerType types.TriggerType      `json:"trigger_type"`
	Priority    *int                   `json:"priority,omitempty"` // Default: 2
	Source      string                 `json:"source,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

const defaultPriority = 2

func (r *TriggerRequest) normalize() {
	if r.TriggerType == "" {
		r.TriggerType = types.TriggerMonitoringAlert
	}
	if r.Priority == nil {
		p := defaultPriority
		r.Priority = &p
	}
}

// Validate checks the request fields
func (r *TriggerRequest) Validate() error {
	if r.TargetID == "" {
		return fmt.Errorf("target_id is required")
	}
	if !r.TriggerType.IsValid() {
		return fmt.Errorf("invalid trigger type: %s", r.TriggerType)
	}
	if r.Priority != nil && (*r.Priority < 0 || *r.Priority > 4) {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", *r.Priority)
	}
	// Metadata feeds every phase key of the incident
	if len(r.Metadata) > 0 {
		if _, err := idempotency.Fingerprint(r.Metadata); err != nil {
			return fmt.Errorf("invalid metadata: %w", err)
		}
	}
	return nil
}

// Trigger admits a trigger and opens a NEW incident for it. It returns
// ErrTriggerRateLimited when the admission limiter is exhausted and a
// *FlappingBlockedError when the target has had too many recent incidents;
// both refusals are audited and create nothing.
func (e *Engine) Trigger(ctx context.Context, req TriggerRequest) (*types.Incident, error) {
	req.normalize()
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTrigger, err)
	}

	if !e.limiter.Allow() {
		e.metrics.GuardTripped(ctx, "rate")
		e.audit(ctx, events.ActionTriggerRateLimited, events.ResourceTarget, req.TargetID, map[string]interface{}{
			"reason":       "trigger admission rate exceeded",
			"trigger_type": string(req.TriggerType),
			"source":       req.Source,
		})
		return nil, ErrTriggerRateLimited
	}

	e.admitMu.Lock()
	defer e.admitMu.Unlock()

	decision := e.flapping.CanCreateIncident(req.TargetID)
	if !decision.Allowed {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", decision.Reason)
		e.metrics.GuardTripped(ctx, "flapping")
		e.auditData(ctx, events.ActionFlappingBlocked, events.ResourceTarget, req.TargetID, events.FlappingData{
			IncidentCount:  decision.IncidentCount,
			Reason:         decision.Reason,
			ShouldEscalate: decision.ShouldEscalate,
			TriggerType:    string(req.TriggerType),
		})
		return nil, &FlappingBlockedError{
			TargetID:      req.TargetID,
			Reason:        decision.Reason,
			IncidentCount: decision.IncidentCount,
		}
	}

	// The incident being admitted counts toward the escalation threshold
	escalate := decision.ShouldEscalate ||
		decision.IncidentCount+1 >= e.flapping.ConfigFor(req.TargetID).EscalationThreshold

	now := e.clock.Now()
	inc := &types.Incident{
		ID:               uuid.New().String(),
		TargetID:         req.TargetID,
		State:            types.StateNew,
		Priority:         *req.Priority,
		TriggerType:      req.TriggerType,
		Source:           req.Source,
		EscalationReview: escalate,
		Metadata:         req.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.CreateIncident(ctx, inc); err != nil {
		return nil, fmt.Errorf("failed to create incident: %w", err)
	}
	e.flapping.RecordIncident(inc.TargetID, inc.ID)
	e.metrics.IncidentCreated(ctx, string(inc.TriggerType))

	e.audit(ctx, events.ActionIncidentCreated, events.ResourceIncident, inc.ID, map[string]interface{}{
		"target_id":         inc.TargetID,
		"trigger_type":      string(inc.TriggerType),
		"priority":          inc.Priority,
		"source":            inc.Source,
		"escalation_review": inc.EscalationReview,
	})
	if escalate {
		count := decision.IncidentCount + 1
		fmt.Fprintf(os.Stderr, "Warning: incident %s tagged for escalation review (%d recent incidents on %s)\n",
			inc.ID, count, inc.TargetID)
		e.auditData(ctx, events.ActionFlappingEscalation, events.ResourceTarget, inc.TargetID, events.FlappingData{
			IncidentCount:  count,
			Reason:         fmt.Sprintf("target %s reached the escalation threshold with %d recent incidents", inc.TargetID, count),
			ShouldEscalate: true,
			IncidentID:     inc.ID,
			TriggerType:    string(inc.TriggerType),
		})
	}

	fmt.Printf("Incident %s opened for %s (%s, priority %d)\n", inc.ID, inc.TargetID, inc.TriggerType, inc.Priority)

	if _, _, err := e.enqueuePhase(ctx, inc); err != nil {
		return inc, fmt.Errorf("incident %s created but not queued: %w", inc.ID, err)
	}
	return inc, nil
}

// SubmitTrigger queues a trigger for admission by a running engine. It returns
// the request id, which doubles as the job's deduplication key source.
func (e *Engine) SubmitTrigger(ctx context.Context, req TriggerRequest) (string, error) {
	return SubmitTrigger(ctx, e.queue, req)
}

// SubmitTrigger queues a trigger on q without an engine, for processes that
// only feed a serving engine (the CLI).
func SubmitTrigger(ctx context.Context, q queue.Queue, req TriggerRequest) (string, error) {
	req.normalize()
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidTrigger, err)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	key, err := idempotency.GenerateKey(req.RequestID, JobTypeTrigger, 0, req)
	if err != nil {
		return "", fmt.Errorf("failed to derive trigger key: %w", err)
	}
	if _, err := q.Enqueue(ctx, JobTypeTrigger, req, key); err != nil {
		return "", fmt.Errorf("failed to queue trigger: %w", err)
	}
	return req.RequestID, nil
}

func isFlappingBlocked(err error) bool {
	var fb *FlappingBlockedError
	return errors.As(err, &fb)
}
