package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sitewarden/warden/internal/events"
	"github.com/sitewarden/warden/internal/idempotency"
	"github.com/sitewarden/warden/internal/loopguard"
	"github.com/sitewarden/warden/internal/types"
)

// Outcome kinds recorded in the phase ledger
const (
	outcomeSuccess        = "success"
	outcomeFailed         = "failed"
	outcomeFatal          = "fatal"
	outcomeCircuitOpen    = "circuit_open"
	outcomeBoundsExceeded = "bounds_exceeded"
)

// phaseOutcome is the verdict on one phase visit. The next transition is a
// pure function of (state, fix attempt, outcome), which is what lets a
// redelivered job replay a recorded outcome safely.
type phaseOutcome struct {
	kind    string
	fixHeld bool
	message string
	data    map[string]interface{}
}

func (o *phaseOutcome) succeeded() bool {
	return o.kind == outcomeSuccess
}

// decision is the transition chosen for an outcome
type decision struct {
	to         types.IncidentState
	fixAttempt int
	reason     string
	errorKind  string
}

// phaseInput is the content fingerprinted into a phase's idempotency key
type phaseInput struct {
	TargetID    string                 `json:"target_id"`
	TriggerType types.TriggerType      `json:"trigger_type"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Step runs exactly one step of one incident: the NEW → DISCOVERY opening,
// or the phase for the incident's current state followed by its transition.
// The next phase job is queued unless the incident is resolved. Resolved
// incidents are returned unchanged.
//
// Transient phase errors are returned as *PhaseError so the caller can retry
// the step; ErrIncidentBusy means another worker holds the incident.
func (e *Engine) Step(ctx context.Context, incidentID string) (*types.Incident, error) {
	if !e.acquire(incidentID) {
		return nil, ErrIncidentBusy
	}
	defer e.release(incidentID)

	inc, err := e.store.FindIncident(ctx, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load incident %s: %w", incidentID, err)
	}
	if inc == nil {
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, incidentID)
	}
	if inc.IsResolved() || inc.State == types.StateFixed || inc.State == types.StateEscalated {
		return inc, nil
	}

	if err := e.advance(ctx, inc); err != nil {
		return inc, err
	}

	if !inc.IsResolved() {
		if _, _, err := e.enqueuePhase(ctx, inc); err != nil {
			return inc, fmt.Errorf("failed to queue next phase of %s: %w", inc.ID, err)
		}
	}
	return inc, nil
}

// advance runs the current state's work and applies the result to inc
func (e *Engine) advance(ctx context.Context, inc *types.Incident) error {
	if inc.State == types.StateNew {
		return e.commit(ctx, inc, decision{to: types.StateDiscovery, reason: "incident opened"})
	}

	out, err := e.runPhase(ctx, inc)
	if err != nil {
		return err
	}

	if inc.State == types.StateRollback {
		if out.succeeded() {
			return e.completeRollback(ctx, inc, out)
		}
	}
	return e.commit(ctx, inc, e.decide(inc, out))
}

// decide maps a phase outcome to the next transition
func (e *Engine) decide(inc *types.Incident, out *phaseOutcome) decision {
	state := inc.State
	msg := out.message

	switch {
	case state.IsPreFix():
		if out.succeeded() {
			next, _ := state.Next()
			d := decision{to: next, fixAttempt: inc.FixAttempt, reason: successReason(state, msg)}
			if next == types.StateFixAttempt {
				d.fixAttempt = 1
			}
			return d
		}
		return e.escalate(inc, out, fmt.Sprintf("%s failed: %s", state, msg))

	case state == types.StateFixAttempt:
		switch out.kind {
		case outcomeSuccess:
			return decision{to: types.StateVerify, fixAttempt: inc.FixAttempt, reason: successReason(state, msg)}
		case outcomeFatal, outcomeBoundsExceeded:
			return e.rollback(inc, out, fmt.Sprintf("fix attempt %d aborted: %s", inc.FixAttempt, msg))
		}
		return e.retryFix(inc, out)

	case state == types.StateVerify:
		switch {
		case out.succeeded():
			return decision{to: types.StateFixed, fixAttempt: inc.FixAttempt, reason: successReason(state, msg)}
		case out.kind == outcomeFatal || out.kind == outcomeBoundsExceeded:
			return e.rollback(inc, out, fmt.Sprintf("verification of fix attempt %d aborted: %s", inc.FixAttempt, msg))
		case out.fixHeld:
			return decision{to: types.StateFixed, fixAttempt: inc.FixAttempt, reason: "fix held: " + msg}
		}
		return e.retryFix(inc, out)

	case state == types.StateRollback:
		return e.escalate(inc, out, "rollback failed: "+msg)
	}

	return e.escalate(inc, out, fmt.Sprintf("no transition from %s", state))
}

// retryFix re-enters FIX_ATTEMPT with the next attempt number, or rolls back
// once the attempts are exhausted
func (e *Engine) retryFix(inc *types.Incident, out *phaseOutcome) decision {
	if inc.FixAttempt < e.maxFixAttempts {
		return decision{
			to:         types.StateFixAttempt,
			fixAttempt: inc.FixAttempt + 1,
			reason:     fmt.Sprintf("fix attempt %d failed: %s", inc.FixAttempt, out.message),
			errorKind:  out.kind,
		}
	}
	return e.rollback(inc, out, fmt.Sprintf("fix attempts exhausted (%d/%d): %s",
		inc.FixAttempt, e.maxFixAttempts, out.message))
}

func (e *Engine) rollback(inc *types.Incident, out *phaseOutcome, reason string) decision {
	return decision{to: types.StateRollback, fixAttempt: inc.FixAttempt, reason: reason, errorKind: out.kind}
}

func (e *Engine) escalate(inc *types.Incident, out *phaseOutcome, reason string) decision {
	return decision{to: types.StateEscalated, fixAttempt: inc.FixAttempt, reason: reason, errorKind: out.kind}
}

func successReason(state types.IncidentState, msg string) string {
	if msg == "" {
		return strings.ToLower(string(state)) + " completed"
	}
	return msg
}

// runPhase produces the outcome of the incident's current phase. A recorded
// outcome for the same idempotency key is reused without running the handler.
// A nil outcome with an error means the step should be retried.
func (e *Engine) runPhase(ctx context.Context, inc *types.Incident) (*phaseOutcome, error) {
	state := inc.State
	key, err := e.phaseKey(inc)
	if err != nil {
		return nil, err
	}

	recorded, err := e.store.GetPhaseExecution(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read phase ledger: %w", err)
	}
	if recorded != nil {
		out := outcomeFromExecution(recorded)
		e.audit(ctx, events.ActionJobDuplicateSkipped, events.ResourceIncident, inc.ID, map[string]interface{}{
			"message":         fmt.Sprintf("reusing recorded %s outcome of %s", out.kind, state),
			"idempotency_key": key,
			"state":           string(state),
			"fix_attempt":     inc.FixAttempt,
		})
		return out, nil
	}

	loopID := loopIDFor(inc.ID, state, inc.FixAttempt)
	if _, ok := e.loops.Get(loopID); !ok {
		e.loops.StartLoop(loopID, state.LoopType(), nil, map[string]interface{}{
			"incident_id": inc.ID,
			"target_id":   inc.TargetID,
		})
	}
	if check := e.loops.CanContinue(loopID); !check.CanContinue {
		return e.boundsExceeded(ctx, inc, key, loopID, check)
	}
	// Count each visit once; a redelivered job continues the same iteration
	if lc, ok := e.loops.Get(loopID); ok && lc.Metadata["visit"] != key {
		e.loops.RecordIteration(loopID, map[string]interface{}{"visit": key})
	}

	circuitID := circuitIDFor(inc.TargetID)
	if err := e.circuits.Allow(circuitID); err != nil {
		stats := e.circuits.GetStats(circuitID)
		coErr := &CircuitOpenError{CircuitID: circuitID, NextAttempt: stats.NextAttemptTime}
		e.metrics.GuardTripped(ctx, "circuit")
		e.auditData(ctx, events.ActionCircuitRejected, events.ResourceCircuit, circuitID, events.CircuitData{
			CircuitID:       circuitID,
			ToState:         stats.State.String(),
			Failures:        stats.Failures,
			NextAttemptTime: stats.NextAttemptTime,
			IncidentID:      inc.ID,
		})
		return e.settle(ctx, inc, key, &phaseOutcome{kind: outcomeCircuitOpen, message: coErr.Error()})
	}

	var retries int
	if lc, ok := e.loops.Get(loopID); ok {
		retries = lc.Retries
	}
	ic := &IncidentContext{
		Incident:       inc.Clone(),
		State:          state,
		FixAttempt:     inc.FixAttempt,
		IdempotencyKey: key,
		Retries:        retries,
	}

	result, err := e.invoke(ctx, inc, ic)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var pe *PhaseError
		if errors.As(err, &pe) && pe.IsFatal() {
			return e.settle(ctx, inc, key, &phaseOutcome{kind: outcomeFatal, message: pe.Err.Error()})
		}
		e.circuits.OnFailure(circuitID, err)
		return e.transient(ctx, inc, key, loopID, err)
	}

	e.circuits.OnSuccess(circuitID)
	out := &phaseOutcome{kind: outcomeFailed, message: "phase returned no result"}
	if result != nil {
		out = &phaseOutcome{
			kind:    outcomeFailed,
			fixHeld: result.FixHeld,
			message: result.Message,
			data:    result.Data,
		}
		if result.Success {
			out.kind = outcomeSuccess
		} else if out.message == "" {
			out.message = "phase reported failure"
		}
	}
	return e.settle(ctx, inc, key, out)
}

// invoke runs the handler under the phase timeout inside a span
func (e *Engine) invoke(ctx context.Context, inc *types.Incident, ic *IncidentContext) (*PhaseResult, error) {
	phaseCtx, cancel := context.WithTimeout(ctx, e.phaseTimeout)
	defer cancel()

	phaseCtx, span := e.tracer.Start(phaseCtx, "phase."+strings.ToLower(string(ic.State)),
		trace.WithAttributes(
			attribute.String("incident.id", inc.ID),
			attribute.String("target.id", inc.TargetID),
			attribute.Int("fix_attempt", ic.FixAttempt),
		),
	)
	defer span.End()

	start := e.clock.Now()
	result, err := e.handlers[ic.State].Execute(phaseCtx, ic)
	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case result == nil || !result.Success:
		outcome = "failed"
	}
	e.metrics.PhaseCompleted(ctx, string(ic.State), outcome, e.clock.Now().Sub(start))
	return result, err
}

// transient records a retry against the phase loop. Within bounds the step is
// retried by returning the error; past them the phase ends as bounds exceeded.
func (e *Engine) transient(ctx context.Context, inc *types.Incident, key, loopID string, cause error) (*phaseOutcome, error) {
	e.loops.RecordRetry(loopID, cause.Error(), nil)
	e.auditData(ctx, events.ActionPhaseFailed, events.ResourceIncident, inc.ID, events.TransitionData{
		FromState:  string(inc.State),
		ToState:    string(inc.State),
		FixAttempt: inc.FixAttempt,
		Reason:     fmt.Sprintf("transient error, will retry: %v", cause),
		TargetID:   inc.TargetID,
	})

	if check := e.loops.CanContinue(loopID); !check.CanContinue {
		return e.boundsExceeded(ctx, inc, key, loopID, check)
	}

	var pe *PhaseError
	if errors.As(cause, &pe) {
		if pe.Phase != "" {
			return nil, pe
		}
		// The handler owns pe and may share it; annotate a copy
		annotated := *pe
		annotated.Phase = inc.State
		return nil, &annotated
	}
	return nil, NewTransientError(inc.State, cause)
}

// boundsExceeded ends the phase loop and records the phase as failed
func (e *Engine) boundsExceeded(ctx context.Context, inc *types.Incident, key, loopID string, check loopguard.Check) (*phaseOutcome, error) {
	berr := &BoundsExceededError{LoopID: loopID, BoundType: check.BoundType, Reason: check.Reason}
	fmt.Fprintf(os.Stderr, "Warning: incident %s: %v\n", inc.ID, berr)
	e.metrics.GuardTripped(ctx, "loop")
	e.loops.CompleteLoop(loopID, false, check.Reason)
	return e.settle(ctx, inc, key, &phaseOutcome{kind: outcomeBoundsExceeded, message: berr.Error()})
}

// settle records a final phase outcome in the ledger. If another delivery
// recorded the same key first, its outcome wins.
func (e *Engine) settle(ctx context.Context, inc *types.Incident, key string, out *phaseOutcome) (*phaseOutcome, error) {
	if !out.succeeded() {
		e.auditData(ctx, events.ActionPhaseFailed, events.ResourceIncident, inc.ID, events.TransitionData{
			FromState:  string(inc.State),
			ToState:    string(inc.State),
			FixAttempt: inc.FixAttempt,
			Reason:     fmt.Sprintf("%s: %s", out.kind, out.message),
			TargetID:   inc.TargetID,
		})
	}

	now := e.clock.Now()
	exec := &types.PhaseExecution{
		IdempotencyKey: key,
		IncidentID:     inc.ID,
		State:          inc.State,
		FixAttempt:     inc.FixAttempt,
		Success:        out.succeeded(),
		FixHeld:        out.fixHeld,
		Message:        out.message,
		StartedAt:      now,
		CompletedAt:    now,
	}
	if !out.succeeded() {
		exec.ErrorKind = out.kind
	}
	if len(out.data) > 0 {
		data, err := json.Marshal(out.data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: dropping unserializable data from %s phase of %s: %v\n", inc.State, inc.ID, err)
		} else {
			exec.Data = string(data)
		}
	}

	inserted, err := e.store.RecordPhaseExecution(ctx, exec)
	if err != nil {
		return nil, fmt.Errorf("failed to record phase outcome: %w", err)
	}
	if !inserted {
		recorded, err := e.store.GetPhaseExecution(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to read phase ledger: %w", err)
		}
		if recorded != nil {
			return outcomeFromExecution(recorded), nil
		}
	}
	return out, nil
}

// commit persists a transition and applies it to inc
func (e *Engine) commit(ctx context.Context, inc *types.Incident, d decision) error {
	now := e.clock.Now()
	t := &types.Transition{
		IncidentID: inc.ID,
		FromState:  inc.State,
		ToState:    d.to,
		FixAttempt: d.fixAttempt,
		Reason:     d.reason,
		Timestamp:  now,
	}
	updates := map[string]interface{}{"fix_attempt": d.fixAttempt}
	resolved := d.to == types.StateFixed || d.to == types.StateEscalated
	if resolved {
		updates["resolved_at"] = now
	}
	if d.to == types.StateEscalated {
		updates["escalation_reason"] = d.reason
	}

	if err := e.store.CommitTransition(ctx, t, updates); err != nil {
		return fmt.Errorf("failed to commit %s → %s for %s: %w", t.FromState, t.ToState, inc.ID, err)
	}

	from, fromAttempt := inc.State, inc.FixAttempt
	inc.State = d.to
	inc.FixAttempt = d.fixAttempt
	inc.UpdatedAt = now
	inc.History = append(inc.History, *t)
	if resolved {
		inc.ResolvedAt = &now
	}
	if d.to == types.StateEscalated {
		inc.EscalationReason = d.reason
	}

	fmt.Printf("Incident %s: %s → %s (%s)\n", inc.ID, from, d.to, d.reason)
	e.metrics.Transition(ctx, string(from), string(d.to), resolved)
	e.auditData(ctx, events.ActionIncidentTransition, events.ResourceIncident, inc.ID, events.TransitionData{
		FromState:  string(from),
		ToState:    string(d.to),
		FixAttempt: d.fixAttempt,
		Reason:     d.reason,
		TargetID:   inc.TargetID,
	})

	switch d.to {
	case types.StateEscalated:
		fmt.Fprintf(os.Stderr, "Warning: incident %s escalated: %s\n", inc.ID, d.reason)
		e.auditData(ctx, events.ActionIncidentEscalated, events.ResourceIncident, inc.ID, events.EscalationData{
			TargetID:   inc.TargetID,
			FromState:  string(from),
			Reason:     d.reason,
			ErrorKind:  d.errorKind,
			FixAttempt: d.fixAttempt,
		})
		e.completeLoops(inc.ID, false, d.reason)
	case types.StateFixed:
		e.audit(ctx, events.ActionIncidentResolved, events.ResourceIncident, inc.ID, map[string]interface{}{
			"reason":      d.reason,
			"target_id":   inc.TargetID,
			"state":       string(d.to),
			"fix_attempt": d.fixAttempt,
		})
		e.completeLoops(inc.ID, true, d.reason)
	case types.StateRollback:
		e.completeLoops(inc.ID, false, d.reason)
	default:
		switch {
		case from.IsPreFix():
			e.loops.CompleteLoop(loopIDFor(inc.ID, from, 0), true, d.reason)
		case from == types.StateVerify:
			e.loops.CompleteLoop(loopIDFor(inc.ID, from, fromAttempt), false, d.reason)
		}
	}
	return nil
}

// completeRollback marks a rolled-back incident resolved. ROLLBACK is already
// the incident's resting state, so no transition is appended.
func (e *Engine) completeRollback(ctx context.Context, inc *types.Incident, out *phaseOutcome) error {
	now := e.clock.Now()
	if err := e.store.UpdateIncident(ctx, inc.ID, map[string]interface{}{"resolved_at": now}); err != nil {
		return fmt.Errorf("failed to resolve rolled-back incident %s: %w", inc.ID, err)
	}
	inc.ResolvedAt = &now
	inc.UpdatedAt = now

	reason := successReason(types.StateRollback, out.message)
	fmt.Printf("Incident %s: rolled back (%s)\n", inc.ID, reason)
	e.metrics.IncidentResolved(ctx)
	e.audit(ctx, events.ActionIncidentResolved, events.ResourceIncident, inc.ID, map[string]interface{}{
		"reason":      reason,
		"target_id":   inc.TargetID,
		"state":       string(types.StateRollback),
		"fix_attempt": inc.FixAttempt,
	})
	e.completeLoops(inc.ID, true, reason)
	return nil
}

// completeLoops ends every loop the incident still holds
func (e *Engine) completeLoops(incidentID string, successful bool, reason string) {
	prefix := incidentID + ":"
	for _, lc := range e.loops.ActiveLoops() {
		if strings.HasPrefix(lc.LoopID, prefix) {
			e.loops.CompleteLoop(lc.LoopID, successful, reason)
		}
	}
}

// phaseKey derives the idempotency key of the incident's current phase visit
func (e *Engine) phaseKey(inc *types.Incident) (string, error) {
	key, err := idempotency.GenerateKey(inc.ID, string(inc.State), inc.FixAttempt, phaseInput{
		TargetID:    inc.TargetID,
		TriggerType: inc.TriggerType,
		Metadata:    inc.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("failed to derive phase key for %s: %w", inc.ID, err)
	}
	return key, nil
}

func outcomeFromExecution(exec *types.PhaseExecution) *phaseOutcome {
	out := &phaseOutcome{kind: exec.ErrorKind, fixHeld: exec.FixHeld, message: exec.Message}
	if exec.Success {
		out.kind = outcomeSuccess
	} else if out.kind == "" {
		out.kind = outcomeFailed
	}
	if exec.Data != "" {
		_ = json.Unmarshal([]byte(exec.Data), &out.data)
	}
	return out
}

// loopIDFor names the loop guarding a phase. VERIFY gets one loop per fix
// attempt so it only bounds retries within a single verification; the
// FIX_ATTEMPT ↔ VERIFY cycle as a whole is bounded by the fix-attempt loop.
func loopIDFor(incidentID string, state types.IncidentState, fixAttempt int) string {
	id := incidentID + ":" + state.LoopType()
	if state == types.StateVerify {
		id += ":" + strconv.Itoa(fixAttempt)
	}
	return id
}

// incidentFromLoopID recovers the incident id from a loop id built by loopIDFor
func incidentFromLoopID(loopID string) string {
	if i := strings.Index(loopID, ":"); i > 0 {
		return loopID[:i]
	}
	return ""
}
