package events

import (
	"context"
	"fmt"
	"time"
)

// Action identifies what an audit event records.
type Action string

const (
	// Incident lifecycle
	// ActionIncidentCreated indicates a trigger was admitted and an incident opened
	ActionIncidentCreated Action = "incident.created"
	// ActionIncidentTransition indicates an incident moved between states
	ActionIncidentTransition Action = "incident.transition"
	// ActionIncidentEscalated indicates an incident was handed to a human
	ActionIncidentEscalated Action = "incident.escalated"
	// ActionIncidentResolved indicates an incident reached FIXED or finished ROLLBACK
	ActionIncidentResolved Action = "incident.resolved"
	// ActionPhaseFailed indicates a phase handler failed or was skipped
	ActionPhaseFailed Action = "phase.failed"

	// Circuit breaker
	// ActionCircuitOpened indicates a circuit tripped open
	ActionCircuitOpened Action = "circuit.opened"
	// ActionCircuitHalfOpen indicates a circuit is letting a recovery trial through
	ActionCircuitHalfOpen Action = "circuit.half_open"
	// ActionCircuitClosed indicates a circuit recovered
	ActionCircuitClosed Action = "circuit.closed"
	// ActionCircuitRejected indicates a phase was skipped because its circuit was open
	ActionCircuitRejected Action = "circuit.rejected"

	// Flapping guard
	// ActionFlappingBlocked indicates a trigger was refused because the target is flapping
	ActionFlappingBlocked Action = "flapping.blocked"
	// ActionFlappingEscalation indicates an incident was tagged for expedited review
	ActionFlappingEscalation Action = "flapping.escalation_review"

	// Loop guard
	// ActionLoopBoundsExceeded indicates a bounded loop hit one of its caps
	ActionLoopBoundsExceeded Action = "loop.bounds_exceeded"
	// ActionLoopForceTerminated indicates a loop was terminated by the stale sweep or shutdown
	ActionLoopForceTerminated Action = "loop.force_terminated"

	// Work queue
	// ActionJobDuplicateSkipped indicates a redelivered job reused a recorded phase outcome
	ActionJobDuplicateSkipped Action = "job.duplicate_skipped"
	// ActionJobDeadLettered indicates a job exhausted its attempts
	ActionJobDeadLettered Action = "job.dead_lettered"
	// ActionTriggerRateLimited indicates a trigger was refused by the admission limiter
	ActionTriggerRateLimited Action = "trigger.rate_limited"

	// Sweeper
	// ActionSweepCompleted indicates a background sweep cycle completed
	ActionSweepCompleted Action = "sweep.completed"
)

// ResourceType names the kind of resource an event is about.
type ResourceType string

const (
	ResourceIncident ResourceType = "incident"
	ResourceTarget   ResourceType = "target"
	ResourceCircuit  ResourceType = "circuit"
	ResourceLoop     ResourceType = "loop"
	ResourceJob      ResourceType = "job"
	ResourceEngine   ResourceType = "engine"
)

// EventSeverity represents the severity level of an event.
type EventSeverity string

const (
	// SeverityInfo indicates informational events
	SeverityInfo EventSeverity = "info"
	// SeverityWarning indicates potentially problematic events
	SeverityWarning EventSeverity = "warning"
	// SeverityError indicates error events
	SeverityError EventSeverity = "error"
	// SeverityCritical indicates critical events requiring immediate attention
	SeverityCritical EventSeverity = "critical"
)

// SeverityFor returns the default severity for an action
func SeverityFor(a Action) EventSeverity {
	switch a {
	case ActionIncidentEscalated, ActionJobDeadLettered:
		return SeverityCritical
	case ActionCircuitOpened, ActionLoopBoundsExceeded, ActionLoopForceTerminated, ActionPhaseFailed:
		return SeverityError
	case ActionFlappingBlocked, ActionFlappingEscalation, ActionCircuitRejected,
		ActionTriggerRateLimited, ActionCircuitHalfOpen:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// AuditEvent is one durable record of something the engine did or refused to do.
type AuditEvent struct {
	// ID is the unique identifier for this event
	ID string `json:"id"`
	// Action is what happened
	Action Action `json:"action"`
	// ResourceType is the kind of resource the event is about
	ResourceType ResourceType `json:"resource_type"`
	// ResourceID identifies the resource (incident id, target id, circuit id, loop id)
	ResourceID string `json:"resource_id"`
	// Severity is the severity level of this event
	Severity EventSeverity `json:"severity"`
	// Message is a human-readable description of the event
	Message string `json:"message"`
	// Details contains structured, action-specific data (must be JSON-serializable)
	Details map[string]interface{} `json:"details,omitempty"`
	// Timestamp is when the event occurred
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks that required fields are present
func (e *AuditEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if e.Action == "" {
		return fmt.Errorf("event action is required")
	}
	if e.ResourceType == "" {
		return fmt.Errorf("event resource_type is required")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("event timestamp is required")
	}
	return nil
}

// EventFilter is used to filter audit event queries
type EventFilter struct {
	ResourceType ResourceType
	ResourceID   string
	Action       Action
	MinSeverity  EventSeverity
	Since        time.Time
	Limit        int
}

// SeverityRank orders severities for MinSeverity filtering
func SeverityRank(s EventSeverity) int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

// Sink receives audit events. Callers treat a sink error as non-fatal:
// failing to audit must never stop remediation.
type Sink interface {
	RecordEvent(ctx context.Context, action Action, resourceType ResourceType, resourceID string, details map[string]interface{}) error
}
