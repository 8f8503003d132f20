package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// TransitionData contains structured data for incident transition events.
type TransitionData struct {
	// FromState is the state the incident left
	FromState string `json:"from_state"`
	// ToState is the state the incident entered
	ToState string `json:"to_state"`
	// FixAttempt is the fix attempt counter after the transition
	FixAttempt int `json:"fix_attempt"`
	// Reason explains the transition
	Reason string `json:"reason"`
	// TargetID is the target the incident is about
	TargetID string `json:"target_id"`
}

// EscalationData contains structured data for escalation events.
type EscalationData struct {
	// TargetID is the target the incident is about
	TargetID string `json:"target_id"`
	// FromState is the state the incident escalated from
	FromState string `json:"from_state"`
	// Reason is the human-readable reason derived from the triggering error
	Reason string `json:"reason"`
	// ErrorKind classifies the triggering error (fatal, transient, circuit_open, bounds_exceeded, failed)
	ErrorKind string `json:"error_kind,omitempty"`
	// FixAttempt is the fix attempt counter at escalation time
	FixAttempt int `json:"fix_attempt"`
}

// CircuitData contains structured data for circuit breaker events.
type CircuitData struct {
	// CircuitID is the circuit identifier
	CircuitID string `json:"circuit_id"`
	// FromState is the previous circuit state (if applicable)
	FromState string `json:"from_state,omitempty"`
	// ToState is the new circuit state
	ToState string `json:"to_state"`
	// Failures is the failure count inside the monitoring window
	Failures int `json:"failures"`
	// NextAttemptTime is when an open circuit will allow a trial
	NextAttemptTime time.Time `json:"next_attempt_time,omitempty"`
	// IncidentID is the incident whose phase was rejected (rejections only)
	IncidentID string `json:"incident_id,omitempty"`
}

// FlappingData contains structured data for flapping guard events.
type FlappingData struct {
	// IncidentCount is the number of incidents inside the cooldown window
	IncidentCount int `json:"incident_count"`
	// Reason is the guard's explanation
	Reason string `json:"reason,omitempty"`
	// ShouldEscalate reports whether the escalation threshold was reached
	ShouldEscalate bool `json:"should_escalate"`
	// IncidentID is the incident tagged for review (escalation only)
	IncidentID string `json:"incident_id,omitempty"`
	// TriggerType is the kind of trigger that was refused
	TriggerType string `json:"trigger_type,omitempty"`
}

// LoopData contains structured data for loop guard events.
type LoopData struct {
	// LoopType is the loop type (fix-attempt, verification, ...)
	LoopType string `json:"loop_type"`
	// BoundType is the bound that was hit (iterations, duration, retries)
	BoundType string `json:"bound_type,omitempty"`
	// Reason is the guard's explanation
	Reason string `json:"reason"`
	// Iterations recorded when the loop ended
	Iterations int `json:"iterations"`
	// Retries recorded when the loop ended
	Retries int `json:"retries"`
	// DurationMs is how long the loop ran in milliseconds
	DurationMs int64 `json:"duration_ms"`
	// IncidentID is the incident that owned the loop (if known)
	IncidentID string `json:"incident_id,omitempty"`
}

// SweepCompletedData contains structured data for background sweep events.
type SweepCompletedData struct {
	// StaleLoopsTerminated is the number of loops force-terminated as stale
	StaleLoopsTerminated int `json:"stale_loops_terminated"`
	// CircuitFailuresPruned is the number of circuit failure timestamps dropped
	CircuitFailuresPruned int `json:"circuit_failures_pruned"`
	// FlapEntriesPruned is the number of flapping history entries dropped
	FlapEntriesPruned int `json:"flap_entries_pruned"`
	// JobsReleased is the number of stuck job claims released
	JobsReleased int `json:"jobs_released"`
	// ProcessingTimeMs is the time taken for the sweep in milliseconds
	ProcessingTimeMs int64 `json:"processing_time_ms"`
}

// ToMap converts typed event data into the Details map of an AuditEvent.
func ToMap(data interface{}) (map[string]interface{}, error) {
	dataMap, err := structToMap(data)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %T: %w", data, err)
	}
	return dataMap, nil
}

// DecodeDetails parses the event's Details into target.
func (e *AuditEvent) DecodeDetails(target interface{}) error {
	if err := mapToStruct(e.Details, target); err != nil {
		return fmt.Errorf("failed to parse %T: %w", target, err)
	}
	return nil
}

// structToMap converts a struct to map[string]interface{} using JSON marshaling.
func structToMap(data interface{}) (map[string]interface{}, error) {
	bytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(bytes, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// mapToStruct converts a map[string]interface{} to a struct using JSON unmarshaling.
func mapToStruct(dataMap map[string]interface{}, target interface{}) error {
	bytes, err := json.Marshal(dataMap)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, target)
}
