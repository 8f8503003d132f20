package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Incident tracks one remediation attempt for one target
type Incident struct {
	ID               string                 `json:"id"`
	TargetID         string                 `json:"target_id"`
	State            IncidentState          `json:"state"`
	Priority         int                    `json:"priority"`
	TriggerType      TriggerType            `json:"trigger_type"`
	Source           string                 `json:"source,omitempty"` // Alert or operator that raised the trigger
	FixAttempt       int                    `json:"fix_attempt"`
	EscalationReview bool                   `json:"escalation_review"` // Tagged for expedited human review (target is flapping)
	EscalationReason string                 `json:"escalation_reason,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	ResolvedAt       *time.Time             `json:"resolved_at,omitempty"`
	History          []Transition           `json:"history,omitempty"`
}

// Validate checks if the incident has valid field values
func (i *Incident) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("id is required")
	}
	if i.TargetID == "" {
		return fmt.Errorf("target_id is required")
	}
	if !i.State.IsValid() {
		return fmt.Errorf("invalid state: %s", i.State)
	}
	if i.Priority < 0 || i.Priority > 4 {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", i.Priority)
	}
	if !i.TriggerType.IsValid() {
		return fmt.Errorf("invalid trigger type: %s", i.TriggerType)
	}
	if i.FixAttempt < 0 {
		return fmt.Errorf("fix_attempt cannot be negative (got %d)", i.FixAttempt)
	}
	return nil
}

// IsResolved reports whether the incident reached a resting terminal state.
// An incident in ROLLBACK is only resolved once the rollback handler succeeded.
func (i *Incident) IsResolved() bool {
	return i.State.IsTerminal() && i.ResolvedAt != nil
}

// Clone returns a deep-enough copy for handing to phase handlers
func (i *Incident) Clone() *Incident {
	c := *i
	if i.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(i.Metadata))
		for k, v := range i.Metadata {
			c.Metadata[k] = v
		}
	}
	if i.History != nil {
		c.History = append([]Transition(nil), i.History...)
	}
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// MetadataJSON returns metadata serialized for storage
func (i *Incident) MetadataJSON() (string, error) {
	if len(i.Metadata) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(i.Metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal incident metadata: %w", err)
	}
	return string(data), nil
}

// Transition is one append-only entry in an incident's history
type Transition struct {
	ID         int64         `json:"id,omitempty"`
	IncidentID string        `json:"incident_id"`
	FromState  IncidentState `json:"from_state"`
	ToState    IncidentState `json:"to_state"`
	FixAttempt int           `json:"fix_attempt"`
	Reason     string        `json:"reason"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Validate checks the transition against the state machine
func (t *Transition) Validate() error {
	if t.IncidentID == "" {
		return fmt.Errorf("incident_id is required")
	}
	if !t.FromState.IsValid() {
		return fmt.Errorf("invalid from_state: %s", t.FromState)
	}
	if !t.ToState.IsValid() {
		return fmt.Errorf("invalid to_state: %s", t.ToState)
	}
	if !t.FromState.CanTransitionTo(t.ToState) {
		return fmt.Errorf("invalid state transition from %s to %s", t.FromState, t.ToState)
	}
	return nil
}

// TriggerType identifies what raised an incident
type TriggerType string

const (
	TriggerMonitoringAlert TriggerType = "monitoring_alert"
	TriggerManual          TriggerType = "manual"
	TriggerScheduled       TriggerType = "scheduled"
)

// IsValid checks if the trigger type value is valid
func (t TriggerType) IsValid() bool {
	switch t {
	case TriggerMonitoringAlert, TriggerManual, TriggerScheduled:
		return true
	}
	return false
}

// IncidentFilter is used to filter incident queries
type IncidentFilter struct {
	State    *IncidentState
	TargetID string
	Since    time.Time // Only incidents created at or after this time
	Active   bool      // Only incidents that have not been resolved
	Limit    int
}

// PhaseExecution records the outcome of one idempotency-keyed phase invocation.
// A recorded key lets a redelivered job reuse the outcome instead of re-running
// the phase against the target.
type PhaseExecution struct {
	IdempotencyKey string        `json:"idempotency_key"`
	IncidentID     string        `json:"incident_id"`
	State          IncidentState `json:"state"`
	FixAttempt     int           `json:"fix_attempt"`
	Success        bool          `json:"success"`
	FixHeld        bool          `json:"fix_held"`
	ErrorKind      string        `json:"error_kind,omitempty"` // "", "failed", "transient", "fatal", "circuit_open", "bounds_exceeded"
	Message        string        `json:"message,omitempty"`
	Data           string        `json:"data,omitempty"` // JSON
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    time.Time     `json:"completed_at"`
}

// Validate checks if the phase execution has valid field values
func (p *PhaseExecution) Validate() error {
	if p.IdempotencyKey == "" {
		return fmt.Errorf("idempotency_key is required")
	}
	if p.IncidentID == "" {
		return fmt.Errorf("incident_id is required")
	}
	if !p.State.IsValid() {
		return fmt.Errorf("invalid state: %s", p.State)
	}
	if p.Data != "" {
		var v interface{}
		if err := json.Unmarshal([]byte(p.Data), &v); err != nil {
			return fmt.Errorf("data must be valid JSON: %w", err)
		}
	}
	return nil
}
