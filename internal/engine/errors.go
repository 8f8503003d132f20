package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/sitewarden/warden/internal/circuit"
	"github.com/sitewarden/warden/internal/loopguard"
	"github.com/sitewarden/warden/internal/types"
)

var (
	// ErrTriggerRateLimited is returned when the admission limiter refuses a trigger
	ErrTriggerRateLimited = errors.New("trigger rate limit exceeded")
	// ErrInvalidTrigger wraps trigger validation failures
	ErrInvalidTrigger = errors.New("invalid trigger")
	// ErrIncidentBusy is returned when another worker is already stepping the incident
	ErrIncidentBusy = errors.New("incident is already being processed")
	// ErrIncidentNotFound is returned when a job references an unknown incident
	ErrIncidentNotFound = errors.New("incident not found")
)

// ErrorKind classifies phase handler errors
type ErrorKind string

const (
	// KindTransient errors are retried inside the phase's bounded loop
	KindTransient ErrorKind = "transient"
	// KindFatal errors end the phase immediately (ROLLBACK or ESCALATED)
	KindFatal ErrorKind = "fatal"
)

// PhaseError is the typed error a phase handler returns. Errors that are not
// a *PhaseError are treated as transient.
type PhaseError struct {
	Phase     types.IncidentState
	Kind      ErrorKind
	Retryable bool
	Err       error
}

func (e *PhaseError) Error() string {
	if e.Phase == "" {
		return fmt.Sprintf("%s phase error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s error: %v", e.Phase, e.Kind, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether the error must not be retried
func (e *PhaseError) IsFatal() bool {
	return e.Kind == KindFatal || !e.Retryable
}

// NewTransientError wraps err as a retryable phase error
func NewTransientError(phase types.IncidentState, err error) *PhaseError {
	return &PhaseError{Phase: phase, Kind: KindTransient, Retryable: true, Err: err}
}

// NewFatalError wraps err as a non-retryable phase error
func NewFatalError(phase types.IncidentState, err error) *PhaseError {
	return &PhaseError{Phase: phase, Kind: KindFatal, Retryable: false, Err: err}
}

// CircuitOpenError reports a phase skipped because its target's circuit is open.
// It counts as a phase failure but not as a new circuit failure.
type CircuitOpenError struct {
	CircuitID   string
	NextAttempt time.Time
}

func (e *CircuitOpenError) Error() string {
	if e.NextAttempt.IsZero() {
		return fmt.Sprintf("circuit open: %s", e.CircuitID)
	}
	return fmt.Sprintf("circuit open: %s (retry at %s)", e.CircuitID, e.NextAttempt.Format(time.RFC3339))
}

func (e *CircuitOpenError) Unwrap() error {
	return circuit.ErrCircuitOpen
}

// FlappingBlockedError reports a trigger refused because the target is flapping.
// No incident is created.
type FlappingBlockedError struct {
	TargetID      string
	Reason        string
	IncidentCount int
}

func (e *FlappingBlockedError) Error() string {
	return fmt.Sprintf("trigger for %s rejected: %s", e.TargetID, e.Reason)
}

// BoundsExceededError reports a phase loop that hit one of its caps
type BoundsExceededError struct {
	LoopID    string
	BoundType loopguard.BoundType
	Reason    string
}

func (e *BoundsExceededError) Error() string {
	return fmt.Sprintf("loop %s exceeded %s bound: %s", e.LoopID, e.BoundType, e.Reason)
}

// IsTransient reports whether err is a retryable phase error
func IsTransient(err error) bool {
	var pe *PhaseError
	return errors.As(err, &pe) && !pe.IsFatal()
}

// IsFatal reports whether err is a non-retryable phase error
func IsFatal(err error) bool {
	var pe *PhaseError
	return errors.As(err, &pe) && pe.IsFatal()
}
