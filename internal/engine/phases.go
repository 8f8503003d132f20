package engine

import (
	"context"
	"fmt"

	"github.com/sitewarden/warden/internal/types"
)

// IncidentContext is what a phase handler sees. Incident is a copy; handlers
// must not expect their changes to it to be persisted.
type IncidentContext struct {
	Incident       *types.Incident
	State          types.IncidentState
	FixAttempt     int
	IdempotencyKey string
	// Retries is the number of transient failures already recorded in this phase
	Retries int
}

// PhaseResult is a handler's verdict on its phase
type PhaseResult struct {
	Success bool
	// FixHeld is set by VERIFY handlers that saw the target recover even though
	// the verification itself reported a failure
	FixHeld bool
	Message string
	Data    map[string]interface{}
}

// Succeeded returns a successful result
func Succeeded(format string, args ...interface{}) *PhaseResult {
	return &PhaseResult{Success: true, Message: fmt.Sprintf(format, args...)}
}

// Failed returns a failed result
func Failed(format string, args ...interface{}) *PhaseResult {
	return &PhaseResult{Success: false, Message: fmt.Sprintf(format, args...)}
}

// PhaseHandler runs one phase against a target. It returns a result, or a
// *PhaseError (see NewTransientError and NewFatalError) when it could not
// reach a verdict.
type PhaseHandler interface {
	Execute(ctx context.Context, ic *IncidentContext) (*PhaseResult, error)
}

// PhaseHandlerFunc adapts a function to PhaseHandler
type PhaseHandlerFunc func(ctx context.Context, ic *IncidentContext) (*PhaseResult, error)

// Execute calls f
func (f PhaseHandlerFunc) Execute(ctx context.Context, ic *IncidentContext) (*PhaseResult, error) {
	return f(ctx, ic)
}

// HandledStates lists the states that need a registered handler
var HandledStates = []types.IncidentState{
	types.StateDiscovery,
	types.StateBaseline,
	types.StateBackup,
	types.StateObservability,
	types.StateFixAttempt,
	types.StateVerify,
	types.StateRollback,
}

func validateHandlers(handlers map[types.IncidentState]PhaseHandler) error {
	for _, state := range HandledStates {
		if handlers[state] == nil {
			return fmt.Errorf("no phase handler registered for %s", state)
		}
	}
	return nil
}
