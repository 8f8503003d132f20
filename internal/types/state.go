package types

// IncidentState represents a phase of the incident workflow
type IncidentState string

const (
	StateNew           IncidentState = "NEW"           // Initial state, nothing has run yet
	StateDiscovery     IncidentState = "DISCOVERY"     // Inspecting the target
	StateBaseline      IncidentState = "BASELINE"      // Capturing the pre-fix baseline
	StateBackup        IncidentState = "BACKUP"        // Taking a restorable backup
	StateObservability IncidentState = "OBSERVABILITY" // Enabling evidence capture
	StateFixAttempt    IncidentState = "FIX_ATTEMPT"   // Applying fix attempt N
	StateVerify        IncidentState = "VERIFY"        // Checking whether the fix held
	StateFixed         IncidentState = "FIXED"         // Terminal: fix verified
	StateRollback      IncidentState = "ROLLBACK"      // Terminal once the backup is restored
	StateEscalated     IncidentState = "ESCALATED"     // Terminal: handed to a human
)

// AllStates lists every state in workflow order
var AllStates = []IncidentState{
	StateNew, StateDiscovery, StateBaseline, StateBackup, StateObservability,
	StateFixAttempt, StateVerify, StateFixed, StateRollback, StateEscalated,
}

// IsValid checks if the incident state value is valid
func (s IncidentState) IsValid() bool {
	switch s {
	case StateNew, StateDiscovery, StateBaseline, StateBackup, StateObservability,
		StateFixAttempt, StateVerify, StateFixed, StateRollback, StateEscalated:
		return true
	}
	return false
}

// IsTerminal reports whether no forward phase follows this state
func (s IncidentState) IsTerminal() bool {
	switch s {
	case StateFixed, StateRollback, StateEscalated:
		return true
	}
	return false
}

// IsPreFix reports whether the state runs before any change is made to the target.
// Failures here escalate because there is no backup to roll back to yet.
func (s IncidentState) IsPreFix() bool {
	switch s {
	case StateDiscovery, StateBaseline, StateBackup, StateObservability:
		return true
	}
	return false
}

// Next returns the state reached when the current phase succeeds
func (s IncidentState) Next() (IncidentState, bool) {
	switch s {
	case StateNew:
		return StateDiscovery, true
	case StateDiscovery:
		return StateBaseline, true
	case StateBaseline:
		return StateBackup, true
	case StateBackup:
		return StateObservability, true
	case StateObservability:
		return StateFixAttempt, true
	case StateFixAttempt:
		return StateVerify, true
	case StateVerify:
		return StateFixed, true
	}
	return "", false
}

// ValidTransitions defines the valid state transitions for the incident state machine.
//
// State Machine Diagram:
//
//	NEW → DISCOVERY → BASELINE → BACKUP → OBSERVABILITY → FIX_ATTEMPT(n) → VERIFY → FIXED
//	                                                          ↑    ↓  ↺       ↓
//	                                                          └────┼──────────┘
//	                                                               ↓
//	                                                           ROLLBACK → ESCALATED
//
// Valid transitions:
//   - each non-terminal phase → its forward successor on success
//   - FIX_ATTEMPT → FIX_ATTEMPT (attempt n+1), ROLLBACK (attempts exhausted)
//   - VERIFY → FIX_ATTEMPT (fix did not hold), ROLLBACK (attempts exhausted)
//   - ROLLBACK → ESCALATED (rollback failed)
//   - any non-terminal state → ESCALATED (non-recoverable error)
func (s IncidentState) ValidTransitions() []IncidentState {
	switch s {
	case StateNew:
		return []IncidentState{StateDiscovery, StateEscalated}
	case StateDiscovery:
		return []IncidentState{StateBaseline, StateEscalated}
	case StateBaseline:
		return []IncidentState{StateBackup, StateEscalated}
	case StateBackup:
		return []IncidentState{StateObservability, StateEscalated}
	case StateObservability:
		return []IncidentState{StateFixAttempt, StateEscalated}
	case StateFixAttempt:
		return []IncidentState{StateVerify, StateFixAttempt, StateRollback, StateEscalated}
	case StateVerify:
		return []IncidentState{StateFixed, StateFixAttempt, StateRollback, StateEscalated}
	case StateRollback:
		return []IncidentState{StateEscalated}
	case StateFixed, StateEscalated:
		return []IncidentState{} // Terminal state
	default:
		return []IncidentState{}
	}
}

// CanTransitionTo checks if a transition from this state to the target state is valid
func (s IncidentState) CanTransitionTo(target IncidentState) bool {
	for _, valid := range s.ValidTransitions() {
		if valid == target {
			return true
		}
	}
	return false
}

// LoopType returns the bounded-loop type that governs repeated work in this state
func (s IncidentState) LoopType() string {
	switch s {
	case StateDiscovery:
		return "discovery"
	case StateBaseline:
		return "baseline"
	case StateBackup:
		return "backup"
	case StateObservability:
		return "observability"
	case StateFixAttempt:
		return "fix-attempt"
	case StateVerify:
		return "verification"
	case StateRollback:
		return "rollback"
	}
	return ""
}
