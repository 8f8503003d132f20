package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sitewarden/warden/internal/types"
)

// GetPhaseExecution looks up a recorded phase outcome by idempotency key
func (s *SQLiteStorage) GetPhaseExecution(ctx context.Context, key string) (*types.PhaseExecution, error) {
	var exec types.PhaseExecution
	var success, fixHeld int

	err := s.db.QueryRowContext(ctx, `
		SELECT idempotency_key, incident_id, state, fix_attempt, success, fix_held,
		       error_kind, message, data, started_at, completed_at
		FROM phase_executions
		WHERE idempotency_key = ?
	`, key).Scan(
		&exec.IdempotencyKey, &exec.IncidentID, &exec.State, &exec.FixAttempt,
		&success, &fixHeld, &exec.ErrorKind, &exec.Message, &exec.Data,
		&exec.StartedAt, &exec.CompletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get phase execution: %w", err)
	}

	exec.Success = success != 0
	exec.FixHeld = fixHeld != 0
	return &exec, nil
}

// RecordPhaseExecution stores a phase outcome. The first record for a key
// wins; it returns false if the key was already recorded.
func (s *SQLiteStorage) RecordPhaseExecution(ctx context.Context, exec *types.PhaseExecution) (bool, error) {
	if err := exec.Validate(); err != nil {
		return false, fmt.Errorf("validation failed: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO phase_executions (
			idempotency_key, incident_id, state, fix_attempt, success, fix_held,
			error_kind, message, data, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		exec.IdempotencyKey, exec.IncidentID, exec.State, exec.FixAttempt,
		boolToInt(exec.Success), boolToInt(exec.FixHeld), exec.ErrorKind,
		exec.Message, exec.Data, utc(exec.StartedAt), utc(exec.CompletedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to record phase execution: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}
