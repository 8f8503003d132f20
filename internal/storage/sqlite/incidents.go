package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sitewarden/warden/internal/types"
)

const incidentColumns = `id, target_id, state, priority, trigger_type, source, fix_attempt,
	escalation_review, escalation_reason, metadata, created_at, updated_at, resolved_at`

// CreateIncident inserts a new incident
func (s *SQLiteStorage) CreateIncident(ctx context.Context, incident *types.Incident) error {
	now := time.Now().UTC()
	if incident.CreatedAt.IsZero() {
		incident.CreatedAt = now
	}
	if incident.UpdatedAt.IsZero() {
		incident.UpdatedAt = incident.CreatedAt
	}
	if err := incident.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	metadata, err := incident.MetadataJSON()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO incidents (`+incidentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		incident.ID, incident.TargetID, incident.State, incident.Priority, incident.TriggerType,
		incident.Source, incident.FixAttempt, boolToInt(incident.EscalationReview),
		incident.EscalationReason, metadata, utc(incident.CreatedAt), utc(incident.UpdatedAt),
		nullTime(incident.ResolvedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("incident %s already exists", incident.ID)
		}
		return fmt.Errorf("failed to insert incident: %w", err)
	}
	return nil
}

// FindIncident retrieves an incident and its history by ID
func (s *SQLiteStorage) FindIncident(ctx context.Context, id string) (*types.Incident, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, id)
	incident, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}

	history, err := s.GetTransitions(ctx, id)
	if err != nil {
		return nil, err
	}
	incident.History = history
	return incident, nil
}

// Allowed fields for update to prevent SQL injection
var allowedUpdateFields = map[string]bool{
	"state":             true,
	"priority":          true,
	"source":            true,
	"fix_attempt":       true,
	"escalation_review": true,
	"escalation_reason": true,
	"metadata":          true,
	"resolved_at":       true,
	"updated_at":        true,
}

// UpdateIncident updates fields on an incident. The state field bypasses the
// transition history, so engine code goes through CommitTransition instead.
func (s *SQLiteStorage) UpdateIncident(ctx context.Context, id string, updates map[string]interface{}) error {
	setClauses, args, err := buildIncidentUpdate(updates)
	if err != nil {
		return err
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE incidents SET %s WHERE id = ?", strings.Join(setClauses, ", "))
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update incident: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("incident %s not found", id)
	}
	return nil
}

// buildIncidentUpdate validates updates and returns SET clauses in a stable order
func buildIncidentUpdate(updates map[string]interface{}) ([]string, []interface{}, error) {
	keys := make([]string, 0, len(updates))
	for key := range updates {
		if !allowedUpdateFields[key] {
			return nil, nil, fmt.Errorf("invalid field for update: %s", key)
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var setClauses []string
	var args []interface{}
	if _, ok := updates["updated_at"]; !ok {
		setClauses = append(setClauses, "updated_at = ?")
		args = append(args, time.Now().UTC())
	}

	for _, key := range keys {
		value, err := normalizeIncidentValue(key, updates[key])
		if err != nil {
			return nil, nil, err
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = ?", key))
		args = append(args, value)
	}
	return setClauses, args, nil
}

// normalizeIncidentValue validates a single update and converts it to its column form
func normalizeIncidentValue(key string, value interface{}) (interface{}, error) {
	switch key {
	case "state":
		var state types.IncidentState
		switch v := value.(type) {
		case types.IncidentState:
			state = v
		case string:
			state = types.IncidentState(v)
		default:
			return nil, fmt.Errorf("state must be a string (got %T)", value)
		}
		if !state.IsValid() {
			return nil, fmt.Errorf("invalid state: %s", state)
		}
		return string(state), nil
	case "priority":
		if priority, ok := value.(int); ok && (priority < 0 || priority > 4) {
			return nil, fmt.Errorf("priority must be between 0 and 4 (got %d)", priority)
		}
	case "fix_attempt":
		if attempt, ok := value.(int); ok && attempt < 0 {
			return nil, fmt.Errorf("fix_attempt cannot be negative (got %d)", attempt)
		}
	case "escalation_review":
		if b, ok := value.(bool); ok {
			return boolToInt(b), nil
		}
	case "metadata":
		switch v := value.(type) {
		case string:
			return v, nil
		case nil:
			return "{}", nil
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal metadata: %w", err)
			}
			return string(data), nil
		}
	case "resolved_at", "updated_at":
		switch v := value.(type) {
		case time.Time:
			return utc(v), nil
		case *time.Time:
			return nullTime(v), nil
		case nil:
			return nil, nil
		default:
			return nil, fmt.Errorf("%s must be a time (got %T)", key, value)
		}
	}
	return value, nil
}

// AppendTransition records a history entry without touching the incident row
func (s *SQLiteStorage) AppendTransition(ctx context.Context, transition *types.Transition) error {
	if err := transition.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if transition.Timestamp.IsZero() {
		transition.Timestamp = time.Now().UTC()
	}
	return insertTransition(ctx, s.db, transition)
}

// CommitTransition atomically moves an incident from transition.FromState to
// transition.ToState, applies updates and appends the history entry. It
// returns ErrStaleTransition if the incident is no longer in FromState.
func (s *SQLiteStorage) CommitTransition(ctx context.Context, transition *types.Transition, updates map[string]interface{}) error {
	if err := transition.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if transition.Timestamp.IsZero() {
		transition.Timestamp = time.Now().UTC()
	}

	merged := make(map[string]interface{}, len(updates)+2)
	for k, v := range updates {
		merged[k] = v
	}
	merged["state"] = transition.ToState
	if _, ok := merged["updated_at"]; !ok {
		merged["updated_at"] = transition.Timestamp
	}

	setClauses, args, err := buildIncidentUpdate(merged)
	if err != nil {
		return err
	}
	args = append(args, transition.IncidentID, transition.FromState)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf("UPDATE incidents SET %s WHERE id = ? AND state = ?", strings.Join(setClauses, ", "))
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update incident state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s is not in state %s", ErrStaleTransition, transition.IncidentID, transition.FromState)
	}

	if err := insertTransition(ctx, tx, transition); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertTransition(ctx context.Context, db execer, t *types.Transition) error {
	result, err := db.ExecContext(ctx, `
		INSERT INTO incident_transitions (incident_id, from_state, to_state, fix_attempt, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.IncidentID, t.FromState, t.ToState, t.FixAttempt, t.Reason, utc(t.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		t.ID = id
	}
	return nil
}

// GetTransitions returns an incident's history, oldest first
func (s *SQLiteStorage) GetTransitions(ctx context.Context, incidentID string) ([]types.Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, incident_id, from_state, to_state, fix_attempt, reason, timestamp
		FROM incident_transitions
		WHERE incident_id = ?
		ORDER BY id ASC
	`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transitions: %w", err)
	}
	defer rows.Close()

	var history []types.Transition
	for rows.Next() {
		var t types.Transition
		if err := rows.Scan(&t.ID, &t.IncidentID, &t.FromState, &t.ToState, &t.FixAttempt, &t.Reason, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		history = append(history, t)
	}
	return history, rows.Err()
}

// ListIncidents returns incidents matching the filter, newest first
func (s *SQLiteStorage) ListIncidents(ctx context.Context, filter types.IncidentFilter) ([]*types.Incident, error) {
	var where []string
	var args []interface{}

	if filter.State != nil {
		where = append(where, "state = ?")
		args = append(args, *filter.State)
	}
	if filter.TargetID != "" {
		where = append(where, "target_id = ?")
		args = append(args, filter.TargetID)
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, utc(filter.Since))
	}
	if filter.Active {
		where = append(where, "resolved_at IS NULL")
	}

	query := `SELECT ` + incidentColumns + ` FROM incidents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	return s.queryIncidents(ctx, query, args...)
}

// ListActiveIncidents returns unresolved incidents, oldest first, so a
// restarted engine resumes them in arrival order
func (s *SQLiteStorage) ListActiveIncidents(ctx context.Context) ([]*types.Incident, error) {
	return s.queryIncidents(ctx, `
		SELECT `+incidentColumns+`
		FROM incidents
		WHERE resolved_at IS NULL
		ORDER BY created_at ASC, id ASC
	`)
}

func (s *SQLiteStorage) queryIncidents(ctx context.Context, query string, args ...interface{}) ([]*types.Incident, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var incidents []*types.Incident
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, incident)
	}
	return incidents, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIncident(row rowScanner) (*types.Incident, error) {
	var incident types.Incident
	var escalation int
	var metadata string
	var resolvedAt sql.NullTime

	err := row.Scan(
		&incident.ID, &incident.TargetID, &incident.State, &incident.Priority,
		&incident.TriggerType, &incident.Source, &incident.FixAttempt,
		&escalation, &incident.EscalationReason, &metadata,
		&incident.CreatedAt, &incident.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	incident.EscalationReview = escalation != 0
	if resolvedAt.Valid {
		t := resolvedAt.Time
		incident.ResolvedAt = &t
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &incident.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for %s: %w", incident.ID, err)
		}
	}
	return &incident, nil
}
