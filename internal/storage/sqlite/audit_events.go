package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sitewarden/warden/internal/events"
)

// StoreAuditEvent appends an event to the audit log
func (s *SQLiteStorage) StoreAuditEvent(ctx context.Context, event *events.AuditEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if event.Severity == "" {
		event.Severity = events.SeverityFor(event.Action)
	}

	details := "{}"
	if len(event.Details) > 0 {
		data, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal event details: %w", err)
		}
		details = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, action, resource_type, resource_id, severity, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.Action, event.ResourceType, event.ResourceID, event.Severity,
		event.Message, details, utc(event.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to store audit event: %w", err)
	}
	return nil
}

// GetAuditEvents returns events matching the filter in chronological order.
// With a limit, the most recent matching events are returned.
func (s *SQLiteStorage) GetAuditEvents(ctx context.Context, filter events.EventFilter) ([]*events.AuditEvent, error) {
	var where []string
	var args []interface{}

	if filter.ResourceType != "" {
		where = append(where, "resource_type = ?")
		args = append(args, filter.ResourceType)
	}
	if filter.ResourceID != "" {
		where = append(where, "resource_id = ?")
		args = append(args, filter.ResourceID)
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.MinSeverity != "" {
		var allowed []string
		for _, sev := range []events.EventSeverity{events.SeverityInfo, events.SeverityWarning, events.SeverityError, events.SeverityCritical} {
			if events.SeverityRank(sev) >= events.SeverityRank(filter.MinSeverity) {
				allowed = append(allowed, "?")
				args = append(args, sev)
			}
		}
		where = append(where, "severity IN ("+strings.Join(allowed, ", ")+")")
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, utc(filter.Since))
	}

	query := `SELECT id, action, resource_type, resource_id, severity, message, details, timestamp FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, rowid DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var result []*events.AuditEvent
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit events: %w", err)
	}

	// Newest first from the query; callers read the log forwards
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}

func scanAuditEvent(rows *sql.Rows) (*events.AuditEvent, error) {
	var e events.AuditEvent
	var details string
	if err := rows.Scan(&e.ID, &e.Action, &e.ResourceType, &e.ResourceID, &e.Severity, &e.Message, &details, &e.Timestamp); err != nil {
		return nil, fmt.Errorf("failed to scan audit event: %w", err)
	}
	if details != "" && details != "{}" {
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("failed to decode details for event %s: %w", e.ID, err)
		}
	}
	return &e, nil
}
