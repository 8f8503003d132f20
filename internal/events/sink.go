package events

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sitewarden/warden/internal/clock"
)

// NewAuditEvent creates an AuditEvent with a fresh id and the action's default severity.
// A "reason" or "message" string in details becomes the event message.
func NewAuditEvent(action Action, resourceType ResourceType, resourceID string, details map[string]interface{}, now time.Time) *AuditEvent {
	return &AuditEvent{
		ID:           uuid.New().String(),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Severity:     SeverityFor(action),
		Message:      messageFor(action, resourceID, details),
		Details:      details,
		Timestamp:    now,
	}
}

func messageFor(action Action, resourceID string, details map[string]interface{}) string {
	for _, key := range []string{"message", "reason"} {
		if s, ok := details[key].(string); ok && s != "" {
			return s
		}
	}
	return fmt.Sprintf("%s %s", action, resourceID)
}

// Recorder persists audit events. storage.Storage satisfies it.
type Recorder interface {
	StoreAuditEvent(ctx context.Context, event *AuditEvent) error
}

// StoreSink writes audit events through a Recorder.
type StoreSink struct {
	store Recorder
	clock clock.Clock
}

// NewStoreSink creates a sink backed by store
func NewStoreSink(store Recorder, clk clock.Clock) *StoreSink {
	return &StoreSink{store: store, clock: clock.OrReal(clk)}
}

// RecordEvent builds and stores one audit event
func (s *StoreSink) RecordEvent(ctx context.Context, action Action, resourceType ResourceType, resourceID string, details map[string]interface{}) error {
	event := NewAuditEvent(action, resourceType, resourceID, details, s.clock.Now())
	if err := s.store.StoreAuditEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to store audit event %s: %w", action, err)
	}
	return nil
}

// MemorySink keeps audit events in memory. Used by tests and ephemeral runs.
//
// Thread-safety: All methods are safe for concurrent use.
type MemorySink struct {
	mu     sync.Mutex
	clock  clock.Clock
	events []*AuditEvent
}

// NewMemorySink creates an empty in-memory sink
func NewMemorySink(clk clock.Clock) *MemorySink {
	return &MemorySink{clock: clock.OrReal(clk)}
}

// RecordEvent appends one audit event
func (m *MemorySink) RecordEvent(ctx context.Context, action Action, resourceType ResourceType, resourceID string, details map[string]interface{}) error {
	event := NewAuditEvent(action, resourceType, resourceID, details, m.clock.Now())
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns the events matching filter, oldest first
func (m *MemorySink) Events(filter EventFilter) []*AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*AuditEvent
	for _, e := range m.events {
		if Matches(e, filter) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// Count returns how many events with the given action were recorded
func (m *MemorySink) Count(action Action) int {
	return len(m.Events(EventFilter{Action: action}))
}

// Matches reports whether the event passes the filter
func Matches(e *AuditEvent, filter EventFilter) bool {
	if filter.ResourceType != "" && e.ResourceType != filter.ResourceType {
		return false
	}
	if filter.ResourceID != "" && e.ResourceID != filter.ResourceID {
		return false
	}
	if filter.Action != "" && e.Action != filter.Action {
		return false
	}
	if filter.MinSeverity != "" && SeverityRank(e.Severity) < SeverityRank(filter.MinSeverity) {
		return false
	}
	if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
		return false
	}
	return true
}
