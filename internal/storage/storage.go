// Package storage defines the persistence interface for incidents, the phase
// ledger, the job queue and the audit log.
package storage

import (
	"context"
	"time"

	"github.com/sitewarden/warden/internal/events"
	"github.com/sitewarden/warden/internal/storage/sqlite"
	"github.com/sitewarden/warden/internal/types"
)

// ErrStaleTransition is returned by CommitTransition when the incident is no
// longer in the transition's from-state
var ErrStaleTransition = sqlite.ErrStaleTransition

// Storage defines the interface for warden storage backends.
// Lookups return nil, nil when the record does not exist.
type Storage interface {
	// Incidents
	CreateIncident(ctx context.Context, incident *types.Incident) error
	FindIncident(ctx context.Context, id string) (*types.Incident, error)
	UpdateIncident(ctx context.Context, id string, updates map[string]interface{}) error
	AppendTransition(ctx context.Context, transition *types.Transition) error
	CommitTransition(ctx context.Context, transition *types.Transition, updates map[string]interface{}) error
	GetTransitions(ctx context.Context, incidentID string) ([]types.Transition, error)
	ListIncidents(ctx context.Context, filter types.IncidentFilter) ([]*types.Incident, error)
	ListActiveIncidents(ctx context.Context) ([]*types.Incident, error)

	// Phase ledger (idempotent phase outcomes)
	GetPhaseExecution(ctx context.Context, key string) (*types.PhaseExecution, error)
	RecordPhaseExecution(ctx context.Context, exec *types.PhaseExecution) (bool, error)

	// Jobs
	EnqueueJob(ctx context.Context, job *types.Job) (bool, error)
	GetJob(ctx context.Context, id string) (*types.Job, error)
	ClaimNextJob(ctx context.Context, workerID string, now time.Time) (*types.Job, error)
	CompleteJob(ctx context.Context, id string) error
	RetryJob(ctx context.Context, id string, notBefore time.Time, lastError string) error
	FailJob(ctx context.Context, id string, lastError string) error
	ReleaseStaleJobs(ctx context.Context, claimedBefore time.Time) (int, error)
	ReviveDeadJob(ctx context.Context, key string, notBefore time.Time) (bool, error)
	ListJobs(ctx context.Context, status types.JobStatus, limit int) ([]*types.Job, error)

	// Audit log
	StoreAuditEvent(ctx context.Context, event *events.AuditEvent) error
	GetAuditEvents(ctx context.Context, filter events.EventFilter) ([]*events.AuditEvent, error)

	// Lifecycle
	Close() error
}

// Config holds database configuration
type Config struct {
	// Path is the SQLite database file path
	// Default: ".warden/warden.db"
	Path string
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Path: DefaultPath,
	}
}

// NewStorage creates a new SQLite storage backend
func NewStorage(ctx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	return sqlite.New(ctx, cfg.Path)
}
