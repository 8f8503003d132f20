package sqlite

import "github.com/sitewarden/warden/internal/storage/migrations"

const schemaV1 = `
-- Incidents table
CREATE TABLE IF NOT EXISTS incidents (
    id TEXT PRIMARY KEY,
    target_id TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT 'NEW',
    priority INTEGER NOT NULL DEFAULT 2 CHECK(priority >= 0 AND priority <= 4),
    trigger_type TEXT NOT NULL,
    source TEXT NOT NULL DEFAULT '',
    fix_attempt INTEGER NOT NULL DEFAULT 0 CHECK(fix_attempt >= 0),
    escalation_review INTEGER NOT NULL DEFAULT 0,
    escalation_reason TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    resolved_at DATETIME
);

-- Append-only state history
CREATE TABLE IF NOT EXISTS incident_transitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    incident_id TEXT NOT NULL,
    from_state TEXT NOT NULL,
    to_state TEXT NOT NULL,
    fix_attempt INTEGER NOT NULL DEFAULT 0,
    reason TEXT NOT NULL DEFAULT '',
    timestamp DATETIME NOT NULL,
    FOREIGN KEY (incident_id) REFERENCES incidents(id) ON DELETE CASCADE
);

-- Phase ledger: one row per idempotency-keyed phase invocation
CREATE TABLE IF NOT EXISTS phase_executions (
    idempotency_key TEXT PRIMARY KEY,
    incident_id TEXT NOT NULL,
    state TEXT NOT NULL,
    fix_attempt INTEGER NOT NULL DEFAULT 0,
    success INTEGER NOT NULL DEFAULT 0,
    fix_held INTEGER NOT NULL DEFAULT 0,
    error_kind TEXT NOT NULL DEFAULT '',
    message TEXT NOT NULL DEFAULT '',
    data TEXT NOT NULL DEFAULT '',
    started_at DATETIME NOT NULL,
    completed_at DATETIME NOT NULL,
    FOREIGN KEY (incident_id) REFERENCES incidents(id) ON DELETE CASCADE
);

-- Work queue
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '{}',
    idempotency_key TEXT NOT NULL UNIQUE,
    status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'running', 'done', 'dead')),
    attempts INTEGER NOT NULL DEFAULT 0,
    not_before DATETIME NOT NULL,
    claimed_by TEXT,
    claimed_at DATETIME,
    last_error TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

-- Audit log
CREATE TABLE IF NOT EXISTS audit_events (
    id TEXT PRIMARY KEY,
    action TEXT NOT NULL,
    resource_type TEXT NOT NULL,
    resource_id TEXT NOT NULL DEFAULT '',
    severity TEXT NOT NULL CHECK(severity IN ('info', 'warning', 'error', 'critical')),
    message TEXT NOT NULL DEFAULT '',
    details TEXT NOT NULL DEFAULT '{}',
    timestamp DATETIME NOT NULL
);
`

const schemaV2Indexes = `
CREATE INDEX IF NOT EXISTS idx_incidents_target ON incidents(target_id, created_at);
CREATE INDEX IF NOT EXISTS idx_incidents_state ON incidents(state);
CREATE INDEX IF NOT EXISTS idx_incidents_resolved ON incidents(resolved_at);
CREATE INDEX IF NOT EXISTS idx_transitions_incident ON incident_transitions(incident_id, id);
CREATE INDEX IF NOT EXISTS idx_phase_executions_incident ON phase_executions(incident_id);
CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(status, not_before);
CREATE INDEX IF NOT EXISTS idx_audit_resource ON audit_events(resource_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_events(action, timestamp);
`

// schemaMigrations lists every schema version in order
func schemaMigrations() *migrations.Manager {
	return migrations.NewManager(
		migrations.Migration{
			Version:     1,
			Description: "incidents, transitions, phase ledger, jobs, audit log",
			Up:          schemaV1,
			Down: `
				DROP TABLE IF EXISTS audit_events;
				DROP TABLE IF EXISTS jobs;
				DROP TABLE IF EXISTS phase_executions;
				DROP TABLE IF EXISTS incident_transitions;
				DROP TABLE IF EXISTS incidents;
			`,
		},
		migrations.Migration{
			Version:     2,
			Description: "query indexes",
			Up:          schemaV2Indexes,
			Down: `
				DROP INDEX IF EXISTS idx_incidents_target;
				DROP INDEX IF EXISTS idx_incidents_state;
				DROP INDEX IF EXISTS idx_incidents_resolved;
				DROP INDEX IF EXISTS idx_transitions_incident;
				DROP INDEX IF EXISTS idx_phase_executions_incident;
				DROP INDEX IF EXISTS idx_jobs_ready;
				DROP INDEX IF EXISTS idx_audit_resource;
				DROP INDEX IF EXISTS idx_audit_action;
			`,
		},
	)
}
