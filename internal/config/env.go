package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ApplyEnv overrides c with WARDEN_* environment variables
//
// Environment variables:
//   - WARDEN_DB: Database path
//   - WARDEN_MAX_FIX_ATTEMPTS: Fix attempts before rollback (default: 15)
//   - WARDEN_PHASE_TIMEOUT: Timeout for one phase invocation (default: 5m)
//   - WARDEN_INCIDENT_COOLDOWN_WINDOW: Flapping window (default: 600s)
//   - WARDEN_MAX_INCIDENTS_PER_WINDOW: Incidents allowed per window (default: 3)
//   - WARDEN_ESCALATION_THRESHOLD: Incidents per window that trigger escalation review (default: 5)
//   - WARDEN_CIRCUIT_BREAKER_THRESHOLD: Failures before a circuit opens (default: 5)
//   - WARDEN_CIRCUIT_BREAKER_TIMEOUT: How long a circuit stays open (default: 300s)
//   - WARDEN_CIRCUIT_MONITORING_PERIOD: Failure counting window (default: 600s)
//   - WARDEN_QUEUE_CONCURRENCY: Concurrent job handlers (default: 4)
//   - WARDEN_QUEUE_MAX_ATTEMPTS: Deliveries before a job is dead-lettered (default: 5)
//   - WARDEN_QUEUE_POLL_INTERVAL: Idle poll interval (default: 500ms)
//   - WARDEN_PHASE_RETRY_BACKOFF: First retry delay for transient phase errors (default: 2s)
//   - WARDEN_PHASE_RETRY_MAX_BACKOFF: Retry delay cap (default: 30s)
//   - WARDEN_TRIGGER_RATE: Triggers admitted per second (default: 10)
//   - WARDEN_TRIGGER_BURST: Trigger burst size (default: 20)
//   - WARDEN_SWEEP_INTERVAL: Background sweep interval (default: 1m)
//   - WARDEN_STALE_LOOP_AGE: Inactivity before a loop is force-terminated (default: 24h)
//
// Durations accept Go syntax ("90s", "5m") or a bare number of seconds.
// Returns an error if any environment variable has an invalid value.
func (c *Config) ApplyEnv() error {
	if err := parseEnvString("WARDEN_DB", &c.DBPath); err != nil {
		return err
	}
	if err := parseEnvInt("WARDEN_MAX_FIX_ATTEMPTS", &c.MaxFixAttempts); err != nil {
		return err
	}
	if err := parseEnvDuration("WARDEN_PHASE_TIMEOUT", &c.PhaseTimeout); err != nil {
		return err
	}
	if err := parseEnvDuration("WARDEN_INCIDENT_COOLDOWN_WINDOW", &c.Flapping.CooldownWindow); err != nil {
		return err
	}
	if err := parseEnvInt("WARDEN_MAX_INCIDENTS_PER_WINDOW", &c.Flapping.MaxIncidentsPerWindow); err != nil {
		return err
	}
	if err := parseEnvInt("WARDEN_ESCALATION_THRESHOLD", &c.Flapping.EscalationThreshold); err != nil {
		return err
	}
	if err := parseEnvInt("WARDEN_CIRCUIT_BREAKER_THRESHOLD", &c.Circuit.FailureThreshold); err != nil {
		return err
	}
	if err := parseEnvDuration("WARDEN_CIRCUIT_BREAKER_TIMEOUT", &c.Circuit.RecoveryTimeout); err != nil {
		return err
	}
	if err := parseEnvDuration("WARDEN_CIRCUIT_MONITORING_PERIOD", &c.Circuit.MonitoringPeriod); err != nil {
		return err
	}
	if err := parseEnvInt("WARDEN_QUEUE_CONCURRENCY", &c.Queue.Concurrency); err != nil {
		return err
	}
	if err := parseEnvInt("WARDEN_QUEUE_MAX_ATTEMPTS", &c.Queue.MaxAttempts); err != nil {
		return err
	}
	if err := parseEnvDuration("WARDEN_QUEUE_POLL_INTERVAL", &c.Queue.PollInterval); err != nil {
		return err
	}
	if err := parseEnvDuration("WARDEN_PHASE_RETRY_BACKOFF", &c.Queue.InitialBackoff); err != nil {
		return err
	}
	if err := parseEnvDuration("WARDEN_PHASE_RETRY_MAX_BACKOFF", &c.Queue.MaxBackoff); err != nil {
		return err
	}
	if err := parseEnvFloat("WARDEN_TRIGGER_RATE", &c.Trigger.Rate); err != nil {
		return err
	}
	if err := parseEnvInt("WARDEN_TRIGGER_BURST", &c.Trigger.Burst); err != nil {
		return err
	}
	if err := parseEnvDuration("WARDEN_SWEEP_INTERVAL", &c.Sweep.Interval); err != nil {
		return err
	}
	if err := parseEnvDuration("WARDEN_STALE_LOOP_AGE", &c.Sweep.StaleLoopAge); err != nil {
		return err
	}
	return nil
}

// FromEnv creates a Config from defaults and environment variables
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration from environment: %w", err)
	}
	return cfg, nil
}

// parseEnvInt parses an int from an environment variable
func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvFloat parses a float from an environment variable
func parseEnvFloat(key string, dest *float64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvDuration parses a duration from an environment variable. A bare
// integer is read as seconds.
func parseEnvDuration(key string, dest *time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		*dest = time.Duration(secs) * time.Second
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvString parses a string from an environment variable
func parseEnvString(key string, dest *string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	*dest = value
	return nil
}
