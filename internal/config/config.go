// Package config holds warden's runtime configuration: defaults, a YAML file
// overlay and WARDEN_* environment overrides, applied in that order.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sitewarden/warden/internal/circuit"
	"github.com/sitewarden/warden/internal/flapping"
	"github.com/sitewarden/warden/internal/loopguard"
	"github.com/sitewarden/warden/internal/queue"
)

// Config is the complete engine configuration
type Config struct {
	// DBPath is the SQLite database path (empty = storage default)
	DBPath string `yaml:"db"`

	// MaxFixAttempts is how many fix attempts an incident gets before rollback
	// Default: 15, Range: 1-100
	MaxFixAttempts int `yaml:"max_fix_attempts"`

	// PhaseTimeout bounds a single phase handler invocation
	// Default: 5m
	PhaseTimeout time.Duration `yaml:"phase_timeout"`

	// Circuit holds the default per-target circuit breaker thresholds
	Circuit circuit.Config `yaml:"circuit"`

	// Flapping holds the default per-target flapping thresholds
	Flapping flapping.Config `yaml:"flapping"`

	// Queue holds job delivery settings. InitialBackoff and MaxBackoff also
	// pace the retries of transient phase errors.
	Queue queue.Config `yaml:"queue"`

	// Trigger limits how fast new triggers are admitted across all targets
	Trigger TriggerConfig `yaml:"trigger"`

	// Sweep configures the background maintenance ticker
	Sweep SweepConfig `yaml:"sweep"`

	// LoopBounds overrides the built-in bounds per loop type
	LoopBounds map[string]loopguard.Bounds `yaml:"loop_bounds"`

	// Targets holds per-target settings keyed by target id
	Targets map[string]TargetConfig `yaml:"targets"`
}

// TriggerConfig configures the admission rate limiter
type TriggerConfig struct {
	// Rate is the sustained number of triggers admitted per second
	// Default: 10
	Rate float64 `yaml:"rate"`
	// Burst is the number of triggers admitted at once
	// Default: 20
	Burst int `yaml:"burst"`
}

// SweepConfig configures the background sweeper
type SweepConfig struct {
	// Interval between sweeps
	// Default: 1m
	Interval time.Duration `yaml:"interval"`
	// StaleLoopAge is the inactivity after which a loop is force-terminated
	// Default: 24h
	StaleLoopAge time.Duration `yaml:"stale_loop_age"`
}

// TargetConfig overrides settings for one target. Zero fields inherit the
// global value.
type TargetConfig struct {
	// URL is probed by the HTTP check phases
	URL string `yaml:"url"`
	// Flapping overrides the global flapping thresholds
	Flapping *flapping.Config `yaml:"flapping,omitempty"`
	// Circuit overrides the global circuit thresholds
	Circuit *circuit.Config `yaml:"circuit,omitempty"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		MaxFixAttempts: 15,
		PhaseTimeout:   5 * time.Minute,
		Circuit:        circuit.DefaultConfig(),
		Flapping:       flapping.DefaultConfig(),
		Queue:          queue.DefaultConfig(),
		Trigger: TriggerConfig{
			Rate:  10,
			Burst: 20,
		},
		Sweep: SweepConfig{
			Interval:     time.Minute,
			StaleLoopAge: 24 * time.Hour,
		},
	}
}

// Validate checks if the configuration has valid values
func (c *Config) Validate() error {
	if c.MaxFixAttempts < 1 || c.MaxFixAttempts > 100 {
		return fmt.Errorf("max_fix_attempts must be between 1 and 100 (got %d)", c.MaxFixAttempts)
	}
	if c.PhaseTimeout <= 0 {
		return fmt.Errorf("phase_timeout must be positive (got %v)", c.PhaseTimeout)
	}
	if err := c.Circuit.Validate(); err != nil {
		return fmt.Errorf("circuit: %w", err)
	}
	if err := c.Flapping.Validate(); err != nil {
		return fmt.Errorf("flapping: %w", err)
	}
	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if c.Trigger.Rate <= 0 {
		return fmt.Errorf("trigger rate must be positive (got %v)", c.Trigger.Rate)
	}
	if c.Trigger.Burst < 1 {
		return fmt.Errorf("trigger burst must be at least 1 (got %d)", c.Trigger.Burst)
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep interval must be positive (got %v)", c.Sweep.Interval)
	}
	if c.Sweep.StaleLoopAge <= 0 {
		return fmt.Errorf("stale_loop_age must be positive (got %v)", c.Sweep.StaleLoopAge)
	}
	for loopType, b := range c.LoopBounds {
		if b.MaxIterations < 1 || b.MaxDuration <= 0 || b.MaxRetries < 0 {
			return fmt.Errorf("loop_bounds[%s]: max_iterations >= 1, max_duration > 0 and max_retries >= 0 are required", loopType)
		}
	}
	for id := range c.Targets {
		if err := c.TargetFlapping(id).Validate(); err != nil {
			return fmt.Errorf("targets[%s].flapping: %w", id, err)
		}
		if err := c.TargetCircuit(id).Validate(); err != nil {
			return fmt.Errorf("targets[%s].circuit: %w", id, err)
		}
	}
	return nil
}

// String returns a human-readable representation of the config
func (c *Config) String() string {
	targets := make([]string, 0, len(c.Targets))
	for id := range c.Targets {
		targets = append(targets, id)
	}
	sort.Strings(targets)

	return fmt.Sprintf(
		"Config{MaxFixAttempts: %d, PhaseTimeout: %v, "+
			"Circuit: %d/%v/%v, Flapping: %v/%d/%d, "+
			"Queue: concurrency=%d attempts=%d backoff=%v..%v, "+
			"Trigger: %.1f/s burst %d, Sweep: every %v stale after %v, Targets: [%s]}",
		c.MaxFixAttempts, c.PhaseTimeout,
		c.Circuit.FailureThreshold, c.Circuit.RecoveryTimeout, c.Circuit.MonitoringPeriod,
		c.Flapping.CooldownWindow, c.Flapping.MaxIncidentsPerWindow, c.Flapping.EscalationThreshold,
		c.Queue.Concurrency, c.Queue.MaxAttempts, c.Queue.InitialBackoff, c.Queue.MaxBackoff,
		c.Trigger.Rate, c.Trigger.Burst, c.Sweep.Interval, c.Sweep.StaleLoopAge,
		strings.Join(targets, ", "),
	)
}

// EffectiveLoopBounds returns the built-in bounds with configured overrides applied
func (c *Config) EffectiveLoopBounds() map[string]loopguard.Bounds {
	bounds := loopguard.DefaultBounds()
	for loopType, b := range c.LoopBounds {
		bounds[loopType] = b
	}
	// The fix-attempt loop must allow every fix attempt the engine may make
	if fb, ok := bounds[loopguard.TypeFixAttempt]; ok && fb.MaxIterations < c.MaxFixAttempts {
		fb.MaxIterations = c.MaxFixAttempts
		bounds[loopguard.TypeFixAttempt] = fb
	}
	return bounds
}

// TargetFlapping returns the flapping thresholds for a target
func (c *Config) TargetFlapping(targetID string) flapping.Config {
	cfg := c.Flapping
	t, ok := c.Targets[targetID]
	if !ok || t.Flapping == nil {
		return cfg
	}
	if t.Flapping.CooldownWindow > 0 {
		cfg.CooldownWindow = t.Flapping.CooldownWindow
	}
	if t.Flapping.MaxIncidentsPerWindow > 0 {
		cfg.MaxIncidentsPerWindow = t.Flapping.MaxIncidentsPerWindow
	}
	if t.Flapping.EscalationThreshold > 0 {
		cfg.EscalationThreshold = t.Flapping.EscalationThreshold
	}
	return cfg
}

// TargetCircuit returns the circuit thresholds for a target
func (c *Config) TargetCircuit(targetID string) circuit.Config {
	cfg := c.Circuit
	t, ok := c.Targets[targetID]
	if !ok || t.Circuit == nil {
		return cfg
	}
	if t.Circuit.FailureThreshold > 0 {
		cfg.FailureThreshold = t.Circuit.FailureThreshold
	}
	if t.Circuit.RecoveryTimeout > 0 {
		cfg.RecoveryTimeout = t.Circuit.RecoveryTimeout
	}
	if t.Circuit.MonitoringPeriod > 0 {
		cfg.MonitoringPeriod = t.Circuit.MonitoringPeriod
	}
	return cfg
}

// TargetURLs returns the configured URL per target
func (c *Config) TargetURLs() map[string]string {
	urls := make(map[string]string, len(c.Targets))
	for id, t := range c.Targets {
		if t.URL != "" {
			urls[id] = t.URL
		}
	}
	return urls
}
