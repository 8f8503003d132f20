// Package circuit implements per-circuit failure containment for calls into
// remote targets. A circuit opens after too many failures inside a sliding
// monitoring window, fails fast while open, and lets a single trial call
// through once the recovery timeout has elapsed.
package circuit

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sitewarden/warden/internal/clock"
)

// State represents the state of a circuit
type State int

const (
	Closed   State = iota // Normal operation, calls pass through
	Open                  // Too many failures, block calls (fail fast)
	HalfOpen              // Testing recovery, one trial call allowed
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds per-circuit thresholds
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"` // Failures within MonitoringPeriod before opening (default: 5)
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`  // How long to keep the circuit open (default: 300s)
	MonitoringPeriod time.Duration `yaml:"monitoring_period"` // Sliding window for counting failures (default: 2x RecoveryTimeout)
}

// DefaultConfig returns the default circuit configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  300 * time.Second,
		MonitoringPeriod: 600 * time.Second,
	}
}

// Validate checks that the configuration values are usable
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1 (got %d)", c.FailureThreshold)
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("recovery timeout must be positive (got %v)", c.RecoveryTimeout)
	}
	if c.MonitoringPeriod < 0 {
		return fmt.Errorf("monitoring period cannot be negative (got %v)", c.MonitoringPeriod)
	}
	return nil
}

func (c Config) normalized() Config {
	if c.MonitoringPeriod == 0 {
		c.MonitoringPeriod = 2 * c.RecoveryTimeout
	}
	return c
}

// Stats is a point-in-time view of one circuit
type Stats struct {
	ID              string    `json:"id"`
	State           State     `json:"state"`
	Failures        int       `json:"failures"`
	NextAttemptTime time.Time `json:"next_attempt_time,omitempty"`
	LastFailure     time.Time `json:"last_failure,omitempty"`
	LastStateChange time.Time `json:"last_state_change,omitempty"`
}

// StateChangeFunc is called after a circuit changes state. It runs outside the
// registry lock, so it may call back into the registry.
type StateChangeFunc func(id string, from, to State, stats Stats)

type record struct {
	cfg             Config
	state           State
	failures        []time.Time // Failure timestamps inside the monitoring window, oldest first
	nextAttempt     time.Time
	lastFailure     time.Time
	lastStateChange time.Time
	trialIssuedAt   time.Time // Zero when no half-open trial is outstanding
}

type stateChange struct {
	id       string
	from, to State
	stats    Stats
}

// Registry holds every circuit known to the process.
//
// Thread-safety: All methods are safe for concurrent use. No method blocks
// while holding the lock.
type Registry struct {
	mu            sync.Mutex
	clock         clock.Clock
	defaults      Config
	circuits      map[string]*record
	onStateChange StateChangeFunc
}

// NewRegistry creates a registry. defaults is used for circuits that are
// first seen through OnFailure without an explicit RegisterCircuit.
func NewRegistry(defaults Config, clk clock.Clock) *Registry {
	return &Registry{
		clock:    clock.OrReal(clk),
		defaults: defaults.normalized(),
		circuits: make(map[string]*record),
	}
}

// OnStateChange installs the state change hook
func (r *Registry) OnStateChange(fn StateChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStateChange = fn
}

// RegisterCircuit creates the circuit or updates its configuration.
// Existing state and failure history are kept.
func (r *Registry) RegisterCircuit(id string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config for circuit %s: %w", id, err)
	}
	cfg = cfg.normalized()

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.circuits[id]; ok {
		rec.cfg = cfg
		return nil
	}
	r.circuits[id] = &record{
		cfg:             cfg,
		state:           Closed,
		lastStateChange: r.clock.Now(),
	}
	return nil
}

// IsRegistered reports whether the circuit exists
func (r *Registry) IsRegistered(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.circuits[id]
	return ok
}

// CanExecute reports whether a call may go through the circuit. An open
// circuit whose recovery timeout has elapsed moves to half-open and this call
// receives the trial permit. Unregistered circuits always allow execution.
func (r *Registry) CanExecute(id string) bool {
	r.mu.Lock()
	rec, ok := r.circuits[id]
	if !ok {
		r.mu.Unlock()
		return true
	}

	now := r.clock.Now()
	var change *stateChange
	allowed := false

	switch rec.state {
	case Closed:
		allowed = true

	case Open:
		if now.Before(rec.nextAttempt) {
			break
		}
		change = r.transitionLocked(id, rec, HalfOpen, now)
		rec.trialIssuedAt = now
		allowed = true

	case HalfOpen:
		// One trial at a time; an abandoned trial is re-issued after the recovery timeout
		if rec.trialIssuedAt.IsZero() || now.Sub(rec.trialIssuedAt) >= rec.cfg.RecoveryTimeout {
			rec.trialIssuedAt = now
			allowed = true
		}
	}
	hook := r.onStateChange
	r.mu.Unlock()

	r.fire(hook, change)
	return allowed
}

// Allow is CanExecute expressed as an error wrapping ErrCircuitOpen
func (r *Registry) Allow(id string) error {
	if r.CanExecute(id) {
		return nil
	}
	stats := r.GetStats(id)
	return fmt.Errorf("circuit %s (failures=%d, retry at %s): %w",
		id, stats.Failures, stats.NextAttemptTime.Format(time.RFC3339), ErrCircuitOpen)
}

// OnSuccess records a successful call
func (r *Registry) OnSuccess(id string) {
	r.mu.Lock()
	rec, ok := r.circuits[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	now := r.clock.Now()
	var change *stateChange
	switch rec.state {
	case Closed:
		// Reset failure count on success
		rec.failures = rec.failures[:0]
	case HalfOpen:
		rec.failures = rec.failures[:0]
		change = r.transitionLocked(id, rec, Closed, now)
	}
	hook := r.onStateChange
	r.mu.Unlock()

	r.fire(hook, change)
}

// OnFailure records a failed call. err is only used for logging.
// Unregistered circuits are registered with the registry defaults.
func (r *Registry) OnFailure(id string, err error) {
	r.mu.Lock()
	now := r.clock.Now()
	rec, ok := r.circuits[id]
	if !ok {
		rec = &record{cfg: r.defaults, state: Closed, lastStateChange: now}
		r.circuits[id] = rec
	}

	rec.lastFailure = now
	rec.failures = append(pruneBefore(rec.failures, now.Add(-rec.cfg.MonitoringPeriod)), now)
	// Only the most recent FailureThreshold timestamps matter for classification
	if len(rec.failures) > rec.cfg.FailureThreshold {
		rec.failures = append(rec.failures[:0], rec.failures[len(rec.failures)-rec.cfg.FailureThreshold:]...)
	}

	var change *stateChange
	switch rec.state {
	case Closed:
		if len(rec.failures) >= rec.cfg.FailureThreshold {
			change = r.transitionLocked(id, rec, Open, now)
		}
	case HalfOpen:
		// Any failure in half-open immediately opens the circuit
		change = r.transitionLocked(id, rec, Open, now)
	}
	hook := r.onStateChange
	r.mu.Unlock()

	if change != nil && change.to == Open && err != nil {
		fmt.Printf("Circuit %s opened after error: %v\n", id, err)
	}
	r.fire(hook, change)
}

// GetStats returns the circuit's effective state. An open circuit past its
// next attempt time reports HALF_OPEN since the next CanExecute will let a
// trial through. Unregistered circuits report CLOSED.
func (r *Registry) GetStats(id string) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.circuits[id]
	if !ok {
		return Stats{ID: id, State: Closed}
	}
	return r.statsLocked(id, rec, r.clock.Now())
}

// AllStats returns stats for every registered circuit, sorted by id
func (r *Registry) AllStats() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	out := make([]Stats, 0, len(r.circuits))
	for id, rec := range r.circuits {
		out = append(out, r.statsLocked(id, rec, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reset forces the circuit closed and clears its failure history
func (r *Registry) Reset(id string) {
	r.mu.Lock()
	rec, ok := r.circuits[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	rec.failures = nil
	rec.nextAttempt = time.Time{}
	rec.trialIssuedAt = time.Time{}
	var change *stateChange
	if rec.state != Closed {
		change = r.transitionLocked(id, rec, Closed, r.clock.Now())
	}
	hook := r.onStateChange
	r.mu.Unlock()

	r.fire(hook, change)
}

// Prune drops failure timestamps that have left the monitoring window.
// Returns the number of timestamps dropped.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	dropped := 0
	for _, rec := range r.circuits {
		before := len(rec.failures)
		rec.failures = pruneBefore(rec.failures, now.Add(-rec.cfg.MonitoringPeriod))
		dropped += before - len(rec.failures)
	}
	return dropped
}

func (r *Registry) statsLocked(id string, rec *record, now time.Time) Stats {
	state := rec.state
	if state == Open && !now.Before(rec.nextAttempt) {
		state = HalfOpen
	}
	failures := 0
	cutoff := now.Add(-rec.cfg.MonitoringPeriod)
	for _, ts := range rec.failures {
		if !ts.Before(cutoff) {
			failures++
		}
	}
	return Stats{
		ID:              id,
		State:           state,
		Failures:        failures,
		NextAttemptTime: rec.nextAttempt,
		LastFailure:     rec.lastFailure,
		LastStateChange: rec.lastStateChange,
	}
}

// transitionLocked moves the circuit to a new state (must be called with lock held)
func (r *Registry) transitionLocked(id string, rec *record, to State, now time.Time) *stateChange {
	from := rec.state
	rec.state = to
	rec.lastStateChange = now

	switch to {
	case Open:
		rec.nextAttempt = now.Add(rec.cfg.RecoveryTimeout)
		rec.trialIssuedAt = time.Time{}
		fmt.Printf("Circuit %s state transition: %s → %s (failures=%d, will retry in %v)\n",
			id, from, to, len(rec.failures), rec.cfg.RecoveryTimeout)
	case HalfOpen:
		fmt.Printf("Circuit %s state transition: %s → %s (probing for recovery)\n", id, from, to)
	case Closed:
		rec.nextAttempt = time.Time{}
		rec.trialIssuedAt = time.Time{}
		fmt.Printf("Circuit %s state transition: %s → %s (failures reset)\n", id, from, to)
	}

	return &stateChange{id: id, from: from, to: to, stats: r.statsLocked(id, rec, now)}
}

func (r *Registry) fire(hook StateChangeFunc, change *stateChange) {
	if hook == nil || change == nil {
		return
	}
	hook(change.id, change.from, change.to, change.stats)
}

// pruneBefore drops timestamps older than cutoff from an ascending slice
func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
