// Package flapping detects targets that keep raising incidents. A target
// that opens too many incidents inside its cooldown window is refused new
// ones, and once it crosses a second, higher threshold it is flagged for
// escalation to a human.
package flapping

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sitewarden/warden/internal/clock"
)

// Config holds per-target flapping thresholds
type Config struct {
	CooldownWindow        time.Duration `yaml:"cooldown_window"`          // Sliding window for counting incidents (default: 600s)
	MaxIncidentsPerWindow int           `yaml:"max_incidents_per_window"` // Incidents allowed inside the window (default: 3)
	EscalationThreshold   int           `yaml:"escalation_threshold"`     // Count at which escalation is signalled (default: 5)
}

// DefaultConfig returns the default flapping configuration
func DefaultConfig() Config {
	return Config{
		CooldownWindow:        600 * time.Second,
		MaxIncidentsPerWindow: 3,
		EscalationThreshold:   5,
	}
}

// Validate checks that the configuration values are usable
func (c Config) Validate() error {
	if c.CooldownWindow <= 0 {
		return fmt.Errorf("cooldown window must be positive (got %v)", c.CooldownWindow)
	}
	if c.MaxIncidentsPerWindow < 1 {
		return fmt.Errorf("max incidents per window must be at least 1 (got %d)", c.MaxIncidentsPerWindow)
	}
	if c.EscalationThreshold < c.MaxIncidentsPerWindow {
		return fmt.Errorf("escalation threshold (%d) must be >= max incidents per window (%d)",
			c.EscalationThreshold, c.MaxIncidentsPerWindow)
	}
	return nil
}

// Decision is the answer to CanCreateIncident
type Decision struct {
	Allowed        bool   `json:"allowed"`
	Reason         string `json:"reason,omitempty"`
	ShouldEscalate bool   `json:"should_escalate"`
	IncidentCount  int    `json:"incident_count"`
}

// Stats is a point-in-time view of one target's history
type Stats struct {
	TargetID       string   `json:"target_id"`
	IncidentCount  int      `json:"incident_count"`
	IsFlapping     bool     `json:"is_flapping"`
	ShouldEscalate bool     `json:"should_escalate"`
	IncidentIDs    []string `json:"incident_ids,omitempty"`
}

type entry struct {
	incidentID string
	at         time.Time
}

// Guard tracks incident history per target.
//
// Thread-safety: All methods are safe for concurrent use.
type Guard struct {
	mu        sync.Mutex
	clock     clock.Clock
	defaults  Config
	overrides map[string]Config
	history   map[string][]entry // Ascending by time
}

// New creates a guard using defaults for every target without an override
func New(defaults Config, clk clock.Clock) (*Guard, error) {
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flapping config: %w", err)
	}
	return &Guard{
		clock:     clock.OrReal(clk),
		defaults:  defaults,
		overrides: make(map[string]Config),
		history:   make(map[string][]entry),
	}, nil
}

// SetTargetConfig overrides the thresholds for one target
func (g *Guard) SetTargetConfig(targetID string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flapping config for %s: %w", targetID, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.overrides[targetID] = cfg
	return nil
}

// ConfigFor returns the effective configuration for a target
func (g *Guard) ConfigFor(targetID string) Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.configLocked(targetID)
}

// CanCreateIncident decides whether a new incident may be opened for the target
func (g *Guard) CanCreateIncident(targetID string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	cfg := g.configLocked(targetID)
	count := len(g.windowLocked(targetID, cfg))

	d := Decision{
		Allowed:        count < cfg.MaxIncidentsPerWindow,
		ShouldEscalate: count >= cfg.EscalationThreshold,
		IncidentCount:  count,
	}
	if !d.Allowed {
		d.Reason = fmt.Sprintf("target %s is flapping: %d incidents in the last %v (max %d)",
			targetID, count, cfg.CooldownWindow, cfg.MaxIncidentsPerWindow)
	}
	return d
}

// RecordIncident appends a timestamped incident for the target
func (g *Guard) RecordIncident(targetID, incidentID string) {
	g.Hydrate(targetID, incidentID, g.clock.Now())
}

// Hydrate records an incident at a known time, used to restore history from
// persisted incidents after a restart. Entries older than the window are ignored.
func (g *Guard) Hydrate(targetID, incidentID string, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cfg := g.configLocked(targetID)
	if at.Before(g.clock.Now().Add(-cfg.CooldownWindow)) {
		return
	}

	h := g.history[targetID]
	for _, e := range h {
		if e.incidentID == incidentID && incidentID != "" {
			return
		}
	}
	h = append(h, entry{incidentID: incidentID, at: at})
	sort.SliceStable(h, func(i, j int) bool { return h[i].at.Before(h[j].at) })
	g.history[targetID] = h
}

// ResetSite clears the target's history
func (g *Guard) ResetSite(targetID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.history, targetID)
}

// GetStats returns the target's current window
func (g *Guard) GetStats(targetID string) Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	cfg := g.configLocked(targetID)
	window := g.windowLocked(targetID, cfg)
	ids := make([]string, 0, len(window))
	for _, e := range window {
		ids = append(ids, e.incidentID)
	}
	return Stats{
		TargetID:       targetID,
		IncidentCount:  len(window),
		IsFlapping:     len(window) >= cfg.MaxIncidentsPerWindow,
		ShouldEscalate: len(window) >= cfg.EscalationThreshold,
		IncidentIDs:    ids,
	}
}

// LongestWindow returns the widest cooldown window across the defaults and
// every per-target override
func (g *Guard) LongestWindow() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	longest := g.defaults.CooldownWindow
	for _, cfg := range g.overrides {
		if cfg.CooldownWindow > longest {
			longest = cfg.CooldownWindow
		}
	}
	return longest
}

// FlappingTargets returns targets currently at or above their limit, sorted
func (g *Guard) FlappingTargets() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []string
	for targetID := range g.history {
		cfg := g.configLocked(targetID)
		if len(g.windowLocked(targetID, cfg)) >= cfg.MaxIncidentsPerWindow {
			out = append(out, targetID)
		}
	}
	sort.Strings(out)
	return out
}

// Prune drops entries that have left their window and forgets targets with
// no remaining history. Returns the number of entries dropped.
func (g *Guard) Prune() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	dropped := 0
	for targetID, h := range g.history {
		cfg := g.configLocked(targetID)
		kept := pruneBefore(h, now.Add(-cfg.CooldownWindow))
		dropped += len(h) - len(kept)
		if len(kept) == 0 {
			delete(g.history, targetID)
			continue
		}
		g.history[targetID] = kept
	}
	return dropped
}

func (g *Guard) configLocked(targetID string) Config {
	if cfg, ok := g.overrides[targetID]; ok {
		return cfg
	}
	return g.defaults
}

// windowLocked returns the entries inside [now-window, now] (must be called with lock held)
func (g *Guard) windowLocked(targetID string, cfg Config) []entry {
	now := g.clock.Now()
	h := pruneBefore(g.history[targetID], now.Add(-cfg.CooldownWindow))
	if len(h) == 0 {
		delete(g.history, targetID)
		return nil
	}
	g.history[targetID] = h

	// Entries hydrated with a future timestamp are outside [now-window, now]
	n := len(h)
	for n > 0 && h[n-1].at.After(now) {
		n--
	}
	return h[:n]
}

func pruneBefore(h []entry, cutoff time.Time) []entry {
	i := 0
	for i < len(h) && h[i].at.Before(cutoff) {
		i++
	}
	if i == 0 {
		return h
	}
	return append(h[:0], h[i:]...)
}
