// Package loopguard caps the iterations, wall-clock duration and retries of
// repeating operations. The guard is cooperative: it never stops a caller,
// it only answers CanContinue, and callers must check it at every iteration
// boundary and honor the answer.
package loopguard

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sitewarden/warden/internal/clock"
)

// BoundType names the dimension that stopped a loop
type BoundType string

const (
	BoundIterations BoundType = "iterations"
	BoundDuration   BoundType = "duration"
	BoundRetries    BoundType = "retries"
)

// Loop types with built-in defaults
const (
	TypeFixAttempt    = "fix-attempt"
	TypeVerification  = "verification"
	TypeDiscovery     = "discovery"
	TypeBaseline      = "baseline"
	TypeBackup        = "backup"
	TypeObservability = "observability"
	TypeRollback      = "rollback"
)

// Bounds caps one loop
type Bounds struct {
	MaxIterations int           `json:"max_iterations" yaml:"max_iterations"`
	MaxDuration   time.Duration `json:"max_duration" yaml:"max_duration"`
	MaxRetries    int           `json:"max_retries" yaml:"max_retries"`
}

// BoundsOverride replaces individual default bounds; nil fields keep the default
type BoundsOverride struct {
	MaxIterations *int
	MaxDuration   *time.Duration
	MaxRetries    *int
}

func (o *BoundsOverride) apply(b Bounds) Bounds {
	if o == nil {
		return b
	}
	if o.MaxIterations != nil {
		b.MaxIterations = *o.MaxIterations
	}
	if o.MaxDuration != nil {
		b.MaxDuration = *o.MaxDuration
	}
	if o.MaxRetries != nil {
		b.MaxRetries = *o.MaxRetries
	}
	return b
}

// FallbackBounds apply to loop types with no configured default
var FallbackBounds = Bounds{MaxIterations: 10, MaxDuration: 10 * time.Minute, MaxRetries: 3}

// DefaultBounds returns the built-in bounds per loop type
func DefaultBounds() map[string]Bounds {
	return map[string]Bounds{
		TypeFixAttempt:    {MaxIterations: 15, MaxDuration: 10 * time.Minute, MaxRetries: 5},
		TypeVerification:  {MaxIterations: 10, MaxDuration: 5 * time.Minute, MaxRetries: 3},
		TypeDiscovery:     {MaxIterations: 20, MaxDuration: 15 * time.Minute, MaxRetries: 3},
		TypeBaseline:      {MaxIterations: 10, MaxDuration: 10 * time.Minute, MaxRetries: 3},
		TypeBackup:        {MaxIterations: 5, MaxDuration: 20 * time.Minute, MaxRetries: 2},
		TypeObservability: {MaxIterations: 10, MaxDuration: 10 * time.Minute, MaxRetries: 3},
		TypeRollback:      {MaxIterations: 10, MaxDuration: 15 * time.Minute, MaxRetries: 3},
	}
}

// LoopContext is the tracked state of one active loop
type LoopContext struct {
	// LoopID identifies the loop
	LoopID string `json:"loop_id"`
	// LoopType selects the default bounds
	LoopType string `json:"loop_type"`
	// Bounds are the effective caps for this loop
	Bounds Bounds `json:"bounds"`
	// Iterations recorded so far, never above Bounds.MaxIterations
	Iterations int `json:"iterations"`
	// Retries recorded so far, never above Bounds.MaxRetries
	Retries int `json:"retries"`
	// StartTime is when the loop was started
	StartTime time.Time `json:"start_time"`
	// LastActivityTime is the last start, iteration or retry
	LastActivityTime time.Time `json:"last_activity_time"`
	// Metadata is merged from every RecordIteration/RecordRetry call
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Check is the answer to CanContinue
type Check struct {
	CanContinue bool      `json:"can_continue"`
	Reason      string    `json:"reason,omitempty"`
	BoundType   BoundType `json:"bound_type,omitempty"`
}

// LoopResult summarizes a completed or terminated loop
type LoopResult struct {
	LoopID         string        `json:"loop_id"`
	LoopType       string        `json:"loop_type"`
	Completed      bool          `json:"completed"`
	Reason         string        `json:"reason,omitempty"`
	Iterations     int           `json:"iterations"`
	Retries        int           `json:"retries"`
	Duration       time.Duration `json:"duration"`
	ExceededBounds bool          `json:"exceeded_bounds"`
	BoundType      BoundType     `json:"bound_type,omitempty"`
	Forced         bool          `json:"forced"`
}

// TerminateFunc is called for forced terminations and for completions that
// exceeded a bound. It runs outside the guard lock.
type TerminateFunc func(LoopResult)

// Guard tracks active loops.
//
// Thread-safety: All methods are safe for concurrent use.
type Guard struct {
	mu          sync.Mutex
	clock       clock.Clock
	defaults    map[string]Bounds
	loops       map[string]*LoopContext
	onTerminate TerminateFunc
}

// New creates a guard. defaults may be nil to use DefaultBounds; entries in
// defaults replace the built-in bounds for their loop type.
func New(defaults map[string]Bounds, clk clock.Clock) *Guard {
	merged := DefaultBounds()
	for loopType, b := range defaults {
		merged[loopType] = b
	}
	return &Guard{
		clock:    clock.OrReal(clk),
		defaults: merged,
		loops:    make(map[string]*LoopContext),
	}
}

// OnTerminate installs the termination hook
func (g *Guard) OnTerminate(fn TerminateFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onTerminate = fn
}

// BoundsFor returns the default bounds for a loop type
func (g *Guard) BoundsFor(loopType string) Bounds {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.defaults[loopType]; ok {
		return b
	}
	return FallbackBounds
}

// StartLoop begins tracking a loop. Starting a loop id that is already active
// replaces it.
func (g *Guard) StartLoop(loopID, loopType string, override *BoundsOverride, metadata map[string]interface{}) *LoopContext {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.loops[loopID]; exists {
		fmt.Fprintf(os.Stderr, "Warning: loop %s restarted while still active\n", loopID)
	}

	bounds, ok := g.defaults[loopType]
	if !ok {
		bounds = FallbackBounds
	}

	now := g.clock.Now()
	lc := &LoopContext{
		LoopID:           loopID,
		LoopType:         loopType,
		Bounds:           override.apply(bounds),
		StartTime:        now,
		LastActivityTime: now,
		Metadata:         make(map[string]interface{}),
	}
	for k, v := range metadata {
		lc.Metadata[k] = v
	}
	g.loops[loopID] = lc
	return lc.snapshot()
}

// Get returns a snapshot of an active loop
func (g *Guard) Get(loopID string) (*LoopContext, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	lc, ok := g.loops[loopID]
	if !ok {
		return nil, false
	}
	return lc.snapshot(), true
}

// CanContinue checks the loop's bounds in order: iterations, duration, retries.
// The first violated bound is reported.
func (g *Guard) CanContinue(loopID string) Check {
	g.mu.Lock()
	defer g.mu.Unlock()

	lc, ok := g.loops[loopID]
	if !ok {
		return Check{CanContinue: false, Reason: "loop not found"}
	}
	return g.checkLocked(lc, g.clock.Now())
}

// RecordIteration counts one iteration. Returns false for unknown loops or
// when the iteration bound is already reached.
func (g *Guard) RecordIteration(loopID string, metadata map[string]interface{}) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	lc, ok := g.loops[loopID]
	if !ok {
		return false
	}
	lc.LastActivityTime = g.clock.Now()
	mergeMetadata(lc.Metadata, metadata)
	if lc.Iterations >= lc.Bounds.MaxIterations {
		return false
	}
	lc.Iterations++
	return true
}

// RecordRetry counts one retry. Returns false for unknown loops or when the
// retry bound is already reached.
func (g *Guard) RecordRetry(loopID, reason string, metadata map[string]interface{}) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	lc, ok := g.loops[loopID]
	if !ok {
		return false
	}
	lc.LastActivityTime = g.clock.Now()
	mergeMetadata(lc.Metadata, metadata)
	if reason != "" {
		lc.Metadata["last_retry_reason"] = reason
	}
	if lc.Retries >= lc.Bounds.MaxRetries {
		return false
	}
	lc.Retries++
	return true
}

// CompleteLoop stops tracking the loop and reports how it ended
func (g *Guard) CompleteLoop(loopID string, successful bool, reason string) LoopResult {
	return g.finish(loopID, successful, reason, false)
}

// ForceTerminate ends a loop unsuccessfully, for emergency shutdown
func (g *Guard) ForceTerminate(loopID, reason string) LoopResult {
	return g.finish(loopID, false, reason, true)
}

func (g *Guard) finish(loopID string, successful bool, reason string, forced bool) LoopResult {
	g.mu.Lock()
	lc, ok := g.loops[loopID]
	if !ok {
		g.mu.Unlock()
		return LoopResult{LoopID: loopID, Completed: false, Reason: "loop not found", Forced: forced}
	}
	delete(g.loops, loopID)

	now := g.clock.Now()
	check := g.checkLocked(lc, now)
	result := LoopResult{
		LoopID:         loopID,
		LoopType:       lc.LoopType,
		Completed:      successful,
		Reason:         reason,
		Iterations:     lc.Iterations,
		Retries:        lc.Retries,
		Duration:       now.Sub(lc.StartTime),
		ExceededBounds: !check.CanContinue,
		BoundType:      check.BoundType,
		Forced:         forced,
	}
	if result.Reason == "" && result.ExceededBounds {
		result.Reason = check.Reason
	}
	hook := g.onTerminate
	g.mu.Unlock()

	if forced || result.ExceededBounds {
		if forced {
			fmt.Fprintf(os.Stderr, "Warning: loop %s force-terminated after %d iterations: %s\n",
				loopID, result.Iterations, reason)
		}
		if hook != nil {
			hook(result)
		}
	}
	return result
}

// LoopsApproachingBounds returns active loops whose iteration, duration or
// retry ratio has reached threshold (0.8 when threshold <= 0), sorted by id.
func (g *Guard) LoopsApproachingBounds(threshold float64) []string {
	if threshold <= 0 {
		threshold = 0.8
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	var out []string
	for id, lc := range g.loops {
		if ratio(lc.Iterations, lc.Bounds.MaxIterations) >= threshold ||
			durationRatio(now.Sub(lc.StartTime), lc.Bounds.MaxDuration) >= threshold ||
			ratio(lc.Retries, lc.Bounds.MaxRetries) >= threshold {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// CleanupStaleLoops force-terminates loops started more than maxAge ago.
// Returns the number of loops terminated.
func (g *Guard) CleanupStaleLoops(maxAge time.Duration) int {
	g.mu.Lock()
	cutoff := g.clock.Now().Add(-maxAge)
	var stale []string
	for id, lc := range g.loops {
		if lc.StartTime.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	g.mu.Unlock()

	sort.Strings(stale)
	for _, id := range stale {
		g.ForceTerminate(id, fmt.Sprintf("stale loop (older than %v)", maxAge))
	}
	return len(stale)
}

// ActiveLoops returns snapshots of every active loop, sorted by id
func (g *Guard) ActiveLoops() []LoopContext {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]LoopContext, 0, len(g.loops))
	for _, lc := range g.loops {
		out = append(out, *lc.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoopID < out[j].LoopID })
	return out
}

// checkLocked evaluates bounds (must be called with lock held)
func (g *Guard) checkLocked(lc *LoopContext, now time.Time) Check {
	b := lc.Bounds
	if lc.Iterations >= b.MaxIterations {
		return Check{
			CanContinue: false,
			Reason:      fmt.Sprintf("maximum iterations reached (%d/%d)", lc.Iterations, b.MaxIterations),
			BoundType:   BoundIterations,
		}
	}
	if elapsed := now.Sub(lc.StartTime); elapsed >= b.MaxDuration {
		return Check{
			CanContinue: false,
			Reason:      fmt.Sprintf("maximum duration reached (%v/%v)", elapsed.Round(time.Second), b.MaxDuration),
			BoundType:   BoundDuration,
		}
	}
	if lc.Retries >= b.MaxRetries {
		return Check{
			CanContinue: false,
			Reason:      fmt.Sprintf("maximum retries reached (%d/%d)", lc.Retries, b.MaxRetries),
			BoundType:   BoundRetries,
		}
	}
	return Check{CanContinue: true}
}

func (lc *LoopContext) snapshot() *LoopContext {
	c := *lc
	c.Metadata = make(map[string]interface{}, len(lc.Metadata))
	for k, v := range lc.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

func mergeMetadata(dst, src map[string]interface{}) {
	for k, v := range src {
		dst[k] = v
	}
}

func ratio(n, max int) float64 {
	if max <= 0 {
		return 1
	}
	return float64(n) / float64(max)
}

func durationRatio(d, max time.Duration) float64 {
	if max <= 0 {
		return 1
	}
	return float64(d) / float64(max)
}
