// Package engine drives incidents through the remediation state machine.
//
// An incident moves NEW → DISCOVERY → BASELINE → BACKUP → OBSERVABILITY →
// FIX_ATTEMPT(n) → VERIFY and ends in FIXED, ROLLBACK or ESCALATED. Each step
// runs as a queued job: the worker derives an idempotency key for the phase,
// consults the phase ledger, checks the target's circuit, runs the handler
// inside its bounded loop and commits the resulting transition. Triggers are
// admitted through a rate limiter and the flapping guard before an incident
// is created.
package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"go.opentelemetry.io/otel/trace"

	"github.com/sitewarden/warden/internal/circuit"
	"github.com/sitewarden/warden/internal/clock"
	"github.com/sitewarden/warden/internal/config"
	"github.com/sitewarden/warden/internal/events"
	"github.com/sitewarden/warden/internal/flapping"
	"github.com/sitewarden/warden/internal/loopguard"
	"github.com/sitewarden/warden/internal/queue"
	"github.com/sitewarden/warden/internal/storage"
	"github.com/sitewarden/warden/internal/telemetry"
	"github.com/sitewarden/warden/internal/types"
)

const tracerName = "github.com/sitewarden/warden/engine"

// Config holds engine configuration
type Config struct {
	Store    storage.Storage
	Queue    queue.Queue
	Sink     events.Sink // Audit sink (default: the store's audit table)
	Handlers map[types.IncidentState]PhaseHandler
	Clock    clock.Clock
	Metrics  *telemetry.Metrics // Optional

	MaxFixAttempts int           // Fix attempts before rollback (default: 15)
	PhaseTimeout   time.Duration // Per handler invocation (default: 5m)

	Circuit        circuit.Config            // Default per-target circuit thresholds
	Flapping       flapping.Config           // Default per-target flapping thresholds
	TargetCircuits map[string]circuit.Config // Per-target overrides, keyed by target id
	TargetFlapping map[string]flapping.Config
	LoopBounds     map[string]loopguard.Bounds // Overrides of the built-in loop bounds

	TriggerRate  float64 // Triggers admitted per second (default: 10)
	TriggerBurst int     // Default: 20

	SweepInterval time.Duration // Background sweep period (default: 1m)
	StaleLoopAge  time.Duration // Loops older than this are force-terminated (default: 24h)
}

// FromSettings builds an engine config from loaded settings. The caller fills
// in the collaborators (Store, Queue, Handlers, Sink, Metrics).
func FromSettings(s *config.Config) *Config {
	cfg := &Config{
		MaxFixAttempts: s.MaxFixAttempts,
		PhaseTimeout:   s.PhaseTimeout,
		Circuit:        s.Circuit,
		Flapping:       s.Flapping,
		TargetCircuits: make(map[string]circuit.Config),
		TargetFlapping: make(map[string]flapping.Config),
		LoopBounds:     s.EffectiveLoopBounds(),
		TriggerRate:    s.Trigger.Rate,
		TriggerBurst:   s.Trigger.Burst,
		SweepInterval:  s.Sweep.Interval,
		StaleLoopAge:   s.Sweep.StaleLoopAge,
	}
	for id, t := range s.Targets {
		if t.Circuit != nil {
			cfg.TargetCircuits[id] = s.TargetCircuit(id)
		}
		if t.Flapping != nil {
			cfg.TargetFlapping[id] = s.TargetFlapping(id)
		}
	}
	return cfg
}

// Engine runs incidents through the state machine.
//
// Thread-safety: All methods are safe for concurrent use. Phases of one
// incident never run concurrently; phases of different incidents do.
type Engine struct {
	store    storage.Storage
	queue    queue.Queue
	sink     events.Sink
	handlers map[types.IncidentState]PhaseHandler
	clock    clock.Clock
	metrics  *telemetry.Metrics
	tracer   trace.Tracer

	maxFixAttempts int
	phaseTimeout   time.Duration
	sweepInterval  time.Duration
	staleLoopAge   time.Duration

	circuits *circuit.Registry
	flapping *flapping.Guard
	loops    *loopguard.Guard
	limiter  *rate.Limiter

	// admitMu makes the flapping check and the incident it admits atomic
	admitMu sync.Mutex

	activeMu sync.Mutex
	active   map[string]bool // Incidents currently being stepped

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

type deadLetterNotifier interface {
	OnDeadLetter(fn queue.DeadLetterFunc)
}

// New creates an engine from cfg
func New(cfg *Config) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if err := validateHandlers(cfg.Handlers); err != nil {
		return nil, err
	}

	clk := clock.OrReal(cfg.Clock)
	maxFix := cfg.MaxFixAttempts
	if maxFix <= 0 {
		maxFix = 15
	}
	phaseTimeout := cfg.PhaseTimeout
	if phaseTimeout <= 0 {
		phaseTimeout = 5 * time.Minute
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	staleLoopAge := cfg.StaleLoopAge
	if staleLoopAge <= 0 {
		staleLoopAge = 24 * time.Hour
	}
	triggerRate := cfg.TriggerRate
	if triggerRate <= 0 {
		triggerRate = 10
	}
	triggerBurst := cfg.TriggerBurst
	if triggerBurst <= 0 {
		triggerBurst = 20
	}

	circuitDefaults := cfg.Circuit
	if circuitDefaults == (circuit.Config{}) {
		circuitDefaults = circuit.DefaultConfig()
	}
	if err := circuitDefaults.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit config: %w", err)
	}
	flapDefaults := cfg.Flapping
	if flapDefaults == (flapping.Config{}) {
		flapDefaults = flapping.DefaultConfig()
	}

	circuits := circuit.NewRegistry(circuitDefaults, clk)
	for targetID, cc := range cfg.TargetCircuits {
		if err := circuits.RegisterCircuit(circuitIDFor(targetID), cc); err != nil {
			return nil, fmt.Errorf("invalid circuit config for %s: %w", targetID, err)
		}
	}

	flap, err := flapping.New(flapDefaults, clk)
	if err != nil {
		return nil, fmt.Errorf("invalid flapping config: %w", err)
	}
	for targetID, fc := range cfg.TargetFlapping {
		if err := flap.SetTargetConfig(targetID, fc); err != nil {
			return nil, fmt.Errorf("invalid flapping config for %s: %w", targetID, err)
		}
	}

	sink := cfg.Sink
	if sink == nil {
		sink = events.NewStoreSink(cfg.Store, clk)
	}

	handlers := make(map[types.IncidentState]PhaseHandler, len(cfg.Handlers))
	for state, h := range cfg.Handlers {
		handlers[state] = h
	}

	e := &Engine{
		store:          cfg.Store,
		queue:          cfg.Queue,
		sink:           sink,
		handlers:       handlers,
		clock:          clk,
		metrics:        cfg.Metrics,
		tracer:         telemetry.Tracer(tracerName),
		maxFixAttempts: maxFix,
		phaseTimeout:   phaseTimeout,
		sweepInterval:  sweepInterval,
		staleLoopAge:   staleLoopAge,
		circuits:       circuits,
		flapping:       flap,
		loops:          loopguard.New(loopBounds(cfg.LoopBounds, maxFix), clk),
		limiter:        rate.NewLimiter(rate.Limit(triggerRate), triggerBurst),
		active:         make(map[string]bool),
	}

	circuits.OnStateChange(e.onCircuitChange)
	e.loops.OnTerminate(e.onLoopTerminate)
	if n, ok := cfg.Queue.(deadLetterNotifier); ok {
		n.OnDeadLetter(e.onDeadLetter)
	}
	return e, nil
}

// loopBounds merges overrides into the built-in bounds and makes sure the
// fix-attempt loop admits every fix attempt.
func loopBounds(overrides map[string]loopguard.Bounds, maxFix int) map[string]loopguard.Bounds {
	bounds := loopguard.DefaultBounds()
	for loopType, b := range overrides {
		bounds[loopType] = b
	}
	if fb := bounds[loopguard.TypeFixAttempt]; fb.MaxIterations < maxFix {
		fb.MaxIterations = maxFix
		bounds[loopguard.TypeFixAttempt] = fb
	}
	return bounds
}

// Circuits returns the circuit registry
func (e *Engine) Circuits() *circuit.Registry { return e.circuits }

// Flapping returns the flapping guard
func (e *Engine) Flapping() *flapping.Guard { return e.flapping }

// Loops returns the loop guard
func (e *Engine) Loops() *loopguard.Guard { return e.loops }

// MaxFixAttempts returns the configured fix attempt ceiling
func (e *Engine) MaxFixAttempts() int { return e.maxFixAttempts }

// Start restores guard state from storage, re-queues unfinished incidents and
// starts the queue workers and the background sweeper. It returns once the
// goroutines are running; use Stop to shut them down.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine is already running")
	}
	e.running = true
	e.mu.Unlock()

	if err := e.hydrateFlapping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to restore flapping history: %v\n", err)
	}
	if resumed, err := e.resume(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to resume active incidents: %v\n", err)
	} else if resumed > 0 {
		fmt.Printf("Resumed %d active incident(s)\n", resumed)
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		if err := e.queue.Run(gctx, e.HandleJob); err != nil {
			return fmt.Errorf("queue stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		e.sweepLoop(gctx)
		return nil
	})

	e.mu.Lock()
	e.cancel = cancel
	e.group = g
	e.mu.Unlock()

	fmt.Printf("Engine started (max fix attempts: %d, sweep every %v)\n", e.maxFixAttempts, e.sweepInterval)
	return nil
}

// Stop cancels the workers and the sweeper and waits for in-flight phases to
// return, or for ctx to expire.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine is not running")
	}
	e.running = false
	cancel, g := e.cancel, e.group
	e.mu.Unlock()

	cancel()
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		fmt.Printf("Engine stopped\n")
		return err
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown timed out: %w", ctx.Err())
	}
}

// hydrateFlapping replays recent incidents into the flapping guard so a
// restart does not reset every target's cooldown window
func (e *Engine) hydrateFlapping(ctx context.Context) error {
	incidents, err := e.store.ListIncidents(ctx, types.IncidentFilter{
		Since: e.clock.Now().Add(-e.flapping.LongestWindow()),
	})
	if err != nil {
		return fmt.Errorf("failed to list recent incidents: %w", err)
	}
	for _, inc := range incidents {
		e.flapping.Hydrate(inc.TargetID, inc.ID, inc.CreatedAt)
	}
	return nil
}

// resume queues the current phase of every unfinished incident. Jobs that are
// already queued are deduplicated by their idempotency key; a dead-lettered
// job for the current phase is revived so the incident is processed again.
func (e *Engine) resume(ctx context.Context) (int, error) {
	incidents, err := e.store.ListActiveIncidents(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active incidents: %w", err)
	}
	queued := 0
	for _, inc := range incidents {
		key, inserted, err := e.enqueuePhase(ctx, inc)
		if err != nil {
			return queued, err
		}
		if !inserted {
			revived, err := e.queue.Revive(ctx, key)
			if err != nil {
				return queued, fmt.Errorf("failed to revive %s phase of %s: %w", inc.State, inc.ID, err)
			}
			if !revived {
				continue
			}
			fmt.Printf("Revived dead-lettered %s job of incident %s\n", inc.State, inc.ID)
		}
		queued++
	}
	return queued, nil
}

func (e *Engine) acquire(incidentID string) bool {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	if e.active[incidentID] {
		return false
	}
	e.active[incidentID] = true
	return true
}

func (e *Engine) release(incidentID string) {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	delete(e.active, incidentID)
}

func circuitIDFor(targetID string) string {
	return "target:" + targetID
}
