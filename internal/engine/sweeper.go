package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sitewarden/warden/internal/events"
)

// sweepLoop runs Sweep on every tick until ctx is cancelled
func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "Warning: sweep failed: %v\n", err)
			}
		}
	}
}

// Sweep force-terminates stale loops, prunes expired circuit failures and
// flapping history, and releases job claims held far longer than any phase
// may run. A sweep that changed anything is audited.
func (e *Engine) Sweep(ctx context.Context) (events.SweepCompletedData, error) {
	start := time.Now()
	data := events.SweepCompletedData{
		StaleLoopsTerminated:  e.loops.CleanupStaleLoops(e.staleLoopAge),
		CircuitFailuresPruned: e.circuits.Prune(),
		FlapEntriesPruned:     e.flapping.Prune(),
	}

	released, err := e.store.ReleaseStaleJobs(ctx, e.clock.Now().Add(-2*e.phaseTimeout))
	if err != nil {
		return data, fmt.Errorf("failed to release stale jobs: %w", err)
	}
	data.JobsReleased = released
	data.ProcessingTimeMs = time.Since(start).Milliseconds()

	if data.StaleLoopsTerminated+data.CircuitFailuresPruned+data.FlapEntriesPruned+data.JobsReleased == 0 {
		return data, nil
	}
	fmt.Printf("Sweep: terminated %d stale loop(s), pruned %d circuit failure(s) and %d flapping entr(ies), released %d job(s)\n",
		data.StaleLoopsTerminated, data.CircuitFailuresPruned, data.FlapEntriesPruned, data.JobsReleased)
	e.auditData(ctx, events.ActionSweepCompleted, events.ResourceEngine, "sweeper", data)
	return data, nil
}
