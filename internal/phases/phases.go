// Package phases provides the built-in phase handlers that let warden run
// without site-specific remediation plugged in.
package phases

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sitewarden/warden/internal/engine"
	"github.com/sitewarden/warden/internal/types"
)

// DefaultProbeTimeout bounds a single HTTP probe
const DefaultProbeTimeout = 15 * time.Second

// Noop returns a handler that succeeds without touching the target
func Noop(message string) engine.PhaseHandler {
	return engine.PhaseHandlerFunc(func(ctx context.Context, ic *engine.IncidentContext) (*engine.PhaseResult, error) {
		if err := ctx.Err(); err != nil {
			return nil, engine.NewTransientError(ic.State, err)
		}
		return engine.Succeeded("%s", message), nil
	})
}

// NewClient returns an HTTP client whose requests are traced
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}

// Default returns a handler for every state the engine runs. The pre-fix
// phases probe that the target answers at all, VERIFY requires a healthy
// response, and the phases that need site access (backup, fix, rollback)
// are no-ops. Probes of a target without a URL are skipped; its VERIFY
// fails fatally since nothing can confirm the fix.
func Default(targetURL func(targetID string) string) map[types.IncidentState]engine.PhaseHandler {
	client := NewClient(DefaultProbeTimeout)
	probe := &HTTPCheck{Client: client, URLFor: targetURL}
	verify := &HTTPCheck{Client: client, URLFor: targetURL, RequireHealthy: true}

	return map[types.IncidentState]engine.PhaseHandler{
		types.StateDiscovery:     probe,
		types.StateBaseline:      probe,
		types.StateBackup:        Noop("backup skipped: no backup storage configured"),
		types.StateObservability: probe,
		types.StateFixAttempt:    Noop("no remediation configured"),
		types.StateVerify:        verify,
		types.StateRollback:      Noop("nothing to roll back"),
	}
}
