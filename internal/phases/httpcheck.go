package phases

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sitewarden/warden/internal/engine"
)

// maxDrain is how much of a response body is read so the connection can be reused
const maxDrain = 64 << 10

// HTTPCheck probes a target's URL with a GET.
//
// With RequireHealthy unset any HTTP response counts as success (the target
// is reachable, whatever it answered). With RequireHealthy set only a 2xx
// response succeeds. Transport errors are transient so the engine retries
// them within the phase's retry bound.
type HTTPCheck struct {
	Client         *http.Client
	URLFor         func(targetID string) string
	RequireHealthy bool
	UserAgent      string // Default: "warden/healthcheck"
}

// Execute implements engine.PhaseHandler
func (h *HTTPCheck) Execute(ctx context.Context, ic *engine.IncidentContext) (*engine.PhaseResult, error) {
	targetID := ic.Incident.TargetID
	var url string
	if h.URLFor != nil {
		url = h.URLFor(targetID)
	}
	if url == "" {
		if h.RequireHealthy {
			return nil, engine.NewFatalError(ic.State, fmt.Errorf("no URL configured for target %s", targetID))
		}
		return engine.Succeeded("no URL configured for %s, probe skipped", targetID), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, engine.NewFatalError(ic.State, fmt.Errorf("invalid URL for target %s: %w", targetID, err))
	}
	ua := h.UserAgent
	if ua == "" {
		ua = "warden/healthcheck"
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("X-Warden-Incident", ic.Incident.ID)

	client := h.Client
	if client == nil {
		client = NewClient(DefaultProbeTimeout)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, engine.NewTransientError(ic.State, fmt.Errorf("GET %s failed: %w", url, err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))
	latency := time.Since(start)

	data := map[string]interface{}{
		"url":         url,
		"status_code": resp.StatusCode,
		"latency_ms":  latency.Milliseconds(),
	}
	healthy := resp.StatusCode >= 200 && resp.StatusCode < 300

	result := &engine.PhaseResult{Success: healthy || !h.RequireHealthy, Data: data}
	switch {
	case healthy:
		result.Message = fmt.Sprintf("%s returned %d in %v", url, resp.StatusCode, latency.Round(time.Millisecond))
	case h.RequireHealthy:
		result.Message = fmt.Sprintf("%s is unhealthy: status %d", url, resp.StatusCode)
	default:
		result.Message = fmt.Sprintf("%s reachable, status %d", url, resp.StatusCode)
	}
	return result, nil
}
