package phases

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitewarden/warden/internal/engine"
	"github.com/sitewarden/warden/internal/types"
)

func testContext(state types.IncidentState) *engine.IncidentContext {
	return &engine.IncidentContext{
		Incident: &types.Incident{ID: "inc-1", TargetID: "site-1", State: state},
		State:    state,
	}
}

func statusServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "inc-1", r.Header.Get("X-Warden-Incident"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte("body"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPCheckHealthy(t *testing.T) {
	srv := statusServer(t, http.StatusOK)
	check := &HTTPCheck{URLFor: func(string) string { return srv.URL }, RequireHealthy: true}

	result, err := check.Execute(context.Background(), testContext(types.StateVerify))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, http.StatusOK, result.Data["status_code"])
	assert.Contains(t, result.Message, "returned 200")
}

func TestHTTPCheckUnhealthy(t *testing.T) {
	srv := statusServer(t, http.StatusInternalServerError)

	verify := &HTTPCheck{URLFor: func(string) string { return srv.URL }, RequireHealthy: true}
	result, err := verify.Execute(context.Background(), testContext(types.StateVerify))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "unhealthy: status 500")

	// A reachability probe accepts any response
	probe := &HTTPCheck{URLFor: func(string) string { return srv.URL }}
	result, err = probe.Execute(context.Background(), testContext(types.StateDiscovery))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Message, "reachable, status 500")
}

func TestHTTPCheckTransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	check := &HTTPCheck{Client: NewClient(time.Second), URLFor: func(string) string { return url }}
	_, err := check.Execute(context.Background(), testContext(types.StateDiscovery))
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))
}

func TestHTTPCheckMissingURL(t *testing.T) {
	probe := &HTTPCheck{URLFor: func(string) string { return "" }}
	result, err := probe.Execute(context.Background(), testContext(types.StateBaseline))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Message, "probe skipped")

	verify := &HTTPCheck{RequireHealthy: true}
	_, err = verify.Execute(context.Background(), testContext(types.StateVerify))
	require.Error(t, err)
	assert.True(t, engine.IsFatal(err))
}

func TestNoop(t *testing.T) {
	result, err := Noop("nothing to do").Execute(context.Background(), testContext(types.StateBackup))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "nothing to do", result.Message)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Noop("x").Execute(ctx, testContext(types.StateBackup))
	assert.True(t, engine.IsTransient(err))
}

func TestDefaultCoversEveryHandledState(t *testing.T) {
	handlers := Default(nil)
	for _, state := range engine.HandledStates {
		assert.Contains(t, handlers, state)
	}
}
