package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/resilience"
)

// fakeAgent is an httptest-backed invoke target.
type fakeAgent struct {
	srv   *httptest.Server
	calls atomic.Int32
}

func newFakeAgent(t *testing.T, handler http.HandlerFunc) *fakeAgent {
	t.Helper()
	a := &fakeAgent{}
	a.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(a.srv.Close)
	return a
}

func registerAgent(t *testing.T, c *Client, id string, a *fakeAgent) {
	t.Helper()
	reg := sampleRegistration(id)
	reg.Endpoints.Invoke = a.srv.URL
	_, err := c.Register(context.Background(), reg)
	require.NoError(t, err)
	// Heartbeat ordering decides invoke priority, and heartbeats only
	// advance with wall-clock ticks.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, c.Heartbeat(context.Background(), id))
}

func okAgent(t *testing.T, body string) *fakeAgent {
	return newFakeAgent(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	})
}

func failingAgent(t *testing.T, status int) *fakeAgent {
	return newFakeAgent(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})
}

func TestInvokeSuccess(t *testing.T) {
	c, _ := newTestRegistry(t, "", WithDiscoveryTTL(0))
	agent := okAgent(t, `{"price": 42}`)
	registerAgent(t, c, "pricing-1", agent)

	result, err := c.Invoke(context.Background(), "quote", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "pricing-1", result.AgentID)
	assert.JSONEq(t, `{"price": 42}`, string(result.Body))
}

func TestInvokeFailsOverToNextCandidate(t *testing.T) {
	c, _ := newTestRegistry(t, "", WithDiscoveryTTL(0))

	healthy := okAgent(t, `ok`)
	broken := failingAgent(t, http.StatusInternalServerError)

	// broken heartbeats last, so it is tried first
	registerAgent(t, c, "pricing-healthy", healthy)
	registerAgent(t, c, "pricing-broken", broken)

	result, err := c.Invoke(context.Background(), "quote", nil)
	require.NoError(t, err)
	assert.Equal(t, "pricing-healthy", result.AgentID)
	assert.EqualValues(t, 1, broken.calls.Load(), "broken candidate was tried first")
}

func TestInvoke4xxReturnsImmediately(t *testing.T) {
	c, _ := newTestRegistry(t, "", WithDiscoveryTTL(0))

	rejecting := failingAgent(t, http.StatusBadRequest)
	backup := okAgent(t, `ok`)

	registerAgent(t, c, "pricing-backup", backup)
	registerAgent(t, c, "pricing-rejecting", rejecting)

	_, err := c.Invoke(context.Background(), "quote", []byte(`bad`))
	require.Error(t, err)

	var httpErr *resilience.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)
	assert.Zero(t, backup.calls.Load(), "a 4xx must not fail over")
}

func TestInvokeExhaustsCandidates(t *testing.T) {
	c, _ := newTestRegistry(t, "", WithDiscoveryTTL(0))

	for _, id := range []string{"pricing-1", "pricing-2", "pricing-3"} {
		registerAgent(t, c, id, failingAgent(t, http.StatusServiceUnavailable))
	}

	_, err := c.Invoke(context.Background(), "quote", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDiscoveryExhausted)
}

func TestInvokeNoCandidates(t *testing.T) {
	c, _ := newTestRegistry(t, "", WithDiscoveryTTL(0))

	_, err := c.Invoke(context.Background(), "nonexistent", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNoCandidates)
	// An empty candidate set is still exhaustion to the caller.
	assert.ErrorIs(t, err, core.ErrDiscoveryExhausted)
}

func TestInvokeOpenBreakerSkipsCandidate(t *testing.T) {
	breakerCfg := resilience.DefaultCircuitBreakerConfig("invoke")
	breakerCfg.FailureThreshold = 1
	breakerCfg.ResetTimeout = time.Hour

	c, _ := newTestRegistry(t, "",
		WithDiscoveryTTL(0),
		WithBreakerConfig(breakerCfg, nil),
	)

	healthy := okAgent(t, `ok`)
	broken := failingAgent(t, http.StatusInternalServerError)

	registerAgent(t, c, "pricing-healthy", healthy)
	registerAgent(t, c, "pricing-broken", broken)

	// First call trips the broken agent's breaker and fails over.
	result, err := c.Invoke(context.Background(), "quote", nil)
	require.NoError(t, err)
	assert.Equal(t, "pricing-healthy", result.AgentID)
	assert.Equal(t, "open", c.BreakerStates()["pricing-broken"])

	// Second call: the open breaker rejects without an HTTP request.
	before := broken.calls.Load()
	result, err = c.Invoke(context.Background(), "quote", nil)
	require.NoError(t, err)
	assert.Equal(t, "pricing-healthy", result.AgentID)
	assert.Equal(t, before, broken.calls.Load(), "open breaker must short-circuit")
}

func TestInvokeAgentDirect(t *testing.T) {
	c, _ := newTestRegistry(t, "", WithDiscoveryTTL(0))
	agent := okAgent(t, `direct`)
	registerAgent(t, c, "pricing-1", agent)

	result, err := c.InvokeAgent(context.Background(), "pricing-1", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte(`direct`), result.Body)

	_, err = c.InvokeAgent(context.Background(), "ghost", nil)
	assert.True(t, core.IsNotFound(err))
}

func TestInvokeMissingEndpoint(t *testing.T) {
	c, _ := newTestRegistry(t, "", WithDiscoveryTTL(0))

	reg := sampleRegistration("no-invoke")
	reg.Endpoints.Invoke = ""
	reg.Endpoints.HTTP = ""
	_, err := c.Register(context.Background(), reg)
	require.NoError(t, err)

	_, err = c.InvokeAgent(context.Background(), "no-invoke", nil)
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))
}
