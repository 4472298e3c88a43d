package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/registry"
)

// newTestRegistry runs a real registry server backed by the in-memory
// store and returns a client pointed at it.
func newTestRegistry(t *testing.T, authToken string, opts ...ClientOption) (*Client, *registry.Service) {
	t.Helper()

	store := registry.NewMemoryStore(nil)
	svc := registry.NewService(store, nil)
	api := registry.NewAPI(svc, store, authToken, nil)

	mux := http.NewServeMux()
	api.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	if authToken != "" {
		opts = append(opts, WithAuthToken(authToken))
	}
	c, err := New(srv.URL, opts...)
	require.NoError(t, err)
	return c, svc
}

func sampleRegistration(id string) *core.AgentRegistration {
	return &core.AgentRegistration{
		AgentID:      id,
		AgentName:    "pricing-agent",
		AgentType:    "pricing",
		Capabilities: []string{"quote"},
		Endpoints: core.Endpoints{
			Health: "http://pricing:8080/health",
			Invoke: "http://pricing:8080/invoke",
		},
	}
}

func TestClientRegisterHeartbeatDeregister(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestRegistry(t, "")

	stored, err := c.Register(ctx, sampleRegistration("agent-1"))
	require.NoError(t, err)
	assert.Equal(t, core.StatusActive, stored.Status)

	require.NoError(t, c.Heartbeat(ctx, "agent-1"))

	err = c.Heartbeat(ctx, "ghost")
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err), "404 must decode to the typed not-found error")

	require.NoError(t, c.Deregister(ctx, "agent-1"))
	require.NoError(t, c.Deregister(ctx, "agent-1"), "deregister is idempotent")

	_, err = c.Get(ctx, "agent-1")
	assert.True(t, core.IsNotFound(err))
}

func TestClientRegisterValidationError(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestRegistry(t, "")

	bad := sampleRegistration("agent-1")
	bad.Capabilities = nil
	_, err := c.Register(ctx, bad)
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))
}

func TestClientAuthToken(t *testing.T) {
	ctx := context.Background()

	t.Run("token accepted", func(t *testing.T) {
		c, _ := newTestRegistry(t, "s3cret")
		_, err := c.Register(ctx, sampleRegistration("agent-1"))
		assert.NoError(t, err)
	})

	t.Run("missing token rejected", func(t *testing.T) {
		c, _ := newTestRegistry(t, "s3cret")
		c.authToken = ""
		_, err := c.Register(ctx, sampleRegistration("agent-1"))
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrUnauthorized)
	})
}

func TestClientDiscoverCaching(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestRegistry(t, "", WithDiscoveryTTL(time.Minute))

	_, err := c.Register(ctx, sampleRegistration("agent-1"))
	require.NoError(t, err)

	filter := core.DiscoveryFilter{Capability: "quote"}

	first, err := c.Discover(ctx, filter)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A second agent appears, but the cached result is still served.
	_, err = c.Register(ctx, sampleRegistration("agent-2"))
	require.NoError(t, err)

	second, err := c.Discover(ctx, filter)
	require.NoError(t, err)
	assert.Len(t, second, 1, "within the TTL the cached snapshot is returned")

	// Invalidation forces a fresh read.
	c.InvalidateDiscovery(ctx, filter)
	third, err := c.Discover(ctx, filter)
	require.NoError(t, err)
	assert.Len(t, third, 2)
}

func TestClientDiscoverCacheDisabled(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestRegistry(t, "", WithDiscoveryTTL(0))

	_, err := c.Register(ctx, sampleRegistration("agent-1"))
	require.NoError(t, err)

	first, err := c.Discover(ctx, core.DiscoveryFilter{Capability: "quote"})
	require.NoError(t, err)
	require.Len(t, first, 1)

	_, err = c.Register(ctx, sampleRegistration("agent-2"))
	require.NoError(t, err)

	second, err := c.Discover(ctx, core.DiscoveryFilter{Capability: "quote"})
	require.NoError(t, err)
	assert.Len(t, second, 2, "TTL zero disables the cache")
}

func TestClientInvalidURL(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

func TestGenerateAgentID(t *testing.T) {
	id := GenerateAgentID("Pricing Agent")
	assert.Regexp(t, `^pricing-agent-[0-9a-f]{8}$`, id)
	assert.NotEqual(t, id, GenerateAgentID("Pricing Agent"))
}

func TestHeartbeatLoopReRegisters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, svc := newTestRegistry(t, "")

	stored, err := c.Register(ctx, sampleRegistration("agent-1"))
	require.NoError(t, err)

	// Simulate a reap: the loop's next heartbeat gets 404 and must
	// re-register.
	require.NoError(t, svc.Deregister(ctx, "agent-1"))

	go c.HeartbeatLoop(ctx, stored, 30*time.Millisecond)

	assert.Eventually(t, func() bool {
		_, err := svc.Get(context.Background(), "agent-1")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond, "agent should be re-registered by the loop")
}

func TestRegisterAndMaintain(t *testing.T) {
	ctx := context.Background()
	c, svc := newTestRegistry(t, "")

	stop, err := c.RegisterAndMaintain(ctx, sampleRegistration("agent-1"), 50*time.Millisecond)
	require.NoError(t, err)

	_, err = svc.Get(ctx, "agent-1")
	require.NoError(t, err)

	stop()

	_, err = svc.Get(ctx, "agent-1")
	assert.True(t, core.IsNotFound(err), "stop must deregister")
}
