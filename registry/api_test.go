package registry

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/core"
)

func newTestAPI(t *testing.T, authToken string) *httptest.Server {
	t.Helper()
	store := NewMemoryStore(nil)
	svc := NewService(store, nil)
	api := NewAPI(svc, store, authToken, nil)

	mux := http.NewServeMux()
	api.Routes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestRegisterEndpoint(t *testing.T) {
	srv := newTestAPI(t, "")

	t.Run("valid registration returns 201", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/api/v1/agents/register", testRegistration("agent-1"))
		assert.Equal(t, http.StatusCreated, resp.StatusCode)

		var stored core.AgentRegistration
		decodeBody(t, resp, &stored)
		assert.Equal(t, "agent-1", stored.AgentID)
		assert.Equal(t, core.StatusActive, stored.Status)
		assert.False(t, stored.RegisteredAt.IsZero())
	})

	t.Run("invalid registration returns 400 with error code", func(t *testing.T) {
		reg := testRegistration("agent-2")
		reg.Capabilities = nil
		resp := postJSON(t, srv.URL+"/api/v1/agents/register", reg)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		var body map[string]string
		decodeBody(t, resp, &body)
		assert.Equal(t, core.KindValidation, body["error_code"])
		assert.NotEmpty(t, body["message"])
	})

	t.Run("malformed JSON returns 400", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/api/v1/agents/register", "application/json", bytes.NewBufferString("{nope"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHeartbeatEndpoint(t *testing.T) {
	srv := newTestAPI(t, "")

	resp := postJSON(t, srv.URL+"/api/v1/agents/register", testRegistration("agent-1"))
	resp.Body.Close()

	t.Run("known agent returns 200", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/api/v1/agents/agent-1/heartbeat", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]interface{}
		decodeBody(t, resp, &body)
		assert.Equal(t, "agent-1", body["agent_id"])
		assert.Equal(t, "active", body["status"])
	})

	t.Run("unknown agent returns 404", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/api/v1/agents/ghost/heartbeat", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		var body map[string]string
		decodeBody(t, resp, &body)
		assert.Equal(t, core.KindNotFound, body["error_code"])
	})
}

func TestDiscoverEndpoint(t *testing.T) {
	srv := newTestAPI(t, "")

	for _, reg := range []*core.AgentRegistration{
		testRegistration("pricing-1"),
		testRegistration("pricing-2"),
	} {
		resp := postJSON(t, srv.URL+"/api/v1/agents/register", reg)
		resp.Body.Close()
	}
	billing := testRegistration("billing-1")
	billing.AgentType = "billing"
	billing.Capabilities = []string{"invoice"}
	resp := postJSON(t, srv.URL+"/api/v1/agents/register", billing)
	resp.Body.Close()

	get := func(t *testing.T, query string) (int, map[string]json.RawMessage) {
		resp, err := http.Get(srv.URL + "/api/v1/agents/discover" + query)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp.StatusCode, body
	}

	t.Run("filter by capability", func(t *testing.T) {
		status, body := get(t, "?capability=quote")
		assert.Equal(t, http.StatusOK, status)

		var agents []*core.AgentRegistration
		require.NoError(t, json.Unmarshal(body["agents"], &agents))
		assert.Len(t, agents, 2)
	})

	t.Run("filter by type", func(t *testing.T) {
		status, body := get(t, "?agent_type=billing")
		assert.Equal(t, http.StatusOK, status)

		var agents []*core.AgentRegistration
		require.NoError(t, json.Unmarshal(body["agents"], &agents))
		require.Len(t, agents, 1)
		assert.Equal(t, "billing-1", agents[0].AgentID)
	})

	t.Run("no match returns empty list not error", func(t *testing.T) {
		status, body := get(t, "?capability=nonexistent")
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "0", string(body["count"]))
	})

	t.Run("bogus status filter returns 400", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/v1/agents/discover?status=zombie")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestGetAndDeregisterEndpoints(t *testing.T) {
	srv := newTestAPI(t, "")
	client := &http.Client{}

	resp := postJSON(t, srv.URL+"/api/v1/agents/register", testRegistration("agent-1"))
	resp.Body.Close()

	t.Run("get known agent", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/v1/agents/agent-1")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var reg core.AgentRegistration
		decodeBody(t, resp, &reg)
		assert.Equal(t, "agent-1", reg.AgentID)
	})

	t.Run("get unknown agent returns 404", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/v1/agents/ghost")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/agents/agent-1", nil)
			require.NoError(t, err)
			resp, err := client.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusNoContent, resp.StatusCode, "attempt %d", i+1)
		}
	})
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	srv := newTestAPI(t, "")

	resp := postJSON(t, srv.URL+"/api/v1/agents/register", testRegistration("agent-1"))
	resp.Body.Close()

	t.Run("health", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/health")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]string
		decodeBody(t, resp, &body)
		assert.Equal(t, "healthy", body["status"])
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/metrics")
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var m core.RegistryMetrics
		decodeBody(t, resp, &m)
		assert.Equal(t, 1, m.TotalAgents)
		assert.Equal(t, 1, m.ByStatus["active"])
	})
}

func TestAPIAuth(t *testing.T) {
	srv := newTestAPI(t, "s3cret")
	client := &http.Client{}

	authedPost := func(t *testing.T, path, token string, body interface{}) *http.Response {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(data))
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := client.Do(req)
		require.NoError(t, err)
		return resp
	}

	t.Run("register without token rejected", func(t *testing.T) {
		resp := authedPost(t, "/api/v1/agents/register", "", testRegistration("agent-1"))
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("register with token accepted", func(t *testing.T) {
		resp := authedPost(t, "/api/v1/agents/register", "s3cret", testRegistration("agent-1"))
		resp.Body.Close()
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
	})

	t.Run("reads stay open", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/v1/agents/discover")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("delete requires token", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/agents/agent-1", nil)
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}
