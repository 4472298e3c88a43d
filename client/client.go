// Package client is the agent-side library for the registry: it
// registers and heartbeats the local agent, discovers peers with a
// short-lived cache, and invokes them behind per-target circuit
// breakers.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/resilience"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultDiscoveryTTL   = 15 * time.Second
)

// Client talks to a registry server. All methods are safe for concurrent
// use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	authToken  string
	logger     core.Logger

	// Discovery result cache; bounded staleness, never authoritative.
	cache        core.Memory
	discoveryTTL time.Duration

	breakers      *resilience.Group
	invokeTimeout time.Duration
	maxCandidates int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithAuthToken sets the bearer token sent on mutating requests.
func WithAuthToken(token string) ClientOption {
	return func(c *Client) { c.authToken = token }
}

// WithLogger sets the client logger.
func WithLogger(logger core.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDiscoveryTTL bounds staleness of cached discovery results. Zero
// disables caching.
func WithDiscoveryTTL(ttl time.Duration) ClientOption {
	return func(c *Client) { c.discoveryTTL = ttl }
}

// WithBreakerConfig replaces the per-target circuit breaker template.
func WithBreakerConfig(cfg *resilience.CircuitBreakerConfig, metrics resilience.MetricsCollector) ClientOption {
	return func(c *Client) {
		c.breakers = resilience.NewGroup(cfg, c.logger, metrics)
	}
}

// WithInvokeTimeout bounds each invoke attempt against one candidate.
func WithInvokeTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.invokeTimeout = timeout
		}
	}
}

// WithMaxCandidates bounds the invoke fan-out across distinct candidates.
func WithMaxCandidates(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxCandidates = n
		}
	}
}

// New creates a registry client for baseURL, e.g. "http://registry:8080".
func New(baseURL string, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("invalid registry URL %q: %w", baseURL, core.ErrInvalidConfiguration)
	}

	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   defaultRequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger:        &core.NoOpLogger{},
		cache:         core.NewMemoryStore(),
		discoveryTTL:  defaultDiscoveryTTL,
		invokeTimeout: defaultRequestTimeout,
		maxCandidates: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breakers == nil {
		c.breakers = resilience.NewGroup(resilience.DefaultCircuitBreakerConfig("invoke"), c.logger, nil)
	}
	return c, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	return req, nil
}

// apiError decodes the registry's {error_code, message} wire shape into
// the matching typed error.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var wire struct {
		ErrorCode string `json:"error_code"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(body, &wire); err == nil && wire.ErrorCode != "" {
		var sentinel error
		switch wire.ErrorCode {
		case core.KindNotFound:
			sentinel = core.ErrAgentNotFound
		case core.KindValidation:
			sentinel = core.ErrInvalidRegistration
		case core.KindStore:
			sentinel = core.ErrStoreUnavailable
		case core.KindAuth:
			sentinel = core.ErrUnauthorized
		}
		return &core.RegistryError{
			Op:      "client",
			Kind:    wire.ErrorCode,
			Message: wire.Message,
			Err:     sentinel,
		}
	}

	return &resilience.HTTPError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(body)),
	}
}

func (c *Client) do(req *http.Request, wantStatus int, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return apiError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// Register registers or replaces the agent's record.
func (c *Client) Register(ctx context.Context, reg *core.AgentRegistration) (*core.AgentRegistration, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/agents/register", reg)
	if err != nil {
		return nil, err
	}

	var stored core.AgentRegistration
	if err := c.do(req, http.StatusCreated, &stored); err != nil {
		return nil, err
	}
	c.logger.Info("Registered with registry", map[string]interface{}{
		"agent_id": stored.AgentID,
	})
	return &stored, nil
}

// Heartbeat records a liveness signal. Returns core.ErrAgentNotFound if
// the registry no longer knows the agent; callers should re-register.
func (c *Client) Heartbeat(ctx context.Context, agentID string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/agents/"+url.PathEscape(agentID)+"/heartbeat", nil)
	if err != nil {
		return err
	}
	return c.do(req, http.StatusOK, nil)
}

// Deregister removes the agent's record. Idempotent.
func (c *Client) Deregister(ctx context.Context, agentID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/v1/agents/"+url.PathEscape(agentID), nil)
	if err != nil {
		return err
	}
	return c.do(req, http.StatusNoContent, nil)
}

// Get fetches one registration by id.
func (c *Client) Get(ctx context.Context, agentID string) (*core.AgentRegistration, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(agentID), nil)
	if err != nil {
		return nil, err
	}
	var reg core.AgentRegistration
	if err := c.do(req, http.StatusOK, &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

type discoverResponse struct {
	Agents []*core.AgentRegistration `json:"agents"`
	Count  int                       `json:"count"`
}

func discoveryCacheKey(filter core.DiscoveryFilter) string {
	return fmt.Sprintf("discover:%s|%s|%s", filter.Capability, filter.AgentType, filter.Status)
}

// Discover queries the registry for agents matching the filter, serving
// repeat queries from a short-lived local cache. Cached results may lag
// the registry by up to the configured TTL; anything needing current
// state must bypass the cache with InvalidateDiscovery first.
func (c *Client) Discover(ctx context.Context, filter core.DiscoveryFilter) ([]*core.AgentRegistration, error) {
	key := discoveryCacheKey(filter)

	if c.discoveryTTL > 0 {
		if data, err := c.cache.Get(ctx, key); err == nil && data != "" {
			var cached []*core.AgentRegistration
			if err := json.Unmarshal([]byte(data), &cached); err == nil {
				return cached, nil
			}
		}
	}

	q := url.Values{}
	if filter.Capability != "" {
		q.Set("capability", filter.Capability)
	}
	if filter.AgentType != "" {
		q.Set("agent_type", filter.AgentType)
	}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	path := "/api/v1/agents/discover"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var out discoverResponse
	if err := c.do(req, http.StatusOK, &out); err != nil {
		return nil, err
	}

	if c.discoveryTTL > 0 {
		if data, err := json.Marshal(out.Agents); err == nil {
			_ = c.cache.Set(ctx, key, string(data), c.discoveryTTL)
		}
	}
	return out.Agents, nil
}

// InvalidateDiscovery drops the cached result for one filter so the next
// Discover hits the registry.
func (c *Client) InvalidateDiscovery(ctx context.Context, filter core.DiscoveryFilter) {
	_ = c.cache.Delete(ctx, discoveryCacheKey(filter))
}

// BreakerStates exposes the per-target circuit breaker states for
// debugging and metrics.
func (c *Client) BreakerStates() map[string]string {
	return c.breakers.States()
}
