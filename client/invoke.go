package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/resilience"
)

// InvokeResult carries the responding agent's identity alongside its
// payload, since fan-out means the caller does not know in advance which
// candidate answered.
type InvokeResult struct {
	AgentID string
	Body    []byte
}

// Invoke calls an agent offering the capability, failing over across
// candidates. Candidates are tried freshest-heartbeat-first, each behind
// its own circuit breaker and per-attempt timeout, up to the configured
// fan-out bound.
//
// A 4xx response is returned immediately without trying further
// candidates: the request itself is bad and every candidate would reject
// it the same way. Transport failures, timeouts, 5xx responses, and open
// breakers move on to the next candidate. When every candidate fails, or
// discovery returns none at all, the error wraps
// core.ErrDiscoveryExhausted.
func (c *Client) Invoke(ctx context.Context, capability string, payload []byte) (*InvokeResult, error) {
	candidates, err := c.Discover(ctx, core.DiscoveryFilter{
		Capability: capability,
		Status:     core.StatusActive,
	})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, &core.RegistryError{
			Op:      "client.Invoke",
			Kind:    core.KindNotFound,
			Message: "no active agents offer capability " + capability,
			Err:     core.ErrNoCandidates,
		}
	}

	attempts := c.maxCandidates
	if attempts > len(candidates) {
		attempts = len(candidates)
	}

	var lastErr error
	for _, candidate := range candidates[:attempts] {
		result, err := c.invokeOne(ctx, candidate, payload)
		if err == nil {
			return result, nil
		}

		// Caller mistakes terminate the fan-out; retrying elsewhere
		// cannot help a malformed request.
		var httpErr *resilience.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		c.logger.Warn("Invoke attempt failed, trying next candidate", map[string]interface{}{
			"capability": capability,
			"agent_id":   candidate.AgentID,
			"error":      err,
		})
	}

	return nil, &core.RegistryError{
		Op:      "client.Invoke",
		Kind:    core.KindInternal,
		Message: fmt.Sprintf("all %d candidates for %s failed", attempts, capability),
		Err:     fmt.Errorf("%w: %v", core.ErrDiscoveryExhausted, lastErr),
	}
}

// InvokeAgent calls one specific agent by id through its breaker.
func (c *Client) InvokeAgent(ctx context.Context, agentID string, payload []byte) (*InvokeResult, error) {
	reg, err := c.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return c.invokeOne(ctx, reg, payload)
}

func (c *Client) invokeOne(ctx context.Context, reg *core.AgentRegistration, payload []byte) (*InvokeResult, error) {
	endpoint := reg.Endpoints.Invoke
	if endpoint == "" {
		endpoint = reg.Endpoints.HTTP
	}
	if endpoint == "" {
		return nil, &core.RegistryError{
			Op:      "client.Invoke",
			Kind:    core.KindValidation,
			AgentID: reg.AgentID,
			Message: "agent exposes no invoke endpoint",
			Err:     core.ErrInvalidRegistration,
		}
	}

	var body []byte
	cb := c.breakers.For(reg.AgentID)
	err := cb.ExecuteWithTimeout(ctx, c.invokeTimeout, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", core.ErrConnectionFailed, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: %v", core.ErrConnectionFailed, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &resilience.HTTPError{
				StatusCode: resp.StatusCode,
				Status:     resp.Status,
				Body:       string(data),
			}
		}
		body = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &InvokeResult{AgentID: reg.AgentID, Body: body}, nil
}
