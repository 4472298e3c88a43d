package registry

import (
	"encoding/json"
	"net/http"

	"github.com/agentmesh/agentmesh/core"
)

// API exposes the registry over REST. Routes:
//
//	POST   /api/v1/agents/register        register or replace an agent
//	POST   /api/v1/agents/{id}/heartbeat  record a liveness signal
//	GET    /api/v1/agents/discover        query by capability/type/status
//	GET    /api/v1/agents/{id}            fetch one registration
//	DELETE /api/v1/agents/{id}            remove an agent (idempotent)
//	GET    /health                        registry liveness incl. store ping
//	GET    /metrics                       aggregate registry counts
//
// Mutating routes require bearer auth when a token is configured; reads
// stay open so agents can discover each other without credential
// distribution.
type API struct {
	registry core.Registry
	store    core.RegistrationStore
	logger   core.Logger
	auth     func(http.Handler) http.Handler
}

// NewAPI creates the REST handler set. authToken empty disables auth.
func NewAPI(registry core.Registry, store core.RegistrationStore, authToken string, logger core.Logger) *API {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &API{
		registry: registry,
		store:    store,
		logger:   logger,
		auth:     core.BearerAuthMiddleware(authToken, logger),
	}
}

// Routes registers all handlers on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.Handle("POST /api/v1/agents/register", a.auth(http.HandlerFunc(a.handleRegister)))
	mux.Handle("POST /api/v1/agents/{id}/heartbeat", a.auth(http.HandlerFunc(a.handleHeartbeat)))
	mux.HandleFunc("GET /api/v1/agents/discover", a.handleDiscover)
	mux.HandleFunc("GET /api/v1/agents/{id}", a.handleGet)
	mux.Handle("DELETE /api/v1/agents/{id}", a.auth(http.HandlerFunc(a.handleDeregister)))
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /metrics", a.handleMetrics)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			a.logger.Error("Failed to encode response", map[string]interface{}{
				"error": err,
			})
		}
	}
}

// writeError maps an error to its HTTP status and the stable
// {error_code, message} wire shape.
func (a *API) writeError(w http.ResponseWriter, err error) {
	code := core.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case core.KindValidation:
		status = http.StatusBadRequest
	case core.KindNotFound:
		status = http.StatusNotFound
	case core.KindStore:
		status = http.StatusServiceUnavailable
	case core.KindAuth:
		status = http.StatusUnauthorized
	}

	a.writeJSON(w, status, map[string]string{
		"error_code": code,
		"message":    err.Error(),
	})
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg core.AgentRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		a.writeError(w, &core.RegistryError{
			Op:      "api.Register",
			Kind:    core.KindValidation,
			Message: "malformed registration body",
			Err:     core.ErrInvalidRegistration,
		})
		return
	}

	stored, err := a.registry.Register(r.Context(), &reg)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, stored)
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	reg, err := a.registry.Heartbeat(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id":       reg.AgentID,
		"status":         reg.Status,
		"last_heartbeat": reg.LastHeartbeat,
	})
}

func (a *API) handleDiscover(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.DiscoveryFilter{
		Capability: q.Get("capability"),
		AgentType:  q.Get("agent_type"),
		Status:     core.AgentStatus(q.Get("status")),
	}
	if filter.Status != "" && filter.Status != core.StatusAll && !filter.Status.Valid() {
		a.writeError(w, &core.RegistryError{
			Op:      "api.Discover",
			Kind:    core.KindValidation,
			Message: "invalid status filter: " + string(filter.Status),
			Err:     core.ErrInvalidRegistration,
		})
		return
	}

	regs, err := a.registry.Discover(r.Context(), filter)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": regs,
		"count":  len(regs),
	})
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	reg, err := a.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, reg)
}

func (a *API) handleDeregister(w http.ResponseWriter, r *http.Request) {
	if err := a.registry.Deregister(r.Context(), r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"store":  "unreachable",
		})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := a.registry.Metrics(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, m)
}
