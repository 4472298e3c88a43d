package registry

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/agentmesh/agentmesh/core"
)

// Server owns the registry HTTP listener and the health monitor lifecycle.
type Server struct {
	cfg     *core.Config
	logger  core.Logger
	httpSrv *http.Server
	monitor *HealthMonitor
}

// NewServer wires the API handlers and middleware chain into an
// http.Server. Middleware runs outermost-first: tracing, request logging,
// then CORS; per-route auth is applied inside the API.
func NewServer(cfg *core.Config, registry core.Registry, store core.RegistrationStore, monitor *HealthMonitor, logger core.Logger) *Server {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	mux := http.NewServeMux()
	api := NewAPI(registry, store, cfg.AuthToken, logger)
	api.Routes(mux)

	var handler http.Handler = mux
	handler = core.CORSMiddleware(&cfg.HTTP.CORS)(handler)
	handler = core.LoggingMiddleware(logger, cfg.DevMode)(handler)
	handler = otelhttp.NewHandler(handler, "registry.http")

	return &Server{
		cfg:    cfg,
		logger: logger,
		httpSrv: &http.Server{
			Addr:           fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
			Handler:        handler,
			ReadTimeout:    cfg.HTTP.ReadTimeout,
			WriteTimeout:   cfg.HTTP.WriteTimeout,
			IdleTimeout:    cfg.HTTP.IdleTimeout,
			MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
		},
		monitor: monitor,
	}
}

// Start begins the health monitor and serves HTTP until the listener
// closes. It blocks; run it in a goroutine if the caller needs to keep
// working.
func (s *Server) Start() error {
	if s.monitor != nil {
		if err := s.monitor.Start(); err != nil {
			return err
		}
	}

	s.logger.Info("Registry server listening", map[string]interface{}{
		"addr":      s.httpSrv.Addr,
		"auth":      s.cfg.AuthToken != "",
		"dev_mode":  s.cfg.DevMode,
		"namespace": s.cfg.Namespace,
	})

	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("registry server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections, drains in-flight requests within
// the configured timeout, and stops the health monitor.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.HTTP.ShutdownTimeout)
	defer cancel()

	err := s.httpSrv.Shutdown(shutdownCtx)

	if s.monitor != nil {
		s.monitor.Stop()
	}

	s.logger.Info("Registry server stopped", nil)
	return err
}
