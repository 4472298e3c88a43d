package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/registry"
	"github.com/agentmesh/agentmesh/telemetry"
)

func newServeCmd() *cobra.Command {
	var (
		configFile string
		port       int
		redisURL   string
		namespace  string
		authToken  string
		logLevel   string
		devMode    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the registry server",
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []core.Option
			if configFile != "" {
				opts = append(opts, core.WithConfigFile(configFile))
			}
			if cmd.Flags().Changed("port") {
				opts = append(opts, core.WithPort(port))
			}
			if redisURL != "" {
				opts = append(opts, core.WithRedisURL(redisURL))
			}
			if namespace != "" {
				opts = append(opts, core.WithNamespace(namespace))
			}
			if authToken != "" {
				opts = append(opts, core.WithAuthToken(authToken))
			}
			if logLevel != "" {
				opts = append(opts, core.WithLogLevel(logLevel))
			}
			if devMode {
				opts = append(opts, core.WithDevMode(true))
			}

			cfg, err := core.NewConfig(opts...)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			return runServer(cfg)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to YAML or JSON config file")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&redisURL, "redis-url", "", "Redis URL for the durable store (or REDIS_URL)")
	cmd.Flags().StringVar(&namespace, "namespace", "", "store key namespace")
	cmd.Flags().StringVar(&authToken, "auth-token", "", "bearer token required on mutating routes")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.Flags().BoolVar(&devMode, "dev", false, "development mode: in-memory store, debug logging")

	return cmd
}

func runServer(cfg *core.Config) error {
	logger := core.NewProductionLogger(cfg.Logging, cfg.Name)

	var tel core.Telemetry = &core.NoOpTelemetry{}
	var telShutdown func(context.Context) error
	if cfg.Telemetry.Enabled {
		provider, err := telemetry.NewOTelProvider(cfg.Name, cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		tel = provider
		telShutdown = provider.Shutdown
	}

	var durable core.RegistrationStore
	if cfg.DevMode {
		logger.Warn("Using in-memory store; registrations will not survive restarts", nil)
		durable = registry.NewMemoryStore(logger)
	} else {
		redisStore, err := registry.NewRedisStore(cfg.Store.RedisURL, cfg.Namespace, logger)
		if err != nil {
			return fmt.Errorf("failed to connect durable store: %w", err)
		}
		durable = redisStore
	}

	store := durable
	if cfg.Store.CacheEnabled {
		cache := core.NewMemoryStore()
		cache.SetLogger(logger)
		store = registry.NewDualStore(durable, cache, cfg.Store.CacheTTL, logger)
	}

	service := registry.NewService(store, logger, registry.WithServiceTelemetry(tel))
	monitor := registry.NewHealthMonitor(store, cfg.Health, logger)
	server := registry.NewServer(cfg, service, store, monitor, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", map[string]interface{}{
			"signal": sig.String(),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Graceful shutdown failed", map[string]interface{}{
			"error": err,
		})
	}
	if err := store.Close(); err != nil {
		logger.Warn("Store close failed", map[string]interface{}{
			"error": err,
		})
	}
	if telShutdown != nil {
		if err := telShutdown(ctx); err != nil {
			logger.Warn("Telemetry shutdown failed", map[string]interface{}{
				"error": err,
			})
		}
	}
	return nil
}
