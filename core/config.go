// Package core provides the fundamental types, interfaces, configuration,
// and error taxonomy shared by the registry, resilience, and client
// packages.
package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables recognized by LoadFromEnv.
const (
	EnvRedisURL  = "REDIS_URL"            // Redis connection URL for the durable store
	EnvNamespace = "NAMESPACE"            // Key namespace for multi-tenant isolation
	EnvPort      = "PORT"                 // HTTP server port
	EnvDevMode   = "DEV_MODE"             // Development mode flag
	EnvAuthToken = "AGENTMESH_AUTH_TOKEN" // Bearer token required on mutating routes
)

// Config is the registry process configuration. Fields map to YAML/JSON
// config files; LoadFromEnv overlays environment variables.
type Config struct {
	Name      string `json:"name" yaml:"name"`
	Port      int    `json:"port" yaml:"port"`
	Address   string `json:"address" yaml:"address"`
	Namespace string `json:"namespace" yaml:"namespace"`

	// AuthToken guards mutating API routes. Empty disables auth (dev only).
	AuthToken string `json:"auth_token" yaml:"auth_token"`

	HTTP      HTTPConfig      `json:"http" yaml:"http"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Health    HealthConfig    `json:"health" yaml:"health"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`

	// DevMode enables the in-memory store backend and verbose logging.
	DevMode bool `json:"dev_mode" yaml:"dev_mode"`
}

// HTTPConfig contains HTTP server configuration including timeouts and CORS.
type HTTPConfig struct {
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	MaxHeaderBytes  int           `json:"max_header_bytes" yaml:"max_header_bytes"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORS            CORSConfig    `json:"cors" yaml:"cors"`
}

// CORSConfig contains Cross-Origin Resource Sharing configuration.
type CORSConfig struct {
	Enabled          bool     `json:"enabled" yaml:"enabled"`
	AllowedOrigins   []string `json:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers" yaml:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials" yaml:"allow_credentials"`
	MaxAge           int      `json:"max_age" yaml:"max_age"`
}

// StoreConfig configures the registration store backends.
type StoreConfig struct {
	RedisURL string `json:"redis_url" yaml:"redis_url"`
	// CacheEnabled toggles the advisory fast-path cache in front of the
	// durable store.
	CacheEnabled bool `json:"cache_enabled" yaml:"cache_enabled"`
	// CacheTTL bounds staleness of cached records.
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	// OpTimeout bounds each store round trip.
	OpTimeout time.Duration `json:"op_timeout" yaml:"op_timeout"`
}

// HealthConfig holds the silence thresholds driving the agent health
// state machine and the sweep cadence. Ordering must be
// Degraded < Inactive < Reap, with SweepInterval well below Degraded.
type HealthConfig struct {
	DegradedAfter time.Duration `json:"degraded_after" yaml:"degraded_after"`
	InactiveAfter time.Duration `json:"inactive_after" yaml:"inactive_after"`
	ReapAfter     time.Duration `json:"reap_after" yaml:"reap_after"`
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json or text; auto-detected when empty
}

// TelemetryConfig controls the OpenTelemetry provider.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"` // OTLP gRPC endpoint; stdout exporter when empty
}

// Option is a functional configuration option.
type Option func(*Config) error

// DefaultConfig returns a configuration with production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:      "agentmesh-registry",
		Port:      8080,
		Namespace: "agentmesh",
		HTTP: HTTPConfig{
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 10 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization"},
				MaxAge:         86400,
			},
		},
		Store: StoreConfig{
			CacheEnabled: true,
			CacheTTL:     30 * time.Second,
			OpTimeout:    5 * time.Second,
		},
		Health: HealthConfig{
			DegradedAfter: 45 * time.Second,
			InactiveAfter: 2 * time.Minute,
			ReapAfter:     10 * time.Minute,
			SweepInterval: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// NewConfig builds a configuration from defaults, environment variables,
// and options, then validates it. Precedence: options > env > defaults.
func NewConfig(opts ...Option) (*Config, error) {
	c := DefaultConfig()

	if err := c.LoadFromEnv(); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFromEnv overlays environment variables onto the configuration.
// Unknown or malformed values are ignored rather than fatal, so a partial
// environment never prevents startup.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("AGENTMESH_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("AGENTMESH_ADDRESS"); v != "" {
		c.Address = v
	}
	if v := os.Getenv(EnvNamespace); v != "" {
		c.Namespace = v
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.Store.RedisURL = v
	}
	if v := os.Getenv(EnvAuthToken); v != "" {
		c.AuthToken = v
	}
	if v := os.Getenv(EnvDevMode); v != "" {
		c.DevMode = parseBool(v)
	}

	if v := os.Getenv("AGENTMESH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("AGENTMESH_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	if v := os.Getenv("AGENTMESH_DEGRADED_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Health.DegradedAfter = d
		}
	}
	if v := os.Getenv("AGENTMESH_INACTIVE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Health.InactiveAfter = d
		}
	}
	if v := os.Getenv("AGENTMESH_REAP_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Health.ReapAfter = d
		}
	}
	if v := os.Getenv("AGENTMESH_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Health.SweepInterval = d
		}
	}

	if v := os.Getenv("AGENTMESH_CORS_ENABLED"); v != "" {
		c.HTTP.CORS.Enabled = parseBool(v)
	}
	if v := os.Getenv("AGENTMESH_CORS_ORIGINS"); v != "" {
		c.HTTP.CORS.AllowedOrigins = parseStringList(v)
	}

	if v := os.Getenv("AGENTMESH_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}

	return nil
}

// LoadFromFile merges a YAML or JSON config file into the configuration.
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)

	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config file extension %s: %w", ext, ErrInvalidConfiguration)
	}

	data, err := os.ReadFile(cleanPath) // #nosec G304 -- path supplied by operator
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse JSON config file: %w", ErrInvalidConfiguration)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse YAML config file: %w", ErrInvalidConfiguration)
		}
	}

	return nil
}

// Validate checks the configuration and returns an error describing the
// first violation found.
//
// Validation rules:
//   - Port must be between 1 and 65535
//   - Name is required
//   - Redis URL is required unless DevMode selects the in-memory store
//   - Health thresholds must be ordered degraded < inactive < reap
//   - Sweep interval must be positive and below the degraded threshold
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return &RegistryError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("invalid port: %d", c.Port),
			Err:     ErrInvalidConfiguration,
		}
	}

	if c.Name == "" {
		return &RegistryError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "service name is required",
			Err:     ErrMissingConfiguration,
		}
	}

	if !c.DevMode && c.Store.RedisURL == "" {
		return &RegistryError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "store.redis_url is required outside dev mode",
			Err:     ErrMissingConfiguration,
		}
	}

	h := c.Health
	if h.DegradedAfter <= 0 || h.InactiveAfter <= h.DegradedAfter || h.ReapAfter <= h.InactiveAfter {
		return &RegistryError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("health thresholds must be ordered degraded < inactive < reap, got %v/%v/%v", h.DegradedAfter, h.InactiveAfter, h.ReapAfter),
			Err:     ErrInvalidConfiguration,
		}
	}
	if h.SweepInterval <= 0 || h.SweepInterval >= h.DegradedAfter {
		return &RegistryError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("sweep interval %v must be positive and below the degraded threshold %v", h.SweepInterval, h.DegradedAfter),
			Err:     ErrInvalidConfiguration,
		}
	}

	return nil
}

func parseStringList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// WithName sets the service name.
func WithName(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return fmt.Errorf("name cannot be empty: %w", ErrInvalidConfiguration)
		}
		c.Name = name
		return nil
	}
}

// WithPort sets the HTTP server port.
func WithPort(port int) Option {
	return func(c *Config) error {
		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid port %d: %w", port, ErrInvalidConfiguration)
		}
		c.Port = port
		return nil
	}
}

// WithAddress sets the bind address.
func WithAddress(address string) Option {
	return func(c *Config) error {
		c.Address = address
		return nil
	}
}

// WithNamespace sets the store key namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) error {
		c.Namespace = namespace
		return nil
	}
}

// WithRedisURL sets the durable store connection URL.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Store.RedisURL = url
		return nil
	}
}

// WithAuthToken sets the bearer token required on mutating API routes.
func WithAuthToken(token string) Option {
	return func(c *Config) error {
		c.AuthToken = token
		return nil
	}
}

// WithCacheEnabled toggles the fast-path cache.
func WithCacheEnabled(enabled bool) Option {
	return func(c *Config) error {
		c.Store.CacheEnabled = enabled
		return nil
	}
}

// WithHealthThresholds sets the silence thresholds for the health state
// machine.
func WithHealthThresholds(degraded, inactive, reap time.Duration) Option {
	return func(c *Config) error {
		c.Health.DegradedAfter = degraded
		c.Health.InactiveAfter = inactive
		c.Health.ReapAfter = reap
		return nil
	}
}

// WithSweepInterval sets the health monitor sweep cadence.
func WithSweepInterval(interval time.Duration) Option {
	return func(c *Config) error {
		c.Health.SweepInterval = interval
		return nil
	}
}

// WithCORS enables CORS for the given origins.
func WithCORS(origins []string, credentials bool) Option {
	return func(c *Config) error {
		c.HTTP.CORS.Enabled = true
		c.HTTP.CORS.AllowedOrigins = origins
		c.HTTP.CORS.AllowCredentials = credentials
		return nil
	}
}

// WithLogLevel sets the log level (debug, info, warn, error).
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		switch strings.ToLower(level) {
		case "debug", "info", "warn", "error":
			c.Logging.Level = level
			return nil
		}
		return fmt.Errorf("invalid log level %q: %w", level, ErrInvalidConfiguration)
	}
}

// WithLogFormat sets the log format (json or text).
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		switch strings.ToLower(format) {
		case "json", "text":
			c.Logging.Format = format
			return nil
		}
		return fmt.Errorf("invalid log format %q: %w", format, ErrInvalidConfiguration)
	}
}

// WithTelemetry enables telemetry with an optional OTLP endpoint.
func WithTelemetry(enabled bool, endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = enabled
		c.Telemetry.Endpoint = endpoint
		return nil
	}
}

// WithDevMode toggles development mode (in-memory store, debug logging).
func WithDevMode(enabled bool) Option {
	return func(c *Config) error {
		c.DevMode = enabled
		if enabled {
			c.Logging.Level = "debug"
		}
		return nil
	}
}

// WithConfigFile loads a YAML or JSON config file. Values already set by
// env are overwritten by the file; later options overwrite the file.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}
