package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/keygate/pkg/observability"
)

// Session and rate limit backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	SSO           SSOConfig
	Session       SessionConfig
	RateLimit     RateLimitConfig
	Maintenance   MaintenanceConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// TrustProxy honors X-Forwarded-Proto and X-Forwarded-Host. Only enable
	// it behind a reverse proxy that overwrites them.
	TrustProxy bool
}

// SSOConfig locates the identity provider client and shapes the gate
type SSOConfig struct {
	// ClientConfigPath points at a keycloak.json or YAML client config
	ClientConfigPath string
	// WatchClientConfig re-initializes the gate when the file changes
	WatchClientConfig bool
	LogoutPath        string
	RedirectPath      string
	// HTTPTimeout bounds discovery, key fetches and code exchange
	HTTPTimeout time.Duration
}

// SessionConfig selects and tunes the session store
type SessionConfig struct {
	Secret        string
	Backend       string
	RedisURL      string
	RedisPrefix   string
	TTL           time.Duration
	MemorySize    int
	SecureCookies bool
}

// RateLimitConfig throttles protected routes. Redis counters are shared by
// replicas; memory buckets are per process.
type RateLimitConfig struct {
	Enabled           bool
	Backend           string
	RequestsPerWindow int
	Window            time.Duration
	Burst             int
}

// MaintenanceConfig schedules background housekeeping
type MaintenanceConfig struct {
	// Schedule is a robfig/cron expression, e.g. "@every 1m"
	Schedule string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from KEYGATE_* environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		SSO:           loadSSOConfig(),
		Session:       loadSessionConfig(),
		RateLimit:     loadRateLimitConfig(),
		Maintenance:   MaintenanceConfig{Schedule: getEnv("KEYGATE_MAINTENANCE_SCHEDULE", "@every 1m")},
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("KEYGATE_HOST", "0.0.0.0"),
		Port:            getEnv("KEYGATE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("KEYGATE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("KEYGATE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("KEYGATE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("KEYGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
		TrustProxy:      getEnvBool("KEYGATE_TRUST_PROXY", false),
	}
}

func loadSSOConfig() SSOConfig {
	return SSOConfig{
		ClientConfigPath:  getEnv("KEYGATE_CLIENT_CONFIG", "keycloak.json"),
		WatchClientConfig: getEnvBool("KEYGATE_WATCH_CLIENT_CONFIG", true),
		LogoutPath:        getEnv("KEYGATE_LOGOUT_PATH", "/logout"),
		RedirectPath:      getEnv("KEYGATE_REDIRECT_PATH", "/"),
		HTTPTimeout:       getEnvDuration("KEYGATE_IDP_TIMEOUT", 30*time.Second),
	}
}

func loadSessionConfig() SessionConfig {
	return SessionConfig{
		Secret:        getEnv("KEYGATE_SESSION_SECRET", ""),
		Backend:       strings.ToLower(getEnv("KEYGATE_SESSION_BACKEND", BackendMemory)),
		RedisURL:      getEnv("KEYGATE_REDIS_URL", ""),
		RedisPrefix:   getEnv("KEYGATE_REDIS_PREFIX", "keygate:session"),
		TTL:           getEnvDuration("KEYGATE_SESSION_TTL", 24*time.Hour),
		MemorySize:    getEnvInt("KEYGATE_SESSION_MEMORY_SIZE", 10000),
		SecureCookies: getEnvBool("KEYGATE_SECURE_COOKIES", false),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           getEnvBool("KEYGATE_RATE_LIMIT_ENABLED", true),
		Backend:           strings.ToLower(getEnv("KEYGATE_RATE_LIMIT_BACKEND", BackendMemory)),
		RequestsPerWindow: getEnvInt("KEYGATE_RATE_LIMIT_REQUESTS", 30),
		Window:            getEnvDuration("KEYGATE_RATE_LIMIT_WINDOW", time.Minute),
		Burst:             getEnvInt("KEYGATE_RATE_LIMIT_BURST", 10),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("KEYGATE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("KEYGATE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("KEYGATE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("KEYGATE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("KEYGATE_OTEL_SERVICE_NAME", observability.DefaultServiceName),
		OTelServiceVersion: getEnv("KEYGATE_OTEL_SERVICE_VERSION", "dev"),
		OTelInsecure:       getEnvBool("KEYGATE_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("KEYGATE_OTEL_SAMPLE_RATIO", 1),
	}
}

// UsesRedis reports whether any component needs a redis connection
func (c *Config) UsesRedis() bool {
	return c.Session.Backend == BackendRedis || (c.RateLimit.Enabled && c.RateLimit.Backend == BackendRedis)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server port is required")
	}
	if c.SSO.ClientConfigPath == "" {
		return errors.New("client config path is required")
	}
	if c.SSO.LogoutPath != "" && !strings.HasPrefix(c.SSO.LogoutPath, "/") {
		return fmt.Errorf("logout path must start with /: %q", c.SSO.LogoutPath)
	}

	for name, backend := range map[string]string{"session": c.Session.Backend, "rate limit": c.RateLimit.Backend} {
		if backend != BackendMemory && backend != BackendRedis {
			return fmt.Errorf("invalid %s backend: %s (must be memory or redis)", name, backend)
		}
	}
	if c.UsesRedis() && c.Session.RedisURL == "" {
		return errors.New("redis URL is required for the redis backend")
	}
	if c.Session.TTL <= 0 {
		return errors.New("session TTL must be positive")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerWindow <= 0 {
			return errors.New("rate limit requests must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return errors.New("rate limit window must be positive")
		}
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return errors.New("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return errors.New("OpenTelemetry service name is required when OTel is enabled")
		}
		if r := c.Observability.OTelSampleRatio; r < 0 || r > 1 {
			return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1: %v", r)
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvFloat returns an environment variable as a float or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
