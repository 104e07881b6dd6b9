package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	appErrors "github.com/NikhilSetiya/storyforge/pkg/errors"
	"github.com/NikhilSetiya/storyforge/pkg/ratelimit"
	"github.com/NikhilSetiya/storyforge/pkg/resilience"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `json:"server"`
	Redis     RedisConfig     `json:"redis"`
	Provider  ProviderConfig  `json:"provider"`
	Retry     RetryConfig     `json:"retry"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Logging   LoggingConfig   `json:"logging"`
	Tracing   TracingConfig   `json:"tracing"`
	Metrics   MetricsConfig   `json:"metrics"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	Environment     string        `json:"environment"`
	AllowedOrigins  []string      `json:"allowed_origins"`
	// TrustedProxies may set X-Forwarded-For; empty trusts none
	TrustedProxies []string `json:"trusted_proxies"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"-"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// ProviderConfig contains the AI completion provider configuration
type ProviderConfig struct {
	Name      string        `json:"name"`
	BaseURL   string        `json:"base_url"`
	APIKey    string        `json:"-"`
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Timeout   time.Duration `json:"timeout"`
}

// RetryConfig contains the retry policy for provider calls
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	Multiplier  float64       `json:"multiplier"`
	Jitter      string        `json:"jitter"`
}

// RateLimitConfig contains admission control configuration
type RateLimitConfig struct {
	Store           string        `json:"store"`
	Window          time.Duration `json:"window"`
	DefaultLimit    int           `json:"default_limit"`
	GenerationLimit int           `json:"generation_limit"`
	ListLimit       int           `json:"list_limit"`
	HealthLimit     int           `json:"health_limit"`
	GlobalLimit     int           `json:"global_limit"`
	AllowList       []string      `json:"allow_list"`
	IdleTTL         time.Duration `json:"idle_ttl"`
	MaxKeys         int           `json:"max_keys"`
	SweepInterval   time.Duration `json:"sweep_interval"`
	KeyPrefix       string        `json:"key_prefix"`
	ClientKeyHeader string        `json:"client_key_header"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// TracingConfig contains tracing configuration
type TracingConfig struct {
	Enabled      bool    `json:"enabled"`
	Exporter     string  `json:"exporter"`
	Endpoint     string  `json:"endpoint"`
	SamplingRate float64 `json:"sampling_rate"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled         bool          `json:"enabled"`
	Namespace       string        `json:"namespace"`
	CollectInterval time.Duration `json:"collect_interval"`
}

// Rate limit store backends
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// LoadDotEnv loads variables from .env files into the process environment.
// Missing files are not an error.
func LoadDotEnv(paths ...string) error {
	if err := godotenv.Load(paths...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:            getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 90*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			Environment:     getEnvString("ENVIRONMENT", "development"),
			AllowedOrigins:  getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			TrustedProxies:  getEnvList("SERVER_TRUSTED_PROXIES", nil),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Provider: ProviderConfig{
			Name:      getEnvString("PROVIDER_NAME", "openai"),
			BaseURL:   getEnvString("PROVIDER_BASE_URL", "https://api.openai.com/v1"),
			APIKey:    getEnvString("PROVIDER_API_KEY", ""),
			Model:     getEnvString("PROVIDER_MODEL", "gpt-4o-mini"),
			MaxTokens: getEnvInt("PROVIDER_MAX_TOKENS", 1024),
			Timeout:   getEnvDuration("PROVIDER_TIMEOUT", 30*time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:   getEnvDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:    getEnvDuration("RETRY_MAX_DELAY", 10*time.Second),
			Multiplier:  getEnvFloat("RETRY_MULTIPLIER", 2.0),
			Jitter:      getEnvString("RETRY_JITTER", "equal"),
		},
		RateLimit: RateLimitConfig{
			Store:           getEnvString("RATE_LIMIT_STORE", StoreMemory),
			Window:          getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
			DefaultLimit:    getEnvInt("RATE_LIMIT_DEFAULT", 60),
			GenerationLimit: getEnvInt("RATE_LIMIT_GENERATION", 10),
			ListLimit:       getEnvInt("RATE_LIMIT_LIST", 120),
			HealthLimit:     getEnvInt("RATE_LIMIT_HEALTH", 600),
			GlobalLimit:     getEnvInt("RATE_LIMIT_GLOBAL", 1000),
			AllowList:       getEnvList("RATE_LIMIT_ALLOW_LIST", nil),
			IdleTTL:         getEnvDuration("RATE_LIMIT_IDLE_TTL", 10*time.Minute),
			MaxKeys:         getEnvInt("RATE_LIMIT_MAX_KEYS", 100000),
			SweepInterval:   getEnvDuration("RATE_LIMIT_SWEEP_INTERVAL", time.Minute),
			KeyPrefix:       getEnvString("RATE_LIMIT_KEY_PREFIX", "storyforge:ratelimit:"),
			ClientKeyHeader: getEnvString("RATE_LIMIT_CLIENT_KEY_HEADER", "X-API-Key"),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Tracing: TracingConfig{
			Enabled:      getEnvBool("TRACING_ENABLED", false),
			Exporter:     getEnvString("TRACING_EXPORTER", "jaeger"),
			Endpoint:     getEnvString("TRACING_ENDPOINT", "http://localhost:14268/api/traces"),
			SamplingRate: getEnvFloat("TRACING_SAMPLING_RATE", 1.0),
		},
		Metrics: MetricsConfig{
			Enabled:         getEnvBool("METRICS_ENABLED", true),
			Namespace:       getEnvString("METRICS_NAMESPACE", "storyforge"),
			CollectInterval: getEnvDuration("METRICS_COLLECT_INTERVAL", 15*time.Second),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d is out of range", c.Server.Port)
	}

	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider base URL is required")
	}

	if err := c.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}

	switch c.RateLimit.Store {
	case StoreMemory:
	case StoreRedis:
		if !c.Redis.Enabled {
			return fmt.Errorf("redis rate limit store requires REDIS_ENABLED")
		}
	default:
		return fmt.Errorf("unknown rate limit store %q", c.RateLimit.Store)
	}

	if err := c.RateLimiter().Validate(); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing sampling rate must be between 0 and 1")
	}

	return nil
}

// RateLimiter builds the admission controller configuration
func (c *Config) RateLimiter() ratelimit.Config {
	window := c.RateLimit.Window
	return ratelimit.Config{
		Default: ratelimit.Limit{Requests: c.RateLimit.DefaultLimit, Window: window},
		Classes: map[string]ratelimit.Limit{
			ratelimit.ClassStoryGeneration: {Requests: c.RateLimit.GenerationLimit, Window: window},
			ratelimit.ClassList:            {Requests: c.RateLimit.ListLimit, Window: window},
			ratelimit.ClassHealth:          {Requests: c.RateLimit.HealthLimit, Window: window},
		},
		Global:    ratelimit.Limit{Requests: c.RateLimit.GlobalLimit, Window: window},
		AllowList: c.RateLimit.AllowList,
		IdleTTL:   c.RateLimit.IdleTTL,
		MaxKeys:   c.RateLimit.MaxKeys,
		KeyPrefix: c.RateLimit.KeyPrefix,
	}
}

// RetryPolicy builds the provider retry policy
func (c *Config) RetryPolicy() resilience.Policy {
	return resilience.Policy{
		MaxAttempts:         c.Retry.MaxAttempts,
		BaseDelay:           c.Retry.BaseDelay,
		MaxDelay:            c.Retry.MaxDelay,
		Multiplier:          c.Retry.Multiplier,
		Jitter:              resilience.Jitter(c.Retry.Jitter),
		RetryableCategories: append([]appErrors.ErrorType(nil), appErrors.TransientTypes...),
	}
}

// Address returns the HTTP listen address
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// RedisAddr returns the Redis host:port
func (c *Config) RedisAddr() string {
	return c.Redis.Addr()
}

// Addr returns the Redis host:port
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// RedisURL returns the Redis connection URL
func (c *Config) RedisURL() string {
	if c.Redis.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d",
			c.Redis.Password,
			c.Redis.Host,
			c.Redis.Port,
			c.Redis.DB,
		)
	}
	return fmt.Sprintf("redis://%s:%d/%d",
		c.Redis.Host,
		c.Redis.Port,
		c.Redis.DB,
	)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
