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

// Config holds all configuration options for the call relay.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithRemote("https://api.example.com", os.Getenv("API_KEY")),
//	    WithMaxConcurrency(5),
//	    WithRegistryStore("sqlite"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	Name      string `json:"name" yaml:"name"`
	Namespace string `json:"namespace" yaml:"namespace"`

	Remote         RemoteConfig         `json:"remote" yaml:"remote"`
	Scheduler      SchedulerConfig      `json:"scheduler" yaml:"scheduler"`
	Cache          CacheConfig          `json:"cache" yaml:"cache"`
	Retry          RetryConfig          `json:"retry" yaml:"retry"`
	Timeouts       TimeoutConfig        `json:"timeouts" yaml:"timeouts"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	Registry       RegistryConfig       `json:"registry" yaml:"registry"`
	Telemetry      TelemetryConfig      `json:"telemetry" yaml:"telemetry"`
	Logging        LoggingConfig        `json:"logging" yaml:"logging"`
}

// RemoteConfig describes the remote execution provider.
// The API key is sent as the x-api-key header on every request.
type RemoteConfig struct {
	BaseURL         string        `json:"base_url" yaml:"base_url"`
	APIKey          string        `json:"api_key" yaml:"api_key"`
	DefaultWait     bool          `json:"default_wait" yaml:"default_wait"`
	HTTPTimeout     time.Duration `json:"http_timeout" yaml:"http_timeout"`
	ValidateSchemas bool          `json:"validate_schemas" yaml:"validate_schemas"`
}

// SchedulerConfig bounds batch execution.
// Fallbacks maps a callable name to alternates tried in order once the
// primary has exhausted its retry budget.
type SchedulerConfig struct {
	MaxConcurrency   int                 `json:"max_concurrency" yaml:"max_concurrency"`
	GracePeriod      time.Duration       `json:"grace_period" yaml:"grace_period"`
	SerialCategories []Category          `json:"serial_categories" yaml:"serial_categories"`
	Fallbacks        map[string][]string `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`
}

// CacheConfig controls the result cache.
type CacheConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	TTL           time.Duration `json:"ttl" yaml:"ttl"`
	MaxEntries    int           `json:"max_entries" yaml:"max_entries"`
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	CacheFailures bool          `json:"cache_failures" yaml:"cache_failures"`
	FailureTTL    time.Duration `json:"failure_ttl" yaml:"failure_ttl"`
}

// RetryConfig defines retry settings with exponential backoff and jitter.
// Formula: delay = min(MaxDelay, InitialDelay * Multiplier^attempt * U[1-Jitter, 1+Jitter])
// Budgets is the maximum number of retries per error kind.
type RetryConfig struct {
	InitialDelay time.Duration     `json:"initial_delay" yaml:"initial_delay"`
	Multiplier   float64           `json:"multiplier" yaml:"multiplier"`
	MaxDelay     time.Duration     `json:"max_delay" yaml:"max_delay"`
	Jitter       float64           `json:"jitter" yaml:"jitter"`
	Budgets      map[ErrorKind]int `json:"budgets" yaml:"budgets"`
}

// TimeoutConfig holds the per-category budget for one dispatch attempt.
type TimeoutConfig struct {
	Read        time.Duration `json:"read" yaml:"read"`
	Search      time.Duration `json:"search" yaml:"search"`
	Write       time.Duration `json:"write" yaml:"write"`
	Database    time.Duration `json:"database" yaml:"database"`
	Agent       time.Duration `json:"agent" yaml:"agent"`
	Integration time.Duration `json:"integration" yaml:"integration"`
	Unknown     time.Duration `json:"unknown" yaml:"unknown"`
}

// CircuitBreakerConfig defines the per-callable circuit breaker.
// After Threshold consecutive transport failures the circuit opens for Timeout,
// then admits probes until SuccessThreshold of them succeed.
type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled"`
	Threshold        int           `json:"threshold" yaml:"threshold"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"`
}

// RegistryConfig selects and tunes the callable registry store.
// Store is one of "memory", "redis" or "sqlite".
type RegistryConfig struct {
	Store        string        `json:"store" yaml:"store"`
	RedisURL     string        `json:"redis_url" yaml:"redis_url"`
	SQLitePath   string        `json:"sqlite_path" yaml:"sqlite_path"`
	KeyPrefix    string        `json:"key_prefix" yaml:"key_prefix"`
	CacheTTL     time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
	SyncInterval time.Duration `json:"sync_interval" yaml:"sync_interval"`
}

// TelemetryConfig contains observability configuration for tracing and metrics.
// Exporter is "otlp" (gRPC to Endpoint) or "stdout".
type TelemetryConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	Exporter     string  `json:"exporter" yaml:"exporter"`
	Endpoint     string  `json:"endpoint" yaml:"endpoint"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	Insecure     bool    `json:"insecure" yaml:"insecure"`
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`
	Format     string `json:"format" yaml:"format"`
	Output     string `json:"output" yaml:"output"`
	TimeFormat string `json:"time_format" yaml:"time_format"`
}

// Option is a functional option for configuring the relay.
// Options are applied in order and can return an error if the configuration is invalid.
type Option func(*Config) error

// DefaultRetryBudgets returns the maximum retry count per error kind.
// Auth and execution failures are never retried.
func DefaultRetryBudgets() map[ErrorKind]int {
	return map[ErrorKind]int{
		KindServer:     3,
		KindValidation: 5,
		KindRateLimit:  1,
		KindAuth:       0,
		KindTimeout:    2,
		KindUnknown:    2,
		KindExecution:  0,
	}
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:      "callrelay",
		Namespace: "default",
		Remote: RemoteConfig{
			DefaultWait:     true,
			HTTPTimeout:     130 * time.Second,
			ValidateSchemas: true,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrency:   DefaultMaxConcurrency,
			GracePeriod:      DefaultGracePeriod,
			SerialCategories: []Category{CategoryWrite, CategoryDatabase},
		},
		Cache: CacheConfig{
			Enabled:       true,
			TTL:           DefaultCacheTTL,
			MaxEntries:    DefaultCacheMaxEntries,
			SweepInterval: DefaultSweepInterval,
			CacheFailures: false,
			FailureTTL:    DefaultFailureTTL,
		},
		Retry: RetryConfig{
			InitialDelay: DefaultRetryInitialDelay,
			Multiplier:   DefaultRetryMultiplier,
			MaxDelay:     DefaultRetryMaxDelay,
			Jitter:       DefaultRetryJitter,
			Budgets:      DefaultRetryBudgets(),
		},
		Timeouts: TimeoutConfig{
			Read:        5 * time.Second,
			Search:      10 * time.Second,
			Write:       10 * time.Second,
			Database:    15 * time.Second,
			Agent:       120 * time.Second,
			Integration: 120 * time.Second,
			Unknown:     120 * time.Second,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			Threshold:        5,
			Timeout:          60 * time.Second,
			SuccessThreshold: 2,
		},
		Registry: RegistryConfig{
			Store:        "memory",
			KeyPrefix:    DefaultKeyPrefix,
			CacheTTL:     DefaultRegistryCacheTTL,
			SQLitePath:   "callrelay.db",
			SyncInterval: 0,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			Exporter:     "otlp",
			Insecure:     true,
			SamplingRate: 1.0,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			TimeFormat: time.RFC3339Nano,
		},
	}
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables take precedence over defaults but are overridden by functional options.
//
// Variable naming convention:
//   - Relay-specific: CALLRELAY_<SETTING>
//   - Standard variables: REDIS_URL, OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_SERVICE_NAME
//
// Returns an error if environment variables contain invalid values.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv(EnvName); v != "" {
		c.Name = v
	}
	if v := os.Getenv(EnvNamespace); v != "" {
		c.Namespace = v
	}

	// Remote provider
	if v := os.Getenv(EnvBaseURL); v != "" {
		c.Remote.BaseURL = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.Remote.APIKey = v
	}
	if v := os.Getenv(EnvDefaultWait); v != "" {
		c.Remote.DefaultWait = parseBool(v)
	}
	if v := os.Getenv(EnvValidate); v != "" {
		c.Remote.ValidateSchemas = parseBool(v)
	}
	if err := envDuration(EnvHTTPTimeout, &c.Remote.HTTPTimeout); err != nil {
		return err
	}

	// Scheduler
	if err := envInt(EnvMaxConcurrency, &c.Scheduler.MaxConcurrency); err != nil {
		return err
	}
	if err := envDuration(EnvGracePeriod, &c.Scheduler.GracePeriod); err != nil {
		return err
	}

	// Cache
	if v := os.Getenv(EnvCacheEnabled); v != "" {
		c.Cache.Enabled = parseBool(v)
	}
	if v := os.Getenv(EnvCacheFailures); v != "" {
		c.Cache.CacheFailures = parseBool(v)
	}
	if err := envDuration(EnvCacheTTL, &c.Cache.TTL); err != nil {
		return err
	}
	if err := envInt(EnvCacheMaxEntries, &c.Cache.MaxEntries); err != nil {
		return err
	}

	// Retry
	if err := envDuration(EnvRetryInitialDelay, &c.Retry.InitialDelay); err != nil {
		return err
	}
	if err := envDuration(EnvRetryMaxDelay, &c.Retry.MaxDelay); err != nil {
		return err
	}

	// Circuit breaker
	if v := os.Getenv(EnvCBEnabled); v != "" {
		c.CircuitBreaker.Enabled = parseBool(v)
	}
	if err := envInt(EnvCBThreshold, &c.CircuitBreaker.Threshold); err != nil {
		return err
	}

	// Registry
	if v := os.Getenv(EnvRegistryStore); v != "" {
		c.Registry.Store = strings.ToLower(v)
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.Registry.RedisURL = v
	} else if v := os.Getenv(EnvRedisURLStd); v != "" {
		c.Registry.RedisURL = v
	}
	if v := os.Getenv(EnvSQLitePath); v != "" {
		c.Registry.SQLitePath = v
	}
	if err := envDuration(EnvRegistryTTL, &c.Registry.CacheTTL); err != nil {
		return err
	}
	if err := envDuration(EnvSyncInterval, &c.Registry.SyncInterval); err != nil {
		return err
	}

	// Telemetry
	if v := os.Getenv(EnvTelemetryEnabled); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv(EnvTelemetryExporter); v != "" {
		c.Telemetry.Exporter = strings.ToLower(v)
	}
	if v := os.Getenv(EnvTelemetryEndpoint); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true // Auto-enable if endpoint is provided
	} else if v := os.Getenv(EnvOTelEndpoint); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv(EnvOTelServiceName); v != "" {
		c.Telemetry.ServiceName = v
	} else if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = c.Name
	}

	// Logging
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.Logging.Format = v
	}

	return nil
}

// LoadFromFile loads configuration from a JSON or YAML file.
// Values present in the file replace the current ones; absent values are kept.
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)

	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config file extension %s: %w", ext, ErrInvalidConfiguration)
	}

	data, err := os.ReadFile(cleanPath) // nosec G304 -- operator supplied path
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse JSON config file: %v: %w", err, ErrInvalidConfiguration)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse YAML config file: %v: %w", err, ErrInvalidConfiguration)
		}
	}

	return nil
}

// Validate checks if the configuration is valid and returns an error if not.
// This method is called automatically by NewConfig().
func (c *Config) Validate() error {
	invalid := func(msg string) error {
		return &CallError{Op: "Config.Validate", Message: msg, Err: ErrInvalidConfiguration}
	}
	missing := func(msg string) error {
		return &CallError{Op: "Config.Validate", Message: msg, Err: ErrMissingConfiguration}
	}

	if c.Scheduler.MaxConcurrency < 1 {
		return invalid(fmt.Sprintf("max concurrency must be at least 1, got %d", c.Scheduler.MaxConcurrency))
	}
	if c.Scheduler.GracePeriod < 0 {
		return invalid("grace period must not be negative")
	}
	for _, cat := range c.Scheduler.SerialCategories {
		if _, ok := ParseCategory(string(cat)); !ok {
			return invalid(fmt.Sprintf("unknown serial category %q", cat))
		}
	}

	if c.Cache.Enabled {
		if c.Cache.TTL <= 0 {
			return invalid("cache ttl must be positive")
		}
		if c.Cache.MaxEntries < 1 {
			return invalid(fmt.Sprintf("cache max entries must be at least 1, got %d", c.Cache.MaxEntries))
		}
		if c.Cache.CacheFailures && c.Cache.FailureTTL <= 0 {
			return invalid("failure ttl must be positive when failures are cached")
		}
	}

	if c.Retry.InitialDelay <= 0 || c.Retry.MaxDelay < c.Retry.InitialDelay {
		return invalid("retry delays must satisfy 0 < initial_delay <= max_delay")
	}
	if c.Retry.Multiplier < 1 {
		return invalid(fmt.Sprintf("retry multiplier must be >= 1, got %v", c.Retry.Multiplier))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return invalid(fmt.Sprintf("retry jitter must be in [0, 1), got %v", c.Retry.Jitter))
	}
	for kind, budget := range c.Retry.Budgets {
		if budget < 0 {
			return invalid(fmt.Sprintf("retry budget for %s must not be negative", kind))
		}
	}

	if c.CircuitBreaker.Enabled && (c.CircuitBreaker.Threshold < 1 || c.CircuitBreaker.Timeout <= 0) {
		return invalid("circuit breaker needs a positive threshold and timeout")
	}

	switch c.Registry.Store {
	case "memory":
	case "redis":
		if c.Registry.RedisURL == "" {
			return missing("redis URL is required for the redis registry store")
		}
	case "sqlite":
		if c.Registry.SQLitePath == "" {
			return missing("sqlite path is required for the sqlite registry store")
		}
	default:
		return invalid(fmt.Sprintf("unknown registry store %q", c.Registry.Store))
	}

	if c.Telemetry.Enabled && c.Telemetry.Exporter == "otlp" && c.Telemetry.Endpoint == "" {
		return missing("telemetry endpoint is required when the otlp exporter is enabled")
	}

	return nil
}

// Helper functions

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s=%q: %v: %w", key, v, err, ErrInvalidConfiguration)
	}
	*dst = d
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s=%q: %v: %w", key, v, err, ErrInvalidConfiguration)
	}
	*dst = n
	return nil
}

// parseBool converts a string to a boolean value.
// Accepts: "true", "1", "yes", "on" (case-insensitive) as true.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// Functional Options

// WithName sets the relay name used in logs and as the default telemetry service name.
func WithName(name string) Option {
	return func(c *Config) error {
		c.Name = name
		return nil
	}
}

// WithRemote sets the remote execution provider endpoint and API key.
func WithRemote(baseURL, apiKey string) Option {
	return func(c *Config) error {
		if baseURL == "" {
			return &CallError{Op: "WithRemote", Message: "base URL must not be empty", Err: ErrInvalidConfiguration}
		}
		c.Remote.BaseURL = strings.TrimRight(baseURL, "/")
		c.Remote.APIKey = apiKey
		return nil
	}
}

// WithDefaultWait sets whether calls wait for completion when the arguments do not say.
func WithDefaultWait(wait bool) Option {
	return func(c *Config) error {
		c.Remote.DefaultWait = wait
		return nil
	}
}

// WithMaxConcurrency sets how many calls of one batch may execute at once.
func WithMaxConcurrency(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return &CallError{Op: "WithMaxConcurrency", Message: fmt.Sprintf("invalid max concurrency: %d", n), Err: ErrInvalidConfiguration}
		}
		c.Scheduler.MaxConcurrency = n
		return nil
	}
}

// WithGracePeriod sets how long a cancelled in-flight call may take to settle.
func WithGracePeriod(d time.Duration) Option {
	return func(c *Config) error {
		c.Scheduler.GracePeriod = d
		return nil
	}
}

// WithFallbacks registers alternate callables for a primary callable name.
func WithFallbacks(name string, alternates ...string) Option {
	return func(c *Config) error {
		if c.Scheduler.Fallbacks == nil {
			c.Scheduler.Fallbacks = make(map[string][]string)
		}
		c.Scheduler.Fallbacks[name] = alternates
		return nil
	}
}

// WithCache configures the result cache TTL and size.
func WithCache(ttl time.Duration, maxEntries int) Option {
	return func(c *Config) error {
		c.Cache.Enabled = true
		c.Cache.TTL = ttl
		c.Cache.MaxEntries = maxEntries
		return nil
	}
}

// WithCacheFailures enables caching of definitive failures for ttl.
func WithCacheFailures(enabled bool, ttl time.Duration) Option {
	return func(c *Config) error {
		c.Cache.CacheFailures = enabled
		if ttl > 0 {
			c.Cache.FailureTTL = ttl
		}
		return nil
	}
}

// WithRetryDelays overrides the backoff delays.
func WithRetryDelays(initial, max time.Duration) Option {
	return func(c *Config) error {
		c.Retry.InitialDelay = initial
		c.Retry.MaxDelay = max
		return nil
	}
}

// WithRetryBudget overrides the retry budget of one error kind.
func WithRetryBudget(kind ErrorKind, budget int) Option {
	return func(c *Config) error {
		if c.Retry.Budgets == nil {
			c.Retry.Budgets = DefaultRetryBudgets()
		}
		c.Retry.Budgets[kind] = budget
		return nil
	}
}

// WithCircuitBreaker enables the per-callable circuit breaker.
func WithCircuitBreaker(threshold int, timeout time.Duration) Option {
	return func(c *Config) error {
		c.CircuitBreaker.Enabled = true
		c.CircuitBreaker.Threshold = threshold
		c.CircuitBreaker.Timeout = timeout
		return nil
	}
}

// WithRegistryStore selects the registry store backend.
func WithRegistryStore(store string) Option {
	return func(c *Config) error {
		c.Registry.Store = strings.ToLower(store)
		return nil
	}
}

// WithRedisURL sets the Redis URL used by the redis registry store and progress sink.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Registry.RedisURL = url
		return nil
	}
}

// WithTelemetry enables telemetry with the given exporter and endpoint.
func WithTelemetry(exporter, endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = exporter
		c.Telemetry.Endpoint = endpoint
		return nil
	}
}

// WithLogLevel sets the log level (debug, info, warn, error).
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithLogFormat sets the log format (json or text).
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		c.Logging.Format = format
		return nil
	}
}

// WithConfigFile loads values from a JSON or YAML file at option time.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

// NewConfig creates a configuration from defaults, environment and options,
// then validates it.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
