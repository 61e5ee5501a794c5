package core

import "time"

// Environment variables read by Config.LoadFromEnv
const (
	EnvName      = "CALLRELAY_NAME"
	EnvNamespace = "CALLRELAY_NAMESPACE"

	EnvBaseURL     = "CALLRELAY_BASE_URL"
	EnvAPIKey      = "CALLRELAY_API_KEY"
	EnvDefaultWait = "CALLRELAY_DEFAULT_WAIT"
	EnvHTTPTimeout = "CALLRELAY_HTTP_TIMEOUT"
	EnvValidate    = "CALLRELAY_VALIDATE_SCHEMAS"

	EnvMaxConcurrency = "CALLRELAY_MAX_CONCURRENCY"
	EnvGracePeriod    = "CALLRELAY_GRACE_PERIOD"

	EnvCacheEnabled    = "CALLRELAY_CACHE_ENABLED"
	EnvCacheTTL        = "CALLRELAY_CACHE_TTL"
	EnvCacheMaxEntries = "CALLRELAY_CACHE_MAX_ENTRIES"
	EnvCacheFailures   = "CALLRELAY_CACHE_FAILURES"

	EnvRetryInitialDelay = "CALLRELAY_RETRY_INITIAL_DELAY"
	EnvRetryMaxDelay     = "CALLRELAY_RETRY_MAX_DELAY"

	EnvCBEnabled   = "CALLRELAY_CB_ENABLED"
	EnvCBThreshold = "CALLRELAY_CB_THRESHOLD"

	EnvRegistryStore = "CALLRELAY_REGISTRY_STORE"
	EnvRedisURL      = "CALLRELAY_REDIS_URL"
	EnvRedisURLStd   = "REDIS_URL"
	EnvSQLitePath    = "CALLRELAY_SQLITE_PATH"
	EnvRegistryTTL   = "CALLRELAY_REGISTRY_TTL"
	EnvSyncInterval  = "CALLRELAY_SYNC_INTERVAL"

	EnvTelemetryEnabled  = "CALLRELAY_TELEMETRY_ENABLED"
	EnvTelemetryExporter = "CALLRELAY_TELEMETRY_EXPORTER"
	EnvTelemetryEndpoint = "CALLRELAY_TELEMETRY_ENDPOINT"
	EnvOTelEndpoint      = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvOTelServiceName   = "OTEL_SERVICE_NAME"

	EnvLogLevel  = "CALLRELAY_LOG_LEVEL"
	EnvLogFormat = "CALLRELAY_LOG_FORMAT"
)

// Defaults shared by the config layer and components constructed without one.
const (
	DefaultMaxConcurrency = 5
	DefaultGracePeriod    = 2 * time.Second

	DefaultCacheTTL        = 5 * time.Minute
	DefaultCacheMaxEntries = 1000
	DefaultSweepInterval   = time.Minute
	DefaultFailureTTL      = 30 * time.Second

	DefaultRetryInitialDelay = time.Second
	DefaultRetryMultiplier   = 2.0
	DefaultRetryMaxDelay     = 10 * time.Second
	DefaultRetryJitter       = 0.1

	DefaultRegistryCacheTTL = 5 * time.Minute

	// DefaultKeyPrefix namespaces every Redis key written by this module.
	// Format: <prefix>callables, <prefix>agent:<agent-id>:callables
	DefaultKeyPrefix = "callrelay:"
)
