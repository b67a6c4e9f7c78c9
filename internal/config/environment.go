package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnvironment overrides cfg in place with any environment variables
// that are set, following the same getEnv/getIntEnv/getDurationEnv style
// the teacher uses for its own Redis/MQTT/pipeline configuration.
func ApplyEnvironment(cfg *Config) {
	cfg.App.Name = getEnv("ENGINE_NAME", cfg.App.Name)
	cfg.App.Environment = getEnv("ENGINE_ENV", cfg.App.Environment)
	cfg.App.LogLevel = getEnv("LOG_LEVEL", cfg.App.LogLevel)
	cfg.App.LogFormat = getEnv("LOG_FORMAT", cfg.App.LogFormat)
	cfg.App.ShutdownTimeout = getDurationEnv("ENGINE_SHUTDOWN_TIMEOUT", cfg.App.ShutdownTimeout)
	cfg.App.HealthPort = getIntEnv("HEALTH_PORT", cfg.App.HealthPort)
	cfg.App.RuntimePath = getEnv("RUNTIME_PATH", cfg.App.RuntimePath)
	cfg.App.RuntimeArgs = getEnvSlice("RUNTIME_ARGS", cfg.App.RuntimeArgs)

	sr := &cfg.StreamRegistry
	sr.DefaultTimeout = getDurationEnv("STREAM_REGISTRY_DEFAULT_TIMEOUT", sr.DefaultTimeout)
	sr.MaxActiveStreams = getIntEnv("STREAM_REGISTRY_MAX_ACTIVE_STREAMS", sr.MaxActiveStreams)
	sr.AdaptiveLimits.Enabled = getBoolEnv("STREAM_REGISTRY_ADAPTIVE_ENABLED", sr.AdaptiveLimits.Enabled)
	sr.AdaptiveLimits.MinStreams = getIntEnv("STREAM_REGISTRY_ADAPTIVE_MIN_STREAMS", sr.AdaptiveLimits.MinStreams)
	sr.AdaptiveLimits.MaxStreams = getIntEnv("STREAM_REGISTRY_ADAPTIVE_MAX_STREAMS", sr.AdaptiveLimits.MaxStreams)
	sr.AdaptiveLimits.TargetTTFT = getDurationEnv("STREAM_REGISTRY_ADAPTIVE_TARGET_TTFT", sr.AdaptiveLimits.TargetTTFT)
	sr.AdaptiveLimits.ScaleUpThreshold = getFloatEnv("STREAM_REGISTRY_ADAPTIVE_SCALE_UP_THRESHOLD", sr.AdaptiveLimits.ScaleUpThreshold)
	sr.AdaptiveLimits.ScaleDownThreshold = getFloatEnv("STREAM_REGISTRY_ADAPTIVE_SCALE_DOWN_THRESHOLD", sr.AdaptiveLimits.ScaleDownThreshold)
	sr.AdaptiveLimits.AdjustmentInterval = getDurationEnv("STREAM_REGISTRY_ADAPTIVE_ADJUSTMENT_INTERVAL", sr.AdaptiveLimits.AdjustmentInterval)
	sr.AdaptiveLimits.Governor = getEnv("STREAM_REGISTRY_ADAPTIVE_GOVERNOR", sr.AdaptiveLimits.Governor)
	sr.AdaptiveLimits.PIDKp = getFloatEnv("STREAM_REGISTRY_ADAPTIVE_PID_KP", sr.AdaptiveLimits.PIDKp)
	sr.AdaptiveLimits.PIDKi = getFloatEnv("STREAM_REGISTRY_ADAPTIVE_PID_KI", sr.AdaptiveLimits.PIDKi)
	sr.AdaptiveLimits.PIDKd = getFloatEnv("STREAM_REGISTRY_ADAPTIVE_PID_KD", sr.AdaptiveLimits.PIDKd)
	sr.AdaptiveLimits.TenantBudget = getIntEnv("STREAM_REGISTRY_ADAPTIVE_TENANT_BUDGET", sr.AdaptiveLimits.TenantBudget)
	sr.ChunkPooling.Enabled = getBoolEnv("STREAM_REGISTRY_CHUNK_POOLING_ENABLED", sr.ChunkPooling.Enabled)
	sr.ChunkPooling.PoolSize = getIntEnv("STREAM_REGISTRY_CHUNK_POOLING_SIZE", sr.ChunkPooling.PoolSize)
	sr.ChunkPooling.CleanupInterval = getDurationEnv("STREAM_REGISTRY_CHUNK_POOLING_CLEANUP_INTERVAL", sr.ChunkPooling.CleanupInterval)
	sr.Backpressure.Enabled = getBoolEnv("STREAM_REGISTRY_BACKPRESSURE_ENABLED", sr.Backpressure.Enabled)
	sr.Backpressure.MaxUnackedChunks = int64(getIntEnv("STREAM_REGISTRY_BACKPRESSURE_MAX_UNACKED", int(sr.Backpressure.MaxUnackedChunks)))
	sr.Backpressure.AckTimeout = getDurationEnv("STREAM_REGISTRY_BACKPRESSURE_ACK_TIMEOUT", sr.Backpressure.AckTimeout)
	sr.Backpressure.SlowConsumerThreshold = getDurationEnv("STREAM_REGISTRY_BACKPRESSURE_SLOW_CONSUMER_THRESHOLD", sr.Backpressure.SlowConsumerThreshold)

	bq := &cfg.BatchQueue
	bq.Enabled = getBoolEnv("BATCH_QUEUE_ENABLED", bq.Enabled)
	bq.MaxBatchSize = getIntEnv("BATCH_QUEUE_MAX_BATCH_SIZE", bq.MaxBatchSize)
	bq.FlushInterval = getDurationEnv("BATCH_QUEUE_FLUSH_INTERVAL", bq.FlushInterval)
	bq.MinHold = getDurationEnv("BATCH_QUEUE_MIN_HOLD", bq.MinHold)
	bq.AdaptiveSizing = getBoolEnv("BATCH_QUEUE_ADAPTIVE_SIZING", bq.AdaptiveSizing)
	bq.TargetBatchTime = getDurationEnv("BATCH_QUEUE_TARGET_BATCH_TIME", bq.TargetBatchTime)
	bq.PriorityQueue = getBoolEnv("BATCH_QUEUE_PRIORITY_QUEUE", bq.PriorityQueue)
	bq.AdjustInterval = getDurationEnv("BATCH_QUEUE_ADJUST_INTERVAL", bq.AdjustInterval)
	bq.Multiplexer.Enabled = getBoolEnv("OPS_MULTIPLEXER_ENABLED", bq.Multiplexer.Enabled)
	bq.Multiplexer.MinHold = getDurationEnv("OPS_MULTIPLEXER_MIN_HOLD", bq.Multiplexer.MinHold)
	bq.Multiplexer.MaxHold = getDurationEnv("OPS_MULTIPLEXER_MAX_HOLD", bq.Multiplexer.MaxHold)
	bq.Multiplexer.LowConcurrencyThreshold = getIntEnv("OPS_MULTIPLEXER_LOW_CONCURRENCY_THRESHOLD", bq.Multiplexer.LowConcurrencyThreshold)
	bq.Multiplexer.HighConcurrencyThreshold = getIntEnv("OPS_MULTIPLEXER_HIGH_CONCURRENCY_THRESHOLD", bq.Multiplexer.HighConcurrencyThreshold)

	cl := &cfg.ConcurrencyLimiter
	cl.Enabled = getBoolEnv("MODEL_CONCURRENCY_LIMITER_ENABLED", cl.Enabled)

	m := &cfg.Model
	m.DefaultContextLength = getIntEnv("MODEL_DEFAULT_CONTEXT_LENGTH", m.DefaultContextLength)
	m.MaxLoadedModels = getIntEnv("MODEL_MAX_LOADED_MODELS", m.MaxLoadedModels)
	m.MemoryCache.Enabled = getBoolEnv("MODEL_MEMORY_CACHE_ENABLED", m.MemoryCache.Enabled)
	m.MemoryCache.MaxCachedModels = getIntEnv("MODEL_MEMORY_CACHE_MAX_MODELS", m.MemoryCache.MaxCachedModels)
	m.MemoryCache.EvictionStrategy = getEnv("MODEL_MEMORY_CACHE_EVICTION_STRATEGY", m.MemoryCache.EvictionStrategy)
	m.MemoryCache.WarmupOnStart = getEnvSlice("MODEL_WARMUP_ON_START", m.MemoryCache.WarmupOnStart)
	m.IdleTimeout = getDurationEnv("MODEL_IDLE_TIMEOUT", m.IdleTimeout)
	m.IdleSweepInterval = getDurationEnv("MODEL_IDLE_SWEEP_INTERVAL", m.IdleSweepInterval)
	m.PrefetchMinConfidence = getFloatEnv("MODEL_PREFETCH_MIN_CONFIDENCE", m.PrefetchMinConfidence)
	m.PrefetchMaxConcurrency = getIntEnv("MODEL_PREFETCH_MAX_CONCURRENCY", m.PrefetchMaxConcurrency)
	m.PrefetchHitWindow = getDurationEnv("MODEL_PREFETCH_HIT_WINDOW", m.PrefetchHitWindow)
	m.DrainTimeout = getDurationEnv("MODEL_DRAIN_TIMEOUT", m.DrainTimeout)

	rr := &cfg.RequestRouting
	rr.CircuitBreaker.Enabled = getBoolEnv("REQUEST_ROUTING_CIRCUIT_BREAKER_ENABLED", rr.CircuitBreaker.Enabled)
	rr.CircuitBreaker.FailureThreshold = uint64(getIntEnv("REQUEST_ROUTING_CIRCUIT_BREAKER_FAILURE_THRESHOLD", int(rr.CircuitBreaker.FailureThreshold)))
	rr.CircuitBreaker.SuccessThreshold = uint64(getIntEnv("REQUEST_ROUTING_CIRCUIT_BREAKER_SUCCESS_THRESHOLD", int(rr.CircuitBreaker.SuccessThreshold)))
	rr.CircuitBreaker.Timeout = getDurationEnv("REQUEST_ROUTING_CIRCUIT_BREAKER_TIMEOUT", rr.CircuitBreaker.Timeout)
	rr.Retry.Enabled = getBoolEnv("REQUEST_ROUTING_RETRY_ENABLED", rr.Retry.Enabled)
	rr.Retry.MaxAttempts = getIntEnv("REQUEST_ROUTING_RETRY_MAX_ATTEMPTS", rr.Retry.MaxAttempts)
	rr.Retry.InitialBackoff = getDurationEnv("REQUEST_ROUTING_RETRY_INITIAL_BACKOFF", rr.Retry.InitialBackoff)
	rr.Retry.MaxBackoff = getDurationEnv("REQUEST_ROUTING_RETRY_MAX_BACKOFF", rr.Retry.MaxBackoff)
	rr.Retry.Multiplier = getFloatEnv("REQUEST_ROUTING_RETRY_MULTIPLIER", rr.Retry.Multiplier)
	rr.Retry.AllowlistMethods = getEnvSlice("REQUEST_ROUTING_RETRY_ALLOWLIST", rr.Retry.AllowlistMethods)
	rr.Timeout = getDurationEnv("REQUEST_ROUTING_TIMEOUT", rr.Timeout)
	rr.StreamingTimeout = getDurationEnv("REQUEST_ROUTING_STREAMING_TIMEOUT", rr.StreamingTimeout)

	ff := &cfg.FeatureFlags
	ff.Phase.Enabled = getBoolEnv("FEATURE_FLAGS_PHASE_ENABLED", ff.Phase.Enabled)
	ff.Phase.Percentage = getFloatEnv("FEATURE_FLAGS_PHASE_PERCENTAGE", ff.Phase.Percentage)
	ff.Phase.HashSeed = getEnv("FEATURE_FLAGS_PHASE_HASH_SEED", ff.Phase.HashSeed)
	ff.Emergency.KillSwitch = getBoolEnv("FEATURE_FLAGS_EMERGENCY_KILL_SWITCH", ff.Emergency.KillSwitch)
	ff.Emergency.RollbackToBaseline = getBoolEnv("FEATURE_FLAGS_EMERGENCY_ROLLBACK", ff.Emergency.RollbackToBaseline)
	ff.Canary.CacheSize = getIntEnv("FEATURE_FLAGS_CANARY_CACHE_SIZE", ff.Canary.CacheSize)

	cluster := &cfg.Cluster
	cluster.Enabled = getBoolEnv("CLUSTER_ENABLED", cluster.Enabled)
	cluster.Bus.Brokers = getEnvSlice("CLUSTER_BUS_BROKERS", cluster.Bus.Brokers)
	cluster.Bus.ClientID = getEnv("CLUSTER_BUS_CLIENT_ID", cluster.Bus.ClientID)
	cluster.Bus.QoS = byte(getIntEnv("CLUSTER_BUS_QOS", int(cluster.Bus.QoS)))
	cluster.Bus.KeepAlive = getDurationEnv("CLUSTER_BUS_KEEP_ALIVE", cluster.Bus.KeepAlive)
	cluster.Bus.ConnectTimeout = getDurationEnv("CLUSTER_BUS_CONNECT_TIMEOUT", cluster.Bus.ConnectTimeout)
	cluster.Bus.TLSEnabled = getBoolEnv("CLUSTER_BUS_TLS_ENABLED", cluster.Bus.TLSEnabled)
	cluster.Bus.CACertFile = getEnv("CLUSTER_BUS_CA_CERT", cluster.Bus.CACertFile)
	cluster.Bus.ClientCertFile = getEnv("CLUSTER_BUS_CLIENT_CERT", cluster.Bus.ClientCertFile)
	cluster.Bus.ClientKeyFile = getEnv("CLUSTER_BUS_CLIENT_KEY", cluster.Bus.ClientKeyFile)
	cluster.Registry.Addresses = getEnvSlice("CLUSTER_REGISTRY_ADDRESSES", cluster.Registry.Addresses)
	cluster.Registry.Password = getEnv("CLUSTER_REGISTRY_PASSWORD", cluster.Registry.Password)
	cluster.Registry.DB = getIntEnv("CLUSTER_REGISTRY_DB", cluster.Registry.DB)
	cluster.Registry.HeartbeatTTL = getDurationEnv("CLUSTER_REGISTRY_HEARTBEAT_TTL", cluster.Registry.HeartbeatTTL)
	cluster.Registry.HeartbeatInterval = getDurationEnv("CLUSTER_REGISTRY_HEARTBEAT_INTERVAL", cluster.Registry.HeartbeatInterval)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if v := os.Getenv(key); v != "" {
		return strings.Split(v, ",")
	}
	return defaultValue
}
