package config

import (
	"time"

	"github.com/ibs-source/inference-engine/internal/domain"
)

// Defaults returns the built-in configuration baseline, mirroring the
// teacher's GetDefaults()/defaultConfig() split: every field here has a
// concrete, spec-grounded value before environment overrides apply.
func Defaults() *Config {
	return &Config{
		App: AppConfig{
			Name:            "inference-engine",
			Environment:     "production",
			LogLevel:        "info",
			LogFormat:       "json",
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      8080,
			RuntimePath:     "inference-runtime",
			RuntimeArgs:     []string{},
		},
		StreamRegistry: StreamRegistryConfig{
			DefaultTimeout:   5 * time.Minute,
			MaxActiveStreams: 64,
			AdaptiveLimits: AdaptiveLimitsConfig{
				Enabled:            true,
				MinStreams:         8,
				MaxStreams:         128,
				TargetTTFT:         500 * time.Millisecond,
				ScaleUpThreshold:   0.8,
				ScaleDownThreshold: 0.3,
				AdjustmentInterval: time.Second,
				Governor:           "threshold",
				PIDKp:              0.6,
				PIDKi:              0.05,
				PIDKd:              0.0,
				TenantBudget:       0,
			},
			ChunkPooling: ChunkPoolingConfig{
				Enabled:         true,
				PoolSize:        1024,
				CleanupInterval: 5 * time.Minute,
			},
			Backpressure: BackpressureConfig{
				Enabled:               true,
				MaxUnackedChunks:      64,
				AckTimeout:            10 * time.Second,
				SlowConsumerThreshold: 2 * time.Second,
			},
		},
		BatchQueue: BatchQueueConfig{
			Enabled:         true,
			MaxBatchSize:    32,
			FlushInterval:   5 * time.Millisecond,
			MinHold:         1 * time.Millisecond,
			AdaptiveSizing:  true,
			TargetBatchTime: 20 * time.Millisecond,
			PriorityQueue:   true,
			AdjustInterval:  time.Second,
			Multiplexer: OpsMultiplexerConfig{
				Enabled:                  true,
				MinHold:                  1 * time.Millisecond,
				MaxHold:                  5 * time.Millisecond,
				LowConcurrencyThreshold:  8,
				HighConcurrencyThreshold: 64,
				MinBatchSize:             4,
				MaxBatchSize:             32,
			},
		},
		ConcurrencyLimiter: ConcurrencyLimiterConfig{
			Enabled:    true,
			TierLimits: domain.DefaultTierLimits(),
		},
		Model: ModelConfig{
			DefaultContextLength: 4096,
			MaxLoadedModels:      4,
			MemoryCache: MemoryCacheConfig{
				Enabled:          true,
				MaxCachedModels:  4,
				EvictionStrategy: "lru",
				WarmupOnStart:    []string{},
			},
			IdleTimeout:            10 * time.Minute,
			IdleSweepInterval:      60 * time.Second,
			PrefetchMinConfidence:  0.6,
			PrefetchMaxConcurrency: 2,
			PrefetchHitWindow:      5 * time.Minute,
			DrainTimeout:           30 * time.Second,
		},
		RequestRouting: RequestRoutingConfig{
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
			Retry: RetryConfig{
				Enabled:          true,
				MaxAttempts:      2,
				InitialBackoff:   100 * time.Millisecond,
				MaxBackoff:       2 * time.Second,
				Multiplier:       2.0,
				AllowlistMethods: []string{"tokenize", "check_draft"},
			},
			Timeout:          10 * time.Second,
			StreamingTimeout: 5 * time.Minute,
		},
		FeatureFlags: FeatureFlagsConfig{
			Features: map[string]FeatureConfig{},
			Phase: PhaseRolloutConfig{
				Enabled:    false,
				Percentage: 100,
				HashSeed:   "phase-rollout",
			},
			Emergency: EmergencyConfig{
				KillSwitch:         false,
				RollbackToBaseline: false,
			},
			Canary: CanaryConfig{
				CacheSize: 10000,
			},
		},
		Cluster: ClusterConfig{
			Enabled: false,
			Bus: BusConfig{
				Brokers:        []string{"tcp://localhost:1883"},
				ClientID:       "inference-engine-controller",
				QoS:            1,
				KeepAlive:      30 * time.Second,
				ConnectTimeout: 10 * time.Second,
				TLSEnabled:     false,
			},
			Registry: RegistryConfig{
				Addresses:         []string{"localhost:6379"},
				DB:                0,
				HeartbeatTTL:      30 * time.Second,
				HeartbeatInterval: 10 * time.Second,
			},
		},
	}
}
