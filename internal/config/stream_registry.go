package config

import "time"

// StreamRegistryConfig mirrors spec.md §6 stream_registry.*.
type StreamRegistryConfig struct {
	DefaultTimeout  time.Duration
	MaxActiveStreams int

	AdaptiveLimits AdaptiveLimitsConfig
	ChunkPooling   ChunkPoolingConfig
	Backpressure   BackpressureConfig
}

// AdaptiveLimitsConfig mirrors stream_registry.adaptive_limits.*.
type AdaptiveLimitsConfig struct {
	Enabled             bool
	MinStreams          int
	MaxStreams          int
	TargetTTFT          time.Duration
	ScaleUpThreshold    float64
	ScaleDownThreshold  float64
	AdjustmentInterval  time.Duration

	// Governor selects between the threshold-based controller described
	// in §4.5 and the alternate PID-governor variant.
	Governor string // "threshold" | "pid"
	PIDKp    float64
	PIDKi    float64
	PIDKd    float64

	// TenantBudget, when > 0, caps per-tenant admitted streams alongside
	// the global limit (supplemented feature, see SPEC_FULL.md).
	TenantBudget int
}

// ChunkPoolingConfig mirrors stream_registry.chunk_pooling.*.
type ChunkPoolingConfig struct {
	Enabled             bool
	PoolSize            int
	CleanupInterval     time.Duration
}

// BackpressureConfig mirrors stream_registry.backpressure.*.
type BackpressureConfig struct {
	Enabled                  bool
	MaxUnackedChunks         int64
	AckTimeout               time.Duration
	SlowConsumerThreshold    time.Duration
}
