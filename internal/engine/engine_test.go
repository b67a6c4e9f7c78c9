package engine

import (
	"testing"
	"time"

	"github.com/ibs-source/inference-engine/internal/config"
	"github.com/stretchr/testify/require"
)

func TestStreamRegistryConfigMapping(t *testing.T) {
	src := config.StreamRegistryConfig{
		DefaultTimeout:   2 * time.Minute,
		MaxActiveStreams: 42,
		AdaptiveLimits: config.AdaptiveLimitsConfig{
			Enabled:            true,
			MinStreams:         4,
			MaxStreams:         99,
			TargetTTFT:         250 * time.Millisecond,
			ScaleUpThreshold:   0.7,
			ScaleDownThreshold: 0.2,
			AdjustmentInterval: 1500 * time.Millisecond,
			Governor:           "pid",
			PIDKp:              1,
			PIDKi:              2,
			PIDKd:              3,
			TenantBudget:       5,
		},
		ChunkPooling: config.ChunkPoolingConfig{
			Enabled:         true,
			PoolSize:        256,
			CleanupInterval: time.Minute,
		},
		Backpressure: config.BackpressureConfig{
			Enabled:               true,
			MaxUnackedChunks:      17,
			SlowConsumerThreshold: 3 * time.Second,
		},
	}

	got := streamRegistryConfig(src)

	require.Equal(t, src.DefaultTimeout, got.DefaultTimeout)
	require.Equal(t, src.MaxActiveStreams, got.MaxActiveStreams)
	require.True(t, got.AdaptiveEnabled)
	require.Equal(t, 4, got.MinStreams)
	require.Equal(t, 99, got.MaxStreams)
	require.Equal(t, "pid", got.Governor)
	require.InDelta(t, 1.0, got.PIDKp, 0.0001)
	require.Equal(t, 5, got.TenantBudget)
	require.True(t, got.ChunkPoolEnabled)
	require.Equal(t, 256, got.ChunkPoolSize)
	require.True(t, got.BackpressureEnabled)
	require.EqualValues(t, 17, got.MaxUnackedChunks)
	require.Equal(t, 3*time.Second, got.SlowConsumerThreshold)
}

func TestLifecycleConfigMapping(t *testing.T) {
	src := config.ModelConfig{
		MaxLoadedModels:        6,
		IdleTimeout:             5 * time.Minute,
		IdleSweepInterval:       30 * time.Second,
		PrefetchMinConfidence:   0.5,
		PrefetchMaxConcurrency:  2,
		PrefetchHitWindow:       time.Minute,
	}

	got := lifecycleConfig(src)

	require.Equal(t, 6, got.MaxLoadedModels)
	require.Equal(t, 5*time.Minute, got.IdleTimeout)
	require.Equal(t, 30*time.Second, got.IdleSweepInterval)
	require.InDelta(t, 0.5, got.PrefetchMinConfidence, 0.0001)
	require.Equal(t, 2, got.PrefetchMaxConcurrency)
	require.Equal(t, time.Minute, got.PrefetchHitWindow)
}

func TestBatchQueueConfigMapping(t *testing.T) {
	src := config.BatchQueueConfig{
		MaxBatchSize:    10,
		FlushInterval:   5 * time.Millisecond,
		MinHold:         time.Millisecond,
		AdaptiveSizing:  true,
		TargetBatchTime: 20 * time.Millisecond,
		PriorityQueue:   true,
		AdjustInterval:  time.Second,
	}

	got := batchQueueConfig(src)

	require.Equal(t, 10, got.MaxBatchSize)
	require.Equal(t, 5*time.Millisecond, got.FlushInterval)
	require.True(t, got.AdaptiveSizing)
	require.True(t, got.PriorityQueue)
	require.Equal(t, time.Second, got.AdjustInterval)
}
