package config

import (
	"fmt"

	"github.com/ibs-source/inference-engine/internal/errs"
)

// Validate runs the sequential per-section checks, same style as the
// teacher's validation.go, and returns the first violation found.
func (c *Config) Validate() error {
	for _, fn := range []func(*Config) error{
		validateApp,
		validateStreamRegistry,
		validateBatchQueue,
		validateConcurrencyLimiter,
		validateModel,
		validateRequestRouting,
		validateFeatureFlags,
		validateCluster,
	} {
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func validateApp(c *Config) error {
	if c.App.HealthPort < 0 || c.App.HealthPort > 65535 {
		return errs.Wrap(errs.ErrValidation, fmt.Errorf("app.health_port out of range: %d", c.App.HealthPort))
	}
	if c.App.RuntimePath == "" {
		return errs.Wrap(errs.ErrValidation, fmt.Errorf("app.runtime_path must not be empty"))
	}
	return nil
}

func validateStreamRegistry(c *Config) error {
	sr := c.StreamRegistry
	if sr.MaxActiveStreams <= 0 {
		return errs.Wrap(errs.ErrValidation, fmt.Errorf("stream_registry.max_active_streams must be > 0"))
	}
	al := sr.AdaptiveLimits
	if al.Enabled {
		if al.MinStreams <= 0 || al.MaxStreams < al.MinStreams {
			return errs.Wrap(errs.ErrValidation, fmt.Errorf("stream_registry.adaptive_limits: min/max streams invalid (%d/%d)", al.MinStreams, al.MaxStreams))
		}
		if al.Governor != "threshold" && al.Governor != "pid" {
			return errs.Wrap(errs.ErrValidation, fmt.Errorf("stream_registry.adaptive_limits.governor must be threshold or pid, got %q", al.Governor))
		}
	}
	if sr.ChunkPooling.Enabled && sr.ChunkPooling.PoolSize <= 0 {
		return errs.Wrap(errs.ErrValidation, fmt.Errorf("stream_registry.chunk_pooling.pool_size must be > 0 when enabled"))
	}
	if sr.Backpressure.Enabled && sr.Backpressure.MaxUnackedChunks <= 0 {
		return errs.Wrap(errs.ErrValidation, fmt.Errorf("stream_registry.backpressure.max_unacked_chunks must be > 0 when enabled"))
	}
	return nil
}

func validateBatchQueue(c *Config) error {
	bq := c.BatchQueue
	if !bq.Enabled {
		return nil
	}
	if bq.MaxBatchSize <= 0 || bq.MaxBatchSize > 100 {
		return errs.Wrap(errs.ErrValidation, fmt.Errorf("batch_queue.max_batch_size must be in [1,100], got %d", bq.MaxBatchSize))
	}
	if bq.FlushInterval <= 0 {
		return errs.Wrap(errs.ErrValidation, fmt.Errorf("batch_queue.flush_interval_ms must be > 0"))
	}
	if bq.Multiplexer.Enabled && bq.Multiplexer.MinHold > bq.Multiplexer.MaxHold {
		return errs.Wrap(errs.ErrValidation, fmt.Errorf("batch_queue.multiplexer: min_hold > max_hold"))
	}
	return nil
}

func validateConcurrencyLimiter(c *Config) error {
	if !c.ConcurrencyLimiter.Enabled {
		return nil
	}
	for tier, limits := range c.ConcurrencyLimiter.TierLimits {
		if limits.MaxConcurrent <= 0 {
			return errs.Wrap(errs.ErrValidation, fmt.Errorf("model_concurrency_limiter.tier_limits[%s].max_concurrent must be > 0", tier))
		}
		if limits.QueueDepth < 0 {
			return errs.Wrap(errs.ErrValidation, fmt.Errorf("model_concurrency_limiter.tier_limits[%s].queue_depth must be >= 0", tier))
		}
	}
	return nil
}

func validateModel(c *Config) error {
	m := c.Model
	if m.MaxLoadedModels <= 0 {
		return errs.Wrap(errs.ErrValidation, fmt.Errorf("model.max_loaded_models must be > 0"))
	}
	if m.MemoryCache.Enabled && m.MemoryCache.MaxCachedModels <= 0 {
		return errs.Wrap(errs.ErrValidation, fmt.Errorf("model.memory_cache.max_cached_models must be > 0 when enabled"))
	}
	if m.PrefetchMinConfidence < 0 || m.PrefetchMinConfidence > 1 {
		return errs.Wrap(errs.ErrValidation, fmt.Errorf("model prefetch_min_confidence must be in [0,1], got %f", m.PrefetchMinConfidence))
	}
	return nil
}

func validateRequestRouting(c *Config) error {
	rr := c.RequestRouting
	if rr.CircuitBreaker.Enabled {
		if rr.CircuitBreaker.FailureThreshold == 0 {
			return errs.Wrap(errs.ErrValidation, fmt.Errorf("requestRouting.circuitBreaker.failureThreshold must be > 0"))
		}
		if rr.CircuitBreaker.SuccessThreshold == 0 {
			return errs.Wrap(errs.ErrValidation, fmt.Errorf("requestRouting.circuitBreaker.successThreshold must be > 0"))
		}
	}
	if rr.Retry.Enabled && rr.Retry.MaxAttempts < 0 {
		return errs.Wrap(errs.ErrValidation, fmt.Errorf("requestRouting.retry.maxAttempts must be >= 0"))
	}
	return nil
}

func validateFeatureFlags(c *Config) error {
	ff := c.FeatureFlags
	if ff.Phase.Percentage < 0 || ff.Phase.Percentage > 100 {
		return errs.Wrap(errs.ErrValidation, fmt.Errorf("phase_rollout.percentage out of [0,100]: %f", ff.Phase.Percentage))
	}
	for name, f := range ff.Features {
		if f.Percentage < 0 || f.Percentage > 100 {
			return errs.Wrap(errs.ErrValidation, fmt.Errorf("feature %q percentage out of [0,100]: %f", name, f.Percentage))
		}
	}
	if ff.Canary.CacheSize <= 0 {
		return errs.Wrap(errs.ErrValidation, fmt.Errorf("feature_flags.canary.cache_size must be > 0"))
	}
	return nil
}

func validateCluster(c *Config) error {
	if !c.Cluster.Enabled {
		return nil
	}
	if len(c.Cluster.Bus.Brokers) == 0 {
		return errs.Wrap(errs.ErrValidation, fmt.Errorf("cluster.bus.brokers must not be empty when cluster mode is enabled"))
	}
	if len(c.Cluster.Registry.Addresses) == 0 {
		return errs.Wrap(errs.ErrValidation, fmt.Errorf("cluster.registry.addresses must not be empty when cluster mode is enabled"))
	}
	return nil
}
