package config

import "time"

// ModelConfig mirrors spec.md §6 model.*.
type ModelConfig struct {
	DefaultContextLength int
	MaxLoadedModels      int

	MemoryCache MemoryCacheConfig

	// Idle-drain / prefetch knobs feed LifecycleManager (§4.7); kept
	// alongside ModelConfig since they describe the same "loaded model"
	// resource rather than a separate surface named in spec.md's
	// configuration list.
	IdleTimeout           time.Duration
	IdleSweepInterval     time.Duration
	PrefetchMinConfidence float64
	PrefetchMaxConcurrency int
	PrefetchHitWindow     time.Duration
	DrainTimeout          time.Duration
}

// MemoryCacheConfig mirrors model.memory_cache.*.
type MemoryCacheConfig struct {
	Enabled          bool
	MaxCachedModels  int
	EvictionStrategy string // "lru" is the only one implemented
	WarmupOnStart    []string
}
