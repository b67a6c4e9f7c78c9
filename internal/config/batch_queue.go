package config

import "time"

// BatchQueueConfig mirrors spec.md §6 batch_queue.*.
type BatchQueueConfig struct {
	Enabled         bool
	MaxBatchSize    int
	FlushInterval   time.Duration
	MinHold         time.Duration
	AdaptiveSizing  bool
	TargetBatchTime time.Duration
	PriorityQueue   bool
	AdjustInterval  time.Duration

	// OpsMultiplexer tuning (§4.3), layered above BatchQueue.
	Multiplexer OpsMultiplexerConfig
}

// OpsMultiplexerConfig mirrors the OpsMultiplexer's interpolation knobs.
type OpsMultiplexerConfig struct {
	Enabled                  bool
	MinHold                  time.Duration
	MaxHold                  time.Duration
	LowConcurrencyThreshold  int
	HighConcurrencyThreshold int

	// MinBatchSize/MaxBatchSize bound the envelope ceiling interpolated
	// alongside hold delay; not named directly in spec.md §6 but implied
	// by "Hold delay and batch ceiling are interpolated linearly" (§4.3).
	MinBatchSize int
	MaxBatchSize int
}
