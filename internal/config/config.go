// Package config resolves the serving-control core's configuration from
// layered defaults and environment variables. File-based (YAML) config
// parsing and CLI flag plumbing are explicitly out of scope (spec.md §1);
// this package only exposes the resolved schema and a Load() that reads
// environment variables over built-in defaults, then validates.
package config

import (
	"fmt"
	"time"
)

// Config is the fully resolved configuration surface described in
// spec.md §6.
type Config struct {
	App                AppConfig
	StreamRegistry     StreamRegistryConfig
	BatchQueue         BatchQueueConfig
	ConcurrencyLimiter ConcurrencyLimiterConfig
	Model              ModelConfig
	RequestRouting     RequestRoutingConfig
	FeatureFlags       FeatureFlagsConfig
	Cluster            ClusterConfig
}

// AppConfig holds process-level configuration.
type AppConfig struct {
	Name            string
	Environment     string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	HealthPort      int

	// RuntimePath/RuntimeArgs launch the inference runtime subprocess
	// RpcTransport speaks line-delimited JSON-RPC 2.0 to over stdio
	// (spec.md §6 "Runtime RPC"). The runtime binary itself is an
	// external collaborator (spec.md §1 Non-goals).
	RuntimePath string
	RuntimeArgs []string
}

// Load resolves configuration from built-in defaults overridden by
// environment variables, then validates the result.
func Load() (*Config, error) {
	cfg := Defaults()
	ApplyEnvironment(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}
