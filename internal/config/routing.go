package config

import "time"

// RequestRoutingConfig mirrors spec.md §6 requestRouting.*.
type RequestRoutingConfig struct {
	CircuitBreaker CircuitBreakerConfig
	Retry          RetryConfig
	Timeout        time.Duration
	StreamingTimeout time.Duration
}

// CircuitBreakerConfig mirrors requestRouting.circuitBreaker.*.
type CircuitBreakerConfig struct {
	Enabled          bool
	FailureThreshold uint64
	SuccessThreshold uint64
	Timeout          time.Duration
}

// RetryConfig mirrors requestRouting.retry.*.
type RetryConfig struct {
	Enabled         bool
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	Multiplier      float64
	// AllowlistMethods is the supplemented idempotent-retry allowlist
	// (SPEC_FULL.md §SUPPLEMENTED FEATURES #3).
	AllowlistMethods []string
}

// ClusterConfig wires the controller-side bus/registry/balancer.
type ClusterConfig struct {
	Enabled bool

	Bus      BusConfig
	Registry RegistryConfig
}

// BusConfig is the MQTT-backed cluster bus configuration.
type BusConfig struct {
	Brokers        []string
	ClientID       string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	TLSEnabled     bool
	CACertFile     string
	ClientCertFile string
	ClientKeyFile  string
}

// RegistryConfig is the Redis-backed worker registry configuration.
type RegistryConfig struct {
	Addresses         []string
	Password          string
	DB                int
	HeartbeatTTL      time.Duration
	HeartbeatInterval time.Duration
}
