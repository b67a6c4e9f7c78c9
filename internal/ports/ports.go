// Package ports defines the interface seams implemented by adapters and
// consumed by the serving-control core. Under internal/, only the adapter
// packages (logger, cluster/bus, kvstore) import logrus, paho, or go-redis
// directly.
package ports

import (
	"context"
	"time"
)

// Field is a structured logging key/value pair.
type Field struct {
	Key   string
	Value interface{}
}

// Logger is the structured logging seam used throughout the engine.
type Logger interface {
	Trace(msg string, fields ...Field)
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)
	WithFields(fields ...Field) Logger
}

// RuntimeTransport is the JSON-RPC 2.0 seam to the inference runtime
// subprocess (RpcTransport).
type RuntimeTransport interface {
	// Request issues a call and blocks for the matching response or ctx
	// cancellation/deadline.
	Request(ctx context.Context, method string, params interface{}) (RawMessage, error)
	// Notify sends a fire-and-forget notification to the runtime.
	Notify(ctx context.Context, method string, params interface{}) error
	// OnNotification registers a handler for a runtime-originated
	// notification method. Handlers must not block.
	OnNotification(method string, handler NotificationHandler)
	// Close terminates the transport; all outstanding requests are
	// rejected with the transport-closed error.
	Close() error
}

// RawMessage avoids importing encoding/json into the seam definition
// while still letting callers unmarshal lazily.
type RawMessage = []byte

// NotificationHandler processes a single runtime notification payload.
type NotificationHandler func(params []byte)

// Bus is the abstract cluster pub/sub + request/reply transport between
// controller and workers.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, handler BusHandler) error
	Unsubscribe(topic string) error
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
}

// BusHandler processes a single message received on a subscribed topic.
type BusHandler func(topic string, payload []byte)

// CircuitBreaker is the per-peer FSM seam.
type CircuitBreaker interface {
	Execute(fn func() error) error
	GetState() string
	GetStats() CircuitBreakerStats
}

// CircuitBreakerStats is a point-in-time snapshot of breaker counters.
type CircuitBreakerStats struct {
	Requests            uint64
	TotalSuccess        uint64
	TotalFailure        uint64
	ConsecutiveFailures uint64
	ConsecutiveSuccess  uint64
	State               string
	LastFailureAt       time.Time
}

// MetricSink receives counters/gauges/histograms. Telemetry sinks are out
// of scope per the core's non-goals; no component in this module calls a
// MetricSink, and NoopMetricSink is its only implementation here.
type MetricSink interface {
	IncCounter(name string, delta float64, tags ...Field)
	SetGauge(name string, value float64, tags ...Field)
	ObserveHistogram(name string, value float64, tags ...Field)
}

// NoopMetricSink discards everything.
type NoopMetricSink struct{}

func (NoopMetricSink) IncCounter(string, float64, ...Field)       {}
func (NoopMetricSink) SetGauge(string, float64, ...Field)         {}
func (NoopMetricSink) ObserveHistogram(string, float64, ...Field) {}

// KVStore is the seam used by cluster/registry for shared, cross-replica
// state (worker records).
// Implemented over go-redis in production.
type KVStore interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
