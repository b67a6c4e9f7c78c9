package controller

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ibs-source/inference-engine/internal/circuitbreaker"
	"github.com/ibs-source/inference-engine/internal/cluster/balancer"
	"github.com/ibs-source/inference-engine/internal/cluster/bus"
	"github.com/ibs-source/inference-engine/internal/cluster/registry"
	"github.com/ibs-source/inference-engine/internal/config"
	"github.com/ibs-source/inference-engine/internal/domain"
	"github.com/ibs-source/inference-engine/internal/ports"
	"github.com/stretchr/testify/require"
)

// fakeBus is an in-process ports.Bus: Publish loops payloads straight to
// any handler registered for that exact topic, synchronously.
type fakeBus struct {
	mu       sync.Mutex
	handlers map[string]ports.BusHandler

	onPublish func(topic string, payload []byte)
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]ports.BusHandler)}
}

func (f *fakeBus) Publish(_ context.Context, topic string, payload []byte) error {
	if f.onPublish != nil {
		f.onPublish(topic, payload)
	}
	return nil
}

func (f *fakeBus) Subscribe(topic string, handler ports.BusHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeBus) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, topic)
	return nil
}

func (f *fakeBus) Connect(context.Context) error    { return nil }
func (f *fakeBus) Disconnect(context.Context) error { return nil }
func (f *fakeBus) IsConnected() bool                { return true }

func (f *fakeBus) deliver(topic string, payload []byte) {
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	if h != nil {
		h(topic, payload)
	}
}

func testRoutingCfg() config.RequestRoutingConfig {
	return config.RequestRoutingConfig{
		Timeout:          200 * time.Millisecond,
		StreamingTimeout: 200 * time.Millisecond,
		Retry:            config.RetryConfig{MaxAttempts: 2, AllowlistMethods: []string{"generate"}},
	}
}

func newTestController(t *testing.T, fb *fakeBus, cfg config.RequestRoutingConfig) (*Controller, *registry.Registry) {
	t.Helper()
	reg := registry.New(config.RegistryConfig{HeartbeatTTL: time.Minute, HeartbeatInterval: time.Minute}, nil, nil)
	lb := balancer.New(balancer.DefaultSafetyFactor)
	breakers := circuitbreaker.NewRegistry(3, 1, time.Minute)
	c := New(reg, lb, breakers, fb, cfg, nil)
	require.NoError(t, c.Wire())
	return c, reg
}

func TestOnRegisterAddsWorkerToRegistry(t *testing.T) {
	fb := newFakeBus()
	_, reg := newTestController(t, fb, testRoutingCfg())

	payload, err := json.Marshal(registerPayload{
		WorkerID: "w1", Hostname: "h1", Skills: []string{"model-m"}, Status: "online",
	})
	require.NoError(t, err)
	fb.deliver(bus.TopicWorkerRegister, payload)

	rec, ok := reg.Get("w1")
	require.True(t, ok)
	require.Equal(t, domain.WorkerOnline, rec.Status)
}

func TestOnHeartbeatUpdatesKnownWorker(t *testing.T) {
	fb := newFakeBus()
	_, reg := newTestController(t, fb, testRoutingCfg())
	require.NoError(t, reg.Register(context.Background(), domain.WorkerRecord{WorkerID: "w1"}))

	payload, err := json.Marshal(heartbeatPayload{WorkerID: "w1", Status: "degraded", Metrics: domain.WorkerMetrics{ActiveRequests: 4}})
	require.NoError(t, err)
	fb.deliver(bus.TopicWorkerHeartbeat, payload)

	rec, ok := reg.Get("w1")
	require.True(t, ok)
	require.Equal(t, domain.WorkerDegraded, rec.Status)
	require.Equal(t, 4, rec.Metrics.ActiveRequests)
}

func TestRouteSucceedsOnFirstReply(t *testing.T) {
	fb := newFakeBus()
	c, reg := newTestController(t, fb, testRoutingCfg())
	require.NoError(t, reg.Register(context.Background(), domain.WorkerRecord{
		WorkerID: "w1", Skills: domain.Skills{AvailableModels: []string{"model-m"}},
	}))

	fb.onPublish = func(topic string, payload []byte) {
		var env inferenceEnvelope
		require.NoError(t, json.Unmarshal(payload, &env))
		reply, _ := json.Marshal(InferenceResult{WorkerID: "w1", Tokens: json.RawMessage(`["hi"]`)})
		go fb.deliver(env.ReplyTo, reply)
	}

	result, err := c.Route(context.Background(), InferenceRequest{ModelID: "model-m", Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, "w1", result.WorkerID)
}

func TestRouteRetriesAllowlistedMethodOnDifferentWorker(t *testing.T) {
	fb := newFakeBus()
	c, reg := newTestController(t, fb, testRoutingCfg())
	require.NoError(t, reg.Register(context.Background(), domain.WorkerRecord{
		WorkerID: "bad", Skills: domain.Skills{AvailableModels: []string{"model-m"}},
	}))
	require.NoError(t, reg.Register(context.Background(), domain.WorkerRecord{
		WorkerID: "good", Skills: domain.Skills{AvailableModels: []string{"model-m"}},
	}))

	fb.onPublish = func(topic string, payload []byte) {
		var env inferenceEnvelope
		require.NoError(t, json.Unmarshal(payload, &env))
		if topic == bus.InferenceTopic("bad") {
			reply, _ := json.Marshal(InferenceResult{WorkerID: "bad", Error: "boom"})
			go fb.deliver(env.ReplyTo, reply)
			return
		}
		reply, _ := json.Marshal(InferenceResult{WorkerID: "good"})
		go fb.deliver(env.ReplyTo, reply)
	}

	result, err := c.Route(context.Background(), InferenceRequest{ModelID: "model-m", Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, "good", result.WorkerID)
}

func TestRouteStreamingNeverRetries(t *testing.T) {
	fb := newFakeBus()
	c, reg := newTestController(t, fb, testRoutingCfg())
	require.NoError(t, reg.Register(context.Background(), domain.WorkerRecord{
		WorkerID: "only", Skills: domain.Skills{AvailableModels: []string{"model-m"}},
	}))

	calls := 0
	fb.onPublish = func(topic string, payload []byte) {
		calls++
		var env inferenceEnvelope
		require.NoError(t, json.Unmarshal(payload, &env))
		reply, _ := json.Marshal(InferenceResult{WorkerID: "only", Error: "boom"})
		go fb.deliver(env.ReplyTo, reply)
	}

	_, err := c.Route(context.Background(), InferenceRequest{ModelID: "model-m", Prompt: "hi", Stream: true})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestRouteNoWorkerForModel(t *testing.T) {
	fb := newFakeBus()
	c, _ := newTestController(t, fb, testRoutingCfg())
	_, err := c.Route(context.Background(), InferenceRequest{ModelID: "model-m"})
	require.Error(t, err)
}
