package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ibs-source/inference-engine/internal/config"
	"github.com/ibs-source/inference-engine/internal/domain"
	"github.com/stretchr/testify/require"
)

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (m *memKV) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *memKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memKV) Scan(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.data {
		out = append(out, k)
	}
	_ = prefix
	return out, nil
}

func (m *memKV) Close() error { return nil }

func testCfg() config.RegistryConfig {
	return config.RegistryConfig{HeartbeatTTL: 50 * time.Millisecond, HeartbeatInterval: 10 * time.Millisecond}
}

func TestRegisterPersistsAndSnapshots(t *testing.T) {
	kv := newMemKV()
	r := New(testCfg(), kv, nil)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, domain.WorkerRecord{
		WorkerID: "w1", Hostname: "h1",
		Skills: domain.Skills{AvailableModels: []string{"m-7b"}},
	}))

	rec, ok := r.Get("w1")
	require.True(t, ok)
	require.Equal(t, domain.WorkerOnline, rec.Status)

	raw, err := kv.Get(ctx, "worker:w1")
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
}

func TestHeartbeatUpdatesMetrics(t *testing.T) {
	kv := newMemKV()
	r := New(testCfg(), kv, nil)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, domain.WorkerRecord{WorkerID: "w1"}))

	require.NoError(t, r.Heartbeat(ctx, "w1", domain.WorkerDegraded, domain.WorkerMetrics{ActiveRequests: 3}))

	rec, ok := r.Get("w1")
	require.True(t, ok)
	require.Equal(t, domain.WorkerDegraded, rec.Status)
	require.Equal(t, 3, rec.Metrics.ActiveRequests)
}

func TestHeartbeatForUnknownWorkerErrors(t *testing.T) {
	r := New(testCfg(), newMemKV(), nil)
	err := r.Heartbeat(context.Background(), "ghost", domain.WorkerOnline, domain.WorkerMetrics{})
	require.Error(t, err)
}

func TestSweepStaleMarksOffline(t *testing.T) {
	r := New(testCfg(), newMemKV(), nil)
	require.NoError(t, r.Register(context.Background(), domain.WorkerRecord{WorkerID: "w1"}))

	time.Sleep(60 * time.Millisecond)
	r.sweepStale()

	rec, ok := r.Get("w1")
	require.True(t, ok)
	require.Equal(t, domain.WorkerOffline, rec.Status)
}

func TestDeregisterRemovesWorker(t *testing.T) {
	kv := newMemKV()
	r := New(testCfg(), kv, nil)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, domain.WorkerRecord{WorkerID: "w1"}))
	require.NoError(t, r.Deregister(ctx, "w1"))

	_, ok := r.Get("w1")
	require.False(t, ok)
}
