package batchqueue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ibs-source/inference-engine/internal/domain"
	"github.com/ibs-source/inference-engine/internal/ports"
	"github.com/stretchr/testify/require"
)

// fakeTransport records every batch_<method> call it receives and echoes
// back one successful result per requested param.
type fakeTransport struct {
	mu    sync.Mutex
	calls []batchRequestEnvelope
}

func (f *fakeTransport) Request(_ context.Context, method string, params interface{}) (ports.RawMessage, error) {
	env := params.(batchRequestEnvelope)
	f.mu.Lock()
	f.calls = append(f.calls, env)
	f.mu.Unlock()

	results := make([]batchResultEnvelope, len(env.Requests))
	for i, p := range env.Requests {
		raw, _ := json.Marshal(p)
		results[i] = batchResultEnvelope{Success: true, Result: raw}
	}
	return json.Marshal(batchResponseEnvelope{Results: results})
}

func (f *fakeTransport) Notify(context.Context, string, interface{}) error { return nil }
func (f *fakeTransport) OnNotification(string, ports.NotificationHandler)  {}
func (f *fakeTransport) Close() error                                     { return nil }

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testConfig() Config {
	return Config{
		MaxBatchSize:    5,
		FlushInterval:   20 * time.Millisecond,
		MinHold:         5 * time.Millisecond,
		AdaptiveSizing:  false,
		TargetBatchTime: 20 * time.Millisecond,
		PriorityQueue:   true,
		AdjustInterval:  time.Second,
	}
}

func TestFlushOnSizeThreshold(t *testing.T) {
	ft := &fakeTransport{}
	q := New(testConfig(), ft, domain.NewMetrics(), nil)

	var dones []chan domain.BatchResult
	for i := 0; i < 5; i++ {
		req := domain.NewBatchableRequest("tokenize", "model-a", i, domain.PriorityNormal)
		dones = append(dones, req.Done)
		q.Enqueue(req)
	}

	for i, done := range dones {
		select {
		case res := <-done:
			require.True(t, res.Success)
			var v int
			require.NoError(t, json.Unmarshal(res.Result.(json.RawMessage), &v))
			require.Equal(t, i, v)
		case <-time.After(time.Second):
			t.Fatalf("entry %d never resolved", i)
		}
	}
	require.Equal(t, 1, ft.callCount())
}

func TestFlushOnDebounceTimer(t *testing.T) {
	ft := &fakeTransport{}
	q := New(testConfig(), ft, domain.NewMetrics(), nil)

	req := domain.NewBatchableRequest("tokenize", "model-a", "p", domain.PriorityNormal)
	q.Enqueue(req)

	select {
	case res := <-req.Done:
		require.True(t, res.Success)
	case <-time.After(time.Second):
		t.Fatal("debounce flush never fired")
	}
	require.Equal(t, 1, ft.callCount())
}

func TestBatchResultOrderMatchesRequestOrder(t *testing.T) {
	ft := &fakeTransport{}
	cfg := testConfig()
	cfg.PriorityQueue = false
	q := New(cfg, ft, domain.NewMetrics(), nil)

	var dones []chan domain.BatchResult
	for i := 0; i < 5; i++ {
		req := domain.NewBatchableRequest("tokenize", "model-b", i, domain.PriorityNormal)
		dones = append(dones, req.Done)
		q.Enqueue(req)
	}
	for i, done := range dones {
		res := <-done
		var v int
		require.NoError(t, json.Unmarshal(res.Result.(json.RawMessage), &v))
		require.Equal(t, i, v)
	}
}

func TestPerEntryErrorsIsolated(t *testing.T) {
	ft := &failingEntryTransport{failIndex: 2}
	q := New(testConfig(), ft, domain.NewMetrics(), nil)

	var dones []chan domain.BatchResult
	for i := 0; i < 5; i++ {
		req := domain.NewBatchableRequest("tokenize", "model-c", i, domain.PriorityNormal)
		dones = append(dones, req.Done)
		q.Enqueue(req)
	}
	for i, done := range dones {
		res := <-done
		if i == 2 {
			require.False(t, res.Success)
			require.Error(t, res.Err)
		} else {
			require.True(t, res.Success)
		}
	}
}

type failingEntryTransport struct {
	failIndex int
}

func (f *failingEntryTransport) Request(_ context.Context, method string, params interface{}) (ports.RawMessage, error) {
	env := params.(batchRequestEnvelope)
	results := make([]batchResultEnvelope, len(env.Requests))
	for i, p := range env.Requests {
		if i == f.failIndex {
			results[i] = batchResultEnvelope{Success: false, Error: "boom"}
			continue
		}
		raw, _ := json.Marshal(p)
		results[i] = batchResultEnvelope{Success: true, Result: raw}
	}
	return json.Marshal(batchResponseEnvelope{Results: results})
}
func (f *failingEntryTransport) Notify(context.Context, string, interface{}) error { return nil }
func (f *failingEntryTransport) OnNotification(string, ports.NotificationHandler)  {}
func (f *failingEntryTransport) Close() error                                     { return nil }
