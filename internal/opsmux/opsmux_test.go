package opsmux

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ibs-source/inference-engine/internal/config"
	"github.com/ibs-source/inference-engine/internal/domain"
	"github.com/ibs-source/inference-engine/internal/ports"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct{}

func (fakeTransport) Request(_ context.Context, method string, params interface{}) (ports.RawMessage, error) {
	env := params.(batchRequestEnvelope)
	results := make([]batchResultEnvelope, len(env.Requests))
	for i, p := range env.Requests {
		raw, _ := json.Marshal(p)
		results[i] = batchResultEnvelope{Success: true, Result: raw}
	}
	return json.Marshal(batchResponseEnvelope{Results: results})
}
func (fakeTransport) Notify(context.Context, string, interface{}) error { return nil }
func (fakeTransport) OnNotification(string, ports.NotificationHandler)  {}
func (fakeTransport) Close() error                                     { return nil }

func testCfg() config.OpsMultiplexerConfig {
	return config.OpsMultiplexerConfig{
		Enabled:                  true,
		MinHold:                  1 * time.Millisecond,
		MaxHold:                  20 * time.Millisecond,
		LowConcurrencyThreshold:  8,
		HighConcurrencyThreshold: 64,
		MinBatchSize:             2,
		MaxBatchSize:             8,
	}
}

func TestTryRefusesUnlistedMethod(t *testing.T) {
	m := New(testCfg(), fakeTransport{}, nil, nil)
	_, ok := m.Try("generate", "m", "p", domain.PriorityNormal, RequestOptions{})
	require.False(t, ok)
}

func TestTryRefusesCustomOptions(t *testing.T) {
	m := New(testCfg(), fakeTransport{}, nil, nil)
	_, ok := m.Try("tokenize", "m", "p", domain.PriorityNormal, RequestOptions{Timeout: time.Second})
	require.False(t, ok)
}

func TestTryDispatchesOnHoldElapsed(t *testing.T) {
	m := New(testCfg(), fakeTransport{}, func() int { return 0 }, nil)
	done, ok := m.Try("tokenize", "m1", "hello", domain.PriorityNormal, RequestOptions{})
	require.True(t, ok)

	select {
	case res := <-done:
		require.True(t, res.Success)
	case <-time.After(time.Second):
		t.Fatal("opsmux never dispatched")
	}
}

func TestTryDispatchesOnCeilingReached(t *testing.T) {
	m := New(testCfg(), fakeTransport{}, func() int { return 64 }, nil)
	var dones []<-chan domain.BatchResult
	for i := 0; i < 8; i++ {
		done, ok := m.Try("tokenize", "m2", i, domain.PriorityNormal, RequestOptions{})
		require.True(t, ok)
		dones = append(dones, done)
	}
	for _, done := range dones {
		select {
		case res := <-done:
			require.True(t, res.Success)
		case <-time.After(time.Second):
			t.Fatal("opsmux never dispatched at ceiling")
		}
	}
}
