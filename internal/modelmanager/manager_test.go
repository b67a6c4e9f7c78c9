package modelmanager

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ibs-source/inference-engine/internal/ports"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	loadCalls   atomic.Int64
	unloadCalls atomic.Int64
	loadDelay   time.Duration
	loadErr     error
	draftResp   []byte
}

func (f *fakeTransport) Request(ctx context.Context, method string, params interface{}) (ports.RawMessage, error) {
	switch method {
	case "load_model":
		f.loadCalls.Add(1)
		if f.loadDelay > 0 {
			time.Sleep(f.loadDelay)
		}
		if f.loadErr != nil {
			return nil, f.loadErr
		}
		return []byte(`{}`), nil
	case "unload_model":
		f.unloadCalls.Add(1)
		return []byte(`{}`), nil
	case "check_draft":
		if f.draftResp != nil {
			return f.draftResp, nil
		}
		return []byte(`{"compatible":true,"reason":"ok"}`), nil
	}
	return []byte(`{}`), nil
}

func (f *fakeTransport) Notify(ctx context.Context, method string, params interface{}) error { return nil }
func (f *fakeTransport) OnNotification(method string, handler ports.NotificationHandler)     {}
func (f *fakeTransport) Close() error                                                        { return nil }

func TestLoadModelCoalescesConcurrentCallers(t *testing.T) {
	ft := &fakeTransport{loadDelay: 30 * time.Millisecond}
	m := New(Config{}, ft, nil, nil)

	done := make(chan struct{}, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := m.LoadModel(context.Background(), "model-a")
			require.NoError(t, err)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	require.Equal(t, int64(1), ft.loadCalls.Load())
}

func TestLoadModelCachedReturnsWithoutCallingTransport(t *testing.T) {
	ft := &fakeTransport{}
	m := New(Config{}, ft, nil, nil)

	_, err := m.LoadModel(context.Background(), "model-b")
	require.NoError(t, err)
	_, err = m.LoadModel(context.Background(), "model-b")
	require.NoError(t, err)
	require.Equal(t, int64(1), ft.loadCalls.Load())
}

func TestUnloadModelWaitsForDrain(t *testing.T) {
	ft := &fakeTransport{}
	m := New(Config{DrainTimeout: time.Second}, ft, nil, nil)

	_, err := m.LoadModel(context.Background(), "model-c")
	require.NoError(t, err)
	m.AcquireInFlight("model-c")

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.ReleaseInFlight("model-c")
	}()

	err = m.UnloadModel(context.Background(), "model-c")
	require.NoError(t, err)
	require.Equal(t, int64(1), ft.unloadCalls.Load())
	_, ok := m.Entry("model-c")
	require.False(t, ok)
}

func TestCheckDraftStoresPositivePairing(t *testing.T) {
	ft := &fakeTransport{}
	m := New(Config{}, ft, nil, nil)

	report, err := m.CheckDraft(context.Background(), "big", "small")
	require.NoError(t, err)
	require.True(t, report.Compatible)

	stored, ok := m.DraftPairing("big", "small")
	require.True(t, ok)
	require.Equal(t, "ok", stored.Reason)
}

func TestCheckDraftIncompatibleNotStored(t *testing.T) {
	raw, _ := json.Marshal(map[string]interface{}{"compatible": false, "reason": "vocab mismatch"})
	ft := &fakeTransport{draftResp: raw}
	m := New(Config{}, ft, nil, nil)

	report, err := m.CheckDraft(context.Background(), "big", "other")
	require.NoError(t, err)
	require.False(t, report.Compatible)

	_, ok := m.DraftPairing("big", "other")
	require.False(t, ok)
}

func TestWarmupNeverFails(t *testing.T) {
	ft := &fakeTransport{loadErr: context.DeadlineExceeded}
	m := New(Config{}, ft, nil, nil)
	m.Warmup(context.Background(), []string{"a", "b", "c"})
	require.Equal(t, int64(3), ft.loadCalls.Load())
}
