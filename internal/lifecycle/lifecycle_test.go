package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/ibs-source/inference-engine/internal/modelmanager"
	"github.com/ibs-source/inference-engine/internal/ports"
	"github.com/stretchr/testify/require"
)

type stubTransport struct{}

func (stubTransport) Request(ctx context.Context, method string, params interface{}) (ports.RawMessage, error) {
	return []byte(`{}`), nil
}
func (stubTransport) Notify(ctx context.Context, method string, params interface{}) error { return nil }
func (stubTransport) OnNotification(method string, handler ports.NotificationHandler)     {}
func (stubTransport) Close() error                                                        { return nil }

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	mm := modelmanager.New(modelmanager.Config{}, stubTransport{}, nil, nil)
	lm := New(Config{MaxLoadedModels: 2}, mm, nil)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := mm.LoadModel(ctx, id)
		require.NoError(t, err)
		lm.OnAccess(ctx, id)
	}

	_, err := mm.LoadModel(ctx, "c")
	require.NoError(t, err)
	lm.OnAccess(ctx, "c")

	_, aLoaded := mm.Entry("a")
	require.False(t, aLoaded)
	_, bLoaded := mm.Entry("b")
	require.True(t, bLoaded)
	_, cLoaded := mm.Entry("c")
	require.True(t, cLoaded)
}

func TestPinnedEntryNeverEvicted(t *testing.T) {
	mm := modelmanager.New(modelmanager.Config{}, stubTransport{}, nil, nil)
	lm := New(Config{MaxLoadedModels: 1}, mm, nil)
	ctx := context.Background()

	_, err := mm.LoadModel(ctx, "pinned")
	require.NoError(t, err)
	lm.OnAccess(ctx, "pinned")
	lm.Pin("pinned")

	_, err = mm.LoadModel(ctx, "other")
	require.NoError(t, err)
	lm.OnAccess(ctx, "other")

	_, stillLoaded := mm.Entry("pinned")
	require.True(t, stillLoaded)
}

func TestIdleSweepUnloadsAfterTimeout(t *testing.T) {
	mm := modelmanager.New(modelmanager.Config{}, stubTransport{}, nil, nil)
	lm := New(Config{IdleTimeout: 10 * time.Millisecond, IdleSweepInterval: 5 * time.Millisecond}, mm, nil)
	ctx := context.Background()

	_, err := mm.LoadModel(ctx, "idle-me")
	require.NoError(t, err)
	lm.OnAccess(ctx, "idle-me")

	lm.Start(ctx)
	defer lm.Stop()

	require.Eventually(t, func() bool {
		_, ok := mm.Entry("idle-me")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestPrefetchFollowsLearnedTransition(t *testing.T) {
	mm := modelmanager.New(modelmanager.Config{}, stubTransport{}, nil, nil)
	lm := New(Config{PrefetchMinConfidence: 0.5, PrefetchMaxConcurrency: 2}, mm, nil)
	ctx := context.Background()

	// Teach the transition map x -> z by accessing x then z, three times,
	// without ever loading z through any path other than prefetch.
	for i := 0; i < 3; i++ {
		lm.OnAccess(ctx, "x")
		lm.OnAccess(ctx, "z")
	}

	lm.OnAccess(ctx, "x")

	require.Eventually(t, func() bool {
		_, ok := mm.Entry("z")
		return ok
	}, time.Second, 5*time.Millisecond)
}
