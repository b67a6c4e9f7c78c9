package featureflags

import (
	"testing"

	"github.com/ibs-source/inference-engine/internal/config"
	"github.com/stretchr/testify/require"
)

func TestCanaryRouterStableForFixedPercentage(t *testing.T) {
	r := NewCanaryRouter(config.CanaryConfig{CacheSize: 100}, 50, "canary-seed")

	v1, b1 := r.Variant("user-42")
	v2, b2 := r.Variant("user-42")
	require.Equal(t, v1, v2)
	require.Equal(t, b1, b2)
}

func TestCanaryRouterSetPercentageClearsCache(t *testing.T) {
	r := NewCanaryRouter(config.CanaryConfig{CacheSize: 100}, 0, "canary-seed")
	v, _ := r.Variant("user-42")
	require.Equal(t, "baseline", v)
	require.Equal(t, 1, r.Len())

	r.SetPercentage(100)
	require.Equal(t, 0, r.Len())

	v2, _ := r.Variant("user-42")
	require.Equal(t, "canary", v2)
}

func TestCanaryRouterEvictsOldestOnCapacity(t *testing.T) {
	r := NewCanaryRouter(config.CanaryConfig{CacheSize: 2}, 50, "seed")
	r.Variant("a")
	r.Variant("b")
	r.Variant("c") // evicts "a", the least-recently-used

	require.Equal(t, 2, r.Len())
	require.Nil(t, r.elems["a"])
	require.NotNil(t, r.elems["b"])
	require.NotNil(t, r.elems["c"])
}

func TestCanaryRouterHitRefreshesRecency(t *testing.T) {
	r := NewCanaryRouter(config.CanaryConfig{CacheSize: 2}, 50, "seed")
	r.Variant("a")
	r.Variant("b")
	r.Variant("a") // refresh "a"; "b" becomes the eviction candidate
	r.Variant("c") // evicts "b"

	require.NotNil(t, r.elems["a"])
	require.Nil(t, r.elems["b"])
	require.NotNil(t, r.elems["c"])
}
