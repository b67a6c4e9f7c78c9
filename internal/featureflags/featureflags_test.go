package featureflags

import (
	"testing"

	"github.com/ibs-source/inference-engine/internal/config"
	"github.com/stretchr/testify/require"
)

func baseCfg() config.FeatureFlagsConfig {
	return config.FeatureFlagsConfig{
		Features: map[string]config.FeatureConfig{
			"speculative_decoding": {Enabled: true, Percentage: 50, HashSeed: "spec-dec"},
		},
		Phase: config.PhaseRolloutConfig{Enabled: true, Percentage: 100, HashSeed: "phase"},
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	g := New(baseCfg())
	d1 := g.Evaluate("speculative_decoding", "request-123")
	d2 := g.Evaluate("speculative_decoding", "request-123")
	require.Equal(t, d1, d2)
}

func TestEvaluateKillSwitch(t *testing.T) {
	cfg := baseCfg()
	cfg.Emergency.KillSwitch = true
	g := New(cfg)
	d := g.Evaluate("speculative_decoding", "request-123")
	require.False(t, d.Enabled)
	require.Equal(t, "kill_switch", d.Reason)
}

func TestEvaluateRollbackToBaseline(t *testing.T) {
	cfg := baseCfg()
	cfg.Emergency.RollbackToBaseline = true
	g := New(cfg)
	d := g.Evaluate("speculative_decoding", "request-123")
	require.False(t, d.Enabled)
	require.Equal(t, "rollback_to_baseline", d.Reason)
}

func TestEvaluatePhaseGateBlocks(t *testing.T) {
	cfg := baseCfg()
	cfg.Phase.Enabled = true
	cfg.Phase.Percentage = 0
	g := New(cfg)
	d := g.Evaluate("speculative_decoding", "request-123")
	require.False(t, d.Enabled)
	require.Equal(t, "phase_gate", d.Reason)
}

func TestEvaluatePhaseGateDisabledBlocksUnconditionally(t *testing.T) {
	cfg := baseCfg()
	cfg.Phase.Enabled = false
	cfg.Phase.Percentage = 100 // would pass-through at any hash if checked
	g := New(cfg)
	d := g.Evaluate("speculative_decoding", "request-123")
	require.False(t, d.Enabled)
	require.Equal(t, "phase_gate_disabled", d.Reason)
}

func TestEvaluateUnknownFeatureDisabled(t *testing.T) {
	g := New(baseCfg())
	d := g.Evaluate("nonexistent", "request-123")
	require.False(t, d.Enabled)
}

func TestEvaluateStableSetAcrossReevaluation(t *testing.T) {
	cfg := baseCfg()
	g := New(cfg)

	ids := make([]string, 200)
	for i := range ids {
		ids[i] = "req-" + string(rune('a'+i%26)) + string(rune('0'+i%10))
	}

	first := make(map[string]bool, len(ids))
	for _, id := range ids {
		first[id] = g.Evaluate("speculative_decoding", id).Enabled
	}
	for _, id := range ids {
		require.Equal(t, first[id], g.Evaluate("speculative_decoding", id).Enabled)
	}
}

func TestReloadSwapsConfigAtomically(t *testing.T) {
	g := New(baseCfg())
	updated := baseCfg()
	updated.Features["speculative_decoding"] = config.FeatureConfig{Enabled: false}
	g.Reload(updated)

	d := g.Evaluate("speculative_decoding", "request-123")
	require.False(t, d.Enabled)
	require.Equal(t, "feature_disabled", d.Reason)
}
