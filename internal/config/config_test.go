package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestLoadAppliesEnvironmentOverrides(t *testing.T) {
	t.Setenv("STREAM_REGISTRY_MAX_ACTIVE_STREAMS", "256")
	t.Setenv("BATCH_QUEUE_MAX_BATCH_SIZE", "64")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 256, cfg.StreamRegistry.MaxActiveStreams)
	require.Equal(t, 64, cfg.BatchQueue.MaxBatchSize)
	require.Equal(t, "debug", cfg.App.LogLevel)
}

func TestValidateRejectsBadBatchSize(t *testing.T) {
	cfg := Defaults()
	cfg.BatchQueue.MaxBatchSize = 0
	require.Error(t, cfg.Validate())

	cfg2 := Defaults()
	cfg2.BatchQueue.MaxBatchSize = 500
	require.Error(t, cfg2.Validate())
}

func TestValidateRejectsBadFeaturePercentage(t *testing.T) {
	cfg := Defaults()
	cfg.FeatureFlags.Features = map[string]FeatureConfig{
		"canary-routing": {Enabled: true, Percentage: 150},
	}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsInvalidGovernor(t *testing.T) {
	cfg := Defaults()
	cfg.StreamRegistry.AdaptiveLimits.Governor = "magic"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyRuntimePath(t *testing.T) {
	cfg := Defaults()
	cfg.App.RuntimePath = ""
	require.Error(t, cfg.Validate())
}

func TestLoadAppliesRuntimeEnvironmentOverrides(t *testing.T) {
	t.Setenv("RUNTIME_PATH", "/opt/runtime/bin/model-server")
	t.Setenv("RUNTIME_ARGS", "--flag-a,--flag-b")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/opt/runtime/bin/model-server", cfg.App.RuntimePath)
	require.Equal(t, []string{"--flag-a", "--flag-b"}, cfg.App.RuntimeArgs)
}

func TestValidateRequiresClusterAddressesWhenEnabled(t *testing.T) {
	cfg := Defaults()
	cfg.Cluster.Enabled = true
	cfg.Cluster.Bus.Brokers = nil
	require.Error(t, cfg.Validate())
}

func TestGetDurationEnvFallsBackOnParseError(t *testing.T) {
	const key = "ENGINE_TEST_DURATION"
	require.NoError(t, os.Setenv(key, "not-a-duration"))
	defer os.Unsetenv(key)

	got := getDurationEnv(key, 7*time.Second)
	require.Equal(t, 7*time.Second, got)
}
