package bus

import (
	"context"
	"testing"
	"time"

	"github.com/ibs-source/inference-engine/internal/config"
	"github.com/stretchr/testify/require"
)

func testCfg() config.BusConfig {
	return config.BusConfig{
		Brokers:        []string{"tcp://127.0.0.1:1"},
		ClientID:       "test-bus",
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Millisecond,
	}
}

func TestNewUnconnectedBusIsNotConnected(t *testing.T) {
	b, err := New(testCfg(), nil)
	require.NoError(t, err)
	require.False(t, b.IsConnected())
}

func TestSubscribeRegistersHandlerBeforeConnect(t *testing.T) {
	b, err := New(testCfg(), nil)
	require.NoError(t, err)

	called := false
	err = b.Subscribe(TopicWorkerRegister, func(string, []byte) { called = true })
	require.NoError(t, err)

	handlers := b.handlers.Load()
	_, ok := (*handlers)[TopicWorkerRegister]
	require.True(t, ok)
	require.False(t, called) // no message delivered without a live connection
}

func TestUnsubscribeRemovesHandler(t *testing.T) {
	b, err := New(testCfg(), nil)
	require.NoError(t, err)

	require.NoError(t, b.Subscribe(TopicWorkerHeartbeat, func(string, []byte) {}))
	require.NoError(t, b.Unsubscribe(TopicWorkerHeartbeat))

	handlers := b.handlers.Load()
	_, ok := (*handlers)[TopicWorkerHeartbeat]
	require.False(t, ok)
}

func TestInferenceTopicFormat(t *testing.T) {
	require.Equal(t, "worker-7.inference", InferenceTopic("worker-7"))
}

func TestPublishFailsWhenNotConnected(t *testing.T) {
	b, err := New(testCfg(), nil)
	require.NoError(t, err)
	err = b.Publish(context.Background(), TopicWorkerHeartbeat, []byte("{}"))
	require.Error(t, err)
}
