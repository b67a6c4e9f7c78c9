package rpctransport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeRuntime spawns a tiny shell subprocess that echoes each JSON-RPC
// request back as a successful response with result `{"ok":true}`; for a
// request with method "emit" it first writes one stream.chunk
// notification. It stands in for the real inference runtime subprocess
// for transport-level tests.
func fakeRuntime(t *testing.T) *Transport {
	t.Helper()
	script := `while IFS= read -r line; do
  id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  case "$line" in
    *\"method\":\"emit\"*) echo "{\"jsonrpc\":\"2.0\",\"method\":\"stream.chunk\",\"params\":{\"token\":\"hi\"}}"; echo "{\"jsonrpc\":\"2.0\",\"id\":$id,\"result\":{\"ok\":true}}" ;;
    *) echo "{\"jsonrpc\":\"2.0\",\"id\":$id,\"result\":{\"ok\":true}}" ;;
  esac
done`
	tr, err := New(context.Background(), "sh", []string{"-c", script})
	require.NoError(t, err)
	return tr
}

func TestRequestRoundTrip(t *testing.T) {
	tr := fakeRuntime(t)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := tr.Request(ctx, "runtime/info", nil)
	require.NoError(t, err)
	require.Contains(t, string(raw), "ok")
}

func TestOnNotificationDispatch(t *testing.T) {
	tr := fakeRuntime(t)
	defer tr.Close()

	received := make(chan []byte, 1)
	tr.OnNotification("stream.chunk", func(params []byte) {
		received <- params
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := tr.Request(ctx, "emit", nil)
	require.NoError(t, err)

	select {
	case params := <-received:
		require.Contains(t, string(params), "hi")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification dispatch")
	}
}

func TestCloseRejectsOutstandingRequests(t *testing.T) {
	tr, err := New(context.Background(), "sh", []string{"-c", "cat >/dev/null"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := tr.Request(context.Background(), "runtime/info", nil)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, tr.Close())

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for rejected request")
	}
}
