package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("worker-1", 5, 2, 50*time.Millisecond)
	boom := errors.New("boom")

	for i := 0; i < 4; i++ {
		err := b.Execute(func() error { return boom })
		require.ErrorIs(t, err, boom)
		require.Equal(t, "closed", b.GetState())
	}

	err := b.Execute(func() error { return boom })
	require.ErrorIs(t, err, boom)
	require.Equal(t, "open", b.GetState())
}

func TestBreakerHalfOpenThenClosed(t *testing.T) {
	b := New("worker-1", 1, 2, 10*time.Millisecond)

	fail := errors.New("fail")
	require.ErrorIs(t, b.Execute(func() error { return fail }), fail)
	require.Equal(t, "open", b.GetState())

	time.Sleep(20 * time.Millisecond)

	require.NoError(t, b.Execute(func() error { return nil }))
	require.Equal(t, "half_open", b.GetState())

	require.NoError(t, b.Execute(func() error { return nil }))
	require.Equal(t, "closed", b.GetState())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New("worker-1", 1, 2, 10*time.Millisecond)
	require.Error(t, b.Execute(func() error { return errors.New("fail") }))
	time.Sleep(20 * time.Millisecond)

	err := b.Execute(func() error { return errors.New("still failing") })
	require.Error(t, err)
	require.Equal(t, "open", b.GetState())
}

func TestBreakerOnlyOneProbeInHalfOpen(t *testing.T) {
	b := New("worker-1", 1, 2, 10*time.Millisecond)
	require.Error(t, b.Execute(func() error { return errors.New("fail") }))
	time.Sleep(20 * time.Millisecond)

	block := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(func() error {
			<-block
			return nil
		})
	}()

	time.Sleep(5 * time.Millisecond)
	require.ErrorIs(t, b.Execute(func() error { return nil }), ErrOpenState)

	close(block)
	require.NoError(t, <-done)
}

func TestRegistryLazyCreatesAndSharesBreaker(t *testing.T) {
	r := NewRegistry(5, 2, time.Second)
	key := Key("worker-1", "model-7b")

	b1 := r.Get(key)
	b2 := r.Get(key)
	require.Same(t, b1, b2)

	require.True(t, r.IsVisible(key))
}
