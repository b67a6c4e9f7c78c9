package concurrency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ibs-source/inference-engine/internal/domain"
	"github.com/ibs-source/inference-engine/internal/errs"
	"github.com/stretchr/testify/require"
)

func tierLimitsForTest() map[domain.Tier]domain.TierLimits {
	return map[domain.Tier]domain.TierLimits{
		domain.Tier7To13B: {MaxConcurrent: 2, QueueDepth: 1, QueueTimeoutMs: 30},
	}
}

func TestAcquireAdmitsUpToMaxConcurrent(t *testing.T) {
	l := NewLimiter(tierLimitsForTest(), domain.NewMetrics(), nil)

	require.NoError(t, l.Acquire(context.Background(), "mid-7b", "r1"))
	require.NoError(t, l.Acquire(context.Background(), "mid-7b", "r2"))

	stats := l.Snapshot("mid-7b")
	require.Equal(t, 2, stats.Active)
	require.Equal(t, 0, stats.Queued)
}

func TestAcquireQueuesThenAdmitsOnRelease(t *testing.T) {
	l := NewLimiter(tierLimitsForTest(), domain.NewMetrics(), nil)
	require.NoError(t, l.Acquire(context.Background(), "mid-7b", "r1"))
	require.NoError(t, l.Acquire(context.Background(), "mid-7b", "r2"))

	var wg sync.WaitGroup
	wg.Add(1)
	var acquireErr error
	go func() {
		defer wg.Done()
		acquireErr = l.Acquire(context.Background(), "mid-7b", "r3")
	}()

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, l.Snapshot("mid-7b").Queued)

	l.Release("mid-7b", "r1")
	wg.Wait()

	require.NoError(t, acquireErr)
	require.Equal(t, 2, l.Snapshot("mid-7b").Active)
	require.Equal(t, 0, l.Snapshot("mid-7b").Queued)
}

func TestAcquireRejectsWhenQueueFull(t *testing.T) {
	l := NewLimiter(tierLimitsForTest(), domain.NewMetrics(), nil)
	require.NoError(t, l.Acquire(context.Background(), "mid-7b", "r1"))
	require.NoError(t, l.Acquire(context.Background(), "mid-7b", "r2"))

	go func() { _ = l.Acquire(context.Background(), "mid-7b", "r3") }()
	time.Sleep(10 * time.Millisecond)

	err := l.Acquire(context.Background(), "mid-7b", "r4")
	require.ErrorIs(t, err, errs.ErrLimitExceeded)
}

func TestAcquireQueueTimeout(t *testing.T) {
	l := NewLimiter(tierLimitsForTest(), domain.NewMetrics(), nil)
	require.NoError(t, l.Acquire(context.Background(), "mid-7b", "r1"))
	require.NoError(t, l.Acquire(context.Background(), "mid-7b", "r2"))

	err := l.Acquire(context.Background(), "mid-7b", "r3")
	require.ErrorIs(t, err, errs.ErrQueueTimeout)
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	l := NewLimiter(tierLimitsForTest(), domain.NewMetrics(), nil)
	require.NoError(t, l.Acquire(context.Background(), "mid-7b", "r1"))
	require.NoError(t, l.Acquire(context.Background(), "mid-7b", "r2"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := l.Acquire(ctx, "mid-7b", "r3")
	require.True(t, errors.Is(err, context.Canceled))
}

func TestDoubleReleaseIsNoOp(t *testing.T) {
	l := NewLimiter(tierLimitsForTest(), domain.NewMetrics(), nil)
	require.NoError(t, l.Acquire(context.Background(), "mid-7b", "r1"))

	l.Release("mid-7b", "r1")
	l.Release("mid-7b", "r1")

	require.Equal(t, 0, l.Snapshot("mid-7b").Active)
}

func TestUnknownModelClassifiesWithDefaultTierLimits(t *testing.T) {
	l := NewLimiter(nil, domain.NewMetrics(), nil)
	stats := l.Snapshot("mystery-model")
	require.Equal(t, domain.Tier7To13B, stats.Tier)
	require.Equal(t, domain.DefaultTierLimits()[domain.Tier7To13B].MaxConcurrent, stats.MaxConcurrent)
}
