package domain

import (
	"math"
	"testing"
	"time"
)

func approxEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestMetricsRatesAndAverages(t *testing.T) {
	m := NewMetrics()
	m.StartTime = time.Now().Add(-10 * time.Second)

	m.StreamsRegistered.Store(100)
	m.StreamsCompleted.Store(90)
	m.StreamsFailed.Store(5)
	m.StreamsTimedOut.Store(5)
	m.TimeToFirstTokNs.Store(1_000_000_000) // 1s total / 95 terminated

	if rate := m.GetStreamRate(); !approxEqual(rate, 10.0, 0.5) {
		t.Fatalf("stream rate expected ~10, got %f", rate)
	}
	if rate := m.GetErrorRate(); !approxEqual(rate, 1.0, 0.5) {
		t.Fatalf("error rate expected ~1, got %f", rate)
	}
	if avg := m.GetAverageTTFT(); avg <= 0 {
		t.Fatalf("avg ttft should be positive, got %f", avg)
	}
}

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()
	m.StreamsRegistered.Store(7)
	m.StreamsCompleted.Store(5)
	m.ChunksEmitted.Store(42)
	m.ActiveStreams.Store(3)
	m.QueueDepth.Store(1)

	s := m.Snapshot()

	if s.StreamsRegistered != 7 || s.StreamsCompleted != 5 || s.ChunksEmitted != 42 {
		t.Fatalf("unexpected counters in snapshot: %#v", s)
	}
	if s.ActiveStreams != 3 || s.QueueDepth != 1 {
		t.Fatalf("unexpected gauges in snapshot: %#v", s)
	}
	if s.Timestamp.IsZero() {
		t.Fatalf("snapshot timestamp should be set")
	}
}
