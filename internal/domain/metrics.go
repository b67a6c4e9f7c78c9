package domain

import (
	"sync/atomic"
	"time"
)

// Metrics holds atomic, engine-wide performance counters. Individual
// components (StreamRegistry, ModelManager, LifecycleManager) increment
// these directly; they are exposed read-only through Snapshot.
type Metrics struct {
	StreamsRegistered atomic.Uint64
	StreamsCompleted  atomic.Uint64
	StreamsFailed     atomic.Uint64
	StreamsTimedOut   atomic.Uint64
	StreamsCancelled  atomic.Uint64

	ChunksEmitted    atomic.Uint64
	TokensGenerated  atomic.Uint64
	TimeToFirstTokNs atomic.Uint64 // running sum, divided by StreamsCompleted+Failed for avg

	BatchesDispatched atomic.Uint64
	BatchItemsTotal   atomic.Uint64

	ModelLoads      atomic.Uint64
	ModelUnloads    atomic.Uint64
	ModelLoadTimeNs atomic.Uint64 // running sum across all loads (cold+warm)

	AdmissionRejected atomic.Uint64
	QueueTimeouts     atomic.Uint64

	ActiveStreams atomic.Int32
	QueueDepth    atomic.Int32

	StartTime time.Time
}

// NewMetrics creates a zeroed metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	return &Metrics{StartTime: time.Now()}
}

// GetStreamRate returns registered streams per second since StartTime.
func (m *Metrics) GetStreamRate() float64 {
	elapsed := time.Since(m.StartTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.StreamsRegistered.Load()) / elapsed
}

// GetErrorRate returns failed+timed-out streams per second since StartTime.
func (m *Metrics) GetErrorRate() float64 {
	elapsed := time.Since(m.StartTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.StreamsFailed.Load()+m.StreamsTimedOut.Load()) / elapsed
}

// GetAverageTTFT returns the average time-to-first-token across all
// terminated streams, in nanoseconds.
func (m *Metrics) GetAverageTTFT() float64 {
	n := m.StreamsCompleted.Load() + m.StreamsFailed.Load()
	if n == 0 {
		return 0
	}
	return float64(m.TimeToFirstTokNs.Load()) / float64(n)
}

// MetricsSnapshot is a point-in-time, immutable copy suitable for export.
type MetricsSnapshot struct {
	Timestamp         time.Time
	StreamsRegistered uint64
	StreamsCompleted  uint64
	StreamsFailed     uint64
	StreamsTimedOut   uint64
	StreamsCancelled  uint64
	ChunksEmitted     uint64
	TokensGenerated   uint64
	AvgTTFTMs         float64
	StreamRate        float64
	ErrorRate         float64
	ActiveStreams     int32
	QueueDepth        int32
	ModelLoads        uint64
	ModelUnloads      uint64
	AdmissionRejected uint64
	QueueTimeouts     uint64
}

// Snapshot returns a consistent-enough point-in-time copy of the metrics.
// Individual fields may be read a few nanoseconds apart; this is a
// reporting aid, not a transactional view.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Timestamp:         time.Now(),
		StreamsRegistered: m.StreamsRegistered.Load(),
		StreamsCompleted:  m.StreamsCompleted.Load(),
		StreamsFailed:     m.StreamsFailed.Load(),
		StreamsTimedOut:   m.StreamsTimedOut.Load(),
		StreamsCancelled:  m.StreamsCancelled.Load(),
		ChunksEmitted:     m.ChunksEmitted.Load(),
		TokensGenerated:   m.TokensGenerated.Load(),
		AvgTTFTMs:         m.GetAverageTTFT() / 1_000_000,
		StreamRate:        m.GetStreamRate(),
		ErrorRate:         m.GetErrorRate(),
		ActiveStreams:     m.ActiveStreams.Load(),
		QueueDepth:        m.QueueDepth.Load(),
		ModelLoads:        m.ModelLoads.Load(),
		ModelUnloads:      m.ModelUnloads.Load(),
		AdmissionRejected: m.AdmissionRejected.Load(),
		QueueTimeouts:     m.QueueTimeouts.Load(),
	}
}
