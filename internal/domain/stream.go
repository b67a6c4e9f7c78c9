// Package domain contains the core types shared across the serving-control
// core: streams, model entries, worker records, and batchable requests.
package domain

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// StreamState is the per-stream finite state machine. Pending, Active and
// Draining are transient; Completed, Failed, TimedOut and Cancelled are
// terminal and absorbing — once set, no further transition is valid.
type StreamState int32

const (
	StreamPending StreamState = iota
	StreamActive
	StreamDraining
	StreamCompleted
	StreamFailed
	StreamTimedOut
	StreamCancelled
)

func (s StreamState) String() string {
	switch s {
	case StreamPending:
		return "pending"
	case StreamActive:
		return "active"
	case StreamDraining:
		return "draining"
	case StreamCompleted:
		return "completed"
	case StreamFailed:
		return "failed"
	case StreamTimedOut:
		return "timed_out"
	case StreamCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether s is one of the absorbing states.
func (s StreamState) IsTerminal() bool {
	switch s {
	case StreamCompleted, StreamFailed, StreamTimedOut, StreamCancelled:
		return true
	default:
		return false
	}
}

// StreamStats is the value a stream's future resolves with on successful
// completion, or the basis for an error on failure.
type StreamStats struct {
	StreamID         string
	TokensGenerated  uint64
	TokensPerSecond  float64
	TimeToFirstToken time.Duration
	TotalTime        time.Duration
	FinishReason     string
}

// StreamChunk is the reusable, pooled payload handed to consumers for each
// stream.chunk notification. Valid only for the duration of the consumer
// callback that receives it — a consumer that needs to retain data must
// copy it before returning.
type StreamChunk struct {
	StreamID       string
	Token          string
	TokenID        int64
	IsFinal        bool
	Logprob        float64
	HasLogprob     bool
	CumulativeText string
}

// Reset clears a chunk for reuse by the pool.
func (c *StreamChunk) Reset() {
	c.StreamID = ""
	c.Token = ""
	c.TokenID = 0
	c.IsFinal = false
	c.Logprob = 0
	c.HasLogprob = false
	c.CumulativeText = ""
}

// ChunkConsumer receives the tagged notification variants for a stream;
// each call's Kind says which variant it carries.
type ChunkConsumer func(evt StreamNotification)

// StreamNotificationKind tags the variant carried by a StreamNotification.
type StreamNotificationKind int

const (
	NotifyChunk StreamNotificationKind = iota
	NotifyStats
	NotifyCompleted
	NotifyErrored
	NotifyBackpressure
	NotifySlowConsumer
)

// StreamNotification is the tagged union consumers observe, modeling the
// source system's duck-typed chunk/stats/event payloads as an explicit
// sum type.
type StreamNotification struct {
	Kind         StreamNotificationKind
	Chunk        *StreamChunk
	Stats        *StreamStats
	FinishReason string
	Err          error
}

// Stream is the live, mutable record owned exclusively by StreamRegistry.
// Consumers only ever see a weak handle (id + cancel + iterator); direct
// field access is internal-package only.
type Stream struct {
	ID       string
	ModelID  string
	TenantID string // optional; empty means unclamped by tenant budgets

	state atomic.Int32

	StartedAt    time.Time
	FirstTokenAt atomic.Int64 // unix nanos, 0 until set
	LastChunkAt  atomic.Int64 // unix nanos
	BlockedSince atomic.Int64 // unix nanos, 0 when not blocked

	ChunkCount    atomic.Uint64
	UnackedChunks atomic.Int64

	Timeout time.Duration
	Ctx     context.Context
	Cancel  context.CancelFunc

	Consume ChunkConsumer

	// LastStats holds the most recent stream.stats notification, read by
	// StreamRegistry when deriving final stats for a terminal event that
	// arrives without fresh stats attached.
	LastStats StreamStats

	finishOnce sync.Once
	done       chan struct{}
	stats      StreamStats
	err        error
}

// NewStream constructs a Stream in StreamPending, wiring a derived,
// cancellable context from parent with the given timeout (0 disables the
// deadline; the caller/registry is expected to supply a default instead).
func NewStream(id, modelID, tenantID string, parent context.Context, timeout time.Duration) *Stream {
	ctx := parent
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	s := &Stream{
		ID:        id,
		ModelID:   modelID,
		TenantID:  tenantID,
		StartedAt: time.Now(),
		Timeout:   timeout,
		Ctx:       ctx,
		Cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.state.Store(int32(StreamPending))
	return s
}

// State returns the current state.
func (s *Stream) State() StreamState {
	return StreamState(s.state.Load())
}

// TransitionTo performs an atomic check-and-set transition. It refuses to
// move out of a terminal state (the invariant: exactly one terminal
// transition) and reports whether the transition took effect.
func (s *Stream) TransitionTo(next StreamState) bool {
	for {
		cur := StreamState(s.state.Load())
		if cur.IsTerminal() {
			return false
		}
		if s.state.CompareAndSwap(int32(cur), int32(next)) {
			return true
		}
	}
}

// Finish resolves the stream's future exactly once with either stats or
// err (mutually exclusive) and closes the done channel so Wait unblocks.
// Safe to call concurrently; only the first call has effect.
func (s *Stream) Finish(stats StreamStats, err error) {
	s.finishOnce.Do(func() {
		s.stats = stats
		s.err = err
		close(s.done)
	})
}

// Wait blocks until Finish has been called, then returns the resolved
// stats/error pair.
func (s *Stream) Wait(ctx context.Context) (StreamStats, error) {
	select {
	case <-s.done:
		return s.stats, s.err
	case <-ctx.Done():
		return StreamStats{}, ctx.Err()
	}
}
