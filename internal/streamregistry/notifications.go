package streamregistry

import (
	"encoding/json"
	"time"

	"github.com/ibs-source/inference-engine/internal/domain"
	"github.com/ibs-source/inference-engine/internal/errs"
	"github.com/ibs-source/inference-engine/internal/logger"
)

type chunkParams struct {
	StreamID       string  `json:"stream_id"`
	Token          string  `json:"token"`
	TokenID        int64   `json:"token_id"`
	IsFinal        bool    `json:"is_final"`
	Logprob        float64 `json:"logprob"`
	CumulativeText string  `json:"cumulative_text"`
}

type statsParams struct {
	StreamID         string  `json:"stream_id"`
	TokensGenerated  uint64  `json:"tokens_generated"`
	TokensPerSecond  float64 `json:"tokens_per_second"`
	TimeToFirstToken float64 `json:"time_to_first_token"`
	TotalTime        float64 `json:"total_time"`
}

type eventParams struct {
	StreamID     string `json:"stream_id"`
	Event        string `json:"event"`
	FinishReason string `json:"finish_reason"`
	Error        string `json:"error"`
}

// HandleChunk processes a stream.chunk notification: updates counters and
// timestamps, applies backpressure bookkeeping, and emits to the stream's
// consumer via a pooled chunk. Unknown stream ids are logged and dropped.
func (r *Registry) HandleChunk(raw []byte) {
	var p chunkParams
	if err := json.Unmarshal(raw, &p); err != nil {
		r.log.Warn("streamregistry: malformed stream.chunk", logger.Error(err))
		return
	}
	stream, ok := r.lookup(p.StreamID)
	if !ok {
		r.log.Trace("streamregistry: chunk for unknown stream", logger.String("stream_id", p.StreamID))
		return
	}
	if stream.State().IsTerminal() {
		return
	}

	now := time.Now()
	n := stream.ChunkCount.Add(1)
	if n == 1 {
		stream.FirstTokenAt.Store(now.UnixNano())
		r.recordTTFT(now.Sub(stream.StartedAt))
		if r.metrics != nil {
			r.metrics.TimeToFirstTokNs.Add(uint64(now.Sub(stream.StartedAt).Nanoseconds()))
		}
	}
	stream.LastChunkAt.Store(now.UnixNano())
	if r.metrics != nil {
		r.metrics.ChunksEmitted.Add(1)
		r.metrics.TokensGenerated.Add(1)
	}

	if r.cfg.BackpressureEnabled {
		unacked := stream.UnackedChunks.Add(1)
		if unacked > r.cfg.MaxUnackedChunks {
			if stream.BlockedSince.Load() == 0 {
				stream.BlockedSince.Store(now.UnixNano())
			}
			r.emitStream(stream, domain.StreamNotification{Kind: domain.NotifyBackpressure})
		}
		if blockedSince := stream.BlockedSince.Load(); blockedSince != 0 {
			blockedFor := now.Sub(time.Unix(0, blockedSince))
			if blockedFor >= r.cfg.SlowConsumerThreshold {
				r.emitStream(stream, domain.StreamNotification{Kind: domain.NotifySlowConsumer})
			}
		}
	}

	var chunk *domain.StreamChunk
	if r.pool != nil {
		chunk = r.pool.acquire()
	} else {
		chunk = &domain.StreamChunk{}
	}
	chunk.StreamID = p.StreamID
	chunk.Token = p.Token
	chunk.TokenID = p.TokenID
	chunk.IsFinal = p.IsFinal
	chunk.Logprob = p.Logprob
	chunk.HasLogprob = p.Logprob != 0
	chunk.CumulativeText = p.CumulativeText

	r.emitStream(stream, domain.StreamNotification{Kind: domain.NotifyChunk, Chunk: chunk})

	if r.pool != nil {
		r.pool.release(chunk)
	}
}

// HandleStats processes a stream.stats notification, storing the latest
// values on the stream's eventual StreamStats.
func (r *Registry) HandleStats(raw []byte) {
	var p statsParams
	if err := json.Unmarshal(raw, &p); err != nil {
		r.log.Warn("streamregistry: malformed stream.stats", logger.Error(err))
		return
	}
	stream, ok := r.lookup(p.StreamID)
	if !ok {
		r.log.Trace("streamregistry: stats for unknown stream", logger.String("stream_id", p.StreamID))
		return
	}
	r.mu.Lock()
	if s, ok := r.streams[p.StreamID]; ok {
		s.LastStats = domain.StreamStats{
			StreamID:         p.StreamID,
			TokensGenerated:  p.TokensGenerated,
			TokensPerSecond:  p.TokensPerSecond,
			TimeToFirstToken: time.Duration(p.TimeToFirstToken * float64(time.Second)),
			TotalTime:        time.Duration(p.TotalTime * float64(time.Second)),
		}
	}
	r.mu.Unlock()
	r.emitStream(stream, domain.StreamNotification{Kind: domain.NotifyStats, Stats: &stream.LastStats})
}

// HandleEvent processes a terminal stream.event notification
// (completed|error): atomic check-and-set into Completed/Failed, deriving
// stats if the runtime never sent a stream.stats, then runs the shared
// cleanup sequence.
func (r *Registry) HandleEvent(raw []byte) {
	var p eventParams
	if err := json.Unmarshal(raw, &p); err != nil {
		r.log.Warn("streamregistry: malformed stream.event", logger.Error(err))
		return
	}
	stream, ok := r.lookup(p.StreamID)
	if !ok {
		r.log.Trace("streamregistry: event for unknown stream", logger.String("stream_id", p.StreamID))
		return
	}

	switch p.Event {
	case "completed":
		stats := r.deriveStats(stream, p.FinishReason)
		r.finishTerminal(stream, domain.StreamCompleted, stats, nil)
	case "error":
		stats := r.deriveStats(stream, p.FinishReason)
		r.finishTerminal(stream, domain.StreamFailed, stats, errs.Wrap(errs.ErrStream, errRuntimeEvent(p.Error)))
	default:
		// An ambiguous event is converted to a terminal StreamError
		// rather than leaving the stream hanging (spec.md §7
		// propagation policy).
		stats := r.deriveStats(stream, p.FinishReason)
		r.finishTerminal(stream, domain.StreamFailed, stats, errs.Wrap(errs.ErrStream, errAmbiguousEvent(p.Event)))
	}
}

func (r *Registry) deriveStats(stream *domain.Stream, finishReason string) domain.StreamStats {
	if stream.LastStats.StreamID != "" {
		stats := stream.LastStats
		if stats.FinishReason == "" {
			stats.FinishReason = finishReason
		}
		return stats
	}
	var ttft time.Duration
	if first := stream.FirstTokenAt.Load(); first != 0 {
		ttft = time.Unix(0, first).Sub(stream.StartedAt)
	}
	return domain.StreamStats{
		StreamID:         stream.ID,
		TokensGenerated:  stream.ChunkCount.Load(),
		TimeToFirstToken: ttft,
		TotalTime:        time.Since(stream.StartedAt),
		FinishReason:     finishReason,
	}
}

// emitStream wraps stream.Consume in the same panic-safe boundary used by
// the terminal cleanup path.
func (r *Registry) emitStream(stream *domain.Stream, evt domain.StreamNotification) {
	if stream.Consume == nil {
		return
	}
	safeEmit(r.log, stream.ID, stream.Consume, evt)
}

func errRuntimeEvent(msg string) error {
	if msg == "" {
		msg = "runtime reported a stream error"
	}
	return errString(msg)
}

func errAmbiguousEvent(event string) error {
	return errString("ambiguous stream.event: " + event)
}

type errString string

func (e errString) Error() string { return string(e) }
