// Package streamregistry owns every active generation stream (spec.md
// §4.5): registration against the concurrency limiter, the per-stream
// FSM, adaptive admission limits, backpressure, chunk pooling, timeouts,
// and graceful cancel/shutdown.
//
// Grounded on internal/processor/processor.go's StreamProcessor
// (embedded-struct composition, atomic CompareAndSwap state, a
// background-goroutine WaitGroup, panic-recovering dispatch loops),
// retargeted from "consume/process/ack a syslog stream" to
// "register/chunk/complete a generation stream".
package streamregistry

import (
	"context"
	"sync"
	"time"

	"github.com/ibs-source/inference-engine/internal/concurrency"
	"github.com/ibs-source/inference-engine/internal/domain"
	"github.com/ibs-source/inference-engine/internal/errs"
	"github.com/ibs-source/inference-engine/internal/logger"
	"github.com/ibs-source/inference-engine/internal/ports"
)

// Config is the subset of config.StreamRegistryConfig the registry needs,
// restated here to avoid an import of the config package (which would
// otherwise need to know about streamregistry's internal Governor type).
type Config struct {
	DefaultTimeout   time.Duration
	MaxActiveStreams int

	AdaptiveEnabled    bool
	MinStreams         int
	MaxStreams         int
	TargetTTFT         time.Duration
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	AdjustmentInterval time.Duration
	Governor           string // "threshold" | "pid"
	PIDKp, PIDKi, PIDKd float64
	TenantBudget       int

	ChunkPoolEnabled   bool
	ChunkPoolSize      int
	PoolCleanupInterval time.Duration

	BackpressureEnabled       bool
	MaxUnackedChunks          int64
	SlowConsumerThreshold     time.Duration
}

// RegisterOptions configure a single stream registration.
type RegisterOptions struct {
	StreamID string
	ModelID  string
	TenantID string
	Timeout  time.Duration
	Consumer domain.ChunkConsumer
}

// Handle is the weak handle a caller holds for a registered stream: id,
// cancellation, and the means to await the resolved stats/error.
type Handle struct {
	stream     *domain.Stream
	maxUnacked int64
}

// ID returns the stream id.
func (h *Handle) ID() string { return h.stream.ID }

// Cancel triggers cancellation; the registry's cleanup path will run and
// the caller's Wait will return ErrStreamCancelled.
func (h *Handle) Cancel() { h.stream.Cancel() }

// Wait blocks until the stream reaches a terminal state.
func (h *Handle) Wait(ctx context.Context) (domain.StreamStats, error) {
	return h.stream.Wait(ctx)
}

// AcknowledgeChunk implements the backpressure ack path: decrementing
// unacked count by n and clearing BlockedSince once it drops back under
// MaxUnackedChunks (spec.md §4.5/§8 scenario 3).
func (h *Handle) AcknowledgeChunk(n int64) {
	unacked := h.stream.UnackedChunks.Add(-n)
	if unacked < 0 {
		unacked = 0
		h.stream.UnackedChunks.Store(0)
	}
	if unacked <= h.maxUnacked {
		h.stream.BlockedSince.Store(0)
	}
}

// Registry is the StreamRegistry.
type Registry struct {
	cfg     Config
	limiter *concurrency.Limiter
	metrics *domain.Metrics
	log     ports.Logger

	mu      sync.RWMutex
	streams map[string]*domain.Stream

	pool *chunkPool

	currentLimit int64 // guarded by limitMu
	limitMu      sync.Mutex

	tenantMu     sync.Mutex
	tenantCounts map[string]int

	ttftMu      sync.Mutex
	ttftSamples []float64 // rolling window, last 50

	pidIntegral float64
	pidLastErr  float64

	shuttingDown bool
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// New constructs a Registry. limiter is the concurrency admission gate
// every register() call must pass through first.
func New(cfg Config, limiter *concurrency.Limiter, metrics *domain.Metrics, log ports.Logger) *Registry {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	if cfg.MaxActiveStreams <= 0 {
		cfg.MaxActiveStreams = 64
	}
	r := &Registry{
		cfg:          cfg,
		limiter:      limiter,
		metrics:      metrics,
		log:          log,
		streams:      make(map[string]*domain.Stream),
		currentLimit: int64(cfg.MaxActiveStreams),
		tenantCounts: make(map[string]int),
		stopCh:       make(chan struct{}),
	}
	if cfg.ChunkPoolEnabled {
		r.pool = newChunkPool(cfg.ChunkPoolSize)
	}
	r.reinitialize()
	return r
}

// reinitialize (re)starts the registry's background timers: adaptive
// admission control and chunk-pool cleanup. Safe to call after Shutdown
// to resume operation without re-registering notification handlers.
func (r *Registry) reinitialize() {
	r.mu.Lock()
	r.shuttingDown = false
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.mu.Unlock()

	if r.cfg.AdaptiveEnabled {
		r.wg.Add(1)
		go r.adaptiveLoop(stopCh)
	}
	if r.pool != nil && r.cfg.PoolCleanupInterval > 0 {
		r.wg.Add(1)
		go r.poolCleanupLoop(stopCh)
	}
}

func (r *Registry) effectiveLimit() int64 {
	r.limitMu.Lock()
	defer r.limitMu.Unlock()
	return r.currentLimit
}

// Register admits a new stream: duplicate-id check, concurrency-limiter
// acquire, active-stream ceiling check, tenant budget check, then installs
// the stream and its timeout/cancel watcher.
func (r *Registry) Register(ctx context.Context, opts RegisterOptions) (*Handle, error) {
	r.mu.RLock()
	_, exists := r.streams[opts.StreamID]
	r.mu.RUnlock()
	if exists {
		return nil, errs.ErrStreamAlreadyRegistered
	}

	if r.limiter != nil {
		if err := r.limiter.Acquire(ctx, opts.ModelID, opts.StreamID); err != nil {
			return nil, err
		}
	}

	if int64(r.activeCount()) >= r.effectiveLimit() {
		if r.limiter != nil {
			r.limiter.Release(opts.ModelID, opts.StreamID)
		}
		if r.metrics != nil {
			r.metrics.AdmissionRejected.Add(1)
		}
		return nil, errs.Wrap(errs.ErrLimitExceeded, errActiveStreamsFull(r.effectiveLimit()))
	}

	if r.cfg.TenantBudget > 0 && opts.TenantID != "" {
		r.tenantMu.Lock()
		if r.tenantCounts[opts.TenantID] >= r.cfg.TenantBudget {
			r.tenantMu.Unlock()
			if r.limiter != nil {
				r.limiter.Release(opts.ModelID, opts.StreamID)
			}
			return nil, errs.Wrap(errs.ErrLimitExceeded, errTenantBudgetFull(opts.TenantID, r.cfg.TenantBudget))
		}
		r.tenantCounts[opts.TenantID]++
		r.tenantMu.Unlock()
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = r.cfg.DefaultTimeout
	}
	stream := domain.NewStream(opts.StreamID, opts.ModelID, opts.TenantID, ctx, timeout)
	stream.Consume = opts.Consumer
	stream.TransitionTo(domain.StreamActive)

	r.mu.Lock()
	r.streams[opts.StreamID] = stream
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.StreamsRegistered.Add(1)
		r.metrics.ActiveStreams.Add(1)
	}

	r.wg.Add(1)
	go r.watchTimeout(stream)

	return &Handle{stream: stream, maxUnacked: r.cfg.MaxUnackedChunks}, nil
}

func (r *Registry) activeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// watchTimeout blocks on the stream's context; a context deadline fires
// StreamTimeout, explicit cancellation fires StreamCancelled. A terminal
// transition reached through the notification handlers (completed/error)
// cancels the stream's own context as part of cleanup, which unblocks
// this goroutine harmlessly (cleanup is idempotent via finishOnce).
func (r *Registry) watchTimeout(stream *domain.Stream) {
	defer r.wg.Done()
	<-stream.Ctx.Done()

	if stream.State().IsTerminal() {
		return
	}

	switch stream.Ctx.Err() {
	case context.DeadlineExceeded:
		r.finishTerminal(stream, domain.StreamTimedOut, domain.StreamStats{}, errs.ErrStreamTimeout)
	default:
		r.finishTerminal(stream, domain.StreamCancelled, domain.StreamStats{}, errs.ErrStreamCancelled)
	}
}

// finishTerminal runs the shared cleanup sequence every terminal path
// (completed, error, timeout, cancel) follows: mark absorbing -> clear
// timer -> remove cancel listener -> emit -> resolve/reject future ->
// release slot -> remove from map. Emits are wrapped in an error boundary
// so a misbehaving consumer callback never prevents cleanup.
func (r *Registry) finishTerminal(stream *domain.Stream, state domain.StreamState, stats domain.StreamStats, err error) {
	if !stream.TransitionTo(state) {
		return // another path already finished this stream
	}
	stream.Cancel() // clears the per-stream timer / unblocks watchTimeout

	if stream.Consume != nil {
		kind := domain.NotifyCompleted
		if err != nil {
			kind = domain.NotifyErrored
		}
		safeEmit(r.log, stream.ID, stream.Consume, domain.StreamNotification{
			Kind:         kind,
			Stats:        &stats,
			FinishReason: stats.FinishReason,
			Err:          err,
		})
	}

	stream.Finish(stats, err)

	if r.limiter != nil {
		r.limiter.Release(stream.ModelID, stream.ID)
	}

	r.mu.Lock()
	delete(r.streams, stream.ID)
	r.mu.Unlock()

	if stream.TenantID != "" && r.cfg.TenantBudget > 0 {
		r.tenantMu.Lock()
		if r.tenantCounts[stream.TenantID] > 0 {
			r.tenantCounts[stream.TenantID]--
		}
		r.tenantMu.Unlock()
	}

	if r.metrics != nil {
		r.metrics.ActiveStreams.Add(-1)
		switch state {
		case domain.StreamCompleted:
			r.metrics.StreamsCompleted.Add(1)
		case domain.StreamFailed:
			r.metrics.StreamsFailed.Add(1)
		case domain.StreamTimedOut:
			r.metrics.StreamsTimedOut.Add(1)
		case domain.StreamCancelled:
			r.metrics.StreamsCancelled.Add(1)
		}
	}
}

// safeEmit invokes consume and recovers any panic, logging it with the
// stream id rather than letting it propagate — a consumer exception must
// never block cleanup.
func safeEmit(log ports.Logger, streamID string, consume domain.ChunkConsumer, evt domain.StreamNotification) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("streamregistry: consumer callback panicked", logger.String("stream_id", streamID), logger.Any("panic", p))
		}
	}()
	consume(evt)
}

// lookup returns the live stream for id, if registered. Used internally
// by notification handlers; not part of the public Handle API since
// direct field access outside this package violates ownership.
func (r *Registry) lookup(id string) (*domain.Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[id]
	return s, ok
}

// ActiveStreams returns the current registered stream count.
func (r *Registry) ActiveStreams() int { return r.activeCount() }

// CurrentLimit returns the adaptive admission ceiling currently in force.
func (r *Registry) CurrentLimit() int64 { return r.effectiveLimit() }

// PoolStats exposes the chunk pool's size/created/reused/reuseRate, or
// the zero value if chunk pooling is disabled.
func (r *Registry) PoolStats() PoolStats {
	if r.pool == nil {
		return PoolStats{}
	}
	return r.pool.stats()
}

// Shutdown stops all periodic timers, rejects every non-terminal stream
// with ErrShutdown, and clears the map. Consumer callbacks registered via
// notification handlers stay wired (a future reinitialize() resumes
// normal operation without needing them re-registered).
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.shuttingDown {
		r.mu.Unlock()
		return
	}
	r.shuttingDown = true
	close(r.stopCh)
	pending := make([]*domain.Stream, 0, len(r.streams))
	for _, s := range r.streams {
		pending = append(pending, s)
	}
	r.mu.Unlock()

	for _, s := range pending {
		r.finishTerminal(s, domain.StreamFailed, domain.StreamStats{}, errs.ErrShutdown)
	}

	r.wg.Wait()
}

// Reinitialize restores the registry's background timers after a
// Shutdown, per spec.md §4.5's "a reinitialize() restores timers".
func (r *Registry) Reinitialize() {
	r.reinitialize()
}
