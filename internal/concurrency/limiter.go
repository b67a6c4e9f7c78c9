// Package concurrency implements the tiered admission gate every generate
// request passes through before an RPC is issued. It is the one place that
// knows how many concurrent requests a model's tier permits, grounded on the
// worker pool's CAS-guarded spawn logic (internal/processor/worker_pool.go)
// generalized from "how many goroutines" to "how many in-flight requests per
// model tier", plus a FIFO wait queue with per-entry timeouts.
package concurrency

import (
	"context"
	"sync"
	"time"

	"github.com/ibs-source/inference-engine/internal/domain"
	"github.com/ibs-source/inference-engine/internal/errs"
	"github.com/ibs-source/inference-engine/internal/logger"
	"github.com/ibs-source/inference-engine/internal/ports"
)

// Stats is a point-in-time view of one model's admission state.
type Stats struct {
	Tier          domain.Tier
	Active        int
	Queued        int
	MaxConcurrent int
	QueueDepth    int
}

type waiter struct {
	requestID string
	result    chan error // nil on admission, non-nil on timeout/cancellation
}

// modelLimiter gates one model's in-flight request count against its tier's
// caps and queues overflow, same CAS-then-queue shape as the worker pool's
// maybeSpawnWorker/Submit pair but admitting requestIDs instead of spawning
// goroutines.
type modelLimiter struct {
	mu     sync.Mutex
	tier   domain.Tier
	limits domain.TierLimits
	active map[string]struct{}
	queue  []*waiter
}

func newModelLimiter(tier domain.Tier, limits domain.TierLimits) *modelLimiter {
	return &modelLimiter{
		tier:   tier,
		limits: limits,
		active: make(map[string]struct{}, limits.MaxConcurrent),
	}
}

// Limiter is the ConcurrencyLimiter: one modelLimiter per modelId, created
// lazily on first acquire and classified into a tier by domain.ClassifyTier.
type Limiter struct {
	mu         sync.RWMutex
	models     map[string]*modelLimiter
	tierLimits map[domain.Tier]domain.TierLimits
	metrics    *domain.Metrics
	log        ports.Logger
}

// NewLimiter builds a limiter using tierLimits for classification; a tier
// absent from the map falls back to domain.DefaultTierLimits()'s entry.
func NewLimiter(tierLimits map[domain.Tier]domain.TierLimits, metrics *domain.Metrics, log ports.Logger) *Limiter {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	merged := domain.DefaultTierLimits()
	for tier, limits := range tierLimits {
		merged[tier] = limits
	}
	return &Limiter{
		models:     make(map[string]*modelLimiter),
		tierLimits: merged,
		metrics:    metrics,
		log:        log,
	}
}

func (l *Limiter) limiterFor(modelID string) *modelLimiter {
	l.mu.RLock()
	ml, ok := l.models[modelID]
	l.mu.RUnlock()
	if ok {
		return ml
	}

	tier := domain.ClassifyTier(modelID)
	l.mu.Lock()
	defer l.mu.Unlock()
	if ml, ok := l.models[modelID]; ok {
		return ml
	}
	ml = newModelLimiter(tier, l.tierLimits[tier])
	l.models[modelID] = ml
	return ml
}

// Acquire blocks until requestID is admitted, the queue slot's own timeout
// fires, ctx is cancelled, or the queue is already full (fails immediately
// with ErrLimitExceeded, exposing the current active/queued counts).
func (l *Limiter) Acquire(ctx context.Context, modelID, requestID string) error {
	ml := l.limiterFor(modelID)

	ml.mu.Lock()
	if len(ml.active) < ml.limits.MaxConcurrent {
		ml.active[requestID] = struct{}{}
		active, queued := len(ml.active), len(ml.queue)
		ml.mu.Unlock()
		l.log.Trace("concurrency: admitted", logger.String("model_id", modelID), logger.String("request_id", requestID), logger.Int("active", active), logger.Int("queued", queued))
		return nil
	}

	if len(ml.queue) >= ml.limits.QueueDepth {
		active, queued := len(ml.active), len(ml.queue)
		ml.mu.Unlock()
		if l.metrics != nil {
			l.metrics.AdmissionRejected.Add(1)
		}
		l.log.Warn("concurrency: rejected, queue full", logger.String("model_id", modelID), logger.Int("active", active), logger.Int("queued", queued))
		return errs.Wrap(errs.ErrLimitExceeded, errLimitExceeded(modelID, active, queued))
	}

	w := &waiter{requestID: requestID, result: make(chan error, 1)}
	ml.queue = append(ml.queue, w)
	ml.mu.Unlock()
	l.log.Trace("concurrency: queued", logger.String("model_id", modelID), logger.String("request_id", requestID))

	timer := time.NewTimer(time.Duration(ml.limits.QueueTimeoutMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case err := <-w.result:
		return err
	case <-timer.C:
		if ml.removeWaiter(w) {
			if l.metrics != nil {
				l.metrics.QueueTimeouts.Add(1)
			}
			l.log.Warn("concurrency: queue timeout", logger.String("model_id", modelID), logger.String("request_id", requestID))
			return errs.Wrap(errs.ErrQueueTimeout, errQueueTimeout(modelID, requestID))
		}
		// Admitted in the race between timer fire and removal; honor it.
		return <-w.result
	case <-ctx.Done():
		if ml.removeWaiter(w) {
			return ctx.Err()
		}
		return <-w.result
	}
}

// Release returns requestID's slot and, if the queue is non-empty, admits
// the next waiter in FIFO order. Releasing a requestID that isn't active is
// a no-op (logged) rather than an error, matching the double-release
// tolerance every terminal stream path must have.
func (l *Limiter) Release(modelID, requestID string) {
	l.mu.RLock()
	ml, ok := l.models[modelID]
	l.mu.RUnlock()
	if !ok {
		return
	}

	ml.mu.Lock()
	if _, ok := ml.active[requestID]; !ok {
		ml.mu.Unlock()
		l.log.Warn("concurrency: double release ignored", logger.String("model_id", modelID), logger.String("request_id", requestID))
		return
	}
	delete(ml.active, requestID)

	var next *waiter
	if len(ml.queue) > 0 && len(ml.active) < ml.limits.MaxConcurrent {
		next = ml.queue[0]
		ml.queue = ml.queue[1:]
		ml.active[next.requestID] = struct{}{}
	}
	ml.mu.Unlock()

	if next != nil {
		next.result <- nil
		l.log.Trace("concurrency: released, admitted next", logger.String("model_id", modelID), logger.String("admitted_request_id", next.requestID))
	} else {
		l.log.Trace("concurrency: released", logger.String("model_id", modelID), logger.String("request_id", requestID))
	}
}

// Snapshot returns modelID's current admission stats without mutating it.
func (l *Limiter) Snapshot(modelID string) Stats {
	ml := l.limiterFor(modelID)
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return Stats{
		Tier:          ml.tier,
		Active:        len(ml.active),
		Queued:        len(ml.queue),
		MaxConcurrent: ml.limits.MaxConcurrent,
		QueueDepth:    ml.limits.QueueDepth,
	}
}

// removeWaiter removes w from the queue if still present. Returns false if
// w was already popped for admission (a concurrent Release beat the caller).
func (ml *modelLimiter) removeWaiter(w *waiter) bool {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	for i, q := range ml.queue {
		if q == w {
			ml.queue = append(ml.queue[:i], ml.queue[i+1:]...)
			return true
		}
	}
	return false
}
