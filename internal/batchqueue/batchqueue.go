// Package batchqueue coalesces small IPC calls (tokenize, check_draft)
// into single batch_<method> RPCs (spec.md §4.2). Requests are grouped by
// (method, groupKey); a group flushes when its queue reaches the adaptive
// size ceiling, a debounce timer expires, or it holds a High-priority
// entry past minHoldMs.
//
// Grounded on internal/processor/processor.go's ticker-driven batch
// accumulation loop (processBatchCycle/flushBatch), generalized from
// "accumulate syslog messages then ship" to "accumulate RPC params then
// ship". Each group's pending list is a slice that flush swaps out under
// the group lock and then drains.
package batchqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ibs-source/inference-engine/internal/domain"
	"github.com/ibs-source/inference-engine/internal/logger"
	"github.com/ibs-source/inference-engine/internal/ports"
)

// Config mirrors spec.md §6 batch_queue.*.
type Config struct {
	MaxBatchSize    int
	FlushInterval   time.Duration
	MinHold         time.Duration
	AdaptiveSizing  bool
	TargetBatchTime time.Duration
	PriorityQueue   bool
	AdjustInterval  time.Duration
}

// group is one (method, groupKey)'s coalescing queue.
type group struct {
	mu           sync.Mutex
	pending      []*domain.BatchableRequest
	timer        *time.Timer
	flushing     bool
	firstHighAt  time.Time
	hasHighBatch bool

	currentMax int

	batchTimesMu sync.Mutex
	batchTimesMs []float64 // ring of the last 10 completed batch durations
}

// Queue is the BatchQueue: one group per (method, groupKey), flushed
// through transport via batch_<method> calls.
type Queue struct {
	cfg       Config
	transport ports.RuntimeTransport
	metrics   *domain.Metrics
	log       ports.Logger

	mu     sync.Mutex
	groups map[string]*group

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Queue dispatching flushed batches over transport.
func New(cfg Config, transport ports.RuntimeTransport, metrics *domain.Metrics, log ports.Logger) *Queue {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 32
	}
	q := &Queue{
		cfg:       cfg,
		transport: transport,
		metrics:   metrics,
		log:       log,
		groups:    make(map[string]*group),
		stopCh:    make(chan struct{}),
	}
	if cfg.AdaptiveSizing {
		q.wg.Add(1)
		go q.adjustLoop()
	}
	return q
}

func groupID(method, key string) string {
	return method + "|" + key
}

func (q *Queue) groupFor(method, key string) *group {
	id := groupID(method, key)
	q.mu.Lock()
	defer q.mu.Unlock()
	g, ok := q.groups[id]
	if ok {
		return g
	}
	g = &group{currentMax: q.cfg.MaxBatchSize}
	q.groups[id] = g
	return g
}

// Enqueue adds req to its (method, groupKey) group and arms whichever
// flush trigger applies. The caller awaits req.Done for its result.
func (q *Queue) Enqueue(req *domain.BatchableRequest) {
	g := q.groupFor(req.Method, req.GroupKey)

	g.mu.Lock()
	g.pending = append(g.pending, req)
	n := len(g.pending)
	max := g.currentMax
	isNewHigh := false
	if req.Priority == domain.PriorityHigh && !g.hasHighBatch {
		g.hasHighBatch = true
		g.firstHighAt = time.Now()
		isNewHigh = true
	}
	shouldFlushNow := n >= max
	if !shouldFlushNow && g.timer == nil {
		g.timer = time.AfterFunc(q.cfg.FlushInterval, func() { q.flush(req.Method, req.GroupKey) })
	}
	g.mu.Unlock()

	if shouldFlushNow {
		q.flush(req.Method, req.GroupKey)
		return
	}
	if isNewHigh && q.cfg.MinHold > 0 {
		q.scheduleHighPriorityFlush(req.Method, req.GroupKey)
	}
}

// scheduleHighPriorityFlush arms a short timer so a queued High-priority
// entry is not held past minHoldMs even if the debounce timer has longer
// left to run.
func (q *Queue) scheduleHighPriorityFlush(method, key string) {
	time.AfterFunc(q.cfg.MinHold, func() { q.flush(method, key) })
}

// flush takes ownership of a group's pending entries (atomic swap under
// the group lock) and dispatches them. Concurrent flush triggers while
// one is already in flight are no-ops; once the in-flight flush completes
// it flushes again if more entries arrived meanwhile.
func (q *Queue) flush(method, key string) {
	g := q.groupFor(method, key)

	g.mu.Lock()
	if g.flushing || len(g.pending) == 0 {
		g.mu.Unlock()
		return
	}
	g.flushing = true
	batch := g.pending
	g.pending = nil
	g.hasHighBatch = false
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.mu.Unlock()

	start := time.Now()
	q.dispatch(method, key, batch)
	elapsed := time.Since(start)

	if q.metrics != nil {
		q.metrics.BatchesDispatched.Add(1)
		q.metrics.BatchItemsTotal.Add(uint64(len(batch)))
	}

	g.mu.Lock()
	g.flushing = false
	hasMore := len(g.pending) > 0
	g.mu.Unlock()

	q.recordBatchTime(g, float64(elapsed.Milliseconds()))

	if hasMore {
		q.flush(method, key)
	}
}

// recordBatchTime appends to the last-10 rolling window used by the
// adaptive sizing pass.
func (q *Queue) recordBatchTime(g *group, ms float64) {
	g.batchTimesMu.Lock()
	defer g.batchTimesMu.Unlock()
	g.batchTimesMs = append(g.batchTimesMs, ms)
	if len(g.batchTimesMs) > 10 {
		g.batchTimesMs = g.batchTimesMs[len(g.batchTimesMs)-10:]
	}
}

// dispatch issues the single batch_<method> RPC for batch, optionally
// sorted by priority, and fans per-entry results back to originators in
// the same index order they were dispatched. A transport-level failure
// fails every entry in the batch uniformly; per-entry application errors
// are isolated by the runtime's {success, result|error} envelope.
func (q *Queue) dispatch(method, key string, batch []*domain.BatchableRequest) {
	if q.cfg.PriorityQueue {
		sort.SliceStable(batch, func(i, j int) bool {
			return batch[i].Priority > batch[j].Priority
		})
	}

	params := make([]interface{}, len(batch))
	for i, r := range batch {
		params[i] = r.Params
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	results, err := callBatch(ctx, q.transport, method, params)
	if err != nil {
		q.log.Warn("batchqueue: batch call failed", logger.String("method", method), logger.String("group_key", key), logger.Int("size", len(batch)), logger.Error(err))
		for _, r := range batch {
			r.Done <- domain.BatchResult{Success: false, Err: err}
		}
		return
	}

	for i, r := range batch {
		if i < len(results) {
			r.Done <- results[i]
		} else {
			r.Done <- domain.BatchResult{Success: false, Err: errMissingResult(method, i)}
		}
	}
}

func (q *Queue) adjustLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.AdjustInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.adjustAll()
		case <-q.stopCh:
			return
		}
	}
}

func (q *Queue) adjustAll() {
	q.mu.Lock()
	groups := make([]*group, 0, len(q.groups))
	for _, g := range q.groups {
		groups = append(groups, g)
	}
	q.mu.Unlock()

	targetMs := float64(q.cfg.TargetBatchTime.Milliseconds())
	for _, g := range groups {
		adjustGroupSize(g, targetMs)
	}
}

// Stop halts the adaptive-sizing background loop. Pending groups are left
// as-is; callers should drain them before calling Stop if exact delivery
// matters during shutdown.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
}
