// Package opsmux implements the optional transport-level envelope layer
// above batchqueue (spec.md §4.3). It accepts requests for a small,
// explicitly-multiplexable set of methods and holds them for an
// inflight-pressure-interpolated delay before dispatching a single
// batch_<method> envelope; callers asking for anything else — an
// unlisted method, or a custom timeout/cancel — are told "not handled
// here" (Try returns ok=false) so they can fall back to issuing the RPC
// directly through RpcTransport.
//
// Grounded on internal/batchqueue for the queue/flush/dispatch shape and
// the teacher's monitorBackpressure-style interpolate-by-threshold
// pattern for the hold/ceiling computation.
package opsmux

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ibs-source/inference-engine/internal/config"
	"github.com/ibs-source/inference-engine/internal/domain"
	"github.com/ibs-source/inference-engine/internal/errs"
	"github.com/ibs-source/inference-engine/internal/logger"
	"github.com/ibs-source/inference-engine/internal/ports"
)

// RequestOptions mirrors the options a caller may pass to Multiplexer.Try.
// A non-zero Timeout or a Cancel func signals the caller wants custom
// per-request semantics, which the multiplexer refuses to mix with batch
// envelope dispatch.
type RequestOptions struct {
	Timeout time.Duration
	Cancel  context.CancelFunc
}

func (o RequestOptions) isCustom() bool {
	return o.Timeout != 0 || o.Cancel != nil
}

// multiplexableMethods is the fixed set of methods this layer will ever
// bucket into batch envelopes; everything else is refused unconditionally.
var multiplexableMethods = map[string]bool{
	"tokenize":    true,
	"check_draft": true,
}

// InflightFunc reports the current number of in-flight generate requests,
// the pressure signal the hold/ceiling interpolation is driven by.
type InflightFunc func() int

type muxGroup struct {
	mu      sync.Mutex
	pending []*domain.BatchableRequest
	timer   *time.Timer
}

// Multiplexer is the OpsMultiplexer.
type Multiplexer struct {
	cfg       config.OpsMultiplexerConfig
	transport ports.RuntimeTransport
	inflight  InflightFunc
	log       ports.Logger

	mu     sync.Mutex
	groups map[string]*muxGroup
}

// New constructs a Multiplexer. inflight supplies the current generate
// concurrency used to interpolate hold delay and batch ceiling.
func New(cfg config.OpsMultiplexerConfig, transport ports.RuntimeTransport, inflight InflightFunc, log ports.Logger) *Multiplexer {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	if inflight == nil {
		inflight = func() int { return 0 }
	}
	return &Multiplexer{
		cfg:       cfg,
		transport: transport,
		inflight:  inflight,
		log:       log,
		groups:    make(map[string]*muxGroup),
	}
}

// Try buckets (method, groupKey, params) into an envelope and returns the
// eventual batch result. ok is false when method isn't multiplexable or
// opts requests custom timeout/cancel semantics — the caller should issue
// the RPC directly instead.
func (m *Multiplexer) Try(method, groupKey string, params interface{}, priority domain.Priority, opts RequestOptions) (done <-chan domain.BatchResult, ok bool) {
	if !m.cfg.Enabled || !multiplexableMethods[method] || opts.isCustom() {
		return nil, false
	}

	req := domain.NewBatchableRequest(method, groupKey, params, priority)
	g := m.groupFor(method, groupKey)

	hold, ceiling := m.interpolate()

	g.mu.Lock()
	g.pending = append(g.pending, req)
	n := len(g.pending)
	if n >= ceiling {
		if g.timer != nil {
			g.timer.Stop()
			g.timer = nil
		}
		g.mu.Unlock()
		go m.flush(method, groupKey)
		return req.Done, true
	}
	if g.timer == nil {
		g.timer = time.AfterFunc(hold, func() { m.flush(method, groupKey) })
	}
	g.mu.Unlock()

	return req.Done, true
}

func (m *Multiplexer) groupFor(method, key string) *muxGroup {
	id := method + "|" + key
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		g = &muxGroup{}
		m.groups[id] = g
	}
	return g
}

// interpolate computes the current hold delay and batch ceiling, linearly
// interpolated by inflight pressure between LowConcurrencyThreshold (long
// hold, small ceiling) and HighConcurrencyThreshold (short hold, large
// ceiling — more pressure means dispatch faster but in bigger groups).
func (m *Multiplexer) interpolate() (time.Duration, int) {
	low, high := m.cfg.LowConcurrencyThreshold, m.cfg.HighConcurrencyThreshold
	if high <= low {
		return m.cfg.MaxHold, m.cfg.MaxBatchSize
	}
	cur := m.inflight()
	frac := float64(cur-low) / float64(high-low)
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}

	holdRange := float64(m.cfg.MaxHold - m.cfg.MinHold)
	hold := m.cfg.MaxHold - time.Duration(frac*holdRange)

	minB, maxB := m.cfg.MinBatchSize, m.cfg.MaxBatchSize
	if minB <= 0 {
		minB = 1
	}
	if maxB < minB {
		maxB = minB
	}
	ceiling := minB + int(frac*float64(maxB-minB))

	return hold, ceiling
}

func (m *Multiplexer) flush(method, key string) {
	g := m.groupFor(method, key)

	g.mu.Lock()
	if len(g.pending) == 0 {
		g.mu.Unlock()
		return
	}
	batch := g.pending
	g.pending = nil
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.mu.Unlock()

	if len(batch) == 1 {
		// Solo dispatch: per spec.md §9, whether a single-request bucket
		// counts toward adaptive-sizing bookkeeping is unspecified; this
		// layer has no adaptive sizing of its own, so it simply issues
		// the same batch_<method> envelope with one entry.
		m.log.Trace("opsmux: solo dispatch", logger.String("method", method), logger.String("group_key", key))
	}

	params := make([]interface{}, len(batch))
	for i, r := range batch {
		params[i] = r.Params
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	results, err := callBatch(ctx, m.transport, method, params)
	if err != nil {
		for _, r := range batch {
			r.Done <- domain.BatchResult{Success: false, Err: err}
		}
		return
	}
	for i, r := range batch {
		if i < len(results) {
			r.Done <- results[i]
		} else {
			r.Done <- domain.BatchResult{Success: false, Err: errs.Wrap(errs.ErrRuntime, fmt.Errorf("batch_%s returned no result for entry %d", method, i))}
		}
	}
}
