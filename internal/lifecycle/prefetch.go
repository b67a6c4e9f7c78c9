package lifecycle

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ibs-source/inference-engine/internal/domain"
	"github.com/ibs-source/inference-engine/internal/logger"
)

// recordTransition appends an access to the sparse from->to transition map
// and advances lastAccessed for the next call.
func (m *Manager) recordTransition(modelID string) {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	prev := m.lastAccessed
	m.lastAccessed = modelID
	if prev == "" || prev == modelID {
		return
	}

	edges, ok := m.transitions[prev]
	if !ok {
		edges = make(map[string]*transitionStats)
		m.transitions[prev] = edges
	}
	st, ok := edges[modelID]
	if !ok {
		st = &transitionStats{}
		edges[modelID] = st
	}
	st.count++
	st.lastAt = time.Now()
}

type prediction struct {
	to          string
	probability float64
}

// predict returns the top candidates observed to follow `from`, ranked by
// empirical probability, most likely first.
func (m *Manager) predict(from string) []prediction {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	edges, ok := m.transitions[from]
	if !ok || len(edges) == 0 {
		return nil
	}
	total := 0
	for _, st := range edges {
		total += st.count
	}
	if total == 0 {
		return nil
	}
	preds := make([]prediction, 0, len(edges))
	for to, st := range edges {
		preds = append(preds, prediction{to: to, probability: float64(st.count) / float64(total)})
	}
	sort.Slice(preds, func(i, j int) bool { return preds[i].probability > preds[j].probability })
	return preds
}

// prefetchFor evaluates predictions following modelID and loads those
// meeting PrefetchMinConfidence, respecting PrefetchMaxConcurrency and
// skipping entries already loaded or loading.
func (m *Manager) prefetchFor(ctx context.Context, modelID string) {
	if m.cfg.PrefetchMinConfidence <= 0 {
		return
	}
	for _, p := range m.predict(modelID) {
		if p.probability < m.cfg.PrefetchMinConfidence {
			continue
		}
		m.maybePrefetch(ctx, p.to)
	}
}

func (m *Manager) maybePrefetch(ctx context.Context, modelID string) {
	if entry, ok := m.mm.Entry(modelID); ok {
		switch entry.State() {
		case domain.ModelLoading, domain.ModelReady:
			return
		}
	}

	m.prefetchMu.Lock()
	if _, inFlight := m.prefetching[modelID]; inFlight {
		m.prefetchMu.Unlock()
		return
	}
	if m.cfg.PrefetchMaxConcurrency > 0 && len(m.prefetching) >= m.cfg.PrefetchMaxConcurrency {
		m.prefetchMu.Unlock()
		return
	}
	m.prefetching[modelID] = struct{}{}
	m.prefetchMu.Unlock()

	go func() {
		defer func() {
			m.prefetchMu.Lock()
			delete(m.prefetching, modelID)
			m.prefetchedAt[modelID] = time.Now()
			m.prefetchMu.Unlock()
		}()
		atomic.AddInt64(&m.prefetchTotal, 1)
		if _, err := m.mm.LoadModel(ctx, modelID); err != nil {
			m.log.Warn("lifecycle: prefetch load failed", logger.String("model_id", modelID), logger.Error(err))
		}
	}()
}

// checkPrefetchHit records a prefetch hit if modelID was prefetched within
// PrefetchHitWindow of this access.
func (m *Manager) checkPrefetchHit(modelID string) {
	m.prefetchMu.Lock()
	defer m.prefetchMu.Unlock()
	at, ok := m.prefetchedAt[modelID]
	if !ok {
		return
	}
	if time.Since(at) <= m.cfg.PrefetchHitWindow {
		atomic.AddInt64(&m.prefetchHits, 1)
	}
	delete(m.prefetchedAt, modelID)
}

// PrefetchHitRate returns hits/total prefetches issued so far, or 0 if
// none have been issued.
func (m *Manager) PrefetchHitRate() float64 {
	total := atomic.LoadInt64(&m.prefetchTotal)
	if total == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&m.prefetchHits)) / float64(total)
}
