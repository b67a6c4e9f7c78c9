// Package lifecycle implements LifecycleManager (spec.md §4.7): policies
// layered over ModelManager that observe model accesses and react with
// LRU+pin capacity eviction, an idle-drain sweep, and transition-based
// prefetch.
//
// Grounded on internal/processor/processor.go's ticker-driven background
// task style (claimStaleMessages, cleanupIdleConsumers): the idle sweep
// runs on its own goroutine and ticker, stopped via a stop channel plus
// WaitGroup; capacity eviction and prefetch run from OnAccess.
package lifecycle

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/ibs-source/inference-engine/internal/domain"
	"github.com/ibs-source/inference-engine/internal/logger"
	"github.com/ibs-source/inference-engine/internal/modelmanager"
	"github.com/ibs-source/inference-engine/internal/ports"
)

// Config mirrors the idle/prefetch knobs carried on config.ModelConfig.
type Config struct {
	MaxLoadedModels       int
	IdleTimeout           time.Duration
	IdleSweepInterval     time.Duration
	PrefetchMinConfidence float64
	PrefetchMaxConcurrency int
	PrefetchHitWindow     time.Duration
}

// transitionStats tracks one from->to edge's observed count and recency.
type transitionStats struct {
	count  int
	lastAt time.Time
}

// Manager is the LifecycleManager.
type Manager struct {
	cfg Config
	mm  *modelmanager.Manager
	log ports.Logger

	lruMu   sync.Mutex
	lru     *list.List               // front = most recently used
	lruElem map[string]*list.Element // id -> element (value is id string)

	transMu      sync.Mutex
	transitions  map[string]map[string]*transitionStats
	lastAccessed string

	prefetchMu    sync.Mutex
	prefetching   map[string]struct{}
	prefetchedAt  map[string]time.Time

	overflowLoggedOnce sync.Once

	stopCh chan struct{}
	wg     sync.WaitGroup

	prefetchHits   int64
	prefetchTotal  int64
}

// New constructs a Manager bound to mm.
func New(cfg Config, mm *modelmanager.Manager, log ports.Logger) *Manager {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	m := &Manager{
		cfg:          cfg,
		mm:           mm,
		log:          log,
		lru:          list.New(),
		lruElem:      make(map[string]*list.Element),
		transitions:  make(map[string]map[string]*transitionStats),
		prefetching:  make(map[string]struct{}),
		prefetchedAt: make(map[string]time.Time),
		stopCh:       make(chan struct{}),
	}
	return m
}

// Start launches the idle-sweep background loop. Prefetch is driven
// synchronously from OnAccess rather than a ticker, since it reacts to
// each individual access event.
func (m *Manager) Start(ctx context.Context) {
	if m.cfg.IdleSweepInterval > 0 {
		m.wg.Add(1)
		go m.idleSweepLoop(ctx)
	}
}

// Stop halts the background loops and waits for them to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// OnAccess records modelID as just-accessed: updates LRU order, enforces
// the capacity ceiling, records the from->modelID transition, and fires a
// prefetch pass for likely next accesses.
func (m *Manager) OnAccess(ctx context.Context, modelID string) {
	m.touchLRU(modelID)
	m.enforceCapacity(ctx)
	m.recordTransition(modelID)
	m.checkPrefetchHit(modelID)
	m.prefetchFor(ctx, modelID)
}

// Pin marks modelID as never-evict.
func (m *Manager) Pin(modelID string) {
	if entry, ok := m.mm.Entry(modelID); ok {
		entry.Pinned.Store(true)
	}
}

// Unpin clears modelID's pin.
func (m *Manager) Unpin(modelID string) {
	if entry, ok := m.mm.Entry(modelID); ok {
		entry.Pinned.Store(false)
	}
}

func (m *Manager) touchLRU(modelID string) {
	m.lruMu.Lock()
	defer m.lruMu.Unlock()
	if elem, ok := m.lruElem[modelID]; ok {
		m.lru.MoveToFront(elem)
		return
	}
	m.lruElem[modelID] = m.lru.PushFront(modelID)
}

func (m *Manager) removeLRU(modelID string) {
	m.lruMu.Lock()
	defer m.lruMu.Unlock()
	if elem, ok := m.lruElem[modelID]; ok {
		m.lru.Remove(elem)
		delete(m.lruElem, modelID)
	}
}

// enforceCapacity evicts the least-recently-used non-pinned entry whenever
// the loaded count exceeds MaxLoadedModels.
func (m *Manager) enforceCapacity(ctx context.Context) {
	if m.cfg.MaxLoadedModels <= 0 {
		return
	}
	if len(m.mm.Loaded()) <= m.cfg.MaxLoadedModels {
		return
	}

	victim := m.pickEvictionVictim()
	if victim == "" {
		m.overflowLoggedOnce.Do(func() {
			m.log.Warn("lifecycle: over capacity but no evictable (unpinned) entry", logger.Int("max_loaded", m.cfg.MaxLoadedModels))
		})
		return
	}

	m.removeLRU(victim)
	if err := m.mm.UnloadModel(ctx, victim); err != nil {
		m.log.Warn("lifecycle: capacity eviction unload failed", logger.String("model_id", victim), logger.Error(err))
	}
}

func (m *Manager) pickEvictionVictim() string {
	m.lruMu.Lock()
	defer m.lruMu.Unlock()
	for elem := m.lru.Back(); elem != nil; elem = elem.Prev() {
		id := elem.Value.(string)
		entry, ok := m.mm.Entry(id)
		if !ok || entry.Pinned.Load() {
			continue
		}
		if entry.State() != domain.ModelReady {
			continue
		}
		return id
	}
	return ""
}

// idleSweepLoop unloads every Ready, non-pinned, zero-in-flight entry
// idle for at least IdleTimeout, every IdleSweepInterval.
func (m *Manager) idleSweepLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.IdleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepIdle(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) sweepIdle(ctx context.Context) {
	now := time.Now()
	for _, id := range m.mm.Loaded() {
		entry, ok := m.mm.Entry(id)
		if !ok || entry.Pinned.Load() || entry.State() != domain.ModelReady {
			continue
		}
		if entry.InFlightCount.Load() != 0 {
			continue
		}
		lastAccessed := time.Unix(0, entry.LastAccessed.Load())
		if now.Sub(lastAccessed) < m.cfg.IdleTimeout {
			continue
		}
		m.removeLRU(id)
		if err := m.mm.UnloadModel(ctx, id); err != nil {
			m.log.Warn("lifecycle: idle unload failed", logger.String("model_id", id), logger.Error(err))
			continue
		}
		m.log.Info("lifecycle: idle-drained model", logger.String("model_id", id))
	}
}
