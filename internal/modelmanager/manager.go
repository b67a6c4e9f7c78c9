// Package modelmanager owns the `id -> ModelEntry` map and the draft
// pairing table (spec.md §4.6): coalesced loads, drain-then-unload, and
// compatibility checks between a primary and draft model.
//
// Grounded on internal/mqtt/client.go's wrapper-around-a-flaky-transport
// shape (a thin struct around an external client plus a logger), with the
// in-flight "one load per id, concurrent callers share the result"
// coalescing implemented via golang.org/x/sync/singleflight rather than a
// hand-rolled map+mutex — singleflight is exactly this primitive.
package modelmanager

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ibs-source/inference-engine/internal/domain"
	"github.com/ibs-source/inference-engine/internal/errs"
	"github.com/ibs-source/inference-engine/internal/logger"
	"github.com/ibs-source/inference-engine/internal/ports"
	"golang.org/x/sync/singleflight"
)

// Config is the subset of config.ModelConfig the manager needs directly;
// LifecycleManager owns the rest (idle/prefetch knobs).
type Config struct {
	DrainTimeout time.Duration
}

// LoadResult is the handle returned by a successful loadModel call.
type LoadResult struct {
	ModelID  string
	ColdLoad bool
	Duration time.Duration
}

// DraftReport is checkDraft's compatibility result.
type DraftReport struct {
	Primary    string
	Draft      string
	Compatible bool
	Reason     string
}

// Manager is the ModelManager.
type Manager struct {
	transport ports.RuntimeTransport
	metrics   *domain.Metrics
	log       ports.Logger
	cfg       Config

	mu      sync.RWMutex
	entries map[string]*domain.ModelEntry

	sf singleflight.Group

	draftMu  sync.RWMutex
	pairings map[string]DraftReport // key: primary+"|"+draft
}

// New constructs a Manager bound to transport for load_model/unload_model/
// check_draft RPCs.
func New(cfg Config, transport ports.RuntimeTransport, metrics *domain.Metrics, log ports.Logger) *Manager {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Manager{
		transport: transport,
		metrics:   metrics,
		log:       log,
		cfg:       cfg,
		entries:   make(map[string]*domain.ModelEntry),
		pairings:  make(map[string]DraftReport),
	}
}

func (m *Manager) entryFor(id string) *domain.ModelEntry {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if ok {
		return e
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		return e
	}
	e = domain.NewModelEntry(id)
	m.entries[id] = e
	return e
}

// LoadModel returns a ready entry for id, issuing load_model on the
// transport if not already cached. Concurrent callers for the same id
// share one in-flight call via singleflight.
func (m *Manager) LoadModel(ctx context.Context, id string) (LoadResult, error) {
	entry := m.entryFor(id)
	entry.Touch()

	if entry.State() == domain.ModelReady {
		return LoadResult{ModelID: id}, nil
	}

	v, err, _ := m.sf.Do(id, func() (interface{}, error) {
		return m.doLoad(ctx, entry)
	})
	if err != nil {
		return LoadResult{}, err
	}
	return v.(LoadResult), nil
}

func (m *Manager) doLoad(ctx context.Context, entry *domain.ModelEntry) (LoadResult, error) {
	if entry.State() == domain.ModelReady {
		return LoadResult{ModelID: entry.ID}, nil
	}

	cold := entry.LoadCount.Load() == 0
	entry.SetState(domain.ModelLoading)
	start := time.Now()

	_, err := m.transport.Request(ctx, "load_model", map[string]string{"model_id": entry.ID})
	if err != nil {
		entry.SetState(domain.ModelUnloaded)
		m.log.Error("modelmanager: load_model failed", logger.String("model_id", entry.ID), logger.Error(err))
		return LoadResult{}, errs.Wrap(errs.ErrRuntime, err)
	}

	elapsed := time.Since(start)
	entry.SetState(domain.ModelReady)
	entry.LastLoadedAt.Store(time.Now().UnixNano())
	entry.LoadCount.Add(1)

	if m.metrics != nil {
		m.metrics.ModelLoads.Add(1)
		m.metrics.ModelLoadTimeNs.Add(uint64(elapsed.Nanoseconds()))
	}
	m.log.Info("modelmanager: model loaded", logger.String("model_id", entry.ID), logger.Bool("cold", cold), logger.Int64("elapsed_ms", elapsed.Milliseconds()))

	return LoadResult{ModelID: entry.ID, ColdLoad: cold, Duration: elapsed}, nil
}

// UnloadModel drains then unloads id: Draining (waiting up to
// DrainTimeout for inFlightCount to reach zero) -> Unloading -> unload_model
// RPC -> entry removed.
func (m *Manager) UnloadModel(ctx context.Context, id string) error {
	m.mu.RLock()
	entry, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	entry.SetState(domain.ModelDraining)
	if entry.InFlightCount.Load() > 0 {
		if !m.waitForDrain(ctx, entry) {
			m.log.Warn("modelmanager: drain timeout, unloading anyway", logger.String("model_id", id))
		}
	}

	entry.SetState(domain.ModelUnloading)
	_, err := m.transport.Request(ctx, "unload_model", map[string]string{"model_id": id})
	if err != nil {
		m.log.Error("modelmanager: unload_model failed", logger.String("model_id", id), logger.Error(err))
		return errs.Wrap(errs.ErrRuntime, err)
	}

	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ModelUnloads.Add(1)
	}
	m.log.Info("modelmanager: model unloaded", logger.String("model_id", id))
	return nil
}

// waitForDrain polls inFlightCount until it reaches zero, ctx is done, or
// DrainTimeout elapses. Returns true if drained cleanly.
func (m *Manager) waitForDrain(ctx context.Context, entry *domain.ModelEntry) bool {
	timeout := m.cfg.DrainTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if entry.InFlightCount.Load() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// CheckDraft queries the runtime for primary/draft compatibility and
// stores a positive pairing.
func (m *Manager) CheckDraft(ctx context.Context, primary, draft string) (DraftReport, error) {
	raw, err := m.transport.Request(ctx, "check_draft", map[string]string{"primary": primary, "draft": draft})
	if err != nil {
		return DraftReport{}, errs.Wrap(errs.ErrRuntime, err)
	}

	var resp struct {
		Compatible bool   `json:"compatible"`
		Reason     string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return DraftReport{}, errs.Wrap(errs.ErrRuntime, err)
	}

	report := DraftReport{Primary: primary, Draft: draft, Compatible: resp.Compatible, Reason: resp.Reason}
	if report.Compatible {
		m.draftMu.Lock()
		m.pairings[pairingKey(primary, draft)] = report
		m.draftMu.Unlock()
	}
	return report, nil
}

// DraftPairing returns a previously stored positive pairing, if any.
func (m *Manager) DraftPairing(primary, draft string) (DraftReport, bool) {
	m.draftMu.RLock()
	defer m.draftMu.RUnlock()
	r, ok := m.pairings[pairingKey(primary, draft)]
	return r, ok
}

func pairingKey(primary, draft string) string { return primary + "|" + draft }

// Entry returns the live entry for id, if loaded/loading.
func (m *Manager) Entry(id string) (*domain.ModelEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

// Loaded returns the ids of every currently tracked entry (any state).
func (m *Manager) Loaded() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	return ids
}

// AcquireInFlight increments id's in-flight counter, which UnloadModel's
// drain check waits on; ReleaseInFlight is its counterpart.
func (m *Manager) AcquireInFlight(id string) {
	m.entryFor(id).InFlightCount.Add(1)
	m.entryFor(id).Touch()
}

// ReleaseInFlight decrements id's in-flight counter if the entry exists.
func (m *Manager) ReleaseInFlight(id string) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if e.InFlightCount.Add(-1) < 0 {
		e.InFlightCount.Store(0)
	}
}
