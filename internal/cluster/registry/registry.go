// Package registry implements the controller-side WorkerRegistry
// (spec.md §3 WorkerRecord, §6 "worker.register"/"worker.heartbeat"):
// storage, heartbeat tracking, and the skills index LoadBalancer reads
// snapshots from. WorkerRecord is owned exclusively here; LoadBalancer
// never mutates it.
//
// Grounded on internal/redis/client.go's connection/retry wrapper
// pattern, generalized from Redis Streams to the ports.KVStore seam so
// worker records are visible to every controller replica (the fleet is
// still authoritative/stateless per the Non-goals; the registry is a
// shared cache, not a consensus log).
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ibs-source/inference-engine/internal/config"
	"github.com/ibs-source/inference-engine/internal/domain"
	"github.com/ibs-source/inference-engine/internal/logger"
	"github.com/ibs-source/inference-engine/internal/ports"
)

const keyPrefix = "worker:"

// Registry is the WorkerRegistry: an in-memory cache backed by a shared
// KVStore so multiple controller replicas observe the same fleet state.
type Registry struct {
	kv  ports.KVStore
	cfg config.RegistryConfig
	log ports.Logger

	mu      sync.RWMutex
	workers map[string]*domain.WorkerRecord

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Registry bound to kv.
func New(cfg config.RegistryConfig, kv ports.KVStore, log ports.Logger) *Registry {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Registry{
		kv:      kv,
		cfg:     cfg,
		log:     log.WithFields(ports.Field{Key: "component", Value: "worker-registry"}),
		workers: make(map[string]*domain.WorkerRecord),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the background heartbeat-expiry sweep.
func (r *Registry) Start() {
	if r.cfg.HeartbeatInterval <= 0 {
		return
	}
	r.wg.Add(1)
	go r.sweepLoop()
}

// Stop halts the sweep loop.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// Register handles a worker.register event: stores the record locally and
// persists it to the shared KV store under its TTL.
func (r *Registry) Register(ctx context.Context, rec domain.WorkerRecord) error {
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = time.Now()
	}
	rec.LastHeartbeat = time.Now()
	if rec.Status == domain.WorkerOffline {
		rec.Status = domain.WorkerOnline
	}

	r.mu.Lock()
	r.workers[rec.WorkerID] = &rec
	r.mu.Unlock()

	return r.persist(ctx, &rec)
}

// Heartbeat handles a worker.heartbeat event: updates status/metrics and
// refreshes LastHeartbeat.
func (r *Registry) Heartbeat(ctx context.Context, workerID string, status domain.WorkerStatus, metrics domain.WorkerMetrics) error {
	r.mu.Lock()
	rec, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("heartbeat for unregistered worker %q", workerID)
	}
	rec.Status = status
	rec.Metrics = metrics
	rec.LastHeartbeat = time.Now()
	cp := rec.Snapshot()
	r.mu.Unlock()

	return r.persist(ctx, &cp)
}

// Deregister removes a worker from the registry and the shared store.
func (r *Registry) Deregister(ctx context.Context, workerID string) error {
	r.mu.Lock()
	delete(r.workers, workerID)
	r.mu.Unlock()
	return r.kv.Delete(ctx, keyPrefix+workerID)
}

// Get returns a point-in-time snapshot of workerID, if known.
func (r *Registry) Get(workerID string) (domain.WorkerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.workers[workerID]
	if !ok {
		return domain.WorkerRecord{}, false
	}
	return rec.Snapshot(), true
}

// Snapshot returns a value-copy view of every known worker, safe for the
// LoadBalancer to filter/rank without holding the registry's lock.
func (r *Registry) Snapshot() []domain.WorkerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.WorkerRecord, 0, len(r.workers))
	for _, rec := range r.workers {
		out = append(out, rec.Snapshot())
	}
	return out
}

func (r *Registry) persist(ctx context.Context, rec *domain.WorkerRecord) error {
	if r.kv == nil {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal worker record: %w", err)
	}
	ttl := r.cfg.HeartbeatTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return r.kv.Set(ctx, keyPrefix+rec.WorkerID, payload, ttl)
}

// sweepLoop marks workers Offline once they exceed HeartbeatTTL without a
// fresh heartbeat; it never removes them outright since a worker rejoining
// re-registers explicitly.
func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweepStale()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) sweepStale() {
	ttl := r.cfg.HeartbeatTTL
	if ttl <= 0 {
		return
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rec := range r.workers {
		if rec.Status == domain.WorkerOffline {
			continue
		}
		if now.Sub(rec.LastHeartbeat) >= ttl {
			rec.Status = domain.WorkerOffline
			r.log.Warn("worker heartbeat expired, marking offline", logger.String("worker_id", id))
		}
	}
}
