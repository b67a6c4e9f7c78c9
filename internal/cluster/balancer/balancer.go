// Package balancer implements the controller-side "smart" LoadBalancer
// (spec.md §4.9): a sequential liveness -> skills -> hardware -> load
// filter chain over a WorkerRecord snapshot, with a monotonic
// round-robin pointer breaking ties in the load filter.
//
// Grounded on internal/config/validation.go's sequential check-function
// pipeline style (each stage either narrows the candidate set or returns
// a named error) and on internal/domain/tier.go's model-size estimate,
// shared verbatim with the ConcurrencyLimiter's tier classification
// (spec.md §4.4/§4.9 both cite the same regex-free scan).
package balancer

import (
	"sync"

	"github.com/ibs-source/inference-engine/internal/domain"
	"github.com/ibs-source/inference-engine/internal/errs"
)

// DefaultSafetyFactor pads the estimated model footprint before comparing
// it against a worker's reported free memory, so a worker sitting right
// at the edge of fitting is not selected only to OOM once the weights
// actually load.
const DefaultSafetyFactor = 1.2

// VisibilityFunc reports whether a worker's circuit breaker currently
// admits traffic (spec.md §4.8: a worker with an Open breaker is
// invisible to the balancer; HalfOpen is eligible like any other worker,
// the breaker itself caps it to one in-flight probe).
type VisibilityFunc func(workerID string) bool

// Request is the routing request the balancer selects a worker for.
type Request struct {
	ModelID string
}

// Balancer implements the §4.9 filter chain over a caller-supplied
// snapshot. It holds no worker state of its own (WorkerRegistry owns
// that) beyond the round-robin pointers used to break load ties.
type Balancer struct {
	safetyFactor float64

	mu       sync.Mutex
	rrCursor map[string]uint64 // modelID -> next round-robin index
}

// New constructs a Balancer. safetyFactor <= 0 falls back to
// DefaultSafetyFactor.
func New(safetyFactor float64) *Balancer {
	if safetyFactor <= 0 {
		safetyFactor = DefaultSafetyFactor
	}
	return &Balancer{safetyFactor: safetyFactor, rrCursor: make(map[string]uint64)}
}

// Select runs the four-stage filter chain over snapshot and returns the
// chosen worker. isVisible may be nil (no circuit-breaker gating).
func (b *Balancer) Select(req Request, snapshot []domain.WorkerRecord, isVisible VisibilityFunc) (domain.WorkerRecord, error) {
	candidates := filterLive(snapshot, isVisible)
	if len(candidates) == 0 {
		return domain.WorkerRecord{}, errs.ErrNoOnlineWorkers
	}

	candidates = filterSkilled(candidates, req.ModelID)
	if len(candidates) == 0 {
		return domain.WorkerRecord{}, errs.ErrNoWorkerForModel
	}

	hardwareFiltered := filterHardware(candidates, req.ModelID, b.safetyFactor)
	if len(hardwareFiltered) > 0 {
		// Only narrow by hardware when it leaves at least one candidate;
		// an all-worker memory shortfall still routes (best-effort) rather
		// than failing the request outright, since memory reports can be
		// stale relative to an imminent unload elsewhere.
		candidates = hardwareFiltered
	}

	return b.pickByLoad(req.ModelID, candidates), nil
}

func filterLive(snapshot []domain.WorkerRecord, isVisible VisibilityFunc) []domain.WorkerRecord {
	out := make([]domain.WorkerRecord, 0, len(snapshot))
	for _, w := range snapshot {
		if w.Status != domain.WorkerOnline {
			continue
		}
		if isVisible != nil && !isVisible(w.WorkerID) {
			continue
		}
		out = append(out, w)
	}
	return out
}

func filterSkilled(candidates []domain.WorkerRecord, modelID string) []domain.WorkerRecord {
	out := make([]domain.WorkerRecord, 0, len(candidates))
	for _, w := range candidates {
		if w.Skills.Has(modelID) {
			out = append(out, w)
		}
	}
	return out
}

func filterHardware(candidates []domain.WorkerRecord, modelID string, safetyFactor float64) []domain.WorkerRecord {
	estimateGB := float64(domain.EstimateBytes(modelID)) / (1 << 30)
	needed := estimateGB * safetyFactor

	out := make([]domain.WorkerRecord, 0, len(candidates))
	for _, w := range candidates {
		if w.Metrics.MemFreeGB == 0 {
			// No metrics reported; treat as unknown rather than unfit.
			out = append(out, w)
			continue
		}
		if w.Metrics.MemFreeGB >= needed {
			out = append(out, w)
		}
	}
	return out
}

// pickByLoad ranks candidates by ActiveRequests ascending (missing
// metrics treated as 0) and breaks ties using a per-model monotonic
// round-robin cursor, so repeated calls against an unchanged tied subset
// cycle deterministically through it.
func (b *Balancer) pickByLoad(modelID string, candidates []domain.WorkerRecord) domain.WorkerRecord {
	minLoad := candidates[0].Metrics.ActiveRequests
	for _, w := range candidates[1:] {
		if w.Metrics.ActiveRequests < minLoad {
			minLoad = w.Metrics.ActiveRequests
		}
	}

	tied := make([]domain.WorkerRecord, 0, len(candidates))
	for _, w := range candidates {
		if w.Metrics.ActiveRequests == minLoad {
			tied = append(tied, w)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}

	idx := b.nextRR(modelID) % uint64(len(tied))
	return tied[idx]
}

func (b *Balancer) nextRR(modelID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.rrCursor[modelID]
	b.rrCursor[modelID] = cur + 1
	return cur
}

// RRCursor exposes the current round-robin index for modelID, for tests.
func (b *Balancer) RRCursor(modelID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rrCursor[modelID]
}
