package domain

import (
	"sync/atomic"
	"time"
)

// ModelState is the ModelEntry finite state machine.
type ModelState int32

const (
	ModelUnloaded ModelState = iota
	ModelLoading
	ModelReady
	ModelDraining
	ModelUnloading
)

func (s ModelState) String() string {
	switch s {
	case ModelUnloaded:
		return "unloaded"
	case ModelLoading:
		return "loading"
	case ModelReady:
		return "ready"
	case ModelDraining:
		return "draining"
	case ModelUnloading:
		return "unloading"
	default:
		return "unknown"
	}
}

// ModelEntry is the live record owned exclusively by ModelManager.
// LifecycleManager observes it by id and via events only.
type ModelEntry struct {
	ID      string
	Pinned  atomic.Bool
	state   atomic.Int32

	InFlightCount atomic.Int64
	LastAccessed  atomic.Int64 // unix nanos
	LastLoadedAt  atomic.Int64 // unix nanos
	LoadCount     atomic.Uint64
	MemoryBytes   atomic.Int64 // 0 if unknown
}

// NewModelEntry constructs an entry in ModelUnloaded state.
func NewModelEntry(id string) *ModelEntry {
	e := &ModelEntry{ID: id}
	e.state.Store(int32(ModelUnloaded))
	return e
}

// State returns the current state.
func (e *ModelEntry) State() ModelState {
	return ModelState(e.state.Load())
}

// SetState unconditionally sets the state. ModelEntry's transitions are
// managed by ModelManager under its map lock, so compare-and-swap is not
// required here the way it is for Stream (which is mutated concurrently
// from the transport reader goroutine).
func (e *ModelEntry) SetState(s ModelState) {
	e.state.Store(int32(s))
}

// Touch records an access for LRU and transition-prefetch bookkeeping.
func (e *ModelEntry) Touch() {
	e.LastAccessed.Store(time.Now().UnixNano())
}

// CanUnload reports whether unload may proceed without waiting on a drain
// timeout (inFlightCount == 0).
func (e *ModelEntry) CanUnload() bool {
	return e.InFlightCount.Load() == 0
}

// DraftPairing records a positive draft-model compatibility pairing.
type DraftPairing struct {
	PrimaryID string
	DraftID   string
	Checked   time.Time
}
