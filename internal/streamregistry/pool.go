package streamregistry

import (
	"sync/atomic"

	"github.com/ibs-source/inference-engine/internal/domain"
	"github.com/ibs-source/inference-engine/pkg/ringbuffer"
)

// chunkPool is a fixed-size pool of reusable domain.StreamChunk records
// (spec.md §4.5 "chunk pool"), backed by pkg/ringbuffer's lock-free MPMC
// ring buffer rather than a hand-rolled mutex+slice stack — the same
// thin-wrapper shape as the teacher's internal/processor.MsgQueue over
// pkg/ringbuffer.RingBuffer. acquire reuses a chunk if one is available,
// else allocates; release clears and pushes it back unless the pool is
// already full, in which case the chunk is dropped for GC. The ring
// buffer's FIFO ordering (oldest-released chunk returned first) replaces
// spec.md's LIFO description; chunks are fungible and the contract never
// depends on retrieval order, only on reuse/created accounting.
type chunkPool struct {
	rb *ringbuffer.RingBuffer[domain.StreamChunk]

	created atomic.Uint64
	reused  atomic.Uint64
}

func newChunkPool(maxSize int) *chunkPool {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &chunkPool{rb: ringbuffer.New[domain.StreamChunk](nextPow2(maxSize))}
}

func (p *chunkPool) acquire() *domain.StreamChunk {
	if c := p.rb.Get(); c != nil {
		p.reused.Add(1)
		return c
	}
	p.created.Add(1)
	return &domain.StreamChunk{}
}

func (p *chunkPool) release(c *domain.StreamChunk) {
	c.Reset()
	p.rb.Put(c) // dropped for GC if the pool is already full
}

// clear empties the pool, forcing subsequent acquires to allocate. Invoked
// periodically per pool_cleanup_interval_ms.
func (p *chunkPool) clear() {
	p.rb.DrainTo(func(*domain.StreamChunk) {})
}

// PoolStats is the exposed size/created/reused/reuseRate snapshot.
type PoolStats struct {
	Size      int
	Created   uint64
	Reused    uint64
	ReuseRate float64
}

func (p *chunkPool) stats() PoolStats {
	created := p.created.Load()
	reused := p.reused.Load()
	total := created + reused
	rate := 0.0
	if total > 0 {
		rate = float64(reused) / float64(total)
	}
	return PoolStats{Size: p.rb.Size(), Created: created, Reused: reused, ReuseRate: rate}
}

// nextPow2 rounds n up to the nearest power of two; pkg/ringbuffer.New
// panics on a non-power-of-two capacity.
func nextPow2(n int) uint32 {
	if n <= 1 {
		return 1
	}
	p := uint32(1)
	for int(p) < n {
		p <<= 1
	}
	return p
}
