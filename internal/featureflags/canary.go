package featureflags

import (
	"container/list"
	"crypto/md5" //nolint:gosec // spec-mandated primitive, not used for security
	"encoding/binary"
	"sync"

	"github.com/ibs-source/inference-engine/internal/config"
)

// CanaryRouter is the MD5-bucketed variant selector (§4.10): the first 32
// bits of MD5(seed + "|" + identifier) are mapped modulo 10000 into
// [0.00, 99.99], and
// the admitted variant is cached in an LRU of CacheSize entries so
// repeated lookups for the same identifier are stable without
// recomputing the hash. Updating the percentage clears the cache so the
// new percentage takes effect immediately rather than honoring stale
// decisions (spec.md §4.10).
type CanaryRouter struct {
	mu         sync.Mutex
	cacheSize  int
	percentage float64
	seed       string

	lru   *list.List
	elems map[string]*list.Element
}

type canaryEntry struct {
	key     string
	variant string
	bucket  float64
}

// NewCanaryRouter constructs a router from cfg. The percentage and seed
// are fixed for the router's lifetime except via SetPercentage.
func NewCanaryRouter(cfg config.CanaryConfig, percentage float64, seed string) *CanaryRouter {
	size := cfg.CacheSize
	if size <= 0 {
		size = 10000
	}
	return &CanaryRouter{
		cacheSize:  size,
		percentage: percentage,
		seed:       seed,
		lru:        list.New(),
		elems:      make(map[string]*list.Element),
	}
}

// bucket100 maps MD5(seed|identifier)'s first 32 bits modulo 10000 into
// [0.00, 99.99].
func bucket100(identifier, seed string) float64 {
	sum := md5.Sum([]byte(seed + "|" + identifier)) //nolint:gosec
	v := binary.BigEndian.Uint32(sum[:4])
	return float64(v%10000) / 100.0
}

// Variant returns "canary" if identifier's bucket falls under the
// configured percentage, else "baseline". Results are cached; a cache hit
// refreshes recency by delete+reinsert, so "oldest insertion" eviction
// order tracks "oldest use" (spec.md §9 design note).
func (r *CanaryRouter) Variant(identifier string) (variant string, bucket float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if elem, ok := r.elems[identifier]; ok {
		entry := elem.Value.(*canaryEntry)
		r.lru.Remove(elem)
		delete(r.elems, identifier)
		r.elems[identifier] = r.lru.PushFront(entry)
		return entry.variant, entry.bucket
	}

	b := bucket100(identifier, r.seed)
	v := "baseline"
	if b < r.percentage {
		v = "canary"
	}
	r.setCached(identifier, v, b)
	return v, b
}

func (r *CanaryRouter) setCached(key, variant string, bucket float64) {
	if len(r.elems) >= r.cacheSize {
		oldest := r.lru.Back()
		if oldest != nil {
			r.lru.Remove(oldest)
			delete(r.elems, oldest.Value.(*canaryEntry).key)
		}
	}
	entry := &canaryEntry{key: key, variant: variant, bucket: bucket}
	r.elems[key] = r.lru.PushFront(entry)
}

// SetPercentage updates the admission threshold and clears the cache, so
// every subsequent Variant call is recomputed against the new percentage
// rather than returning a decision made under the old one.
func (r *CanaryRouter) SetPercentage(percentage float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.percentage = percentage
	r.lru = list.New()
	r.elems = make(map[string]*list.Element)
}

// Percentage returns the currently configured admission threshold.
func (r *CanaryRouter) Percentage() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.percentage
}

// Len returns the current cache size, for tests/metrics.
func (r *CanaryRouter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lru.Len()
}
