// Package hashbucket provides deterministic, stable bucketing of an
// identifier into [0,100) for percentage-based rollout decisions
// (FeatureFlags.evaluate, §4.10). It is pure: the same (id, seed) always
// maps to the same bucket, across process restarts and replicas.
package hashbucket

import (
	"github.com/cespare/xxhash/v2"
)

// Bucket returns a deterministic value in [0,100) derived from id and
// seed. Two different seeds for the same id are independent (no shared
// bucket-ordering bias), which is what lets multiple features roll out on
// independent percentages for the same population of request ids.
func Bucket(id, seed string) int {
	h := xxhash.New()
	_, _ = h.WriteString(seed)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(id)
	sum := h.Sum64()
	return int(sum % 100)
}

// BucketBytes is the same computation taking a raw id, useful when the
// identifier is already binary (e.g. a UUID's raw bytes).
func BucketBytes(id []byte, seed string) int {
	h := xxhash.New()
	_, _ = h.WriteString(seed)
	_, _ = h.WriteString("|")
	_, _ = h.Write(id)
	sum := h.Sum64()
	return int(sum % 100)
}

// Hash64 returns the raw 64-bit hash of (seed, id) before bucketing.
func Hash64(id, seed string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(seed)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(id)
	return h.Sum64()
}
