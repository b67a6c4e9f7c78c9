package domain

import (
	"strconv"
	"strings"
)

// Tier is a coarse model-size class used solely to cap GPU concurrency
// (§4.4) and to estimate memory footprint for load-balancer hardware
// filtering (§4.9). Both uses share the same classification regexless
// token scan described below.
type Tier int

const (
	Tier30BPlus Tier = iota
	Tier13To27B
	Tier7To13B
	Tier3To7B
	TierUnder3B
)

func (t Tier) String() string {
	switch t {
	case Tier30BPlus:
		return "30b+"
	case Tier13To27B:
		return "13-27b"
	case Tier7To13B:
		return "7-13b"
	case Tier3To7B:
		return "3-7b"
	case TierUnder3B:
		return "<3b"
	default:
		return "unknown"
	}
}

// TierLimits are the per-tier ConcurrencyLimiter caps.
type TierLimits struct {
	MaxConcurrent  int
	QueueDepth     int
	QueueTimeoutMs int
}

// DefaultTierLimits mirrors the spec's default table.
func DefaultTierLimits() map[Tier]TierLimits {
	return map[Tier]TierLimits{
		Tier30BPlus: {MaxConcurrent: 2, QueueDepth: 10, QueueTimeoutMs: 60_000},
		Tier13To27B: {MaxConcurrent: 4, QueueDepth: 20, QueueTimeoutMs: 45_000},
		Tier7To13B:  {MaxConcurrent: 6, QueueDepth: 30, QueueTimeoutMs: 30_000},
		Tier3To7B:   {MaxConcurrent: 8, QueueDepth: 40, QueueTimeoutMs: 30_000},
		TierUnder3B: {MaxConcurrent: 10, QueueDepth: 50, QueueTimeoutMs: 30_000},
	}
}

// ClassifyTier extracts the first `<number>[.<number>]?b` token from a
// lowercased model id (the literal "byte"/"bytes" is ignored so ids like
// "model-8bytes-v1" are not mistaken for an 8B parameter count) and maps
// it to a Tier. An id with no recognizable token classifies as Tier7To13B.
func ClassifyTier(modelID string) Tier {
	n, ok := extractParamCount(modelID)
	if !ok {
		return Tier7To13B
	}
	switch {
	case n >= 30:
		return Tier30BPlus
	case n >= 13:
		return Tier13To27B
	case n >= 7:
		return Tier7To13B
	case n >= 3:
		return Tier3To7B
	default:
		return TierUnder3B
	}
}

// EstimateBytes returns a default hardware-footprint estimate for a model
// id, used by the load balancer's hardware filter. Unknown ids default to
// 8 GB per spec.md §4.9.
func EstimateBytes(modelID string) int64 {
	n, ok := extractParamCount(modelID)
	if !ok {
		return 8 << 30
	}
	// crude 2 bytes/parameter estimate (fp16 weights), billions -> bytes.
	return int64(n * 2e9)
}

func extractParamCount(modelID string) (float64, bool) {
	lower := strings.ToLower(modelID)
	var digits strings.Builder
	var seenDigit, seenDot bool
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		switch {
		case c >= '0' && c <= '9':
			digits.WriteByte(c)
			seenDigit = true
		case c == '.' && seenDigit && !seenDot:
			digits.WriteByte(c)
			seenDot = true
		case c == 'b' && seenDigit:
			// reject "byte"/"bytes" immediately following the digits+b token
			if strings.HasPrefix(lower[i:], "byte") {
				digits.Reset()
				seenDigit = false
				seenDot = false
				continue
			}
			v, err := strconv.ParseFloat(digits.String(), 64)
			if err != nil {
				return 0, false
			}
			return v, true
		default:
			if seenDigit {
				// token broke without a trailing 'b'; reset and keep scanning
				digits.Reset()
				seenDigit = false
				seenDot = false
			}
		}
	}
	return 0, false
}
