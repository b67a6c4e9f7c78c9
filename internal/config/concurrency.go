package config

import "github.com/ibs-source/inference-engine/internal/domain"

// ConcurrencyLimiterConfig mirrors spec.md §6 model_concurrency_limiter.*.
type ConcurrencyLimiterConfig struct {
	Enabled    bool
	TierLimits map[domain.Tier]domain.TierLimits
}
