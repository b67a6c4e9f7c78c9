package streamregistry

import (
	"time"
)

// adaptiveLoop runs the admission-control adjustment every
// AdjustmentInterval, switching between the threshold governor (§4.5) and
// the PID-governor variant per cfg.Governor.
func (r *Registry) adaptiveLoop(stopCh chan struct{}) {
	defer r.wg.Done()
	interval := r.cfg.AdjustmentInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if r.cfg.Governor == "pid" {
				r.adjustPID()
			} else {
				r.adjustThreshold()
			}
		case <-stopCh:
			return
		}
	}
}

// adjustThreshold implements the scaleUp/scaleDown threshold rule.
func (r *Registry) adjustThreshold() {
	active := r.activeCount()
	limit := r.effectiveLimit()
	if limit == 0 {
		return
	}
	utilization := float64(active) / float64(limit)
	avgTTFT := r.averageTTFT()

	r.limitMu.Lock()
	defer r.limitMu.Unlock()

	switch {
	case utilization > r.cfg.ScaleUpThreshold && avgTTFT < r.cfg.TargetTTFT && avgTTFT > 0:
		r.currentLimit = clampInt64(r.currentLimit+5, int64(r.cfg.MinStreams), int64(r.cfg.MaxStreams))
	case utilization < r.cfg.ScaleDownThreshold:
		r.currentLimit = clampInt64(r.currentLimit-2, int64(r.cfg.MinStreams), int64(r.cfg.MaxStreams))
	}
}

// adjustPID implements the alternate PID-governor variant: a discrete PID
// controller fed targetTtftMs outputs the next admission limit directly,
// still clamped to [MinStreams, MaxStreams].
func (r *Registry) adjustPID() {
	avgTTFT := r.averageTTFT()
	if avgTTFT <= 0 {
		return
	}
	targetMs := float64(r.cfg.TargetTTFT.Milliseconds())
	currentMs := float64(avgTTFT.Milliseconds())

	// Error is defined as target-minus-actual in the latency domain: a
	// TTFT below target means there is admission headroom (positive
	// error grows the limit); above target means back off.
	errVal := targetMs - currentMs

	r.limitMu.Lock()
	defer r.limitMu.Unlock()

	r.pidIntegral += errVal
	derivative := errVal - r.pidLastErr
	r.pidLastErr = errVal

	output := r.cfg.PIDKp*errVal + r.cfg.PIDKi*r.pidIntegral + r.cfg.PIDKd*derivative
	// Output is scaled to stream-count units (roughly one stream per 10ms
	// of TTFT slack) rather than raw milliseconds.
	delta := int64(output / 10)
	r.currentLimit = clampInt64(r.currentLimit+delta, int64(r.cfg.MinStreams), int64(r.cfg.MaxStreams))
}

func clampInt64(v, lo, hi int64) int64 {
	if hi > 0 && v > hi {
		return hi
	}
	if v < lo {
		return lo
	}
	return v
}

// recordTTFT appends a time-to-first-token sample (as a duration) to the
// rolling window used by both governor variants.
func (r *Registry) recordTTFT(d time.Duration) {
	r.ttftMu.Lock()
	defer r.ttftMu.Unlock()
	r.ttftSamples = append(r.ttftSamples, float64(d))
	if len(r.ttftSamples) > 50 {
		r.ttftSamples = r.ttftSamples[len(r.ttftSamples)-50:]
	}
}

func (r *Registry) averageTTFT() time.Duration {
	r.ttftMu.Lock()
	defer r.ttftMu.Unlock()
	if len(r.ttftSamples) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range r.ttftSamples {
		sum += v
	}
	return time.Duration(sum / float64(len(r.ttftSamples)))
}

// poolCleanupLoop periodically clears the chunk pool per
// pool_cleanup_interval_ms.
func (r *Registry) poolCleanupLoop(stopCh chan struct{}) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PoolCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.pool.clear()
			r.log.Trace("streamregistry: chunk pool cleared")
		case <-stopCh:
			return
		}
	}
}
