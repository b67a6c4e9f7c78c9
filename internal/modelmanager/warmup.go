package modelmanager

import (
	"context"

	"github.com/ibs-source/inference-engine/internal/logger"
	"golang.org/x/sync/errgroup"
)

// Warmup loads every id in ids in parallel. Failures are logged, never
// propagated — a cold-start runtime that can't warm one model must not
// prevent the rest of the engine from starting (spec.md §4.6).
func (m *Manager) Warmup(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if _, err := m.LoadModel(ctx, id); err != nil {
				m.log.Warn("modelmanager: warmup load failed", logger.String("model_id", id), logger.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}
