package strategy

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/yarnnn/yarnnn/internal/models"
)

// HybridStrategy merges cached platform reads with a live research pass
// before synthesis. The two halves keep their own freshness model: store
// for platforms, live for search. They are combined after gathering, never
// mixed within a single source read.
type HybridStrategy struct {
	platforms *CrossPlatformStrategy
	research  *ResearchStrategy
	logger    *zap.Logger
}

func (s *HybridStrategy) Binding() models.Binding {
	return models.BindingHybrid
}

func (s *HybridStrategy) Gather(ctx context.Context, cfg *models.DeliverableConfig) (*AssembledContext, error) {
	platformCtx, err := s.platforms.Gather(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("hybrid platform gather failed: %w", err)
	}

	researchCtx, err := s.research.Gather(ctx, cfg)
	if err != nil {
		// Platform content alone still makes a useful deliverable; the
		// missing research pass is recorded, not fatal.
		s.logger.Warn("Hybrid research gather failed, continuing with platform content",
			zap.Uint("config_id", cfg.ID), zap.Error(err))
		return platformCtx, nil
	}

	merged := &AssembledContext{
		Prompt:    platformCtx.Prompt + "\n" + researchCtx.Prompt,
		ItemIDs:   platformCtx.ItemIDs,
		Snapshots: append(platformCtx.Snapshots, researchCtx.Snapshots...),
	}
	return merged, nil
}
