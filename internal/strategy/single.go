package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yarnnn/yarnnn/internal/models"
	"github.com/yarnnn/yarnnn/internal/store"
)

// SinglePlatformStrategy reads one declared source from the content store
// and assembles a single synthesis pass. Cache-backed: point-in-time
// freshness comes from the sync cadence, not a live call.
type SinglePlatformStrategy struct {
	store  *store.ContentStore
	opts   Options
	logger *zap.Logger
}

func (s *SinglePlatformStrategy) Binding() models.Binding {
	return models.BindingSinglePlatform
}

func (s *SinglePlatformStrategy) Gather(ctx context.Context, cfg *models.DeliverableConfig) (*AssembledContext, error) {
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("config %d declares no sources", cfg.ID)
	}
	src := cfg.Sources[0]

	items, err := s.store.Query(ctx, store.QueryFilter{
		UserID:     cfg.UserID,
		Platform:   src.Platform,
		ResourceID: src.ResourceID,
		Since:      time.Now().Add(-s.opts.Lookback),
		Limit:      s.opts.MaxItems,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", src.Platform, src.ResourceID, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", cfg.Title)
	renderItems(&b, sourceLabel(src), items)

	assembled := &AssembledContext{
		Prompt:    b.String(),
		Snapshots: models.SourceSnapshots{snapshotOf(src, items)},
	}
	for _, item := range items {
		assembled.ItemIDs = append(assembled.ItemIDs, item.ID)
	}
	return assembled, nil
}

func sourceLabel(src models.SourceRef) string {
	if src.ResourceName != "" {
		return fmt.Sprintf("%s: %s", src.Platform, src.ResourceName)
	}
	return fmt.Sprintf("%s: %s", src.Platform, src.ResourceID)
}
