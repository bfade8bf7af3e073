package strategy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yarnnn/yarnnn/internal/models"
	"github.com/yarnnn/yarnnn/internal/store"
)

// CrossPlatformStrategy fan-reads every declared source in parallel and
// merges the results into one time-ordered timeline, so the synthesis pass
// sees events from different platforms interleaved rather than stacked as
// independent reports. Cache-backed like the single-platform strategy.
type CrossPlatformStrategy struct {
	store  *store.ContentStore
	opts   Options
	logger *zap.Logger
}

func (s *CrossPlatformStrategy) Binding() models.Binding {
	return models.BindingCrossPlatform
}

func (s *CrossPlatformStrategy) Gather(ctx context.Context, cfg *models.DeliverableConfig) (*AssembledContext, error) {
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("config %d declares no sources", cfg.ID)
	}

	since := time.Now().Add(-s.opts.Lookback)
	perSource := make([][]models.ContentItem, len(cfg.Sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range cfg.Sources {
		i, src := i, src
		g.Go(func() error {
			items, err := s.store.Query(gctx, store.QueryFilter{
				UserID:     cfg.UserID,
				Platform:   src.Platform,
				ResourceID: src.ResourceID,
				Since:      since,
				Limit:      s.opts.MaxItems,
			})
			if err != nil {
				return fmt.Errorf("failed to read %s/%s: %w", src.Platform, src.ResourceID, err)
			}
			perSource[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	assembled := &AssembledContext{}
	var merged []models.ContentItem
	for i, src := range cfg.Sources {
		assembled.Snapshots = append(assembled.Snapshots, snapshotOf(src, perSource[i]))
		merged = append(merged, perSource[i]...)
	}

	// One timeline across platforms; entity references land next to each
	// other in time instead of being paragraphs apart.
	sort.Slice(merged, func(a, b int) bool {
		return merged[a].FetchedAt.Before(merged[b].FetchedAt)
	})
	if len(merged) > s.opts.MaxItems {
		merged = merged[len(merged)-s.opts.MaxItems:]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n## Cross-platform timeline\n\n", cfg.Title)
	for _, item := range merged {
		fmt.Fprintf(&b, "[%s] (%s) %s\n\n",
			item.FetchedAt.Format("2006-01-02 15:04"), item.Platform, item.Content)
		assembled.ItemIDs = append(assembled.ItemIDs, item.ID)
	}

	assembled.Prompt = b.String()
	return assembled, nil
}
