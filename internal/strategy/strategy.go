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

// AssembledContext is the bounded payload handed to the generation
// capability, plus the audit trail of exactly what was consulted.
type AssembledContext struct {
	Prompt    string
	ItemIDs   []uint // store rows consulted; retained after a successful run
	Snapshots models.SourceSnapshots
}

// Strategy gathers generation context for one deliverable config.
type Strategy interface {
	Binding() models.Binding
	Gather(ctx context.Context, cfg *models.DeliverableConfig) (*AssembledContext, error)
}

// Options bound how much content a gather may assemble.
type Options struct {
	Lookback time.Duration
	MaxItems int
}

// Registry is the closed set of execution strategies, keyed by the
// config's declared binding. New strategies are added by registering a new
// binding here, not by subclassing anything.
type Registry struct {
	strategies map[models.Binding]Strategy
	logger     *zap.Logger
}

func NewRegistry(contentStore *store.ContentStore, search SearchProvider, opts Options, logger *zap.Logger) *Registry {
	single := &SinglePlatformStrategy{store: contentStore, opts: opts, logger: logger}
	cross := &CrossPlatformStrategy{store: contentStore, opts: opts, logger: logger}
	research := &ResearchStrategy{search: search, opts: opts, logger: logger}

	r := &Registry{
		strategies: make(map[models.Binding]Strategy),
		logger:     logger,
	}
	for _, s := range []Strategy{
		single,
		cross,
		research,
		&HybridStrategy{platforms: cross, research: research, logger: logger},
	} {
		r.strategies[s.Binding()] = s
	}
	return r
}

// Select returns the strategy for a binding.
func (r *Registry) Select(binding models.Binding) (Strategy, error) {
	s, ok := r.strategies[binding]
	if !ok {
		return nil, fmt.Errorf("no strategy for binding %s", binding)
	}
	return s, nil
}

func renderItems(b *strings.Builder, resourceName string, items []models.ContentItem) {
	fmt.Fprintf(b, "## %s\n\n", resourceName)
	for _, item := range items {
		fmt.Fprintf(b, "[%s] %s\n\n", item.FetchedAt.Format("2006-01-02 15:04"), item.Content)
	}
}

func snapshotOf(src models.SourceRef, items []models.ContentItem) models.SourceSnapshot {
	snap := models.SourceSnapshot{
		Platform:     src.Platform,
		ResourceID:   src.ResourceID,
		ResourceName: src.ResourceName,
		ItemCount:    len(items),
	}
	for _, item := range items {
		if item.FetchedAt.After(snap.SyncedAt) {
			snap.SyncedAt = item.FetchedAt
		}
	}
	return snap
}
