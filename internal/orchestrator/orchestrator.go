package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/yarnnn/yarnnn/internal/generation"
	"github.com/yarnnn/yarnnn/internal/models"
	"github.com/yarnnn/yarnnn/internal/store"
	"github.com/yarnnn/yarnnn/internal/strategy"
)

// Deliverer exports an approved version to its configured destination.
// Delivery is an external collaborator; implementations live elsewhere.
type Deliverer interface {
	Deliver(ctx context.Context, version *models.DeliverableVersion, destination string) error
}

// Config bounds orchestrator runs.
type Config struct {
	GenerationTimeout time.Duration
	StuckAfter        time.Duration
}

// RunOutcome reports what a single run did.
type RunOutcome struct {
	Skipped bool
	Failed  bool
	Reason  string
	Version *models.DeliverableVersion
}

// Orchestrator turns due DeliverableConfigs into DeliverableVersions. It is
// a stateless poll loop over the persisted next_run_at column: the only
// shared state is the database, so restarts need no coordination. Within
// one process a per-config in-flight map keeps overlapping ticks from
// generating twice; across processes the generating claim row does.
type Orchestrator struct {
	db        *gorm.DB
	store     *store.ContentStore
	registry  *strategy.Registry
	generator generation.Generator
	deliverer Deliverer
	logger    *zap.Logger
	cfg       Config

	mu       sync.Mutex
	inflight map[uint]struct{}
}

func NewOrchestrator(db *gorm.DB, contentStore *store.ContentStore, registry *strategy.Registry,
	generator generation.Generator, deliverer Deliverer, cfg Config, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		db:        db,
		store:     contentStore,
		registry:  registry,
		generator: generator,
		deliverer: deliverer,
		logger:    logger,
		cfg:       cfg,
		inflight:  make(map[uint]struct{}),
	}
}

// Tick scans for due configs and dispatches each as an independent run.
// The tick itself never blocks on gathering or generation; run order
// across configs is not significant.
func (o *Orchestrator) Tick(ctx context.Context) int {
	now := time.Now()
	var due []models.DeliverableConfig
	err := o.db.WithContext(ctx).
		Where("status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", models.ConfigActive, now).
		Find(&due).Error
	if err != nil {
		o.logger.Error("Failed to scan for due configs", zap.Error(err))
		return 0
	}

	for i := range due {
		cfg := due[i]
		go func() {
			outcome, err := o.Run(ctx, cfg.ID)
			if err != nil {
				o.logger.Error("Deliverable run errored",
					zap.Uint("config_id", cfg.ID), zap.Error(err))
				return
			}
			if outcome.Skipped {
				o.logger.Info("Deliverable run skipped",
					zap.Uint("config_id", cfg.ID), zap.String("reason", outcome.Reason))
			}
		}()
	}
	return len(due)
}

// Run executes one generation cycle for a config. Concurrent runs for the
// same config are absorbed by the in-flight guard, never duplicated.
func (o *Orchestrator) Run(ctx context.Context, configID uint) (*RunOutcome, error) {
	if !o.begin(configID) {
		return &RunOutcome{Skipped: true, Reason: "run already in flight"}, nil
	}
	defer o.end(configID)

	var cfg models.DeliverableConfig
	if err := o.db.WithContext(ctx).First(&cfg, configID).Error; err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Status != models.ConfigActive {
		return &RunOutcome{Skipped: true, Reason: "config is not active"}, nil
	}

	if claimed, err := o.claimedElsewhere(ctx, &cfg); err != nil {
		return nil, err
	} else if claimed {
		return &RunOutcome{Skipped: true, Reason: "previous run still generating"}, nil
	}

	fresh, err := o.hasNewContent(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	if !fresh {
		if err := o.advanceSchedule(ctx, &cfg, ""); err != nil {
			return nil, err
		}
		return &RunOutcome{Skipped: true, Reason: "no new content since last version"}, nil
	}

	strat, err := o.registry.Select(cfg.Binding)
	if err != nil {
		return o.failRun(ctx, &cfg, nil, err)
	}

	assembled, err := strat.Gather(ctx, &cfg)
	if err != nil {
		return o.failRun(ctx, &cfg, nil, fmt.Errorf("gathering failed: %w", err))
	}

	version, err := o.claimVersion(ctx, &cfg, assembled.Snapshots)
	if err != nil {
		return nil, err
	}

	genCtx, cancel := context.WithTimeout(ctx, o.cfg.GenerationTimeout)
	draft, err := o.generator.Generate(genCtx, generation.Request{
		Prompt:   assembled.Prompt,
		Template: cfg.Template,
	})
	cancel()
	if err != nil {
		return o.failRun(ctx, &cfg, version, fmt.Errorf("generation failed: %w", err))
	}

	now := time.Now()
	err = o.db.WithContext(ctx).Model(version).Updates(map[string]interface{}{
		"status":        models.VersionStaged,
		"draft_content": draft,
		"generated_at":  &now,
	}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to stage version: %w", err)
	}
	version.Status = models.VersionStaged
	version.DraftContent = draft
	version.GeneratedAt = &now

	// The content this run actually used earns its permanence.
	ref := fmt.Sprintf("version:%d", version.ID)
	for _, itemID := range assembled.ItemIDs {
		if rerr := o.store.MarkRetained(ctx, itemID, models.RetainedDeliverable, ref); rerr != nil {
			o.logger.Warn("Failed to retain consulted item",
				zap.Uint("item_id", itemID), zap.Error(rerr))
		}
	}

	if cfg.Governance == models.GovernanceFullAuto {
		if approved, aerr := o.Approve(ctx, version.ID, nil); aerr != nil {
			o.logger.Error("Auto-approve failed, version stays staged for review",
				zap.Uint("version_id", version.ID), zap.Error(aerr))
		} else {
			*version = *approved
			if derr := o.deliver(ctx, version, cfg.Destination); derr != nil {
				o.logger.Error("Auto-publish delivery failed, version stays approved",
					zap.Uint("version_id", version.ID), zap.Error(derr))
			}
		}
	}

	if err := o.advanceSchedule(ctx, &cfg, ""); err != nil {
		return nil, err
	}

	o.logger.Info("Deliverable version generated",
		zap.Uint("config_id", cfg.ID),
		zap.Uint("version_id", version.ID),
		zap.Int("version_number", version.VersionNumber))

	return &RunOutcome{Version: version}, nil
}

// Approve moves a staged version to approved. An edited body sets
// final_content exactly once; approving without edits leaves it nil and
// the draft stands.
func (o *Orchestrator) Approve(ctx context.Context, versionID uint, finalContent *string) (*models.DeliverableVersion, error) {
	now := time.Now()
	updates := map[string]interface{}{
		"status":      models.VersionApproved,
		"approved_at": &now,
	}
	if finalContent != nil {
		updates["final_content"] = *finalContent
	}

	// Status-guarded so two racing approvals cannot both land; only the
	// one that flips staged->approved may set final_content.
	result := o.db.WithContext(ctx).Model(&models.DeliverableVersion{}).
		Where("id = ? AND status = ?", versionID, models.VersionStaged).
		Updates(updates)
	if result.Error != nil {
		return nil, result.Error
	}

	var version models.DeliverableVersion
	if err := o.db.WithContext(ctx).First(&version, versionID).Error; err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("version %d is %s, only staged versions can be approved", versionID, version.Status)
	}
	return &version, nil
}

// Reject marks a staged version rejected.
func (o *Orchestrator) Reject(ctx context.Context, versionID uint) error {
	result := o.db.WithContext(ctx).Model(&models.DeliverableVersion{}).
		Where("id = ? AND status = ?", versionID, models.VersionStaged).
		Update("status", models.VersionRejected)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("version %d is not staged", versionID)
	}
	return nil
}

// Publish delivers an approved version to its config's destination.
func (o *Orchestrator) Publish(ctx context.Context, versionID uint) error {
	var version models.DeliverableVersion
	if err := o.db.WithContext(ctx).Preload("Config").First(&version, versionID).Error; err != nil {
		return err
	}
	if version.Status != models.VersionApproved {
		return fmt.Errorf("version %d is %s, only approved versions can be published", versionID, version.Status)
	}
	return o.deliver(ctx, &version, version.Config.Destination)
}

func (o *Orchestrator) begin(configID uint) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, running := o.inflight[configID]; running {
		return false
	}
	o.inflight[configID] = struct{}{}
	return true
}

func (o *Orchestrator) end(configID uint) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, configID)
}

// claimedElsewhere checks for a generating claim row left by another
// process. A recent claim means the run is still going; a stale one is an
// operational hazard and gets reaped so it cannot block future cycles.
func (o *Orchestrator) claimedElsewhere(ctx context.Context, cfg *models.DeliverableConfig) (bool, error) {
	var claim models.DeliverableVersion
	err := o.db.WithContext(ctx).
		Where("config_id = ? AND status = ?", cfg.ID, models.VersionGenerating).
		Order("created_at DESC").
		First(&claim).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if time.Since(claim.CreatedAt) < o.cfg.StuckAfter {
		return true, nil
	}

	o.logger.Warn("Reaping stuck generating claim",
		zap.Uint("config_id", cfg.ID), zap.Uint("version_id", claim.ID))
	if derr := o.db.WithContext(ctx).Delete(&claim).Error; derr != nil {
		return false, derr
	}
	if uerr := o.db.WithContext(ctx).Model(cfg).
		Update("last_run_error", "previous run timed out").Error; uerr != nil {
		o.logger.Error("Failed to record stuck run", zap.Error(uerr))
	}
	return false, nil
}

// hasNewContent is the freshness gate: skip the cycle when nothing has
// been synced for the config's sources since the last generated version.
// Configs without platform sources (pure research) are always fresh.
func (o *Orchestrator) hasNewContent(ctx context.Context, cfg *models.DeliverableConfig) (bool, error) {
	if len(cfg.Sources) == 0 {
		return true, nil
	}

	var last models.DeliverableVersion
	err := o.db.WithContext(ctx).
		Where("config_id = ? AND status <> ?", cfg.ID, models.VersionGenerating).
		Order("version_number DESC").
		First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	latest, err := o.store.LatestFetched(ctx, cfg.UserID, cfg.Sources)
	if err != nil {
		return false, err
	}

	var prevMax time.Time
	for _, snap := range last.SourceSnapshots {
		if snap.SyncedAt.After(prevMax) {
			prevMax = snap.SyncedAt
		}
	}
	return latest.After(prevMax), nil
}

// claimVersion creates the generating row. Snapshots are written once here
// and never touched again: they are the provenance record even after the
// underlying items expire.
func (o *Orchestrator) claimVersion(ctx context.Context, cfg *models.DeliverableConfig, snapshots models.SourceSnapshots) (*models.DeliverableVersion, error) {
	var maxNumber int
	err := o.db.WithContext(ctx).Model(&models.DeliverableVersion{}).
		Where("config_id = ?", cfg.ID).
		Select("COALESCE(MAX(version_number), 0)").
		Scan(&maxNumber).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read version counter: %w", err)
	}

	version := &models.DeliverableVersion{
		ConfigID:        cfg.ID,
		VersionNumber:   maxNumber + 1,
		RunID:           uuid.NewString(),
		Status:          models.VersionGenerating,
		SourceSnapshots: snapshots,
	}
	if err := o.db.WithContext(ctx).Create(version).Error; err != nil {
		return nil, fmt.Errorf("failed to claim version: %w", err)
	}
	return version, nil
}

// failRun records the failure on the config where it is queryable, removes
// the claim row so no partial version survives, and advances the schedule.
// Retry is the next natural cycle, not an immediate storm.
func (o *Orchestrator) failRun(ctx context.Context, cfg *models.DeliverableConfig, claim *models.DeliverableVersion, runErr error) (*RunOutcome, error) {
	if claim != nil {
		if derr := o.db.WithContext(ctx).Delete(claim).Error; derr != nil {
			o.logger.Error("Failed to remove claim after failed run", zap.Error(derr))
		}
	}
	if err := o.advanceSchedule(ctx, cfg, runErr.Error()); err != nil {
		return nil, err
	}
	o.logger.Error("Deliverable run failed",
		zap.Uint("config_id", cfg.ID), zap.Error(runErr))
	return &RunOutcome{Failed: true, Reason: runErr.Error()}, nil
}

func (o *Orchestrator) advanceSchedule(ctx context.Context, cfg *models.DeliverableConfig, runError string) error {
	now := time.Now()
	next, err := NextRun(cfg, now)
	if err != nil {
		return fmt.Errorf("failed to compute next run: %w", err)
	}
	return o.db.WithContext(ctx).Model(cfg).Updates(map[string]interface{}{
		"next_run_at":    &next,
		"last_run_at":    &now,
		"last_run_error": runError,
	}).Error
}

func (o *Orchestrator) deliver(ctx context.Context, version *models.DeliverableVersion, destination string) error {
	if o.deliverer == nil {
		return fmt.Errorf("no deliverer configured")
	}
	if err := o.deliverer.Deliver(ctx, version, destination); err != nil {
		return fmt.Errorf("delivery failed: %w", err)
	}

	now := time.Now()
	err := o.db.WithContext(ctx).Model(version).Updates(map[string]interface{}{
		"status":       models.VersionPublished,
		"published_at": &now,
	}).Error
	if err != nil {
		return err
	}
	version.Status = models.VersionPublished
	version.PublishedAt = &now
	return nil
}
