package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/yarnnn/yarnnn/internal/config"
	"github.com/yarnnn/yarnnn/internal/models"
	"github.com/yarnnn/yarnnn/internal/orchestrator"
	"github.com/yarnnn/yarnnn/internal/store"
	"github.com/yarnnn/yarnnn/internal/syncer"
)

// Scheduler owns the periodic work: sync jobs on their cadence tiers, the
// hourly expiry sweep, and the orchestrator tick. Jobs are coarse-grained
// and poll-driven; latency of minutes is expected.
type Scheduler struct {
	config    *config.Config
	logger    *zap.Logger
	worker    *syncer.Worker
	store     *store.ContentStore
	orch      *orchestrator.Orchestrator
	cron      *cron.Cron
	ctx       context.Context
	cancelCtx context.CancelFunc
}

func NewScheduler(cfg *config.Config, logger *zap.Logger, worker *syncer.Worker,
	contentStore *store.ContentStore, orch *orchestrator.Orchestrator) *Scheduler {
	return &Scheduler{
		config: cfg,
		logger: logger,
		worker: worker,
		store:  contentStore,
		orch:   orch,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if !s.config.Orchestrator.Enabled {
		s.logger.Info("Scheduler is disabled")
		return nil
	}

	s.ctx, s.cancelCtx = context.WithCancel(ctx)
	s.cron = cron.New(cron.WithLocation(time.UTC))

	syncTiers := map[models.Platform]string{
		models.PlatformSlack:    s.config.Sync.SlackEvery,
		models.PlatformGmail:    s.config.Sync.GmailEvery,
		models.PlatformNotion:   s.config.Sync.NotionEvery,
		models.PlatformCalendar: s.config.Sync.CalendarEvery,
	}
	for platform, every := range syncTiers {
		platform := platform
		spec := "@every " + every
		if _, err := s.cron.AddFunc(spec, func() { s.runSync(platform) }); err != nil {
			return fmt.Errorf("failed to schedule %s sync: %w", platform, err)
		}
		s.logger.Info("Sync job scheduled",
			zap.String("platform", string(platform)), zap.String("every", every))
	}

	if _, err := s.cron.AddFunc("@every "+s.config.Retention.SweepEvery, s.runSweep); err != nil {
		return fmt.Errorf("failed to schedule expiry sweep: %w", err)
	}
	if _, err := s.cron.AddFunc("@every "+s.config.Orchestrator.TickEvery, s.runTick); err != nil {
		return fmt.Errorf("failed to schedule orchestrator tick: %w", err)
	}

	s.logger.Info("Starting scheduler",
		zap.String("sweep_every", s.config.Retention.SweepEvery),
		zap.String("tick_every", s.config.Orchestrator.TickEvery))
	s.cron.Start()

	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
	}
	if s.cancelCtx != nil {
		s.cancelCtx()
	}
	s.logger.Info("Scheduler shutdown completed")
}

func (s *Scheduler) runSync(platform models.Platform) {
	start := time.Now()
	s.worker.SyncPlatform(s.ctx, platform)
	s.logger.Debug("Sync pass completed",
		zap.String("platform", string(platform)),
		zap.Duration("duration", time.Since(start)))
}

func (s *Scheduler) runSweep() {
	deleted, err := s.store.ExpireSweep(s.ctx, time.Now())
	if err != nil {
		s.logger.Error("Expiry sweep failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		s.logger.Info("Expiry sweep completed", zap.Int64("deleted", deleted))
	}
}

func (s *Scheduler) runTick() {
	dispatched := s.orch.Tick(s.ctx)
	if dispatched > 0 {
		s.logger.Info("Orchestrator tick dispatched runs", zap.Int("count", dispatched))
	}
}
