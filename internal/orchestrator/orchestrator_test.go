package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/yarnnn/yarnnn/internal/generation"
	"github.com/yarnnn/yarnnn/internal/models"
	"github.com/yarnnn/yarnnn/internal/store"
	"github.com/yarnnn/yarnnn/internal/strategy"
)

type fakeGenerator struct {
	mu     sync.Mutex
	output string
	err    error
	block  chan struct{} // when set, Generate waits until closed
	calls  int
}

func (f *fakeGenerator) Generate(ctx context.Context, _ generation.Request) (string, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.output, nil
}

type fakeDeliverer struct {
	mu        sync.Mutex
	delivered []uint
	err       error
}

func (f *fakeDeliverer) Deliver(_ context.Context, version *models.DeliverableVersion, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.delivered = append(f.delivered, version.ID)
	return nil
}

type fixture struct {
	db        *gorm.DB
	store     *store.ContentStore
	orch      *Orchestrator
	generator *fakeGenerator
	deliverer *fakeDeliverer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.ContentItem{},
		&models.DeliverableConfig{},
		&models.DeliverableVersion{},
	))

	contentStore := store.NewContentStore(db, store.TTLTable{}, 7*24*time.Hour, nil, zap.NewNop())
	registry := strategy.NewRegistry(contentStore, nil,
		strategy.Options{Lookback: 7 * 24 * time.Hour, MaxItems: 50}, zap.NewNop())
	generator := &fakeGenerator{output: "generated digest"}
	deliverer := &fakeDeliverer{}

	orch := NewOrchestrator(db, contentStore, registry, generator, deliverer,
		Config{GenerationTimeout: 5 * time.Second, StuckAfter: 30 * time.Minute}, zap.NewNop())

	return &fixture{db: db, store: contentStore, orch: orch, generator: generator, deliverer: deliverer}
}

func (f *fixture) createConfig(t *testing.T, governance models.Governance) *models.DeliverableConfig {
	t.Helper()
	next := time.Now().Add(-time.Minute)
	cfg := &models.DeliverableConfig{
		UserID:     "u1",
		Title:      "Weekly Digest",
		Binding:    models.BindingSinglePlatform,
		Sources:    models.SourceRefs{{Platform: models.PlatformSlack, ResourceID: "C123", ResourceName: "#general"}},
		Frequency:  models.FrequencyDaily,
		AnchorTime: "09:00",
		Governance: governance,
		Status:     models.ConfigActive,
		NextRunAt:  &next,
	}
	require.NoError(t, f.db.Create(cfg).Error)
	return cfg
}

func (f *fixture) seedContent(t *testing.T, itemID, content string, fetchedAt time.Time) uint {
	t.Helper()
	result, err := f.store.Upsert(context.Background(), &models.ContentItem{
		UserID:      "u1",
		Platform:    models.PlatformSlack,
		ResourceID:  "C123",
		ItemID:      itemID,
		Content:     content,
		ContentType: models.ContentTypeMessage,
		FetchedAt:   fetchedAt,
	})
	require.NoError(t, err)
	return result.Item.ID
}

func (f *fixture) versionCount(t *testing.T, configID uint) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(&models.DeliverableVersion{}).
		Where("config_id = ?", configID).Count(&count).Error)
	return count
}

func TestRunGeneratesStagedVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.createConfig(t, models.GovernanceManual)
	itemID := f.seedContent(t, "m1", "standup notes", time.Now())

	outcome, err := f.orch.Run(ctx, cfg.ID)
	require.NoError(t, err)
	require.NotNil(t, outcome.Version)
	assert.False(t, outcome.Skipped)

	var version models.DeliverableVersion
	require.NoError(t, f.db.First(&version, outcome.Version.ID).Error)
	assert.Equal(t, models.VersionStaged, version.Status)
	assert.Equal(t, 1, version.VersionNumber)
	assert.NotEmpty(t, version.RunID)
	assert.Equal(t, "generated digest", version.DraftContent)
	assert.Nil(t, version.FinalContent)
	require.NotNil(t, version.GeneratedAt)
	require.Len(t, version.SourceSnapshots, 1)
	assert.Equal(t, 1, version.SourceSnapshots[0].ItemCount)

	// Consulted content became permanent, tied to the version.
	var item models.ContentItem
	require.NoError(t, f.db.First(&item, itemID).Error)
	assert.True(t, item.Retained)
	assert.Equal(t, models.RetainedDeliverable, item.RetainedReason)

	// Manual governance stops at staged.
	assert.Empty(t, f.deliverer.delivered)

	// Schedule moved forward.
	var reloaded models.DeliverableConfig
	require.NoError(t, f.db.First(&reloaded, cfg.ID).Error)
	require.NotNil(t, reloaded.NextRunAt)
	assert.True(t, reloaded.NextRunAt.After(time.Now()))
	assert.NotNil(t, reloaded.LastRunAt)
}

func TestFreshnessGateSkipsStaleCycles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.createConfig(t, models.GovernanceManual)
	f.seedContent(t, "m1", "only item", time.Now())

	outcome, err := f.orch.Run(ctx, cfg.ID)
	require.NoError(t, err)
	require.NotNil(t, outcome.Version)

	// Nothing new synced since: the next cycle produces no version.
	outcome, err = f.orch.Run(ctx, cfg.ID)
	require.NoError(t, err)
	assert.True(t, outcome.Skipped)
	assert.Equal(t, int64(1), f.versionCount(t, cfg.ID))

	// The skip still advanced the schedule.
	var reloaded models.DeliverableConfig
	require.NoError(t, f.db.First(&reloaded, cfg.ID).Error)
	assert.True(t, reloaded.NextRunAt.After(time.Now()))

	// New content reopens the gate.
	f.seedContent(t, "m2", "fresh item", time.Now().Add(time.Second))
	outcome, err = f.orch.Run(ctx, cfg.ID)
	require.NoError(t, err)
	require.NotNil(t, outcome.Version)
	assert.Equal(t, 2, outcome.Version.VersionNumber)
}

func TestProvenanceSurvivesContentExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.createConfig(t, models.GovernanceManual)
	f.seedContent(t, "m1", "will be deleted", time.Now())
	f.seedContent(t, "m2", "also deleted", time.Now())

	outcome, err := f.orch.Run(ctx, cfg.ID)
	require.NoError(t, err)
	require.NotNil(t, outcome.Version)
	require.Len(t, outcome.Version.SourceSnapshots, 1)
	want := outcome.Version.SourceSnapshots[0]

	// Force the consulted rows out from under the version.
	require.NoError(t, f.db.Where("1 = 1").Delete(&models.ContentItem{}).Error)

	var version models.DeliverableVersion
	require.NoError(t, f.db.First(&version, outcome.Version.ID).Error)
	require.Len(t, version.SourceSnapshots, 1)
	got := version.SourceSnapshots[0]
	assert.Equal(t, want.Platform, got.Platform)
	assert.Equal(t, want.ResourceID, got.ResourceID)
	assert.Equal(t, 2, got.ItemCount)
	assert.Equal(t, want.SyncedAt.Unix(), got.SyncedAt.Unix())
	assert.Equal(t, "generated digest", version.DraftContent)
}

func TestConcurrentRunsProduceOneVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.createConfig(t, models.GovernanceManual)
	f.seedContent(t, "m1", "content", time.Now())

	f.generator.block = make(chan struct{})

	var wg sync.WaitGroup
	outcomes := make([]*RunOutcome, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = f.orch.Run(ctx, cfg.ID)
		}(i)
	}

	// Let the first run claim, then release generation for everyone.
	time.Sleep(100 * time.Millisecond)
	close(f.generator.block)
	wg.Wait()

	generated, skipped := 0, 0
	for i, outcome := range outcomes {
		require.NoError(t, errs[i])
		if outcome.Skipped {
			skipped++
		} else {
			generated++
		}
	}
	assert.Equal(t, 1, generated)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, int64(1), f.versionCount(t, cfg.ID))
}

func TestStuckClaimIsReaped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.createConfig(t, models.GovernanceManual)
	f.seedContent(t, "m1", "content", time.Now())

	// A claim row from a run that died an hour ago.
	stale := &models.DeliverableVersion{
		ConfigID:      cfg.ID,
		VersionNumber: 1,
		RunID:         "dead-run",
		Status:        models.VersionGenerating,
	}
	require.NoError(t, f.db.Create(stale).Error)
	require.NoError(t, f.db.Model(stale).
		Update("created_at", time.Now().Add(-time.Hour)).Error)

	outcome, err := f.orch.Run(ctx, cfg.ID)
	require.NoError(t, err)
	require.NotNil(t, outcome.Version)

	var claims int64
	require.NoError(t, f.db.Model(&models.DeliverableVersion{}).
		Where("status = ?", models.VersionGenerating).Count(&claims).Error)
	assert.Equal(t, int64(0), claims)
}

func TestRecentClaimBlocksNewRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.createConfig(t, models.GovernanceManual)
	f.seedContent(t, "m1", "content", time.Now())

	claim := &models.DeliverableVersion{
		ConfigID:      cfg.ID,
		VersionNumber: 1,
		RunID:         "live-run",
		Status:        models.VersionGenerating,
	}
	require.NoError(t, f.db.Create(claim).Error)

	outcome, err := f.orch.Run(ctx, cfg.ID)
	require.NoError(t, err)
	assert.True(t, outcome.Skipped)
	assert.Equal(t, int64(1), f.versionCount(t, cfg.ID))
}

func TestFailedGenerationLeavesNoVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.createConfig(t, models.GovernanceManual)
	f.seedContent(t, "m1", "content", time.Now())

	f.generator.err = errors.New("model unavailable")

	outcome, err := f.orch.Run(ctx, cfg.ID)
	require.NoError(t, err)
	assert.True(t, outcome.Failed)
	assert.Equal(t, int64(0), f.versionCount(t, cfg.ID))

	var reloaded models.DeliverableConfig
	require.NoError(t, f.db.First(&reloaded, cfg.ID).Error)
	assert.Contains(t, reloaded.LastRunError, "model unavailable")
	assert.True(t, reloaded.NextRunAt.After(time.Now()))
}

func TestFullAutoPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.createConfig(t, models.GovernanceFullAuto)
	f.seedContent(t, "m1", "content", time.Now())

	outcome, err := f.orch.Run(ctx, cfg.ID)
	require.NoError(t, err)
	require.NotNil(t, outcome.Version)

	var version models.DeliverableVersion
	require.NoError(t, f.db.First(&version, outcome.Version.ID).Error)
	assert.Equal(t, models.VersionPublished, version.Status)
	assert.NotNil(t, version.ApprovedAt)
	assert.NotNil(t, version.PublishedAt)
	assert.Equal(t, []uint{version.ID}, f.deliverer.delivered)
}

func TestFullAutoDeliveryFailureKeepsVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.createConfig(t, models.GovernanceFullAuto)
	f.seedContent(t, "m1", "content", time.Now())

	f.deliverer.err = errors.New("destination unreachable")

	outcome, err := f.orch.Run(ctx, cfg.ID)
	require.NoError(t, err)
	require.NotNil(t, outcome.Version)

	// Approval landed before delivery failed; the version waits approved,
	// not staged, and can be re-published once the destination recovers.
	var version models.DeliverableVersion
	require.NoError(t, f.db.First(&version, outcome.Version.ID).Error)
	assert.Equal(t, models.VersionApproved, version.Status)
	assert.NotNil(t, version.ApprovedAt)
	assert.Nil(t, version.PublishedAt)
	assert.Equal(t, "generated digest", version.DraftContent)

	f.deliverer.err = nil
	require.NoError(t, f.orch.Publish(ctx, version.ID))
	require.NoError(t, f.db.First(&version, version.ID).Error)
	assert.Equal(t, models.VersionPublished, version.Status)
}

func TestApproveSetsFinalContentExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.createConfig(t, models.GovernanceManual)
	f.seedContent(t, "m1", "content", time.Now())

	outcome, err := f.orch.Run(ctx, cfg.ID)
	require.NoError(t, err)
	versionID := outcome.Version.ID

	first := "first reviewer's text"
	approved, err := f.orch.Approve(ctx, versionID, &first)
	require.NoError(t, err)
	require.NotNil(t, approved.FinalContent)
	assert.Equal(t, first, *approved.FinalContent)

	// A second approval loses the status guard and cannot overwrite.
	second := "second reviewer's text"
	_, err = f.orch.Approve(ctx, versionID, &second)
	require.Error(t, err)

	var version models.DeliverableVersion
	require.NoError(t, f.db.First(&version, versionID).Error)
	assert.Equal(t, models.VersionApproved, version.Status)
	require.NotNil(t, version.FinalContent)
	assert.Equal(t, first, *version.FinalContent)
}

func TestApproveRejectLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.createConfig(t, models.GovernanceManual)
	f.seedContent(t, "m1", "content", time.Now())

	outcome, err := f.orch.Run(ctx, cfg.ID)
	require.NoError(t, err)
	versionID := outcome.Version.ID

	edited := "edited final text"
	approved, err := f.orch.Approve(ctx, versionID, &edited)
	require.NoError(t, err)
	assert.Equal(t, models.VersionApproved, approved.Status)
	require.NotNil(t, approved.FinalContent)
	assert.Equal(t, edited, *approved.FinalContent)

	// The draft keeps the generated text even after an edited approval.
	var version models.DeliverableVersion
	require.NoError(t, f.db.First(&version, versionID).Error)
	assert.Equal(t, "generated digest", version.DraftContent)

	// Approving twice is rejected, as is rejecting an approved version.
	_, err = f.orch.Approve(ctx, versionID, nil)
	assert.Error(t, err)
	assert.Error(t, f.orch.Reject(ctx, versionID))

	require.NoError(t, f.orch.Publish(ctx, versionID))
	require.NoError(t, f.db.First(&version, versionID).Error)
	assert.Equal(t, models.VersionPublished, version.Status)
}

func TestRejectStagedVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := f.createConfig(t, models.GovernanceManual)
	f.seedContent(t, "m1", "content", time.Now())

	outcome, err := f.orch.Run(ctx, cfg.ID)
	require.NoError(t, err)

	require.NoError(t, f.orch.Reject(ctx, outcome.Version.ID))

	var version models.DeliverableVersion
	require.NoError(t, f.db.First(&version, outcome.Version.ID).Error)
	assert.Equal(t, models.VersionRejected, version.Status)

	// A rejected version cannot be published.
	assert.Error(t, f.orch.Publish(ctx, version.ID))
}

func TestTickDispatchesDueConfigs(t *testing.T) {
	f := newFixture(t)
	cfg := f.createConfig(t, models.GovernanceManual)
	f.seedContent(t, "m1", "content", time.Now())

	// A config scheduled in the future is not due.
	future := time.Now().Add(time.Hour)
	notDue := f.createConfig(t, models.GovernanceManual)
	require.NoError(t, f.db.Model(notDue).Update("next_run_at", &future).Error)

	// A paused config is never due.
	paused := f.createConfig(t, models.GovernanceManual)
	require.NoError(t, f.db.Model(paused).Update("status", models.ConfigPaused).Error)

	dispatched := f.orch.Tick(context.Background())
	assert.Equal(t, 1, dispatched)

	// The dispatched run happens on a goroutine; wait for its version.
	require.Eventually(t, func() bool {
		var count int64
		f.db.Model(&models.DeliverableVersion{}).
			Where("config_id = ?", cfg.ID).Count(&count)
		return count == 1
	}, 5*time.Second, 20*time.Millisecond)
}
