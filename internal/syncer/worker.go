package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/yarnnn/yarnnn/internal/connector"
	"github.com/yarnnn/yarnnn/internal/models"
	"github.com/yarnnn/yarnnn/internal/store"
)

// SyncResult summarizes one resource sync.
type SyncResult struct {
	Fetched   int
	Created   int
	Refreshed int
	Deferred  bool // rate-limited or backing off, retry next cycle
	Paused    bool // credential problem, waiting on the owner
}

// Worker keeps the content store populated with recent platform state. A
// resource is never synced concurrently with itself; independent resources
// sync in parallel and one resource's failure never blocks its siblings.
type Worker struct {
	db         *gorm.DB
	store      *store.ContentStore
	connectors map[models.Platform]connector.Connector
	logger     *zap.Logger

	group          singleflight.Group
	timeout        time.Duration
	defaultBackoff time.Duration
}

func NewWorker(db *gorm.DB, contentStore *store.ContentStore, connectors map[models.Platform]connector.Connector,
	timeout, defaultBackoff time.Duration, logger *zap.Logger) *Worker {
	return &Worker{
		db:             db,
		store:          contentStore,
		connectors:     connectors,
		logger:         logger,
		timeout:        timeout,
		defaultBackoff: defaultBackoff,
	}
}

// RegisterResource creates the cursor row for a newly connected resource.
// Registering an already-known resource is a no-op.
func (w *Worker) RegisterResource(ctx context.Context, userID string, platform models.Platform, resourceID, resourceName string) error {
	var existing models.SyncCursor
	err := w.db.WithContext(ctx).
		Where("user_id = ? AND platform = ? AND resource_id = ?", userID, platform, resourceID).
		First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	cur := models.SyncCursor{
		UserID:       userID,
		Platform:     platform,
		ResourceID:   resourceID,
		ResourceName: resourceName,
	}
	return w.db.WithContext(ctx).Create(&cur).Error
}

// SyncPlatform syncs every active resource of one platform. Errors are
// isolated per resource: they are logged and the batch continues.
func (w *Worker) SyncPlatform(ctx context.Context, platform models.Platform) {
	var cursors []models.SyncCursor
	err := w.db.WithContext(ctx).
		Where("platform = ? AND paused = ?", platform, false).
		Find(&cursors).Error
	if err != nil {
		w.logger.Error("Failed to list sync cursors",
			zap.String("platform", string(platform)), zap.Error(err))
		return
	}

	for i := range cursors {
		cur := cursors[i]
		result, err := w.SyncResource(ctx, &cur)
		if err != nil {
			w.logger.Error("Resource sync failed",
				zap.String("platform", string(platform)),
				zap.String("resource", cur.ResourceID),
				zap.Error(err))
			continue
		}
		if result.Deferred || result.Paused {
			continue
		}
		w.logger.Info("Resource synced",
			zap.String("platform", string(platform)),
			zap.String("resource", cur.ResourceID),
			zap.Int("fetched", result.Fetched),
			zap.Int("created", result.Created))
	}
}

// SyncResource performs one incremental sync of a single resource. The
// cursor only advances after the whole batch is confirmed, so a retried
// sync may re-upsert items the store has already seen. That is safe:
// upsert is idempotent on the dedup key.
func (w *Worker) SyncResource(ctx context.Context, cur *models.SyncCursor) (*SyncResult, error) {
	key := fmt.Sprintf("%s/%s/%s", cur.UserID, cur.Platform, cur.ResourceID)
	v, err, _ := w.group.Do(key, func() (interface{}, error) {
		return w.syncResource(ctx, cur)
	})
	if err != nil {
		return nil, err
	}
	return v.(*SyncResult), nil
}

func (w *Worker) syncResource(ctx context.Context, cur *models.SyncCursor) (*SyncResult, error) {
	now := time.Now()
	if cur.Paused {
		return &SyncResult{Paused: true}, nil
	}
	if cur.BackoffUntil != nil && cur.BackoffUntil.After(now) {
		return &SyncResult{Deferred: true}, nil
	}

	conn, ok := w.connectors[cur.Platform]
	if !ok {
		return nil, fmt.Errorf("no connector for platform %s", cur.Platform)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	items, nextCursor, err := conn.FetchSince(fetchCtx, cur.ResourceID, cur.Cursor)
	if err != nil {
		return w.handleFetchError(ctx, cur, err)
	}

	result := &SyncResult{Fetched: len(items)}
	for _, raw := range items {
		item := &models.ContentItem{
			UserID:       cur.UserID,
			Platform:     cur.Platform,
			ResourceID:   cur.ResourceID,
			ResourceName: resourceName(cur, raw),
			ItemID:       raw.ItemID,
			Content:      raw.Content,
			ContentType:  raw.ContentType,
			ContentHash:  store.HashContent(raw.Content),
			FetchedAt:    now,
		}

		upserted, err := w.store.Upsert(ctx, item)
		if err != nil {
			// Do not advance the cursor past the last confirmed item; the
			// next cycle re-fetches from the old position.
			w.recordFailure(ctx, cur, err)
			return nil, fmt.Errorf("upsert failed mid-batch: %w", err)
		}
		if upserted.Created {
			result.Created++
		}
		if upserted.Refreshed {
			result.Refreshed++
		}
	}

	syncedAt := now
	updates := map[string]interface{}{
		"cursor":         nextCursor,
		"last_synced_at": &syncedAt,
		"failure_count":  0,
		"backoff_until":  nil,
	}
	if err := w.db.WithContext(ctx).Model(cur).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to advance cursor: %w", err)
	}
	cur.Cursor = nextCursor
	cur.LastSyncedAt = &syncedAt

	return result, nil
}

func (w *Worker) handleFetchError(ctx context.Context, cur *models.SyncCursor, err error) (*SyncResult, error) {
	var rateLimited *connector.RateLimitError
	if errors.As(err, &rateLimited) {
		backoff := rateLimited.RetryAfter
		if backoff <= 0 {
			backoff = w.defaultBackoff
		}
		until := time.Now().Add(backoff)
		if uerr := w.db.WithContext(ctx).Model(cur).Updates(map[string]interface{}{
			"backoff_until": &until,
			"failure_count": gorm.Expr("failure_count + 1"),
		}).Error; uerr != nil {
			w.logger.Error("Failed to record backoff", zap.Error(uerr))
		}
		w.logger.Warn("Rate limited, deferring resource",
			zap.String("platform", string(cur.Platform)),
			zap.String("resource", cur.ResourceID),
			zap.Duration("backoff", backoff))
		return &SyncResult{Deferred: true}, nil
	}

	var authErr *connector.AuthError
	if errors.As(err, &authErr) {
		if uerr := w.db.WithContext(ctx).Model(cur).Updates(map[string]interface{}{
			"paused":        true,
			"paused_reason": authErr.Reason,
		}).Error; uerr != nil {
			w.logger.Error("Failed to pause resource", zap.Error(uerr))
		}
		w.logger.Warn("Credential failure, pausing resource",
			zap.String("platform", string(cur.Platform)),
			zap.String("resource", cur.ResourceID),
			zap.String("reason", authErr.Reason))
		return &SyncResult{Paused: true}, nil
	}

	w.recordFailure(ctx, cur, err)
	return nil, err
}

func (w *Worker) recordFailure(ctx context.Context, cur *models.SyncCursor, err error) {
	w.logger.Debug("Recording sync failure",
		zap.String("resource", cur.ResourceID), zap.Error(err))
	// Bookkeeping only; a failed audit write never masks the sync error.
	if uerr := w.db.WithContext(ctx).Model(cur).
		Update("failure_count", gorm.Expr("failure_count + 1")).Error; uerr != nil {
		w.logger.Error("Failed to record sync failure", zap.Error(uerr))
	}
}

func resourceName(cur *models.SyncCursor, raw connector.RawItem) string {
	if raw.ResourceName != "" {
		return raw.ResourceName
	}
	return cur.ResourceName
}
