package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/yarnnn/yarnnn/internal/config"
	"github.com/yarnnn/yarnnn/internal/models"
	"github.com/yarnnn/yarnnn/internal/semantic"
)

// TTLTable maps each platform to the ephemeral lifetime of its content.
type TTLTable map[models.Platform]time.Duration

// NewTTLTable builds the lookup table from configuration.
func NewTTLTable(cfg *config.RetentionConfig) TTLTable {
	return TTLTable{
		models.PlatformSlack:    config.Duration(cfg.SlackTTL, 7*24*time.Hour),
		models.PlatformGmail:    config.Duration(cfg.GmailTTL, 30*24*time.Hour),
		models.PlatformNotion:   config.Duration(cfg.NotionTTL, 30*24*time.Hour),
		models.PlatformCalendar: config.Duration(cfg.CalendarTTL, 2*24*time.Hour),
	}
}

// TTL returns the platform lifetime, or the default for unknown platforms.
func (t TTLTable) TTL(platform models.Platform, fallback time.Duration) time.Duration {
	if ttl, ok := t[platform]; ok {
		return ttl
	}
	return fallback
}

// UpsertResult reports what an upsert did to the store.
type UpsertResult struct {
	Item      *models.ContentItem
	Created   bool // new row inserted
	Refreshed bool // identical content already present, fetched_at bumped
}

// QueryFilter selects content items. Semantic, when set, ranks the result
// by embedding similarity instead of recency.
type QueryFilter struct {
	UserID     string
	Platform   models.Platform
	ResourceID string
	Since      time.Time
	Until      time.Time
	Retained   *bool
	Semantic   string
	Limit      int
}

// ContentStore is the single source of truth for synced content. It
// enforces the ephemeral/retained dichotomy: every row is written
// ephemeral, and only an explicit MarkRetained call exempts it from the
// expiry sweep.
type ContentStore struct {
	db         *gorm.DB
	ttl        TTLTable
	defaultTTL time.Duration
	index      *semantic.Index // nil when the semantic layer is disabled
	logger     *zap.Logger
}

func NewContentStore(db *gorm.DB, ttl TTLTable, defaultTTL time.Duration, index *semantic.Index, logger *zap.Logger) *ContentStore {
	return &ContentStore{
		db:         db,
		ttl:        ttl,
		defaultTTL: defaultTTL,
		index:      index,
		logger:     logger,
	}
}

// HashContent computes the dedup hash of an item's content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Upsert writes one item. Identical content for the same dedup key only
// refreshes fetched_at; changed content gets a new hash-distinct row so
// history is preserved. Rows are always written ephemeral regardless of
// caller: retention is a separate, explicit act.
func (s *ContentStore) Upsert(ctx context.Context, item *models.ContentItem) (*UpsertResult, error) {
	if item.ContentHash == "" {
		item.ContentHash = HashContent(item.Content)
	}
	if item.FetchedAt.IsZero() {
		item.FetchedAt = time.Now()
	}

	var existing models.ContentItem
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND platform = ? AND resource_id = ? AND item_id = ? AND content_hash = ?",
			item.UserID, item.Platform, item.ResourceID, item.ItemID, item.ContentHash).
		First(&existing).Error

	if err == nil {
		if uerr := s.db.WithContext(ctx).Model(&existing).
			Update("fetched_at", item.FetchedAt).Error; uerr != nil {
			return nil, uerr
		}
		existing.FetchedAt = item.FetchedAt
		return &UpsertResult{Item: &existing, Refreshed: true}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	expiresAt := item.FetchedAt.Add(s.ttl.TTL(item.Platform, s.defaultTTL))
	item.Retained = false
	item.RetainedReason = models.RetainedNone
	item.RetainedRef = ""
	item.ExpiresAt = &expiresAt

	if err := s.db.WithContext(ctx).Create(item).Error; err != nil {
		return nil, err
	}

	if s.index != nil {
		// Best-effort: an index failure must not fail the write path.
		if ierr := s.index.Add(ctx, item); ierr != nil {
			s.logger.Warn("Failed to index content item",
				zap.Uint("item_id", item.ID), zap.Error(ierr))
		}
	}

	return &UpsertResult{Item: item, Created: true}, nil
}

// MarkRetained flips an item to permanent retention, recording who asked
// and why. Idempotent: an already-retained item keeps its original reason.
// A missing item is a no-op, not an error: the consumer may have raced
// the expiry sweep and that is tolerated.
func (s *ContentStore) MarkRetained(ctx context.Context, itemID uint, reason models.RetainedReason, ref string) error {
	result := s.db.WithContext(ctx).Model(&models.ContentItem{}).
		Where("id = ? AND retained = ?", itemID, false).
		Updates(map[string]interface{}{
			"retained":        true,
			"retained_reason": reason,
			"retained_ref":    ref,
			"expires_at":      nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		s.logger.Debug("MarkRetained was a no-op",
			zap.Uint("item_id", itemID), zap.String("reason", string(reason)))
	}
	return nil
}

// Query reads items by exact filters, optionally ranked by embedding
// similarity. Reading never mutates retention state.
func (s *ContentStore) Query(ctx context.Context, filter QueryFilter) ([]models.ContentItem, error) {
	limit := filter.Limit
	if limit == 0 {
		limit = 100
	}

	if filter.Semantic != "" && s.index != nil {
		return s.querySemantic(ctx, filter, limit)
	}

	q := s.db.WithContext(ctx).Model(&models.ContentItem{})
	q = applyFilter(q, filter)

	var items []models.ContentItem
	if err := q.Order("fetched_at DESC").Limit(limit).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *ContentStore) querySemantic(ctx context.Context, filter QueryFilter, limit int) ([]models.ContentItem, error) {
	ids, err := s.index.Search(ctx, filter.UserID, filter.Semantic, limit)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	q := s.db.WithContext(ctx).Where("id IN ?", ids)
	q = applyFilter(q, filter)

	var items []models.ContentItem
	if err := q.Find(&items).Error; err != nil {
		return nil, err
	}

	// Preserve similarity order from the index.
	byID := make(map[uint]models.ContentItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}
	ranked := make([]models.ContentItem, 0, len(items))
	for _, id := range ids {
		if item, ok := byID[id]; ok {
			ranked = append(ranked, item)
		}
	}
	return ranked, nil
}

func applyFilter(q *gorm.DB, filter QueryFilter) *gorm.DB {
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.Platform != "" {
		q = q.Where("platform = ?", filter.Platform)
	}
	if filter.ResourceID != "" {
		q = q.Where("resource_id = ?", filter.ResourceID)
	}
	if !filter.Since.IsZero() {
		q = q.Where("fetched_at >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		q = q.Where("fetched_at <= ?", filter.Until)
	}
	if filter.Retained != nil {
		q = q.Where("retained = ?", *filter.Retained)
	}
	return q
}

// ExpireSweep deletes every ephemeral item whose TTL has elapsed. Retained
// items are never touched no matter how old they are. Returns the number
// of rows removed.
func (s *ContentStore) ExpireSweep(ctx context.Context, now time.Time) (int64, error) {
	var expiredIDs []uint
	err := s.db.WithContext(ctx).Model(&models.ContentItem{}).
		Where("retained = ? AND expires_at IS NOT NULL AND expires_at <= ?", false, now).
		Pluck("id", &expiredIDs).Error
	if err != nil {
		return 0, err
	}
	if len(expiredIDs) == 0 {
		return 0, nil
	}

	result := s.db.WithContext(ctx).
		Where("id IN ? AND retained = ?", expiredIDs, false).
		Delete(&models.ContentItem{})
	if result.Error != nil {
		return 0, result.Error
	}

	if s.index != nil {
		if ierr := s.index.Remove(ctx, expiredIDs); ierr != nil {
			s.logger.Warn("Failed to evict expired embeddings", zap.Error(ierr))
		}
	}

	return result.RowsAffected, nil
}

// LatestFetched returns the newest fetched_at across the given sources,
// used by the orchestrator's freshness gate.
func (s *ContentStore) LatestFetched(ctx context.Context, userID string, sources []models.SourceRef) (time.Time, error) {
	var latest time.Time
	for _, src := range sources {
		var item models.ContentItem
		err := s.db.WithContext(ctx).
			Where("user_id = ? AND platform = ? AND resource_id = ?", userID, src.Platform, src.ResourceID).
			Order("fetched_at DESC").
			First(&item).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return time.Time{}, err
		}
		if item.FetchedAt.After(latest) {
			latest = item.FetchedAt
		}
	}
	return latest, nil
}
