package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/yarnnn/yarnnn/internal/models"
)

// RawItem is one piece of platform content before it is hashed and stored.
type RawItem struct {
	ItemID       string
	Content      string
	ContentType  models.ContentType
	ResourceName string
	Timestamp    time.Time
}

// Connector fetches recent content from one platform. Implementations must
// surface rate-limit and auth failures as typed errors so the sync worker
// can tell backoff-and-defer apart from pause-and-report.
type Connector interface {
	Platform() models.Platform

	// FetchSince returns items newer than the cursor position plus the
	// cursor to persist after the batch is confirmed. An empty cursor means
	// first sync; implementations fall back to a bounded initial window.
	FetchSince(ctx context.Context, resourceID, cursor string) ([]RawItem, string, error)
}

// RateLimitError is a transient connector failure. The sync worker defers
// the resource until RetryAfter has elapsed instead of retry-storming.
type RateLimitError struct {
	Platform   models.Platform
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited, retry after %s", e.Platform, e.RetryAfter)
}

// AuthError is a permanent connector failure (revoked or expired
// credential). The affected resource is paused, not retried.
type AuthError struct {
	Platform models.Platform
	Reason   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %s", e.Platform, e.Reason)
}
