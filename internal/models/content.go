package models

import (
	"time"
)

// Platform identifies a connected work platform.
type Platform string

const (
	PlatformSlack    Platform = "slack"
	PlatformGmail    Platform = "gmail"
	PlatformNotion   Platform = "notion"
	PlatformCalendar Platform = "calendar"
)

// ContentType classifies the shape of a synced item.
type ContentType string

const (
	ContentTypeMessage ContentType = "message"
	ContentTypeEmail   ContentType = "email"
	ContentTypePage    ContentType = "page"
	ContentTypeEvent   ContentType = "event"
)

// RetainedReason records which kind of consumer promoted an item to
// permanent retention.
type RetainedReason string

const (
	RetainedNone             RetainedReason = "none"
	RetainedDeliverable      RetainedReason = "deliverable_execution"
	RetainedSignalProcessing RetainedReason = "signal_processing"
	RetainedSessionReference RetainedReason = "session_reference"
)

// ContentItem is one unit of synced platform content. Items are written
// ephemeral (ExpiresAt set) and only flip to retained when a consumer
// explicitly promotes them. ExpiresAt is nil iff Retained is true.
//
// The dedup index includes the content hash: re-fetching identical content
// is a refresh, changed content gets a new row and history is preserved.
type ContentItem struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	UserID         string         `gorm:"size:255;not null;uniqueIndex:idx_content_dedup;index" json:"user_id"`
	Platform       Platform       `gorm:"size:50;not null;uniqueIndex:idx_content_dedup" json:"platform"`
	ResourceID     string         `gorm:"size:255;not null;uniqueIndex:idx_content_dedup" json:"resource_id"`
	ResourceName   string         `gorm:"size:500" json:"resource_name"`
	ItemID         string         `gorm:"size:255;not null;uniqueIndex:idx_content_dedup" json:"item_id"`
	ContentHash    string         `gorm:"size:64;not null;uniqueIndex:idx_content_dedup" json:"content_hash"`
	Content        string         `gorm:"type:text" json:"content"`
	ContentType    ContentType    `gorm:"size:50" json:"content_type"`
	FetchedAt      time.Time      `gorm:"not null;index" json:"fetched_at"`
	Retained       bool           `gorm:"default:false;index" json:"retained"`
	RetainedReason RetainedReason `gorm:"size:50;default:'none'" json:"retained_reason"`
	RetainedRef    string         `gorm:"size:255" json:"retained_ref"`
	ExpiresAt      *time.Time     `gorm:"index" json:"expires_at"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncCursor tracks the last successfully synced position of one
// (user, platform, resource) tuple so syncs stay incremental.
type SyncCursor struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	UserID       string     `gorm:"size:255;not null;uniqueIndex:idx_cursor_resource" json:"user_id"`
	Platform     Platform   `gorm:"size:50;not null;uniqueIndex:idx_cursor_resource" json:"platform"`
	ResourceID   string     `gorm:"size:255;not null;uniqueIndex:idx_cursor_resource" json:"resource_id"`
	ResourceName string     `gorm:"size:500" json:"resource_name"`
	Cursor       string     `gorm:"size:1000" json:"cursor"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
	FailureCount int        `gorm:"default:0" json:"failure_count"`
	BackoffUntil *time.Time `json:"backoff_until"`
	Paused       bool       `gorm:"default:false" json:"paused"`
	PausedReason string     `gorm:"size:500" json:"paused_reason"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
