package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Binding declares the content-gathering shape of a deliverable and
// selects its execution strategy.
type Binding string

const (
	BindingSinglePlatform Binding = "single_platform"
	BindingCrossPlatform  Binding = "cross_platform"
	BindingResearch       Binding = "research"
	BindingHybrid         Binding = "hybrid"
)

// Frequency is the schedule cadence of a deliverable.
type Frequency string

const (
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
)

// Governance controls whether a staged version waits for human approval.
type Governance string

const (
	GovernanceManual   Governance = "manual"
	GovernanceFullAuto Governance = "full_auto"
)

// ConfigStatus is the lifecycle state of a DeliverableConfig. Archived
// configs are never hard-deleted while versions reference them.
type ConfigStatus string

const (
	ConfigActive   ConfigStatus = "active"
	ConfigPaused   ConfigStatus = "paused"
	ConfigArchived ConfigStatus = "archived"
)

// VersionStatus is the lifecycle state of a DeliverableVersion.
type VersionStatus string

const (
	VersionGenerating VersionStatus = "generating"
	VersionStaged     VersionStatus = "staged"
	VersionApproved   VersionStatus = "approved"
	VersionRejected   VersionStatus = "rejected"
	VersionPublished  VersionStatus = "published"
)

// SourceRef names one platform resource a deliverable reads.
type SourceRef struct {
	Platform     Platform `json:"platform"`
	ResourceID   string   `json:"resource_id"`
	ResourceName string   `json:"resource_name"`
}

// SourceRefs is stored as a JSONB column.
type SourceRefs []SourceRef

func (s *SourceRefs) Scan(value interface{}) error {
	return scanJSON(value, s)
}

func (s SourceRefs) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// SourceSnapshot is one entry of a version's provenance record: exactly
// what was consulted at generation time.
type SourceSnapshot struct {
	Platform     Platform  `json:"platform"`
	ResourceID   string    `json:"resource_id"`
	ResourceName string    `json:"resource_name"`
	SyncedAt     time.Time `json:"synced_at"`
	ItemCount    int       `json:"item_count"`
}

// SourceSnapshots is stored as a JSONB column. It is write-once at
// generation time and never altered afterwards.
type SourceSnapshots []SourceSnapshot

func (s *SourceSnapshots) Scan(value interface{}) error {
	return scanJSON(value, s)
}

func (s SourceSnapshots) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func scanJSON(value interface{}, dst interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("cannot scan %T into %T", value, dst)
	}
}

// DeliverableConfig is a standing generation job: what to read, how to
// render, where to send, and when to run.
type DeliverableConfig struct {
	ID            uint         `gorm:"primaryKey" json:"id"`
	UserID        string       `gorm:"size:255;not null;index" json:"user_id"`
	Title         string       `gorm:"size:500;not null" json:"title"`
	Binding       Binding      `gorm:"size:50;not null" json:"binding"`
	Sources       SourceRefs   `gorm:"type:jsonb" json:"sources"`
	Template      string       `gorm:"type:text" json:"template"`
	ResearchQuery string       `gorm:"size:1000" json:"research_query"`
	Destination   string       `gorm:"size:500" json:"destination"`
	Frequency     Frequency    `gorm:"size:50;not null" json:"frequency"`
	AnchorDay     string       `gorm:"size:20" json:"anchor_day"`
	AnchorTime    string       `gorm:"size:10" json:"anchor_time"`
	Timezone      string       `gorm:"size:100" json:"timezone"`
	Governance    Governance   `gorm:"size:50;default:'manual'" json:"governance"`
	Status        ConfigStatus `gorm:"size:50;default:'active';index" json:"status"`
	NextRunAt     *time.Time   `gorm:"index" json:"next_run_at"`
	LastRunAt     *time.Time   `json:"last_run_at"`
	LastRunError  string       `gorm:"size:2000" json:"last_run_error"`
	CreatedAt     time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// DeliverableVersion is one immutable execution result. Once the status
// leaves generating, DraftContent never changes; FinalContent may be set
// exactly once at approval if the reviewer edited.
type DeliverableVersion struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	ConfigID        uint            `gorm:"not null;index" json:"config_id"`
	VersionNumber   int             `gorm:"not null" json:"version_number"`
	RunID           string          `gorm:"size:64" json:"run_id"`
	Status          VersionStatus   `gorm:"size:50;not null;index" json:"status"`
	DraftContent    string          `gorm:"type:text" json:"draft_content"`
	FinalContent    *string         `gorm:"type:text" json:"final_content"`
	SourceSnapshots SourceSnapshots `gorm:"type:jsonb" json:"source_snapshots"`
	GeneratedAt     *time.Time      `json:"generated_at"`
	ApprovedAt      *time.Time      `json:"approved_at"`
	PublishedAt     *time.Time      `json:"published_at"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`

	Config DeliverableConfig `gorm:"foreignKey:ConfigID" json:"-"`
}
