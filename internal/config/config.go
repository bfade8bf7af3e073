package config

import (
	"time"

	yamlenv "github.com/ifuryst/go-yaml-env"

	"github.com/yarnnn/yarnnn/pkg/logger"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Logger       logger.Config      `yaml:"logger"`
	Connectors   ConnectorsConfig   `yaml:"connectors"`
	Retention    RetentionConfig    `yaml:"retention"`
	Sync         SyncConfig         `yaml:"sync"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Generation   GenerationConfig   `yaml:"generation"`
	Semantic     SemanticConfig     `yaml:"semantic"`
	Research     ResearchConfig     `yaml:"research"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	Mode     string `yaml:"mode"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type DatabaseConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	TimeZone string `yaml:"timezone"`
}

type ConnectorsConfig struct {
	Slack    SlackConfig    `yaml:"slack"`
	Gmail    GmailConfig    `yaml:"gmail"`
	Notion   NotionConfig   `yaml:"notion"`
	Calendar CalendarConfig `yaml:"calendar"`
}

type SlackConfig struct {
	Token   string `yaml:"token"`
	BaseURL string `yaml:"base_url"`
}

type GmailConfig struct {
	AccessToken string `yaml:"access_token"`
	BaseURL     string `yaml:"base_url"`
}

type NotionConfig struct {
	Token      string `yaml:"token"`
	APIVersion string `yaml:"api_version"`
	BaseURL    string `yaml:"base_url"`
}

type CalendarConfig struct {
	AccessToken string `yaml:"access_token"`
	BaseURL     string `yaml:"base_url"`
}

// RetentionConfig is the per-platform TTL table for ephemeral content.
// Values are lookup entries, not structural constants.
type RetentionConfig struct {
	SlackTTL    string `yaml:"slack_ttl"`
	GmailTTL    string `yaml:"gmail_ttl"`
	NotionTTL   string `yaml:"notion_ttl"`
	CalendarTTL string `yaml:"calendar_ttl"`
	DefaultTTL  string `yaml:"default_ttl"`
	SweepEvery  string `yaml:"sweep_every"`
}

// SyncConfig holds cadence tiers and per-resource sync limits.
type SyncConfig struct {
	SlackEvery      string `yaml:"slack_every"`
	GmailEvery      string `yaml:"gmail_every"`
	NotionEvery     string `yaml:"notion_every"`
	CalendarEvery   string `yaml:"calendar_every"`
	ResourceTimeout string `yaml:"resource_timeout"`
	InitialWindow   string `yaml:"initial_window"`
	DefaultBackoff  string `yaml:"default_backoff"`
}

type OrchestratorConfig struct {
	TickEvery         string `yaml:"tick_every"`
	GenerationTimeout string `yaml:"generation_timeout"`
	StuckAfter        string `yaml:"stuck_after"`
	GatherLookback    string `yaml:"gather_lookback"`
	MaxContextItems   int    `yaml:"max_context_items"`
	Enabled           bool   `yaml:"enabled"`
}

type GenerationConfig struct {
	Provider      string `yaml:"provider"`
	GeminiAPIKey  string `yaml:"gemini_api_key"`
	GeminiModel   string `yaml:"gemini_model"`
	OllamaBaseURL string `yaml:"ollama_base_url"`
	OllamaModel   string `yaml:"ollama_model"`
}

type SemanticConfig struct {
	Enabled    bool   `yaml:"enabled"`
	APIKey     string `yaml:"api_key"`
	Tenant     string `yaml:"tenant"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

type ResearchConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

func LoadConfig(configPath string) (*Config, error) {
	cfg, err := yamlenv.LoadConfig[Config](configPath)
	if err != nil {
		return nil, err
	}

	// Set default values
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5420
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "debug"
	}
	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.TimeZone == "" {
		cfg.Database.TimeZone = "UTC"
	}
	if cfg.Connectors.Slack.BaseURL == "" {
		cfg.Connectors.Slack.BaseURL = "https://slack.com/api"
	}
	if cfg.Connectors.Gmail.BaseURL == "" {
		cfg.Connectors.Gmail.BaseURL = "https://gmail.googleapis.com/gmail/v1"
	}
	if cfg.Connectors.Notion.BaseURL == "" {
		cfg.Connectors.Notion.BaseURL = "https://api.notion.com/v1"
	}
	if cfg.Connectors.Notion.APIVersion == "" {
		cfg.Connectors.Notion.APIVersion = "2022-06-28"
	}
	if cfg.Connectors.Calendar.BaseURL == "" {
		cfg.Connectors.Calendar.BaseURL = "https://www.googleapis.com/calendar/v3"
	}
	if cfg.Retention.SlackTTL == "" {
		cfg.Retention.SlackTTL = "168h"
	}
	if cfg.Retention.GmailTTL == "" {
		cfg.Retention.GmailTTL = "720h"
	}
	if cfg.Retention.NotionTTL == "" {
		cfg.Retention.NotionTTL = "720h"
	}
	if cfg.Retention.CalendarTTL == "" {
		cfg.Retention.CalendarTTL = "48h"
	}
	if cfg.Retention.DefaultTTL == "" {
		cfg.Retention.DefaultTTL = "168h"
	}
	if cfg.Retention.SweepEvery == "" {
		cfg.Retention.SweepEvery = "1h"
	}
	if cfg.Sync.SlackEvery == "" {
		cfg.Sync.SlackEvery = "15m"
	}
	if cfg.Sync.GmailEvery == "" {
		cfg.Sync.GmailEvery = "30m"
	}
	if cfg.Sync.NotionEvery == "" {
		cfg.Sync.NotionEvery = "1h"
	}
	if cfg.Sync.CalendarEvery == "" {
		cfg.Sync.CalendarEvery = "30m"
	}
	if cfg.Sync.ResourceTimeout == "" {
		cfg.Sync.ResourceTimeout = "60s"
	}
	if cfg.Sync.InitialWindow == "" {
		cfg.Sync.InitialWindow = "336h"
	}
	if cfg.Sync.DefaultBackoff == "" {
		cfg.Sync.DefaultBackoff = "15m"
	}
	if cfg.Orchestrator.TickEvery == "" {
		cfg.Orchestrator.TickEvery = "5m"
	}
	if cfg.Orchestrator.GenerationTimeout == "" {
		cfg.Orchestrator.GenerationTimeout = "120s"
	}
	if cfg.Orchestrator.StuckAfter == "" {
		cfg.Orchestrator.StuckAfter = "30m"
	}
	if cfg.Orchestrator.GatherLookback == "" {
		cfg.Orchestrator.GatherLookback = "168h"
	}
	if cfg.Orchestrator.MaxContextItems == 0 {
		cfg.Orchestrator.MaxContextItems = 200
	}
	if cfg.Generation.GeminiModel == "" {
		cfg.Generation.GeminiModel = "gemini-2.5-flash"
	}
	if cfg.Generation.OllamaBaseURL == "" {
		cfg.Generation.OllamaBaseURL = "http://localhost:11434"
	}
	if cfg.Generation.OllamaModel == "" {
		cfg.Generation.OllamaModel = "llama3"
	}
	if cfg.Semantic.Collection == "" {
		cfg.Semantic.Collection = "content"
	}

	return cfg, nil
}

// Duration parses a duration config value, falling back when unset or invalid.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
