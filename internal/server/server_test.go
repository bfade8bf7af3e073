package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/yarnnn/yarnnn/internal/config"
	"github.com/yarnnn/yarnnn/internal/connector"
	"github.com/yarnnn/yarnnn/internal/generation"
	"github.com/yarnnn/yarnnn/internal/models"
	"github.com/yarnnn/yarnnn/internal/orchestrator"
	"github.com/yarnnn/yarnnn/internal/store"
	"github.com/yarnnn/yarnnn/internal/strategy"
	"github.com/yarnnn/yarnnn/internal/syncer"
)

type staticGenerator struct{}

func (staticGenerator) Generate(_ context.Context, _ generation.Request) (string, error) {
	return "generated", nil
}

func newTestServer(t *testing.T) (*Server, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.ContentItem{},
		&models.SyncCursor{},
		&models.DeliverableConfig{},
		&models.DeliverableVersion{},
	))

	logger := zap.NewNop()
	contentStore := store.NewContentStore(db, store.TTLTable{}, 7*24*time.Hour, nil, logger)
	worker := syncer.NewWorker(db, contentStore, map[models.Platform]connector.Connector{},
		30*time.Second, 5*time.Minute, logger)
	registry := strategy.NewRegistry(contentStore, nil,
		strategy.Options{Lookback: 7 * 24 * time.Hour, MaxItems: 50}, logger)
	orch := orchestrator.NewOrchestrator(db, contentStore, registry, staticGenerator{}, nil,
		orchestrator.Config{GenerationTimeout: 5 * time.Second, StuckAfter: 30 * time.Minute}, logger)

	cfg := &config.Config{}
	cfg.Server.Mode = "test"

	return NewServer(cfg, db, contentStore, worker, orch, nil, logger), db
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestRegisterResourceEndpoint(t *testing.T) {
	srv, db := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/sync/resources", map[string]interface{}{
		"user_id":       "u1",
		"platform":      "slack",
		"resource_id":   "C123",
		"resource_name": "#general",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	var cur models.SyncCursor
	require.NoError(t, db.Where("resource_id = ?", "C123").First(&cur).Error)
	assert.Equal(t, models.PlatformSlack, cur.Platform)

	// Missing required fields are rejected.
	w = doJSON(t, srv, http.MethodPost, "/api/v1/sync/resources", map[string]interface{}{
		"user_id": "u1",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateDeliverableEndpoint(t *testing.T) {
	srv, db := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/v1/deliverables", map[string]interface{}{
		"user_id":   "u1",
		"title":     "Weekly Digest",
		"binding":   "single_platform",
		"frequency": "weekly",
		"sources": []map[string]string{
			{"platform": "slack", "resource_id": "C123", "resource_name": "#general"},
		},
		"anchor_day":  "friday",
		"anchor_time": "17:00",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var cfg models.DeliverableConfig
	require.NoError(t, db.First(&cfg).Error)
	assert.Equal(t, models.GovernanceManual, cfg.Governance)
	assert.Equal(t, models.ConfigActive, cfg.Status)
	require.NotNil(t, cfg.NextRunAt)
	assert.True(t, cfg.NextRunAt.After(time.Now()))
	assert.Equal(t, time.Friday, cfg.NextRunAt.Weekday())

	// A bad schedule never creates a config.
	w = doJSON(t, srv, http.MethodPost, "/api/v1/deliverables", map[string]interface{}{
		"user_id":   "u1",
		"title":     "Broken",
		"binding":   "single_platform",
		"frequency": "weekly",
		"anchor_day": "someday",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConfigLifecycleEndpoints(t *testing.T) {
	srv, db := newTestServer(t)

	next := time.Now().Add(time.Hour)
	cfg := &models.DeliverableConfig{
		UserID: "u1", Title: "Digest", Binding: models.BindingSinglePlatform,
		Frequency: models.FrequencyDaily, Status: models.ConfigActive, NextRunAt: &next,
	}
	require.NoError(t, db.Create(cfg).Error)

	w := doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/v1/deliverables/%d/pause", cfg.ID), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var reloaded models.DeliverableConfig
	require.NoError(t, db.First(&reloaded, cfg.ID).Error)
	assert.Equal(t, models.ConfigPaused, reloaded.Status)

	w = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/v1/deliverables/%d/resume", cfg.ID), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, db.First(&reloaded, cfg.ID).Error)
	assert.Equal(t, models.ConfigActive, reloaded.Status)

	w = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/v1/deliverables/%d/archive", cfg.ID), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Archived configs drop out of the listing.
	w = doJSON(t, srv, http.MethodGet, "/api/v1/deliverables?user_id=u1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "Digest")

	w = doJSON(t, srv, http.MethodPost, "/api/v1/deliverables/9999/pause", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSyncStatusEndpoint(t *testing.T) {
	srv, db := newTestServer(t)

	require.NoError(t, db.Create(&models.SyncCursor{
		UserID: "u1", Platform: models.PlatformSlack, ResourceID: "C123",
		ResourceName: "#general", Cursor: "1700000000.000000",
	}).Error)
	require.NoError(t, db.Create(&models.SyncCursor{
		UserID: "u1", Platform: models.PlatformGmail, ResourceID: "INBOX",
		Paused: true, PausedReason: "token revoked",
	}).Error)
	require.NoError(t, db.Create(&models.SyncCursor{
		UserID: "u2", Platform: models.PlatformSlack, ResourceID: "C999",
	}).Error)

	// A paused resource shows up with its reason.
	w := doJSON(t, srv, http.MethodGet, "/api/v1/sync/status?user_id=u1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"paused":true`)
	assert.Contains(t, w.Body.String(), "token revoked")
	assert.Contains(t, w.Body.String(), "C123")
	assert.NotContains(t, w.Body.String(), "C999")

	w = doJSON(t, srv, http.MethodGet, "/api/v1/sync/status?user_id=u1&platform=slack", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "C123")
	assert.NotContains(t, w.Body.String(), "INBOX")
}

func TestRetainContentEndpoint(t *testing.T) {
	srv, db := newTestServer(t)

	result, err := srv.Store.Upsert(context.Background(), &models.ContentItem{
		UserID: "u1", Platform: models.PlatformSlack, ResourceID: "C123",
		ItemID: "m1", Content: "worth keeping", ContentType: models.ContentTypeMessage,
	})
	require.NoError(t, err)

	w := doJSON(t, srv, http.MethodPost,
		fmt.Sprintf("/api/v1/content/%d/retain", result.Item.ID),
		map[string]string{"ref": "chat:42"})
	assert.Equal(t, http.StatusOK, w.Code)

	var item models.ContentItem
	require.NoError(t, db.First(&item, result.Item.ID).Error)
	assert.True(t, item.Retained)
	assert.Equal(t, models.RetainedSessionReference, item.RetainedReason)
	assert.Equal(t, "chat:42", item.RetainedRef)
}

func TestVersionReviewEndpoints(t *testing.T) {
	srv, db := newTestServer(t)

	cfg := &models.DeliverableConfig{
		UserID: "u1", Title: "Digest", Binding: models.BindingSinglePlatform,
		Frequency: models.FrequencyDaily, Status: models.ConfigActive,
	}
	require.NoError(t, db.Create(cfg).Error)

	version := &models.DeliverableVersion{
		ConfigID: cfg.ID, VersionNumber: 1, RunID: "run-1",
		Status: models.VersionStaged, DraftContent: "draft",
	}
	require.NoError(t, db.Create(version).Error)

	w := doJSON(t, srv, http.MethodPost,
		fmt.Sprintf("/api/v1/versions/%d/approve", version.ID),
		map[string]string{"final_content": "edited"})
	assert.Equal(t, http.StatusOK, w.Code)

	var reloaded models.DeliverableVersion
	require.NoError(t, db.First(&reloaded, version.ID).Error)
	assert.Equal(t, models.VersionApproved, reloaded.Status)
	require.NotNil(t, reloaded.FinalContent)
	assert.Equal(t, "edited", *reloaded.FinalContent)

	// Re-approving an approved version conflicts.
	w = doJSON(t, srv, http.MethodPost,
		fmt.Sprintf("/api/v1/versions/%d/approve", version.ID), nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Rejecting it conflicts too.
	w = doJSON(t, srv, http.MethodPost,
		fmt.Sprintf("/api/v1/versions/%d/reject", version.ID), nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, srv, http.MethodGet,
		fmt.Sprintf("/api/v1/deliverables/%d/versions", cfg.ID), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version_number":1`)
}
