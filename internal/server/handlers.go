package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yarnnn/yarnnn/internal/models"
	"github.com/yarnnn/yarnnn/internal/orchestrator"
	"github.com/yarnnn/yarnnn/internal/store"
)

type registerResourceRequest struct {
	UserID       string          `json:"user_id" binding:"required"`
	Platform     models.Platform `json:"platform" binding:"required"`
	ResourceID   string          `json:"resource_id" binding:"required"`
	ResourceName string          `json:"resource_name"`
}

func (s *Server) handleRegisterResource(c *gin.Context) {
	var req registerResourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.Worker.RegisterResource(c.Request.Context(), req.UserID, req.Platform, req.ResourceID, req.ResourceName); err != nil {
		s.Logger.Error("Failed to register resource", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to register resource"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Resource registered"})
}

func (s *Server) handleTriggerSync(c *gin.Context) {
	platform := models.Platform(c.Query("platform"))
	platforms := []models.Platform{platform}
	if platform == "" {
		platforms = []models.Platform{
			models.PlatformSlack, models.PlatformGmail,
			models.PlatformNotion, models.PlatformCalendar,
		}
	}

	for _, p := range platforms {
		s.Worker.SyncPlatform(c.Request.Context(), p)
	}

	c.JSON(http.StatusOK, gin.H{"message": "Sync completed"})
}

// handleSyncStatus lists cursor state per registered resource so paused
// resources (revoked credentials) and backoffs are visible to the owner,
// not just in the logs.
func (s *Server) handleSyncStatus(c *gin.Context) {
	q := s.DB.WithContext(c.Request.Context()).Model(&models.SyncCursor{})
	if userID := c.Query("user_id"); userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if platform := c.Query("platform"); platform != "" {
		q = q.Where("platform = ?", platform)
	}

	var cursors []models.SyncCursor
	if err := q.Order("platform, resource_id").Find(&cursors).Error; err != nil {
		s.Logger.Error("Failed to list sync status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list sync status"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"resources": cursors})
}

func (s *Server) handleQueryContent(c *gin.Context) {
	filter := store.QueryFilter{
		UserID:     c.Query("user_id"),
		Platform:   models.Platform(c.Query("platform")),
		ResourceID: c.Query("resource_id"),
		Semantic:   c.Query("q"),
	}
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil {
		filter.Limit = limit
	}
	if since, err := time.Parse(time.RFC3339, c.Query("since")); err == nil {
		filter.Since = since
	}

	items, err := s.Store.Query(c.Request.Context(), filter)
	if err != nil {
		s.Logger.Error("Failed to query content", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to query content"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"items": items})
}

type retainRequest struct {
	Ref string `json:"ref"`
}

// handleRetainContent lets an external consumer (the conversational agent
// referencing an item in a session) promote content to permanent retention.
func (s *Server) handleRetainContent(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid item id"})
		return
	}

	var req retainRequest
	_ = c.ShouldBindJSON(&req)

	if err := s.Store.MarkRetained(c.Request.Context(), uint(id), models.RetainedSessionReference, req.Ref); err != nil {
		s.Logger.Error("Failed to retain content", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retain content"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Content retained"})
}

func (s *Server) handleListConfigs(c *gin.Context) {
	q := s.DB.WithContext(c.Request.Context()).Where("status <> ?", models.ConfigArchived)
	if userID := c.Query("user_id"); userID != "" {
		q = q.Where("user_id = ?", userID)
	}

	var configs []models.DeliverableConfig
	if err := q.Find(&configs).Error; err != nil {
		s.Logger.Error("Failed to list configs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list deliverables"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deliverables": configs})
}

type createConfigRequest struct {
	UserID        string            `json:"user_id" binding:"required"`
	Title         string            `json:"title" binding:"required"`
	Binding       models.Binding    `json:"binding" binding:"required"`
	Sources       models.SourceRefs `json:"sources"`
	Template      string            `json:"template"`
	ResearchQuery string            `json:"research_query"`
	Destination   string            `json:"destination"`
	Frequency     models.Frequency  `json:"frequency" binding:"required"`
	AnchorDay     string            `json:"anchor_day"`
	AnchorTime    string            `json:"anchor_time"`
	Timezone      string            `json:"timezone"`
	Governance    models.Governance `json:"governance"`
}

func (s *Server) handleCreateConfig(c *gin.Context) {
	var req createConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg := models.DeliverableConfig{
		UserID:        req.UserID,
		Title:         req.Title,
		Binding:       req.Binding,
		Sources:       req.Sources,
		Template:      req.Template,
		ResearchQuery: req.ResearchQuery,
		Destination:   req.Destination,
		Frequency:     req.Frequency,
		AnchorDay:     req.AnchorDay,
		AnchorTime:    req.AnchorTime,
		Timezone:      req.Timezone,
		Governance:    req.Governance,
		Status:        models.ConfigActive,
	}
	if cfg.Governance == "" {
		cfg.Governance = models.GovernanceManual
	}

	next, err := orchestrator.NextRun(&cfg, time.Now())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cfg.NextRunAt = &next

	if err := s.DB.WithContext(c.Request.Context()).Create(&cfg).Error; err != nil {
		s.Logger.Error("Failed to create config", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create deliverable"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"deliverable": cfg})
}

func (s *Server) handleSetConfigStatus(status models.ConfigStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid config id"})
			return
		}

		result := s.DB.WithContext(c.Request.Context()).
			Model(&models.DeliverableConfig{}).
			Where("id = ?", id).
			Update("status", status)
		if result.Error != nil {
			s.Logger.Error("Failed to update config status", zap.Error(result.Error))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update deliverable"})
			return
		}
		if result.RowsAffected == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "Deliverable not found"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": status})
	}
}

func (s *Server) handleListVersions(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid config id"})
		return
	}

	var versions []models.DeliverableVersion
	err = s.DB.WithContext(c.Request.Context()).
		Where("config_id = ?", id).
		Order("version_number DESC").
		Find(&versions).Error
	if err != nil {
		s.Logger.Error("Failed to list versions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list versions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"versions": versions})
}

type approveRequest struct {
	FinalContent *string `json:"final_content"`
}

func (s *Server) handleApproveVersion(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid version id"})
		return
	}

	var req approveRequest
	_ = c.ShouldBindJSON(&req)

	version, err := s.Orchestrator.Approve(c.Request.Context(), uint(id), req.FinalContent)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"version": version})
}

func (s *Server) handleRejectVersion(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid version id"})
		return
	}

	if err := s.Orchestrator.Reject(c.Request.Context(), uint(id)); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Version rejected"})
}

func (s *Server) handlePublishVersion(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid version id"})
		return
	}

	if err := s.Orchestrator.Publish(c.Request.Context(), uint(id)); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Version published"})
}
