package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/yarnnn/yarnnn/internal/config"
	"github.com/yarnnn/yarnnn/internal/models"
	"github.com/yarnnn/yarnnn/internal/orchestrator"
	"github.com/yarnnn/yarnnn/internal/service"
	"github.com/yarnnn/yarnnn/internal/store"
	"github.com/yarnnn/yarnnn/internal/syncer"
)

type Server struct {
	Config *config.Config
	DB     *gorm.DB
	Router *gin.Engine
	Logger *zap.Logger
	Server *http.Server

	// Services
	Store        *store.ContentStore
	Worker       *syncer.Worker
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *service.Scheduler
}

func NewServer(cfg *config.Config, db *gorm.DB, contentStore *store.ContentStore,
	worker *syncer.Worker, orch *orchestrator.Orchestrator, scheduler *service.Scheduler,
	logger *zap.Logger) *Server {
	// Set gin mode
	gin.SetMode(cfg.Server.Mode)

	router := gin.New()

	srv := &Server{
		Config:       cfg,
		DB:           db,
		Router:       router,
		Logger:       logger,
		Store:        contentStore,
		Worker:       worker,
		Orchestrator: orch,
		Scheduler:    scheduler,
	}

	srv.setupMiddleware()
	srv.setupRoutes()

	return srv
}

func (s *Server) setupMiddleware() {
	// Recovery middleware
	s.Router.Use(gin.Recovery())

	// Logger middleware
	s.Router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
	}))

	// CORS middleware
	s.Router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})
}

func (s *Server) setupRoutes() {
	// Health check
	s.Router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	// API routes
	api := s.Router.Group("/api/v1")
	{
		sync := api.Group("/sync")
		{
			sync.POST("/resources", s.handleRegisterResource)
			sync.POST("/run", s.handleTriggerSync)
			sync.GET("/status", s.handleSyncStatus)
		}

		content := api.Group("/content")
		{
			content.GET("", s.handleQueryContent)
			content.POST("/:id/retain", s.handleRetainContent)
		}

		deliverables := api.Group("/deliverables")
		{
			deliverables.GET("", s.handleListConfigs)
			deliverables.POST("", s.handleCreateConfig)
			deliverables.POST("/:id/pause", s.handleSetConfigStatus(models.ConfigPaused))
			deliverables.POST("/:id/resume", s.handleSetConfigStatus(models.ConfigActive))
			deliverables.POST("/:id/archive", s.handleSetConfigStatus(models.ConfigArchived))
			deliverables.GET("/:id/versions", s.handleListVersions)
		}

		versions := api.Group("/versions")
		{
			versions.POST("/:id/approve", s.handleApproveVersion)
			versions.POST("/:id/reject", s.handleRejectVersion)
			versions.POST("/:id/publish", s.handlePublishVersion)
		}
	}
}

func (s *Server) Start(ctx context.Context) error {
	// Start scheduler
	if err := s.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", s.Config.Server.Host, s.Config.Server.Port)

	s.Server = &http.Server{
		Addr:    addr,
		Handler: s.Router,
	}

	s.Logger.Info("Starting HTTP server", zap.String("addr", addr))

	if s.Config.Server.CertFile != "" && s.Config.Server.KeyFile != "" {
		return s.Server.ListenAndServeTLS(s.Config.Server.CertFile, s.Config.Server.KeyFile)
	}

	return s.Server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	// Stop scheduler first
	s.Scheduler.Stop()

	if s.Server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	return s.Server.Shutdown(shutdownCtx)
}
