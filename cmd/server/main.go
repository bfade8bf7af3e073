package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yarnnn/yarnnn/internal/config"
	"github.com/yarnnn/yarnnn/internal/connector"
	"github.com/yarnnn/yarnnn/internal/generation"
	"github.com/yarnnn/yarnnn/internal/models"
	"github.com/yarnnn/yarnnn/internal/orchestrator"
	"github.com/yarnnn/yarnnn/internal/semantic"
	"github.com/yarnnn/yarnnn/internal/server"
	"github.com/yarnnn/yarnnn/internal/service"
	"github.com/yarnnn/yarnnn/internal/store"
	"github.com/yarnnn/yarnnn/internal/strategy"
	"github.com/yarnnn/yarnnn/internal/syncer"
	"github.com/yarnnn/yarnnn/pkg/logger"
)

var (
	configPath string
	version    = "0.1.0"
	gitCommit  = "unknown"
	buildTime  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "yarnnn",
	Short: "YARNNN - Context accumulation and deliverable generation service",
	Long:  `YARNNN syncs work-platform content into a retention-aware store and executes scheduled deliverables against it.`,
	RunE:  runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("YARNNN %s\n", version)
		fmt.Printf("Git commit: %s\n", gitCommit)
		fmt.Printf("Build time: %s\n", buildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/server.yaml", "config file path")
	rootCmd.AddCommand(versionCmd)
}

func runServer(*cobra.Command, []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	appLogger, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting YARNNN server", zap.String("version", version))

	srv, err := buildServer(cfg, appLogger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Start server
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := srv.Start(ctx); err != nil {
			appLogger.Error("Server failed to start", zap.Error(err))
			cancel()
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		appLogger.Info("Shutting down server...")
	case <-ctx.Done():
		appLogger.Info("Server context cancelled")
	}

	// Graceful shutdown
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown", zap.Error(err))
		return err
	}

	appLogger.Info("Server exited")
	return nil
}

func buildServer(cfg *config.Config, appLogger *zap.Logger) (*server.Server, error) {
	db, err := service.NewDatabase(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	var index *semantic.Index
	if cfg.Semantic.Enabled {
		index, err = semantic.NewIndex(&cfg.Semantic, appLogger)
		if err != nil {
			// Semantic ranking is an acceleration layer, not a dependency.
			appLogger.Warn("Semantic index unavailable, continuing without it", zap.Error(err))
			index = nil
		}
	}

	contentStore := store.NewContentStore(db,
		store.NewTTLTable(&cfg.Retention),
		config.Duration(cfg.Retention.DefaultTTL, 7*24*time.Hour),
		index, appLogger)

	initialWindow := config.Duration(cfg.Sync.InitialWindow, 14*24*time.Hour)
	connectors := map[models.Platform]connector.Connector{
		models.PlatformSlack:    connector.NewSlackConnector(&cfg.Connectors.Slack, initialWindow, appLogger),
		models.PlatformGmail:    connector.NewGmailConnector(&cfg.Connectors.Gmail, initialWindow, appLogger),
		models.PlatformNotion:   connector.NewNotionConnector(&cfg.Connectors.Notion, initialWindow, appLogger),
		models.PlatformCalendar: connector.NewCalendarConnector(&cfg.Connectors.Calendar, initialWindow, appLogger),
	}

	worker := syncer.NewWorker(db, contentStore, connectors,
		config.Duration(cfg.Sync.ResourceTimeout, time.Minute),
		config.Duration(cfg.Sync.DefaultBackoff, 15*time.Minute),
		appLogger)

	generator, err := generation.NewGenerator(&cfg.Generation)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize generator: %w", err)
	}

	var search strategy.SearchProvider
	if cfg.Research.Endpoint != "" {
		search = strategy.NewHTTPSearchProvider(&cfg.Research, appLogger)
	}

	registry := strategy.NewRegistry(contentStore, search, strategy.Options{
		Lookback: config.Duration(cfg.Orchestrator.GatherLookback, 7*24*time.Hour),
		MaxItems: cfg.Orchestrator.MaxContextItems,
	}, appLogger)

	orch := orchestrator.NewOrchestrator(db, contentStore, registry, generator,
		service.NewLogDeliverer(appLogger),
		orchestrator.Config{
			GenerationTimeout: config.Duration(cfg.Orchestrator.GenerationTimeout, 2*time.Minute),
			StuckAfter:        config.Duration(cfg.Orchestrator.StuckAfter, 30*time.Minute),
		}, appLogger)

	scheduler := service.NewScheduler(cfg, appLogger, worker, contentStore, orch)

	return server.NewServer(cfg, db, contentStore, worker, orch, scheduler, appLogger), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
