package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/avielb/kolcast/internal/api"
	"github.com/avielb/kolcast/internal/config"
	"github.com/avielb/kolcast/internal/downloads"
	"github.com/avielb/kolcast/internal/models"
	"github.com/avielb/kolcast/internal/player"
	"github.com/avielb/kolcast/internal/position"
	"github.com/avielb/kolcast/internal/scheduler"
	"github.com/avielb/kolcast/internal/services/auth"
	"github.com/avielb/kolcast/internal/services/backend"
	"github.com/avielb/kolcast/internal/services/stream"
	"github.com/avielb/kolcast/internal/utils"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Setup logger
	logger := utils.NewLogger(cfg.LogLevel)
	logger.Info("Starting kolcast")
	logger.WithField("config_dir", filepath.Dir(cfg.DatabaseFile)).Info("Configuration loaded")

	// 3. Initialize database
	db, err := models.NewDatabase(cfg.DatabaseFile)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()
	logger.Info("Database initialized")

	// 4. Initialize credential provider and backend client
	creds := auth.NewProvider(cfg.APIBaseURL, auth.NewFileTokenStore(cfg.TokenFile), logger)
	if !creds.Authenticated() {
		logger.Info("No stored credentials, running anonymously")
	}
	client := backend.NewClient(cfg, creds, logger)
	logger.Info("Backend client initialized")

	// 5. Initialize resolution and downloads
	store := downloads.NewStore(cfg.DownloadsDir)
	if err := store.EnsureDir(); err != nil {
		return fmt.Errorf("failed to create downloads directory: %w", err)
	}
	cache := stream.NewURLCache(cfg.RefreshThreshold)
	resolver := stream.NewResolver(client, cache, store, cfg.ResolveTimeout, logger)
	manifests := stream.NewManifestResolver(client, cache, resolver, cfg.ManifestFallbackWait, logger)
	downloadMgr := downloads.NewManager(store, resolver, logger)
	logger.Info("Stream resolution initialized")

	// 6. Initialize position sync and media engine
	positions := position.NewSynchronizer(client, creds, db, cfg.PositionMinDeltaMs, logger)
	engine, err := player.NewMPVEngine(logger)
	if err != nil {
		return fmt.Errorf("failed to start media engine: %w", err)
	}
	defer engine.Close()

	// 7. Initialize playback session
	session := player.NewSession(engine, resolver, manifests, positions, db, cfg.PositionSyncInterval, logger)
	defer session.Close()
	logger.Info("Playback session initialized")

	// 8. Initialize scheduler
	sched := scheduler.NewScheduler(manifests, downloadMgr, client, creds, db, cfg.DownloadTimeoutMinutes, logger)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer sched.Stop()

	// 9. Initialize HTTP server
	server := api.NewServer(cfg, session, downloadMgr, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverErrChan := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil {
			serverErrChan <- err
		}
	}()

	// 10. Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("kolcast is running")

	select {
	case err := <-serverErrChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		logger.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
		if err := server.Shutdown(context.Background()); err != nil {
			logger.WithError(err).Error("Error during server shutdown")
		}
	}

	logger.Info("kolcast stopped")
	return nil
}
