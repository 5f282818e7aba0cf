package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/avielb/kolcast/internal/api/handlers"
	"github.com/avielb/kolcast/internal/api/middleware"
	"github.com/avielb/kolcast/internal/config"
	"github.com/avielb/kolcast/internal/downloads"
	"github.com/avielb/kolcast/internal/player"
	"github.com/sirupsen/logrus"
)

// Server represents the HTTP control surface
type Server struct {
	server      *http.Server
	session     *player.Session
	downloadMgr *downloads.Manager
	logger      *logrus.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, session *player.Session, downloadMgr *downloads.Manager, logger *logrus.Logger) *Server {
	s := &Server{
		session:     session,
		downloadMgr: downloadMgr,
		logger:      logger,
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.server = &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      middleware.Logging(mux, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Health check
	healthHandler := handlers.NewHealthHandler(s.session, s.logger)
	mux.HandleFunc("/health", healthHandler.ServeHTTP)

	// Status endpoint
	statusHandler := handlers.NewStatusHandler(s.session, s.downloadMgr, s.logger)
	mux.HandleFunc("/status", statusHandler.ServeHTTP)

	// Player control
	playerHandler := handlers.NewPlayerHandler(s.session, s.logger)
	mux.HandleFunc("/api/player/command", playerHandler.Command)
	mux.HandleFunc("/api/player/lecture", playerHandler.Lecture)
	mux.HandleFunc("/api/player/queue", playerHandler.Queue)
	mux.HandleFunc("/api/player/sleep", playerHandler.Sleep)
	mux.HandleFunc("/api/player/mode", playerHandler.Mode)

	// Downloads
	downloadsHandler := handlers.NewDownloadsHandler(s.downloadMgr, s.logger)
	mux.HandleFunc("/api/downloads", downloadsHandler.ServeHTTP)
	mux.HandleFunc("/api/downloads/", downloadsHandler.Item)
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("port", s.server.Addr).Info("Starting HTTP server")

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}
