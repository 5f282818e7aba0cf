package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/avielb/kolcast/internal/downloads"
	"github.com/avielb/kolcast/internal/models"
	"github.com/avielb/kolcast/internal/services/backend"
	"github.com/avielb/kolcast/internal/services/stream"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler manages the background maintenance jobs: proactive manifest
// refresh, buffered listening-report delivery and stuck-download cleanup
type Scheduler struct {
	cron            *cron.Cron
	manifests       *stream.ManifestResolver
	downloadMgr     *downloads.Manager
	client          *backend.Client
	auth            Authenticator
	db              *models.Database
	logger          *logrus.Logger
	downloadTimeout time.Duration
}

// Authenticator reports whether a credential is available
type Authenticator interface {
	Authenticated() bool
}

// NewScheduler creates a new scheduler
func NewScheduler(
	manifests *stream.ManifestResolver,
	downloadMgr *downloads.Manager,
	client *backend.Client,
	auth Authenticator,
	db *models.Database,
	downloadTimeoutMinutes int,
	logger *logrus.Logger,
) *Scheduler {
	return &Scheduler{
		cron:            cron.New(),
		manifests:       manifests,
		downloadMgr:     downloadMgr,
		client:          client,
		auth:            auth,
		db:              db,
		logger:          logger,
		downloadTimeout: time.Duration(downloadTimeoutMinutes) * time.Minute,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.logger.Info("Starting scheduler")

	// Every 10 minutes: refresh the last played collection's manifest when
	// its earliest cache entry nears expiry
	_, err := s.cron.AddFunc("*/10 * * * *", func() {
		s.runManifestRefresh()
	})
	if err != nil {
		return fmt.Errorf("failed to add manifest refresh job: %w", err)
	}

	// Every 5 minutes: deliver buffered listening reports
	_, err = s.cron.AddFunc("*/5 * * * *", func() {
		s.runListeningFlush()
	})
	if err != nil {
		return fmt.Errorf("failed to add listening flush job: %w", err)
	}

	// Every 10 minutes: cancel stuck downloads
	_, err = s.cron.AddFunc("*/10 * * * *", func() {
		s.runStuckDownloadCheck()
	})
	if err != nil {
		return fmt.Errorf("failed to add stuck download check job: %w", err)
	}

	s.cron.Start()
	s.logger.Info("Scheduler started")
	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	s.cron.Stop()
}

// runManifestRefresh executes the manifest refresh job
func (s *Scheduler) runManifestRefresh() {
	s.logger.Debug("Running manifest refresh check")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	s.manifests.RefreshIfNeeded(ctx)
}

// runListeningFlush delivers buffered listening reports, keeping failed ones
// for the next pass
func (s *Scheduler) runListeningFlush() {
	if !s.auth.Authenticated() {
		return
	}

	events, err := s.db.GetPendingListeningEvents()
	if err != nil {
		s.logger.WithError(err).Error("Failed to load pending listening events")
		return
	}
	if len(events) == 0 {
		return
	}

	s.logger.WithField("count", len(events)).Debug("Flushing listening events")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	for _, event := range events {
		if err := s.client.TrackListening(ctx, event.ItemID, event.PlaySeconds); err != nil {
			s.logger.WithError(err).WithField("item_id", event.ItemID).Warn("Failed to report listening event")
			continue
		}
		if err := s.db.DeleteListeningEvent(event.ID); err != nil {
			s.logger.WithError(err).Error("Failed to delete delivered listening event")
		}
	}
}

// runStuckDownloadCheck executes the stuck download check job
func (s *Scheduler) runStuckDownloadCheck() {
	s.logger.Debug("Running stuck download check")
	s.downloadMgr.CancelStuck(s.downloadTimeout)
}
