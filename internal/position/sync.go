package position

import (
	"context"
	"sync"
	"time"

	"github.com/avielb/kolcast/internal/models"
	"github.com/avielb/kolcast/internal/services/backend"
	"github.com/sirupsen/logrus"
)

// BackendAPI is the backend surface the synchronizer needs
type BackendAPI interface {
	GetPosition(ctx context.Context, itemID string) (*backend.Position, error)
	PutPosition(ctx context.Context, itemID string, positionMs int64) (*backend.Position, error)
}

// Authenticator reports whether a credential is available. Position sync does
// no work at all for anonymous use.
type Authenticator interface {
	Authenticated() bool
}

// Synchronizer persists playback positions to the backend through a
// de-duplicating writer: a write only happens when the position moved more
// than minDeltaMs since the last sent value. Writes are optimistic against
// the local cache and rolled back on backend failure; backend failure is
// never fatal to playback.
type Synchronizer struct {
	client     BackendAPI
	auth       Authenticator
	db         *models.Database
	logger     *logrus.Logger
	minDeltaMs int64

	mu       sync.Mutex
	lastSent map[string]int64
}

// NewSynchronizer creates a new position synchronizer
func NewSynchronizer(client BackendAPI, auth Authenticator, db *models.Database, minDeltaMs int64, logger *logrus.Logger) *Synchronizer {
	return &Synchronizer{
		client:     client,
		auth:       auth,
		db:         db,
		logger:     logger,
		minDeltaMs: minDeltaMs,
		lastSent:   make(map[string]int64),
	}
}

// LastKnown returns the last known position for an item in milliseconds,
// preferring the local cache and falling back to the backend. Returns 0 for
// anonymous sessions and unknown items.
func (s *Synchronizer) LastKnown(ctx context.Context, itemID string) int64 {
	if !s.auth.Authenticated() {
		return 0
	}

	if record, err := s.db.GetPosition(itemID); err == nil {
		return record.PositionMs
	}

	remote, err := s.client.GetPosition(ctx, itemID)
	if err != nil {
		if !backend.IsNotFound(err) {
			s.logger.WithError(err).WithField("item_id", itemID).Warn("Failed to fetch remote position")
		}
		return 0
	}

	if err := s.db.SavePosition(&models.PositionRecord{ItemID: itemID, PositionMs: remote.Position}); err != nil {
		s.logger.WithError(err).WithField("item_id", itemID).Warn("Failed to cache position")
	}

	s.mu.Lock()
	s.lastSent[itemID] = remote.Position
	s.mu.Unlock()

	return remote.Position
}

// Update writes a new position for an item. No-op when anonymous or when the
// position moved at most minDeltaMs since the last sent value.
func (s *Synchronizer) Update(ctx context.Context, itemID string, positionMs int64) {
	if !s.auth.Authenticated() {
		return
	}

	s.mu.Lock()
	last, have := s.lastSent[itemID]
	if have && abs(positionMs-last) <= s.minDeltaMs {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	// Optimistic local update, rolled back if the backend rejects the write
	var prev *models.PositionRecord
	if record, err := s.db.GetPosition(itemID); err == nil {
		prev = record
	}

	if err := s.db.SavePosition(&models.PositionRecord{ItemID: itemID, PositionMs: positionMs}); err != nil {
		s.logger.WithError(err).WithField("item_id", itemID).Warn("Failed to cache position")
	}

	if _, err := s.client.PutPosition(ctx, itemID, positionMs); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"item_id":     itemID,
			"position_ms": positionMs,
		}).Warn("Position sync failed")
		s.rollback(itemID, prev)
		return
	}

	s.mu.Lock()
	s.lastSent[itemID] = positionMs
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"item_id":     itemID,
		"position_ms": positionMs,
	}).Debug("Position synced")
}

func (s *Synchronizer) rollback(itemID string, prev *models.PositionRecord) {
	var err error
	if prev == nil {
		err = s.db.DeletePosition(itemID)
	} else {
		err = s.db.SavePosition(&models.PositionRecord{
			ItemID:     prev.ItemID,
			PositionMs: prev.PositionMs,
			SyncedAt:   time.Now(),
		})
	}
	if err != nil {
		s.logger.WithError(err).WithField("item_id", itemID).Warn("Failed to roll back cached position")
	}
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
