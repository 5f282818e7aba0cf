package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avielb/kolcast/internal/models"
	"github.com/avielb/kolcast/internal/services/backend"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoSource means no playable source could be obtained for an item
	ErrNoSource = errors.New("no playable source available")
	// ErrResolutionTimeout means the backend did not answer within the resolution deadline
	ErrResolutionTimeout = errors.New("stream resolution timed out")
)

// LocalFiles is the capability the resolver uses to prefer downloaded files
type LocalFiles interface {
	LocalPath(itemID string) (string, bool)
}

// StreamAPI is the backend surface the resolver needs
type StreamAPI interface {
	ResolveStream(ctx context.Context, itemID string) (*backend.StreamGrant, error)
}

// Resolver turns a media item into a concrete playable source. Resolution
// order: local downloaded file, then a still-valid cached URL, then a fresh
// URL from the backend.
type Resolver struct {
	client  StreamAPI
	cache   *URLCache
	locals  LocalFiles
	logger  *logrus.Logger
	timeout time.Duration

	mu         sync.Mutex
	refreshing map[string]bool
}

// NewResolver creates a new stream URL resolver
func NewResolver(client StreamAPI, cache *URLCache, locals LocalFiles, timeout time.Duration, logger *logrus.Logger) *Resolver {
	return &Resolver{
		client:     client,
		cache:      cache,
		locals:     locals,
		logger:     logger,
		timeout:    timeout,
		refreshing: make(map[string]bool),
	}
}

// Resolve returns a playable source for an item: a local file path when the
// item is downloaded, otherwise a remote URL
func (r *Resolver) Resolve(ctx context.Context, item *models.MediaItem) (string, error) {
	if path, ok := r.locals.LocalPath(item.ID); ok {
		r.logger.WithFields(logrus.Fields{
			"item_id": item.ID,
			"path":    path,
		}).Debug("Resolved to local file")
		return path, nil
	}

	return r.ResolveRemote(ctx, item)
}

// ResolveRemote returns a remote URL for an item, skipping the local-file
// branch. Downloads use this directly since a download always needs remote
// bytes.
func (r *Resolver) ResolveRemote(ctx context.Context, item *models.MediaItem) (string, error) {
	if entry, ok := r.cache.Get(item.ID); ok {
		if r.cache.NeedsRefresh(entry) {
			r.kickRefresh(item.ID)
		}
		return entry.URL, nil
	}

	return r.fetch(ctx, item.ID)
}

// fetch requests a fresh URL from the backend, racing the configured deadline
func (r *Resolver) fetch(ctx context.Context, itemID string) (string, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	grant, err := r.client.ResolveStream(fetchCtx, itemID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %s", ErrResolutionTimeout, itemID)
		}
		if errors.Is(err, backend.ErrUnauthorized) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrNoSource, err)
	}

	r.cache.Set(itemID, grant.URL, grant.ExpiresAt)
	r.logger.WithFields(logrus.Fields{
		"item_id":    itemID,
		"expires_at": grant.ExpiresAt,
	}).Debug("Resolved fresh stream URL")

	return grant.URL, nil
}

// kickRefresh starts one background replacement fetch for an item. A second
// call while a refresh is in flight is a no-op.
func (r *Resolver) kickRefresh(itemID string) {
	r.mu.Lock()
	if r.refreshing[itemID] {
		r.mu.Unlock()
		return
	}
	r.refreshing[itemID] = true
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.refreshing, itemID)
			r.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		grant, err := r.client.ResolveStream(ctx, itemID)
		if err != nil {
			// Stale entry stays usable until its own expiry
			r.logger.WithError(err).WithField("item_id", itemID).Warn("Background URL refresh failed")
			return
		}

		r.cache.Set(itemID, grant.URL, grant.ExpiresAt)
		r.logger.WithField("item_id", itemID).Debug("Background URL refresh completed")
	}()
}
