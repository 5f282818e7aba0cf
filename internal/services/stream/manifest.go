package stream

import (
	"context"
	"sync"
	"time"

	"github.com/avielb/kolcast/internal/models"
	"github.com/avielb/kolcast/internal/services/backend"
	"github.com/sirupsen/logrus"
)

// ManifestAPI is the backend surface the batch resolver needs
type ManifestAPI interface {
	ResolveManifest(ctx context.Context, collectionID string, itemIDs []string) (*backend.Manifest, error)
}

// ManifestResolver bulk-resolves playable sources for a whole collection in
// one round trip, falling back to rate-limited sequential resolution when
// the manifest endpoint is unavailable.
type ManifestResolver struct {
	client       ManifestAPI
	cache        *URLCache
	resolver     *Resolver
	logger       *logrus.Logger
	fallbackWait time.Duration

	mu             sync.Mutex
	lastCollection string
	lastItems      []*models.MediaItem
}

// NewManifestResolver creates a new batch manifest resolver
func NewManifestResolver(client ManifestAPI, cache *URLCache, resolver *Resolver, fallbackWait time.Duration, logger *logrus.Logger) *ManifestResolver {
	return &ManifestResolver{
		client:       client,
		cache:        cache,
		resolver:     resolver,
		logger:       logger,
		fallbackWait: fallbackWait,
	}
}

// ResolveCollection resolves playable sources for every item of a collection.
// Individual item failures in the fallback path are skipped, so the result
// may hold fewer entries than items.
func (m *ManifestResolver) ResolveCollection(ctx context.Context, collectionID string, items []*models.MediaItem, progress func(resolved, total int)) (map[string]string, error) {
	m.mu.Lock()
	m.lastCollection = collectionID
	m.lastItems = items
	m.mu.Unlock()

	sources, err := m.resolveManifest(ctx, collectionID, items, progress)
	if err != nil {
		m.logger.WithError(err).WithField("collection_id", collectionID).
			Warn("Manifest resolution failed, falling back to sequential resolution")
		return m.resolveSequential(ctx, items, progress)
	}

	// The backend may answer for only part of the request; resolve the gap
	// item by item so no item silently ends up without a source
	var missing []*models.MediaItem
	for _, item := range items {
		if _, ok := sources[item.ID]; !ok {
			missing = append(missing, item)
		}
	}
	if len(missing) == 0 {
		return sources, nil
	}

	m.logger.WithFields(logrus.Fields{
		"collection_id": collectionID,
		"missing":       len(missing),
	}).Warn("Manifest response incomplete, resolving remainder sequentially")

	base := len(sources)
	rest, err := m.resolveSequential(ctx, missing, func(resolved, total int) {
		if progress != nil {
			progress(base+resolved, len(items))
		}
	})
	for itemID, src := range rest {
		sources[itemID] = src
	}
	return sources, err
}

// resolveManifest is the primary path: one request for the whole collection
func (m *ManifestResolver) resolveManifest(ctx context.Context, collectionID string, items []*models.MediaItem, progress func(resolved, total int)) (map[string]string, error) {
	itemIDs := make([]string, len(items))
	for i, item := range items {
		itemIDs[i] = item.ID
	}

	manifest, err := m.client.ResolveManifest(ctx, collectionID, itemIDs)
	if err != nil {
		return nil, err
	}

	sources := make(map[string]string, len(manifest.Tracks))
	for i, track := range manifest.Tracks {
		m.cache.Set(track.ItemID, track.URL, track.ExpiresAt)
		sources[track.ItemID] = track.URL
		if progress != nil {
			progress(i+1, len(items))
		}
	}

	m.logger.WithFields(logrus.Fields{
		"collection_id": collectionID,
		"count":         len(sources),
	}).Info("Collection manifest resolved")

	return sources, nil
}

// resolveSequential is the fallback path: item by item with a fixed delay to
// respect upstream rate limits, continuing past individual failures
func (m *ManifestResolver) resolveSequential(ctx context.Context, items []*models.MediaItem, progress func(resolved, total int)) (map[string]string, error) {
	sources := make(map[string]string, len(items))

	for i, item := range items {
		src, err := m.resolver.ResolveRemote(ctx, item)
		if err != nil {
			m.logger.WithError(err).WithField("item_id", item.ID).Warn("Skipping unresolvable item")
		} else {
			sources[item.ID] = src
		}

		if progress != nil {
			progress(i+1, len(items))
		}

		if i < len(items)-1 {
			select {
			case <-ctx.Done():
				return sources, ctx.Err()
			case <-time.After(m.fallbackWait):
			}
		}
	}

	return sources, nil
}

// RefreshIfNeeded re-resolves the last played collection when its earliest
// expiring cache entry crosses the refresh threshold. Called periodically by
// the scheduler; fire-and-forget relative to ongoing playback.
func (m *ManifestResolver) RefreshIfNeeded(ctx context.Context) {
	m.mu.Lock()
	collectionID := m.lastCollection
	items := m.lastItems
	m.mu.Unlock()

	if collectionID == "" {
		return
	}

	needed := false
	for _, item := range items {
		entry, ok := m.cache.Get(item.ID)
		if !ok || m.cache.NeedsRefresh(entry) {
			needed = true
			break
		}
	}
	if !needed {
		return
	}

	m.logger.WithField("collection_id", collectionID).Debug("Refreshing collection manifest")
	if _, err := m.resolveManifest(ctx, collectionID, items, nil); err != nil {
		m.logger.WithError(err).WithField("collection_id", collectionID).Warn("Collection manifest refresh failed")
	}
}
