package downloads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/avielb/kolcast/internal/models"
	"github.com/sirupsen/logrus"
)

// ErrDownloadConflict means the item is already downloaded or a download for
// it is already in flight
var ErrDownloadConflict = errors.New("download already exists or is in progress")

// SourceResolver is the capability used to obtain remote bytes for an item
type SourceResolver interface {
	ResolveRemote(ctx context.Context, item *models.MediaItem) (string, error)
}

// ProgressFunc reports transfer progress. totalBytes is -1 when the server
// does not announce a content length.
type ProgressFunc func(bytesWritten, totalBytes int64, percent float64)

type inflight struct {
	cancel    context.CancelFunc
	startedAt time.Time
}

// Manager persists media items to local storage for offline playback. At most
// one in-flight download may exist per item identity.
type Manager struct {
	store      *Store
	resolver   SourceResolver
	httpClient *http.Client
	logger     *logrus.Logger

	mu       sync.Mutex
	inflight map[string]*inflight
}

// NewManager creates a new download manager
func NewManager(store *Store, resolver SourceResolver, logger *logrus.Logger) *Manager {
	return &Manager{
		store:      store,
		resolver:   resolver,
		httpClient: &http.Client{}, // media transfers may legitimately take a long time, no client timeout
		logger:     logger,
		inflight:   make(map[string]*inflight),
	}
}

// Start downloads an item to local storage, blocking until the transfer
// completes, fails, or is cancelled. Preconditions are checked before any
// filesystem work: an already-downloaded or already-downloading identity is
// rejected with ErrDownloadConflict.
func (m *Manager) Start(ctx context.Context, item *models.MediaItem, onProgress ProgressFunc) (*models.DownloadRecord, error) {
	m.mu.Lock()
	if _, ok := m.inflight[item.ID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is downloading", ErrDownloadConflict, item.ID)
	}
	if _, ok := m.store.LocalPath(item.ID); ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is already downloaded", ErrDownloadConflict, item.ID)
	}

	dlCtx, cancel := context.WithCancel(ctx)
	m.inflight[item.ID] = &inflight{cancel: cancel, startedAt: time.Now()}
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.inflight, item.ID)
		m.mu.Unlock()
	}()

	record, err := m.download(dlCtx, item, onProgress)
	if err != nil {
		// Purge partial artifacts so a retry starts clean
		if rmErr := m.store.Remove(item.ID); rmErr != nil {
			m.logger.WithError(rmErr).WithField("item_id", item.ID).Warn("Failed to purge partial download")
		}
		return nil, err
	}

	return record, nil
}

func (m *Manager) download(ctx context.Context, item *models.MediaItem, onProgress ProgressFunc) (*models.DownloadRecord, error) {
	if err := m.store.EnsureDir(); err != nil {
		return nil, fmt.Errorf("failed to create downloads directory: %w", err)
	}

	source, err := m.resolver.ResolveRemote(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve download source: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"item_id": item.ID,
		"title":   item.Title,
	}).Info("Starting download")

	req, err := http.NewRequestWithContext(ctx, "GET", source, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}
	req.Header.Set("User-Agent", "kolcast/1.0")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	written, err := m.writeFile(ctx, m.store.MediaPath(item.ID), resp.Body, resp.ContentLength, onProgress)
	if err != nil {
		return nil, err
	}

	if err := m.store.WriteSidecar(item, written); err != nil {
		return nil, fmt.Errorf("failed to write sidecar: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"item_id":    item.ID,
		"size_bytes": written,
	}).Info("Download completed")

	return &models.DownloadRecord{
		ItemID:       item.ID,
		FilePath:     m.store.MediaPath(item.ID),
		Title:        item.Title,
		Speaker:      item.Speaker,
		Collection:   item.Collection,
		DurationSec:  item.DurationSec,
		ThumbnailURL: item.ThumbnailURL,
		FileSize:     written,
		DownloadedAt: time.Now(),
	}, nil
}

// writeFile streams the response body to disk in chunks, reporting progress
// and honoring cancellation between chunks
func (m *Manager) writeFile(ctx context.Context, path string, body io.Reader, total int64, onProgress ProgressFunc) (int64, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create media file: %w", err)
	}
	defer file.Close()

	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, fmt.Errorf("download cancelled: %w", err)
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := file.Write(buf[:n]); writeErr != nil {
				return written, fmt.Errorf("failed to write media file: %w", writeErr)
			}
			written += int64(n)

			if onProgress != nil {
				percent := float64(0)
				if total > 0 {
					percent = float64(written) / float64(total) * 100
				}
				onProgress(written, total, percent)
			}
		}

		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("failed to read download stream: %w", readErr)
		}
	}
}

// Cancel stops an in-flight download. The transfer loop purges the partial
// file on its way out.
func (m *Manager) Cancel(itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fl, ok := m.inflight[itemID]
	if !ok {
		return fmt.Errorf("no in-flight download for %s", itemID)
	}

	m.logger.WithField("item_id", itemID).Info("Cancelling download")
	fl.cancel()
	return nil
}

// CancelStuck cancels in-flight downloads older than timeout. Called
// periodically by the scheduler.
func (m *Manager) CancelStuck(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for itemID, fl := range m.inflight {
		if time.Since(fl.startedAt) > timeout {
			m.logger.WithFields(logrus.Fields{
				"item_id": itemID,
				"age":     time.Since(fl.startedAt).Round(time.Second),
			}).Warn("Cancelling stuck download")
			fl.cancel()
		}
	}
}

// Delete removes a completed download from local storage
func (m *Manager) Delete(itemID string) error {
	m.mu.Lock()
	if _, ok := m.inflight[itemID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is downloading, cancel it first", ErrDownloadConflict, itemID)
	}
	m.mu.Unlock()

	m.logger.WithField("item_id", itemID).Info("Deleting download")
	return m.store.Remove(itemID)
}

// List returns all completed downloads
func (m *Manager) List() ([]*models.DownloadRecord, error) {
	return m.store.List()
}

// TotalBytes returns local storage used by downloads
func (m *Manager) TotalBytes() (int64, error) {
	return m.store.TotalBytes()
}

// Downloading reports whether a download for the item is in flight
func (m *Manager) Downloading(itemID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inflight[itemID]
	return ok
}
