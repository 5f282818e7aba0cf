package downloads

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avielb/kolcast/internal/models"
)

const (
	mediaExt   = ".mp3"
	sidecarExt = ".json"
)

// sidecar is the JSON metadata blob written alongside each downloaded file.
// Kept separate from the binary so display data survives even if playback of
// the file later fails.
type sidecar struct {
	ItemID       string    `json:"itemId"`
	Title        string    `json:"title"`
	Speaker      string    `json:"speaker"`
	Collection   string    `json:"collection"`
	DurationSec  int       `json:"durationSec"`
	ThumbnailURL string    `json:"thumbnailUrl"`
	FileSize     int64     `json:"fileSize"`
	DownloadedAt time.Time `json:"downloadedAt"`
}

// Store manages the downloads directory: one media file plus one sidecar per
// item, both named deterministically by item identity.
type Store struct {
	dir string
}

// NewStore creates a new download store rooted at dir
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// EnsureDir creates the downloads directory if it doesn't exist
func (s *Store) EnsureDir() error {
	return os.MkdirAll(s.dir, 0755)
}

// MediaPath returns the media file path for an item
func (s *Store) MediaPath(itemID string) string {
	return filepath.Join(s.dir, itemID+mediaExt)
}

// SidecarPath returns the sidecar metadata path for an item
func (s *Store) SidecarPath(itemID string) string {
	return filepath.Join(s.dir, itemID+sidecarExt)
}

// LocalPath returns the media file path for an item when it exists on disk
func (s *Store) LocalPath(itemID string) (string, bool) {
	path := s.MediaPath(itemID)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// WriteSidecar writes the metadata sidecar for a completed download
func (s *Store) WriteSidecar(item *models.MediaItem, fileSize int64) error {
	meta := sidecar{
		ItemID:       item.ID,
		Title:        item.Title,
		Speaker:      item.Speaker,
		Collection:   item.Collection,
		DurationSec:  item.DurationSec,
		ThumbnailURL: item.ThumbnailURL,
		FileSize:     fileSize,
		DownloadedAt: time.Now(),
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sidecar: %w", err)
	}

	return os.WriteFile(s.SidecarPath(item.ID), data, 0644)
}

// Remove deletes the media file and sidecar for an item. Missing files are
// not an error, so it is safe for purging partial downloads.
func (s *Store) Remove(itemID string) error {
	if err := os.Remove(s.MediaPath(itemID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove media file: %w", err)
	}
	if err := os.Remove(s.SidecarPath(itemID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove sidecar: %w", err)
	}
	return nil
}

// List reconstructs download records by scanning the directory and pairing
// each media file with its sidecar. A missing or unreadable sidecar degrades
// to placeholder display fields rather than an error.
func (s *Store) List() ([]*models.DownloadRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read downloads directory: %w", err)
	}

	var records []*models.DownloadRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), mediaExt) {
			continue
		}

		itemID := strings.TrimSuffix(entry.Name(), mediaExt)
		info, err := entry.Info()
		if err != nil {
			continue
		}

		record := &models.DownloadRecord{
			ItemID:       itemID,
			FilePath:     s.MediaPath(itemID),
			Title:        itemID,
			FileSize:     info.Size(),
			DownloadedAt: info.ModTime(),
		}

		if meta, err := s.readSidecar(itemID); err == nil {
			record.Title = meta.Title
			record.Speaker = meta.Speaker
			record.Collection = meta.Collection
			record.DurationSec = meta.DurationSec
			record.ThumbnailURL = meta.ThumbnailURL
			record.DownloadedAt = meta.DownloadedAt
		}

		records = append(records, record)
	}

	return records, nil
}

// TotalBytes returns the total size of all downloaded media files
func (s *Store) TotalBytes() (int64, error) {
	records, err := s.List()
	if err != nil {
		return 0, err
	}

	var total int64
	for _, record := range records {
		total += record.FileSize
	}
	return total, nil
}

func (s *Store) readSidecar(itemID string) (*sidecar, error) {
	data, err := os.ReadFile(s.SidecarPath(itemID))
	if err != nil {
		return nil, err
	}

	var meta sidecar
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
