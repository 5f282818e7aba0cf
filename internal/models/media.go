package models

import "time"

// MediaItem represents one playable lecture track from the catalog.
// Immutable once fetched; the playback core references items but never mutates them.
type MediaItem struct {
	ID           string
	Title        string
	Speaker      string
	Collection   string
	CollectionID string
	DurationSec  int
	ThumbnailURL string
	Position     int // ordinal within its collection
}

// DownloadRecord represents one completed download: the media file on disk
// plus the display metadata from its sidecar.
type DownloadRecord struct {
	ItemID       string
	FilePath     string
	Title        string
	Speaker      string
	Collection   string
	DurationSec  int
	ThumbnailURL string
	FileSize     int64
	DownloadedAt time.Time
}

// PositionRecord represents the last known playback position for one item.
// Only exists for authenticated sessions.
type PositionRecord struct {
	ItemID     string `boltholdKey:"ItemID"`
	PositionMs int64
	SyncedAt   time.Time
}

// ListeningEvent represents played seconds pending report to the backend.
// Buffered locally so reporting survives restarts and network outages.
type ListeningEvent struct {
	ID          uint64 `boltholdKey:"ID"`
	ItemID      string
	PlaySeconds int
	CreatedAt   time.Time
}
