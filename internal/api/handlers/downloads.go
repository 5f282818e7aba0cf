package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/avielb/kolcast/internal/downloads"
	"github.com/sirupsen/logrus"
)

// DownloadsHandler manages offline downloads over HTTP
type DownloadsHandler struct {
	downloadMgr *downloads.Manager
	logger      *logrus.Logger
}

// NewDownloadsHandler creates a new downloads handler
func NewDownloadsHandler(downloadMgr *downloads.Manager, logger *logrus.Logger) *DownloadsHandler {
	return &DownloadsHandler{
		downloadMgr: downloadMgr,
		logger:      logger,
	}
}

// ServeHTTP handles /api/downloads: GET lists, POST starts a download
func (h *DownloadsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.list(w)
	case http.MethodPost:
		h.start(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// Item handles /api/downloads/{id}: DELETE removes a completed download,
// POST with a trailing /cancel stops an in-flight one
func (h *DownloadsHandler) Item(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/downloads/")
	itemID, action, _ := strings.Cut(rest, "/")
	if itemID == "" {
		http.Error(w, "Item id required", http.StatusBadRequest)
		return
	}

	switch {
	case r.Method == http.MethodDelete && action == "":
		if err := h.downloadMgr.Delete(itemID); err != nil {
			h.respondError(w, err)
			return
		}
	case r.Method == http.MethodPost && action == "cancel":
		if err := h.downloadMgr.Cancel(itemID); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeOK(w)
}

// listResponse represents the downloads listing
type listResponse struct {
	Downloads  interface{} `json:"downloads"`
	TotalBytes int64       `json:"total_bytes"`
}

func (h *DownloadsHandler) list(w http.ResponseWriter) {
	records, err := h.downloadMgr.List()
	if err != nil {
		h.logger.WithError(err).Error("Failed to list downloads")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	total, err := h.downloadMgr.TotalBytes()
	if err != nil {
		h.logger.WithError(err).Error("Failed to compute storage use")
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(listResponse{Downloads: records, TotalBytes: total})
}

// start accepts the download and runs the transfer in the background,
// reporting progress to the log
func (h *DownloadsHandler) start(w http.ResponseWriter, r *http.Request) {
	var payload mediaItemPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.logger.WithError(err).Error("Failed to decode download payload")
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}
	if payload.ID == "" {
		http.Error(w, "Item id required", http.StatusBadRequest)
		return
	}

	item := payload.toModel()

	// Conflicts are checked synchronously; refuse before any transfer starts
	if h.downloadMgr.Downloading(item.ID) {
		http.Error(w, "Download already in progress", http.StatusConflict)
		return
	}

	go func() {
		var lastPercent int
		_, err := h.downloadMgr.Start(context.Background(), item, func(written, total int64, percent float64) {
			if int(percent)/10 > lastPercent/10 {
				lastPercent = int(percent)
				h.logger.WithFields(logrus.Fields{
					"item_id": item.ID,
					"percent": lastPercent,
				}).Debug("Download progress")
			}
		})
		if err != nil && !errors.Is(err, downloads.ErrDownloadConflict) {
			h.logger.WithError(err).WithField("item_id", item.ID).Error("Download failed")
		}
	}()

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

func (h *DownloadsHandler) respondError(w http.ResponseWriter, err error) {
	if errors.Is(err, downloads.ErrDownloadConflict) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
