package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/avielb/kolcast/internal/downloads"
	"github.com/avielb/kolcast/internal/player"
	"github.com/sirupsen/logrus"
)

// StatusHandler reports the playback session and download storage state
type StatusHandler struct {
	session     *player.Session
	downloadMgr *downloads.Manager
	logger      *logrus.Logger
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(session *player.Session, downloadMgr *downloads.Manager, logger *logrus.Logger) *StatusHandler {
	return &StatusHandler{
		session:     session,
		downloadMgr: downloadMgr,
		logger:      logger,
	}
}

// StatusResponse represents the status response
type StatusResponse struct {
	Player         player.Status `json:"player"`
	DownloadCount  int           `json:"download_count"`
	DownloadsBytes int64         `json:"downloads_bytes"`
}

// ServeHTTP handles the status endpoint
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := StatusResponse{
		Player: h.session.Status(),
	}

	records, err := h.downloadMgr.List()
	if err != nil {
		h.logger.WithError(err).Error("Failed to list downloads")
	} else {
		response.DownloadCount = len(records)
		for _, record := range records {
			response.DownloadsBytes += record.FileSize
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
