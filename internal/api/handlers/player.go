package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/avielb/kolcast/internal/models"
	"github.com/avielb/kolcast/internal/player"
	"github.com/sirupsen/logrus"
)

// PlayerHandler exposes the session's transport contract over HTTP. It only
// translates requests to session operations; all playback logic stays in the
// session.
type PlayerHandler struct {
	session *player.Session
	logger  *logrus.Logger
}

// NewPlayerHandler creates a new player handler
func NewPlayerHandler(session *player.Session, logger *logrus.Logger) *PlayerHandler {
	return &PlayerHandler{
		session: session,
		logger:  logger,
	}
}

// Command handles POST /api/player/command
func (h *PlayerHandler) Command(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var cmd player.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		h.logger.WithError(err).Error("Failed to decode command payload")
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if err := h.session.Dispatch(cmd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeOK(w)
}

// lectureRequest carries one media item plus optional queue context
type lectureRequest struct {
	Item         mediaItemPayload   `json:"item"`
	CollectionID string             `json:"collectionId,omitempty"`
	Queue        []mediaItemPayload `json:"queue,omitempty"`
	StartIndex   int                `json:"startIndex,omitempty"`
}

type mediaItemPayload struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Speaker      string `json:"speaker"`
	Collection   string `json:"collection"`
	CollectionID string `json:"collectionId"`
	DurationSec  int    `json:"durationSec"`
	ThumbnailURL string `json:"thumbnailUrl"`
	Position     int    `json:"position"`
}

func (p mediaItemPayload) toModel() *models.MediaItem {
	return &models.MediaItem{
		ID:           p.ID,
		Title:        p.Title,
		Speaker:      p.Speaker,
		Collection:   p.Collection,
		CollectionID: p.CollectionID,
		DurationSec:  p.DurationSec,
		ThumbnailURL: p.ThumbnailURL,
		Position:     p.Position,
	}
}

// Lecture handles POST /api/player/lecture: play one item, or a whole
// collection when a queue is supplied
func (h *PlayerHandler) Lecture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req lectureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WithError(err).Error("Failed to decode lecture payload")
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}
	if req.Item.ID == "" && len(req.Queue) == 0 {
		http.Error(w, "Item or queue required", http.StatusBadRequest)
		return
	}

	if len(req.Queue) > 0 {
		items := make([]*models.MediaItem, len(req.Queue))
		for i, payload := range req.Queue {
			items[i] = payload.toModel()
		}
		h.session.PlayCollection(req.CollectionID, items, req.StartIndex)
	} else {
		h.session.SetLecture(req.Item.toModel())
	}

	writeOK(w)
}

// Queue handles POST /api/player/queue: append an item to the play queue
func (h *PlayerHandler) Queue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload mediaItemPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.logger.WithError(err).Error("Failed to decode queue payload")
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}
	if payload.ID == "" {
		http.Error(w, "Item id required", http.StatusBadRequest)
		return
	}

	h.session.AddToQueue(payload.toModel())
	writeOK(w)
}

// sleepRequest sets or clears the sleep timer
type sleepRequest struct {
	Seconds int `json:"seconds"`
}

// Sleep handles POST /api/player/sleep. Zero seconds cancels the timer.
func (h *PlayerHandler) Sleep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req sleepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WithError(err).Error("Failed to decode sleep payload")
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if req.Seconds <= 0 {
		h.session.CancelSleepTimer()
	} else {
		h.session.SetSleepTimer(time.Duration(req.Seconds) * time.Second)
	}

	writeOK(w)
}

// mode handles repeat and shuffle changes
type modeRequest struct {
	Repeat  *models.RepeatMode `json:"repeat,omitempty"`
	Shuffle *bool              `json:"shuffle,omitempty"`
}

// Mode handles POST /api/player/mode
func (h *PlayerHandler) Mode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WithError(err).Error("Failed to decode mode payload")
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if req.Repeat != nil {
		h.session.SetRepeat(*req.Repeat)
	}
	if req.Shuffle != nil {
		h.session.SetShuffle(*req.Shuffle)
	}

	writeOK(w)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
