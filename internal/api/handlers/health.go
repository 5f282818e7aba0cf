package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/avielb/kolcast/internal/models"
	"github.com/avielb/kolcast/internal/player"
	"github.com/sirupsen/logrus"
)

// HealthHandler reports daemon liveness plus the transport state, so a
// monitoring check can tell a dead engine from an idle one
type HealthHandler struct {
	session   *player.Session
	logger    *logrus.Logger
	startedAt time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(session *player.Session, logger *logrus.Logger) *HealthHandler {
	return &HealthHandler{
		session:   session,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// healthResponse represents the health check payload
type healthResponse struct {
	Status        string                `json:"status"`
	Transport     models.TransportState `json:"transport"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
}

// ServeHTTP handles the health check endpoint
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := "healthy"
	transport := h.session.State()
	if transport == models.StateError {
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:        status,
		Transport:     transport,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	})
}
