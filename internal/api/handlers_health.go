package api

import (
	"net/http"
	"time"

	"github.com/iammorganparry/clive/apps/conductor/internal/models"
	"github.com/iammorganparry/clive/apps/conductor/internal/relay"
	"github.com/iammorganparry/clive/apps/conductor/internal/sessions"
	"github.com/iammorganparry/clive/apps/conductor/internal/store"
	"github.com/iammorganparry/clive/apps/conductor/internal/workitems"
)

type HealthHandler struct {
	db        *store.DB
	sessions  *sessions.Service
	workItems *workitems.Service
	relay     *relay.Relay
	startedAt time.Time
}

func NewHealthHandler(db *store.DB, sessions *sessions.Service, workItems *workitems.Service, rl *relay.Relay) *HealthHandler {
	return &HealthHandler{db: db, sessions: sessions, workItems: workItems, relay: rl, startedAt: time.Now()}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := models.HealthResponse{
		Status:       "ok",
		RelayClients: h.relay.ClientCount(),
	}

	// Check DB
	count, err := h.db.SessionCount()
	if err != nil {
		resp.DB = models.ServiceCheck{Status: "error", Message: err.Error()}
		resp.Status = "degraded"
	} else {
		resp.DB = models.ServiceCheck{Status: "ok"}
		resp.SessionCount = count
	}

	if stats, err := h.sessions.Stats(r.Context()); err == nil {
		resp.LiveSessions = stats.Live
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// Stats handles GET /stats
func (h *HealthHandler) Stats(w http.ResponseWriter, r *http.Request) {
	sessionStats, err := h.sessions.Stats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	workItemStats, err := h.workItems.Stats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, models.SystemStats{
		Sessions:     *sessionStats,
		WorkItems:    *workItemStats,
		RelayClients: h.relay.ClientCount(),
		Uptime:       int64(time.Since(h.startedAt).Seconds()),
	})
}
