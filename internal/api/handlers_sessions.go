package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/iammorganparry/clive/apps/conductor/internal/models"
	"github.com/iammorganparry/clive/apps/conductor/internal/sessions"
	"github.com/iammorganparry/clive/apps/conductor/internal/workitems"
)

type SessionHandler struct {
	svc       *sessions.Service
	workItems *workitems.Service
}

func NewSessionHandler(svc *sessions.Service, workItems *workitems.Service) *SessionHandler {
	return &SessionHandler{svc: svc, workItems: workItems}
}

// Create handles POST /sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	// Reject an unknown work item before anything is created.
	if req.WorkItemID != "" {
		if _, err := h.workItems.Get(r.Context(), req.WorkItemID); err != nil {
			writeServiceError(w, err)
			return
		}
	}

	sess, err := h.svc.Create(r.Context(), &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if req.WorkItemID != "" {
		if sess, err = h.workItems.Associate(r.Context(), sess.ID, req.WorkItemID); err != nil {
			writeServiceError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, sess)
}

// List handles GET /sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	req := &models.ListSessionsRequest{
		Status:     models.SessionStatus(r.URL.Query().Get("status")),
		WorkItemID: r.URL.Query().Get("workItemId"),
	}

	list, err := h.svc.List(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": list,
	})
}

// Get handles GET /sessions/{id}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Delete handles DELETE /sessions/{id}
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Start handles POST /sessions/{id}/start
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.svc.Start)
}

// Interrupt handles POST /sessions/{id}/interrupt
func (h *SessionHandler) Interrupt(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.svc.Interrupt)
}

// Resume handles POST /sessions/{id}/resume
func (h *SessionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.svc.Resume)
}

// Complete handles POST /sessions/{id}/complete
func (h *SessionHandler) Complete(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.svc.Complete)
}

func (h *SessionHandler) command(
	w http.ResponseWriter,
	r *http.Request,
	fn func(ctx context.Context, id string) (*models.Session, error),
) {
	sess, err := fn(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// SendMessage handles POST /sessions/{id}/messages. Without wait the
// message is accepted once the agent has it; the reply arrives over /ws.
func (h *SessionHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req models.SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	msg, err := h.svc.SendMessage(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusAccepted
	if req.Wait {
		status = http.StatusOK
	}
	writeJSON(w, status, msg)
}

// Messages handles GET /sessions/{id}/messages?page=&limit=
func (h *SessionHandler) Messages(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		writeServiceError(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeServiceError(w, err)
		return
	}

	result, err := h.svc.GetMessages(r.Context(), chi.URLParam(r, "id"), page, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Reorder handles POST /sessions/reorder
func (h *SessionHandler) Reorder(w http.ResponseWriter, r *http.Request) {
	var req models.ReorderSessionsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	list, err := h.svc.Reorder(r.Context(), &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": list,
	})
}

// Disassociate handles DELETE /sessions/{id}/work-item
func (h *SessionHandler) Disassociate(w http.ResponseWriter, r *http.Request) {
	sess, err := h.workItems.Disassociate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
