package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/iammorganparry/clive/apps/conductor/internal/models"
	"github.com/iammorganparry/clive/apps/conductor/internal/workitems"
)

type WorkItemHandler struct {
	svc *workitems.Service
}

func NewWorkItemHandler(svc *workitems.Service) *WorkItemHandler {
	return &WorkItemHandler{svc: svc}
}

// Create handles POST /work-items
func (h *WorkItemHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.CreateWorkItemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	item, err := h.svc.Create(r.Context(), &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// List handles GET /work-items
func (h *WorkItemHandler) List(w http.ResponseWriter, r *http.Request) {
	req := &models.ListWorkItemsRequest{
		Status:    models.WorkItemStatus(r.URL.Query().Get("status")),
		ProjectID: r.URL.Query().Get("projectId"),
	}

	items, err := h.svc.List(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"workItems": items,
	})
}

// Stats handles GET /work-items/stats
func (h *WorkItemHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Get handles GET /work-items/{id}
func (h *WorkItemHandler) Get(w http.ResponseWriter, r *http.Request) {
	detail, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// Update handles PATCH /work-items/{id}
func (h *WorkItemHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateWorkItemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	item, err := h.svc.Update(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// Delete handles DELETE /work-items/{id}
func (h *WorkItemHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Associate handles POST /work-items/{id}/sessions/{sessionId}
func (h *WorkItemHandler) Associate(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Associate(r.Context(), chi.URLParam(r, "sessionId"), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// ReadDevLog handles GET /work-items/{id}/devlog
func (h *WorkItemHandler) ReadDevLog(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.ReadDevLog(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// AppendDevLog handles POST /work-items/{id}/devlog
func (h *WorkItemHandler) AppendDevLog(w http.ResponseWriter, r *http.Request) {
	var req models.AppendDevLogRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	resp, err := h.svc.AppendDevLog(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
