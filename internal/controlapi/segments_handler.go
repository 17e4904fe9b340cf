package controlapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/rafaeljc/bifrost/internal/flags"
)

// handleCreateSegment processes POST /api/v1/segments.
func (a *API) handleCreateSegment(w http.ResponseWriter, r *http.Request) {
	var req CreateSegmentRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		renderError(w, r, http.StatusBadRequest, errResp)
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	seg, err := a.flags.CreateSegment(r.Context(), flags.SegmentInput{
		ID:          req.ID,
		Description: req.Description,
		Criteria:    req.Criteria,
		IsActive:    active,
	})
	if err != nil {
		renderServiceError(w, r, err, "create segment")
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, seg)
}

func (a *API) handleListSegments(w http.ResponseWriter, r *http.Request) {
	list := a.flags.ListSegments(r.Context())
	render.Status(r, http.StatusOK)
	render.JSON(w, r, ListResponse{Data: list, Total: len(list)})
}

func (a *API) handleGetSegment(w http.ResponseWriter, r *http.Request) {
	seg, err := a.flags.GetSegment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		renderServiceError(w, r, err, "get segment")
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, seg)
}

// handleUpdateSegment processes PATCH /api/v1/segments/{id}.
func (a *API) handleUpdateSegment(w http.ResponseWriter, r *http.Request) {
	var req UpdateSegmentRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	seg, err := a.flags.UpdateSegment(r.Context(), chi.URLParam(r, "id"), flags.SegmentUpdate{
		Description: req.Description,
		Criteria:    req.Criteria,
		IsActive:    req.IsActive,
	})
	if err != nil {
		renderServiceError(w, r, err, "update segment")
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, seg)
}

// handleDeleteSegment processes DELETE /api/v1/segments/{id}. Segments still
// referenced by a flag are rejected with 409.
func (a *API) handleDeleteSegment(w http.ResponseWriter, r *http.Request) {
	if err := a.flags.DeleteSegment(r.Context(), chi.URLParam(r, "id")); err != nil {
		renderServiceError(w, r, err, "delete segment")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
