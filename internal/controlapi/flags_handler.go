package controlapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/rafaeljc/bifrost/internal/flags"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// handleCreateFlag processes POST /api/v1/flags.
func (a *API) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	var req CreateFlagRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		renderError(w, r, http.StatusBadRequest, errResp)
		return
	}

	f, err := a.flags.CreateFlag(r.Context(), flags.FlagInput{
		ID:                req.ID,
		Type:              req.Type,
		Enabled:           req.Enabled,
		RolloutPercentage: req.RolloutPercentage,
		EligibleSegments:  req.EligibleSegments,
		Conditions:        req.Conditions,
		Metadata:          req.Metadata,
	}, a.actor(r), req.Reason)
	if err != nil {
		renderServiceError(w, r, err, "create flag")
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, f)
}

// handleListFlags processes GET /api/v1/flags.
func (a *API) handleListFlags(w http.ResponseWriter, r *http.Request) {
	list := a.flags.ListFlags(r.Context())
	render.Status(r, http.StatusOK)
	render.JSON(w, r, ListResponse{Data: list, Total: len(list)})
}

// handleGetFlag processes GET /api/v1/flags/{id}.
func (a *API) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	f, err := a.flags.GetFlag(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		renderServiceError(w, r, err, "get flag")
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, f)
}

// handleUpdateFlag processes PATCH /api/v1/flags/{id}.
func (a *API) handleUpdateFlag(w http.ResponseWriter, r *http.Request) {
	var req UpdateFlagRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if errResp := req.Validate(); errResp != nil {
		renderError(w, r, http.StatusBadRequest, errResp)
		return
	}

	f, err := a.flags.UpdateFlag(r.Context(), chi.URLParam(r, "id"), flags.FlagUpdate{
		Type:              req.Type,
		Enabled:           req.Enabled,
		RolloutPercentage: req.RolloutPercentage,
		EligibleSegments:  req.EligibleSegments,
		Conditions:        req.Conditions,
		Metadata:          req.Metadata,
	}, a.actor(r), req.Reason)
	if err != nil {
		renderServiceError(w, r, err, "update flag")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, f)
}

// handleDeleteFlag processes DELETE /api/v1/flags/{id}. An active rollout
// for the flag is cancelled first.
func (a *API) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	id := chi.URLParam(r, "id")
	actor := a.actor(r)

	if _, err := a.rollouts.Cancel(r.Context(), id, actor, "flag deleted"); err != nil && !isNoPlan(err) {
		renderServiceError(w, r, err, "cancel rollout")
		return
	}
	if err := a.flags.DeleteFlag(r.Context(), id, actor, req.Reason); err != nil {
		renderServiceError(w, r, err, "delete flag")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleEvaluate processes POST /api/v1/flags/{id}/evaluate. Evaluation
// never fails: unknown flags and degraded dependencies come back as a
// negative decision with a reason.
func (a *API) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	ectx := ruleengine.EvaluationContext{
		SubjectID:  req.SubjectID,
		IP:         req.IP,
		UserAgent:  req.UserAgent,
		Attributes: req.Attributes,
	}
	if req.Timestamp != nil {
		ectx.Timestamp = *req.Timestamp
	}

	id := chi.URLParam(r, "id")
	d := a.flags.Evaluate(r.Context(), id, ectx)

	render.Status(r, http.StatusOK)
	render.JSON(w, r, EvaluateResponse{FlagID: id, Enabled: d.Enabled, Reason: d.Reason})
}

// handleAuditLog processes GET /api/v1/flags/{id}/audit?limit=N.
func (a *API) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	limit, err := parseOptionalInt(r, "limit", 100)
	if err != nil || limit < 0 {
		renderError(w, r, http.StatusBadRequest, &ErrorResponse{
			Code:    ErrCodeInvalidQuery,
			Message: "parameter 'limit' must be a non-negative integer",
		})
		return
	}

	entries, err := a.flags.AuditLog(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		renderServiceError(w, r, err, "list audit entries")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, ListResponse{Data: entries, Total: len(entries)})
}

// handleRollback processes POST /api/v1/flags/{id}/rollback.
func (a *API) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	f, err := a.rollouts.EmergencyRollback(r.Context(), chi.URLParam(r, "id"), a.actor(r), req.Reason)
	if err != nil {
		renderServiceError(w, r, err, "roll back flag")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, f)
}

// parseOptionalInt extracts an integer from the query string.
// If the parameter is missing, it returns the defaultValue.
func parseOptionalInt(r *http.Request, key string, defaultValue int) (int, error) {
	valStr := r.URL.Query().Get(key)
	if valStr == "" {
		return defaultValue, nil
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return 0, fmt.Errorf("parameter '%s' must be an integer", key)
	}
	return val, nil
}
