package controlapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/rafaeljc/bifrost/internal/rollout"
)

// handleStartRollout processes POST /api/v1/flags/{id}/rollout.
func (a *API) handleStartRollout(w http.ResponseWriter, r *http.Request) {
	var req StartRolloutRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	var interval time.Duration
	if req.StepInterval != "" {
		d, err := time.ParseDuration(req.StepInterval)
		if err != nil {
			renderError(w, r, http.StatusBadRequest, invalidInput("step_interval", "must be a duration such as 30s or 5m"))
			return
		}
		interval = d
	}

	st, err := a.rollouts.Start(r.Context(), rollout.Plan{
		FlagID:       chi.URLParam(r, "id"),
		Checkpoints:  req.Checkpoints,
		StepInterval: interval,
		Actor:        a.actor(r),
		Reason:       req.Reason,
	})
	if err != nil {
		renderServiceError(w, r, err, "start rollout")
		return
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, toRolloutResponse(st))
}

// handleRolloutStatus processes GET /api/v1/flags/{id}/rollout.
func (a *API) handleRolloutStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.rollouts.Status(chi.URLParam(r, "id"))
	if err != nil {
		renderServiceError(w, r, err, "get rollout")
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, toRolloutResponse(st))
}

// handleCancelRollout processes DELETE /api/v1/flags/{id}/rollout.
func (a *API) handleCancelRollout(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	st, err := a.rollouts.Cancel(r.Context(), chi.URLParam(r, "id"), a.actor(r), req.Reason)
	if err != nil {
		renderServiceError(w, r, err, "cancel rollout")
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, toRolloutResponse(st))
}

// handleResumeRollout processes POST /api/v1/flags/{id}/rollout/resume.
func (a *API) handleResumeRollout(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	st, err := a.rollouts.Resume(r.Context(), chi.URLParam(r, "id"), a.actor(r), req.Reason)
	if err != nil {
		renderServiceError(w, r, err, "resume rollout")
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, toRolloutResponse(st))
}

// handleListRollouts processes GET /api/v1/rollouts.
func (a *API) handleListRollouts(w http.ResponseWriter, r *http.Request) {
	list := a.rollouts.List()
	out := make([]RolloutResponse, len(list))
	for i, st := range list {
		out[i] = toRolloutResponse(st)
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, ListResponse{Data: out, Total: len(out)})
}

func toRolloutResponse(st rollout.Status) RolloutResponse {
	return RolloutResponse{
		FlagID:            st.FlagID,
		State:             string(st.State),
		Checkpoints:       st.Checkpoints,
		StepInterval:      st.StepInterval.String(),
		CurrentStepIndex:  st.CurrentStepIndex,
		CurrentPercentage: st.CurrentPercentage(),
		StartedBy:         st.StartedBy,
		StartedAt:         st.StartedAt,
		UpdatedAt:         st.UpdatedAt,
		LastError:         st.LastError,
	}
}

func isNoPlan(err error) bool {
	return errors.Is(err, rollout.ErrNoPlan)
}
