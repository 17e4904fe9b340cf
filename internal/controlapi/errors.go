package controlapi

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/rafaeljc/bifrost/internal/flags"
	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/rollout"
	"github.com/rafaeljc/bifrost/internal/store"
)

// ErrCodePayloadTooLarge is returned when a body exceeds MaxBodyBytes.
const ErrCodePayloadTooLarge = "ERR_PAYLOAD_TOO_LARGE"

func renderError(w http.ResponseWriter, r *http.Request, status int, resp *ErrorResponse) {
	render.Status(r, status)
	render.JSON(w, r, resp)
}

// decodeBody decodes a JSON body into dst. An empty body is accepted when
// optional is true. It renders the error response itself and reports
// whether the handler may continue.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	err := render.DecodeJSON(r.Body, dst)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		renderError(w, r, http.StatusRequestEntityTooLarge, &ErrorResponse{
			Code:    ErrCodePayloadTooLarge,
			Message: "Request body is too large",
		})
		return false
	}

	logger.FromContext(r.Context()).Warn("invalid json payload", slog.String("error", err.Error()))
	renderError(w, r, http.StatusBadRequest, &ErrorResponse{
		Code:    ErrCodeInvalidJSON,
		Message: "Invalid JSON payload: " + err.Error(),
	})
	return false
}

// renderServiceError maps domain errors to HTTP responses. Anything
// unrecognised is logged and reported as 500.
func renderServiceError(w http.ResponseWriter, r *http.Request, err error, op string) {
	switch {
	case errors.Is(err, flags.ErrFlagNotFound),
		errors.Is(err, flags.ErrSegmentNotFound),
		errors.Is(err, rollout.ErrNoPlan):
		renderError(w, r, http.StatusNotFound, &ErrorResponse{Code: ErrCodeNotFound, Message: err.Error()})

	case errors.Is(err, flags.ErrFlagExists),
		errors.Is(err, flags.ErrSegmentExists),
		errors.Is(err, flags.ErrSegmentInUse),
		errors.Is(err, rollout.ErrActivePlan),
		errors.Is(err, rollout.ErrNotPaused),
		errors.Is(err, store.ErrConflict):
		renderError(w, r, http.StatusConflict, &ErrorResponse{Code: ErrCodeConflict, Message: err.Error()})

	case errors.Is(err, flags.ErrInvalidFlag),
		errors.Is(err, flags.ErrInvalidSegment),
		errors.Is(err, flags.ErrActorRequired),
		errors.Is(err, rollout.ErrInvalidPlan):
		renderError(w, r, http.StatusBadRequest, &ErrorResponse{Code: ErrCodeInvalidInput, Message: err.Error()})

	case errors.Is(err, rollout.ErrControllerClosed):
		renderError(w, r, http.StatusServiceUnavailable, &ErrorResponse{Code: ErrCodeUnavailable, Message: err.Error()})

	default:
		logger.FromContext(r.Context()).Error("request failed",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
		renderError(w, r, http.StatusInternalServerError, &ErrorResponse{
			Code:    ErrCodeInternal,
			Message: "Failed to " + op,
		})
	}
}
