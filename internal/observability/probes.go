package observability

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"
)

// readinessResponse maps each component to "up" or "down: <error>".
type readinessResponse struct {
	Status map[string]string `json:"status"`
}

func (s *Server) liveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readiness returns 503 when any checker fails within the configured timeout.
func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Timeout)
	defer cancel()

	failures := RunChecks(ctx, s.checkers)

	resp := readinessResponse{Status: make(map[string]string, len(s.checkers))}
	for _, c := range s.checkers {
		resp.Status[c.Name()] = "up"
	}
	for name, err := range failures {
		s.logger.Warn("readiness check failed", slog.String("component", name), slog.String("error", err.Error()))
		resp.Status[name] = "down: " + err.Error()
	}

	code := http.StatusOK
	if len(failures) > 0 {
		code = http.StatusServiceUnavailable
	}
	render.Status(r, code)
	render.JSON(w, r, resp)
}
