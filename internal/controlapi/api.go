// Package controlapi implements the REST API of the Bifrost control plane.
package controlapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/flags"
	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/rollout"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/validation"
)

// ActorHeader names the operator performing a mutation.
const ActorHeader = "X-Actor"

// RolloutController is the part of rollout.Controller the API drives.
type RolloutController interface {
	Start(ctx context.Context, p rollout.Plan) (rollout.Status, error)
	Status(flagID string) (rollout.Status, error)
	List() []rollout.Status
	Cancel(ctx context.Context, flagID, actor, reason string) (rollout.Status, error)
	Resume(ctx context.Context, flagID, actor, reason string) (rollout.Status, error)
	EmergencyRollback(ctx context.Context, flagID, actor, reason string) (*ruleengine.FeatureFlag, error)
}

// API holds the dependencies and the router of the control plane.
type API struct {
	// Router is the Chi multiplexer that handles HTTP requests.
	Router *chi.Mux

	logger   *slog.Logger
	flags    *flags.Service
	rollouts RolloutController

	maxBodyBytes int64
	defaultActor string
}

// NewAPI wires the routes. Panics on nil dependencies.
func NewAPI(log *slog.Logger, cfg *config.ControlPlaneConfig, svc *flags.Service, rollouts RolloutController) *API {
	validation.AssertNotNil(cfg, "control plane config")
	validation.AssertNotNil(svc, "flag service")
	validation.AssertNotNilInterface(rollouts, "rollout controller")

	api := &API{
		Router:       chi.NewRouter(),
		logger:       logger.OrDefault(log),
		flags:        svc,
		rollouts:     rollouts,
		maxBodyBytes: cfg.MaxBodyBytes,
		defaultActor: cfg.DefaultActor,
	}

	api.configureRoutes()
	return api
}

// configureRoutes registers the global middleware stack and API endpoints.
func (a *API) configureRoutes() {
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.RealIP)
	a.Router.Use(a.RequestLogger)
	a.Router.Use(Metrics)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(a.limitBody)
	a.Router.Use(render.SetContentType(render.ContentTypeJSON))

	a.Router.Get("/health", a.handleHealthCheck)

	a.Router.Route("/api/v1", func(r chi.Router) {
		r.Route("/flags", func(r chi.Router) {
			r.Post("/", a.handleCreateFlag)
			r.Get("/", a.handleListFlags)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.handleGetFlag)
				r.Patch("/", a.handleUpdateFlag)
				r.Delete("/", a.handleDeleteFlag)

				r.Post("/evaluate", a.handleEvaluate)
				r.Get("/audit", a.handleAuditLog)
				r.Post("/rollback", a.handleRollback)

				r.Route("/rollout", func(r chi.Router) {
					r.Post("/", a.handleStartRollout)
					r.Get("/", a.handleRolloutStatus)
					r.Delete("/", a.handleCancelRollout)
					r.Post("/resume", a.handleResumeRollout)
				})
			})
		})

		r.Get("/rollouts", a.handleListRollouts)

		r.Route("/segments", func(r chi.Router) {
			r.Post("/", a.handleCreateSegment)
			r.Get("/", a.handleListSegments)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.handleGetSegment)
				r.Patch("/", a.handleUpdateSegment)
				r.Delete("/", a.handleDeleteSegment)
			})
		})
	})
}

// handleHealthCheck reports that the HTTP server is serving. Dependency
// checks live on the observability server's readiness probe.
func (a *API) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "ok"})
}
