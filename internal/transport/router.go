package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/tessera/internal/config"
	"github.com/pitabwire/tessera/internal/observability"
)

// APIPrefix is the mount point of the authenticated API.
const APIPrefix = "/api/v1"

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Authenticate func(http.Handler) http.Handler
	Handlers     *Handlers
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Gatherer     prometheus.Gatherer
	Readiness    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Applied to every route, health included.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled && deps.Gatherer != nil {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, observability.Handler(deps.Gatherer))
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = JWTAuthenticator(deps.Config.Identity, deps.Metrics)
	}
	h := deps.Handlers

	r.Route(APIPrefix, func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Post("/definitions", h.createDefinition)
		r.Get("/definitions", h.listDefinitions)
		r.Get("/definitions/{id}", h.getDefinition)

		r.Post("/instances", h.startInstance)
		r.Get("/instances", h.listInstances)
		r.Get("/instances/{id}", h.getInstance)
		r.Post("/instances/{id}/events", h.sendEvent)
		r.Post("/instances/{id}/cancel", h.cancelInstance)
		r.Get("/instances/{id}/tasks", h.listInstanceTasks)
		r.Get("/instances/{id}/events", h.listInstanceEvents)

		r.Post("/tasks/{id}/complete", h.completeTask)
		r.Post("/tasks/{id}/fail", h.failTask)
		r.Post("/tasks/{id}/decision", h.decideTask)

		r.Post("/policies", h.createPolicy)
		r.Get("/policies", h.listPolicies)
		r.Post("/policies/{key}/activate", h.activatePolicy)
		r.Post("/policies/{key}/deactivate", h.deactivatePolicy)

		r.Post("/approvals", h.requireApproval)
	})

	return r
}
