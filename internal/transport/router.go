package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/afya/internal/config"
	"github.com/pitabwire/afya/internal/instance"
	"github.com/pitabwire/afya/internal/observability"
	"github.com/pitabwire/afya/internal/schema"
	"github.com/pitabwire/afya/internal/syncqueue"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config    *config.Config
	Manager   *instance.Manager
	Registry  *schema.Registry
	Queue     *syncqueue.Queue
	Metrics   *observability.Metrics
	Readiness observability.ReadinessChecks

	// Authenticate is the JWT verification middleware. Nil disables
	// authentication; only tests do that.
	Authenticate func(http.Handler) http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes — bypass authentication.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(observability.TracingMiddleware)
		r.Use(BuildActorContext)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Post("/encounters", handleEncounterCreate(deps.Manager, deps.Metrics))
		r.Get("/encounters", handleEncounterList(deps.Manager))
		r.Get("/encounters/{instanceId}", handleEncounterGet(deps.Manager))
		r.Put("/encounters/{instanceId}/fields/{fieldId}", handleFieldSave(deps.Manager, deps.Metrics))
		r.Post("/encounters/{instanceId}/transition", handleTransition(deps.Manager, deps.Metrics))
		r.Post("/encounters/{instanceId}/next", handleNavigate(deps.Manager, deps.Metrics, true))
		r.Post("/encounters/{instanceId}/previous", handleNavigate(deps.Manager, deps.Metrics, false))
		r.Post("/encounters/{instanceId}/complete", handleComplete(deps.Manager, deps.Queue, deps.Metrics))
		r.Get("/encounters/{instanceId}/summary", handleSummary(deps.Manager))
		r.Get("/encounters/{instanceId}/events", handleEvents(deps.Manager))
		r.Get("/encounters/{instanceId}/verify", handleVerify(deps.Manager))

		r.Get("/schemas", handleSchemaList(deps.Registry))
		r.Get("/schemas/{schemaId}", handleSchemaGet(deps.Registry))

		r.Get("/sync/status", handleSyncStatus(deps.Queue))
		r.Get("/sync/errors", handleSyncErrors(deps.Queue))
	})

	return r
}
