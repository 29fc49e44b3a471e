package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/fleetcore/control-plane/internal/access"
	"github.com/fleetcore/control-plane/internal/audit"
	"github.com/fleetcore/control-plane/internal/auth"
	"github.com/fleetcore/control-plane/internal/erasure"
	"github.com/fleetcore/control-plane/internal/project"
	"github.com/fleetcore/control-plane/internal/ratelimit"
	"github.com/fleetcore/control-plane/internal/repository"
	"github.com/fleetcore/control-plane/internal/retention"
	"github.com/fleetcore/control-plane/internal/run"
	"github.com/fleetcore/control-plane/internal/runner"
	"github.com/fleetcore/control-plane/internal/runnerqueue"
	"github.com/fleetcore/control-plane/internal/secretwiring"
	"github.com/fleetcore/control-plane/internal/websocket"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	AuthService *auth.AuthService
	Access      *access.Resolver
	Logger      *zap.Logger

	Limiter *ratelimit.Limiter

	Users         repository.UserRepository
	Projects      *project.Service
	Runs          *run.Service
	Runners       *runner.Service
	RunnerJobs    *runnerqueue.Service
	SecretWiring  *secretwiring.Service
	Erasure       *erasure.Service
	Retention     *retention.Service
	Audit         *audit.Service
	Notifications repository.NotificationRepository
	OIDCProviders repository.OIDCProviderRepository

	Hub *websocket.Hub

	// Secure controls whether auth cookies are set with the Secure flag.
	// Set to true in production (HTTPS), false in local development.
	Secure bool
}

// NewRouter builds and returns the fully configured Chi router.
// All routes are registered under /api/v1. No GUI or static assets are
// served.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// --- Initialize handlers ---
	authHandler := NewAuthHandler(cfg.AuthService, cfg.Logger, cfg.Secure)
	userHandler := NewUserHandler(cfg.Users, cfg.Access, cfg.Logger)
	projectHandler := NewProjectHandler(cfg.Projects, cfg.Access, cfg.Logger)
	runHandler := NewRunHandler(cfg.Runs, cfg.Access, cfg.Limiter, cfg.Logger)
	runnerHandler := NewRunnerHandler(cfg.Runners, cfg.Access, cfg.Limiter, cfg.Logger)
	runnerJobHandler := NewRunnerJobHandler(cfg.RunnerJobs, cfg.Access, cfg.Logger)
	secretWiringHandler := NewSecretWiringHandler(cfg.SecretWiring, cfg.Access, cfg.Logger)
	erasureHandler := NewErasureHandler(cfg.Erasure, cfg.Access, cfg.Limiter, cfg.Logger)
	retentionHandler := NewRetentionHandler(cfg.Retention, cfg.Access, cfg.Logger)
	auditHandler := NewAuditHandler(cfg.Audit, cfg.Access, cfg.Limiter, cfg.Logger)
	notificationHandler := NewNotificationHandler(cfg.Notifications, cfg.Access, cfg.Logger)
	settingsHandler := NewSettingsHandler(cfg.OIDCProviders, cfg.Access, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.AuthService.JWTManager(), cfg.Logger)

	// jwtMgr is used by the Authenticate middleware to validate Bearer tokens.
	jwtMgr := cfg.AuthService.JWTManager()

	r.Route("/api/v1", func(r chi.Router) {

		// --- Public routes (no authentication required) ---
		r.Group(func(r chi.Router) {
			r.Post("/auth/login", authHandler.Login)
			r.Post("/auth/refresh", authHandler.Refresh)

			// OIDC flow — public because the user is not yet authenticated.
			r.Get("/auth/oidc/login", authHandler.OIDCLogin)
			r.Get("/auth/oidc/callback", authHandler.OIDCCallback)

			// WebSocket upgrade authenticates itself via a query-param JWT —
			// it cannot sit behind the Authenticate middleware, which only
			// reads the Authorization header.
			r.Get("/ws", wsHandler.ServeWS)
		})

		// --- Authenticated routes (valid JWT required, or dev-bypass) ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(jwtMgr))

			r.Post("/auth/logout", authHandler.Logout)

			r.Get("/users/me", userHandler.GetMe)
			r.Patch("/users/me", userHandler.UpdateMe)

			r.Get("/notifications", notificationHandler.List)
			r.Patch("/notifications/{id}/read", notificationHandler.MarkAsRead)
			r.Patch("/notifications/read-all", notificationHandler.MarkAllAsRead)

			// Projects
			r.Post("/projects", projectHandler.Create)
			r.Get("/projects", projectHandler.List)
			r.Get("/projects/{id}", projectHandler.Get)
			r.Post("/projects/{id}/members", projectHandler.AddMember)
			r.Get("/projects/{id}/members", projectHandler.ListMembers)
			r.Put("/projects/{id}/retention", projectHandler.SetRetentionPolicy)
			r.Get("/projects/{id}/retention", projectHandler.GetRetentionPolicy)

			// Runs
			r.Post("/projects/{projectId}/runs", runHandler.Create)
			r.Get("/projects/{projectId}/runs", runHandler.ListByProject)
			r.Get("/runs/{id}", runHandler.Get)
			r.Patch("/runs/{id}/status", runHandler.SetStatus)
			r.Post("/runs/{id}/events", runHandler.AppendEvents)
			r.Get("/runs/{id}/events", runHandler.ListEvents)

			// Runners (registration/listing/token issuance — user-facing)
			r.Get("/projects/{projectId}/runners", runnerHandler.ListByProject)
			r.Post("/projects/{projectId}/runners/tokens", runnerHandler.CreateToken)
			r.Delete("/projects/{projectId}/runners/tokens/{id}", runnerHandler.RevokeToken)

			// Runner command queue (user-facing enqueue/seal half)
			r.Post("/projects/{projectId}/runner-jobs", runnerJobHandler.Enqueue)
			r.Put("/projects/{projectId}/runner-jobs/{id}/seal", runnerJobHandler.Finalize)

			// Secret wiring
			r.Put("/projects/{projectId}/secret-wiring", secretWiringHandler.Upsert)
			r.Get("/projects/{projectId}/secret-wiring", secretWiringHandler.ListByHost)

			// Audit log (admin-gated inside the handler via access.Resolver)
			r.Post("/audit", auditHandler.Append)
			r.Get("/projects/{projectId}/audit", auditHandler.ListByProject)

			// Project erasure (admin-gated inside the handler)
			r.Post("/projects/{projectId}/delete/start", erasureHandler.DeleteStart)
			r.Post("/projects/{projectId}/delete/confirm", erasureHandler.DeleteConfirm)
			r.Get("/projects/{projectId}/delete/status/{jobId}", erasureHandler.DeleteStatus)

			// --- Admin-only routes ---
			r.Group(func(r chi.Router) {
				// User management
				r.Get("/users", userHandler.List)
				r.Post("/users", userHandler.Create)
				r.Get("/users/{id}", userHandler.GetByID)
				r.Patch("/users/{id}", userHandler.Update)
				r.Delete("/users/{id}", userHandler.Delete)

				// OIDC provider configuration
				r.Get("/settings/oidc", settingsHandler.GetOIDC)
				r.Put("/settings/oidc", settingsHandler.UpsertOIDC)

				// Manual retention sweep trigger
				r.Post("/admin/retention/sweep", retentionHandler.TriggerSweep)
			})
		})

		// --- Runner-agent routes (bearer RunnerToken auth, not user JWT) ---
		r.Route("/runner", func(r chi.Router) {
			r.Use(AuthenticateRunner(cfg.Runners))

			r.Post("/projects/{projectId}/heartbeat", runnerHandler.Heartbeat)
			r.Get("/jobs/pending", runnerJobHandler.ListPending)
			r.Post("/jobs/{id}/result", runnerJobHandler.TakeResult)
		})
	})

	return r
}
