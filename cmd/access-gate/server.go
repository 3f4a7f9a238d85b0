package main

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/OneDrip-App/access_gate/internal/config"
	"github.com/OneDrip-App/access_gate/internal/gate"
	"github.com/OneDrip-App/access_gate/internal/license"
	"github.com/OneDrip-App/access_gate/internal/logging"
	"github.com/OneDrip-App/access_gate/internal/metrics"
	"github.com/OneDrip-App/access_gate/internal/middleware"
	"github.com/OneDrip-App/access_gate/internal/oracle"
	"github.com/OneDrip-App/access_gate/internal/session"
)

// app bundles the gateway's dependencies for the handlers.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	metrics   *metrics.Metrics
	sessions  *session.Manager
	validator *license.Validator
	gate      *gate.Gate
	licenses  oracle.LicenseOracle
	admin     oracle.AdminOracle
	limiter   *middleware.RateLimiter
}

func newApp(
	cfg *config.Config,
	logger *logging.Logger,
	m *metrics.Metrics,
	sessions *session.Manager,
	validator *license.Validator,
	g *gate.Gate,
	licenses oracle.LicenseOracle,
	admin oracle.AdminOracle,
) *app {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &app{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		sessions:  sessions,
		validator: validator,
		gate:      g,
		licenses:  licenses,
		admin:     admin,
		limiter:   middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, logger),
	}
}

// routes builds the router with the full middleware chain.
func (a *app) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(
		middleware.LoggingMiddleware(a.logger),
		middleware.MetricsMiddleware(a.metrics),
		middleware.CORS(a.cfg.Server.AllowedOrigins),
	)

	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet, http.MethodOptions)
	r.Handle("/metrics", a.metrics.Handler()).Methods(http.MethodGet)

	auth := middleware.NewAuthMiddleware(
		a.cfg.Backend.JWTSecret,
		a.sessions,
		a.logger,
		[]string{"/api/v1/auth/signin"},
	)
	guard := middleware.NewGuard(a.gate, a.sessions, a.logger)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(auth.Handler, a.limiter.Handler)

	api.HandleFunc("/auth/signin", a.handleSignIn).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/auth/signout", a.handleSignOut).Methods(http.MethodPost)
	api.HandleFunc("/auth/refresh", a.handleRefresh).Methods(http.MethodPost)

	// Gate and license state stay reachable for every authenticated
	// user: an unlicensed user has to be able to see why they are
	// blocked and to activate a license.
	api.HandleFunc("/gate", a.handleGate).Methods(http.MethodGet)
	api.HandleFunc("/license", a.handleLicense).Methods(http.MethodGet)
	api.HandleFunc("/license/activate", a.handleActivateLicense).Methods(http.MethodPost)

	// The profile endpoint is the gateway's own guarded surface.
	api.Handle("/profile", guard.RequireAuthorized(http.HandlerFunc(a.handleProfile))).Methods(http.MethodGet)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(guard.RequireRole("admin"))
	admin.HandleFunc("/users", a.handleListUsers).Methods(http.MethodGet)
	admin.HandleFunc("/users/{id}", a.handleUpdateUserRole).Methods(http.MethodPatch)

	return r
}
