package middleware

import (
	"net/http"

	"github.com/OneDrip-App/access_gate/internal/gate"
	"github.com/OneDrip-App/access_gate/internal/httputil"
	"github.com/OneDrip-App/access_gate/internal/logging"
	"github.com/OneDrip-App/access_gate/internal/session"
)

// Guard wraps routes with gate decisions. Every guard runs after
// AuthMiddleware, so a user ID is already in the context. A locally
// verified token can arrive before this instance holds a session
// record, so every guard resolves the record before evaluating.
type Guard struct {
	gate     *gate.Gate
	sessions *session.Manager
	logger   *logging.Logger
}

// NewGuard creates a Guard over the gate.
func NewGuard(g *gate.Gate, sessions *session.Manager, logger *logging.Logger) *Guard {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Guard{gate: g, sessions: sessions, logger: logger}
}

// RequireAuthorized admits only users whose gate state is authorized.
func (g *Guard) RequireAuthorized(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		EnsureRecord(r.Context(), g.sessions)
		if _, err := g.gate.Authorize(r.Context(), GetUserID(r.Context())); err != nil {
			g.deny(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole admits authorized users holding the role. Admin passes
// every role requirement.
func (g *Guard) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			EnsureRecord(r.Context(), g.sessions)
			if _, err := g.gate.RequireRole(r.Context(), GetUserID(r.Context()), role); err != nil {
				g.deny(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePermission admits authorized users granted the permission.
func (g *Guard) RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			EnsureRecord(r.Context(), g.sessions)
			if _, err := g.gate.RequirePermission(r.Context(), GetUserID(r.Context()), permission); err != nil {
				g.deny(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (g *Guard) deny(w http.ResponseWriter, r *http.Request, err error) {
	g.logger.LogSecurityEvent(r.Context(), "access_denied", map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
	})
	httputil.WriteServiceError(w, err)
}
