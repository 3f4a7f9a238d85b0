// Package middleware provides the HTTP middleware chain for the gateway.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/OneDrip-App/access_gate/internal/errors"
	"github.com/OneDrip-App/access_gate/internal/httputil"
	"github.com/OneDrip-App/access_gate/internal/logging"
	"github.com/OneDrip-App/access_gate/internal/session"
)

type tokenContextKey struct{}

// Claims are the backend-issued JWT claims the gateway cares about.
// The backend signs with HS256 and puts the user ID in the subject.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// AuthMiddleware authenticates requests with the backend's access
// tokens. Verification is local when the backend JWT secret is
// configured; otherwise, or when the token carries no usable subject,
// the backend is asked directly through the session manager.
type AuthMiddleware struct {
	jwtSecret []byte
	sessions  *session.Manager
	logger    *logging.Logger
	skipPaths map[string]bool
}

// NewAuthMiddleware creates the authentication middleware. An empty
// secret disables local verification and forces the backend fallback.
func NewAuthMiddleware(jwtSecret string, sessions *session.Manager, logger *logging.Logger, skipPaths []string) *AuthMiddleware {
	if logger == nil {
		logger = logging.NewNop()
	}
	skip := make(map[string]bool, len(skipPaths))
	for _, path := range skipPaths {
		skip[path] = true
	}
	return &AuthMiddleware{
		jwtSecret: []byte(jwtSecret),
		sessions:  sessions,
		logger:    logger,
		skipPaths: skip,
	}
}

// Handler returns the middleware handler.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token, err := bearerToken(r)
		if err != nil {
			m.respondError(w, r, err)
			return
		}

		userID, role, err := m.authenticate(r.Context(), token)
		if err != nil {
			m.logger.WithContext(r.Context()).WithError(err).Warn("Token validation failed")
			m.respondError(w, r, err)
			return
		}

		ctx := logging.WithUserID(r.Context(), userID)
		if role != "" {
			ctx = logging.WithRole(ctx, role)
		}
		ctx = context.WithValue(ctx, tokenContextKey{}, token)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate resolves the token to a user ID and role. Local HMAC
// verification first; the backend settles anything the local path
// cannot.
func (m *AuthMiddleware) authenticate(ctx context.Context, token string) (userID, role string, err error) {
	if len(m.jwtSecret) > 0 {
		claims, err := m.verifyLocal(token)
		if err == nil && claims.Subject != "" {
			return claims.Subject, claims.Role, nil
		}
	}

	rec := m.lookup(ctx, token)
	if rec == nil || !rec.Authenticated() {
		return "", "", errors.InvalidToken(nil)
	}
	if rec.Profile != nil {
		role = rec.Profile.Role
	}
	return rec.Session.UserID, role, nil
}

// lookup asks the backend who is behind the token and caches the
// resulting record.
func (m *AuthMiddleware) lookup(ctx context.Context, token string) *session.Record {
	rec, err := m.sessions.Resolve(ctx, token)
	if err != nil {
		return nil
	}
	return rec
}

// verifyLocal validates the token signature and expiry against the
// shared secret.
func (m *AuthMiddleware) verifyLocal(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.InvalidToken(nil).WithDetails("method", token.Header["alg"])
		}
		return m.jwtSecret, nil
	})
	if err != nil {
		return nil, errors.InvalidToken(err)
	}
	if !token.Valid {
		return nil, errors.InvalidToken(nil)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "invalid claims type")
	}
	return claims, nil
}

func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := errors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = errors.Internal("authentication failed", err)
	}
	httputil.WriteErrorResponse(w, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)

	m.logger.LogSecurityEvent(r.Context(), "auth_failed", map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"status": serviceErr.HTTPStatus,
	})
}

// bearerToken extracts the bearer token from the Authorization header.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.Unauthorized("missing Authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.Unauthorized("invalid Authorization header format")
	}
	return parts[1], nil
}

// GetUserID extracts the authenticated user ID from the context.
func GetUserID(ctx context.Context) string {
	return logging.GetUserID(ctx)
}

// GetAccessToken extracts the raw bearer token from the context.
func GetAccessToken(ctx context.Context) string {
	if tok, ok := ctx.Value(tokenContextKey{}).(string); ok {
		return tok
	}
	return ""
}

// EnsureRecord makes sure the session manager holds a record for the
// authenticated user, resolving it from the backend on a cold cache.
// Lets locally verified tokens work right after an instance restart.
func EnsureRecord(ctx context.Context, sessions *session.Manager) *session.Record {
	userID := GetUserID(ctx)
	if userID == "" {
		return &session.Record{}
	}
	rec := sessions.Get(userID)
	if rec.Initialized {
		return rec
	}
	if token := GetAccessToken(ctx); token != "" {
		if resolved, err := sessions.Resolve(ctx, token); err == nil {
			return resolved
		}
	}
	return rec
}
