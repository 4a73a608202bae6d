package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/linkflow-ai/subledger/internal/platform/response"
)

type identityKey struct{}

// Identity is the authenticated caller of a billing request
type Identity struct {
	UserID      string
	WorkspaceID string
	Email       string
	Roles       []string
}

// HasRole reports whether the identity carries role
func (i Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// SessionClaims are the JWT claims issued by the session service
type SessionClaims struct {
	UserID      string   `json:"user_id"`
	WorkspaceID string   `json:"workspace_id"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// AuthMiddleware provides JWT authentication
type AuthMiddleware struct {
	jwtSecret []byte
	skipPaths []string
}

// NewAuthMiddleware creates a new auth middleware. The webhook route is
// authenticated by its signature and bypasses session checks.
func NewAuthMiddleware(jwtSecret []byte, skipPaths ...string) *AuthMiddleware {
	return &AuthMiddleware{
		jwtSecret: jwtSecret,
		skipPaths: append([]string{
			"/health/",
			"/metrics",
			"/api/v1/billing/webhook",
		}, skipPaths...),
	}
}

// Middleware returns the middleware handler
func (m *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, path := range m.skipPaths {
			if strings.HasPrefix(r.URL.Path, path) {
				next.ServeHTTP(w, r)
				return
			}
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			response.ErrorWithMessage(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.ErrorWithMessage(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid authorization header format")
			return
		}

		identity, err := m.Parse(parts[1])
		if err != nil {
			response.ErrorWithMessage(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
			return
		}

		// Downstream services read these instead of re-parsing the token
		r.Header.Set("X-User-ID", identity.UserID)
		r.Header.Set("X-Workspace-ID", identity.WorkspaceID)

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// Parse validates a session token and returns the identity it carries
func (m *AuthMiddleware) Parse(tokenString string) (Identity, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return m.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, errors.New("invalid token")
	}
	if claims.UserID == "" || claims.WorkspaceID == "" {
		return Identity{}, errors.New("invalid token claims")
	}

	return Identity{
		UserID:      claims.UserID,
		WorkspaceID: claims.WorkspaceID,
		Email:       claims.Email,
		Roles:       claims.Roles,
	}, nil
}

// RequireRole creates a middleware that requires a specific role
func (m *AuthMiddleware) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := ExtractIdentity(r.Context())
			if !ok || !identity.HasRole(role) {
				response.ErrorWithMessage(w, http.StatusForbidden, "FORBIDDEN", "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithIdentity stores identity in ctx
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// ExtractIdentity extracts the session identity from the context
func ExtractIdentity(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(Identity)
	return identity, ok
}

// ExtractUserID extracts the user ID from the context
func ExtractUserID(ctx context.Context) (string, bool) {
	identity, ok := ExtractIdentity(ctx)
	return identity.UserID, ok && identity.UserID != ""
}

// ExtractWorkspaceID extracts the workspace ID from the context
func ExtractWorkspaceID(ctx context.Context) (string, bool) {
	identity, ok := ExtractIdentity(ctx)
	return identity.WorkspaceID, ok && identity.WorkspaceID != ""
}
