package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("session-secret")

func signSession(t *testing.T, secret []byte, claims SessionClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return token
}

func validClaims() SessionClaims {
	return SessionClaims{
		UserID:      "user-1",
		WorkspaceID: "ws-1",
		Roles:       []string{"owner"},
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func identityEcho(t *testing.T, got *Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := ExtractIdentity(r.Context())
		if ok {
			*got = identity
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestAuthMiddlewareAcceptsSession(t *testing.T) {
	var got Identity
	h := NewAuthMiddleware(testSecret).Middleware(identityEcho(t, &got))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/checkout", nil)
	req.Header.Set("Authorization", "Bearer "+signSession(t, testSecret, validClaims()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "ws-1", got.WorkspaceID)
	assert.True(t, got.HasRole("owner"))
	assert.Equal(t, "ws-1", req.Header.Get("X-Workspace-ID"))
}

func TestAuthMiddlewareRejects(t *testing.T) {
	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	noWorkspace := validClaims()
	noWorkspace.WorkspaceID = ""

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic abc"},
		{"wrong secret", "Bearer " + signSession(t, []byte("other"), validClaims())},
		{"expired", "Bearer " + signSession(t, testSecret, expired)},
		{"missing workspace", "Bearer " + signSession(t, testSecret, noWorkspace)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Identity
			h := NewAuthMiddleware(testSecret).Middleware(identityEcho(t, &got))

			req := httptest.NewRequest(http.MethodGet, "/api/v1/billing/subscription", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Empty(t, got.UserID)
		})
	}
}

func TestAuthMiddlewareSkipsWebhook(t *testing.T) {
	var got Identity
	h := NewAuthMiddleware(testSecret).Middleware(identityEcho(t, &got))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhook", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRequireRole(t *testing.T) {
	mw := NewAuthMiddleware(testSecret)
	h := mw.Middleware(mw.RequireRole("admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/reconcile", nil)
	req.Header.Set("Authorization", "Bearer "+signSession(t, testSecret, validClaims()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequestSizeLimit(t *testing.T) {
	h := RequestSizeLimit(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}
