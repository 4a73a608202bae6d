package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterPerWorkspace(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 1, BurstSize: 2, SkipPaths: []string{"/api/v1/billing/webhook"}})
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(path, workspaceID string) int {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req = req.WithContext(WithIdentity(req.Context(), Identity{UserID: "user_1", WorkspaceID: workspaceID}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call("/api/v1/billing/checkout", "ws_1"))
	assert.Equal(t, http.StatusOK, call("/api/v1/billing/checkout", "ws_1"))
	assert.Equal(t, http.StatusTooManyRequests, call("/api/v1/billing/checkout", "ws_1"))

	// budgets are per workspace
	assert.Equal(t, http.StatusOK, call("/api/v1/billing/checkout", "ws_2"))

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, call("/api/v1/billing/webhook", "ws_1"))
	}
}

func TestWorkspaceOrClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:51234"
	assert.Equal(t, "ip:10.0.0.7", WorkspaceOrClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "ip:203.0.113.9", WorkspaceOrClientIP(req))

	req = req.WithContext(WithIdentity(req.Context(), Identity{WorkspaceID: "ws_1"}))
	assert.Equal(t, "ws:ws_1", WorkspaceOrClientIP(req))
}
