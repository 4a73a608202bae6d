package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/linkflow-ai/subledger/internal/platform/response"
)

// RateLimitConfig holds rate limit configuration
type RateLimitConfig struct {
	RequestsPerMinute int
	BurstSize         int
	// MaxKeys bounds the number of tracked callers; the least recently seen
	// caller is forgotten first
	MaxKeys   int
	KeyFunc   func(r *http.Request) string
	SkipPaths []string
}

// DefaultRateLimitConfig returns default rate limit configuration
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 120,
		BurstSize:         20,
		MaxKeys:           10000,
		KeyFunc:           WorkspaceOrClientIP,
	}
}

// RateLimiter keeps one token bucket per caller
type RateLimiter struct {
	cfg     RateLimitConfig
	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	defaults := DefaultRateLimitConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaults.RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = defaults.BurstSize
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = defaults.MaxKeys
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = defaults.KeyFunc
	}

	// size is positive, so New cannot fail
	buckets, _ := lru.New[string, *rate.Limiter](cfg.MaxKeys)
	return &RateLimiter{cfg: cfg, buckets: buckets}
}

// Allow reports whether key may make a request now
func (rl *RateLimiter) Allow(key string) bool {
	return rl.bucket(key).Allow()
}

func (rl *RateLimiter) bucket(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if l, ok := rl.buckets.Get(key); ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(float64(rl.cfg.RequestsPerMinute)/60), rl.cfg.BurstSize)
	rl.buckets.Add(key, l)
	return l
}

// Middleware rejects callers over their budget with 429
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	limit := strconv.Itoa(rl.cfg.RequestsPerMinute)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, path := range rl.cfg.SkipPaths {
			if strings.HasPrefix(r.URL.Path, path) {
				next.ServeHTTP(w, r)
				return
			}
		}

		w.Header().Set("X-RateLimit-Limit", limit)
		if !rl.Allow(rl.cfg.KeyFunc(r)) {
			w.Header().Set("Retry-After", "60")
			response.ErrorWithMessage(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Too many requests. Please try again later.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WorkspaceOrClientIP keys authenticated requests by workspace and the
// rest by client address
func WorkspaceOrClientIP(r *http.Request) string {
	if id, ok := ExtractIdentity(r.Context()); ok && id.WorkspaceID != "" {
		return "ws:" + id.WorkspaceID
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
