package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/linkflow-ai/subledger/internal/billing/adapters/http/handlers"
	"github.com/linkflow-ai/subledger/internal/platform/logger"
	"github.com/linkflow-ai/subledger/internal/platform/middleware"
	"github.com/linkflow-ai/subledger/internal/platform/response"
)

func (s *Server) setupHTTPServer() {
	router := mux.NewRouter()

	router.Use(s.recoveryMiddleware)
	router.Use(logger.HTTPMiddleware(s.logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(s.metrics.HTTPMetricsMiddleware(routeTemplate))

	// Health checks (no auth required)
	router.HandleFunc("/health/live", s.health.LivenessHandler()).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", s.health.ReadinessHandler()).Methods(http.MethodGet)
	router.Handle("/metrics", s.telemetry.MetricsHandler()).Methods(http.MethodGet)

	if s.mode == ModeAPI {
		api := router.PathPrefix("/api/v1").Subrouter()
		api.Use(middleware.RequestSizeLimit(handlers.MaxWebhookBodyBytes))
		api.Use(middleware.NewAuthMiddleware([]byte(s.config.Auth.JWTSecret)).Middleware)
		api.Use(middleware.NewRateLimiter(middleware.RateLimitConfig{
			RequestsPerMinute: s.config.HTTP.RateLimitPerMinute,
			BurstSize:         s.config.HTTP.RateLimitBurst,
			SkipPaths:         []string{"/api/v1/billing/webhook"},
		}).Middleware)
		s.newHandler().RegisterRoutes(api)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.HTTP.Port),
		Handler:      router,
		ReadTimeout:  s.config.HTTP.ReadTimeout,
		WriteTimeout: s.config.HTTP.WriteTimeout,
		IdleTimeout:  s.config.HTTP.IdleTimeout,
	}
}

// routeTemplate keeps metric labels bounded
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered", "error", err, "path", r.URL.Path)
				response.Error(w, response.ErrInternal)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
