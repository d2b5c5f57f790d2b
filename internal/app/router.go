// Package app assembles the HTTP surface: router, middleware stack, and
// route mounting for the producer, admin, and ops endpoints.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/ai-med-transcriber/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-med-transcriber/internal/config"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces.
// Empty input allows all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middleware and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server, degrade httpserver.DegradationLevel) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(cfg.HTTPWriteTimeout))
	r.Use(httpserver.AccessLog())
	r.Use(httpserver.Metrics())
	r.Use(httpserver.DegradationHeader(degrade))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "X-System-Degradation"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Producer API. Submissions are rate limited per IP.
	r.Route("/v1/jobs", func(jr chi.Router) {
		jr.Use(httpserver.RequireUser)
		jr.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
			wr.Post("/", srv.SubmitHandler())
		})
		jr.Get("/", srv.ListJobsHandler())
		jr.Get("/{id}", srv.GetJobHandler())
		jr.Delete("/{id}", srv.CancelJobHandler())
	})

	// Admin API, mounted only when a token hash is configured.
	if cfg.AdminEnabled() {
		r.Route("/admin", func(ar chi.Router) {
			ar.Use(httpserver.RequireAdmin(cfg.AdminTokenHash))
			ar.Get("/dlq/{queue}", srv.DLQListHandler())
			ar.Post("/dlq/{queue}/{entryId}/reprocess", srv.DLQReprocessHandler())
			ar.Get("/system/health", srv.SystemHealthHandler())
			ar.Get("/queues", srv.QueueStatsHandler())
			ar.Get("/metrics", srv.MetricsQueryHandler())
			ar.Get("/alerts", srv.AlertsHandler())
			ar.Post("/alerts/{id}/ack", srv.AlertAckHandler())
			ar.Put("/degradation/override", srv.DegradationOverrideHandler())
			ar.Delete("/degradation/override", srv.DegradationClearHandler())
			ar.Post("/breakers/{service}/reset", srv.BreakerResetHandler())
		})
	}

	// Ops endpoints.
	r.Get("/healthz", srv.HealthHandler())
	r.Get("/readyz", srv.ReadyHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
