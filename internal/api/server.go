// Package api is the control surface: a thin chi layer over the store, the
// runner and the queue driver.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.stepflow.dev/internal/common/health"
	"go.stepflow.dev/internal/common/metrics"
	"go.stepflow.dev/internal/queue"
	"go.stepflow.dev/internal/runner"
	"go.stepflow.dev/internal/store"
)

// Config tunes the control surface
type Config struct {
	CORSOrigins []string

	// SoftCeiling bounds pending step.ready jobs; 0 disables the bound
	SoftCeiling int

	// HealthEnabled mounts the health endpoints
	HealthEnabled bool
}

// Server wires the control-surface handlers
type Server struct {
	config  Config
	store   store.Store
	driver  queue.Driver
	runner  *runner.Runner
	checker *health.Checker
}

// NewServer creates the control surface
func NewServer(s store.Store, d queue.Driver, r *runner.Runner, checker *health.Checker, cfg Config) *Server {
	return &Server{
		config:  cfg,
		store:   s,
		driver:  d,
		runner:  r,
		checker: checker,
	}
}

// Router builds the chi router
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.metricsMiddleware)

	if len(s.config.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.config.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "X-Idempotency-Key"},
		}))
	}

	r.Post("/runs", s.withIdempotency(s.handleCreateRun))
	r.Get("/runs/{runId}", s.handleGetRun)
	r.Post("/runs/{runId}/cancel", s.handleCancelRun)
	r.Post("/runs/{runId}/steps/{stepId}/retry", s.withIdempotency(s.handleRetryStep))

	r.Get("/dev/queue", s.handleQueueCounts)
	r.Get("/dev/dlq", s.handleListDLQ)
	r.Post("/dev/dlq/rehydrate", s.handleRehydrateDLQ)

	if s.config.HealthEnabled {
		r.Get("/health", s.checker.HandleHealth)
		r.Get("/health/live", s.checker.HandleLive)
		r.Get("/health/ready", s.checker.HandleReady)
	}
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(ww.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
