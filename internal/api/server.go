// Package api exposes the pipeline over REST/JSON: job submission and
// inspection, incident listing and status updates, guard stats and the
// Prometheus metrics endpoint. Every mutating route goes through the guard
// admission chain first.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/faturaops/backend/internal/events"
	"github.com/faturaops/backend/internal/guard"
	"github.com/faturaops/backend/internal/incident"
	"github.com/faturaops/backend/internal/jobs"
)

// Server wires the HTTP surface to the domain components.
type Server struct {
	store     jobs.Store
	incidents incident.Repository
	admission *guard.Admission
	ks        *guard.Killswitch
	limiter   *guard.RateLimiter
	breakers  *guard.BreakerRegistry
	bus       *events.Bus // optional worker wakeup
	registry  *prometheus.Registry
	logger    *slog.Logger

	httpServer *http.Server
}

type Options struct {
	Store      jobs.Store
	Incidents  incident.Repository
	Admission  *guard.Admission
	Killswitch *guard.Killswitch
	Limiter    *guard.RateLimiter
	Breakers   *guard.BreakerRegistry
	Bus        *events.Bus
	Registry   *prometheus.Registry
}

func NewServer(opts Options) *Server {
	return &Server{
		store:     opts.Store,
		incidents: opts.Incidents,
		admission: opts.Admission,
		ks:        opts.Killswitch,
		limiter:   opts.Limiter,
		breakers:  opts.Breakers,
		bus:       opts.Bus,
		registry:  opts.Registry,
		logger:    slog.Default().With("component", "api"),
	}
}

// Router builds the route table. Exposed separately so tests can drive the
// handlers through httptest without binding a port.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestLog)

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")
	}

	r.HandleFunc("/api/jobs", s.handleEnqueueJob).Methods("POST")
	r.HandleFunc("/api/jobs", s.handleListJobs).Methods("GET")
	r.HandleFunc("/api/jobs/{id}", s.handleGetJob).Methods("GET")

	r.HandleFunc("/api/incidents", s.handleListIncidents).Methods("GET")
	r.HandleFunc("/api/incidents/{id}", s.handleGetIncident).Methods("GET")
	r.HandleFunc("/api/incidents/{id}/status", s.handleIncidentStatus).Methods("POST")

	r.HandleFunc("/api/guard/stats", s.handleGuardStats).Methods("GET")

	return r
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Info("api listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

func tenantID(r *http.Request) string {
	if tid := r.Header.Get("X-Tenant-ID"); tid != "" {
		return tid
	}
	return "default"
}

// admit runs the guard chain and writes the deny response when blocked.
// Returns true when the request may proceed.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, endpoint, dependency string) bool {
	decision := s.admission.Admit(guard.AdmitRequest{
		Endpoint:   endpoint,
		TenantID:   tenantID(r),
		Dependency: dependency,
	})
	switch decision {
	case guard.DecisionAllow:
		return true
	case guard.DecisionKillSwitched:
		writeError(w, http.StatusServiceUnavailable, "endpoint disabled by killswitch")
	case guard.DecisionRateLimited:
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	case guard.DecisionCircuitOpen:
		writeError(w, http.StatusServiceUnavailable, "dependency circuit open")
	case guard.DecisionDriftBlocked:
		writeError(w, http.StatusForbidden, "request blocked by drift guard")
	default:
		writeError(w, http.StatusForbidden, "request denied")
	}
	return false
}
