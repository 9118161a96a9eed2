// Package server binds the coordinator's components to its HTTP surface.
// The pipeline is the only layer that translates typed component errors
// into status codes, and the only place that decides which failures are
// audited as security events.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/monkey-troop/coordinator/audit"
	"github.com/monkey-troop/coordinator/credit"
	"github.com/monkey-troop/coordinator/hardware"
	"github.com/monkey-troop/coordinator/kv"
	"github.com/monkey-troop/coordinator/observability/metrics"
	"github.com/monkey-troop/coordinator/placement"
	"github.com/monkey-troop/coordinator/ratelimit"
	"github.com/monkey-troop/coordinator/registry"
	"github.com/monkey-troop/coordinator/ticket"
)

// ServiceName identifies the coordinator in health responses and log lines.
const ServiceName = "monkey-troop-coordinator"

// ModelOwner tags entries in the OpenAI-compatible model list.
const ModelOwner = "monkey-troop"

// Config captures the dependencies required to construct the server.
type Config struct {
	Store            *kv.Store
	Registry         *registry.Registry
	Hardware         *hardware.Protocol
	Placement        *placement.Selector
	Credits          *credit.Engine
	Tickets          *ticket.Service
	Limiter          *ratelimit.Limiter
	Audit            *audit.Sink
	Metrics          *metrics.HTTP
	Log              *slog.Logger
	PublicKeyPEM     []byte
	AdminPassword    string
	AllowedOrigins   []string
	AllowCredentials bool
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	store     *kv.Store
	registry  *registry.Registry
	hardware  *hardware.Protocol
	placement *placement.Selector
	credits   *credit.Engine
	tickets   *ticket.Service
	limiter   *ratelimit.Limiter
	audit     *audit.Sink
	metrics   *metrics.HTTP
	log       *slog.Logger

	publicKeyPEM     []byte
	adminPassword    string
	allowedOrigins   []string
	allowCredentials bool

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	metricSet := cfg.Metrics
	if metricSet == nil {
		metricSet = metrics.NewHTTP("coordinator")
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	srv := &Server{
		store:            cfg.Store,
		registry:         cfg.Registry,
		hardware:         cfg.Hardware,
		placement:        cfg.Placement,
		credits:          cfg.Credits,
		tickets:          cfg.Tickets,
		limiter:          cfg.Limiter,
		audit:            cfg.Audit,
		metrics:          metricSet,
		log:              log,
		publicKeyPEM:     cfg.PublicKeyPEM,
		adminPassword:    cfg.AdminPassword,
		allowedOrigins:   origins,
		allowCredentials: cfg.AllowCredentials,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Outer to inner: CORS wraps everything, then the contract order
	// timeout -> tracing -> rate limit -> handler.
	r.Use(s.corsMiddleware)
	r.Use(s.timeoutMiddleware)
	r.Use(s.tracingMiddleware)
	r.Use(s.rateLimitMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/public-key", s.handlePublicKey)
	r.Get("/metrics", s.metrics.Handler().ServeHTTP)

	r.Post("/heartbeat", s.handleHeartbeat)
	r.Get("/peers", s.handlePeers)
	r.Get("/v1/models", s.handleModels)

	r.Post("/hardware/challenge", s.handleChallenge)
	r.Post("/hardware/verify", s.handleVerify)

	r.Post("/authorize", s.handleAuthorize)
	r.Post("/transactions/submit", s.handleSettle)

	r.Get("/users/{publicKey}/balance", s.handleBalance)
	r.Get("/users/{publicKey}/transactions", s.handleTransactions)

	r.With(s.adminAuth).Get("/admin/audit", s.handleAuditLogs)

	return r
}

// retryOnce re-runs fn a single time on transient failure. Typed component
// errors are final and never retried.
func retryOnce(fn func() error, isFinal func(error) bool) error {
	err := fn()
	if err == nil || isFinal(err) {
		return err
	}
	time.Sleep(50 * time.Millisecond)
	return fn()
}
