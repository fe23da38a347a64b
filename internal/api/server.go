// Package api exposes ingestion, scoring, alerts and dashboard queries over
// HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/dashboard"
	"github.com/lvonguyen/threatpulse/internal/ingest"
	"github.com/lvonguyen/threatpulse/internal/observability"
	"github.com/lvonguyen/threatpulse/internal/store"
	"github.com/lvonguyen/threatpulse/internal/threat"
)

// Ingester runs and reports ingestion.
type Ingester interface {
	IngestAll(ctx context.Context) (*ingest.Summary, error)
	LastSummary(ctx context.Context) (*ingest.Summary, error)
}

// Analyzer scores records.
type Analyzer interface {
	Analyze(ctx context.Context, r *threat.Record, role threat.Role) (*threat.Record, error)
	ScoreStored(ctx context.Context, limit int, role threat.Role) ([]threat.Record, error)
}

// Publisher stores and delivers manually created alerts.
type Publisher interface {
	Publish(ctx context.Context, a *threat.Alert) error
}

// Store is the read side used by the list endpoints.
type Store interface {
	Ping(ctx context.Context) error
	FindThreats(ctx context.Context, f store.Filter) ([]threat.Record, error)
	ListAlerts(ctx context.Context, role string, limit int) ([]threat.Alert, error)
}

// Deps are the services the API is built from.
type Deps struct {
	Store     Store
	Ingester  Ingester
	Analyzer  Analyzer
	Publisher Publisher
	Dashboard *dashboard.Service
	// Subscribers serves the alert websocket.
	Subscribers http.Handler
	// RateLimit wraps /api/v1 when set.
	RateLimit func(http.Handler) http.Handler
	Metrics   *observability.Metrics
	// MetricsHandler is mounted at MetricsPath when set.
	MetricsHandler http.Handler
	MetricsPath    string
}

// Server is the HTTP API.
type Server struct {
	deps           Deps
	version        string
	requestTimeout time.Duration
	logger         *zap.Logger
	router         chi.Router
	now            func() time.Time
}

// New builds the server and its routes.
func New(deps Deps, version string, requestTimeout time.Duration, logger *zap.Logger) *Server {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	s := &Server{
		deps:           deps,
		version:        version,
		requestTimeout: requestTimeout,
		logger:         logger,
		router:         chi.NewRouter(),
		now:            func() time.Time { return time.Now().UTC() },
	}
	s.routes()
	return s
}

// Router returns the root handler.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.deps.Metrics.HTTPMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.deps.MetricsHandler != nil {
		path := s.deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, s.deps.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// The websocket is long-lived; it sits outside the timeout and rate limit.
		if s.deps.Subscribers != nil {
			r.Method(http.MethodGet, "/alerts/ws", s.deps.Subscribers)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.requestTimeout))
			if s.deps.RateLimit != nil {
				r.Use(s.deps.RateLimit)
			}

			// Ingestion
			r.Post("/ingest", s.handleIngest)
			r.Get("/ingest/last", s.handleLastIngest)

			// Threats and scoring
			r.Get("/threats", s.handleListThreats)
			r.Get("/threats/scored", s.handleScoredThreats)
			r.Get("/analyze", s.handleAnalyzeQuery)
			r.Post("/analyze", s.handleAnalyzeBody)

			// Alerts
			r.Get("/alerts", s.handleListAlerts)
			r.Post("/alerts", s.handleCreateAlert)

			// Dashboard
			r.Route("/dashboard", func(r chi.Router) {
				r.Get("/sample_cves", s.handleSampleCVEs)
				r.Get("/sources_count", s.handleSourceCounts)
				r.Get("/top_iocs", s.handleTopIOCs)
				r.Get("/trending_cves", s.handleTrendingCVEs)
				r.Get("/overview", s.handleOverview)
			})
		})
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
