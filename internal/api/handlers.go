package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/alerting"
	"github.com/lvonguyen/threatpulse/internal/ingest"
	"github.com/lvonguyen/threatpulse/internal/store"
	"github.com/lvonguyen/threatpulse/internal/threat"
)

const (
	defaultLimit = 50
	maxLimit     = 500
	maxBodyBytes = 1 << 20
)

// errBadRequest marks client input errors.
var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func success(w http.ResponseWriter, key string, v any) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", key: v})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, threat.ErrUnknownRole),
		errors.Is(err, threat.ErrAmbiguousIdentity),
		errors.Is(err, alerting.ErrInvalidAlert):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ingest.ErrNoSummary):
		status = http.StatusNotFound
	case errors.Is(err, ingest.ErrIngestInProgress):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, name)
	}
	return n, nil
}

func queryLimit(r *http.Request, def int) (int, error) {
	n, err := queryInt(r, "limit", def)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		n = def
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

func queryFloat(r *http.Request, name string, def float64) (float64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a number", errBadRequest, name)
	}
	return f, nil
}

func queryBool(r *http.Request, name string, def bool) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", errBadRequest, name)
	}
	return b, nil
}

func queryRole(r *http.Request) (threat.Role, error) {
	return threat.ParseRole(r.URL.Query().Get("role"))
}

// Health and readiness handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Ingest handlers

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	sum, err := s.deps.Ingester.IngestAll(r.Context())
	if err != nil && sum == nil {
		s.fail(w, r, err)
		return
	}
	if err != nil {
		// Per-source counts are still meaningful when persistence ran out of time.
		s.logger.Warn("Ingestion incomplete",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, map[string]any{"status": "partial", "fetched": sum, "error": err.Error()})
		return
	}
	success(w, "fetched", sum)
}

func (s *Server) handleLastIngest(w http.ResponseWriter, r *http.Request) {
	sum, err := s.deps.Ingester.LastSummary(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	success(w, "summary", sum)
}

// Threat handlers

func (s *Server) handleListThreats(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultLimit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	f := store.Filter{
		Source: q.Get("source"),
		Order:  store.Order(q.Get("order")),
		Limit:  limit,
	}
	if v := q.Get("priority"); v != "" {
		for _, p := range strings.Split(v, ",") {
			pr, err := threat.ParsePriority(strings.TrimSpace(p))
			if err != nil {
				s.fail(w, r, fmt.Errorf("%w: priority %q", errBadRequest, p))
				return
			}
			f.Priorities = append(f.Priorities, pr)
		}
	}
	switch q.Get("kind") {
	case "":
	case "cve":
		f.HasVulnID = true
	case "ioc":
		f.HasIndicator = true
	default:
		s.fail(w, r, fmt.Errorf("%w: kind must be cve or ioc", errBadRequest))
		return
	}

	recs, err := s.deps.Store.FindThreats(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	success(w, "data", recs)
}

func (s *Server) handleScoredThreats(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultLimit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	role, err := queryRole(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	recs, err := s.deps.Analyzer.ScoreStored(r.Context(), limit, role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	success(w, "data", recs)
}

// handleAnalyzeQuery scores a record described by query parameters, e.g.
// /api/v1/analyze?title=RCE&cvss_score=9.0&epss_score=0.8&kev_exploited=true
func (s *Server) handleAnalyzeQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rec := &threat.Record{
		Title:       q.Get("title"),
		Description: q.Get("description"),
	}
	if rec.Title == "" {
		rec.Title = "Test threat"
	}
	if rec.Description == "" {
		rec.Description = "No description"
	}

	var err error
	if rec.SeverityScore, err = queryFloat(r, "cvss_score", 5.0); err != nil {
		s.fail(w, r, err)
		return
	}
	if rec.ExploitProbability, err = queryFloat(r, "epss_score", 0.5); err != nil {
		s.fail(w, r, err)
		return
	}
	if rec.Exploited, err = queryBool(r, "kev_exploited", false); err != nil {
		s.fail(w, r, err)
		return
	}
	s.analyze(w, r, rec)
}

func (s *Server) handleAnalyzeBody(w http.ResponseWriter, r *http.Request) {
	var rec threat.Record
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&rec); err != nil {
		s.fail(w, r, fmt.Errorf("%w: invalid request body", errBadRequest))
		return
	}
	// Submissions are never applied to an existing row by internal id.
	rec.ID = 0
	s.analyze(w, r, &rec)
}

func (s *Server) analyze(w http.ResponseWriter, r *http.Request, rec *threat.Record) {
	role, err := queryRole(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rec.Source == "" {
		rec.Source = "manual"
	}
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = s.now()
	}
	out, err := s.deps.Analyzer.Analyze(r.Context(), rec, role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	success(w, "data", out)
}

// Alert handlers

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 20)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	alerts, err := s.deps.Store.ListAlerts(r.Context(), r.URL.Query().Get("role"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []threat.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	var a threat.Alert
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&a); err != nil {
		s.fail(w, r, fmt.Errorf("%w: invalid request body", errBadRequest))
		return
	}
	if err := s.deps.Publisher.Publish(r.Context(), &a); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "id": a.ID, "alert": a})
}

// Dashboard handlers

func (s *Server) handleSampleCVEs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 5)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	recs, err := s.deps.Dashboard.SampleCVEs(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	success(w, "sample", recs)
}

func (s *Server) handleSourceCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Dashboard.SourceCounts(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	success(w, "counts", counts)
}

func (s *Server) handleTopIOCs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 10)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	role, err := queryRole(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	recs, err := s.deps.Dashboard.TopIOCs(r.Context(), limit, role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	success(w, "iocs", recs)
}

func (s *Server) handleTrendingCVEs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 10)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	role, err := queryRole(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	recs, err := s.deps.Dashboard.TrendingCVEs(r.Context(), limit, role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	success(w, "trending", recs)
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	role, err := queryRole(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ov, err := s.deps.Dashboard.Overview(r.Context(), role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	success(w, "data", ov)
}
