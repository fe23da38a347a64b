package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "threatpulse"

// Metrics holds Prometheus metrics for ThreatPulse
type Metrics struct {
	// Feed metrics
	FeedFetches    *prometheus.CounterVec
	FeedDuration   *prometheus.HistogramVec
	FeedCandidates *prometheus.CounterVec

	// Merge metrics
	RecordsMerged *prometheus.CounterVec
	IngestRuns    *prometheus.CounterVec
	LastIngest    prometheus.Gauge

	// Scoring metrics
	ThreatsScored         *prometheus.CounterVec
	ClassifierPredictions *prometheus.CounterVec

	// Alert metrics
	AlertsCreated      *prometheus.CounterVec
	ChannelDeliveries  *prometheus.CounterVec
	Subscribers        prometheus.Gauge
	BroadcastDelivered prometheus.Counter
	BroadcastPruned    prometheus.Counter

	// System metrics
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the ThreatPulse metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		FeedFetches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_fetches_total",
				Help:      "Feed fetch attempts by source and outcome",
			},
			[]string{"source", "status"},
		),
		FeedDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "feed_fetch_duration_seconds",
				Help:      "Feed fetch duration by source",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"source"},
		),
		FeedCandidates: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_candidates_total",
				Help:      "Candidates returned by source",
			},
			[]string{"source"},
		),
		RecordsMerged: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_merged_total",
				Help:      "Merge outcomes (upserted, inserted, failed)",
			},
			[]string{"outcome"},
		),
		IngestRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_runs_total",
				Help:      "Ingestion runs by outcome",
			},
			[]string{"status"},
		),
		LastIngest: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_ingest_timestamp",
				Help:      "Unix time of the last completed ingestion run",
			},
		),
		ThreatsScored: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "threats_scored_total",
				Help:      "Scored threats by priority tier",
			},
			[]string{"priority"},
		),
		ClassifierPredictions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "classifier_predictions_total",
				Help:      "Classifier predictions by outcome",
			},
			[]string{"status"},
		),
		AlertsCreated: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_created_total",
				Help:      "Alerts created by severity",
			},
			[]string{"severity"},
		),
		ChannelDeliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alert_channel_deliveries_total",
				Help:      "Alert deliveries by channel and outcome",
			},
			[]string{"channel", "status"},
		),
		Subscribers: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "realtime_subscribers",
				Help:      "Connected realtime subscribers",
			},
		),
		BroadcastDelivered: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "realtime_messages_delivered_total",
				Help:      "Messages written to realtime subscribers",
			},
		),
		BroadcastPruned: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "realtime_subscribers_pruned_total",
				Help:      "Subscribers removed after a failed write",
			},
		),
		GoroutineCount: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutine_count",
				Help:      "Current goroutine count",
			},
		),
		MemoryUsage: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "path"},
		),
	}
}

// ObserveFetch records one source fetch.
func (m *Metrics) ObserveFetch(source string, err error, candidates int, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.FeedFetches.WithLabelValues(source, status).Inc()
	m.FeedDuration.WithLabelValues(source).Observe(d.Seconds())
	m.FeedCandidates.WithLabelValues(source).Add(float64(candidates))
}

// ObserveMerge records merge outcome counts.
func (m *Metrics) ObserveMerge(upserted, inserted, failed int) {
	if m == nil {
		return
	}
	m.RecordsMerged.WithLabelValues("upserted").Add(float64(upserted))
	m.RecordsMerged.WithLabelValues("inserted").Add(float64(inserted))
	m.RecordsMerged.WithLabelValues("failed").Add(float64(failed))
}

// ObserveIngest records a completed ingestion run.
func (m *Metrics) ObserveIngest(failedSources int, at time.Time) {
	if m == nil {
		return
	}
	status := "complete"
	if failedSources > 0 {
		status = "partial"
	}
	m.IngestRuns.WithLabelValues(status).Inc()
	m.LastIngest.Set(float64(at.Unix()))
}

// ObserveScore records a scored threat.
func (m *Metrics) ObserveScore(priority string) {
	if m == nil {
		return
	}
	m.ThreatsScored.WithLabelValues(priority).Inc()
}

// ObservePrediction records a classifier call outcome: ok, error or absent.
func (m *Metrics) ObservePrediction(status string) {
	if m == nil {
		return
	}
	m.ClassifierPredictions.WithLabelValues(status).Inc()
}

// ObserveAlert records a created alert.
func (m *Metrics) ObserveAlert(severity string) {
	if m == nil {
		return
	}
	m.AlertsCreated.WithLabelValues(severity).Inc()
}

// ObserveDelivery records one channel delivery attempt.
func (m *Metrics) ObserveDelivery(channel string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.ChannelDeliveries.WithLabelValues(channel, status).Inc()
}

// ObserveBroadcast records a broadcast pass.
func (m *Metrics) ObserveBroadcast(delivered, pruned, remaining int) {
	if m == nil {
		return
	}
	m.BroadcastDelivered.Add(float64(delivered))
	m.BroadcastPruned.Add(float64(pruned))
	m.Subscribers.Set(float64(remaining))
}

// SetSubscribers sets the connected subscriber gauge.
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

// HTTPMiddleware records request counts and latency labelled by chi route pattern.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
