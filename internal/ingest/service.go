package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/observability"
	"github.com/lvonguyen/threatpulse/internal/threat"
)

// Common errors.
var (
	ErrIngestInProgress = errors.New("ingestion already running")
	ErrNoSummary        = errors.New("no ingestion summary recorded")
)

// Summary reports one ingestion run. Counts holds an entry for every
// registered source, zero for failed ones.
type Summary struct {
	Counts      map[string]int    `json:"counts"`
	Failed      []string          `json:"failed,omitempty"`
	Errors      map[string]string `json:"errors,omitempty"`
	Upserted    int               `json:"upserted"`
	Inserted    int               `json:"inserted"`
	MergeFailed int               `json:"merge_failed"`
	Scored      int               `json:"scored"`
	StartedAt   time.Time         `json:"started_at"`
	DurationMS  int64             `json:"duration_ms"`
}

// Scorer re-scores a stored record.
type Scorer interface {
	ScoreByID(ctx context.Context, id uint, role threat.Role) (*threat.Record, error)
}

// SummaryCache keeps the last summary outside the process.
type SummaryCache interface {
	Save(ctx context.Context, s *Summary) error
	Last(ctx context.Context) (*Summary, error)
}

// Service runs complete ingestion passes. Only one pass runs at a time.
type Service struct {
	orchestrator *Orchestrator
	merger       *Merger
	scorer       Scorer
	cache        SummaryCache
	metrics      *observability.Metrics
	logger       *zap.Logger
	now          func() time.Time
	batchTimeout time.Duration

	running sync.Mutex
	mu      sync.RWMutex
	last    *Summary
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithScorer scores every merged record after the merge.
func WithScorer(s Scorer) ServiceOption {
	return func(svc *Service) { svc.scorer = s }
}

// WithSummaryCache stores each summary in c.
func WithSummaryCache(c SummaryCache) ServiceOption {
	return func(svc *Service) { svc.cache = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) ServiceOption {
	return func(svc *Service) { svc.metrics = m }
}

// WithBatchTimeout bounds the merge and scoring that follow the fetch.
func WithBatchTimeout(d time.Duration) ServiceOption {
	return func(svc *Service) {
		if d > 0 {
			svc.batchTimeout = d
		}
	}
}

// WithClock overrides the run clock.
func WithClock(now func() time.Time) ServiceOption {
	return func(svc *Service) { svc.now = now }
}

// NewService creates an ingestion service.
func NewService(o *Orchestrator, m *Merger, logger *zap.Logger, opts ...ServiceOption) *Service {
	svc := &Service{
		orchestrator: o,
		merger:       m,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		batchTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// IngestAll fetches every source, merges the candidates and optionally scores
// the touched records. Source, merge and scoring failures are reported in the
// summary. ctx bounds the fetch only: whatever was fetched is persisted under
// the batch timeout even when ctx has already expired. The errors returned are
// ErrIngestInProgress (nil summary) and an exhausted batch timeout, which
// still comes with the partial summary.
func (s *Service) IngestAll(ctx context.Context) (*Summary, error) {
	if !s.running.TryLock() {
		return nil, ErrIngestInProgress
	}
	defer s.running.Unlock()

	ctx, span := tracer.Start(ctx, "ingest.ingest_all")
	defer span.End()

	start := s.now()
	s.logger.Info("Ingestion started", zap.Strings("sources", s.orchestrator.Sources()))

	res := s.orchestrator.FetchAll(ctx)
	summary := &Summary{
		Counts:    res.Counts(),
		Failed:    res.Failed(),
		StartedAt: start,
	}
	for _, src := range res.Sources {
		if src.Err != nil {
			if summary.Errors == nil {
				summary.Errors = make(map[string]string)
			}
			summary.Errors[src.Name] = src.Err.Error()
		}
	}

	if ctx.Err() != nil {
		s.logger.Warn("Fetch deadline reached, persisting fetched candidates", zap.Error(ctx.Err()))
	}
	batchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.batchTimeout)
	defer cancel()

	stats, err := s.merger.Merge(batchCtx, res)
	summary.Upserted = stats.Upserted
	summary.Inserted = stats.Inserted
	summary.MergeFailed = stats.Failed
	if err != nil {
		summary.DurationMS = s.now().Sub(start).Milliseconds()
		return summary, fmt.Errorf("merge interrupted: %w", err)
	}

	if s.scorer != nil {
		summary.Scored = s.scoreAll(batchCtx, stats.RecordIDs)
	}

	summary.DurationMS = s.now().Sub(start).Milliseconds()
	span.SetAttributes(
		attribute.Int("upserted", summary.Upserted),
		attribute.Int("inserted", summary.Inserted),
		attribute.Int("scored", summary.Scored),
	)
	s.metrics.ObserveIngest(len(summary.Failed), s.now())

	s.mu.Lock()
	s.last = summary
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.Save(batchCtx, summary); err != nil {
			s.logger.Warn("Failed to cache ingestion summary", zap.Error(err))
		}
	}

	s.logger.Info("Ingestion completed",
		zap.Any("counts", summary.Counts),
		zap.Strings("failed", summary.Failed),
		zap.Int("upserted", summary.Upserted),
		zap.Int("inserted", summary.Inserted),
		zap.Int("merge_failed", summary.MergeFailed),
		zap.Int("scored", summary.Scored),
		zap.Int64("duration_ms", summary.DurationMS),
	)
	return summary, nil
}

func (s *Service) scoreAll(ctx context.Context, ids []uint) int {
	scored := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.scorer.ScoreByID(ctx, id, threat.RoleNone); err != nil {
			s.logger.Warn("Failed to score record", zap.Uint("id", id), zap.Error(err))
			continue
		}
		scored++
	}
	return scored
}

// LastSummary returns the most recent summary, preferring the in-process copy
// and falling back to the cache.
func (s *Service) LastSummary(ctx context.Context) (*Summary, error) {
	s.mu.RLock()
	last := s.last
	s.mu.RUnlock()
	if last != nil {
		return last, nil
	}
	if s.cache == nil {
		return nil, ErrNoSummary
	}
	return s.cache.Last(ctx)
}

const summaryKey = "threatpulse:ingest:last"

// RedisSummaryCache stores the last summary as JSON in Redis.
type RedisSummaryCache struct {
	redis redis.Cmdable
	ttl   time.Duration
}

// NewRedisSummaryCache creates a cache. A zero ttl keeps the key forever.
func NewRedisSummaryCache(client redis.Cmdable, ttl time.Duration) *RedisSummaryCache {
	return &RedisSummaryCache{redis: client, ttl: ttl}
}

// Save implements SummaryCache.
func (c *RedisSummaryCache) Save(ctx context.Context, s *Summary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if err := c.redis.Set(ctx, summaryKey, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache summary: %w", err)
	}
	return nil
}

// Last implements SummaryCache.
func (c *RedisSummaryCache) Last(ctx context.Context) (*Summary, error) {
	data, err := c.redis.Get(ctx, summaryKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSummary
	}
	if err != nil {
		return nil, fmt.Errorf("read cached summary: %w", err)
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode cached summary: %w", err)
	}
	return &s, nil
}
