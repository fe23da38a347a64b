package scoring

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/classifier"
	"github.com/lvonguyen/threatpulse/internal/observability"
	"github.com/lvonguyen/threatpulse/internal/store"
	"github.com/lvonguyen/threatpulse/internal/threat"
)

var tracer = otel.Tracer("threatpulse/scoring")

// Store is the persistence the engine needs.
type Store interface {
	GetThreat(ctx context.Context, id uint) (*threat.Record, error)
	FindThreats(ctx context.Context, f store.Filter) ([]threat.Record, error)
	SaveThreat(ctx context.Context, rec *threat.Record) (uint, error)
	SaveAnalysis(ctx context.Context, id uint, a store.Analysis) error
}

// Dispatcher receives records classified high or critical.
type Dispatcher interface {
	Dispatch(ctx context.Context, rec *threat.Record, role threat.Role) (*threat.Alert, error)
}

// Result is one scoring outcome.
type Result struct {
	Score    float64
	Priority threat.Priority
	Label    *string
}

// Engine scores records. It holds no per-call state.
type Engine struct {
	store      Store
	classifier classifier.Classifier
	dispatcher Dispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClassifier sets the optional classifier.
func WithClassifier(c classifier.Classifier) Option {
	return func(e *Engine) { e.classifier = c }
}

// WithDispatcher sets the alert dispatcher.
func WithDispatcher(d Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the analysis timestamp clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a scoring engine.
func NewEngine(st Store, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Score computes the score of r for role without persisting anything.
// Classifier failures fall back to the rule score.
func (e *Engine) Score(ctx context.Context, r *threat.Record, role threat.Role) Result {
	var seed float64
	var label *string
	if e.classifier != nil {
		l, err := e.classifier.Predict(ctx, classifier.FeaturesFrom(r))
		if err != nil {
			e.metrics.ObservePrediction("error")
			e.logger.Debug("Classifier prediction failed, using rules", zap.Error(err))
		} else {
			e.metrics.ObservePrediction("ok")
			seed = SeedScore(l)
			label = threat.String(string(l))
		}
	} else {
		e.metrics.ObservePrediction("absent")
	}

	score := Compute(r, role, seed)
	return Result{Score: score, Priority: Classify(score), Label: label}
}

// Analyze scores r, persists the outcome and dispatches an alert when the
// priority is high or critical. A record without an id is stored first.
// Only persistence failures are returned.
func (e *Engine) Analyze(ctx context.Context, r *threat.Record, role threat.Role) (*threat.Record, error) {
	ctx, span := tracer.Start(ctx, "scoring.analyze")
	defer span.End()

	if err := r.Validate(); err != nil {
		return nil, err
	}

	res := e.Score(ctx, r, role)
	out := *r
	out.Score = res.Score
	out.Priority = res.Priority
	out.ClassifierLabel = res.Label
	at := e.now()
	out.AnalyzedAt = &at

	if out.ID == 0 {
		id, err := e.store.SaveThreat(ctx, &out)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("save threat: %w", err)
		}
		out.ID = id
	}
	err := e.store.SaveAnalysis(ctx, out.ID, store.Analysis{
		Score:           out.Score,
		Priority:        out.Priority,
		ClassifierLabel: out.ClassifierLabel,
		AnalyzedAt:      at,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("save analysis %d: %w", out.ID, err)
	}

	span.SetAttributes(
		attribute.Float64("score", out.Score),
		attribute.String("priority", string(out.Priority)),
		attribute.String("role", string(role)),
	)
	e.metrics.ObserveScore(string(out.Priority))

	if out.Priority.Alerting() && e.dispatcher != nil {
		if _, err := e.dispatcher.Dispatch(ctx, &out, role); err != nil {
			e.logger.Error("Alert dispatch failed",
				zap.String("threat_ref", out.Ref()),
				zap.String("priority", string(out.Priority)),
				zap.Error(err),
			)
		}
	}
	return &out, nil
}

// ScoreByID loads a stored record and analyzes it.
func (e *Engine) ScoreByID(ctx context.Context, id uint, role threat.Role) (*threat.Record, error) {
	r, err := e.store.GetThreat(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.Analyze(ctx, r, role)
}

// ScoreStored re-analyzes up to limit of the most recently fetched records and
// returns them highest score first. Records that fail to persist are skipped.
func (e *Engine) ScoreStored(ctx context.Context, limit int, role threat.Role) ([]threat.Record, error) {
	recs, err := e.store.FindThreats(ctx, store.Filter{Order: store.OrderRecent, Limit: limit})
	if err != nil {
		return nil, err
	}

	out := make([]threat.Record, 0, len(recs))
	for i := range recs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := e.Analyze(ctx, &recs[i], role)
		if err != nil {
			e.logger.Warn("Failed to score stored record", zap.Uint("id", recs[i].ID), zap.Error(err))
			continue
		}
		out = append(out, *r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}
