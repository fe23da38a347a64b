// Package ingest fetches every configured source, merges the candidates into
// the threat store and summarizes the run.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/observability"
	"github.com/lvonguyen/threatpulse/internal/sources"
	"github.com/lvonguyen/threatpulse/internal/threat"
)

var tracer = otel.Tracer("threatpulse/ingest")

// SourceResult is the outcome of one source fetch.
type SourceResult struct {
	Name       string
	Kind       threat.Kind
	Candidates []threat.Candidate
	Err        error
	Duration   time.Duration
}

// Count is the number of candidates obtained, zero on failure.
func (r SourceResult) Count() int {
	if r.Err != nil {
		return 0
	}
	return len(r.Candidates)
}

// FetchResult holds every source outcome in registration order.
type FetchResult struct {
	Sources []SourceResult
}

// Counts maps source name to candidate count. Failed sources report 0.
func (r *FetchResult) Counts() map[string]int {
	out := make(map[string]int, len(r.Sources))
	for _, s := range r.Sources {
		out[s.Name] = s.Count()
	}
	return out
}

// Failed returns the names of sources whose fetch failed.
func (r *FetchResult) Failed() []string {
	var out []string
	for _, s := range r.Sources {
		if s.Err != nil {
			out = append(out, s.Name)
		}
	}
	return out
}

// Succeeded reports whether at least one source of the given kind fetched
// without error.
func (r *FetchResult) Succeeded(kind threat.Kind) bool {
	for _, s := range r.Sources {
		if s.Kind == kind && s.Err == nil {
			return true
		}
	}
	return false
}

// Candidates returns the union of successfully fetched candidates of kind.
func (r *FetchResult) Candidates(kind threat.Kind) []threat.Candidate {
	var out []threat.Candidate
	for _, s := range r.Sources {
		if s.Err != nil || s.Kind != kind {
			continue
		}
		out = append(out, s.Candidates...)
	}
	return out
}

// Orchestrator runs every source independently.
type Orchestrator struct {
	sources []sources.Source
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewOrchestrator creates an orchestrator over srcs. metrics may be nil.
func NewOrchestrator(srcs []sources.Source, metrics *observability.Metrics, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		sources: srcs,
		metrics: metrics,
		logger:  logger,
	}
}

// Sources returns the registered source names in order.
func (o *Orchestrator) Sources() []string {
	names := make([]string, len(o.sources))
	for i, s := range o.sources {
		names[i] = s.Name()
	}
	return names
}

// FetchAll fetches every source concurrently. A failing, slow or panicking
// source only affects its own entry; FetchAll itself never fails.
func (o *Orchestrator) FetchAll(ctx context.Context) *FetchResult {
	ctx, span := tracer.Start(ctx, "ingest.fetch_all")
	defer span.End()

	result := &FetchResult{Sources: make([]SourceResult, len(o.sources))}

	var wg sync.WaitGroup
	for i, src := range o.sources {
		wg.Add(1)
		go func(i int, src sources.Source) {
			defer wg.Done()
			result.Sources[i] = o.fetchOne(ctx, src)
		}(i, src)
	}
	wg.Wait()

	failed := result.Failed()
	span.SetAttributes(
		attribute.Int("sources", len(o.sources)),
		attribute.Int("failed", len(failed)),
	)
	if len(failed) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d sources failed", len(failed)))
	}
	return result
}

func (o *Orchestrator) fetchOne(ctx context.Context, src sources.Source) (res SourceResult) {
	ctx, span := tracer.Start(ctx, "ingest.fetch")
	span.SetAttributes(attribute.String("source", src.Name()))
	defer span.End()

	res = SourceResult{Name: src.Name(), Kind: src.Kind()}
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			res.Candidates = nil
			res.Err = &sources.FetchError{Source: src.Name(), Op: "fetch", Err: fmt.Errorf("panic: %v", p)}
		}
		res.Duration = time.Since(start)

		o.metrics.ObserveFetch(res.Name, res.Err, res.Count(), res.Duration)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, "fetch failed")
			o.logger.Warn("Source fetch failed",
				zap.String("source", res.Name),
				zap.Duration("duration", res.Duration),
				zap.Error(res.Err),
			)
			return
		}
		span.SetAttributes(attribute.Int("candidates", len(res.Candidates)))
		o.logger.Info("Source fetched",
			zap.String("source", res.Name),
			zap.Int("candidates", len(res.Candidates)),
			zap.Duration("duration", res.Duration),
		)
	}()

	cands, err := src.Fetch(ctx)
	if err != nil {
		res.Err = err
		return res
	}
	res.Candidates = cands
	return res
}
