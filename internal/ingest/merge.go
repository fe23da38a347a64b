package ingest

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/observability"
	"github.com/lvonguyen/threatpulse/internal/threat"
)

// ThreatWriter is the part of the store the merger writes through.
type ThreatWriter interface {
	UpsertThreat(ctx context.Context, key threat.Key, rec *threat.Record, cols []string) (uint, error)
	InsertThreat(ctx context.Context, rec *threat.Record) (uint, error)
}

// MergeStats summarizes one merge pass.
type MergeStats struct {
	Upserted  int
	Inserted  int
	Failed    int
	RecordIDs []uint
}

// Merger folds enrichment and exploited-status data onto record candidates
// and writes them to the store.
type Merger struct {
	store   ThreatWriter
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewMerger creates a merger. metrics may be nil.
func NewMerger(store ThreatWriter, metrics *observability.Metrics, logger *zap.Logger) *Merger {
	return &Merger{store: store, metrics: metrics, logger: logger}
}

// Merge writes every record candidate of res. Keyed candidates are upserted
// field by field; keyless ones are inserted as new rows. A failed write only
// skips that candidate. The returned error is the context error, if the
// context ended mid-merge.
func (m *Merger) Merge(ctx context.Context, res *FetchResult) (MergeStats, error) {
	ctx, span := tracer.Start(ctx, "ingest.merge")
	defer span.End()

	enrich := make(map[string]*threat.Candidate)
	for _, e := range res.Candidates(threat.KindEnrichment) {
		if e.VulnID == "" {
			continue
		}
		if prev, ok := enrich[e.VulnID]; ok {
			prev.Enrich(&e)
			continue
		}
		e := e
		enrich[e.VulnID] = &e
	}

	// Exploited status is only recomputed when an exploited-kind source
	// actually answered this run. While KEV is unreachable a stored true
	// stays true, even for an entry since removed from the catalog; the
	// next successful run clears it. Resetting to false on a failed fetch
	// would instead drop every exploited bonus for the outage.
	exploitedKnown := res.Succeeded(threat.KindExploited)
	exploited := make(map[string]*threat.Candidate)
	for _, k := range res.Candidates(threat.KindExploited) {
		if k.VulnID == "" {
			continue
		}
		k := k
		exploited[k.VulnID] = &k
	}

	var stats MergeStats
	for _, c := range res.Candidates(threat.KindRecord) {
		if err := ctx.Err(); err != nil {
			m.metrics.ObserveMerge(stats.Upserted, stats.Inserted, stats.Failed)
			return stats, err
		}

		c := c
		if c.VulnID != "" {
			if e, ok := enrich[c.VulnID]; ok {
				c.Enrich(e)
			}
			if exploitedKnown {
				k, ok := exploited[c.VulnID]
				c.Exploited = threat.Bool(ok)
				if ok {
					c.Enrich(k)
				}
			}
		}

		id, inserted, err := m.write(ctx, &c)
		if err != nil {
			stats.Failed++
			m.logger.Warn("Failed to merge candidate",
				zap.String("source", c.Source),
				zap.String("key", c.Key().String()),
				zap.Error(err),
			)
			continue
		}
		if inserted {
			stats.Inserted++
		} else {
			stats.Upserted++
		}
		stats.RecordIDs = append(stats.RecordIDs, id)
	}

	span.SetAttributes(
		attribute.Int("upserted", stats.Upserted),
		attribute.Int("inserted", stats.Inserted),
		attribute.Int("failed", stats.Failed),
	)
	m.metrics.ObserveMerge(stats.Upserted, stats.Inserted, stats.Failed)
	return stats, nil
}

func (m *Merger) write(ctx context.Context, c *threat.Candidate) (uint, bool, error) {
	rec, cols := c.Record()
	key := c.Key()
	if key.IsZero() {
		id, err := m.store.InsertThreat(ctx, rec)
		return id, true, err
	}
	id, err := m.store.UpsertThreat(ctx, key, rec, cols)
	return id, false, err
}
