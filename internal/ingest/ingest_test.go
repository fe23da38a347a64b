package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/sources"
	"github.com/lvonguyen/threatpulse/internal/store"
	"github.com/lvonguyen/threatpulse/internal/threat"
)

var fetched = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	name    string
	kind    threat.Kind
	cands   []threat.Candidate
	err     error
	panic   bool
	block   chan struct{}
	entered chan struct{} // closed when Fetch starts
	hang    bool          // blocks until ctx ends
}

func (f *fakeSource) Name() string      { return f.name }
func (f *fakeSource) Kind() threat.Kind { return f.kind }

func (f *fakeSource) Fetch(ctx context.Context) ([]threat.Candidate, error) {
	if f.entered != nil {
		close(f.entered)
	}
	if f.block != nil {
		<-f.block
	}
	if f.hang {
		<-ctx.Done()
		return nil, &sources.FetchError{Source: f.name, Op: "fetch", Err: ctx.Err()}
	}
	if f.panic {
		panic("adapter bug")
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.cands, nil
}

func record(source, vulnID, indicator, title string) threat.Candidate {
	return threat.Candidate{
		Source:    source,
		Kind:      threat.KindRecord,
		VulnID:    vulnID,
		Indicator: indicator,
		Title:     threat.String(title),
		FetchedAt: fetched,
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "ingest.db")}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newService(st *store.Store, srcs []sources.Source, opts ...ServiceOption) *Service {
	logger := zap.NewNop()
	return NewService(
		NewOrchestrator(srcs, nil, logger),
		NewMerger(st, nil, logger),
		logger,
		opts...,
	)
}

func TestFetchAll_IsolatesFailures(t *testing.T) {
	srcs := []sources.Source{
		&fakeSource{name: "nvd", kind: threat.KindRecord, cands: []threat.Candidate{
			record("NVD", "CVE-2026-0001", "", "a"),
			record("NVD", "CVE-2026-0002", "", "b"),
		}},
		&fakeSource{name: "otx", kind: threat.KindRecord, err: &sources.FetchError{Source: "otx", Op: "get pulses", Err: sources.ErrUpstreamStatus}},
		&fakeSource{name: "mitre", kind: threat.KindRecord, panic: true},
		&fakeSource{name: "threatfox", kind: threat.KindRecord, cands: []threat.Candidate{
			record("ThreatFox", "", "evil.example", "c"),
		}},
	}

	res := NewOrchestrator(srcs, nil, zap.NewNop()).FetchAll(context.Background())

	assert.Equal(t, map[string]int{"nvd": 2, "otx": 0, "mitre": 0, "threatfox": 1}, res.Counts())
	assert.Equal(t, []string{"otx", "mitre"}, res.Failed())
	assert.Len(t, res.Candidates(threat.KindRecord), 3)

	var fe *sources.FetchError
	require.ErrorAs(t, res.Sources[2].Err, &fe)
	assert.Contains(t, fe.Error(), "panic")
}

func TestFetchAll_SlowSourceDoesNotBlockResultOrder(t *testing.T) {
	release := make(chan struct{})
	slow := &fakeSource{name: "slow", kind: threat.KindRecord, block: release,
		cands: []threat.Candidate{record("X", "CVE-2026-0009", "", "slow")}}
	fast := &fakeSource{name: "fast", kind: threat.KindRecord,
		cands: []threat.Candidate{record("Y", "CVE-2026-0010", "", "fast")}}

	done := make(chan *FetchResult)
	go func() {
		done <- NewOrchestrator([]sources.Source{slow, fast}, nil, zap.NewNop()).FetchAll(context.Background())
	}()
	close(release)
	res := <-done

	require.Len(t, res.Sources, 2)
	assert.Equal(t, "slow", res.Sources[0].Name)
	assert.Equal(t, "fast", res.Sources[1].Name)
}

func TestIngestAll_PartialFailureReportsZero(t *testing.T) {
	st := newTestStore(t)
	svc := newService(st, []sources.Source{
		&fakeSource{name: "nvd", kind: threat.KindRecord, cands: []threat.Candidate{record("NVD", "CVE-2026-0001", "", "a")}},
		&fakeSource{name: "otx", kind: threat.KindRecord, err: errors.New("connection refused")},
	})

	summary, err := svc.IngestAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"nvd": 1, "otx": 0}, summary.Counts)
	assert.Equal(t, []string{"otx"}, summary.Failed)
	assert.Contains(t, summary.Errors["otx"], "connection refused")
	assert.Equal(t, 1, summary.Upserted)
}

func TestIngestAll_ExpiredDeadlineStillPersistsFetched(t *testing.T) {
	st := newTestStore(t)
	scorer := &recordingScorer{}
	svc := newService(st, []sources.Source{
		&fakeSource{name: "nvd", kind: threat.KindRecord, cands: []threat.Candidate{record("NVD", "CVE-2026-0001", "", "a")}},
		&fakeSource{name: "mitre", kind: threat.KindRecord, hang: true},
	}, WithScorer(scorer))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	summary, err := svc.IngestAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"nvd": 1, "mitre": 0}, summary.Counts)
	assert.Equal(t, []string{"mitre"}, summary.Failed)
	assert.Equal(t, 1, summary.Upserted)
	assert.Equal(t, 1, summary.Scored)

	n, err := st.CountThreats(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

type stallingWriter struct{}

func (stallingWriter) UpsertThreat(ctx context.Context, key threat.Key, rec *threat.Record, cols []string) (uint, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func (stallingWriter) InsertThreat(ctx context.Context, rec *threat.Record) (uint, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestIngestAll_BatchTimeoutKeepsSummary(t *testing.T) {
	logger := zap.NewNop()
	orch := NewOrchestrator([]sources.Source{
		&fakeSource{name: "nvd", kind: threat.KindRecord, cands: []threat.Candidate{
			record("NVD", "CVE-2026-0001", "", "a"),
			record("NVD", "CVE-2026-0002", "", "b"),
		}},
	}, nil, logger)
	svc := NewService(orch, NewMerger(stallingWriter{}, nil, logger), logger, WithBatchTimeout(50*time.Millisecond))

	summary, err := svc.IngestAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, summary)
	assert.Equal(t, map[string]int{"nvd": 2}, summary.Counts)
	assert.Equal(t, 1, summary.MergeFailed)
}

func TestIngestAll_Idempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	srcs := []sources.Source{
		&fakeSource{name: "nvd", kind: threat.KindRecord, cands: []threat.Candidate{
			record("NVD", "CVE-2026-0001", "", "first"),
			record("NVD", "CVE-2026-0002", "", "second"),
		}},
		&fakeSource{name: "threatfox", kind: threat.KindRecord, cands: []threat.Candidate{
			record("ThreatFox", "", "198.51.100.7:443", "botnet c2"),
		}},
	}
	svc := newService(st, srcs)

	_, err := svc.IngestAll(ctx)
	require.NoError(t, err)
	before, err := st.GetThreatByKey(ctx, threat.Key{Field: threat.KeyVulnID, Value: "CVE-2026-0001"})
	require.NoError(t, err)

	_, err = svc.IngestAll(ctx)
	require.NoError(t, err)
	after, err := st.GetThreatByKey(ctx, threat.Key{Field: threat.KeyVulnID, Value: "CVE-2026-0001"})
	require.NoError(t, err)

	n, err := st.CountThreats(ctx, store.Filter{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.Equal(t, before, after)

	all, err := st.FindThreats(ctx, store.Filter{})
	require.NoError(t, err)
	for _, r := range all {
		assert.NoError(t, r.Validate())
	}
}

func TestIngestAll_KeylessRecordsAreNotDeduplicated(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	svc := newService(st, []sources.Source{
		&fakeSource{name: "mitre", kind: threat.KindRecord, cands: []threat.Candidate{record("MITRE", "", "", "Phishing")}},
	})

	for i := 0; i < 2; i++ {
		summary, err := svc.IngestAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Inserted)
	}
	n, err := st.CountThreats(ctx, store.Filter{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestMerge_EnrichmentAndExploitedStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	key1 := threat.Key{Field: threat.KeyVulnID, Value: "CVE-2026-0001"}
	key2 := threat.Key{Field: threat.KeyVulnID, Value: "CVE-2026-0002"}

	nvd := &fakeSource{name: "nvd", kind: threat.KindRecord, cands: []threat.Candidate{
		record("NVD", "CVE-2026-0001", "", "one"),
		record("NVD", "CVE-2026-0002", "", "two"),
	}}
	epss := &fakeSource{name: "epss", kind: threat.KindEnrichment, cands: []threat.Candidate{{
		Source: "EPSS", Kind: threat.KindEnrichment, VulnID: "CVE-2026-0001",
		ExploitProbability: threat.Float(0.8), Percentile: threat.Float(0.99), FetchedAt: fetched,
	}}}
	kev := &fakeSource{name: "kev", kind: threat.KindExploited, cands: []threat.Candidate{{
		Source: "CISA-KEV", Kind: threat.KindExploited, VulnID: "CVE-2026-0001",
		Exploited: threat.Bool(true), KEVDateAdded: threat.String("2026-02-20"), FetchedAt: fetched,
	}}}

	_, err := newService(st, []sources.Source{nvd, epss, kev}).IngestAll(ctx)
	require.NoError(t, err)

	one, err := st.GetThreatByKey(ctx, key1)
	require.NoError(t, err)
	assert.True(t, one.Exploited)
	assert.Equal(t, 0.8, one.ExploitProbability)
	assert.Equal(t, 0.99, one.Percentile)
	assert.Equal(t, "2026-02-20", one.KEVDateAdded)
	assert.Equal(t, "NVD", one.Source)

	two, err := st.GetThreatByKey(ctx, key2)
	require.NoError(t, err)
	assert.False(t, two.Exploited)

	// KEV drops CVE-0001: the flag is recomputed to false.
	kev.cands = nil
	_, err = newService(st, []sources.Source{nvd, kev}).IngestAll(ctx)
	require.NoError(t, err)
	one, err = st.GetThreatByKey(ctx, key1)
	require.NoError(t, err)
	assert.False(t, one.Exploited)
	assert.Equal(t, 0.8, one.ExploitProbability, "absent enrichment leaves stored value")

	// KEV unreachable: the stored flag is left as is.
	kev.cands = []threat.Candidate{{Source: "CISA-KEV", Kind: threat.KindExploited, VulnID: "CVE-2026-0002", FetchedAt: fetched}}
	_, err = newService(st, []sources.Source{nvd, kev}).IngestAll(ctx)
	require.NoError(t, err)
	kev.err = errors.New("timeout")
	_, err = newService(st, []sources.Source{nvd, kev}).IngestAll(ctx)
	require.NoError(t, err)
	two, err = st.GetThreatByKey(ctx, key2)
	require.NoError(t, err)
	assert.True(t, two.Exploited)
}

type failingWriter struct {
	failKey string
	upserts int
}

func (w *failingWriter) UpsertThreat(ctx context.Context, key threat.Key, rec *threat.Record, cols []string) (uint, error) {
	if key.Value == w.failKey {
		return 0, store.ErrPersistence
	}
	w.upserts++
	return uint(w.upserts), nil
}

func (w *failingWriter) InsertThreat(ctx context.Context, rec *threat.Record) (uint, error) {
	return 100, nil
}

func TestMerge_PersistenceErrorSkipsOnlyThatCandidate(t *testing.T) {
	w := &failingWriter{failKey: "CVE-2026-0002"}
	res := &FetchResult{Sources: []SourceResult{{
		Name: "nvd", Kind: threat.KindRecord, Candidates: []threat.Candidate{
			record("NVD", "CVE-2026-0001", "", "a"),
			record("NVD", "CVE-2026-0002", "", "b"),
			record("NVD", "CVE-2026-0003", "", "c"),
			record("MITRE", "", "", "d"),
		},
	}}}

	stats, err := NewMerger(w, nil, zap.NewNop()).Merge(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Upserted)
	assert.Equal(t, 1, stats.Inserted)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, []uint{1, 2, 100}, stats.RecordIDs)
}

type recordingScorer struct {
	mu  sync.Mutex
	ids []uint
}

func (s *recordingScorer) ScoreByID(ctx context.Context, id uint, role threat.Role) (*threat.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
	return &threat.Record{ID: id}, nil
}

type memoryCache struct {
	saved *Summary
}

func (c *memoryCache) Save(ctx context.Context, s *Summary) error {
	c.saved = s
	return nil
}

func (c *memoryCache) Last(ctx context.Context) (*Summary, error) {
	if c.saved == nil {
		return nil, ErrNoSummary
	}
	return c.saved, nil
}

func TestIngestAll_ScoresAndCachesSummary(t *testing.T) {
	st := newTestStore(t)
	scorer := &recordingScorer{}
	cache := &memoryCache{}
	svc := newService(st, []sources.Source{
		&fakeSource{name: "nvd", kind: threat.KindRecord, cands: []threat.Candidate{
			record("NVD", "CVE-2026-0001", "", "a"),
			record("NVD", "CVE-2026-0002", "", "b"),
		}},
	}, WithScorer(scorer), WithSummaryCache(cache))

	_, err := svc.LastSummary(context.Background())
	assert.ErrorIs(t, err, ErrNoSummary)

	summary, err := svc.IngestAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Scored)
	assert.Len(t, scorer.ids, 2)
	assert.Same(t, summary, cache.saved)

	last, err := svc.LastSummary(context.Background())
	require.NoError(t, err)
	assert.Same(t, summary, last)
}

func TestIngestAll_RejectsConcurrentRun(t *testing.T) {
	st := newTestStore(t)
	block := make(chan struct{})
	entered := make(chan struct{})
	svc := newService(st, []sources.Source{&fakeSource{name: "nvd", kind: threat.KindRecord, block: block, entered: entered}})

	done := make(chan error)
	go func() {
		_, err := svc.IngestAll(context.Background())
		done <- err
	}()
	<-entered

	_, err := svc.IngestAll(context.Background())
	assert.ErrorIs(t, err, ErrIngestInProgress)

	close(block)
	require.NoError(t, <-done)
}

type countingRunner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *countingRunner) IngestAll(ctx context.Context) (*Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return &Summary{Counts: map[string]int{}}, nil
}

func TestScheduler(t *testing.T) {
	_, err := NewScheduler(&countingRunner{}, "not a schedule", time.Minute, zap.NewNop())
	require.Error(t, err)

	runner := &countingRunner{}
	s, err := NewScheduler(runner, "@every 1h", time.Minute, zap.NewNop())
	require.NoError(t, err)

	s.run()
	runner.err = ErrIngestInProgress
	s.run()
	assert.Equal(t, 2, runner.calls)

	s.Start()
	assert.False(t, s.Next().IsZero())
	require.NoError(t, s.Stop(context.Background()))
}

func TestRedisSummaryCache_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	cache := NewRedisSummaryCache(client, time.Minute)

	err := cache.Save(context.Background(), &Summary{Counts: map[string]int{"nvd": 1}})
	assert.Error(t, err)
	_, err = cache.Last(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoSummary)
}
