package scoring

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/classifier"
	"github.com/lvonguyen/threatpulse/internal/store"
	"github.com/lvonguyen/threatpulse/internal/threat"
)

var analyzedAt = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func clock() time.Time { return analyzedAt }

func ransomwareRecord() *threat.Record {
	return &threat.Record{
		VulnID:             threat.String("CVE-2026-1000"),
		Title:              "",
		Description:        "ransomware attack",
		SeverityScore:      9.0,
		ExploitProbability: 0.8,
		Exploited:          true,
		Source:             "NVD",
	}
}

func TestClassify_Boundaries(t *testing.T) {
	tests := []struct {
		score float64
		want  threat.Priority
	}{
		{0, threat.PriorityLow},
		{59, threat.PriorityLow},
		{59.99, threat.PriorityLow},
		{60, threat.PriorityMedium},
		{89, threat.PriorityMedium},
		{90, threat.PriorityHigh},
		{119, threat.PriorityHigh},
		{120, threat.PriorityCritical},
		{500, threat.PriorityCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.score), "score %v", tt.score)
	}
}

func TestCompute_WorkedExamples(t *testing.T) {
	r := ransomwareRecord()

	score := Compute(r, threat.RoleNone, 0)
	assert.InDelta(t, 198, score, 1e-9)
	assert.Equal(t, threat.PriorityCritical, Classify(score))

	score = Compute(r, threat.RoleFinancial, 0)
	assert.InDelta(t, 238, score, 1e-9)
	assert.Equal(t, threat.PriorityCritical, Classify(score))
}

func TestRuleScore_KeywordsCountOnce(t *testing.T) {
	r := &threat.Record{Title: "Malware MALWARE", Description: "phishing kit with high impact"}
	assert.InDelta(t, 40+30+20, RuleScore(r), 1e-9)
}

func TestRoleModifier(t *testing.T) {
	tests := []struct {
		name string
		rec  threat.Record
		role threat.Role
		want float64
	}{
		{"none", threat.Record{Exploited: true, SeverityScore: 10}, threat.RoleNone, 0},
		{"security exploited", threat.Record{Exploited: true, SeverityScore: 5}, threat.RoleSecurity, 30},
		{"security both", threat.Record{Exploited: true, SeverityScore: 9}, threat.RoleSecurity, 50},
		{"security severity only", threat.Record{SeverityScore: 9.5}, threat.RoleSecurity, 20},
		{"financial phishing", threat.Record{Title: "Phishing wave"}, threat.RoleFinancial, 40},
		{"financial both terms once", threat.Record{Description: "ransomware and phishing"}, threat.RoleFinancial, 40},
		{"financial unrelated", threat.Record{Description: "ddos"}, threat.RoleFinancial, 0},
		{"operational severity", threat.Record{SeverityScore: 7}, threat.RoleOperational, 25},
		{"operational supply chain", threat.Record{SeverityScore: 8, Description: "Supply Chain compromise"}, threat.RoleOperational, 55},
		{"unknown role", threat.Record{Exploited: true}, threat.Role("auditor"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, RoleModifier(&tt.rec, tt.role), 1e-9)
		})
	}
}

func TestSeedScore(t *testing.T) {
	assert.Equal(t, 90.0, SeedScore(classifier.LabelHigh))
	assert.Equal(t, 70.0, SeedScore(classifier.LabelMedium))
	assert.Equal(t, 40.0, SeedScore(classifier.LabelLow))
	assert.Equal(t, 40.0, SeedScore("unexpected"))
}

// memStore keeps records in memory.
type memStore struct {
	recs     map[uint]*threat.Record
	nextID   uint
	failSave bool
}

func newMemStore() *memStore { return &memStore{recs: map[uint]*threat.Record{}} }

func (m *memStore) GetThreat(ctx context.Context, id uint) (*threat.Record, error) {
	r, ok := m.recs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (m *memStore) FindThreats(ctx context.Context, f store.Filter) ([]threat.Record, error) {
	var out []threat.Record
	for id := uint(1); id <= m.nextID; id++ {
		if r, ok := m.recs[id]; ok {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memStore) SaveThreat(ctx context.Context, rec *threat.Record) (uint, error) {
	if m.failSave {
		return 0, store.ErrPersistence
	}
	m.nextID++
	c := *rec
	c.ID = m.nextID
	m.recs[c.ID] = &c
	return c.ID, nil
}

func (m *memStore) SaveAnalysis(ctx context.Context, id uint, a store.Analysis) error {
	if m.failSave {
		return store.ErrPersistence
	}
	r, ok := m.recs[id]
	if !ok {
		return store.ErrNotFound
	}
	r.Score, r.Priority, r.ClassifierLabel = a.Score, a.Priority, a.ClassifierLabel
	at := a.AnalyzedAt
	r.AnalyzedAt = &at
	return nil
}

type recordingDispatcher struct {
	calls []threat.Role
	err   error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, rec *threat.Record, role threat.Role) (*threat.Alert, error) {
	d.calls = append(d.calls, role)
	if d.err != nil {
		return nil, d.err
	}
	return &threat.Alert{ThreatRef: rec.Ref(), Severity: rec.Priority}, nil
}

type stubClassifier struct {
	label classifier.Label
	err   error
}

func (c stubClassifier) Predict(ctx context.Context, f classifier.Features) (classifier.Label, error) {
	return c.label, c.err
}

func TestAnalyze_PersistsAndAlertsOnce(t *testing.T) {
	st := newMemStore()
	d := &recordingDispatcher{}
	e := NewEngine(st, zap.NewNop(), WithDispatcher(d), WithClock(clock))

	out, err := e.Analyze(context.Background(), ransomwareRecord(), threat.RoleNone)
	require.NoError(t, err)
	assert.InDelta(t, 198, out.Score, 1e-9)
	assert.Equal(t, threat.PriorityCritical, out.Priority)
	assert.Equal(t, analyzedAt, *out.AnalyzedAt)
	assert.NotZero(t, out.ID)
	assert.Len(t, d.calls, 1)

	stored := st.recs[out.ID]
	assert.Equal(t, threat.PriorityCritical, stored.Priority)
	assert.InDelta(t, 198, stored.Score, 1e-9)
}

func TestAnalyze_AlertGate(t *testing.T) {
	tests := []struct {
		name   string
		rec    threat.Record
		alerts int
	}{
		{"low", threat.Record{Title: "benign"}, 0},
		{"medium", threat.Record{SeverityScore: 7, ExploitProbability: 0.5}, 0},
		{"high", threat.Record{Description: "exploit", SeverityScore: 5, Exploited: true}, 1},
		{"critical", *ransomwareRecord(), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &recordingDispatcher{}
			e := NewEngine(newMemStore(), zap.NewNop(), WithDispatcher(d))
			out, err := e.Analyze(context.Background(), &tt.rec, threat.RoleNone)
			require.NoError(t, err)
			assert.Len(t, d.calls, tt.alerts, "priority %s score %v", out.Priority, out.Score)
		})
	}
}

func TestAnalyze_Deterministic(t *testing.T) {
	st := newMemStore()
	e := NewEngine(st, zap.NewNop(), WithClock(clock))

	first, err := e.Analyze(context.Background(), ransomwareRecord(), threat.RoleSecurity)
	require.NoError(t, err)
	second, err := e.ScoreByID(context.Background(), first.ID, threat.RoleSecurity)
	require.NoError(t, err)

	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.Priority, second.Priority)
	assert.Equal(t, first.ID, second.ID)
}

func TestAnalyze_Classifier(t *testing.T) {
	r := &threat.Record{Description: "ransomware"}

	e := NewEngine(newMemStore(), zap.NewNop(), WithClassifier(stubClassifier{label: classifier.LabelMedium}))
	out, err := e.Analyze(context.Background(), r, threat.RoleFinancial)
	require.NoError(t, err)
	assert.InDelta(t, 70+40, out.Score, 1e-9)
	require.NotNil(t, out.ClassifierLabel)
	assert.Equal(t, "medium", *out.ClassifierLabel)

	e = NewEngine(newMemStore(), zap.NewNop(), WithClassifier(stubClassifier{err: classifier.ErrPrediction}))
	out, err = e.Analyze(context.Background(), r, threat.RoleNone)
	require.NoError(t, err)
	assert.InDelta(t, 50, out.Score, 1e-9)
	assert.Nil(t, out.ClassifierLabel)
}

func TestAnalyze_DispatchErrorIsNotReturned(t *testing.T) {
	d := &recordingDispatcher{err: errors.New("store down")}
	e := NewEngine(newMemStore(), zap.NewNop(), WithDispatcher(d))

	out, err := e.Analyze(context.Background(), ransomwareRecord(), threat.RoleNone)
	require.NoError(t, err)
	assert.Equal(t, threat.PriorityCritical, out.Priority)
	assert.Len(t, d.calls, 1)
}

func TestAnalyze_PersistenceErrorIsReturned(t *testing.T) {
	st := newMemStore()
	st.failSave = true
	d := &recordingDispatcher{}
	e := NewEngine(st, zap.NewNop(), WithDispatcher(d))

	_, err := e.Analyze(context.Background(), ransomwareRecord(), threat.RoleNone)
	assert.ErrorIs(t, err, store.ErrPersistence)
	assert.Empty(t, d.calls)
}

func TestAnalyze_RejectsAmbiguousIdentity(t *testing.T) {
	r := ransomwareRecord()
	r.Indicator = threat.String("1.2.3.4")
	_, err := NewEngine(newMemStore(), zap.NewNop()).Analyze(context.Background(), r, threat.RoleNone)
	assert.ErrorIs(t, err, threat.ErrAmbiguousIdentity)
}

func TestScoreStored_SortedByScore(t *testing.T) {
	st, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "scoring.db")}, zap.NewNop())
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	for _, c := range []threat.Candidate{
		{Source: "NVD", VulnID: "CVE-2026-0001", Description: threat.String("minor bug"), SeverityScore: threat.Float(2), FetchedAt: analyzedAt},
		{Source: "NVD", VulnID: "CVE-2026-0002", Description: threat.String("ransomware"), SeverityScore: threat.Float(9.8), Exploited: threat.Bool(true), FetchedAt: analyzedAt},
		{Source: "ThreatFox", Indicator: "evil.example", Description: threat.String("phishing"), FetchedAt: analyzedAt},
	} {
		rec, cols := c.Record()
		_, err := st.UpsertThreat(ctx, c.Key(), rec, cols)
		require.NoError(t, err)
	}

	d := &recordingDispatcher{}
	e := NewEngine(st, zap.NewNop(), WithDispatcher(d), WithClock(clock))
	out, err := e.ScoreStored(ctx, 10, threat.RoleFinancial)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, "CVE-2026-0002", *out[0].VulnID)
	assert.Equal(t, "evil.example", *out[1].Indicator)
	for i := 1; i < len(out); i++ {
		assert.GreaterOrEqual(t, out[i-1].Score, out[i].Score)
	}

	stored, err := st.GetThreatByKey(ctx, threat.Key{Field: threat.KeyVulnID, Value: "CVE-2026-0002"})
	require.NoError(t, err)
	assert.Equal(t, threat.PriorityCritical, stored.Priority)
	assert.Len(t, d.calls, 1)
}
