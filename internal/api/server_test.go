package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/alerting"
	"github.com/lvonguyen/threatpulse/internal/dashboard"
	"github.com/lvonguyen/threatpulse/internal/ingest"
	"github.com/lvonguyen/threatpulse/internal/realtime"
	"github.com/lvonguyen/threatpulse/internal/scoring"
	"github.com/lvonguyen/threatpulse/internal/sources"
	"github.com/lvonguyen/threatpulse/internal/store"
	"github.com/lvonguyen/threatpulse/internal/threat"
)

type fakeIngester struct {
	summary *ingest.Summary
	partial *ingest.Summary // returned alongside err
	err     error
	calls   int
}

func (f *fakeIngester) IngestAll(context.Context) (*ingest.Summary, error) {
	f.calls++
	if f.err != nil {
		return f.partial, f.err
	}
	return f.summary, nil
}

func (f *fakeIngester) LastSummary(context.Context) (*ingest.Summary, error) {
	if f.summary == nil {
		return nil, ingest.ErrNoSummary
	}
	return f.summary, nil
}

type testEnv struct {
	srv      *Server
	store    *store.Store
	hub      *realtime.Hub
	ingester *fakeIngester
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	st, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "api.db")}, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	hub := realtime.NewHub(logger)
	t.Cleanup(hub.Close)
	disp := alerting.NewDispatcher(st, logger, alerting.WithChannels(alerting.NewBroadcastChannel(hub)))
	engine := scoring.NewEngine(st, logger, scoring.WithDispatcher(disp))
	ing := &fakeIngester{}

	srv := New(Deps{
		Store:       st,
		Ingester:    ing,
		Analyzer:    engine,
		Publisher:   disp,
		Dashboard:   dashboard.NewService(st, engine),
		Subscribers: hub,
	}, "test", 5*time.Second, logger)
	return &testEnv{srv: srv, store: st, hub: hub, ingester: ing}
}

func (e *testEnv) do(t *testing.T, method, target string, body []byte) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, target, err, rec.Body.String())
		}
	}
	return rec, out
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK || body["version"] != "test" {
		t.Fatalf("health = %d %v", rec.Code, body)
	}
	rec, body = env.do(t, http.MethodGet, "/ready", nil)
	if rec.Code != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("ready = %d %v", rec.Code, body)
	}
}

func TestIngestEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec, _ := env.do(t, http.MethodGet, "/api/v1/ingest/last", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("last before run = %d, want 404", rec.Code)
	}

	env.ingester.summary = &ingest.Summary{Counts: map[string]int{"NVD": 3, "OTX": 0}, Failed: []string{"OTX"}}
	rec, body := env.do(t, http.MethodPost, "/api/v1/ingest", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest = %d", rec.Code)
	}
	fetched := body["fetched"].(map[string]any)
	counts := fetched["counts"].(map[string]any)
	if counts["NVD"] != float64(3) || counts["OTX"] != float64(0) {
		t.Errorf("counts = %v", counts)
	}

	env.ingester.err = ingest.ErrIngestInProgress
	rec, _ = env.do(t, http.MethodPost, "/api/v1/ingest", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("concurrent ingest = %d, want 409", rec.Code)
	}

	env.ingester.err = context.DeadlineExceeded
	env.ingester.partial = &ingest.Summary{Counts: map[string]int{"NVD": 3}, MergeFailed: 1}
	rec, body = env.do(t, http.MethodPost, "/api/v1/ingest", nil)
	if rec.Code != http.StatusOK || body["status"] != "partial" {
		t.Fatalf("partial ingest = %d %v", rec.Code, body)
	}
	if _, ok := body["fetched"].(map[string]any)["counts"]; !ok {
		t.Errorf("partial ingest dropped the summary: %v", body)
	}
}

type hangingSource struct{}

func (hangingSource) Name() string      { return "mitre" }
func (hangingSource) Kind() threat.Kind { return threat.KindRecord }

func (hangingSource) Fetch(ctx context.Context) ([]threat.Candidate, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type staticSource struct{}

func (staticSource) Name() string      { return "nvd" }
func (staticSource) Kind() threat.Kind { return threat.KindRecord }

func (staticSource) Fetch(context.Context) ([]threat.Candidate, error) {
	return []threat.Candidate{{
		Source: "NVD", Kind: threat.KindRecord, VulnID: "CVE-2026-0100",
		Title: threat.String("fast feed"), FetchedAt: time.Now().UTC(),
	}}, nil
}

func TestIngest_RequestTimeoutStillPersistsFastSources(t *testing.T) {
	env := newTestEnv(t)
	logger := zap.NewNop()
	svc := ingest.NewService(
		ingest.NewOrchestrator([]sources.Source{staticSource{}, hangingSource{}}, nil, logger),
		ingest.NewMerger(env.store, nil, logger),
		logger,
	)
	srv := New(Deps{Store: env.store, Ingester: svc}, "test", 200*time.Millisecond, logger)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ingest = %d %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Fetched ingest.Summary `json:"fetched"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Fetched.Counts["nvd"] != 1 || body.Fetched.Counts["mitre"] != 0 {
		t.Errorf("counts = %v", body.Fetched.Counts)
	}
	if _, err := env.store.GetThreatByKey(context.Background(), threat.Key{Field: threat.KeyVulnID, Value: "CVE-2026-0100"}); err != nil {
		t.Errorf("fast source record not stored: %v", err)
	}
}

func TestAnalyzeQuery_WorkedExample(t *testing.T) {
	env := newTestEnv(t)

	target := "/api/v1/analyze?title=RCE&description=ransomware+attack&cvss_score=9.0&epss_score=0.8&kev_exploited=true"
	rec, body := env.do(t, http.MethodGet, target, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("analyze = %d %v", rec.Code, body)
	}
	data := body["data"].(map[string]any)
	if data["score"].(float64) < 197.99 || data["score"].(float64) > 198.01 {
		t.Errorf("score = %v, want 198", data["score"])
	}
	if data["priority"] != "critical" {
		t.Errorf("priority = %v", data["priority"])
	}

	alerts, err := env.store.ListAlerts(context.Background(), "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0].Severity != threat.PriorityCritical {
		t.Fatalf("alerts = %+v", alerts)
	}
}

func TestAnalyzeBody(t *testing.T) {
	env := newTestEnv(t)

	payload := []byte(`{"id": 99, "cve_id": "CVE-2024-1111", "title": "phishing", "cvss_score": 2}`)
	rec, body := env.do(t, http.MethodPost, "/api/v1/analyze?role=financial", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("analyze = %d %v", rec.Code, body)
	}
	data := body["data"].(map[string]any)
	// phishing 30 + severity 4 + financial 40
	if data["score"] != float64(74) || data["priority"] != "medium" {
		t.Errorf("data = %v", data)
	}
	if data["id"] == float64(99) {
		t.Error("submitted id must be ignored")
	}

	stored, err := env.store.GetThreatByKey(context.Background(), threat.Key{Field: threat.KeyVulnID, Value: "CVE-2024-1111"})
	if err != nil {
		t.Fatal(err)
	}
	if stored.Priority != threat.PriorityMedium {
		t.Errorf("stored priority = %s", stored.Priority)
	}
}

func TestAnalyzeBody_EmptyIdentityRepeated(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 2; i++ {
		rec, body := env.do(t, http.MethodPost, "/api/v1/analyze", []byte(`{"cve_id":"","title":"manual note"}`))
		if rec.Code != http.StatusOK {
			t.Fatalf("submission %d = %d %v", i+1, rec.Code, body)
		}
	}
	n, err := env.store.CountThreats(context.Background(), store.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("stored %d records, want 2", n)
	}
}

func TestAnalyze_BadInput(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		target string
		body   string
	}{
		{"unknown role", http.MethodGet, "/api/v1/analyze?role=ceo", ""},
		{"bad number", http.MethodGet, "/api/v1/analyze?cvss_score=high", ""},
		{"bad bool", http.MethodGet, "/api/v1/analyze?kev_exploited=maybe", ""},
		{"bad json", http.MethodPost, "/api/v1/analyze", "{"},
		{"both keys", http.MethodPost, "/api/v1/analyze", `{"cve_id":"CVE-1","indicator":"1.2.3.4"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body []byte
			if tt.body != "" {
				body = []byte(tt.body)
			}
			rec, _ := env.do(t, tt.method, tt.target, body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestThreatsAndScored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, r := range []threat.Record{
		{VulnID: threat.String("CVE-A"), Source: "NVD", SeverityScore: 9.8, Exploited: true, Title: "exploit", FetchedAt: at},
		{Indicator: threat.String("bad.example"), Source: "OTX", FetchedAt: at},
	} {
		r := r
		if _, err := env.store.SaveThreat(ctx, &r); err != nil {
			t.Fatal(err)
		}
	}

	rec, body := env.do(t, http.MethodGet, "/api/v1/threats?source=OTX", nil)
	if rec.Code != http.StatusOK || len(body["data"].([]any)) != 1 {
		t.Fatalf("threats = %d %v", rec.Code, body)
	}
	rec, _ = env.do(t, http.MethodGet, "/api/v1/threats?priority=urgent", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad priority = %d", rec.Code)
	}

	rec, body = env.do(t, http.MethodGet, "/api/v1/threats/scored?limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("scored = %d", rec.Code)
	}
	data := body["data"].([]any)
	if len(data) != 2 || data[0].(map[string]any)["cve_id"] != "CVE-A" {
		t.Errorf("scored order = %v", data)
	}
}

func TestAlertsCreateAndList(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodPost, "/api/v1/alerts",
		[]byte(`{"title":"Suspicious IP blocked","description":"1.2.3.4","severity":"high","role":"security"}`))
	if rec.Code != http.StatusOK || body["status"] != "ok" || body["id"] == "" {
		t.Fatalf("create = %d %v", rec.Code, body)
	}

	rec, _ = env.do(t, http.MethodPost, "/api/v1/alerts", []byte(`{"description":"no title"}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing title = %d, want 400", rec.Code)
	}

	_, body = env.do(t, http.MethodGet, "/api/v1/alerts?role=security", nil)
	if n := len(body["alerts"].([]any)); n != 1 {
		t.Errorf("security alerts = %d, want 1", n)
	}
	_, body = env.do(t, http.MethodGet, "/api/v1/alerts?role=financial", nil)
	if n := len(body["alerts"].([]any)); n != 0 {
		t.Errorf("financial alerts = %d, want 0", n)
	}
}

func TestDashboardEndpoints(t *testing.T) {
	env := newTestEnv(t)
	r := threat.Record{VulnID: threat.String("CVE-D"), Source: "NVD", ExploitProbability: 0.4, FetchedAt: time.Now().UTC()}
	if _, err := env.store.SaveThreat(context.Background(), &r); err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct{ path, key string }{
		{"/api/v1/dashboard/sample_cves", "sample"},
		{"/api/v1/dashboard/sources_count", "counts"},
		{"/api/v1/dashboard/top_iocs?role=security", "iocs"},
		{"/api/v1/dashboard/trending_cves", "trending"},
		{"/api/v1/dashboard/overview", "data"},
	} {
		t.Run(tt.path, func(t *testing.T) {
			rec, body := env.do(t, http.MethodGet, tt.path, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			if _, ok := body[tt.key]; !ok {
				t.Errorf("missing %q in %v", tt.key, body)
			}
		})
	}
}

func TestAlertWebsocket(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/alerts/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Post(ts.URL+"/api/v1/alerts", "application/json",
		strings.NewReader(`{"title":"Manual alert","severity":"critical"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env2 realtime.Envelope
	if err := json.Unmarshal(msg, &env2); err != nil {
		t.Fatal(err)
	}
	if env2.Type != "alert" || env2.Alert.Title != "Manual alert" {
		t.Errorf("envelope = %+v", env2)
	}
}
