// Package dashboard answers the read-only aggregate queries behind the
// dashboard endpoints.
package dashboard

import (
	"context"
	"unicode/utf8"

	"github.com/lvonguyen/threatpulse/internal/store"
	"github.com/lvonguyen/threatpulse/internal/threat"
)

const (
	overviewLimit  = 500
	topThreatCount = 10
	snippetLength  = 200
)

// Store is the query surface the dashboard reads from.
type Store interface {
	FindThreats(ctx context.Context, f store.Filter) ([]threat.Record, error)
	CountBy(ctx context.Context, field string) ([]store.GroupCount, error)
}

// Scorer re-scores stored records for a role.
type Scorer interface {
	ScoreStored(ctx context.Context, limit int, role threat.Role) ([]threat.Record, error)
}

// Service runs dashboard queries.
type Service struct {
	store  Store
	scorer Scorer
}

// NewService creates a dashboard service.
func NewService(st Store, scorer Scorer) *Service {
	return &Service{store: st, scorer: scorer}
}

// SampleCVEs returns up to limit records that carry a vulnerability id.
func (s *Service) SampleCVEs(ctx context.Context, limit int) ([]threat.Record, error) {
	return s.store.FindThreats(ctx, store.Filter{HasVulnID: true, Limit: limit})
}

// SourceCounts counts stored records per source, largest first.
func (s *Service) SourceCounts(ctx context.Context) ([]store.GroupCount, error) {
	return s.store.CountBy(ctx, "source")
}

// TopIOCs returns indicators ordered by confidence, narrowed for role.
func (s *Service) TopIOCs(ctx context.Context, limit int, role threat.Role) ([]threat.Record, error) {
	return s.store.FindThreats(ctx, IOCFilter(limit, role))
}

// TrendingCVEs returns vulnerabilities ordered by exploit probability,
// narrowed for role.
func (s *Service) TrendingCVEs(ctx context.Context, limit int, role threat.Role) ([]threat.Record, error) {
	return s.store.FindThreats(ctx, TrendingFilter(limit, role))
}

// IOCFilter builds the top-indicator query for role.
func IOCFilter(limit int, role threat.Role) store.Filter {
	f := store.Filter{HasIndicator: true, Order: store.OrderConfidence, Limit: limit}
	switch role {
	case threat.RoleSecurity:
		f.MinConfidence = 80
	case threat.RoleFinancial:
		f.TextAny = []string{"phishing", "fraud", "scam"}
	case threat.RoleOperational:
		f.IndicatorTypes = []string{"ip", "domain", "url"}
	}
	return f
}

// TrendingFilter builds the trending-vulnerability query for role.
func TrendingFilter(limit int, role threat.Role) store.Filter {
	f := store.Filter{HasVulnID: true, Order: store.OrderExploit, Limit: limit}
	switch role {
	case threat.RoleSecurity:
		f.Exploited = threat.Bool(true)
	case threat.RoleFinancial:
		f.TextAny = []string{"financial", "ransomware", "phishing"}
	case threat.RoleOperational:
		f.MinSeverity = 7
	}
	return f
}

// TopThreat is the trimmed view of a record on the overview.
type TopThreat struct {
	ID          uint            `json:"id"`
	VulnID      *string         `json:"cve_id"`
	Indicator   *string         `json:"indicator"`
	Description string          `json:"description"`
	Score       float64         `json:"score"`
	Priority    threat.Priority `json:"priority"`
	Source      string          `json:"source"`
}

// Overview is the dashboard summary.
type Overview struct {
	TotalThreats    int              `json:"total_threats"`
	HighRiskThreats int              `json:"high_risk_threats"`
	CriticalThreats int              `json:"critical_threats"`
	Clusters        map[string]int64 `json:"clusters"`
	TopThreats      []TopThreat      `json:"top_threats"`
}

// Overview re-scores the most recent records for role and summarizes them.
// Cluster counts cover only records the clustering job has labelled.
func (s *Service) Overview(ctx context.Context, role threat.Role) (*Overview, error) {
	scored, err := s.scorer.ScoreStored(ctx, overviewLimit, role)
	if err != nil {
		return nil, err
	}
	clusters, err := s.store.CountBy(ctx, "cluster")
	if err != nil {
		return nil, err
	}

	ov := &Overview{
		TotalThreats: len(scored),
		Clusters:     make(map[string]int64),
		TopThreats:   make([]TopThreat, 0, topThreatCount),
	}
	for _, r := range scored {
		if r.Priority.Alerting() {
			ov.HighRiskThreats++
		}
		if r.Priority == threat.PriorityCritical {
			ov.CriticalThreats++
		}
	}
	for _, c := range clusters {
		if c.Value == "" {
			continue
		}
		ov.Clusters[c.Value] = c.Count
	}
	for i := 0; i < len(scored) && i < topThreatCount; i++ {
		r := scored[i]
		ov.TopThreats = append(ov.TopThreats, TopThreat{
			ID:          r.ID,
			VulnID:      r.VulnID,
			Indicator:   r.Indicator,
			Description: truncate(r.Description, snippetLength),
			Score:       r.Score,
			Priority:    r.Priority,
			Source:      r.Source,
		})
	}
	return ov, nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
