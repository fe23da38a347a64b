package store

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/lvonguyen/threatpulse/internal/threat"
)

// Order selects the sort of FindThreats.
type Order string

const (
	OrderRecent     Order = "recent"
	OrderScore      Order = "score"
	OrderExploit    Order = "exploit"
	OrderConfidence Order = "confidence"
	OrderSeverity   Order = "severity"
)

var orderClauses = map[Order]string{
	OrderRecent:     "fetched_at DESC, id DESC",
	OrderScore:      "score DESC, id DESC",
	OrderExploit:    "exploit_probability DESC, id DESC",
	OrderConfidence: "confidence DESC, id DESC",
	OrderSeverity:   "severity_score DESC, id DESC",
}

// Filter narrows FindThreats. Zero values mean "no constraint".
type Filter struct {
	HasVulnID      bool
	HasIndicator   bool
	Source         string
	Priorities     []threat.Priority
	Exploited      *bool
	MinSeverity    float64
	MinConfidence  int
	IndicatorTypes []string
	// TextAny matches records whose title or description contains any of
	// the terms, case-insensitively.
	TextAny []string
	Order   Order
	Limit   int
}

// FindThreats returns stored records matching f.
func (s *Store) FindThreats(ctx context.Context, f Filter) ([]threat.Record, error) {
	q := s.db.WithContext(ctx).Model(&threat.Record{})
	q = applyFilter(q, f)

	order, ok := orderClauses[f.Order]
	if !ok {
		order = orderClauses[OrderRecent]
	}
	q = q.Order(order)
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var out []threat.Record
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("%w: find threats: %v", ErrPersistence, err)
	}
	return out, nil
}

func applyFilter(q *gorm.DB, f Filter) *gorm.DB {
	if f.HasVulnID {
		q = q.Where("vuln_id IS NOT NULL AND vuln_id <> ''")
	}
	if f.HasIndicator {
		q = q.Where("indicator IS NOT NULL AND indicator <> ''")
	}
	if f.Source != "" {
		q = q.Where("source = ?", f.Source)
	}
	if len(f.Priorities) > 0 {
		q = q.Where("priority IN ?", f.Priorities)
	}
	if f.Exploited != nil {
		q = q.Where("exploited = ?", *f.Exploited)
	}
	if f.MinSeverity > 0 {
		q = q.Where("severity_score >= ?", f.MinSeverity)
	}
	if f.MinConfidence > 0 {
		q = q.Where("confidence >= ?", f.MinConfidence)
	}
	if len(f.IndicatorTypes) > 0 {
		q = q.Where("indicator_type IN ?", f.IndicatorTypes)
	}
	if len(f.TextAny) > 0 {
		clauses := make([]string, 0, len(f.TextAny))
		args := make([]any, 0, 2*len(f.TextAny))
		for _, term := range f.TextAny {
			like := "%" + strings.ToLower(term) + "%"
			clauses = append(clauses, "(LOWER(title) LIKE ? OR LOWER(description) LIKE ?)")
			args = append(args, like, like)
		}
		q = q.Where(strings.Join(clauses, " OR "), args...)
	}
	return q
}

// GroupCount is one row of CountBy.
type GroupCount struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

var groupableFields = map[string]bool{
	"source":         true,
	"priority":       true,
	"cluster":        true,
	"indicator_type": true,
}

// CountBy counts stored records grouped by field, largest group first.
func (s *Store) CountBy(ctx context.Context, field string) ([]GroupCount, error) {
	if !groupableFields[field] {
		return nil, fmt.Errorf("%w: %q", ErrInvalidField, field)
	}
	var out []GroupCount
	err := s.db.WithContext(ctx).Model(&threat.Record{}).
		Select("COALESCE(CAST(" + field + " AS TEXT), '') AS value, COUNT(*) AS count").
		Group(field).
		Order("count DESC, value ASC").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("%w: count by %s: %v", ErrPersistence, field, err)
	}
	return out, nil
}

// CountThreats counts stored records matching f.
func (s *Store) CountThreats(ctx context.Context, f Filter) (int64, error) {
	var n int64
	if err := applyFilter(s.db.WithContext(ctx).Model(&threat.Record{}), f).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("%w: count threats: %v", ErrPersistence, err)
	}
	return n, nil
}

// InsertAlert appends an alert. Alerts are never updated.
func (s *Store) InsertAlert(ctx context.Context, a *threat.Alert) error {
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("%w: insert alert: %v", ErrPersistence, err)
	}
	return nil
}

// ListAlerts returns the most recent alerts, optionally only for role.
func (s *Store) ListAlerts(ctx context.Context, role string, limit int) ([]threat.Alert, error) {
	q := s.db.WithContext(ctx).Model(&threat.Alert{}).Order("created_at DESC")
	if role != "" {
		q = q.Where("role = ?", role)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []threat.Alert
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("%w: list alerts: %v", ErrPersistence, err)
	}
	return out, nil
}
