// Package threat defines the canonical threat, candidate and alert types shared by
// ingestion, scoring and alerting.
package threat

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Common errors.
var (
	ErrAmbiguousIdentity = errors.New("record carries both a vulnerability id and an indicator")
	ErrUnknownPriority   = errors.New("unknown priority")
	ErrUnknownRole       = errors.New("unknown role")
)

// Priority is the tier derived from a risk score.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Alerting reports whether the tier produces an alert.
func (p Priority) Alerting() bool {
	return p == PriorityHigh || p == PriorityCritical
}

// ParsePriority validates a priority string.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return p, nil
	default:
		return "", ErrUnknownPriority
	}
}

// Role selects the role-specific scoring modifiers.
type Role string

const (
	RoleNone        Role = ""
	RoleSecurity    Role = "security"
	RoleFinancial   Role = "financial"
	RoleOperational Role = "operational"
)

// ParseRole validates a role string. The empty string is the role-less
// default.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleNone, RoleSecurity, RoleFinancial, RoleOperational:
		return r, nil
	default:
		return "", ErrUnknownRole
	}
}

// KeyField names the column an identity key lives in.
type KeyField string

const (
	KeyNone      KeyField = ""
	KeyVulnID    KeyField = "vuln_id"
	KeyIndicator KeyField = "indicator"
)

// Key is a resolved identity key.
type Key struct {
	Field KeyField
	Value string
}

// IsZero reports whether the key is absent.
func (k Key) IsZero() bool {
	return k.Field == KeyNone || k.Value == ""
}

func (k Key) String() string {
	if k.IsZero() {
		return ""
	}
	return string(k.Field) + ":" + k.Value
}

// Record is the canonical threat entity.
type Record struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// At most one of VulnID and Indicator is set. Each has its own unique
	// index; NULLs never collide.
	VulnID        *string `gorm:"column:vuln_id;uniqueIndex" json:"cve_id,omitempty"`
	Indicator     *string `gorm:"column:indicator;uniqueIndex" json:"indicator,omitempty"`
	IndicatorType string  `json:"type,omitempty"`

	Title       string `json:"title"`
	Description string `json:"description"`

	SeverityScore      float64 `json:"cvss_score"`
	ExploitProbability float64 `json:"epss_score"`
	Percentile         float64 `json:"percentile"`
	Exploited          bool    `json:"kev_exploited"`
	KEVDateAdded       string  `gorm:"column:kev_date_added" json:"kev_date_added,omitempty"`
	KEVRansomwareUse   string  `gorm:"column:kev_ransomware_use" json:"kev_ransomware_use,omitempty"`

	Source      string     `gorm:"index" json:"source"`
	ExternalRef string     `json:"external_ref,omitempty"`
	URL         string     `json:"url,omitempty"`
	Malware     string     `json:"malware,omitempty"`
	Confidence  int        `json:"confidence,omitempty"`
	PublishedAt *time.Time `json:"published,omitempty"`
	FetchedAt   time.Time  `gorm:"index" json:"fetched_at"`

	Score           float64    `json:"score"`
	Priority        Priority   `gorm:"index" json:"priority"`
	ClassifierLabel *string    `json:"ai_label,omitempty"`
	Cluster         *int       `gorm:"index" json:"cluster,omitempty"`
	AnalyzedAt      *time.Time `json:"analyzed_at,omitempty"`
}

// TableName pins the gorm table name.
func (Record) TableName() string { return "threats" }

// Key resolves the identity key: vulnerability id, then indicator, else none.
// Blank values count as absent.
func (r *Record) Key() Key {
	if v := identity(r.VulnID); v != nil {
		return Key{Field: KeyVulnID, Value: *v}
	}
	if v := identity(r.Indicator); v != nil {
		return Key{Field: KeyIndicator, Value: *v}
	}
	return Key{}
}

// Normalize trims the identity fields and clears blank ones, so an absent
// identity is stored as NULL and never meets the unique index.
func (r *Record) Normalize() {
	r.VulnID = identity(r.VulnID)
	r.Indicator = identity(r.Indicator)
}

func identity(p *string) *string {
	if p == nil {
		return nil
	}
	v := strings.TrimSpace(*p)
	if v == "" {
		return nil
	}
	return &v
}

// Ref returns the identity value, or the internal id when there is none.
func (r *Record) Ref() string {
	if k := r.Key(); !k.IsZero() {
		return k.Value
	}
	return strconv.FormatUint(uint64(r.ID), 10)
}

// Validate enforces the identity invariant.
func (r *Record) Validate() error {
	if identity(r.VulnID) != nil && identity(r.Indicator) != nil {
		return ErrAmbiguousIdentity
	}
	return nil
}

// Text is the lowercase-agnostic scoring text: title followed by description.
func (r *Record) Text() string {
	return r.Title + " " + r.Description
}

// Alert is an immutable notification created for a high or critical record.
type Alert struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	ThreatRef   string    `gorm:"index" json:"threat_ref"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Severity    Priority  `json:"severity"`
	Source      string    `json:"source"`
	Role        string    `gorm:"index" json:"role"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

// TableName pins the gorm table name.
func (Alert) TableName() string { return "alerts" }

// String returns a pointer to s, or nil when s is empty.
func String(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Float returns a pointer to f.
func Float(f float64) *float64 { return &f }

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }
