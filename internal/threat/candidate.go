package threat

import (
	"strings"
	"time"
)

// Kind says how the merge engine treats a candidate.
type Kind string

const (
	// KindRecord candidates become (or update) canonical records.
	KindRecord Kind = "record"
	// KindEnrichment candidates carry score data keyed by vulnerability id
	// and are folded onto record candidates with the same id.
	KindEnrichment Kind = "enrichment"
	// KindExploited candidates list vulnerability ids known to be exploited.
	KindExploited Kind = "exploited"
)

// Candidate is a source-specific, not yet canonical record. Nil pointer
// fields are absent and leave the stored value untouched on merge.
type Candidate struct {
	Source string
	Kind   Kind

	VulnID        string
	Indicator     string
	IndicatorType string

	Title       *string
	Description *string

	SeverityScore      *float64
	ExploitProbability *float64
	Percentile         *float64
	Exploited          *bool
	KEVDateAdded       *string
	KEVRansomwareUse   *string

	ExternalRef *string
	URL         *string
	Malware     *string
	Confidence  *int
	PublishedAt *time.Time
	FetchedAt   time.Time
}

// Key resolves the candidate's identity key with the same precedence as Record.
func (c *Candidate) Key() Key {
	if v := strings.TrimSpace(c.VulnID); v != "" {
		return Key{Field: KeyVulnID, Value: v}
	}
	if v := strings.TrimSpace(c.Indicator); v != "" {
		return Key{Field: KeyIndicator, Value: v}
	}
	return Key{}
}

// Record materializes the candidate as a record plus the list of columns it
// actually carries. Identity is reduced to the resolved key so the record
// never holds both a vulnerability id and an indicator.
func (c *Candidate) Record() (*Record, []string) {
	rec := &Record{
		Source:        c.Source,
		IndicatorType: c.IndicatorType,
		FetchedAt:     c.FetchedAt,
	}
	cols := []string{"source", "fetched_at"}

	switch k := c.Key(); k.Field {
	case KeyVulnID:
		rec.VulnID = String(k.Value)
		cols = append(cols, "vuln_id")
	case KeyIndicator:
		rec.Indicator = String(k.Value)
		cols = append(cols, "indicator")
		if c.IndicatorType != "" {
			cols = append(cols, "indicator_type")
		}
	}

	if c.Title != nil {
		rec.Title = *c.Title
		cols = append(cols, "title")
	}
	if c.Description != nil {
		rec.Description = *c.Description
		cols = append(cols, "description")
	}
	if c.SeverityScore != nil {
		rec.SeverityScore = *c.SeverityScore
		cols = append(cols, "severity_score")
	}
	if c.ExploitProbability != nil {
		rec.ExploitProbability = *c.ExploitProbability
		cols = append(cols, "exploit_probability")
	}
	if c.Percentile != nil {
		rec.Percentile = *c.Percentile
		cols = append(cols, "percentile")
	}
	if c.Exploited != nil {
		rec.Exploited = *c.Exploited
		cols = append(cols, "exploited")
	}
	if c.KEVDateAdded != nil {
		rec.KEVDateAdded = *c.KEVDateAdded
		cols = append(cols, "kev_date_added")
	}
	if c.KEVRansomwareUse != nil {
		rec.KEVRansomwareUse = *c.KEVRansomwareUse
		cols = append(cols, "kev_ransomware_use")
	}
	if c.ExternalRef != nil {
		rec.ExternalRef = *c.ExternalRef
		cols = append(cols, "external_ref")
	}
	if c.URL != nil {
		rec.URL = *c.URL
		cols = append(cols, "url")
	}
	if c.Malware != nil {
		rec.Malware = *c.Malware
		cols = append(cols, "malware")
	}
	if c.Confidence != nil {
		rec.Confidence = *c.Confidence
		cols = append(cols, "confidence")
	}
	if c.PublishedAt != nil {
		t := *c.PublishedAt
		rec.PublishedAt = &t
		cols = append(cols, "published_at")
	}
	return rec, cols
}

// Enrich copies enrichment fields present on e onto c.
func (c *Candidate) Enrich(e *Candidate) {
	if e.SeverityScore != nil {
		c.SeverityScore = e.SeverityScore
	}
	if e.ExploitProbability != nil {
		c.ExploitProbability = e.ExploitProbability
	}
	if e.Percentile != nil {
		c.Percentile = e.Percentile
	}
	if e.KEVDateAdded != nil {
		c.KEVDateAdded = e.KEVDateAdded
	}
	if e.KEVRansomwareUse != nil {
		c.KEVRansomwareUse = e.KEVRansomwareUse
	}
}
