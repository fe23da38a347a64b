package sources

import (
	"context"
	"strings"

	"github.com/lvonguyen/threatpulse/internal/config"
	"github.com/lvonguyen/threatpulse/internal/threat"
)

// MITRE pulls ATT&CK techniques from the enterprise STIX bundle. Techniques
// have no vulnerability id or indicator, so their records are keyless.
type MITRE struct {
	base
}

// NewMITRE creates an ATT&CK adapter.
func NewMITRE(cfg config.FeedConfig, opts ...Option) *MITRE {
	return &MITRE{base: newBase(NameMITRE, threat.KindRecord, cfg, opts...)}
}

// Fetch downloads the bundle and keeps active attack-pattern objects. A
// positive limit caps the number of techniques returned.
func (s *MITRE) Fetch(ctx context.Context) ([]threat.Candidate, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	var bundle stixBundle
	if err := s.client.getJSON(ctx, "get bundle", s.cfg.BaseURL, nil, &bundle); err != nil {
		return nil, err
	}

	var out []threat.Candidate
	for _, obj := range bundle.Objects {
		if obj.Type != "attack-pattern" || obj.Revoked || obj.Deprecated {
			continue
		}
		ref := obj.attackRef()
		c := s.candidate()
		c.Title = threat.String(obj.Name)
		c.Description = threat.String(obj.Description)
		if ref.ExternalID != "" {
			c.ExternalRef = threat.String(ref.ExternalID)
		}
		c.URL = threat.String(ref.URL)
		c.PublishedAt = parseTime(stixTimeLayouts, obj.Created)
		out = append(out, c)
		if s.cfg.Limit > 0 && len(out) >= s.cfg.Limit {
			break
		}
	}
	return out, nil
}

var stixTimeLayouts = []string{
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05Z07:00",
}

type stixBundle struct {
	Type    string       `json:"type"`
	ID      string       `json:"id"`
	Objects []stixObject `json:"objects"`
}

type stixObject struct {
	Type               string            `json:"type"`
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	Created            string            `json:"created"`
	Revoked            bool              `json:"revoked"`
	Deprecated         bool              `json:"x_mitre_deprecated"`
	ExternalReferences []stixExternalRef `json:"external_references"`
}

type stixExternalRef struct {
	SourceName string `json:"source_name"`
	ExternalID string `json:"external_id"`
	URL        string `json:"url"`
}

// attackRef returns the mitre-attack reference, else the first one.
func (o stixObject) attackRef() stixExternalRef {
	for _, r := range o.ExternalReferences {
		if strings.EqualFold(r.SourceName, "mitre-attack") {
			return r
		}
	}
	if len(o.ExternalReferences) > 0 {
		return o.ExternalReferences[0]
	}
	return stixExternalRef{}
}
