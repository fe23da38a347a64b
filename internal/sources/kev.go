package sources

import (
	"context"
	"strings"

	"github.com/lvonguyen/threatpulse/internal/config"
	"github.com/lvonguyen/threatpulse/internal/threat"
)

// KEV pulls the CISA Known Exploited Vulnerabilities catalog.
type KEV struct {
	base
}

// NewKEV creates a KEV adapter.
func NewKEV(cfg config.FeedConfig, opts ...Option) *KEV {
	return &KEV{base: newBase(NameKEV, threat.KindExploited, cfg, opts...)}
}

// Fetch retrieves the full catalog. Every entry is an exploited vulnerability.
func (s *KEV) Fetch(ctx context.Context) ([]threat.Candidate, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	var resp kevCatalog
	if err := s.client.getJSON(ctx, "get catalog", s.cfg.BaseURL, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]threat.Candidate, 0, len(resp.Vulnerabilities))
	for _, v := range resp.Vulnerabilities {
		id := strings.TrimSpace(v.CVEID)
		if id == "" {
			continue
		}
		c := s.candidate()
		c.VulnID = id
		c.Exploited = threat.Bool(true)
		c.KEVDateAdded = threat.String(v.DateAdded)
		c.KEVRansomwareUse = threat.String(v.KnownRansomwareCampaignUse)
		out = append(out, c)
	}
	return out, nil
}

type kevCatalog struct {
	Title           string `json:"title"`
	CatalogVersion  string `json:"catalogVersion"`
	Count           int    `json:"count"`
	Vulnerabilities []struct {
		CVEID                      string `json:"cveID"`
		VendorProject              string `json:"vendorProject"`
		Product                    string `json:"product"`
		VulnerabilityName          string `json:"vulnerabilityName"`
		DateAdded                  string `json:"dateAdded"`
		ShortDescription           string `json:"shortDescription"`
		RequiredAction             string `json:"requiredAction"`
		DueDate                    string `json:"dueDate"`
		KnownRansomwareCampaignUse string `json:"knownRansomwareCampaignUse"`
	} `json:"vulnerabilities"`
}
