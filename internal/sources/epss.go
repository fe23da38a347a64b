package sources

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/lvonguyen/threatpulse/internal/config"
	"github.com/lvonguyen/threatpulse/internal/threat"
)

// EPSS pulls exploit prediction scores from FIRST. Its candidates enrich
// CVE records rather than becoming records of their own.
type EPSS struct {
	base
}

// NewEPSS creates an EPSS adapter.
func NewEPSS(cfg config.FeedConfig, opts ...Option) *EPSS {
	return &EPSS{base: newBase(NameEPSS, threat.KindEnrichment, cfg, opts...)}
}

// Fetch retrieves the top EPSS rows.
func (s *EPSS) Fetch(ctx context.Context) ([]threat.Candidate, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	endpoint := s.cfg.BaseURL
	if s.cfg.Limit > 0 {
		endpoint += "?" + url.Values{"limit": {strconv.Itoa(s.cfg.Limit)}}.Encode()
	}

	var resp epssResponse
	if err := s.client.getJSON(ctx, "list scores", endpoint, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]threat.Candidate, 0, len(resp.Data))
	for _, row := range resp.Data {
		if row.CVE == "" {
			continue
		}
		score, err := strconv.ParseFloat(row.EPSS, 64)
		if err != nil {
			return nil, s.fail("parse score", fmt.Errorf("%w: epss %q for %s", ErrDecode, row.EPSS, row.CVE))
		}
		c := s.candidate()
		c.VulnID = row.CVE
		c.ExploitProbability = threat.Float(score)
		if pct, err := strconv.ParseFloat(row.Percentile, 64); err == nil {
			c.Percentile = threat.Float(pct)
		}
		out = append(out, c)
	}
	return out, nil
}

// EPSS serves numbers as strings.
type epssResponse struct {
	Status string `json:"status"`
	Total  int    `json:"total"`
	Data   []struct {
		CVE        string `json:"cve"`
		EPSS       string `json:"epss"`
		Percentile string `json:"percentile"`
		Date       string `json:"date"`
	} `json:"data"`
}
