package sources

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/lvonguyen/threatpulse/internal/config"
	"github.com/lvonguyen/threatpulse/internal/threat"
)

// NVD pulls recent CVEs from the NVD CVE 2.0 API.
type NVD struct {
	base
}

// NewNVD creates an NVD adapter. The API key is optional for NVD.
func NewNVD(cfg config.FeedConfig, opts ...Option) *NVD {
	return &NVD{base: newBase(NameNVD, threat.KindRecord, cfg, opts...)}
}

var nvdTimeLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z07:00",
}

// Fetch retrieves one page of CVEs.
func (s *NVD) Fetch(ctx context.Context) ([]threat.Candidate, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	q := url.Values{}
	if s.cfg.Limit > 0 {
		q.Set("resultsPerPage", strconv.Itoa(s.cfg.Limit))
	}
	endpoint := s.cfg.BaseURL
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	headers := map[string]string{}
	if key := s.apiKey(); key != "" {
		headers["apiKey"] = key
	}

	var resp nvdResponse
	if err := s.client.getJSON(ctx, "list cves", endpoint, headers, &resp); err != nil {
		return nil, err
	}

	out := make([]threat.Candidate, 0, len(resp.Vulnerabilities))
	for _, v := range resp.Vulnerabilities {
		if v.CVE.ID == "" {
			continue
		}
		c := s.candidate()
		c.VulnID = v.CVE.ID
		desc := v.CVE.description()
		c.Description = &desc
		c.SeverityScore = v.CVE.Metrics.baseScore()
		c.PublishedAt = parseTime(nvdTimeLayouts, v.CVE.Published)
		c.URL = threat.String(fmt.Sprintf("https://nvd.nist.gov/vuln/detail/%s", v.CVE.ID))
		out = append(out, c)
	}
	return out, nil
}

type nvdResponse struct {
	ResultsPerPage  int `json:"resultsPerPage"`
	TotalResults    int `json:"totalResults"`
	Vulnerabilities []struct {
		CVE nvdCVE `json:"cve"`
	} `json:"vulnerabilities"`
}

type nvdCVE struct {
	ID           string `json:"id"`
	Published    string `json:"published"`
	Descriptions []struct {
		Lang  string `json:"lang"`
		Value string `json:"value"`
	} `json:"descriptions"`
	Metrics nvdMetrics `json:"metrics"`
}

type nvdMetrics struct {
	V31 []nvdCVSS `json:"cvssMetricV31"`
	V30 []nvdCVSS `json:"cvssMetricV30"`
}

type nvdCVSS struct {
	CVSSData struct {
		BaseScore float64 `json:"baseScore"`
	} `json:"cvssData"`
}

// description prefers the English text, else the first one.
func (c nvdCVE) description() string {
	for _, d := range c.Descriptions {
		if d.Lang == "en" {
			return d.Value
		}
	}
	if len(c.Descriptions) > 0 {
		return c.Descriptions[0].Value
	}
	return ""
}

func (m nvdMetrics) baseScore() *float64 {
	switch {
	case len(m.V31) > 0:
		return threat.Float(m.V31[0].CVSSData.BaseScore)
	case len(m.V30) > 0:
		return threat.Float(m.V30[0].CVSSData.BaseScore)
	default:
		return nil
	}
}
