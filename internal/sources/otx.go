package sources

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/lvonguyen/threatpulse/internal/config"
	"github.com/lvonguyen/threatpulse/internal/threat"
)

// OTX pulls indicators from AlienVault OTX subscribed pulses.
type OTX struct {
	base
}

// NewOTX creates an OTX adapter. Without an API key it is not configured
// and fetches nothing.
func NewOTX(cfg config.FeedConfig, opts ...Option) *OTX {
	return &OTX{base: newBase(NameOTX, threat.KindRecord, cfg, opts...)}
}

// Fetch flattens the indicators of the subscribed pulses.
func (s *OTX) Fetch(ctx context.Context) ([]threat.Candidate, error) {
	key := s.apiKey()
	if key == "" {
		s.notConfigured(fmt.Sprintf("env var %s is empty", s.cfg.APIKeyEnv))
		return nil, nil
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	endpoint := strings.TrimSuffix(s.cfg.BaseURL, "/") + "/pulses/subscribed"
	if s.cfg.Limit > 0 {
		endpoint += "?" + url.Values{"limit": {strconv.Itoa(s.cfg.Limit)}}.Encode()
	}

	var resp otxPulseListResponse
	err := s.client.getJSON(ctx, "list pulses", endpoint, map[string]string{"X-OTX-API-KEY": key}, &resp)
	if err != nil {
		return nil, err
	}

	var out []threat.Candidate
	for _, pulse := range resp.Results {
		for _, ind := range pulse.Indicators {
			value := strings.TrimSpace(ind.Indicator)
			if value == "" {
				continue
			}
			c := s.candidate()
			c.Indicator = value
			c.IndicatorType = otxIndicatorType(ind.Type)
			c.Title = threat.String(pulse.Name)
			if desc := firstNonEmpty(ind.Description, pulse.Description); desc != "" {
				c.Description = threat.String(desc)
			}
			c.ExternalRef = threat.String(pulse.ID)
			if pulse.ID != "" {
				c.URL = threat.String(fmt.Sprintf("https://otx.alienvault.com/pulse/%s", pulse.ID))
			}
			c.PublishedAt = parseTime(otxTimeLayouts, ind.Created)
			out = append(out, c)
		}
	}
	return out, nil
}

var otxTimeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000000",
	"2006-01-02T15:04:05Z07:00",
}

// otxIndicatorType normalizes OTX indicator types.
func otxIndicatorType(otxType string) string {
	switch otxType {
	case "IPv4", "IPv6":
		return "ip"
	case "domain", "hostname":
		return "domain"
	case "URL", "URI":
		return "url"
	case "FileHash-MD5", "FileHash-SHA1", "FileHash-SHA256":
		return "hash"
	case "email":
		return "email"
	case "filepath":
		return "filename"
	case "CVE":
		return "cve"
	default:
		return strings.ToLower(otxType)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// OTX API response types.

type otxPulseListResponse struct {
	Results []otxPulse `json:"results"`
	Count   int        `json:"count"`
	Next    string     `json:"next,omitempty"`
}

type otxPulse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Created     string         `json:"created"`
	Modified    string         `json:"modified"`
	Tags        []string       `json:"tags"`
	Adversary   string         `json:"adversary,omitempty"`
	Indicators  []otxIndicator `json:"indicators,omitempty"`
}

type otxIndicator struct {
	ID          any    `json:"id"`
	Indicator   string `json:"indicator"`
	Type        string `json:"type"`
	Created     string `json:"created"`
	Description string `json:"description,omitempty"`
	Title       string `json:"title,omitempty"`
}
