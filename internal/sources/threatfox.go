package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lvonguyen/threatpulse/internal/config"
	"github.com/lvonguyen/threatpulse/internal/threat"
)

// ThreatFox pulls recent IOCs from abuse.ch ThreatFox.
type ThreatFox struct {
	base
	days int
}

// NewThreatFox creates a ThreatFox adapter. Without an API key it is not
// configured and fetches nothing.
func NewThreatFox(cfg config.ThreatFoxConfig, opts ...Option) *ThreatFox {
	days := cfg.Days
	if days <= 0 {
		days = 1
	}
	return &ThreatFox{base: newBase(NameThreatFox, threat.KindRecord, cfg.FeedConfig, opts...), days: days}
}

var threatFoxTimeLayouts = []string{
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05",
}

// Fetch queries get_iocs for the configured number of days.
func (s *ThreatFox) Fetch(ctx context.Context) ([]threat.Candidate, error) {
	key := s.apiKey()
	if key == "" {
		s.notConfigured(fmt.Sprintf("env var %s is empty", s.cfg.APIKeyEnv))
		return nil, nil
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	req := threatFoxRequest{Query: "get_iocs", Days: s.days}

	var resp threatFoxResponse
	if err := s.client.postJSON(ctx, "get iocs", s.cfg.BaseURL, map[string]string{"Auth-Key": key}, req, &resp); err != nil {
		return nil, err
	}

	if resp.Error != "" {
		return nil, s.fail("get iocs", fmt.Errorf("%w: %s", ErrUpstreamError, resp.Error))
	}
	switch resp.QueryStatus {
	case "", "ok":
	case "no_result":
		return nil, nil
	default:
		return nil, s.fail("get iocs", fmt.Errorf("%w: query_status %s", ErrUpstreamError, resp.QueryStatus))
	}

	iocs, err := resp.iocs()
	if err != nil {
		return nil, s.fail("decode iocs", err)
	}

	out := make([]threat.Candidate, 0, len(iocs))
	for _, ioc := range iocs {
		value := strings.TrimSpace(ioc.IOC)
		if value == "" {
			continue
		}
		c := s.candidate()
		c.Indicator = value
		c.IndicatorType = ioc.IOCType
		if name := firstNonEmpty(ioc.MalwarePrintable, ioc.Malware); name != "" {
			c.Title = threat.String(name)
		}
		c.Description = threat.String(ioc.ThreatTypeDesc)
		c.Malware = threat.String(ioc.Malware)
		confidence := ioc.ConfidenceLevel
		c.Confidence = &confidence
		c.ExternalRef = threat.String(string(ioc.ID))
		c.URL = threat.String(ioc.Reference)
		c.PublishedAt = parseTime(threatFoxTimeLayouts, ioc.FirstSeen)
		out = append(out, c)
	}
	return out, nil
}

type threatFoxRequest struct {
	Query string `json:"query"`
	Days  int    `json:"days"`
}

// threatFoxResponse carries data as a list of IOCs, or as a message string
// when there is nothing to return.
type threatFoxResponse struct {
	QueryStatus string          `json:"query_status"`
	Error       string          `json:"error"`
	Data        json.RawMessage `json:"data"`
}

func (r threatFoxResponse) iocs() ([]threatFoxIOC, error) {
	data := bytes.TrimSpace(r.Data)
	if len(data) == 0 || data[0] != '[' {
		return nil, nil
	}
	var out []threatFoxIOC
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return out, nil
}

type threatFoxIOC struct {
	ID               json.Number `json:"id"`
	IOC              string      `json:"ioc"`
	IOCType          string      `json:"ioc_type"`
	ThreatType       string      `json:"threat_type"`
	ThreatTypeDesc   string      `json:"threat_type_desc"`
	Malware          string      `json:"malware"`
	MalwarePrintable string      `json:"malware_printable"`
	ConfidenceLevel  int         `json:"confidence_level"`
	FirstSeen        string      `json:"first_seen"`
	Reference        string      `json:"reference"`
	Tags             []string    `json:"tags"`
}
