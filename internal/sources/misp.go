package sources

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lvonguyen/threatpulse/internal/config"
	"github.com/lvonguyen/threatpulse/internal/threat"
)

// MISP pulls recent attributes from a MISP instance.
type MISP struct {
	base
	misp config.MISPConfig
}

// NewMISP creates a MISP adapter. It needs both a base URL and an API key.
func NewMISP(cfg config.MISPConfig, opts ...Option) *MISP {
	s := &MISP{base: newBase(NameMISP, threat.KindRecord, cfg.FeedConfig, opts...), misp: cfg}
	if !cfg.VerifySSL {
		s.client.httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // operator opt-in for self-signed MISP
		}
	}
	return s
}

// Fetch runs an attribute restSearch over the last configured days.
func (s *MISP) Fetch(ctx context.Context) ([]threat.Candidate, error) {
	key := s.apiKey()
	if key == "" || s.cfg.BaseURL == "" {
		s.notConfigured("base url or api key missing")
		return nil, nil
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	req := mispAttributeSearchRequest{
		Published: s.misp.PublishedOnly,
		Limit:     s.cfg.Limit,
		ToIDS:     true,
	}
	if s.misp.LastDays > 0 {
		req.Last = fmt.Sprintf("%dd", s.misp.LastDays)
	}

	endpoint := strings.TrimSuffix(s.cfg.BaseURL, "/") + "/attributes/restSearch"
	var resp mispAttributeSearchResponse
	if err := s.client.postJSON(ctx, "search attributes", endpoint, map[string]string{"Authorization": key}, req, &resp); err != nil {
		return nil, err
	}

	out := make([]threat.Candidate, 0, len(resp.Response.Attribute))
	for _, attr := range resp.Response.Attribute {
		value := strings.TrimSpace(attr.Value)
		if value == "" {
			continue
		}
		c := s.candidate()
		c.Indicator = value
		c.IndicatorType = mispIndicatorType(attr.Type)
		c.Title = threat.String(attr.Event.Info)
		c.Description = threat.String(attr.Comment)
		confidence := threatLevelToConfidence(attr.Event.ThreatLevelID)
		c.Confidence = &confidence
		c.ExternalRef = threat.String(attr.UUID)
		if attr.EventID != "" {
			c.URL = threat.String(fmt.Sprintf("%s/events/view/%s", strings.TrimSuffix(s.cfg.BaseURL, "/"), attr.EventID))
		}
		c.PublishedAt = parseTime([]string{time.RFC3339Nano, time.RFC3339}, attr.FirstSeen)
		if c.PublishedAt == nil {
			c.PublishedAt = unixTime(attr.Timestamp)
		}
		out = append(out, c)
	}
	return out, nil
}

func mispIndicatorType(mispType string) string {
	switch mispType {
	case "ip-src", "ip-dst", "ip-src|port", "ip-dst|port":
		return "ip"
	case "domain", "hostname", "domain|ip":
		return "domain"
	case "url", "uri":
		return "url"
	case "md5", "sha1", "sha256", "sha512", "ssdeep", "imphash":
		return "hash"
	case "email-src", "email-dst":
		return "email"
	case "filename":
		return "filename"
	default:
		return mispType
	}
}

// threatLevelToConfidence maps the MISP event threat level to a 0-100 confidence.
func threatLevelToConfidence(level string) int {
	switch level {
	case "1": // High
		return 90
	case "2": // Medium
		return 70
	case "3": // Low
		return 50
	default: // Undefined
		return 30
	}
}

// unixTime parses MISP's string epoch timestamps.
func unixTime(s string) *time.Time {
	secs, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || secs <= 0 {
		return nil
	}
	t := time.Unix(secs, 0).UTC()
	return &t
}

// MISP API types

type mispAttributeSearchRequest struct {
	Type      string `json:"type,omitempty"`
	Last      string `json:"last,omitempty"`
	Published bool   `json:"published,omitempty"`
	ToIDS     bool   `json:"to_ids,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type mispAttributeSearchResponse struct {
	Response struct {
		Attribute []mispAttribute `json:"Attribute"`
	} `json:"response"`
}

type mispAttribute struct {
	ID        string    `json:"id"`
	UUID      string    `json:"uuid"`
	EventID   string    `json:"event_id"`
	Type      string    `json:"type"`
	Category  string    `json:"category"`
	Value     string    `json:"value"`
	Comment   string    `json:"comment"`
	FirstSeen string    `json:"first_seen"`
	Timestamp string    `json:"timestamp"`
	Event     mispEvent `json:"Event"`
}

type mispEvent struct {
	ID            string `json:"id"`
	Info          string `json:"info"`
	ThreatLevelID string `json:"threat_level_id"`
}
