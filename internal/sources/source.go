// Package sources provides adapters for the external threat-intelligence feeds.
// Each adapter pulls one feed and normalizes it into threat candidates.
package sources

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/config"
	"github.com/lvonguyen/threatpulse/internal/threat"
)

// Common errors.
var (
	ErrUpstreamStatus = errors.New("upstream returned non-success status")
	ErrDecode         = errors.New("unparseable upstream response")
	ErrUpstreamError  = errors.New("upstream reported an error")
	ErrRateLimited    = errors.New("upstream quota exhausted")
)

// Source is one external feed.
type Source interface {
	Name() string
	Kind() threat.Kind
	Fetch(ctx context.Context) ([]threat.Candidate, error)
}

// FetchError reports a failed fetch from one source.
type FetchError struct {
	Source     string
	Op         string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s: status %d: %v", e.Source, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Option customizes an adapter.
type Option func(*base)

// WithClock overrides the clock used to stamp candidates.
func WithClock(now func() time.Time) Option {
	return func(b *base) { b.now = now }
}

// WithLogger sets the adapter logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *base) { b.logger = logger }
}

// base carries what every adapter shares.
type base struct {
	name   string
	kind   threat.Kind
	cfg    config.FeedConfig
	client *client
	now    func() time.Time
	logger *zap.Logger
}

func newBase(name string, kind threat.Kind, cfg config.FeedConfig, opts ...Option) base {
	b := base{
		name:   name,
		kind:   kind,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&b)
	}
	b.client = newClient(name, cfg)
	return b
}

func (b *base) Name() string      { return b.name }
func (b *base) Kind() threat.Kind { return b.kind }

// apiKey returns the configured key, or "" when the adapter is not configured.
func (b *base) apiKey() string {
	if b.cfg.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(b.cfg.APIKeyEnv))
}

func (b *base) notConfigured(reason string) {
	b.logger.Warn("Source not configured, skipping",
		zap.String("source", b.name),
		zap.String("reason", reason),
	)
}

// bounded derives the per-fetch deadline from the adapter timeout.
func (b *base) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.cfg.Timeout)
}

func (b *base) fail(op string, err error) error {
	var fe *FetchError
	if errors.As(err, &fe) {
		return err
	}
	return &FetchError{Source: b.name, Op: op, Err: err}
}

func (b *base) candidate() threat.Candidate {
	return threat.Candidate{
		Source:    b.displayName(),
		Kind:      b.kind,
		FetchedAt: b.now(),
	}
}

// displayName is the source tag stored on records.
func (b *base) displayName() string {
	if n, ok := sourceTags[b.name]; ok {
		return n
	}
	return b.name
}

var sourceTags = map[string]string{
	NameNVD:       "NVD",
	NameEPSS:      "EPSS",
	NameKEV:       "CISA-KEV",
	NameOTX:       "OTX",
	NameThreatFox: "ThreatFox",
	NameMISP:      "MISP",
	NameMITRE:     "MITRE",
	NameReddit:    "Reddit",
}

// Adapter names.
const (
	NameNVD       = "nvd"
	NameEPSS      = "epss"
	NameKEV       = "kev"
	NameOTX       = "otx"
	NameThreatFox = "threatfox"
	NameMISP      = "misp"
	NameMITRE     = "mitre"
	NameReddit    = "reddit"
)

// FromConfig builds the enabled adapters in a fixed order.
func FromConfig(cfg config.FeedsConfig, opts ...Option) []Source {
	var out []Source
	if cfg.NVD.Enabled {
		out = append(out, NewNVD(cfg.NVD, opts...))
	}
	if cfg.EPSS.Enabled {
		out = append(out, NewEPSS(cfg.EPSS, opts...))
	}
	if cfg.KEV.Enabled {
		out = append(out, NewKEV(cfg.KEV, opts...))
	}
	if cfg.OTX.Enabled {
		out = append(out, NewOTX(cfg.OTX, opts...))
	}
	if cfg.ThreatFox.Enabled {
		out = append(out, NewThreatFox(cfg.ThreatFox, opts...))
	}
	if cfg.MISP.Enabled {
		out = append(out, NewMISP(cfg.MISP, opts...))
	}
	if cfg.MITRE.Enabled {
		out = append(out, NewMITRE(cfg.MITRE, opts...))
	}
	if cfg.Reddit.Enabled {
		out = append(out, NewReddit(cfg.Reddit, opts...))
	}
	return out
}

func parseTime(layouts []string, s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}
