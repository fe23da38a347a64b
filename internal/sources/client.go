package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lvonguyen/threatpulse/internal/config"
)

const defaultUserAgent = "ThreatPulse/1.0"

// quota is the upstream's own rate limit as reported in X-RateLimit-*
// response headers. It is unknown until a response carries them.
type quota struct {
	known     bool
	remaining int
	resetAt   time.Time
}

// client is the HTTP plumbing shared by adapters: request pacing, auth
// headers, status checks and JSON decoding.
type client struct {
	source     string
	httpClient *http.Client
	limiter    *rate.Limiter
	userAgent  string

	mu    sync.Mutex
	quota quota
}

func newClient(source string, cfg config.FeedConfig) *client {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RateLimit))
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &client{
		source:     source,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
		userAgent:  ua,
	}
}

func (c *client) getJSON(ctx context.Context, op, url string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return c.fail(op, 0, fmt.Errorf("creating request: %w", err))
	}
	return c.do(req, op, headers, out)
}

func (c *client) postJSON(ctx context.Context, op, url string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return c.fail(op, 0, fmt.Errorf("encoding request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return c.fail(op, 0, fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, op, headers, out)
}

func (c *client) do(req *http.Request, op string, headers map[string]string, out any) error {
	if err := c.waitForQuota(req.Context()); err != nil {
		return c.fail(op, 0, err)
	}
	if err := c.limiter.Wait(req.Context()); err != nil {
		return c.fail(op, 0, fmt.Errorf("rate limiter: %w", err))
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.fail(op, 0, err)
	}
	defer resp.Body.Close()

	c.updateQuota(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return c.fail(op, resp.StatusCode, fmt.Errorf("%w: %s", ErrUpstreamStatus, bytes.TrimSpace(bodyBytes)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return c.fail(op, resp.StatusCode, fmt.Errorf("%w: %v", ErrDecode, err))
	}
	return nil
}

func (c *client) fail(op string, status int, err error) *FetchError {
	return &FetchError{Source: c.source, Op: op, StatusCode: status, Err: err}
}

// waitForQuota blocks until the upstream quota resets when the last response
// said it was used up. It fails at once if the reset falls after ctx's deadline.
func (c *client) waitForQuota(ctx context.Context) error {
	c.mu.Lock()
	q := c.quota
	c.mu.Unlock()
	if !q.known || q.remaining > 0 {
		return nil
	}
	wait := time.Until(q.resetAt)
	if wait <= 0 {
		return nil
	}
	if deadline, ok := ctx.Deadline(); ok && q.resetAt.After(deadline) {
		return fmt.Errorf("%w: quota resets at %s", ErrRateLimited, q.resetAt.UTC().Format(time.RFC3339))
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrRateLimited, ctx.Err())
	case <-timer.C:
		return nil
	}
}

// updateQuota records the X-RateLimit-* response headers.
func (c *client) updateQuota(resp *http.Response) {
	remaining := resp.Header.Get("X-RateLimit-Remaining")
	if remaining == "" {
		return
	}
	r, err := strconv.Atoi(remaining)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.quota.known = true
	c.quota.remaining = r
	if secs, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		c.quota.resetAt = time.Unix(secs, 0)
	} else if r == 0 {
		c.quota.resetAt = time.Now().Add(time.Minute)
	}
}
