package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/config"
	"github.com/lvonguyen/threatpulse/internal/threat"
)

// Channel names.
const (
	ChannelSlack     = "slack"
	ChannelWebhook   = "webhook"
	ChannelBroadcast = "broadcast"
	ChannelNATS      = "nats"
)

// httpSink posts JSON documents to one URL. Delivery counts are kept by the
// dispatcher's metrics.
type httpSink struct {
	name       string
	url        string
	httpClient *http.Client
}

func newHTTPSink(name, url string, timeout time.Duration) *httpSink {
	return &httpSink{
		name:       name,
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *httpSink) Name() string { return s.name }

// post sends body once. Any 2xx status is success.
func (s *httpSink) post(ctx context.Context, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return &ChannelError{Channel: s.name, Err: fmt.Errorf("marshal payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return &ChannelError{Channel: s.name, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &ChannelError{Channel: s.name, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &ChannelError{
			Channel:    s.name,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(msg))),
		}
	}
	return nil
}

// SlackChannel posts a one-line summary to a chat webhook.
type SlackChannel struct {
	*httpSink
}

// NewSlackChannel creates a chat webhook channel.
func NewSlackChannel(url string, timeout time.Duration) *SlackChannel {
	return &SlackChannel{httpSink: newHTTPSink(ChannelSlack, url, timeout)}
}

// Send implements Channel.
func (c *SlackChannel) Send(ctx context.Context, a *threat.Alert) error {
	text := fmt.Sprintf("[%s] %s (%s)", strings.ToUpper(string(a.Severity)), a.Title, a.ThreatRef)
	return c.post(ctx, map[string]string{"text": text})
}

// WebhookChannel posts the full alert to a generic JSON webhook.
type WebhookChannel struct {
	*httpSink
}

// NewWebhookChannel creates a generic webhook channel.
func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{httpSink: newHTTPSink(ChannelWebhook, url, timeout)}
}

// Send implements Channel.
func (c *WebhookChannel) Send(ctx context.Context, a *threat.Alert) error {
	return c.post(ctx, a)
}

// Broadcaster pushes alerts to live subscribers.
type Broadcaster interface {
	BroadcastAlert(ctx context.Context, a *threat.Alert) (int, error)
}

// BroadcastChannel hands alerts to the realtime hub.
type BroadcastChannel struct {
	hub Broadcaster
}

// NewBroadcastChannel wraps hub.
func NewBroadcastChannel(hub Broadcaster) *BroadcastChannel {
	return &BroadcastChannel{hub: hub}
}

func (c *BroadcastChannel) Name() string { return ChannelBroadcast }

// Send implements Channel.
func (c *BroadcastChannel) Send(ctx context.Context, a *threat.Alert) error {
	if _, err := c.hub.BroadcastAlert(ctx, a); err != nil {
		return &ChannelError{Channel: ChannelBroadcast, Err: err}
	}
	return nil
}

// ChannelsFromConfig builds the configured channels. HTTP channels whose URL
// variable is empty are skipped. The returned func releases channel
// resources.
func ChannelsFromConfig(cfg config.AlertsConfig, hub Broadcaster, logger *zap.Logger) ([]Channel, func()) {
	var channels []Channel
	closeFn := func() {}

	if url := channelURL(cfg.Slack); url != "" {
		channels = append(channels, NewSlackChannel(url, cfg.Timeout))
	} else if cfg.Slack.Enabled {
		logger.Info("Slack channel not configured, skipping", zap.String("env", cfg.Slack.URLEnv))
	}

	if url := channelURL(cfg.Webhook); url != "" {
		channels = append(channels, NewWebhookChannel(url, cfg.Timeout))
	} else if cfg.Webhook.Enabled {
		logger.Info("Webhook channel not configured, skipping", zap.String("env", cfg.Webhook.URLEnv))
	}

	if hub != nil {
		channels = append(channels, NewBroadcastChannel(hub))
	}

	if cfg.NATS.Enabled {
		nc, err := NewNATSChannel(cfg.NATS.URL, cfg.NATS.Subject, logger)
		if err != nil {
			logger.Warn("NATS channel unavailable, skipping", zap.String("url", cfg.NATS.URL), zap.Error(err))
		} else {
			channels = append(channels, nc)
			closeFn = nc.Close
		}
	}
	return channels, closeFn
}

func channelURL(c config.ChannelConfig) string {
	if !c.Enabled || c.URLEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.URLEnv))
}
