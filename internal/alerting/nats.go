package alerting

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/threat"
)

var propagator = propagation.TraceContext{}

// NATSChannel publishes alerts as JSON on a subject. Publishing is fire and
// forget; there is no JetStream persistence.
type NATSChannel struct {
	conn    *nats.Conn
	subject string
}

// NewNATSChannel connects to url.
func NewNATSChannel(url, subject string, logger *zap.Logger) (*NATSChannel, error) {
	nc, err := nats.Connect(url,
		nats.Name("threatpulse-alerts"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSChannel{conn: nc, subject: subject}, nil
}

func (c *NATSChannel) Name() string { return ChannelNATS }

// Send implements Channel.
func (c *NATSChannel) Send(ctx context.Context, a *threat.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return &ChannelError{Channel: ChannelNATS, Err: err}
	}
	if err := c.conn.PublishMsg(alertMsg(ctx, c.subject, data)); err != nil {
		return &ChannelError{Channel: ChannelNATS, Err: err}
	}
	return nil
}

// Close drains and closes the connection.
func (c *NATSChannel) Close() {
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}

// alertMsg builds the message with the trace context in its headers.
func alertMsg(ctx context.Context, subject string, data []byte) *nats.Msg {
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return &nats.Msg{Subject: subject, Data: data, Header: hdr}
}
