// Package alerting creates alerts for high-priority threats and fans them out
// to the notification channels. Delivery is best-effort and at-most-once.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/observability"
	"github.com/lvonguyen/threatpulse/internal/threat"
)

var tracer = otel.Tracer("threatpulse/alerting")

// Common errors.
var (
	ErrNotAlerting  = errors.New("priority does not produce an alert")
	ErrInvalidAlert = errors.New("invalid alert")
)

// DefaultRole is stamped on alerts created without a role.
const DefaultRole = "general"

// Store is where alerts are appended.
type Store interface {
	InsertAlert(ctx context.Context, a *threat.Alert) error
}

// Channel delivers an alert to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, a *threat.Alert) error
}

// ChannelError reports a failed delivery on one channel.
type ChannelError struct {
	Channel    string
	StatusCode int
	Err        error
}

func (e *ChannelError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("channel %s: status %d: %v", e.Channel, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("channel %s: %v", e.Channel, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// Dispatcher persists alerts and fans them out.
type Dispatcher struct {
	store       Store
	channels    []Channel
	timeout     time.Duration
	defaultRole string
	metrics     *observability.Metrics
	logger      *zap.Logger
	now         func() time.Time
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithChannels sets the delivery channels, attempted in order.
func WithChannels(ch ...Channel) Option {
	return func(d *Dispatcher) { d.channels = append(d.channels, ch...) }
}

// WithTimeout bounds each channel attempt.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = t }
}

// WithDefaultRole overrides the role stamped on role-less alerts.
func WithDefaultRole(role string) Option {
	return func(d *Dispatcher) {
		if role != "" {
			d.defaultRole = role
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock overrides the alert timestamp clock.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(st Store, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:       st,
		timeout:     10 * time.Second,
		defaultRole: DefaultRole,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Channels returns the configured channel names.
func (d *Dispatcher) Channels() []string {
	names := make([]string, len(d.channels))
	for i, c := range d.channels {
		names[i] = c.Name()
	}
	return names
}

// Build creates the alert for a classified record without persisting it.
func (d *Dispatcher) Build(rec *threat.Record, role threat.Role) *threat.Alert {
	subject := rec.Title
	if subject == "" {
		subject = rec.Ref()
	}
	desc := rec.Description
	if desc == "" {
		desc = rec.Title
	}
	r := string(role)
	if r == "" {
		r = d.defaultRole
	}
	return &threat.Alert{
		ID:          uuid.NewString(),
		ThreatRef:   rec.Ref(),
		Title:       fmt.Sprintf("High-priority threat detected: %s: %s", strings.ToUpper(string(rec.Priority)), subject),
		Description: desc,
		Severity:    rec.Priority,
		Source:      rec.Source,
		Role:        r,
		CreatedAt:   d.now(),
	}
}

// Dispatch builds, persists and delivers the alert for rec. It fails only
// when rec does not warrant an alert or the alert cannot be stored; channel
// failures are logged.
func (d *Dispatcher) Dispatch(ctx context.Context, rec *threat.Record, role threat.Role) (*threat.Alert, error) {
	if !rec.Priority.Alerting() {
		return nil, fmt.Errorf("%w: %s", ErrNotAlerting, rec.Priority)
	}
	a := d.Build(rec, role)
	if err := d.Publish(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Publish persists a (possibly manually created) alert and delivers it.
// Missing id, role and timestamp are filled in.
func (d *Dispatcher) Publish(ctx context.Context, a *threat.Alert) error {
	ctx, span := tracer.Start(ctx, "alerting.publish")
	defer span.End()

	if a.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidAlert)
	}
	if a.Severity != "" {
		if _, err := threat.ParsePriority(string(a.Severity)); err != nil {
			return fmt.Errorf("%w: severity %q", ErrInvalidAlert, a.Severity)
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Role == "" {
		a.Role = d.defaultRole
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = d.now()
	}

	if err := d.store.InsertAlert(ctx, a); err != nil {
		span.RecordError(err)
		return fmt.Errorf("store alert: %w", err)
	}
	d.metrics.ObserveAlert(string(a.Severity))
	span.SetAttributes(
		attribute.String("alert_id", a.ID),
		attribute.String("severity", string(a.Severity)),
	)

	d.Deliver(ctx, a)
	return nil
}

// Deliver attempts every channel once, each under its own timeout. A failing
// channel never stops the others. The failures are returned for inspection.
func (d *Dispatcher) Deliver(ctx context.Context, a *threat.Alert) []*ChannelError {
	var failed []*ChannelError
	for _, ch := range d.channels {
		if err := d.attempt(ctx, ch, a); err != nil {
			var ce *ChannelError
			if !errors.As(err, &ce) {
				ce = &ChannelError{Channel: ch.Name(), Err: err}
			}
			failed = append(failed, ce)
			d.logger.Warn("Alert delivery failed",
				zap.String("channel", ch.Name()),
				zap.String("alert_id", a.ID),
				zap.Error(err),
			)
		}
	}
	return failed
}

func (d *Dispatcher) attempt(ctx context.Context, ch Channel, a *threat.Alert) (err error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = &ChannelError{Channel: ch.Name(), Err: fmt.Errorf("panic: %v", p)}
		}
		d.metrics.ObserveDelivery(ch.Name(), err)
	}()
	return ch.Send(ctx, a)
}
