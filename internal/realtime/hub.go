// Package realtime pushes alerts to connected websocket subscribers.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/observability"
	"github.com/lvonguyen/threatpulse/internal/threat"
)

// ErrClosed is returned by Broadcast and Connect after Close.
var ErrClosed = errors.New("hub closed")

// Conn is the subset of *websocket.Conn the hub uses.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Envelope is the message pushed to subscribers.
type Envelope struct {
	Type  string        `json:"type"`
	Alert *threat.Alert `json:"alert,omitempty"`
}

type subscriber struct {
	conn Conn
	mu   sync.Mutex
}

func (s *subscriber) write(data []byte, deadline time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if deadline > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(deadline)); err != nil {
			return err
		}
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub is the registry of live subscribers.
type Hub struct {
	mu     sync.Mutex
	subs   []*subscriber
	closed bool

	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	metrics      *observability.Metrics
	logger       *zap.Logger
}

// Option customizes a Hub.
type Option func(*Hub)

// WithWriteTimeout bounds each write to a subscriber.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) { h.writeTimeout = d }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger, opts ...Option) *Hub {
	h := &Hub{
		writeTimeout: 5 * time.Second,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Len returns the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Connect upgrades the request and registers the connection.
func (h *Hub) Connect(w http.ResponseWriter, r *http.Request) (Conn, error) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	if err := h.Register(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Register adds an already-upgraded connection.
func (h *Hub) Register(conn Conn) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	h.subs = append(h.subs, &subscriber{conn: conn})
	n := len(h.subs)
	h.mu.Unlock()

	h.metrics.SetSubscribers(n)
	h.logger.Debug("Subscriber connected", zap.Int("subscribers", n))
	return nil
}

// Disconnect removes conn. Removing an unknown connection is a no-op.
func (h *Hub) Disconnect(conn Conn) {
	h.mu.Lock()
	removed := h.remove(conn)
	n := len(h.subs)
	h.mu.Unlock()

	if removed {
		conn.Close()
		h.metrics.SetSubscribers(n)
		h.logger.Debug("Subscriber disconnected", zap.Int("subscribers", n))
	}
}

// remove must be called with h.mu held.
func (h *Hub) remove(conn Conn) bool {
	for i, s := range h.subs {
		if s.conn == conn {
			h.subs = append(h.subs[:i], h.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Serve reads from conn until it fails, then disconnects it. Inbound
// messages are discarded.
func (h *Hub) Serve(conn Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.Disconnect(conn)
			return
		}
	}
}

// ServeHTTP upgrades and serves one subscriber.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.Connect(w, r)
	if err != nil {
		h.logger.Warn("Websocket connect failed", zap.Error(err))
		return
	}
	h.Serve(conn)
}

// Broadcast serializes event once and writes it to every subscriber. A
// subscriber whose write fails is removed. Returns the delivered count.
func (h *Hub) Broadcast(ctx context.Context, event any) (int, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, ErrClosed
	}
	snapshot := make([]*subscriber, len(h.subs))
	copy(snapshot, h.subs)
	h.mu.Unlock()

	var (
		delivered int
		failed    []Conn
	)
	for _, s := range snapshot {
		if ctx.Err() != nil {
			break
		}
		if err := s.write(data, h.writeTimeout); err != nil {
			h.logger.Debug("Subscriber write failed", zap.Error(err))
			failed = append(failed, s.conn)
			continue
		}
		delivered++
	}

	h.mu.Lock()
	for _, c := range failed {
		h.remove(c)
	}
	remaining := len(h.subs)
	h.mu.Unlock()

	for _, c := range failed {
		c.Close()
	}
	h.metrics.ObserveBroadcast(delivered, len(failed), remaining)
	return delivered, ctx.Err()
}

// BroadcastAlert pushes an alert envelope to every subscriber.
func (h *Hub) BroadcastAlert(ctx context.Context, a *threat.Alert) (int, error) {
	return h.Broadcast(ctx, Envelope{Type: "alert", Alert: a})
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	h.closed = true
	h.mu.Unlock()

	for _, s := range subs {
		s.conn.Close()
	}
	h.metrics.SetSubscribers(0)
}
