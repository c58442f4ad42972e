// Package ws carries occupancy data over WebSocket in both directions: the
// Dialer consumes the upstream telemetry feed and the Hub serves the view feed.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/couchcryptid/atm-occupancy/internal/observability"
	"github.com/couchcryptid/atm-occupancy/internal/stream"
)

// controlTimeout bounds pong and close control frames.
const controlTimeout = 5 * time.Second

// Envelope is the frame format on both feeds: a named event and its payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Dialer opens telemetry connections and filters frames to one event channel.
type Dialer struct {
	event            string
	handshakeTimeout time.Duration
	readTimeout      time.Duration
	logger           *slog.Logger
	metrics          *observability.Metrics
}

// NewDialer creates a Dialer for the named event channel. A zero readTimeout
// disables the read deadline.
func NewDialer(event string, handshakeTimeout, readTimeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Dialer {
	return &Dialer{
		event:            event,
		handshakeTimeout: handshakeTimeout,
		readTimeout:      readTimeout,
		logger:           logger,
		metrics:          metrics,
	}
}

// Dial connects to endpoint, passing identity as a query parameter.
func (d *Dialer) Dial(ctx context.Context, endpoint, identity string) (stream.Conn, error) {
	target, err := streamURL(endpoint, identity)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.handshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial stream: handshake status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial stream: %w", err)
	}

	c := &conn{
		ws:          ws,
		event:       d.event,
		readTimeout: d.readTimeout,
		logger:      d.logger,
		metrics:     d.metrics,
	}
	c.extendDeadline()
	ws.SetPingHandler(func(appData string) error {
		c.extendDeadline()
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(controlTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return c, nil
}

func streamURL(endpoint, identity string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("stream url scheme must be ws or wss, got %q", u.Scheme)
	}
	q := u.Query()
	q.Set("identity", identity)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type conn struct {
	ws          *websocket.Conn
	event       string
	readTimeout time.Duration
	logger      *slog.Logger
	metrics     *observability.Metrics
	closeOnce   sync.Once
}

// Read returns the payload of the next frame on the configured event channel.
// Frames on other channels and undecodable envelopes are skipped.
func (c *conn) Read() ([]byte, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		c.extendDeadline()

		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" || len(env.Data) == 0 {
			c.logger.Warn("stream frame dropped: invalid envelope", "bytes", len(data), "error", err)
			c.metrics.FramesDropped.WithLabelValues("envelope").Inc()
			continue
		}
		if env.Event != c.event {
			c.logger.Debug("stream frame skipped", "event", env.Event)
			continue
		}

		c.metrics.FramesReceived.Inc()
		return env.Data, nil
	}
}

// Close sends a close frame and closes the socket. Safe to call concurrently.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlTimeout))
		err = c.ws.Close()
	})
	return err
}

func (c *conn) extendDeadline() {
	if c.readTimeout <= 0 {
		return
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
}
