// Package transport delivers protocol envelopes over a websocket and
// isolates the rest of the engine from socket mechanics. It holds no
// business state; every connection-state transition is broadcast to the
// state machine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/talkboard/voice-engine/internal/config"
	"github.com/talkboard/voice-engine/internal/observability"
	"github.com/talkboard/voice-engine/internal/protocol"
	"github.com/talkboard/voice-engine/internal/resilience"
)

// Status is the transport-derived connection state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// ConnectError reports a failed connection attempt.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// MessageHandler receives every decoded inbound envelope.
type MessageHandler func(env *protocol.Envelope)

// StatusHandler receives connection-state transitions.
type StatusHandler func(status Status)

// CloseHandler receives the close code and server-supplied reason when the
// socket closes, before any reconnection decision is surfaced.
type CloseHandler func(code int, reason string)

// Client is a websocket envelope transport with reconnect and heartbeat.
type Client struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *observability.SessionMetrics
	breaker *resilience.CircuitBreaker
	convID  int64

	onMessage MessageHandler
	onStatus  StatusHandler
	onClose   CloseHandler

	mu          sync.Mutex
	conn        *websocket.Conn
	intentional bool
	lastPong    time.Time
	connEpoch   int
}

// Handlers bundles the engine callbacks. OnMessage is required; the others
// may be nil.
type Handlers struct {
	OnMessage MessageHandler
	OnStatus  StatusHandler
	OnClose   CloseHandler
}

// NewClient creates a transport client. Nothing connects until Connect.
func NewClient(cfg *config.Config, convID int64, h Handlers, metrics *observability.SessionMetrics, logger zerolog.Logger) *Client {
	return &Client{
		cfg:       cfg,
		convID:    convID,
		logger:    logger.With().Str("component", "transport").Logger(),
		metrics:   metrics,
		onMessage: h.OnMessage,
		onStatus:  h.OnStatus,
		onClose:   h.OnClose,
		breaker: resilience.NewCircuitBreaker(
			"transport-connect",
			cfg.BreakerMaxFailures,
			time.Duration(cfg.BreakerResetTimeoutSec)*time.Second,
		),
	}
}

// Connect opens the channel and resolves once the socket is open. It fails
// with a ConnectError if the handshake errors first.
func (c *Client) Connect(ctx context.Context) error {
	c.notify(StatusConnecting)
	if err := c.dial(ctx); err != nil {
		c.notify(StatusError)
		return err
	}
	c.notify(StatusConnected)
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	err := c.breaker.Call(func() error {
		dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout()}
		header := http.Header{}
		if c.cfg.AuthToken != "" {
			header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
		}
		conn, _, err := dialer.DialContext(ctx, c.cfg.ServerURL, header)
		if err != nil {
			return err
		}

		c.mu.Lock()
		c.conn = conn
		c.intentional = false
		c.lastPong = time.Now()
		c.connEpoch++
		epoch := c.connEpoch
		c.mu.Unlock()

		go c.readLoop(conn, epoch)
		go c.heartbeat(conn, epoch)
		return nil
	})
	if err != nil {
		return &ConnectError{URL: c.cfg.ServerURL, Err: err}
	}
	return nil
}

// Send serializes and writes an envelope. When the channel is not open the
// message is logged and dropped; callers must not assume delivery.
func (c *Client) Send(env *protocol.Envelope) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.logger.Warn().Str("type", env.Type).Msg("send while disconnected, dropping")
		return
	}
	data, err := env.Encode()
	if err != nil {
		c.logger.Error().Err(err).Str("type", env.Type).Msg("encode failed, dropping")
		return
	}

	c.mu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn().Err(err).Str("type", env.Type).Msg("write failed, dropping")
	}
}

// Disconnect closes the channel intentionally, suppressing reconnection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	c.notify(StatusDisconnected)
}

// readLoop decodes inbound frames for one connection. Malformed payloads are
// dropped and logged, never fatal.
func (c *Client) readLoop(conn *websocket.Conn, epoch int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(conn, epoch, err)
			return
		}
		env, derr := protocol.Decode(data)
		if derr != nil {
			c.logger.Warn().Err(derr).Int("bytes", len(data)).Msg("dropping malformed envelope")
			if c.metrics != nil {
				c.metrics.RecordError("decode_error", "transport")
			}
			continue
		}
		if env.Type == protocol.TypePong {
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
		}
		c.onMessage(env)
	}
}

func (c *Client) handleReadError(conn *websocket.Conn, epoch int, err error) {
	_ = conn.Close()

	c.mu.Lock()
	stale := epoch != c.connEpoch
	intentional := c.intentional
	if !stale && c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	if stale {
		return
	}

	code := websocket.CloseAbnormalClosure
	reason := ""
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code = ce.Code
		reason = ce.Text
	}

	if c.onClose != nil {
		c.onClose(code, reason)
	}

	if intentional || protocol.ClassifyClose(code, reason) != protocol.CloseResumable {
		c.logger.Info().Int("code", code).Str("reason", reason).Msg("connection closed")
		c.notify(StatusDisconnected)
		return
	}

	c.logger.Warn().Int("code", code).Str("reason", reason).Msg("abnormal close, reconnecting")
	c.notify(StatusConnecting)

	rcfg := &resilience.ReconnectConfig{
		MaxAttempts: c.cfg.ReconnectMaxAttempts,
		Delay:       c.cfg.ReconnectDelay(),
		Multiplier:  1.0,
	}
	rerr := resilience.Reconnect(context.Background(), func() error {
		return c.dial(context.Background())
	}, rcfg, c.logger, func(int) {
		if c.metrics != nil {
			c.metrics.RecordReconnectAttempt()
		}
	})
	if rerr != nil {
		c.logger.Error().Err(rerr).Msg("reconnection exhausted")
		c.notify(StatusError)
		return
	}
	c.notify(StatusConnected)
}

// heartbeat sends ping envelopes on a fixed interval while connected.
// A missing pong is observed and logged, not treated as failure; the close
// event is the source of truth for liveness.
func (c *Client) heartbeat(conn *websocket.Conn, epoch int) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		current := c.connEpoch == epoch && c.conn == conn
		sincePong := time.Since(c.lastPong)
		c.mu.Unlock()
		if !current {
			return
		}

		if sincePong > 2*c.cfg.HeartbeatInterval() {
			c.logger.Warn().Dur("since_pong", sincePong).Msg("heartbeat responses missing")
		}

		env, err := protocol.New(protocol.TypePing, c.convID, nil)
		if err != nil {
			continue
		}
		c.Send(env)
	}
}

func (c *Client) notify(status Status) {
	if c.onStatus != nil {
		c.onStatus(status)
	}
}
