// Package wsclient implements Component B: a reconnecting WebSocket client
// primitive used by every streaming source adapter. The reconnect/backoff/
// heartbeat/resubscribe shape is grounded on a production exchange client
// (gorilla/websocket, fixed-interval reconnect, ping/pong heartbeat,
// resubscribe-on-reopen); this package generalizes it by taking the wire
// encoding/decoding as caller-supplied hooks instead of hardcoding one
// exchange's frame format.
package wsclient

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Config configures one Client instance (spec §6 sources.<name>.stream).
type Config struct {
	URL                 string
	AutoReconnect       bool
	ReconnectInterval   time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval   time.Duration
	PongTimeout         time.Duration
	ParseJSON           bool
}

// Handlers are the events a Client emits (spec §4.B).
type Handlers struct {
	OnOpen                      func()
	OnMessage                   func(raw []byte)
	OnError                     func(err error)
	OnClose                     func()
	OnReconnect                 func(attempt int)
	OnMaxReconnectAttemptsReached func()
}

// Client is a single reconnecting WebSocket connection.
type Client struct {
	id       string
	cfg      Config
	handlers Handlers
	log      *slog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	isClosing  bool
	isOpen     bool
	reconnects int

	lastPong time.Time

	done chan struct{}
}

// New creates a Client. Nothing connects until Connect is called.
func New(cfg Config, h Handlers, log *slog.Logger) *Client {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = cfg.HeartbeatInterval * 2
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{id: uuid.NewString(), cfg: cfg, handlers: h, log: log, done: make(chan struct{})}
}

// Connect dials the configured URL and starts the read/heartbeat loops. It
// blocks until the initial connection succeeds or fails once — subsequent
// drops are handled by the internal reconnect loop, never returned here.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	go c.readLoop(ctx)
	go c.pingLoop(ctx)
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		if c.handlers.OnError != nil {
			c.handlers.OnError(err)
		}
		return err
	}

	conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.isOpen = true
	c.lastPong = time.Now()
	c.mu.Unlock()

	if c.handlers.OnOpen != nil {
		c.handlers.OnOpen()
	}
	return nil
}

// Send writes raw to the socket. Per spec §4.B, send on a non-open socket
// warns and drops the frame; it never returns an error to the caller.
func (c *Client) Send(raw []byte) {
	c.mu.Lock()
	conn, open := c.conn, c.isOpen
	c.mu.Unlock()

	if !open || conn == nil {
		c.log.Warn("wsclient: dropped send on closed socket", slog.String("id", c.id))
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.log.Warn("wsclient: send failed", slog.String("id", c.id), slog.String("error", err.Error()))
	}
}

// Close marks the client as closing (preventing further reconnects) and
// tears down the current connection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.isClosing = true
	conn := c.conn
	c.isOpen = false
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// IsOpen reports whether a connection is currently established.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isOpen
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleUnexpectedClose(ctx, err)
			return
		}

		if len(strings.TrimSpace(string(raw))) == 0 {
			continue // empty/whitespace frames are silently dropped
		}

		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(raw)
		}
	}
}

func (c *Client) handleUnexpectedClose(ctx context.Context, err error) {
	c.mu.Lock()
	closing := c.isClosing
	c.isOpen = false
	c.mu.Unlock()

	if c.handlers.OnClose != nil {
		c.handlers.OnClose()
	}
	if closing {
		return
	}
	if c.handlers.OnError != nil {
		c.handlers.OnError(err)
	}
	if c.cfg.AutoReconnect {
		c.scheduleReconnect(ctx)
	}
}

func (c *Client) scheduleReconnect(ctx context.Context) {
	select {
	case <-c.done:
		return
	default:
	}

	c.mu.Lock()
	c.reconnects++
	attempt := c.reconnects
	c.mu.Unlock()

	if c.cfg.MaxReconnectAttempts > 0 && attempt > c.cfg.MaxReconnectAttempts {
		if c.handlers.OnMaxReconnectAttemptsReached != nil {
			c.handlers.OnMaxReconnectAttemptsReached()
		}
		return
	}

	timer := time.NewTimer(c.cfg.ReconnectInterval)
	defer timer.Stop()
	select {
	case <-c.done:
		return
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	if err := c.dial(ctx); err != nil {
		c.scheduleReconnect(ctx)
		return
	}

	c.mu.Lock()
	c.reconnects = 0
	c.mu.Unlock()

	if c.handlers.OnReconnect != nil {
		c.handlers.OnReconnect(attempt)
	}
	go c.readLoop(ctx)
}

// pingLoop sends a WebSocket ping control frame on HeartbeatInterval and
// force-closes the connection if no pong arrives within PongTimeout. It
// sends no application-level (exchange-specific) ping message.
func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn, open, lastPong := c.conn, c.isOpen, c.lastPong
			c.mu.Unlock()
			if !open || conn == nil {
				continue
			}

			if time.Since(lastPong) > c.cfg.PongTimeout {
				c.log.Warn("wsclient: pong timeout, forcing close", slog.String("id", c.id))
				_ = conn.Close()
				continue
			}

			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Warn("wsclient: ping failed", slog.String("id", c.id), slog.String("error", err.Error()))
			}
		}
	}
}

// RedactURL strips credentials, query, and fragment from a WebSocket URL for
// safe logging (spec §4.B).
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
