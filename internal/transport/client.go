package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cinesync/cinesync/internal/protocol"
)

const (
	// pongWait is how long the client waits between server frames before
	// treating the connection as dead. Commands and pings both count.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// ErrNotConnected is returned by Send while the client has no connection.
var ErrNotConnected = errors.New("sync client is not connected")

// ClientConfig tunes the sync client.
type ClientConfig struct {
	// URL is the sync endpoint, e.g. ws://192.168.1.10:8081/sync.
	URL string

	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration
}

// Client maintains a sync connection to the hub, redialing with capped
// exponential backoff when it drops.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	onCommand    func(env protocol.CommandEnvelope)
	onConnect    func()
	onDisconnect func(err error)

	connMu sync.RWMutex
	conn   *websocket.Conn

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

// NewClient creates a sync client. Start must be called to connect.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
}

// OnCommand registers the command listener. Must be called before Start.
func (c *Client) OnCommand(fn func(env protocol.CommandEnvelope)) {
	c.onCommand = fn
}

// OnConnect registers a listener invoked after each successful dial.
func (c *Client) OnConnect(fn func()) {
	c.onConnect = fn
}

// OnDisconnect registers a listener invoked when a connection drops.
func (c *Client) OnDisconnect(fn func(err error)) {
	c.onDisconnect = fn
}

// Connect performs a single dial without the reconnect loop.
func (c *Client) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.cfg.URL, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.logger.Info("sync connection established", slog.String("url", c.cfg.URL))
	if c.onConnect != nil {
		c.onConnect()
	}
	return nil
}

// Start runs the connect/read/reconnect loop until ctx is cancelled or
// Close is called. The first dial failure is returned immediately so the
// caller can surface a bad session address.
func (c *Client) Start(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	go c.writePump(ctx)

	attempt := 0
	for {
		err := c.readLoop()

		c.connMu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()

		if c.onDisconnect != nil {
			c.onDisconnect(err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		default:
		}

		if isNormalClosure(err) {
			// The hub said goodbye; do not redial a stopped session.
			c.logger.Info("sync connection closed by server")
			return nil
		}

		attempt++
		delay := backoffDelay(attempt)
		c.logger.Warn("sync connection lost, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("delay", delay),
			slog.Int("attempt", attempt),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case <-time.After(delay):
		}

		if err := c.Connect(ctx); err != nil {
			continue
		}
		attempt = 0
	}
}

// Send enqueues a message for the hub.
func (c *Client) Send(v any) error {
	frame, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errors.New("sync send queue is full")
	}
}

// Close stops the client and closes any open connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	err := c.conn.Close()
	c.conn = nil
	return err
}

// readLoop consumes frames on the current connection until it fails.
func (c *Client) readLoop() error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := protocol.Decode(frame)
		if err != nil {
			c.logger.Warn("dropping malformed sync frame", slog.String("error", err.Error()))
			continue
		}
		if msg.Command != nil && c.onCommand != nil {
			c.onCommand(*msg.Command)
		}
	}
}

// writePump sends queued frames and keepalive pings on whatever connection
// is current. It survives reconnects.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.writeMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("sync write failed", slog.String("error", err.Error()))
			}
		case <-ticker.C:
			if err := c.writeMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("sync ping failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (c *Client) writeMessage(messageType int, data []byte) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, data)
}

// backoffDelay returns an exponential delay with jitter, capped.
func backoffDelay(attempt int) time.Duration {
	delay := reconnectBaseDelay << uint(attempt-1)
	if delay > reconnectMaxDelay || delay <= 0 {
		delay = reconnectMaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 4))
	return delay + jitter
}

func isNormalClosure(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
