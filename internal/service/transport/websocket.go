package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/carelink/internal/logger"
)

// WSOptions tunes websocket connections.
type WSOptions struct {
	HandshakeTimeout time.Duration // dial + upgrade
	PingInterval     time.Duration // keepalive ping period
	WriteTimeout     time.Duration // per write deadline
	ReadTimeout      time.Duration // extended on every frame and pong
}

// DefaultWSOptions returns the options used when none are supplied.
func DefaultWSOptions() *WSOptions {
	return &WSOptions{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
	}
}

// WSDialer opens chat connections over gorilla/websocket.
type WSDialer struct {
	options *WSOptions
	dialer  *websocket.Dialer
	log     *slog.Logger
}

// NewWSDialer creates a dialer. A nil options value selects DefaultWSOptions.
func NewWSDialer(options *WSOptions) *WSDialer {
	if options == nil {
		options = DefaultWSOptions()
	}

	return &WSDialer{
		options: options,
		dialer: &websocket.Dialer{
			HandshakeTimeout: options.HandshakeTimeout,
		},
		log: logger.Component("transport"),
	}
}

// Dial starts connecting to target in the background and returns the handle immediately.
func (d *WSDialer) Dial(ctx context.Context, target Target, sink EventSink) (Conn, error) {
	rawURL, err := target.URL()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &wsConn{
		options: d.options,
		dialer:  d.dialer,
		sink:    sink,
		cancel:  cancel,
		log:     d.log.With("recipient_id", target.RecipientID),
	}

	go c.run(ctx, rawURL)
	return c, nil
}

type connState int

const (
	stateConnecting connState = iota
	stateOpen
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	default:
		return "closed"
	}
}

type wsConn struct {
	options *WSOptions
	dialer  *websocket.Dialer
	sink    EventSink
	cancel  context.CancelFunc
	log     *slog.Logger

	mu    sync.Mutex
	state connState
	conn  *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	eventOnce sync.Once
}

func (c *wsConn) run(ctx context.Context, rawURL string) {
	defer c.emitClose()
	defer c.cancel()

	conn, resp, err := c.dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if c.markClosed() {
			return
		}
		if resp != nil {
			err = fmt.Errorf("websocket dial failed with status %d: %w", resp.StatusCode, err)
		} else {
			err = fmt.Errorf("websocket dial failed: %w", err)
		}
		c.log.Warn("dial failed", "error", err)
		c.sink.OnError(err)
		return
	}

	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.state = stateOpen
	c.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(c.options.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.options.ReadTimeout))
		return nil
	})

	c.log.Debug("connection open")
	c.sink.OnOpen()

	go c.pingLoop(ctx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			wasClosed := c.markClosed()
			conn.Close()
			if !wasClosed && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("read failed", "error", err)
				c.sink.OnError(fmt.Errorf("websocket read failed: %w", err))
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(c.options.ReadTimeout))
		c.sink.OnMessage(string(data))
	}
}

// pingLoop sends periodic pings until the connection context ends.
func (c *wsConn) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.options.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				// the read loop notices the broken connection.
				return
			}
		}
	}
}

// Send writes text as a single text frame.
func (c *wsConn) Send(text string) error {
	c.mu.Lock()
	state, conn := c.state, c.conn
	c.mu.Unlock()

	if state != stateOpen || conn == nil {
		return &NotConnectedError{State: state.String()}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return fmt.Errorf("websocket write failed: %w", err)
	}
	return nil
}

// Close tears the connection down. Safe to call any number of times.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		c.state = stateClosed
		c.mu.Unlock()

		c.cancel()
		if conn == nil {
			return
		}

		deadline := time.Now().Add(c.options.WriteTimeout)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = conn.Close()
	})
	return err
}

// markClosed moves the connection to the closed state and reports whether it was already closed.
func (c *wsConn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.state == stateClosed
	c.state = stateClosed
	return was
}

func (c *wsConn) emitClose() {
	c.eventOnce.Do(c.sink.OnClose)
}
