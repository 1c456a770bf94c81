// Package signalclient keeps a participant connected to the relay.
package signalclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/BioHazard786/warpcall/internal/backoff"
	"github.com/BioHazard786/warpcall/internal/clock"
	"github.com/BioHazard786/warpcall/internal/dns"
	"github.com/BioHazard786/warpcall/internal/protocol"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	outgoingSize   = 64
)

var (
	ErrNotConnected = errors.New("not connected to server")
	ErrGaveUp       = errors.New("could not reconnect to server")
	ErrClosed       = errors.New("client closed")
)

// DefaultRetry is the reconnect schedule.
var DefaultRetry = backoff.Policy{Base: time.Second, Max: 5 * time.Second, MaxAttempts: 10}

// Status is the state of the relay connection.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusReconnecting
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Handler receives everything the client observes. Calls come from the
// client's read goroutine, one at a time.
type Handler interface {
	HandleMessage(msg *protocol.Message)
	// HandleStatus reports connection changes. attempt counts reconnect
	// attempts since the last successful connection; err is the cause of a
	// drop or of giving up.
	HandleStatus(status Status, attempt int, err error)
}

type Config struct {
	URL string
	// Codec is the preferred framing. The server may pick another one of
	// protocol.Subprotocols.
	Codec  protocol.Codec
	Retry  backoff.Policy
	Clock  clock.Clock
	Logger *slog.Logger
}

// Client manages the websocket connection to the signaling server,
// reconnecting with capped backoff when it drops.
type Client struct {
	cfg     Config
	handler Handler
	dialer  *websocket.Dialer
	log     *slog.Logger

	mu     sync.Mutex
	cur    *connection
	closed bool
	cancel context.CancelFunc
}

type connection struct {
	ws       *websocket.Conn
	codec    protocol.Codec
	outgoing chan *protocol.Message
	done     chan struct{}
	once     sync.Once
}

func (c *connection) shutdown() {
	c.once.Do(func() { close(c.done) })
}

// New creates a client. Run connects it.
func New(cfg Config, handler Handler) *Client {
	if cfg.Codec == nil {
		cfg.Codec = protocol.JSONCodec{}
	}
	if cfg.Retry == (backoff.Policy{}) {
		cfg.Retry = DefaultRetry
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Retry.Clock == nil {
		cfg.Retry.Clock = cfg.Clock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	subprotocols := []string{cfg.Codec.Name()}
	for _, p := range protocol.Subprotocols {
		if p != cfg.Codec.Name() {
			subprotocols = append(subprotocols, p)
		}
	}

	return &Client{
		cfg:     cfg,
		handler: handler,
		log:     cfg.Logger.With("server", cfg.URL),
		dialer: &websocket.Dialer{
			// Use our custom DNS lookup with fallback
			NetDialContext:   dns.DialContext,
			HandshakeTimeout: writeWait,
			Subprotocols:     subprotocols,
		},
	}
}

// Run connects and stays connected until ctx is done or Close is called,
// which return nil, or until reconnecting gives up, which returns ErrGaveUp.
func (c *Client) Run(ctx context.Context) error {
	if _, err := url.Parse(c.cfg.URL); err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	retry := backoff.New(c.cfg.Retry)
	c.handler.HandleStatus(StatusConnecting, 0, nil)

	for {
		conn, err := c.dial(ctx)
		if err == nil {
			retry.Reset()
			c.handler.HandleStatus(StatusConnected, 0, nil)
			err = c.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			c.handler.HandleStatus(StatusDisconnected, retry.Attempts(), nil)
			return nil
		}

		delay, ok := retry.Next()
		if !ok {
			c.log.Warn("Giving up on server", "attempts", retry.Attempts(), "error", err)
			c.handler.HandleStatus(StatusDisconnected, retry.Attempts(), err)
			return fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, retry.Attempts(), err)
		}
		c.log.Info("Reconnecting", "attempt", retry.Attempts(), "delay", delay, "error", err)
		c.handler.HandleStatus(StatusReconnecting, retry.Attempts(), err)

		select {
		case <-c.cfg.Clock.After(delay):
		case <-ctx.Done():
			c.handler.HandleStatus(StatusDisconnected, retry.Attempts(), nil)
			return nil
		}
	}
}

// Send queues msg on the current connection.
func (c *Client) Send(msg *protocol.Message) error {
	c.mu.Lock()
	conn := c.cur
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	select {
	case conn.outgoing <- msg:
		return nil
	case <-conn.done:
		return ErrNotConnected
	}
}

// SendPayload encodes payload and sends it as a message of type t.
func (c *Client) SendPayload(t string, payload any) error {
	msg, err := protocol.NewMessage(t, payload)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil
}

// Close closes the connection and stops Run.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	if c.cur != nil {
		c.cur.shutdown()
	}
}

func (c *Client) dial(ctx context.Context) (*connection, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	conn := &connection{
		ws:       ws,
		codec:    protocol.CodecFor(ws.Subprotocol()),
		outgoing: make(chan *protocol.Message, outgoingSize),
		done:     make(chan struct{}),
	}
	c.log.Debug("Connected", "subprotocol", conn.codec.Name())

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		ws.Close()
		return nil, ErrClosed
	}
	c.cur = conn
	return conn, nil
}

// serve pumps conn until it fails. It returns the read error.
func (c *Client) serve(ctx context.Context, conn *connection) error {
	go func() {
		// Unblocks the read below once the connection is shut down.
		select {
		case <-conn.done:
		case <-ctx.Done():
		}
		conn.ws.Close()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(conn)
	}()

	err := c.readPump(conn)

	c.mu.Lock()
	if c.cur == conn {
		c.cur = nil
	}
	c.mu.Unlock()
	conn.shutdown()
	<-writerDone
	return err
}

// readPump reads messages from the websocket connection.
func (c *Client) readPump(conn *connection) error {
	ws := conn.ws
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := conn.codec.Decode(data)
		if err != nil {
			c.log.Warn("Dropping undecodable message", "error", err)
			continue
		}
		c.handler.HandleMessage(msg)
	}
}

// writePump writes messages to the websocket connection and sends periodic pings.
func (c *Client) writePump(conn *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.ws.Close()
	}()

	frame := websocket.TextMessage
	if conn.codec.Binary() {
		frame = websocket.BinaryMessage
	}

	for {
		select {
		case msg := <-conn.outgoing:
			data, err := conn.codec.Encode(msg)
			if err != nil {
				c.log.Error("Encoding message", "type", msg.Type, "error", err)
				continue
			}
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(frame, data); err != nil {
				return
			}

		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-conn.done:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			conn.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
