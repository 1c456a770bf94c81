package signaling

import (
	"log/slog"
	"sync"
	"time"

	"github.com/BioHazard786/warpcall/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024 // 64 KB - enough for WebRTC SDP messages

	// sendQueueSize bounds outbound messages; a connection that falls this
	// far behind is closed.
	sendQueueSize = 256
)

// Client is a wrapper for a single websocket connection (a participant).
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	codec protocol.Codec
	id    string
	log   *slog.Logger

	mu     sync.Mutex
	send   chan *protocol.Message
	closed bool
}

// NewClient wraps conn with a fresh connection id. codec frames every
// message on the connection.
func NewClient(hub *Hub, conn *websocket.Conn, codec protocol.Codec) *Client {
	id := uuid.NewString()
	return &Client{
		hub:   hub,
		conn:  conn,
		codec: codec,
		id:    id,
		log:   hub.log.With("conn_id", id),
		send:  make(chan *protocol.Message, sendQueueSize),
	}
}

func (c *Client) ID() string { return c.id }

// Deliver queues msg without blocking. If the queue is full the connection
// is closed.
func (c *Client) Deliver(msg *protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		c.log.Warn("Send queue full, closing connection", "type", msg.Type)
		c.closed = true
		close(c.send)
	}
}

// closeSend stops the write pump after it drains the queue.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadPump pumps messages from the websocket connection to the hub.
//
// The application runs ReadPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregisterClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("Read failed", "error", err)
			}
			return
		}

		msg, err := c.codec.Decode(data)
		if err != nil {
			c.hub.reply(c, protocolError("decode", ErrMalformed))
			continue
		}
		c.hub.Handle(c, msg)
	}
}

// WritePump pumps messages from the hub to the websocket connection.
//
// A goroutine running WritePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	frame := websocket.TextMessage
	if c.codec.Binary() {
		frame = websocket.BinaryMessage
	}

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := c.codec.Encode(message)
			if err != nil {
				c.log.Error("Encoding message", "type", message.Type, "error", err)
				continue
			}
			if err := c.conn.WriteMessage(frame, data); err != nil {
				c.log.Debug("Write failed", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
