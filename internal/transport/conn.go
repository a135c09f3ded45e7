// Package transport serves subscriber websocket connections.
package transport

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"rtsp-relay-server/internal/relay"
)

const (
	// writeWait is the deadline for a single websocket write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before it is dropped.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = 54 * time.Second

	// maxMessageSize limits frames read from clients.
	maxMessageSize = 512
)

var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrConnClosed     = errors.New("connection closed")
)

// Handler receives the events of every connection. Events of one connection
// are delivered sequentially, starting with OnConnect.
type Handler interface {
	OnConnect(conn relay.Conn)
	OnMessage(conn relay.Conn, payload []byte)
	OnDisconnect(conn relay.Conn)
	OnError(conn relay.Conn, err error)
}

type outbound struct {
	messageType int
	payload     []byte
}

// Conn is one websocket subscriber. Sends are queued and written by a
// dedicated goroutine; a full queue fails the send instead of blocking.
type Conn struct {
	id    uuid.UUID
	path  string
	ws    *websocket.Conn
	clock clockwork.Clock
	log   *slog.Logger

	mu     sync.Mutex
	send   chan outbound
	closed bool
}

var _ relay.Conn = (*Conn)(nil)

func newConn(ws *websocket.Conn, path string, buffer int, clock clockwork.Clock, log *slog.Logger) *Conn {
	id := uuid.New()
	return &Conn{
		id:    id,
		path:  path,
		ws:    ws,
		clock: clock,
		log:   log.With("conn", id),
		send:  make(chan outbound, buffer),
	}
}

func (c *Conn) ID() uuid.UUID { return c.id }

// Path is the raw request URI the client connected with.
func (c *Conn) Path() string { return c.path }

func (c *Conn) SendText(payload []byte) error {
	return c.enqueue(websocket.TextMessage, payload)
}

func (c *Conn) SendBinary(payload []byte) error {
	return c.enqueue(websocket.BinaryMessage, payload)
}

func (c *Conn) enqueue(messageType int, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- outbound{messageType: messageType, payload: payload}:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close flushes queued messages and then closes the connection with a close
// frame. Closing twice is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.send)
	return nil
}

func (c *Conn) IsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *Conn) closedLocally() bool {
	return !c.IsAvailable()
}

// readPump delivers the connection's events to h until the connection ends.
func (c *Conn) readPump(h Handler) {
	h.OnConnect(c)

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(c.clock.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(c.clock.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, payload, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case c.closedLocally(),
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				h.OnDisconnect(c)
			default:
				c.log.Debug("Websocket read failed", "error", err)
				h.OnError(c, err)
			}
			break
		}
		if messageType == websocket.TextMessage {
			h.OnMessage(c, payload)
		}
	}

	c.Close()
}

// writePump writes queued messages and keeps the connection alive with pings.
func (c *Conn) writePump() {
	ticker := c.clock.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(c.clock.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(msg.messageType, msg.payload); err != nil {
				c.log.Debug("Websocket write failed", "error", err)
				return
			}

		case <-ticker.Chan():
			c.ws.SetWriteDeadline(c.clock.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
