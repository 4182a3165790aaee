package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 1 << 20 // 1 MB
)

var connIDCounter uint64

// Conn wraps a single WebSocket connection.
type Conn struct {
	ws     *websocket.Conn
	server *Server
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	id       string
	operator string // "" = unauthenticated
	closed   bool
}

func newConn(ws *websocket.Conn, server *Server) *Conn {
	id := atomic.AddUint64(&connIDCounter, 1)
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:     "c" + strconv.FormatUint(id, 10),
		ws:     ws,
		server: server,
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID returns a unique identifier for this connection.
func (c *Conn) ID() string {
	return c.id
}

// Context is cancelled when the connection goes away. Handlers derive the
// context of every operation they start from it.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// SetOperator marks this connection as authenticated.
func (c *Conn) SetOperator(name string) {
	c.mu.Lock()
	c.operator = name
	c.mu.Unlock()
}

// Operator returns the authenticated operator ("" if not authenticated).
func (c *Conn) Operator() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.operator
}

// SendAck sends an ack response for a client request.
func SendAck[T any](c *Conn, id int64, data T) {
	writeJSON(c, AckMessage[T]{ID: id, Data: data})
}

// SendEvent sends a server push event with a single data payload.
func SendEvent[T any](c *Conn, event string, data T) {
	writeJSON(c, ServerMessage[T]{Event: event, Data: data})
}

func writeJSON[T any](c *Conn, v T) {
	// Marshal outside the lock.
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("ws marshal", "err", err)
		return
	}
	c.writeRaw(data)
}

func (c *Conn) writeRaw(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()

	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("ws write", "conn", c.id, "err", err)
		c.closeLocked()
	}
}

// readPump reads messages from the WebSocket and dispatches them.
func (c *Conn) readPump(ctx context.Context) {
	defer func() {
		c.server.remove(c)
		c.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			slog.Debug("ws read", "conn", c.id, "err", err)
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("ws unmarshal", "err", err)
			continue
		}

		c.server.dispatch(c, &msg)
	}
}

// Close shuts down the connection and cancels its context.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	c.ws.Close(websocket.StatusNormalClosure, "")
}
