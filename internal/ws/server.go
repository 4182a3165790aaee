package ws

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// HandlerFunc processes a client message. Each message is dispatched on its
// own goroutine, so handlers may block for as long as the operation takes.
type HandlerFunc func(c *Conn, msg *ClientMessage)

// Server manages WebSocket connections and message dispatch.
type Server struct {
	mu    sync.RWMutex
	conns map[*Conn]struct{}

	handlers     map[string]HandlerFunc
	connectFn    func(c *Conn)
	disconnectFn func(c *Conn)
}

func NewServer() *Server {
	return &Server{
		conns:    make(map[*Conn]struct{}),
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers a handler for a named event. Register every handler
// before serving.
func (s *Server) Handle(event string, fn HandlerFunc) {
	s.handlers[event] = fn
}

// HandleConnect registers a callback that fires when a connection is
// established, before its read pump starts.
func (s *Server) HandleConnect(fn func(c *Conn)) {
	s.connectFn = fn
}

// OnDisconnect registers a callback that fires when a connection is removed.
func (s *Server) OnDisconnect(fn func(c *Conn)) {
	s.disconnectFn = fn
}

// ServeHTTP upgrades the HTTP request to a WebSocket connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The control surface listens on the loopback interface only.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Error("ws accept", "err", err)
		return
	}

	c := newConn(ws, s)
	s.add(c)
	slog.Debug("ws connected", "conn", c.id, "remote", r.RemoteAddr)

	if s.connectFn != nil {
		s.connectFn(c)
	}

	// The read pump runs on the net/http goroutine.
	c.readPump(r.Context())
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Connections returns a snapshot of the active connections.
func (s *Server) Connections() []*Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// CloseAll disconnects every client.
func (s *Server) CloseAll() {
	for _, c := range s.Connections() {
		c.Close()
	}
}

func (s *Server) add(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) remove(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()

	if s.disconnectFn != nil {
		s.disconnectFn(c)
	}

	slog.Debug("ws disconnected", "conn", c.id, "remaining", s.ConnectionCount())
}

func (s *Server) dispatch(c *Conn, msg *ClientMessage) {
	// Lifecycle calls can take as long as the engine does; never block the
	// read pump on them.
	go s.Dispatch(c, msg)
}

// Dispatch looks up and invokes the handler for the given message event.
func (s *Server) Dispatch(c *Conn, msg *ClientMessage) {
	h, ok := s.handlers[msg.Event]
	if !ok {
		slog.Warn("ws unknown event", "event", msg.Event)
		if msg.ID != nil {
			SendAck(c, *msg.ID, ErrorResponse{OK: false, Status: "not_implemented", Msg: "unknown event: " + msg.Event})
		}
		return
	}
	h(c, msg)
}
