// Package ws is the bidirectional session channel: request dispatch in
// one direction, pushed events in the other. The gateway registers
// named handlers; transport is a WebSocket but nothing outside this
// package depends on that.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// HandlerFunc processes a client message. Handlers must return
// quickly; long-running work belongs in a goroutine.
type HandlerFunc func(c *Conn, msg *ClientMessage)

// Server manages connections and message dispatch.
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

// Handle registers a handler for a named request.
func (s *Server) Handle(event string, fn HandlerFunc) {
	s.handlers[event] = fn
}

// OnConnect registers a callback fired when a connection is accepted,
// before its read pump starts.
func (s *Server) OnConnect(fn func(c *Conn)) {
	s.connectFn = fn
}

// OnDisconnect registers a callback fired when a connection is removed.
func (s *Server) OnDisconnect(fn func(c *Conn)) {
	s.disconnectFn = fn
}

// ServeHTTP upgrades the request to a WebSocket connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The binary serves its own frontend from the same origin;
		// cross-origin checks stay off so dev proxies work.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Error("ws accept", "err", err)
		return
	}

	c := newConn(conn, s)
	s.add(c)

	slog.Debug("ws connected", "remote", r.RemoteAddr)

	if s.connectFn != nil {
		s.connectFn(c)
	}

	// Block on the read pump — this goroutine is owned by net/http.
	c.readPump(r.Context())
}

// Broadcast pushes an event to every connection.
func (s *Server) Broadcast(event string, data interface{}) {
	payload, err := json.Marshal(ServerMessage{Event: event, Data: data})
	if err != nil {
		slog.Error("ws marshal broadcast", "err", err)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.conns {
		c.Enqueue(payload)
	}
}

// BroadcastAuthenticated pushes an event to authenticated connections
// only, marshalling once for all of them.
func (s *Server) BroadcastAuthenticated(event string, data interface{}) {
	payload, err := json.Marshal(ServerMessage{Event: event, Data: data})
	if err != nil {
		slog.Error("ws marshal broadcast", "err", err)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.conns {
		if c.UserID() != 0 {
			c.Enqueue(payload)
		}
	}
}

// HasAuthenticatedConns reports whether any authenticated client is
// connected. Short-circuits on the first match.
func (s *Server) HasAuthenticatedConns() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.conns {
		if c.UserID() != 0 {
			return true
		}
	}
	return false
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// ForEachConn iterates over all connections. The callback must not block.
func (s *Server) ForEachConn(fn func(*Conn)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.conns {
		fn(c)
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

	slog.Debug("ws disconnected", "remaining", s.ConnectionCount())
}

func (s *Server) dispatch(c *Conn, msg *ClientMessage) {
	// Each handler runs in its own goroutine so slow operations don't
	// block the read pump and delay other requests.
	go s.Dispatch(c, msg)
}

// Dispatch invokes the handler registered for the message's event.
func (s *Server) Dispatch(c *Conn, msg *ClientMessage) {
	h, ok := s.handlers[msg.Event]
	if !ok {
		slog.Warn("ws unknown event", "event", msg.Event)
		if msg.ID != nil {
			c.SendAck(*msg.ID, ErrorResponse{OK: false, Msg: "unknown event: " + msg.Event, Kind: "invalid_argument"})
		}
		return
	}
	h(c, msg)
}
