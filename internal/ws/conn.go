package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 1 << 20 // 1 MB
	sendQueueSize  = 256
)

var connIDCounter uint64

// Conn wraps a single WebSocket connection. Outbound messages pass
// through a bounded queue drained by one writer goroutine, so the push
// stream stays totally ordered per client. When the queue fills, the
// oldest pending update is dropped and a resync marker queued in its
// place.
type Conn struct {
	id     string
	ws     *websocket.Conn
	server *Server

	mu     sync.Mutex
	userID int // 0 = unauthenticated
	closed bool

	sendCh  chan []byte
	closeCh chan struct{}

	needResync atomic.Bool
}

func newConn(ws *websocket.Conn, server *Server) *Conn {
	id := atomic.AddUint64(&connIDCounter, 1)
	c := &Conn{
		id:      fmt.Sprintf("c%d", id),
		ws:      ws,
		server:  server,
		sendCh:  make(chan []byte, sendQueueSize),
		closeCh: make(chan struct{}),
	}
	go c.writePump()
	return c
}

// ID returns a unique identifier for this connection.
func (c *Conn) ID() string {
	return c.id
}

// SetUser marks this connection as authenticated.
func (c *Conn) SetUser(userID int) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// UserID returns the authenticated user ID (0 if not authenticated).
func (c *Conn) UserID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// SendAck answers a request by correlation id. Acks bypass the
// drop-oldest policy only in that they are queued like any message;
// request/response ordering per client is preserved by the single
// writer.
func (c *Conn) SendAck(id int64, data interface{}) {
	c.enqueueJSON(AckMessage{ID: id, Data: data})
}

// SendEvent pushes a named event with a payload.
func (c *Conn) SendEvent(event string, data interface{}) {
	c.enqueueJSON(ServerMessage{Event: event, Data: data})
}

func (c *Conn) enqueueJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("ws marshal", "err", err)
		return
	}
	c.Enqueue(data)
}

// Enqueue queues pre-marshalled bytes. On overflow the oldest pending
// message is discarded and the client flagged for resync.
func (c *Conn) Enqueue(data []byte) {
	select {
	case <-c.closeCh:
		return
	default:
	}

	select {
	case c.sendCh <- data:
		return
	default:
	}

	// Queue full: drop the oldest pending update to make room, then
	// flag the client so a resync marker follows.
	select {
	case <-c.sendCh:
	default:
	}
	c.needResync.Store(true)
	select {
	case c.sendCh <- data:
	default:
	}
}

// writePump is the connection's single writer.
func (c *Conn) writePump() {
	for {
		select {
		case <-c.closeCh:
			return
		case data := <-c.sendCh:
			c.writeRaw(data)

			if c.needResync.CompareAndSwap(true, false) {
				marker, err := json.Marshal(ServerMessage{Event: EventResync})
				if err == nil {
					c.writeRaw(marker)
				}
			}
		}
	}
}

func (c *Conn) writeRaw(data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("ws write", "err", err)
		c.Close()
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
			slog.Debug("ws read", "err", err)
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

// Close shuts down the connection and its writer.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.closeCh)
	c.ws.Close(websocket.StatusNormalClosure, "")
}

// Done returns a channel closed when the connection shuts down.
func (c *Conn) Done() <-chan struct{} {
	return c.closeCh
}
