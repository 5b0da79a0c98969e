package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lunarchat/parley/presence"
)

const (
	writeWait    = 10 * time.Second
	sendBuffer   = 64
	maxFrameSize = 4096
)

// frame is the envelope for every server-to-client event.
type frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// client is one websocket connection with a buffered outbound queue. A single
// writer goroutine owns the connection for writes; everything else goes
// through the send channel. The send channel is never closed; done signals
// shutdown instead, so concurrent emitters can never hit a closed channel.
type client struct {
	id        string
	conn      *websocket.Conn
	send      chan frame
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) stop() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// writePump drains the send queue onto the wire. On shutdown it flushes
// whatever is already queued (a disconnect notice, typically) before sending
// the close frame.
func (c *client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}
		case <-c.done:
			for {
				select {
				case f := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteJSON(f); err != nil {
						return
					}
				default:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

// Hub tracks websocket clients by connection id and delivers engine events to
// them. Room membership is resolved through the presence registry at emit
// time, so the hub never duplicates that state.
type Hub struct {
	reg   *presence.Registry
	mu    sync.RWMutex
	conns map[string]*client
}

// NewHub returns a hub resolving room membership through reg.
func NewHub(reg *presence.Registry) *Hub {
	return &Hub{reg: reg, conns: make(map[string]*client)}
}

// add registers the websocket under a fresh connection id and starts its
// writer.
func (h *Hub) add(conn *websocket.Conn) *client {
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan frame, sendBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	go c.writePump()
	return c
}

// remove forgets the client and stops its writer.
func (h *Hub) remove(id string) {
	h.mu.Lock()
	c, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
	}
	h.mu.Unlock()
	if ok {
		c.stop()
	}
}

// EmitTo queues one event for one connection. A client whose queue is full is
// dropped rather than allowed to stall every other delivery.
func (h *Hub) EmitTo(connID, event string, data any) {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case c.send <- frame{Type: event, Data: data}:
	case <-c.done:
	default:
		slog.Warn("dropping slow websocket client", slog.String("conn", connID), slog.String("component", "hub"))
		h.remove(connID)
	}
}

// EmitToRoom fans one event out to every member of the room (room "" means
// the unscoped default room's members).
func (h *Hub) EmitToRoom(room, event string, data any) {
	for _, id := range h.reg.InRoom(room) {
		h.EmitTo(id, event, data)
	}
}

// ForceDisconnect severs the connection: the writer flushes anything already
// queued (the disconnect notice) and closes the socket.
func (h *Hub) ForceDisconnect(connID string) {
	h.remove(connID)
}

// Len returns the number of attached websocket clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
