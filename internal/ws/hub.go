package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one persistent client channel. It tracks at most one roomId
// attachment (the last room successfully joined), used for scoping
// broadcasts.
type Conn struct {
	id     string
	sock   *websocket.Conn
	send   chan []byte
	remote string

	mu     sync.Mutex
	roomID string
}

// RoomID returns the current room attachment ("" when unattached).
func (c *Conn) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Conn) bind(roomID string) {
	c.mu.Lock()
	c.roomID = roomID
	c.mu.Unlock()
}

// enqueue marshals the envelope onto the send channel. Slow consumers
// have frames dropped rather than blocking the server.
func (c *Conn) enqueue(msg Outbound) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func outbound(t string, data any) Outbound {
	return Outbound{V: 1, T: t, TS: time.Now().UnixMilli(), Data: data}
}

// Hub tracks every live connection for broadcast fan-out.
type Hub struct {
	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[*Conn]struct{})}
}

func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Broadcast delivers the envelope to every connection attached to
// roomID. A flat scan is fine for the expected fan-out (≤60 per room).
func (h *Hub) Broadcast(roomID string, msg Outbound) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		if c.RoomID() != roomID {
			continue
		}
		select {
		case c.send <- data:
		default:
		}
	}
}
