// Package ws serves the persistent bidirectional channel at /ws: it
// upgrades requests, parses inbound envelopes, dispatches the message
// verbs, and fans room events out to attached connections.
package ws

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Nayuta-umeda/anim5s-server/internal/metrics"
	"github.com/Nayuta-umeda/anim5s-server/internal/ratelimit"
	"github.com/Nayuta-umeda/anim5s-server/internal/store"
)

// Limits
const (
	MaxMessageSize = 2_000_000 // inbound frame bytes; larger frames drop the connection
	ReadTimeout    = 75 * time.Second
	WriteTimeout   = 10 * time.Second
	PingInterval   = 30 * time.Second
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades and services /ws connections.
type Handler struct {
	store     *store.Store
	hub       *Hub
	limiter   *ratelimit.Limiter
	ipLimiter *ratelimit.IPLimiter
	metrics   *metrics.Metrics
}

// NewHandler wires the endpoint to the process-wide state.
func NewHandler(st *store.Store, hub *Hub, limiter *ratelimit.Limiter, ipLimiter *ratelimit.IPLimiter, m *metrics.Metrics) *Handler {
	return &Handler{
		store:     st,
		hub:       hub,
		limiter:   limiter,
		ipLimiter: ipLimiter,
		metrics:   m,
	}
}

// ServeHTTP upgrades the request and runs the connection loops. Mounted
// at exactly /ws; other upgrade attempts never reach this handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !h.ipLimiter.Allow(ip) {
		h.metrics.Inc("ws.upgrade_rate_limited")
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithField("event", "upgrade_failed").WithError(err).Debug("websocket upgrade failed")
		return
	}

	c := &Conn{
		id:     uuid.NewString(),
		sock:   sock,
		send:   make(chan []byte, sendBuffer),
		remote: ip,
	}
	h.hub.add(c)
	h.metrics.Inc("ws.connections")
	logrus.WithFields(logrus.Fields{"event": "ws_open", "conn": c.id}).Debug("connection opened")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(c)
	}()

	h.readLoop(c)

	h.hub.remove(c)
	close(c.send)
	<-writerDone
	sock.Close()
	logrus.WithFields(logrus.Fields{"event": "ws_close", "conn": c.id}).Debug("connection closed")
}

func (h *Handler) readLoop(c *Conn) {
	c.sock.SetReadLimit(MaxMessageSize)
	c.sock.SetReadDeadline(time.Now().Add(ReadTimeout))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(ReadTimeout))
		return nil
	})

	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			return
		}
		c.sock.SetReadDeadline(time.Now().Add(ReadTimeout))
		h.dispatch(c, raw)
	}
}

func (h *Handler) writeLoop(c *Conn) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.sock.SetWriteDeadline(time.Now().Add(WriteTimeout))
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(WriteTimeout))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch parses one inbound frame and runs its verb handler. Malformed
// JSON is counted and silently dropped; every other rejection emits
// exactly one error frame.
func (h *Handler) dispatch(c *Conn, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.metrics.Inc("ws.malformed_json")
		return
	}

	start := time.Now()
	defer func() {
		h.metrics.ObserveOp(env.T, time.Since(start))
	}()

	if ok, retry := h.limiter.Allow(c.remote, env.T, start); !ok {
		h.metrics.Inc("msg." + env.T + ".rate_limited")
		c.enqueue(outbound("error", errorData{
			Code:         CodeRateLimit,
			Message:      "rate limited",
			RetryAfterMs: retry.Milliseconds(),
		}))
		return
	}

	var err error
	switch env.T {
	case "hello":
		err = h.handleHello(c)
	case "create_public_and_submit":
		err = h.handleCreate(c, env.Data)
	case "join_random":
		err = h.handleJoinRandom(c)
	case "join_by_id":
		err = h.handleJoinByID(c, env.Data)
	case "join_room":
		err = h.handleJoinRoom(c, env.Data)
	case "resync":
		err = h.handleResync(c, env.Data)
	case "get_frame":
		err = h.handleGetFrame(c, env.Data)
	case "submit_frame":
		err = h.handleSubmit(c, env.Data)
	default:
		h.metrics.Inc("ws.unknown_type")
		c.enqueue(outbound("error", errorData{Message: "unknown message type: " + env.T}))
		return
	}

	if err != nil {
		h.metrics.Inc("msg." + env.T + ".fail")
		c.enqueue(outbound("error", toErrorData(err)))
		return
	}
	h.metrics.Inc("msg." + env.T + ".ok")
}

func toErrorData(err error) errorData {
	if pe, ok := err.(*protoError); ok {
		return errorData{Code: pe.code, Message: pe.message}
	}
	return errorData{Code: CodeInternal, Message: msgServerError}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	return host
}
