package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/perchlabs/perch/internal/logger"
	"github.com/perchlabs/perch/internal/protocol"
)

const (
	clientWriteTimeout = 10 * time.Second
	// inbound frame budget per client: sustained 20/s, bursts of 40
	clientRateLimit = 20
	clientRateBurst = 40
	// outbound frames queued per client before it is severed
	clientSendBuffer = 64
)

var errSlowClient = errors.New("client send queue overflow")

// client is one connected WebSocket with its subscription set. Outbound
// frames go through a buffered queue drained by a single writer goroutine,
// so a stalled client never blocks the session delivering to it.
type client struct {
	conn    *websocket.Conn
	userID  string
	limiter *rate.Limiter
	out     chan []byte
	done    chan struct{}

	mu   sync.Mutex
	subs map[string]struct{}
}

func newClient(conn *websocket.Conn, userID string) *client {
	c := &client{
		conn:    conn,
		userID:  userID,
		limiter: rate.NewLimiter(clientRateLimit, clientRateBurst),
		out:     make(chan []byte, clientSendBuffer),
		done:    make(chan struct{}),
		subs:    make(map[string]struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *client) writeLoop() {
	for {
		select {
		case frame := <-c.out:
			ctx, cancel := context.WithTimeout(context.Background(), clientWriteTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				// a failed write closes the conn; the read loop unwinds it
				logger.Debug("client write", "user", c.userID, "err", err)
			}
		case <-c.done:
			return
		}
	}
}

// stop ends the writer goroutine. Queued frames for a gone client are
// dropped.
func (c *client) stop() {
	close(c.done)
}

// subscribe is idempotent: a second subscribe to the same session changes
// nothing.
func (c *client) subscribe(sessionID string) {
	c.mu.Lock()
	c.subs[sessionID] = struct{}{}
	c.mu.Unlock()
}

func (c *client) unsubscribe(sessionID string) {
	c.mu.Lock()
	delete(c.subs, sessionID)
	c.mu.Unlock()
}

func (c *client) subscribed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[sessionID]
	return ok
}

// send queues a frame for the writer goroutine. A client whose queue is
// full has stopped reading; it is severed rather than allowed to
// back-pressure the delivering session.
func (c *client) send(env protocol.Envelope) error {
	frame, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	select {
	case c.out <- frame:
		return nil
	case <-c.done:
		return errSlowClient
	default:
		// no close handshake: a stalled peer would block it too
		c.conn.CloseNow()
		return errSlowClient
	}
}

// Hub tracks connected clients and fans envelopes out to them. Each client
// drains its own queue, so a slow client only stalls (and eventually
// severs) itself; sessions and other clients are untouched.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.stop()
	}
}

// Broadcast delivers an envelope to every client subscribed to the session.
func (h *Hub) Broadcast(sessionID string, env protocol.Envelope) {
	for _, c := range h.snapshot() {
		if !c.subscribed(sessionID) {
			continue
		}
		if err := c.send(env); err != nil {
			logger.Debug("broadcast write", "session", sessionID, "err", err)
		}
	}
}

// BroadcastAll delivers an envelope to every connected client, regardless of
// subscriptions (session list changes).
func (h *Hub) BroadcastAll(env protocol.Envelope) {
	for _, c := range h.snapshot() {
		if err := c.send(env); err != nil {
			logger.Debug("broadcast write", "err", err)
		}
	}
}

func (h *Hub) snapshot() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}
