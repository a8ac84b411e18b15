// Package ws owns one relay connection per attached session: dial,
// authenticate, send with pre-auth queuing, receive, and reconnect with
// exponential backoff.
package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/perchlabs/perch/internal/logger"
	"github.com/perchlabs/perch/internal/protocol"
)

// ErrAuthRejected is returned when the relay answers the auth envelope with
// auth_error. The credential is bad; reconnecting will not help.
var ErrAuthRejected = errors.New("relay rejected authentication")

// ErrReconnectExhausted is returned after the reconnect attempt cap.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// ErrNotConnected is returned for sends after the transport dropped. Sends
// issued before the first auth completes are queued instead; once the link
// has been up and is lost, failing fast is more honest than queuing into a
// transport that may never heal.
var ErrNotConnected = errors.New("not connected")

// ErrOutboxFull is returned when the pre-auth queue is at capacity.
var ErrOutboxFull = errors.New("outbox full")

var errNormalClosure = errors.New("normal closure")

const (
	baseDelay            = time.Second
	maxDelay             = 30 * time.Second
	maxReconnectAttempts = 10
	maxOutbox            = 256
	writeTimeout         = 10 * time.Second
	readLimit            = 512 * 1024
)

// State mirrors the transport lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

// Handler receives connection events. One implementation per call site; the
// session state machine is the usual consumer.
type Handler interface {
	// OnOpen fires when the transport is established and auth has been sent.
	OnOpen()
	// OnReady fires once per transport after auth_success, after the queued
	// envelopes have been flushed.
	OnReady()
	// OnMessage delivers every envelope other than the auth handshake.
	OnMessage(env protocol.Envelope)
	// OnClose fires on unexpected transport loss; a reconnect is scheduled.
	OnClose(err error)
	// OnError fires on terminal conditions: auth rejection or exhausted
	// reconnect attempts. The connection will not recover on its own.
	OnError(err error)
}

// Conn is one authenticated WebSocket to the relay. Create with New, drive
// with Run, tear down with Close. All callbacks fire on the Run goroutine.
type Conn struct {
	url     string
	token   string
	handler Handler

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	ready     bool // auth_success seen on the current transport
	everReady bool // ready at least once since Run started
	outbox    [][]byte
	closed    bool
	cancel    context.CancelFunc

	backoff *Backoff
}

func New(url, token string, handler Handler) *Conn {
	return &Conn{
		url:     url,
		token:   token,
		handler: handler,
		backoff: NewBackoff(baseDelay, maxDelay),
	}
}

// State returns the transport state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready reports whether the current transport is authenticated.
func (c *Conn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Run connects and serves until Close, a terminal error, or ctx cancellation.
// Non-intentional transport loss is retried with exponential backoff up to
// maxReconnectAttempts; a scheduled retry is abandoned immediately when the
// connection is torn down.
func (c *Conn) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	for {
		c.setState(StateConnecting)
		err := c.connectAndServe(ctx)
		c.setState(StateClosed)

		if ctx.Err() != nil || c.isClosed() {
			return nil
		}
		if errors.Is(err, errNormalClosure) {
			// relay closed with 1000: intentional, do not reconnect
			return nil
		}
		if errors.Is(err, ErrAuthRejected) {
			c.handler.OnError(err)
			return err
		}

		c.handler.OnClose(err)
		if c.backoff.Attempt() >= maxReconnectAttempts {
			c.handler.OnError(ErrReconnectExhausted)
			return ErrReconnectExhausted
		}
		delay := c.backoff.Next()
		logger.Debug("relay connection lost, retrying", "delay", delay, "err", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// Close tears the connection down intentionally: the transport is closed
// with a normal-closure code so neither peer retries, any scheduled
// reconnect is cancelled, and the pending queue is dropped.
func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	c.state = StateClosing
	conn := c.conn
	cancel := c.cancel
	c.outbox = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "detach")
	}
	if cancel != nil {
		cancel()
	}
}

// Send transmits an envelope, or queues it when authentication has not yet
// completed. Queued envelopes flush in FIFO order on auth_success. After the
// link has been authenticated once and subsequently lost, Send fails with
// ErrNotConnected instead of queuing.
func (c *Conn) Send(env protocol.Envelope) error {
	frame, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.ready && c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return c.write(conn, frame)
	}
	if !c.everReady {
		if len(c.outbox) >= maxOutbox {
			c.mu.Unlock()
			return ErrOutboxFull
		}
		c.outbox = append(c.outbox, frame)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return ErrNotConnected
}

func (c *Conn) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	defer conn.CloseNow()

	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()
	c.backoff.Reset()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.ready = false
		c.mu.Unlock()
	}()

	// Auth goes out immediately and directly — it must never wait in the
	// queue it unblocks.
	authFrame, err := protocol.EncodeEnvelope(protocol.NewAuth(c.token))
	if err != nil {
		return err
	}
	if err := c.write(conn, authFrame); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	c.handler.OnOpen()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return errNormalClosure
			}
			return fmt.Errorf("read: %w", err)
		}

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			// one bad frame must not take down the dispatch loop
			logger.Warn("dropping malformed envelope", "err", err)
			continue
		}

		switch e := env.(type) {
		case *protocol.AuthSuccess:
			c.flushOutbox(conn)
		case *protocol.AuthError:
			return fmt.Errorf("%w: %s", ErrAuthRejected, e.Message)
		case *protocol.Unknown:
			logger.Debug("ignoring unknown envelope", "type", e.Type)
		default:
			c.handler.OnMessage(env)
		}
	}
}

// flushOutbox marks the transport ready and drains the queue in order.
// A duplicate auth_success is a no-op — nothing is flushed twice.
func (c *Conn) flushOutbox(conn *websocket.Conn) {
	c.mu.Lock()
	if c.ready {
		c.mu.Unlock()
		return
	}
	c.ready = true
	c.everReady = true
	queued := c.outbox
	c.outbox = nil
	c.mu.Unlock()

	for _, frame := range queued {
		if err := c.write(conn, frame); err != nil {
			logger.Warn("flush queued send", "err", err)
			break
		}
	}
	c.handler.OnReady()
}

func (c *Conn) write(conn *websocket.Conn, frame []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	if !c.closed {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
