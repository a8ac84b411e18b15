package session

import (
	"context"
	"sync"

	"github.com/perchlabs/perch/internal/logger"
	"github.com/perchlabs/perch/internal/protocol"
	"github.com/perchlabs/perch/internal/ws"
)

// dialFunc builds a Link whose events feed the given handler, plus a start
// function that begins serving it. Serving is deferred so the caller can
// Bind the link first; otherwise a fast auth handshake could fire OnReady
// against a session with no link and the subscribe would be lost.
type dialFunc func(ctx context.Context, handler ws.Handler) (Link, func())

// Registry owns the id → session mapping and each session's connection
// lifecycle. It replaces the scattered per-concern maps (connections,
// handlers, timers, seen-keys) with one state object per session.
type Registry struct {
	url     string
	token   string
	starter Starter

	mu       sync.Mutex
	observer Observer
	sessions map[string]*attached
	dial     dialFunc
}

type attached struct {
	sess   *Session
	link   Link
	cancel context.CancelFunc
}

func NewRegistry(url, token string, starter Starter, observer Observer) *Registry {
	r := &Registry{
		url:      url,
		token:    token,
		starter:  starter,
		observer: observer,
		sessions: make(map[string]*attached),
	}
	r.dial = r.dialConn
	return r
}

func (r *Registry) dialConn(ctx context.Context, handler ws.Handler) (Link, func()) {
	conn := ws.New(r.url, r.token, handler)
	start := func() {
		go func() {
			if err := conn.Run(ctx); err != nil {
				logger.Debug("connection finished", "err", err)
			}
		}()
	}
	return conn, start
}

// Attach creates (or returns) the session's state object and opens its
// connection. The activity state starts at checking.
func (r *Registry) Attach(ctx context.Context, id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.sessions[id]; ok {
		return a.sess
	}

	sess := NewSession(id, r.starter, r.observer)
	connCtx, cancel := context.WithCancel(ctx)
	link, start := r.dial(connCtx, sess)
	sess.Bind(link)
	start()
	r.sessions[id] = &attached{sess: sess, link: link, cancel: cancel}
	return sess
}

// Get returns the attached session, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.sessions[id]; ok {
		return a.sess
	}
	return nil
}

// Detach tears a session down: unsubscribe, close the transport with a
// normal-closure code (suppressing its reconnect logic), cancel any pending
// reconnect timer, and drop captured input. Other sessions are unaffected.
func (r *Registry) Detach(id string) {
	r.mu.Lock()
	a, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if err := a.link.Send(protocol.NewUnsubscribe(id)); err != nil {
		// best effort: the transport may already be gone
		logger.Debug("unsubscribe on detach", "session", id, "err", err)
	}
	a.sess.detach()
	a.link.Close()
	a.cancel()
}

// Retry abandons the session's current connection and starts a fresh attempt
// from checking, with the reconnect attempt counter back at zero. A detached
// or failed session is not a failed one forever.
func (r *Registry) Retry(ctx context.Context, id string) *Session {
	r.mu.Lock()
	a, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return r.Attach(ctx, id)
	}

	a.link.Close()
	a.cancel()

	sess := a.sess
	sess.mu.Lock()
	sess.state = StateChecking
	sess.lastErr = ""
	sess.wasConnected = false
	sess.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	link, start := r.dial(connCtx, sess)
	sess.Bind(link)
	start()
	r.sessions[id] = &attached{sess: sess, link: link, cancel: cancel}
	r.mu.Unlock()

	r.observer.StateChanged(id, StateChecking)
	return sess
}

// Sessions returns a snapshot of attached session ids.
func (r *Registry) Sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
