// Package relay is the server side of the wire protocol: it authenticates
// clients, scopes delivery with subscriptions, replays history, and routes
// user actions to the process supervisor. One trusted relay per user.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/perchlabs/perch/internal/logger"
	"github.com/perchlabs/perch/internal/protocol"
	"github.com/perchlabs/perch/internal/store"
)

const (
	authDeadline = 10 * time.Second
	readLimit    = 512 * 1024

	msgSessionNotRunning = "session not running"
)

// Host is the supervisor the relay routes session actions to.
type Host interface {
	StartSession(ctx context.Context, sessionID string) error
	SendMessage(sessionID, content string) error
	Interrupt(sessionID string) error
	Running(sessionID string) bool
}

// Server accepts client WebSockets and HTTP session-management calls.
type Server struct {
	store   *store.Store
	host    Host
	secret  []byte
	hub     *Hub
	history *history
	mux     *http.ServeMux
}

func NewServer(st *store.Store, host Host, secret []byte) *Server {
	s := &Server{
		store:   st,
		host:    host,
		secret:  secret,
		hub:     NewHub(),
		history: newHistory(st),
	}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /ws", s.handleWS)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /sessions", s.handleListSessions)
	s.mux.HandleFunc("POST /sessions", s.handleCreateSession)
	s.mux.HandleFunc("POST /sessions/{id}/start", s.handleStartSession)
	s.mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	return s
}

// SetHost swaps in the session host. The supervisor needs the server as its
// event sink, so construction wires the two in stages; call this before
// serving.
func (s *Server) SetHost(host Host) {
	s.host = host
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// DeliverEvent is called by the supervisor for every decoded agent event:
// append to the authoritative history, then fan out to subscribers.
func (s *Server) DeliverEvent(sessionID string, raw json.RawMessage) {
	s.history.append(sessionID, raw)
	s.hub.Broadcast(sessionID, &protocol.ChatMessage{
		Type:      protocol.TypeChatMessage,
		SessionID: sessionID,
		Message:   raw,
	})
}

// SessionRunningChanged is called by the supervisor when a process starts or
// exits.
func (s *Server) SessionRunningChanged(sessionID string, running bool) {
	if err := s.store.SetRunning(sessionID, running); err != nil {
		logger.Warn("persist running flag", "session", sessionID, "err", err)
	}
	s.hub.Broadcast(sessionID, &protocol.SessionStatus{
		Type:      protocol.TypeSessionStatus,
		SessionID: sessionID,
		Status:    protocol.StatusInfo{Running: running},
	})
}

// SessionTouched is called when the session's working directory changes on
// disk; clients refresh metadata views off it.
func (s *Server) SessionTouched(sessionID string) {
	info, err := s.store.GetSession(sessionID)
	if err != nil {
		return
	}
	s.hub.Broadcast(sessionID, &protocol.SessionUpdated{
		Type:    protocol.TypeSessionUpdated,
		Session: info,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Warn("websocket accept", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	ctx := r.Context()

	// the first frame must be auth, within the deadline
	c, err := s.authenticate(ctx, conn)
	if err != nil {
		logger.Info("client auth failed", "err", err)
		conn.Close(websocket.StatusPolicyViolation, "auth required")
		return
	}

	s.hub.add(c)
	defer s.hub.remove(c)

	if err := c.send(&protocol.AuthSuccess{Type: protocol.TypeAuthSuccess}); err != nil {
		return
	}
	if sessions, err := s.store.ListSessions(); err == nil {
		c.send(&protocol.SessionList{Type: protocol.TypeSessionList, Sessions: sessions})
	}

	s.serveClient(ctx, c)
}

func (s *Server) authenticate(ctx context.Context, conn *websocket.Conn) (*client, error) {
	authCtx, cancel := context.WithTimeout(ctx, authDeadline)
	defer cancel()

	_, data, err := conn.Read(authCtx)
	if err != nil {
		return nil, fmt.Errorf("read auth frame: %w", err)
	}
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		return nil, fmt.Errorf("decode auth frame: %w", err)
	}
	auth, ok := env.(*protocol.Auth)
	if !ok {
		writeEnvelope(ctx, conn, &protocol.AuthError{Type: protocol.TypeAuthError, Message: "auth must be the first message"})
		return nil, errors.New("first frame was not auth")
	}

	claims, err := ValidateToken(s.secret, auth.Token)
	if err != nil {
		writeEnvelope(ctx, conn, &protocol.AuthError{Type: protocol.TypeAuthError, Message: "invalid token"})
		return nil, fmt.Errorf("validate token: %w", err)
	}
	return newClient(conn, claims.Subject), nil
}

func (s *Server) serveClient(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if !c.limiter.Allow() {
			c.send(&protocol.ErrorMsg{Type: protocol.TypeError, Message: "rate limit exceeded"})
			continue
		}

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			// a malformed frame is dropped, not fatal
			logger.Warn("dropping malformed client frame", "user", c.userID, "err", err)
			continue
		}

		switch e := env.(type) {
		case *protocol.Subscribe:
			s.handleSubscribe(c, e.SessionID)
		case *protocol.Unsubscribe:
			c.unsubscribe(e.SessionID)
		case *protocol.SendMessage:
			s.handleSendMessage(c, e)
		case *protocol.Interrupt:
			if err := s.host.Interrupt(e.SessionID); err != nil {
				c.send(&protocol.ErrorMsg{Type: protocol.TypeError, Message: err.Error()})
			}
		case *protocol.Auth:
			// repeated auth is harmless: already authenticated
			c.send(&protocol.AuthSuccess{Type: protocol.TypeAuthSuccess})
		case *protocol.Unknown:
			logger.Debug("ignoring unknown client envelope", "type", e.Type)
		default:
			logger.Debug("ignoring unexpected client envelope", "user", c.userID)
		}
	}
}

func (s *Server) handleSubscribe(c *client, sessionID string) {
	c.subscribe(sessionID)
	c.send(&protocol.ChatHistory{
		Type:      protocol.TypeChatHistory,
		SessionID: sessionID,
		Messages:  s.history.get(sessionID),
	})
	c.send(&protocol.SessionStatus{
		Type:      protocol.TypeSessionStatus,
		SessionID: sessionID,
		Status:    protocol.StatusInfo{Running: s.host.Running(sessionID)},
	})
}

func (s *Server) handleSendMessage(c *client, e *protocol.SendMessage) {
	if !s.host.Running(e.SessionID) {
		c.send(&protocol.ErrorMsg{Type: protocol.TypeError, Message: msgSessionNotRunning})
		return
	}
	if err := s.host.SendMessage(e.SessionID, e.Content); err != nil {
		c.send(&protocol.ErrorMsg{Type: protocol.TypeError, Message: err.Error()})
		return
	}
	// echo the user's message into the authoritative history so every
	// subscriber (including the sender, by dedup key) converges on it
	echo, err := json.Marshal(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": e.Content,
		},
	})
	if err != nil {
		return
	}
	s.DeliverEvent(e.SessionID, echo)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintln(w, `{"status":"ok"}`)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeHTTP(w, r) {
		return
	}
	sessions, err := s.store.ListSessions()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeHTTP(w, r) {
		return
	}
	var req struct {
		Title   string `json:"title"`
		WorkDir string `json:"workDir"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	info := protocol.SessionInfo{
		ID:        uuid.NewString(),
		Title:     req.Title,
		WorkDir:   req.WorkDir,
		CreatedAt: time.Now().Unix(),
	}
	if err := s.store.CreateSession(info); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.hub.BroadcastAll(&protocol.SessionCreated{Type: protocol.TypeSessionCreated, Session: info})
	writeJSON(w, info)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeHTTP(w, r) {
		return
	}
	id := r.PathValue("id")
	if _, err := s.store.GetSession(id); err != nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	if err := s.host.StartSession(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeHTTP(w, r) {
		return
	}
	id := r.PathValue("id")
	if s.host.Running(id) {
		if err := s.host.Interrupt(id); err != nil {
			logger.Warn("interrupt before delete", "session", id, "err", err)
		}
	}
	s.history.clear(id)
	if err := s.store.DeleteSession(id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.hub.BroadcastAll(&protocol.SessionDeleted{Type: protocol.TypeSessionDeleted, SessionID: id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) authorizeHTTP(w http.ResponseWriter, r *http.Request) bool {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	if _, err := ValidateToken(s.secret, token); err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return r.URL.Query().Get("token")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("write json response", "err", err)
	}
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env protocol.Envelope) {
	frame, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, clientWriteTimeout)
	defer cancel()
	conn.Write(wctx, websocket.MessageText, frame)
}
