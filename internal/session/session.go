// Package session derives the per-session activity state the UI binds to,
// and owns the per-session composition of connection, transcript, and
// pending user input.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/perchlabs/perch/internal/logger"
	"github.com/perchlabs/perch/internal/protocol"
	"github.com/perchlabs/perch/internal/transcript"
)

const (
	// startTimeout bounds an explicit start action; indefinite reconnection
	// is bounded by attempt count instead.
	startTimeout = 30 * time.Second
	// echoWindow suppresses activity-indicator flicker for output that
	// follows very recent input. Best-effort heuristic, not a guarantee.
	echoWindow = 500 * time.Millisecond
)

// Link is the slice of the relay connection a session uses.
type Link interface {
	Send(env protocol.Envelope) error
	Close()
}

// Starter launches the agent process behind a session. Session creation and
// process supervision are owned elsewhere; the state machine only needs the
// one call.
type Starter interface {
	StartSession(ctx context.Context, sessionID string) error
}

// Observer is notified of state and transcript changes, for rendering.
type Observer interface {
	StateChanged(sessionID string, state ActivityState)
	TranscriptUpdated(sessionID string)
}

// Session is the per-session state object: activity state, transcript, and
// input captured while the process is down. It implements ws.Handler, so
// connection events drive the state machine directly.
type Session struct {
	id       string
	starter  Starter
	observer Observer

	mu            sync.Mutex
	link          Link
	state         ActivityState
	lastErr       string
	wasConnected  bool
	detached      bool
	startInFlight bool
	pendingInput  []string
	lastInputAt   time.Time
	working       bool

	transcript *transcript.Transcript

	startCtx func() (context.Context, context.CancelFunc)
}

func NewSession(id string, starter Starter, observer Observer) *Session {
	return &Session{
		id:         id,
		starter:    starter,
		observer:   observer,
		state:      StateChecking,
		transcript: transcript.New(id),
		startCtx: func() (context.Context, context.CancelFunc) {
			return context.WithTimeout(context.Background(), startTimeout)
		},
	}
}

// Bind attaches the connection the session sends through.
func (s *Session) Bind(link Link) {
	s.mu.Lock()
	s.link = link
	s.mu.Unlock()
}

func (s *Session) ID() string { return s.id }

// State returns the observed activity state.
func (s *Session) State() ActivityState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the message behind a StateError, for display.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Transcript exposes the session's transcript for rendering and persistence.
func (s *Session) Transcript() *transcript.Transcript {
	return s.transcript
}

// Working reports whether the agent appears to be producing output. Output
// within echoWindow of the user's own input does not flip it.
func (s *Session) Working() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.working
}

// SendMessage delivers user input. While the session is inactive,
// disconnected, errored, or mid-start the content is captured instead of
// dropped, and the first such keystroke triggers the start action exactly
// once; captured input replays in order when the session reaches connected.
func (s *Session) SendMessage(content string) error {
	s.mu.Lock()
	if s.state != StateConnected && s.state != StateChecking {
		s.pendingInput = append(s.pendingInput, content)
		trigger := !s.startInFlight
		s.startInFlight = true
		link := s.link
		s.mu.Unlock()
		if trigger {
			go s.runStart(link)
		}
		return nil
	}
	link := s.link
	s.lastInputAt = time.Now()
	s.mu.Unlock()
	return link.Send(protocol.NewSendMessage(s.id, content))
}

// Interrupt signals the agent process.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	return link.Send(protocol.NewInterrupt(s.id))
}

// Start launches the remote process explicitly. No-op if a start is already
// in flight.
func (s *Session) Start() {
	s.mu.Lock()
	if s.startInFlight {
		s.mu.Unlock()
		return
	}
	s.startInFlight = true
	link := s.link
	s.mu.Unlock()
	go s.runStart(link)
}

func (s *Session) runStart(link Link) {
	s.setState(StateStarting)

	ctx, cancel := s.startCtx()
	defer cancel()
	err := s.starter.StartSession(ctx, s.id)

	s.mu.Lock()
	s.startInFlight = false
	if err != nil {
		s.lastErr = err.Error()
		s.mu.Unlock()
		s.setState(StateError)
		return
	}
	s.mu.Unlock()

	// re-subscribe so the relay confirms the fresh attach with a status
	if link != nil {
		if err := link.Send(protocol.NewSubscribe(s.id)); err != nil {
			logger.Warn("resubscribe after start", "session", s.id, "err", err)
		}
	}
}

// OnOpen implements ws.Handler: a fresh connection attempt begins.
func (s *Session) OnOpen() {
	s.setState(StateChecking)
}

// OnReady implements ws.Handler: authenticated, scope delivery to this
// session. Subscribe is idempotent on the relay.
func (s *Session) OnReady() {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link == nil {
		return
	}
	if err := link.Send(protocol.NewSubscribe(s.id)); err != nil {
		logger.Warn("subscribe", "session", s.id, "err", err)
	}
}

// OnMessage implements ws.Handler.
func (s *Session) OnMessage(env protocol.Envelope) {
	switch e := env.(type) {
	case *protocol.SessionStatus:
		if e.SessionID != s.id {
			return
		}
		if e.Status.Running {
			s.becomeConnected()
		} else {
			s.setState(StateInactive)
		}

	case *protocol.ChatMessage:
		if e.SessionID != s.id {
			return
		}
		ev, err := protocol.DecodeAgentEvent(e.Message)
		if err != nil {
			logger.Warn("dropping malformed chat message", "session", s.id, "err", err)
			return
		}
		if s.transcript.Append(ev) {
			s.noteActivity(ev)
			s.observer.TranscriptUpdated(s.id)
		}

	case *protocol.ChatHistory:
		if e.SessionID != s.id {
			return
		}
		events := make([]*protocol.AgentEvent, 0, len(e.Messages))
		for _, raw := range e.Messages {
			ev, err := protocol.DecodeAgentEvent(raw)
			if err != nil {
				continue
			}
			events = append(events, ev)
		}
		s.transcript.Reconcile(events)
		s.observer.TranscriptUpdated(s.id)

	case *protocol.ErrorMsg:
		if isNotRunning(e.Message) {
			s.setState(StateInactive)
			return
		}
		logger.Warn("relay error", "session", s.id, "msg", e.Message)

	case *protocol.SessionDeleted:
		if e.SessionID == s.id {
			s.setState(StateInactive)
		}
	}
}

// OnClose implements ws.Handler: the transport dropped unexpectedly and a
// reconnect is scheduled.
func (s *Session) OnClose(err error) {
	s.mu.Lock()
	wasConnected := s.wasConnected
	s.wasConnected = false
	s.mu.Unlock()
	if wasConnected {
		s.setState(StateDisconnected)
	}
}

// OnError implements ws.Handler: terminal for this attempt.
func (s *Session) OnError(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
	s.setState(StateError)
}

func (s *Session) becomeConnected() {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return
	}
	s.wasConnected = true
	changed := s.state != StateConnected
	s.state = StateConnected
	pending := s.pendingInput
	s.pendingInput = nil
	link := s.link
	s.mu.Unlock()

	if changed {
		s.observer.StateChanged(s.id, StateConnected)
	}

	// replay input captured while the process was down, in order
	for _, content := range pending {
		s.mu.Lock()
		s.lastInputAt = time.Now()
		s.mu.Unlock()
		if err := link.Send(protocol.NewSendMessage(s.id, content)); err != nil {
			logger.Warn("replay captured input", "session", s.id, "err", err)
		}
	}
}

// noteActivity maintains the working indicator, applying the echo window.
func (s *Session) noteActivity(ev *protocol.AgentEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Type {
	case protocol.EventResult:
		s.working = false
	case protocol.EventAssistant:
		if time.Since(s.lastInputAt) > echoWindow {
			s.working = true
		}
	}
}

func (s *Session) setState(state ActivityState) {
	s.mu.Lock()
	if s.detached || s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()
	s.observer.StateChanged(s.id, state)
}

// detach freezes the state machine and drops captured input. Events from a
// torn-down connection can no longer move the state.
func (s *Session) detach() {
	s.mu.Lock()
	s.detached = true
	s.pendingInput = nil
	s.mu.Unlock()
}

// isNotRunning matches the relay's process-not-running error semantics.
func isNotRunning(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "not running")
}
