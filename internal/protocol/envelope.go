package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope types for the client ↔ relay WebSocket protocol.
const (
	// Client → Relay
	TypeAuth        = "auth"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeSendMessage = "send_message"
	TypeInterrupt   = "interrupt"

	// Relay → Client
	TypeAuthSuccess    = "auth_success"
	TypeAuthError      = "auth_error"
	TypeSessionList    = "session_list"
	TypeSessionStatus  = "session_status"
	TypeSessionCreated = "session_created"
	TypeSessionUpdated = "session_updated"
	TypeSessionDeleted = "session_deleted"
	TypeChatMessage    = "chat_message"
	TypeChatHistory    = "chat_history"
	TypeError          = "error"
)

// Envelope is implemented by every relay wire message. Decode returns one of
// the concrete types below; consumers route with a type switch.
type Envelope interface {
	envelopeType() string
}

// Auth is the first message a client must send after the transport opens.
type Auth struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// Subscribe scopes delivery of chat and status messages to a session.
// Subscribing twice to the same session is a no-op on the relay.
type Subscribe struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// Unsubscribe stops delivery for one session without affecting others.
type Unsubscribe struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// SendMessage carries user input destined for the agent process.
type SendMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

// Interrupt asks the relay to signal the agent process.
type Interrupt struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// AuthSuccess acknowledges a valid auth token.
type AuthSuccess struct {
	Type string `json:"type"`
}

// AuthError rejects the client's credential. The connection is not retried.
type AuthError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SessionInfo describes one session known to the relay.
type SessionInfo struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	WorkDir   string `json:"workDir,omitempty"`
	Running   bool   `json:"running"`
	CreatedAt int64  `json:"createdAt,omitempty"` // unix seconds
}

// SessionList is pushed after auth and whenever the set of sessions changes.
type SessionList struct {
	Type     string        `json:"type"`
	Sessions []SessionInfo `json:"sessions"`
}

// SessionStatus reports whether the agent process behind a session is alive.
type SessionStatus struct {
	Type      string     `json:"type"`
	SessionID string     `json:"sessionId"`
	Status    StatusInfo `json:"status"`
}

// StatusInfo is the payload of SessionStatus.
type StatusInfo struct {
	Running bool   `json:"running"`
	Model   string `json:"model,omitempty"`
	WorkDir string `json:"workDir,omitempty"`
}

// SessionCreated announces a new session.
type SessionCreated struct {
	Type    string      `json:"type"`
	Session SessionInfo `json:"session"`
}

// SessionUpdated announces a metadata change on an existing session.
type SessionUpdated struct {
	Type    string      `json:"type"`
	Session SessionInfo `json:"session"`
}

// SessionDeleted announces removal of a session.
type SessionDeleted struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// ChatMessage delivers one agent event (or a bare string) for a session.
type ChatMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Message   json.RawMessage `json:"message"`
}

// ChatHistory delivers the relay's authoritative transcript for a session.
type ChatHistory struct {
	Type      string            `json:"type"`
	SessionID string            `json:"sessionId"`
	Messages  []json.RawMessage `json:"messages"`
}

// ErrorMsg reports a protocol-level error from the relay.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Unknown preserves envelopes with an unrecognized type tag. Unknown types
// are logged and ignored by consumers, never treated as fatal.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (Auth) envelopeType() string           { return TypeAuth }
func (Subscribe) envelopeType() string      { return TypeSubscribe }
func (Unsubscribe) envelopeType() string    { return TypeUnsubscribe }
func (SendMessage) envelopeType() string    { return TypeSendMessage }
func (Interrupt) envelopeType() string      { return TypeInterrupt }
func (AuthSuccess) envelopeType() string    { return TypeAuthSuccess }
func (AuthError) envelopeType() string      { return TypeAuthError }
func (SessionList) envelopeType() string    { return TypeSessionList }
func (SessionStatus) envelopeType() string  { return TypeSessionStatus }
func (SessionCreated) envelopeType() string { return TypeSessionCreated }
func (SessionUpdated) envelopeType() string { return TypeSessionUpdated }
func (SessionDeleted) envelopeType() string { return TypeSessionDeleted }
func (ChatMessage) envelopeType() string    { return TypeChatMessage }
func (ChatHistory) envelopeType() string    { return TypeChatHistory }
func (ErrorMsg) envelopeType() string       { return TypeError }
func (Unknown) envelopeType() string        { return "unknown" }

// NewAuth builds an auth envelope.
func NewAuth(token string) *Auth {
	return &Auth{Type: TypeAuth, Token: token}
}

// NewSubscribe builds a subscribe envelope.
func NewSubscribe(sessionID string) *Subscribe {
	return &Subscribe{Type: TypeSubscribe, SessionID: sessionID}
}

// NewUnsubscribe builds an unsubscribe envelope.
func NewUnsubscribe(sessionID string) *Unsubscribe {
	return &Unsubscribe{Type: TypeUnsubscribe, SessionID: sessionID}
}

// NewSendMessage builds a send_message envelope.
func NewSendMessage(sessionID, content string) *SendMessage {
	return &SendMessage{Type: TypeSendMessage, SessionID: sessionID, Content: content}
}

// NewInterrupt builds an interrupt envelope.
func NewInterrupt(sessionID string) *Interrupt {
	return &Interrupt{Type: TypeInterrupt, SessionID: sessionID}
}

// EncodeEnvelope serializes an envelope to a JSON text frame.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", e.envelopeType(), err)
	}
	return data, nil
}

// DecodeEnvelope parses a JSON text frame into a typed envelope. Unrecognized
// type tags decode to *Unknown rather than an error so new relay message
// types never break old clients.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var (
		env Envelope
		err error
	)
	switch probe.Type {
	case TypeAuth:
		env, err = unmarshalAs[Auth](data)
	case TypeSubscribe:
		env, err = unmarshalAs[Subscribe](data)
	case TypeUnsubscribe:
		env, err = unmarshalAs[Unsubscribe](data)
	case TypeSendMessage:
		env, err = unmarshalAs[SendMessage](data)
	case TypeInterrupt:
		env, err = unmarshalAs[Interrupt](data)
	case TypeAuthSuccess:
		env, err = unmarshalAs[AuthSuccess](data)
	case TypeAuthError:
		env, err = unmarshalAs[AuthError](data)
	case TypeSessionList:
		env, err = unmarshalAs[SessionList](data)
	case TypeSessionStatus:
		env, err = unmarshalAs[SessionStatus](data)
	case TypeSessionCreated:
		env, err = unmarshalAs[SessionCreated](data)
	case TypeSessionUpdated:
		env, err = unmarshalAs[SessionUpdated](data)
	case TypeSessionDeleted:
		env, err = unmarshalAs[SessionDeleted](data)
	case TypeChatMessage:
		env, err = unmarshalAs[ChatMessage](data)
	case TypeChatHistory:
		env, err = unmarshalAs[ChatHistory](data)
	case TypeError:
		env, err = unmarshalAs[ErrorMsg](data)
	default:
		return &Unknown{Type: probe.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s envelope: %w", probe.Type, err)
	}
	return env, nil
}

func unmarshalAs[T any](data []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
