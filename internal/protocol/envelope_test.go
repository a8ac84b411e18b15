package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeEnvelopeVariants(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want func(t *testing.T, env Envelope)
	}{
		{
			"auth", `{"type":"auth","token":"tok123"}`,
			func(t *testing.T, env Envelope) {
				a, ok := env.(*Auth)
				if !ok {
					t.Fatalf("got %T, want *Auth", env)
				}
				if a.Token != "tok123" {
					t.Errorf("Token = %q", a.Token)
				}
			},
		},
		{
			"subscribe", `{"type":"subscribe","sessionId":"s1"}`,
			func(t *testing.T, env Envelope) {
				s, ok := env.(*Subscribe)
				if !ok {
					t.Fatalf("got %T, want *Subscribe", env)
				}
				if s.SessionID != "s1" {
					t.Errorf("SessionID = %q", s.SessionID)
				}
			},
		},
		{
			"chat_message", `{"type":"chat_message","sessionId":"s1","message":{"type":"assistant"}}`,
			func(t *testing.T, env Envelope) {
				m, ok := env.(*ChatMessage)
				if !ok {
					t.Fatalf("got %T, want *ChatMessage", env)
				}
				if m.SessionID != "s1" || len(m.Message) == 0 {
					t.Errorf("SessionID = %q, Message = %s", m.SessionID, m.Message)
				}
			},
		},
		{
			"chat_history", `{"type":"chat_history","sessionId":"s1","messages":[{"type":"user"},{"type":"assistant"}]}`,
			func(t *testing.T, env Envelope) {
				h, ok := env.(*ChatHistory)
				if !ok {
					t.Fatalf("got %T, want *ChatHistory", env)
				}
				if len(h.Messages) != 2 {
					t.Errorf("len(Messages) = %d, want 2", len(h.Messages))
				}
			},
		},
		{
			"session_status", `{"type":"session_status","sessionId":"s1","status":{"running":true,"model":"m"}}`,
			func(t *testing.T, env Envelope) {
				st, ok := env.(*SessionStatus)
				if !ok {
					t.Fatalf("got %T, want *SessionStatus", env)
				}
				if !st.Status.Running || st.Status.Model != "m" {
					t.Errorf("Status = %+v", st.Status)
				}
			},
		},
		{
			"auth_error", `{"type":"auth_error","message":"bad token"}`,
			func(t *testing.T, env Envelope) {
				e, ok := env.(*AuthError)
				if !ok {
					t.Fatalf("got %T, want *AuthError", env)
				}
				if e.Message != "bad token" {
					t.Errorf("Message = %q", e.Message)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.raw))
			if err != nil {
				t.Fatalf("DecodeEnvelope: %v", err)
			}
			tt.want(t, env)
		})
	}
}

func TestDecodeEnvelopeUnknownType(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"hologram","x":1}`))
	if err != nil {
		t.Fatalf("unknown type should not error: %v", err)
	}
	u, ok := env.(*Unknown)
	if !ok {
		t.Fatalf("got %T, want *Unknown", env)
	}
	if u.Type != "hologram" {
		t.Errorf("Type = %q", u.Type)
	}
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`{"type":`)); err == nil {
		t.Error("malformed JSON should error")
	}
}

func TestEncodeEnvelopeRoundTrip(t *testing.T) {
	data, err := EncodeEnvelope(NewSendMessage("s1", "hello"))
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}
	env, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	m, ok := env.(*SendMessage)
	if !ok {
		t.Fatalf("got %T, want *SendMessage", env)
	}
	if m.SessionID != "s1" || m.Content != "hello" {
		t.Errorf("round trip = %+v", m)
	}
}

func TestEncodeUserMessagePlain(t *testing.T) {
	data, err := EncodeUserMessage("run the tests", nil)
	if err != nil {
		t.Fatalf("EncodeUserMessage: %v", err)
	}
	if !strings.HasSuffix(string(data), "\n") {
		t.Error("frame must end with a single newline")
	}
	if strings.Count(string(data), "\n") != 1 {
		t.Error("frame must contain exactly one newline")
	}

	var frame struct {
		Type    string `json:"type"`
		Message struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if frame.Type != "user" || frame.Message.Role != "user" {
		t.Errorf("frame = %+v", frame)
	}
	var content string
	if err := json.Unmarshal(frame.Message.Content, &content); err != nil {
		t.Fatalf("content should be a plain string: %v", err)
	}
	if content != "run the tests" {
		t.Errorf("content = %q", content)
	}
}

func TestEncodeUserMessageWithImages(t *testing.T) {
	imgs := []ImageSource{
		{Type: "base64", MediaType: "image/png", Data: "aGk="},
		{Type: "base64", MediaType: "image/jpeg", Data: "eW8="},
	}
	data, err := EncodeUserMessage("what is this?", imgs)
	if err != nil {
		t.Fatalf("EncodeUserMessage: %v", err)
	}

	var frame struct {
		Message struct {
			Content []ContentBlock `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	blocks := frame.Message.Content
	if len(blocks) != 3 {
		t.Fatalf("len(blocks) = %d, want 3", len(blocks))
	}
	// image blocks must precede the trailing text block
	if blocks[0].Type != BlockImage || blocks[1].Type != BlockImage {
		t.Errorf("blocks[0..1] = %q, %q, want image blocks first", blocks[0].Type, blocks[1].Type)
	}
	if blocks[2].Type != BlockText || blocks[2].Text != "what is this?" {
		t.Errorf("blocks[2] = %+v, want trailing text block", blocks[2])
	}
	if blocks[0].Source == nil || blocks[0].Source.MediaType != "image/png" {
		t.Errorf("blocks[0].Source = %+v", blocks[0].Source)
	}
}
