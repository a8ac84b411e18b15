package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// AgentEvent types, as emitted by the agent CLI's stream-json output.
const (
	EventSystem    = "system"
	EventUser      = "user"
	EventAssistant = "assistant"
	EventResult    = "result"
	EventRaw       = "raw" // bare string carried in a chat_message
)

// System subtypes.
const (
	SubtypeInit    = "init"
	SubtypeSuccess = "success"
	SubtypeError   = "error"
	SubtypeResumed = "resumed"
	SubtypeStopped = "stopped"
)

// Content block types inside assistant/user messages.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockImage      = "image"
)

// AgentEvent is one decoded record from the agent process's newline-delimited
// JSON stream. The union is flattened: only the fields for the event's Type
// are populated. Raw holds the original bytes so persisted transcripts
// round-trip without loss.
type AgentEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system/init metadata
	SessionID      string `json:"session_id,omitempty"`
	Model          string `json:"model,omitempty"`
	CWD            string `json:"cwd,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`

	// user/assistant payload
	Message *AgentMessage `json:"message,omitempty"`

	// result metrics
	DurationMS   int     `json:"duration_ms,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	Result       string  `json:"result,omitempty"`

	// UUID is a provider-assigned event id, present on some streams.
	UUID string `json:"uuid,omitempty"`

	// Text is set only for EventRaw.
	Text string `json:"text,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// AgentMessage is the nested message body of user/assistant events.
// Content is either a JSON string or an array of content blocks; it is kept
// raw and interpreted on demand.
type AgentMessage struct {
	ID      string          `json:"id,omitempty"`
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// ContentBlock is one element of an assistant message's content array.
type ContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource is the base64 payload of an image block.
type ImageSource struct {
	Type      string `json:"type"` // always "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Blocks parses the message content as a block array. A plain-string content
// is returned as a single text block.
func (m *AgentMessage) Blocks() []ContentBlock {
	if m == nil || len(m.Content) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err == nil {
		return blocks
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return []ContentBlock{{Type: BlockText, Text: s}}
	}
	return nil
}

// DecodeAgentEvent parses one record from the agent stream. A record that is
// a bare JSON string (the relay forwards plain-text chat messages that way)
// decodes to an EventRaw.
func DecodeAgentEvent(record []byte) (*AgentEvent, error) {
	trimmed := strings.TrimSpace(string(record))
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(record, &s); err != nil {
			return nil, fmt.Errorf("decode agent event: %w", err)
		}
		return &AgentEvent{Type: EventRaw, Text: s, Raw: append(json.RawMessage(nil), record...)}, nil
	}
	var ev AgentEvent
	if err := json.Unmarshal(record, &ev); err != nil {
		return nil, fmt.Errorf("decode agent event: %w", err)
	}
	ev.Raw = append(json.RawMessage(nil), record...)
	return &ev, nil
}

// EncodeUserMessage frames user input for the agent process's stdin:
// {"type":"user","message":{"role":"user","content":...}} with a trailing
// newline, since the process consumes newline-delimited JSON. Content is a
// plain string when no images are attached; with images it becomes a block
// array with image blocks first and the text block last.
func EncodeUserMessage(content string, images []ImageSource) ([]byte, error) {
	var body any
	if len(images) == 0 {
		body = content
	} else {
		blocks := make([]ContentBlock, 0, len(images)+1)
		for i := range images {
			img := images[i]
			blocks = append(blocks, ContentBlock{Type: BlockImage, Source: &img})
		}
		if content != "" {
			blocks = append(blocks, ContentBlock{Type: BlockText, Text: content})
		}
		body = blocks
	}

	frame := struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content any    `json:"content"`
		} `json:"message"`
	}{Type: EventUser}
	frame.Message.Role = "user"
	frame.Message.Content = body

	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode user message: %w", err)
	}
	return append(data, '\n'), nil
}

const keyPreviewLen = 100

// DedupKey derives a stable, content-addressed identity for an event, used
// to drop duplicate deliveries of the same logical message. The same message
// can arrive twice with no shared transport id (optimistic local echo plus a
// server replay), so identity comes from content, not sequence numbers.
// Events with no reliable identity return "" and are never deduplicated.
func (ev *AgentEvent) DedupKey(sessionID string) string {
	switch ev.Type {
	case EventUser:
		return "user:" + preview(ev.contentString())
	case EventAssistant:
		if ev.Message != nil && ev.Message.ID != "" {
			return "assistant:" + ev.Message.ID
		}
		return "assistant:" + preview(ev.contentString())
	case EventSystem:
		if ev.Subtype == SubtypeInit {
			return "init:" + sessionID
		}
		return ""
	case EventResult:
		if ev.UUID != "" {
			return "result:" + ev.UUID
		}
		return "result:" + preview(ev.Result) + ":" + strconv.FormatBool(ev.IsError)
	default:
		return ""
	}
}

func (ev *AgentEvent) contentString() string {
	if ev.Message == nil {
		return ""
	}
	return string(ev.Message.Content)
}

func preview(s string) string {
	if len(s) > keyPreviewLen {
		return s[:keyPreviewLen]
	}
	return s
}
