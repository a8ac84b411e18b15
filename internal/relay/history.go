package relay

import (
	"encoding/json"
	"sync"

	"github.com/perchlabs/perch/internal/logger"
	"github.com/perchlabs/perch/internal/protocol"
	"github.com/perchlabs/perch/internal/store"
)

// history is the relay's authoritative per-session event log: appended on
// every delivered agent event, persisted through the store, and replayed as
// chat_history on subscribe.
type history struct {
	store *store.Store

	mu     sync.Mutex
	events map[string][]json.RawMessage
}

func newHistory(st *store.Store) *history {
	return &history{store: st, events: make(map[string][]json.RawMessage)}
}

// get returns the session's events, loading the persisted buffer on first
// access.
func (h *history) get(sessionID string) []json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loadLocked(sessionID)
	out := make([]json.RawMessage, len(h.events[sessionID]))
	copy(out, h.events[sessionID])
	return out
}

// append records one event and persists the updated buffer.
func (h *history) append(sessionID string, raw json.RawMessage) {
	h.mu.Lock()
	h.loadLocked(sessionID)
	h.events[sessionID] = append(h.events[sessionID], append(json.RawMessage(nil), raw...))
	buf, err := json.Marshal(h.events[sessionID])
	h.mu.Unlock()
	if err != nil {
		logger.Warn("marshal history", "session", sessionID, "err", err)
		return
	}
	if err := h.store.SaveBuffer(sessionID, buf); err != nil {
		logger.Warn("persist history", "session", sessionID, "err", err)
	}
}

// clear drops a session's log, in memory and in the store.
func (h *history) clear(sessionID string) {
	h.mu.Lock()
	h.events[sessionID] = []json.RawMessage{}
	h.mu.Unlock()
	if err := h.store.SaveBuffer(sessionID, []byte("[]")); err != nil {
		logger.Warn("clear history", "session", sessionID, "err", err)
	}
}

func (h *history) loadLocked(sessionID string) {
	if _, ok := h.events[sessionID]; ok {
		return
	}
	h.events[sessionID] = []json.RawMessage{}
	data, err := h.store.LoadBuffer(sessionID)
	if err != nil {
		logger.Warn("load history", "session", sessionID, "err", err)
		return
	}
	if data == nil {
		return
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		logger.Warn("decode persisted history", "session", sessionID, "err", err)
		return
	}
	h.events[sessionID] = collapseInits(raws)
}

// collapseInits keeps only the most recent system/init record in a loaded
// buffer. The agent emits a fresh init on every start, and clients key all
// inits for a session identically, so replaying an old one would pin stale
// model and working-directory metadata.
func collapseInits(raws []json.RawMessage) []json.RawMessage {
	latest := -1
	for i, raw := range raws {
		ev, err := protocol.DecodeAgentEvent(raw)
		if err != nil {
			continue
		}
		if ev.Type == protocol.EventSystem && ev.Subtype == protocol.SubtypeInit {
			latest = i
		}
	}
	if latest < 0 {
		return raws
	}
	out := make([]json.RawMessage, 0, len(raws))
	for i, raw := range raws {
		if i != latest {
			if ev, err := protocol.DecodeAgentEvent(raw); err == nil &&
				ev.Type == protocol.EventSystem && ev.Subtype == protocol.SubtypeInit {
				continue
			}
		}
		out = append(out, raw)
	}
	return out
}
