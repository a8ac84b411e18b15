package transcript

import (
	"encoding/json"
	"fmt"

	"github.com/perchlabs/perch/internal/protocol"
)

// BufferStore persists serialized transcript buffers. Implementations live
// outside this package (internal/store has the SQLite one).
type BufferStore interface {
	SaveBuffer(sessionID string, data []byte) error
	// LoadBuffer returns nil data with nil error when no buffer exists.
	LoadBuffer(sessionID string) ([]byte, error)
}

// Marshal serializes the transcript as a JSON array of the original event
// records, so a save → load round-trip reproduces an equivalent sequence.
func (t *Transcript) Marshal() ([]byte, error) {
	t.mu.Lock()
	raws := make([]json.RawMessage, 0, len(t.entries))
	for _, ev := range t.entries {
		if len(ev.Raw) > 0 {
			raws = append(raws, ev.Raw)
			continue
		}
		data, err := json.Marshal(ev)
		if err != nil {
			t.mu.Unlock()
			return nil, fmt.Errorf("marshal transcript entry: %w", err)
		}
		raws = append(raws, data)
	}
	t.mu.Unlock()
	return json.Marshal(raws)
}

// Restore replaces the transcript with a persisted buffer. Repeated session
// (re)starts leave duplicate system/init records in saved buffers; only the
// latest one is kept. The seen-set is rebuilt from the restored entries.
func (t *Transcript) Restore(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return fmt.Errorf("restore transcript: %w", err)
	}

	lastInit := -1
	events := make([]*protocol.AgentEvent, 0, len(raws))
	for _, raw := range raws {
		ev, err := protocol.DecodeAgentEvent(raw)
		if err != nil {
			// one bad persisted record must not lose the rest
			continue
		}
		if ev.Type == protocol.EventSystem && ev.Subtype == protocol.SubtypeInit {
			lastInit = len(events)
		}
		events = append(events, ev)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
	t.dedup.Clear(t.sessionID)
	for i, ev := range events {
		if ev.Type == protocol.EventSystem && ev.Subtype == protocol.SubtypeInit && i != lastInit {
			continue
		}
		if t.dedup.IsDuplicate(t.sessionID, ev) {
			continue
		}
		t.dedup.MarkSeen(t.sessionID, ev)
		t.entries = append(t.entries, ev)
	}
	return nil
}

// Save writes the transcript through the store.
func (t *Transcript) Save(store BufferStore) error {
	data, err := t.Marshal()
	if err != nil {
		return err
	}
	return store.SaveBuffer(t.sessionID, data)
}

// Load restores the transcript from the store, if a buffer exists.
func (t *Transcript) Load(store BufferStore) error {
	data, err := store.LoadBuffer(t.sessionID)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	return t.Restore(data)
}
