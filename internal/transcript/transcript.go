package transcript

import (
	"sync"

	"github.com/perchlabs/perch/internal/protocol"
)

// Transcript is the single logical conversation view for one session.
// Append-only except for Clear. Safe to use from interleaved callbacks
// (transport reads, timers, user actions).
type Transcript struct {
	mu        sync.Mutex
	sessionID string
	entries   []*protocol.AgentEvent
	dedup     *Deduplicator
}

func New(sessionID string) *Transcript {
	return &Transcript{
		sessionID: sessionID,
		dedup:     NewDeduplicator(),
	}
}

// Append admits an event unless its identity key has already been seen.
// Returns true if the event was added.
func (t *Transcript) Append(ev *protocol.AgentEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dedup.IsDuplicate(t.sessionID, ev) {
		return false
	}
	t.dedup.MarkSeen(t.sessionID, ev)
	t.entries = append(t.entries, ev)
	return true
}

// Reconcile merges an authoritative history batch with the current local
// transcript. Local messages whose key was seen before but is absent from
// the batch are optimistic sends the server has not echoed yet; they are
// preserved after the batch, in their original relative order. Everything
// else is replaced by the batch. The seen-set is rebuilt from the union, so
// a later echo of a preserved message is still recognized as a duplicate.
func (t *Transcript) Reconcile(history []*protocol.AgentEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	incoming := make(map[string]struct{}, len(history))
	for _, ev := range history {
		if key := ev.DedupKey(t.sessionID); key != "" {
			incoming[key] = struct{}{}
		}
	}

	var leftovers []*protocol.AgentEvent
	for _, ev := range t.entries {
		key := ev.DedupKey(t.sessionID)
		if key == "" {
			continue
		}
		if _, echoed := incoming[key]; echoed {
			continue
		}
		if t.dedup.Seen(t.sessionID, key) {
			leftovers = append(leftovers, ev)
		}
	}

	t.dedup.Clear(t.sessionID)
	merged := make([]*protocol.AgentEvent, 0, len(history)+len(leftovers))
	for _, ev := range history {
		if t.dedup.IsDuplicate(t.sessionID, ev) {
			continue
		}
		t.dedup.MarkSeen(t.sessionID, ev)
		merged = append(merged, ev)
	}
	for _, ev := range leftovers {
		t.dedup.MarkSeen(t.sessionID, ev)
		merged = append(merged, ev)
	}
	t.entries = merged
}

// Entries returns a snapshot of the transcript for rendering.
func (t *Transcript) Entries() []*protocol.AgentEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*protocol.AgentEvent, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of admitted entries.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Clear drops the transcript and its seen-keys atomically.
func (t *Transcript) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
	t.dedup.Clear(t.sessionID)
}
