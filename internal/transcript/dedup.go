// Package transcript owns the client-side view of a session's conversation:
// the append-only transcript, content-addressed deduplication, reconciliation
// of server history against optimistic local state, and persisted-buffer
// round-tripping. Nothing else mutates a session's transcript or seen-keys.
package transcript

import "github.com/perchlabs/perch/internal/protocol"

// Deduplicator tracks which message identities have already been admitted,
// per session. A message with no derivable key is never deduplicated.
type Deduplicator struct {
	seen map[string]map[string]struct{}
}

func NewDeduplicator() *Deduplicator {
	return &Deduplicator{seen: make(map[string]map[string]struct{})}
}

// IsDuplicate reports whether the event's identity key has been seen for the
// session. A keyless event is always fresh.
func (d *Deduplicator) IsDuplicate(sessionID string, ev *protocol.AgentEvent) bool {
	key := ev.DedupKey(sessionID)
	if key == "" {
		return false
	}
	_, dup := d.seen[sessionID][key]
	return dup
}

// MarkSeen records the event's identity key. Keyless events never register.
func (d *Deduplicator) MarkSeen(sessionID string, ev *protocol.AgentEvent) {
	key := ev.DedupKey(sessionID)
	if key == "" {
		return
	}
	set := d.seen[sessionID]
	if set == nil {
		set = make(map[string]struct{})
		d.seen[sessionID] = set
	}
	set[key] = struct{}{}
}

// Seen reports whether a raw key is in the session's set.
func (d *Deduplicator) Seen(sessionID, key string) bool {
	_, ok := d.seen[sessionID][key]
	return ok
}

// Clear drops the session's key set. Called together with a transcript clear
// so the two never drift apart.
func (d *Deduplicator) Clear(sessionID string) {
	delete(d.seen, sessionID)
}
