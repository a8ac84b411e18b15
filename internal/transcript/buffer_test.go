package transcript

import (
	"testing"

	"github.com/perchlabs/perch/internal/protocol"
)

type memStore struct {
	buffers map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{buffers: make(map[string][]byte)}
}

func (m *memStore) SaveBuffer(sessionID string, data []byte) error {
	m.buffers[sessionID] = data
	return nil
}

func (m *memStore) LoadBuffer(sessionID string) ([]byte, error) {
	return m.buffers[sessionID], nil
}

func TestBufferRoundTrip(t *testing.T) {
	tr := New("s1")
	tr.Append(mustEvent(t, `{"type":"system","subtype":"init","model":"m"}`))
	tr.Append(mustEvent(t, `{"type":"user","message":{"content":"hi"}}`))
	tr.Append(mustEvent(t, `{"type":"assistant","message":{"id":"msg_1","content":[{"type":"text","text":"hello"}]}}`))

	store := newMemStore()
	if err := tr.Save(store); err != nil {
		t.Fatalf("Save: %v", err)
	}

	restored := New("s1")
	if err := restored.Load(store); err != nil {
		t.Fatalf("Load: %v", err)
	}

	orig, got := tr.Entries(), restored.Entries()
	if len(got) != len(orig) {
		t.Fatalf("len = %d, want %d", len(got), len(orig))
	}
	for i := range orig {
		if string(got[i].Raw) != string(orig[i].Raw) {
			t.Errorf("entry %d: got %s, want %s", i, got[i].Raw, orig[i].Raw)
		}
	}
}

func TestRestoreCollapsesDuplicateInits(t *testing.T) {
	// repeated restarts leave several system/init records; only the latest
	// survives a load
	data := []byte(`[
		{"type":"system","subtype":"init","model":"old-model"},
		{"type":"user","message":{"content":"hi"}},
		{"type":"system","subtype":"init","model":"new-model"}
	]`)

	tr := New("s1")
	if err := tr.Restore(data); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	entries := tr.Entries()
	inits := 0
	var kept *protocol.AgentEvent
	for _, ev := range entries {
		if ev.Type == protocol.EventSystem && ev.Subtype == protocol.SubtypeInit {
			inits++
			kept = ev
		}
	}
	if inits != 1 {
		t.Fatalf("init records = %d, want 1", inits)
	}
	if kept.Model != "new-model" {
		t.Errorf("kept init model = %q, want the latest", kept.Model)
	}
	if len(entries) != 2 {
		t.Errorf("len = %d, want 2", len(entries))
	}
}

func TestRestoreSkipsBadRecords(t *testing.T) {
	data := []byte(`[{"type":"user","message":{"content":"ok"}}, 42, {"type":"user","message":{"content":"also ok"}}]`)
	tr := New("s1")
	if err := tr.Restore(data); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if tr.Len() != 2 {
		t.Errorf("len = %d, want 2 (bad record dropped, rest kept)", tr.Len())
	}
}

func TestLoadMissingBufferIsNoop(t *testing.T) {
	tr := New("s1")
	tr.Append(mustEvent(t, `{"type":"user","message":{"content":"hi"}}`))
	if err := tr.Load(newMemStore()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tr.Len() != 1 {
		t.Errorf("missing buffer must not clear the transcript")
	}
}
