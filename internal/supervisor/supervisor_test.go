package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/perchlabs/perch/internal/config"
	"github.com/perchlabs/perch/internal/protocol"
	"github.com/perchlabs/perch/internal/store"
)

type fakeSink struct {
	mu      sync.Mutex
	events  []json.RawMessage
	running []bool
	touched chan string
	eventCh chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		touched: make(chan string, 16),
		eventCh: make(chan struct{}, 64),
	}
}

func (f *fakeSink) DeliverEvent(sessionID string, raw json.RawMessage) {
	f.mu.Lock()
	f.events = append(f.events, append(json.RawMessage(nil), raw...))
	f.mu.Unlock()
	select {
	case f.eventCh <- struct{}{}:
	default:
	}
}

func (f *fakeSink) SessionRunningChanged(sessionID string, running bool) {
	f.mu.Lock()
	f.running = append(f.running, running)
	f.mu.Unlock()
}

func (f *fakeSink) SessionTouched(sessionID string) {
	select {
	case f.touched <- sessionID:
	default:
	}
}

func (f *fakeSink) lastRunning(t *testing.T, want bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := len(f.running)
		var last bool
		if n > 0 {
			last = f.running[n-1]
		}
		f.mu.Unlock()
		if n > 0 && last == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("running state never became %v", want)
}

func (f *fakeSink) waitEvent(t *testing.T, match func(*protocol.AgentEvent) bool) *protocol.AgentEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		f.mu.Lock()
		for _, raw := range f.events {
			ev, err := protocol.DecodeAgentEvent(raw)
			if err != nil {
				continue
			}
			if match(ev) {
				f.mu.Unlock()
				return ev
			}
		}
		f.mu.Unlock()
		select {
		case <-f.eventCh:
		case <-deadline:
			t.Fatal("expected event never arrived")
			return nil
		}
	}
}

// writeAgentScript installs a fake agent CLI that speaks just enough of the
// stream-json protocol for the supervisor.
func writeAgentScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	script := "#!/bin/sh\nstty -echo 2>/dev/null\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write agent script: %v", err)
	}
	return path
}

func newTestSupervisor(t *testing.T, agentPath string) (*Supervisor, *fakeSink, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sup.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.CreateSession(protocol.SessionInfo{ID: "s1", CreatedAt: time.Now().Unix()}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	sink := newFakeSink()
	sup := New(config.AgentConfig{Command: agentPath}, st, sink)
	t.Cleanup(sup.Shutdown)
	return sup, sink, st
}

const initLine = `{"type":"system","subtype":"init","session_id":"s1","model":"fake-model"}`

func TestStartSessionWaitsForInit(t *testing.T) {
	agent := writeAgentScript(t, `
echo '`+initLine+`'
sleep 60
`)
	sup, sink, _ := newTestSupervisor(t, agent)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sup.StartSession(ctx, "s1"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if !sup.Running("s1") {
		t.Fatal("session should be running")
	}
	sink.lastRunning(t, true)

	ev := sink.waitEvent(t, func(ev *protocol.AgentEvent) bool {
		return ev.Type == protocol.EventSystem && ev.Subtype == protocol.SubtypeInit
	})
	if ev.Model != "fake-model" {
		t.Fatalf("unexpected init model %q", ev.Model)
	}
}

func TestStartSessionIdempotent(t *testing.T) {
	agent := writeAgentScript(t, `
echo '`+initLine+`'
sleep 60
`)
	sup, _, _ := newTestSupervisor(t, agent)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sup.StartSession(ctx, "s1"); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := sup.StartSession(ctx, "s1"); err != nil {
		t.Fatalf("second start should be a no-op: %v", err)
	}
}

func TestStartSessionFailsWhenAgentDiesBeforeInit(t *testing.T) {
	agent := writeAgentScript(t, `exit 1`)
	sup, _, _ := newTestSupervisor(t, agent)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sup.StartSession(ctx, "s1"); err == nil {
		t.Fatal("expected start failure")
	}
	if sup.Running("s1") {
		t.Fatal("dead agent should not be running")
	}
}

func TestStartSessionUnknownSession(t *testing.T) {
	agent := writeAgentScript(t, `exit 0`)
	sup, _, _ := newTestSupervisor(t, agent)

	ctx := context.Background()
	if err := sup.StartSession(ctx, "nope"); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestSendMessageReachesAgent(t *testing.T) {
	// the fake agent answers every input line with one assistant event
	agent := writeAgentScript(t, `
echo '`+initLine+`'
while read line; do
  echo '{"type":"assistant","message":{"id":"m1","role":"assistant","content":[{"type":"text","text":"ack"}]}}'
done
`)
	sup, sink, _ := newTestSupervisor(t, agent)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sup.StartSession(ctx, "s1"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := sup.SendMessage("s1", "hello"); err != nil {
		t.Fatalf("send message: %v", err)
	}

	sink.waitEvent(t, func(ev *protocol.AgentEvent) bool {
		return ev.Type == protocol.EventAssistant
	})
}

func TestSendMessageNotRunning(t *testing.T) {
	agent := writeAgentScript(t, `exit 0`)
	sup, _, _ := newTestSupervisor(t, agent)

	if err := sup.SendMessage("s1", "hello"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if err := sup.Interrupt("s1"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestStopReportsNotRunning(t *testing.T) {
	agent := writeAgentScript(t, `
echo '`+initLine+`'
sleep 60
`)
	sup, sink, _ := newTestSupervisor(t, agent)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sup.StartSession(ctx, "s1"); err != nil {
		t.Fatalf("start session: %v", err)
	}

	sup.Stop("s1")
	sink.lastRunning(t, false)
	if sup.Running("s1") {
		t.Fatal("stopped session still reported running")
	}
}

func TestWatcherDebouncesTouches(t *testing.T) {
	sink := newFakeSink()
	w := newWatcher(sink)
	defer w.close()

	dir := t.TempDir()
	if err := w.watch("s1", dir); err != nil {
		t.Fatalf("watch: %v", err)
	}

	for i := 0; i < 3; i++ {
		name := filepath.Join(dir, "f"+string(rune('a'+i)))
		if err := os.WriteFile(name, []byte("x"), 0o644); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}

	select {
	case id := <-sink.touched:
		if id != "s1" {
			t.Fatalf("touched wrong session %q", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no touch notification")
	}
}
