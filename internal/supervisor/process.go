// Package supervisor owns the agent CLI processes behind sessions: it spawns
// them on a PTY, decodes their NDJSON output stream, and forwards user input
// and interrupts.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/perchlabs/perch/internal/config"
	"github.com/perchlabs/perch/internal/logger"
	"github.com/perchlabs/perch/internal/protocol"
	"github.com/perchlabs/perch/internal/store"
)

const (
	// how long we wait for the CLI's init event before declaring the start
	// failed
	initTimeout = 30 * time.Second

	stopGrace = 5 * time.Second
)

var ErrNotRunning = errors.New("session not running")

// Sink receives everything the supervisor learns about its processes.
// *relay.Server satisfies it.
type Sink interface {
	DeliverEvent(sessionID string, raw json.RawMessage)
	SessionRunningChanged(sessionID string, running bool)
	SessionTouched(sessionID string)
}

type process struct {
	sessionID string
	cmd       *exec.Cmd
	ptmx      *os.File

	ready chan struct{} // closed when the init event arrives
	once  sync.Once

	mu sync.Mutex // serializes stdin writes
}

func (p *process) markReady() {
	p.once.Do(func() { close(p.ready) })
}

// Supervisor runs at most one agent process per session.
type Supervisor struct {
	cfg     config.AgentConfig
	store   *store.Store
	sink    Sink
	watcher *Watcher

	mu    sync.Mutex
	procs map[string]*process
}

func New(cfg config.AgentConfig, st *store.Store, sink Sink) *Supervisor {
	s := &Supervisor{
		cfg:   cfg,
		store: st,
		sink:  sink,
		procs: make(map[string]*process),
	}
	s.watcher = newWatcher(sink)
	return s
}

// StartSession spawns the agent CLI for the session and blocks until the
// process confirms itself with an init event, the context ends, or the init
// timeout fires. Starting an already-running session is a no-op.
func (s *Supervisor) StartSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	if _, ok := s.procs[sessionID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	info, err := s.store.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("look up session %s: %w", sessionID, err)
	}
	workDir := info.WorkDir
	if workDir == "" {
		workDir = s.cfg.WorkDir
	}

	args := append([]string{}, s.cfg.Args...)
	args = append(args,
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	)

	cmd := exec.CommandContext(context.Background(), s.cfg.Command, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	cmd.Env = os.Environ()
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = stopGrace

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("start agent process: %w", err)
	}

	p := &process{
		sessionID: sessionID,
		cmd:       cmd,
		ptmx:      ptmx,
		ready:     make(chan struct{}),
	}

	s.mu.Lock()
	if _, ok := s.procs[sessionID]; ok {
		// lost the race: another start won
		s.mu.Unlock()
		cmd.Process.Kill()
		ptmx.Close()
		cmd.Wait()
		return nil
	}
	s.procs[sessionID] = p
	s.mu.Unlock()

	go s.readLoop(p)
	go s.reap(p)

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()
	select {
	case <-p.ready:
		// ready is also closed by the reaper, so a crash during startup
		// unblocks us here with the process already gone
		if s.get(sessionID) == nil {
			return fmt.Errorf("agent for session %s exited during startup", sessionID)
		}
	case <-initCtx.Done():
		s.Stop(sessionID)
		return fmt.Errorf("agent for session %s never confirmed start: %w", sessionID, initCtx.Err())
	}

	s.sink.SessionRunningChanged(sessionID, true)
	if workDir != "" {
		if err := s.watcher.watch(sessionID, workDir); err != nil {
			logger.Debug("workdir watch failed", "session", sessionID, "err", err)
		}
	}
	logger.Info("agent started", "session", sessionID, "pid", cmd.Process.Pid)
	return nil
}

// SendMessage frames user input as a stream-json user message and writes it
// to the agent's stdin.
func (s *Supervisor) SendMessage(sessionID, content string) error {
	p := s.get(sessionID)
	if p == nil {
		return ErrNotRunning
	}
	frame, err := protocol.EncodeUserMessage(content, nil)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.ptmx.Write(frame); err != nil {
		return fmt.Errorf("write to agent: %w", err)
	}
	return nil
}

// Interrupt signals the agent to abandon its current turn. The process keeps
// running.
func (s *Supervisor) Interrupt(sessionID string) error {
	p := s.get(sessionID)
	if p == nil {
		return ErrNotRunning
	}
	if err := p.cmd.Process.Signal(syscall.SIGINT); err != nil {
		return fmt.Errorf("interrupt agent: %w", err)
	}
	return nil
}

// Running reports whether a live process backs the session.
func (s *Supervisor) Running(sessionID string) bool {
	return s.get(sessionID) != nil
}

// Stop terminates the session's process if it is running.
func (s *Supervisor) Stop(sessionID string) {
	p := s.get(sessionID)
	if p == nil {
		return
	}
	p.cmd.Process.Signal(syscall.SIGTERM)
}

// Shutdown stops every running process and waits for the reapers to finish.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Stop(id)
	}

	deadline := time.Now().Add(stopGrace + time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		n := len(s.procs)
		s.mu.Unlock()
		if n == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	s.watcher.close()
}

func (s *Supervisor) get(sessionID string) *process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[sessionID]
}

// readLoop reassembles the PTY byte stream into NDJSON records and delivers
// every decodable event. Undecodable records are logged and dropped.
func (s *Supervisor) readLoop(p *process) {
	var lb protocol.LineBuffer
	chunk := make([]byte, 32*1024)
	for {
		n, err := p.ptmx.Read(chunk)
		if n > 0 {
			for _, record := range lb.Feed(string(chunk[:n])) {
				s.handleRecord(p, record)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				logger.Debug("agent read", "session", p.sessionID, "err", err)
			}
			return
		}
	}
}

func (s *Supervisor) handleRecord(p *process, record string) {
	ev, err := protocol.DecodeAgentEvent([]byte(record))
	if err != nil {
		logger.Debug("dropping undecodable agent record", "session", p.sessionID, "err", err)
		return
	}
	if ev.Type == protocol.EventSystem && ev.Subtype == protocol.SubtypeInit {
		p.markReady()
	}
	s.sink.DeliverEvent(p.sessionID, ev.Raw)
}

// reap waits for the process to exit and tears down its bookkeeping.
func (s *Supervisor) reap(p *process) {
	err := p.cmd.Wait()
	p.ptmx.Close()

	s.mu.Lock()
	delete(s.procs, p.sessionID)
	s.mu.Unlock()
	s.watcher.unwatch(p.sessionID)

	// an exit before init lets StartSession fail fast on a dead channel
	p.markReady()

	if err != nil {
		logger.Warn("agent exited", "session", p.sessionID, "err", err)
	} else {
		logger.Info("agent exited", "session", p.sessionID)
	}
	s.sink.SessionRunningChanged(p.sessionID, false)
}
