package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/perchlabs/perch/internal/diff"
	"github.com/perchlabs/perch/internal/protocol"
	"github.com/perchlabs/perch/internal/relay"
	"github.com/perchlabs/perch/internal/session"
)

func attachCmd() *cobra.Command {
	var relayFlag, tokenFlag string
	cmd := &cobra.Command{
		Use:   "attach <session-id>",
		Short: "Attach an interactive terminal to a session",
		Long:  "Streams the session transcript to stdout and forwards stdin lines to the agent. Typing into a stopped session starts it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttach(relayFlag, tokenFlag, args[0])
		},
	}
	relayFlags(cmd, &relayFlag, &tokenFlag)
	return cmd
}

// printer renders transcript growth and state changes to the terminal.
type printer struct {
	mu      sync.Mutex
	printed map[string]int // sessionID → entries already rendered
	reg     *session.Registry
}

func (p *printer) StateChanged(sessionID string, state session.ActivityState) {
	fmt.Printf("[%s]\n", state)
}

func (p *printer) TranscriptUpdated(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sess := p.reg.Get(sessionID)
	if sess == nil {
		return
	}
	entries := sess.Transcript().Entries()
	for _, ev := range entries[p.printed[sessionID]:] {
		renderEvent(ev)
	}
	p.printed[sessionID] = len(entries)
}

func renderEvent(ev *protocol.AgentEvent) {
	switch ev.Type {
	case protocol.EventSystem:
		if ev.Subtype == protocol.SubtypeInit {
			fmt.Printf("* session ready (model %s)\n", ev.Model)
		}
	case protocol.EventUser:
		for _, b := range ev.Message.Blocks() {
			if b.Type == protocol.BlockText {
				fmt.Printf("> %s\n", b.Text)
			}
		}
	case protocol.EventAssistant:
		for _, b := range ev.Message.Blocks() {
			switch b.Type {
			case protocol.BlockText:
				fmt.Println(b.Text)
			case protocol.BlockToolUse:
				fmt.Printf("* using tool %s\n", b.Name)
				renderEdit(b.Input)
			}
		}
	case protocol.EventResult:
		if ev.IsError {
			fmt.Printf("* turn failed: %s\n", ev.Result)
		} else {
			fmt.Printf("* done (%d turns, $%.4f)\n", ev.NumTurns, ev.TotalCostUSD)
		}
	case protocol.EventRaw:
		fmt.Println(ev.Text)
	}
}

// renderEdit shows a line diff for edit-style tool calls that carry an old
// and new string in their input.
func renderEdit(input []byte) {
	if len(input) == 0 {
		return
	}
	var edit struct {
		FilePath  string `json:"file_path"`
		OldString string `json:"old_string"`
		NewString string `json:"new_string"`
	}
	if err := json.Unmarshal(input, &edit); err != nil {
		return
	}
	if edit.OldString == "" && edit.NewString == "" {
		return
	}

	ops := diff.Coalesce(diff.Lines(
		strings.Split(edit.OldString, "\n"),
		strings.Split(edit.NewString, "\n"),
	))
	for _, op := range ops {
		switch op.Kind {
		case diff.Unchanged:
			fmt.Printf("    %s\n", op.Old)
		case diff.Removed:
			fmt.Printf("  - %s\n", op.Old)
		case diff.Added:
			fmt.Printf("  + %s\n", op.New)
		case diff.Modified:
			fmt.Printf("  - %s\n  + %s\n", op.Old, op.New)
		}
	}
}

func runAttach(relayURL, token, sessionID string) error {
	starter := relay.NewHTTPStarter(relayURL, token)
	p := &printer{printed: make(map[string]int)}
	reg := session.NewRegistry(wsURL(relayURL), token, starter, p)
	p.reg = reg

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sess := reg.Attach(ctx, sessionID)
	defer reg.Detach(sessionID)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "/quit" {
				return nil
			}
			if line == "/interrupt" {
				if err := sess.Interrupt(); err != nil {
					fmt.Fprintf(os.Stderr, "interrupt: %v\n", err)
				}
				continue
			}
			if err := sess.SendMessage(line); err != nil {
				fmt.Fprintf(os.Stderr, "send: %v\n", err)
			}
		}
	}
}

// wsURL maps the relay's HTTP base URL to its WebSocket endpoint.
func wsURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}
