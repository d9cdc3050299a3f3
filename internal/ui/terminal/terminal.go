// Package terminal renders a chat session as a line-oriented console UI.
package terminal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/zhouzirui/carelink/internal/model/chat"
	chatService "github.com/zhouzirui/carelink/internal/service/chat"
	"github.com/zhouzirui/carelink/internal/service/transport"
)

const timeLayout = "15:04"

// Session is the part of a chat session the console drives.
type Session interface {
	Snapshot() chat.Snapshot
	Updates() <-chan struct{}
	Send(text string) error
	Reconnect() error
}

// UI prints new log entries and status changes, and turns input lines into actions.
type UI struct {
	session Session
	self    chat.Participant
	in      io.Reader
	out     io.Writer

	mu         sync.Mutex
	printed    int
	lastStatus chat.Status
}

// New binds a console to session. self names the local user's outgoing lines.
func New(session Session, self chat.Participant, in io.Reader, out io.Writer) *UI {
	return &UI{
		session: session,
		self:    self,
		in:      in,
		out:     out,
	}
}

// Run renders until ctx ends, input is exhausted or the user types /quit.
func (u *UI) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(u.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	u.help()
	u.Render()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-u.session.Updates():
			u.Render()
		case err := <-readErr:
			u.Render()
			return err
		case line := <-lines:
			if quit := u.Handle(line); quit {
				return nil
			}
			u.Render()
		}
	}
}

// Handle applies one input line. It reports whether the user asked to quit.
func (u *UI) Handle(line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}

	switch strings.ToLower(input) {
	case "/quit", "/exit":
		return true
	case "/status":
		snap := u.session.Snapshot()
		u.printf("* Status: %s\n", snap.Status.Label())
		return false
	case "/reconnect":
		u.reconnect()
		return false
	case "/help":
		u.help()
		return false
	}

	if strings.HasPrefix(input, "/") {
		u.printf("* Unknown command %s. Type /help for commands.\n", input)
		return false
	}

	err := u.session.Send(input)
	switch {
	case err == nil, errors.Is(err, chatService.ErrEmptyMessage):
	case errors.Is(err, transport.ErrNotConnected):
		// the session logged its own notice
	default:
		u.printf("* %v\n", err)
	}
	return false
}

func (u *UI) reconnect() {
	snap := u.session.Snapshot()
	if !snap.CanReconnect {
		u.printf("* Reconnect is not available while %s.\n", strings.ToLower(snap.Status.Label()))
		return
	}
	if err := u.session.Reconnect(); err != nil {
		u.printf("* Reconnect failed: %v\n", err)
	}
}

// Render prints every message not shown yet, then the status line if it changed.
func (u *UI) Render() {
	snap := u.session.Snapshot()

	u.mu.Lock()
	defer u.mu.Unlock()

	// the log only shrinks on teardown
	if u.printed > len(snap.Messages) {
		u.printed = 0
	}
	for _, m := range snap.Messages[u.printed:] {
		fmt.Fprintln(u.out, u.format(m, snap.Partner))
	}
	u.printed = len(snap.Messages)

	if snap.Status != u.lastStatus {
		u.lastStatus = snap.Status
		fmt.Fprintln(u.out, statusLine(snap))
	}
}

func (u *UI) format(m chat.Message, partner chat.Participant) string {
	switch m.Origin {
	case chat.OriginSystem:
		return "* " + m.Content
	case chat.OriginOutgoing:
		return fmt.Sprintf("[%s] %s: %s", m.Timestamp.Local().Format(timeLayout), u.self.Name(), m.Content)
	default:
		return fmt.Sprintf("[%s] %s: %s", m.Timestamp.Local().Format(timeLayout), partner.Name(), m.Content)
	}
}

func statusLine(snap chat.Snapshot) string {
	line := fmt.Sprintf("-- %s --", snap.Status.Label())
	if snap.CanReconnect {
		line += " type /reconnect to try again"
	}
	return line
}

func (u *UI) help() {
	u.printf("Commands: /reconnect, /status, /quit. Anything else is sent to your chat partner.\n")
}

func (u *UI) printf(format string, args ...any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprintf(u.out, format, args...)
}
