package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/zhouzirui/carelink/internal/model/chat"
	"github.com/zhouzirui/carelink/internal/service/history"
	"github.com/zhouzirui/carelink/internal/service/transport"
)

var (
	ErrEmptyMessage        = errors.New("message is empty")
	ErrMissingContext      = errors.New("session context is incomplete")
	ErrReconnectNotAllowed = errors.New("reconnect is not allowed in the current state")
	ErrAlreadyOpen         = errors.New("session already opened")
	ErrNotOpen             = errors.New("session has not been opened")
	ErrSessionClosed       = errors.New("session torn down")
)

type trigger string

const (
	triggerConnect  trigger = "connect"
	triggerOpened   trigger = "opened"
	triggerFailed   trigger = "failed"
	triggerTimedOut trigger = "timed_out"
	triggerClosed   trigger = "closed"
)

// HistoryLoader returns prior lines between self and a partner. It never fails; problems
// degrade to an empty list.
type HistoryLoader interface {
	Load(ctx context.Context, selfID, partnerID, token string) []history.Entry
}

// Session is one live conversation with a chat partner.
//
// All fields below loop are owned by the event loop and only touched from functions it runs.
type Session struct {
	id      string
	sc      chat.SessionContext
	baseURL string
	timeout time.Duration

	history HistoryLoader
	dialer  transport.Dialer
	clock   Clock
	nextID  func() string
	log     *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	updates chan struct{}

	loop     eventLoop
	sm       *stateless.StateMachine
	messages []chat.Message
	conn     transport.Conn
	gen      uint64
	timer    Timer
	opened   bool
	blocked  bool
	tornDown bool
}

func newSession(id string, sc chat.SessionContext, deps sessionDeps) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      id,
		sc:      sc,
		baseURL: deps.baseURL,
		timeout: deps.timeout,
		history: deps.history,
		dialer:  deps.dialer,
		clock:   deps.clock,
		nextID:  deps.nextID,
		log:     deps.log.With("session_id", id, "partner_id", sc.Partner.ID),
		ctx:     ctx,
		cancel:  cancel,
		updates: make(chan struct{}, 1),
	}
	s.sm = s.newMachine()
	return s
}

type sessionDeps struct {
	baseURL string
	timeout time.Duration
	history HistoryLoader
	dialer  transport.Dialer
	clock   Clock
	nextID  func() string
	log     *slog.Logger
}

func (s *Session) newMachine() *stateless.StateMachine {
	sm := stateless.NewStateMachine(chat.StatusDisconnected)

	sm.Configure(chat.StatusDisconnected).
		OnEntry(func(context.Context, ...any) error {
			s.appendSystem(noticeClosed)
			return nil
		}).
		Permit(triggerConnect, chat.StatusConnecting).
		Ignore(triggerOpened).
		Ignore(triggerFailed).
		Ignore(triggerTimedOut).
		Ignore(triggerClosed)

	sm.Configure(chat.StatusConnecting).
		OnEntry(s.enterConnecting).
		Permit(triggerOpened, chat.StatusConnected).
		Permit(triggerFailed, chat.StatusConnectionError).
		Permit(triggerTimedOut, chat.StatusConnectionTimeout).
		Permit(triggerClosed, chat.StatusDisconnected)

	sm.Configure(chat.StatusConnected).
		OnEntry(func(context.Context, ...any) error {
			s.appendSystem(noticeConnected(s.sc.Partner, s.sc.Appointment))
			return nil
		}).
		Permit(triggerFailed, chat.StatusConnectionError).
		Permit(triggerClosed, chat.StatusDisconnected).
		Ignore(triggerOpened).
		Ignore(triggerTimedOut)

	// A failing socket reports an error and then a close; the close adds nothing.
	sm.Configure(chat.StatusConnectionError).
		OnEntry(func(context.Context, ...any) error {
			s.appendSystem(noticeError)
			return nil
		}).
		Permit(triggerConnect, chat.StatusConnecting).
		Ignore(triggerOpened).
		Ignore(triggerFailed).
		Ignore(triggerTimedOut).
		Ignore(triggerClosed)

	sm.Configure(chat.StatusConnectionTimeout).
		OnEntry(func(context.Context, ...any) error {
			s.appendSystem(noticeTimeout)
			return nil
		}).
		Permit(triggerConnect, chat.StatusConnecting).
		Ignore(triggerOpened).
		Ignore(triggerFailed).
		Ignore(triggerTimedOut).
		Ignore(triggerClosed)

	sm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		s.log.Debug("session state changed", "from", t.Source, "to", t.Destination, "trigger", t.Trigger)
		s.notify()
	})
	return sm
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Context returns the context the session was created with.
func (s *Session) Context() chat.SessionContext {
	return s.sc
}

// Updates signals after every change to the message log or status. Signals coalesce;
// readers should take a fresh Snapshot on each receive.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// Open validates the context, loads history and starts the first connection attempt.
// A missing piece of context produces a single notice and no connection attempt.
func (s *Session) Open(ctx context.Context) error {
	var (
		err     error
		missing []string
	)
	s.loop.call(func() {
		switch {
		case s.tornDown:
			err = ErrSessionClosed
		case s.opened || s.blocked:
			err = ErrAlreadyOpen
		default:
			missing = s.sc.Missing()
			if len(missing) > 0 {
				s.blocked = true
				s.appendSystem(noticeMissing(missing))
				return
			}
			s.opened = true
		}
	})
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		s.log.Warn("chat not started, context incomplete", "missing", missing)
		return fmt.Errorf("%w: missing %s", ErrMissingContext, strings.Join(missing, ", "))
	}

	// History is loaded before the socket exists so live frames always follow it.
	entries := s.history.Load(ctx, s.sc.Self.ID, s.sc.Partner.ID, s.sc.Token)

	s.loop.call(func() {
		if s.tornDown {
			err = ErrSessionClosed
			return
		}
		for _, e := range entries {
			origin := chat.OriginIncoming
			if e.SenderID != "" && e.SenderID == s.sc.Self.ID {
				origin = chat.OriginOutgoing
			}
			s.append(origin, e.Content)
		}
		err = s.establish()
	})
	return err
}

// Send transmits text to the partner and echoes it into the log.
func (s *Session) Send(text string) error {
	var err error
	s.loop.call(func() {
		err = s.send(text)
	})
	return err
}

func (s *Session) send(text string) error {
	if s.tornDown {
		return ErrSessionClosed
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ErrEmptyMessage
	}

	status := s.status()
	if !status.CanSend() || s.conn == nil {
		s.appendSystem(noticeSendFailed)
		return &transport.NotConnectedError{State: string(status)}
	}

	if err := s.conn.Send(transport.FormatFrame(s.sc.Partner.ID, trimmed)); err != nil {
		s.log.Warn("send failed", "error", err)
		s.appendSystem(noticeSendFailed)
		return err
	}
	s.append(chat.OriginOutgoing, trimmed)
	return nil
}

// Reconnect replaces the current connection with a fresh attempt. It is only available
// after the session was opened and while it is disconnected or failed.
func (s *Session) Reconnect() error {
	var err error
	s.loop.call(func() {
		switch {
		case s.tornDown:
			err = ErrSessionClosed
		case s.blocked:
			err = ErrMissingContext
		case !s.opened:
			err = ErrNotOpen
		case !s.status().CanReconnect():
			err = ErrReconnectNotAllowed
		default:
			s.log.Info("reconnecting")
			err = s.establish()
		}
	})
	return err
}

// Close shuts the connection down on purpose. The session stays usable for Reconnect.
func (s *Session) Close() {
	s.loop.call(func() {
		if s.tornDown {
			return
		}
		s.dropConn()
		s.fire(triggerClosed)
	})
}

// Teardown releases the session for good: the connection is closed, pending timers are
// cancelled and the log is discarded. Late socket events are ignored silently.
// Readers of Updates get one last signal.
func (s *Session) Teardown() {
	s.loop.call(func() {
		if s.tornDown {
			return
		}
		s.tornDown = true
		s.dropConn()
		s.messages = nil
		s.cancel()
		s.notify()
		s.log.Debug("session torn down")
	})
}

// Status returns the current connection status.
func (s *Session) Status() chat.Status {
	var status chat.Status
	s.loop.call(func() {
		status = s.status()
	})
	return status
}

// Messages returns a copy of the message log.
func (s *Session) Messages() []chat.Message {
	var out []chat.Message
	s.loop.call(func() {
		out = make([]chat.Message, len(s.messages))
		copy(out, s.messages)
	})
	return out
}

// Snapshot returns everything a view needs to render the session.
func (s *Session) Snapshot() chat.Snapshot {
	var snap chat.Snapshot
	s.loop.call(func() {
		status := s.status()
		messages := make([]chat.Message, len(s.messages))
		copy(messages, s.messages)
		snap = chat.Snapshot{
			SessionID:    s.id,
			Status:       status,
			Partner:      s.sc.Partner,
			Appointment:  s.sc.Appointment,
			Messages:     messages,
			CanSend:      status.CanSend() && !s.tornDown,
			CanReconnect: status.CanReconnect() && s.opened && !s.tornDown,
		}
	})
	return snap
}

func (s *Session) status() chat.Status {
	return s.sm.MustState().(chat.Status)
}

// establish drops whatever connection exists and starts a new attempt.
func (s *Session) establish() error {
	s.dropConn()
	return s.fire(triggerConnect)
}

func (s *Session) enterConnecting(ctx context.Context, _ ...any) error {
	gen := s.gen
	s.timer = s.clock.AfterFunc(s.timeout, func() {
		s.loop.post(func() { s.handleTimeout(gen) })
	})

	target := transport.Target{
		BaseURL:       s.baseURL,
		RecipientID:   s.sc.Partner.ID,
		Token:         s.sc.Token,
		AppointmentID: s.sc.Appointment.ID,
	}
	conn, err := s.dialer.Dial(s.ctx, target, &generationSink{s: s, gen: gen})
	if err != nil {
		s.loop.post(func() { s.handleError(gen, err) })
		return nil
	}
	s.conn = conn
	s.log.Info("connecting", "attempt", gen)
	return nil
}

// dropConn invalidates the current connection and every callback bound to it.
func (s *Session) dropConn() {
	s.stopTimer()
	s.gen++
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.log.Debug("close connection", "error", err)
		}
		s.conn = nil
	}
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) current(gen uint64, event string) bool {
	if s.tornDown {
		return false
	}
	if gen != s.gen {
		s.log.Debug("ignoring event from stale connection", "event", event, "attempt", gen, "current", s.gen)
		return false
	}
	return true
}

func (s *Session) handleOpened(gen uint64) {
	if !s.current(gen, "open") {
		return
	}
	s.stopTimer()
	s.fire(triggerOpened)
}

func (s *Session) handleFrame(gen uint64, raw string) {
	if !s.current(gen, "message") {
		return
	}
	f := parseFrame(raw)
	switch f.kind {
	case frameMessage, frameRaw:
		s.append(chat.OriginIncoming, f.text)
	case frameError:
		s.append(chat.OriginSystem, noticeRemoteError(f.text))
	default:
		s.log.Warn("dropping frame without message or error", "frame", raw)
	}
}

func (s *Session) handleError(gen uint64, err error) {
	if !s.current(gen, "error") {
		return
	}
	s.log.Warn("connection error", "error", err)
	s.stopTimer()
	s.fire(triggerFailed)
}

func (s *Session) handleClosed(gen uint64) {
	if !s.current(gen, "close") {
		return
	}
	s.stopTimer()
	s.fire(triggerClosed)
}

func (s *Session) handleTimeout(gen uint64) {
	if !s.current(gen, "timeout") || s.status() != chat.StatusConnecting {
		return
	}
	s.log.Warn("connection attempt timed out", "timeout", s.timeout)
	s.dropConn()
	s.fire(triggerTimedOut)
}

func (s *Session) fire(t trigger) error {
	if err := s.sm.FireCtx(s.ctx, t); err != nil {
		s.log.Error("state transition failed", "trigger", t, "state", s.status(), "error", err)
		return err
	}
	return nil
}

func (s *Session) append(origin chat.Origin, content string) {
	s.messages = append(s.messages, chat.Message{
		ID:        s.nextID(),
		Origin:    origin,
		Content:   content,
		Timestamp: s.clock.Now(),
	})
	s.notify()
}

func (s *Session) appendSystem(content string) {
	s.append(chat.OriginSystem, content)
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// generationSink forwards transport events for one connection attempt onto the loop.
type generationSink struct {
	s   *Session
	gen uint64
}

func (g *generationSink) OnOpen() {
	g.s.loop.post(func() { g.s.handleOpened(g.gen) })
}

func (g *generationSink) OnMessage(frame string) {
	g.s.loop.post(func() { g.s.handleFrame(g.gen, frame) })
}

func (g *generationSink) OnClose() {
	g.s.loop.post(func() { g.s.handleClosed(g.gen) })
}

func (g *generationSink) OnError(err error) {
	g.s.loop.post(func() { g.s.handleError(g.gen, err) })
}
