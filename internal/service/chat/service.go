// Package chat manages live patient/doctor chat sessions.
package chat

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"

	"github.com/zhouzirui/carelink/internal/logger"
	"github.com/zhouzirui/carelink/internal/model/chat"
	"github.com/zhouzirui/carelink/internal/service/transport"
)

// DefaultConnectTimeout bounds a connection attempt when Options leaves it unset.
const DefaultConnectTimeout = 10 * time.Second

var ErrSessionNotFound = errors.New("session not found")

// Options tune the sessions a Service creates.
type Options struct {
	BaseURL        string
	ConnectTimeout time.Duration
	// NodeID seeds message identifiers; must be unique among processes sharing a log.
	NodeID int64
	Clock  Clock
}

// Service creates sessions and keeps the live ones addressable by ID.
type Service struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	history HistoryLoader
	dialer  transport.Dialer
	node    *snowflake.Node
	opts    Options
	log     *slog.Logger
}

// NewService wires the history loader and dialer every session will use.
func NewService(loader HistoryLoader, dialer transport.Dialer, opts Options) (*Service, error) {
	if loader == nil || dialer == nil {
		return nil, errors.New("chat service requires a history loader and a dialer")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}

	node, err := snowflake.NewNode(opts.NodeID)
	if err != nil {
		return nil, fmt.Errorf("create message id node: %w", err)
	}

	return &Service{
		sessions: make(map[string]*Session),
		history:  loader,
		dialer:   dialer,
		node:     node,
		opts:     opts,
		log:      logger.Component("chat"),
	}, nil
}

// NewSession registers a session for sc. It does not connect; call Open.
func (s *Service) NewSession(sc chat.SessionContext) *Session {
	session := newSession(uuid.NewString(), sc, sessionDeps{
		baseURL: s.opts.BaseURL,
		timeout: s.opts.ConnectTimeout,
		history: s.history,
		dialer:  s.dialer,
		clock:   s.opts.Clock,
		nextID:  func() string { return s.node.Generate().String() },
		log:     s.log,
	})

	s.mu.Lock()
	s.sessions[session.ID()] = session
	s.mu.Unlock()

	s.log.Info("session created", "session_id", session.ID(), "self_id", sc.Self.ID, "partner_id", sc.Partner.ID)
	return session
}

// Get retrieves a live session by identifier.
func (s *Service) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Remove tears the session down and forgets it.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	session, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	session.Teardown()
	return nil
}

// Count returns the number of live sessions.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// CloseAll tears down every session. Used on shutdown.
func (s *Service) CloseAll() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for id, session := range s.sessions {
		sessions = append(sessions, session)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, session := range sessions {
		session.Teardown()
	}
	if len(sessions) > 0 {
		s.log.Info("closed all sessions", "count", len(sessions))
	}
}
