package mockbackend

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/carelink/internal/logger"
	"github.com/zhouzirui/carelink/pkg/utils"
)

const (
	maxMessageSize = 64 << 10
	storeTimeout   = 5 * time.Second
)

// Options tune the relay's websocket keepalive.
type Options struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.ReadTimeout <= o.PingInterval {
		o.ReadTimeout = 2 * o.PingInterval
	}
	return o
}

// Server serves the history endpoint and relays chat frames between users.
type Server struct {
	tokens   map[string]string
	store    HistoryStore
	hub      *Hub
	opts     Options
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewServer creates a relay. tokens maps bearer tokens to user ids.
func NewServer(tokens map[string]string, store HistoryStore, opts Options) *Server {
	log := logger.Component("mockbackend")
	return &Server{
		tokens: tokens,
		store:  store,
		hub:    NewHub(log),
		opts:   opts.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: log,
	}
}

// Hub exposes the live connection registry.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Router returns the HTTP routes of the backend.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/chat/history/{partnerID}", s.handleHistory)
	r.Get("/chat/ws/{recipientID}", s.handleWebSocket)
	return r
}

func (s *Server) userForToken(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	user, ok := s.tokens[token]
	return user, ok
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	user, known := s.userForToken(strings.TrimSpace(token))
	if !ok || !known {
		utils.RespondError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	partnerID := chi.URLParam(r, "partnerID")
	lines, err := s.store.List(r.Context(), user, partnerID)
	if err != nil {
		s.log.Error("list history", "user_id", user, "partner_id", partnerID, "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "history unavailable")
		return
	}

	var payload struct {
		History struct {
			History []string `json:"history"`
		} `json:"History"`
	}
	payload.History.History = lines
	utils.RespondJSON(w, http.StatusOK, payload)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, ok := s.userForToken(r.URL.Query().Get("token"))
	if !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("failed to upgrade websocket", "error", err)
		return
	}
	ws.SetReadLimit(maxMessageSize)

	conn := s.hub.NewConnection(ws, user, chi.URLParam(r, "recipientID"), r.URL.Query().Get("appointment_id"))
	go s.writePump(conn)
	go s.readPump(conn)
}

func (s *Server) readPump(c *Connection) {
	defer func() {
		s.hub.Unregister(c)
		c.conn.Close()
		s.log.Info("connection closed", "conn_id", c.ID, "user_id", c.UserID)
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("websocket read error", "conn_id", c.ID, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		s.relay(c, string(data))
	}
}

func (s *Server) writePump(c *Connection) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Warn("failed to write message", "conn_id", c.ID, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var framePattern = regexp.MustCompile(`(?s)^([^\s:]+): (.*)$`)

// relay stores "<recipient>: <text>" from c as "<sender>: <text>" and forwards the text.
func (s *Server) relay(c *Connection, frame string) {
	m := framePattern.FindStringSubmatch(frame)
	if m == nil || strings.TrimSpace(m[2]) == "" {
		_ = s.hub.SendJSON(c, map[string]string{"error": "malformed frame, expected \"<recipientId>: <text>\""})
		return
	}
	recipient, text := m[1], strings.TrimSpace(m[2])

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.Append(ctx, c.UserID, recipient, c.UserID+": "+text); err != nil {
		s.log.Error("store message", "conn_id", c.ID, "error", err)
		_ = s.hub.SendJSON(c, map[string]string{"error": "message not stored"})
		return
	}

	delivered := s.hub.Deliver(recipient, c.UserID, map[string]string{"message": text})
	s.log.Debug("relayed message", "from", c.UserID, "to", recipient, "delivered", delivered)
}
