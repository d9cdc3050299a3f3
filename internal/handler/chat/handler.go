package chat

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/carelink/internal/logger"
	"github.com/zhouzirui/carelink/internal/model/chat"
	"github.com/zhouzirui/carelink/internal/service/auth"
	chatService "github.com/zhouzirui/carelink/internal/service/chat"
	"github.com/zhouzirui/carelink/internal/service/transport"
	"github.com/zhouzirui/carelink/pkg/utils"
)

const heartbeatInterval = 15 * time.Second

// Handler 聊天会话的HTTP处理器, 同一时间只暴露一个活动会话
type Handler struct {
	chatSvc   *chatService.Service
	auth      auth.Store
	heartbeat time.Duration
	log       *slog.Logger

	mu       sync.Mutex
	activeID string
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service, store auth.Store) *Handler {
	return &Handler{
		chatSvc:   chatSvc,
		auth:      store,
		heartbeat: heartbeatInterval,
		log:       logger.Component("http.chat"),
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/chat", func(r chi.Router) {
		r.Post("/session", h.handleOpenSession)
		r.Get("/session", h.handleGetSession)
		r.Delete("/session", h.handleCloseSession)
		r.Post("/messages", h.handleSendMessage)
		r.Post("/reconnect", h.handleReconnect)
		r.Get("/stream", h.handleStream)
	})
}

type openRequest struct {
	Self        *chat.Participant `json:"self"`
	Partner     chat.Participant  `json:"partner"`
	Appointment *chat.Appointment `json:"appointment"`
	Token       string            `json:"token"`
}

// handleOpenSession 创建并打开会话, 替换已有的活动会话
func (h *Handler) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var payload openRequest
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sc := chat.SessionContext{
		Partner:     payload.Partner,
		Appointment: payload.Appointment,
		Token:       payload.Token,
	}
	if payload.Self != nil {
		sc.Self = *payload.Self
	}
	if id, ok := h.auth.Current(); ok {
		if sc.Self.ID == "" {
			sc.Self = id.User
		}
		if sc.Token == "" {
			sc.Token = id.Token
		}
	}

	session := h.chatSvc.NewSession(sc)
	h.replaceActive(session.ID())

	if err := session.Open(r.Context()); err != nil {
		if errors.Is(err, chatService.ErrMissingContext) {
			utils.RespondJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":    err.Error(),
				"snapshot": session.Snapshot(),
			})
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusCreated, session.Snapshot())
}

// handleGetSession 返回当前会话快照
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.active(w)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, session.Snapshot())
}

// handleCloseSession 销毁当前会话
func (h *Handler) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	id := h.activeID
	h.activeID = ""
	h.mu.Unlock()

	if id == "" || h.chatSvc.Remove(id) != nil {
		utils.RespondError(w, http.StatusNotFound, "no active session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSendMessage 发送消息
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Content string `json:"content"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, ok := h.active(w)
	if !ok {
		return
	}

	if err := session.Send(payload.Content); err != nil {
		switch {
		case errors.Is(err, chatService.ErrEmptyMessage):
			utils.RespondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, transport.ErrNotConnected):
			utils.RespondError(w, http.StatusConflict, err.Error())
		case errors.Is(err, chatService.ErrSessionClosed):
			utils.RespondError(w, http.StatusGone, err.Error())
		default:
			utils.RespondError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// handleReconnect 手动重连
func (h *Handler) handleReconnect(w http.ResponseWriter, r *http.Request) {
	session, ok := h.active(w)
	if !ok {
		return
	}

	if err := session.Reconnect(); err != nil {
		switch {
		case errors.Is(err, chatService.ErrReconnectNotAllowed),
			errors.Is(err, chatService.ErrMissingContext),
			errors.Is(err, chatService.ErrNotOpen):
			utils.RespondError(w, http.StatusConflict, err.Error())
		default:
			utils.RespondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	utils.RespondJSON(w, http.StatusAccepted, session.Snapshot())
}

// handleStream 以SSE推送会话快照
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	session, ok := h.active(w)
	if !ok {
		return
	}

	utils.SetupSSEHeaders(w)

	ctx := r.Context()
	log := h.log.With("session_id", session.ID())
	log.Debug("opening snapshot stream")
	defer log.Debug("closing snapshot stream")

	if err := utils.SendSSEEvent(w, flusher, "snapshot", session.Snapshot()); err != nil {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Updates():
			if !h.isActive(session.ID()) {
				_ = utils.SendSSEEvent(w, flusher, "closed", map[string]string{"sessionId": session.ID()})
				return
			}
			if err := utils.SendSSEEvent(w, flusher, "snapshot", session.Snapshot()); err != nil {
				return
			}
		case t := <-ticker.C:
			if !h.isActive(session.ID()) {
				_ = utils.SendSSEEvent(w, flusher, "closed", map[string]string{"sessionId": session.ID()})
				return
			}
			if err := utils.SendSSEEvent(w, flusher, "heartbeat", map[string]string{
				"time": t.UTC().Format(time.RFC3339),
			}); err != nil {
				return
			}
		}
	}
}

// Close 销毁活动会话, 服务退出时调用
func (h *Handler) Close() {
	h.mu.Lock()
	id := h.activeID
	h.activeID = ""
	h.mu.Unlock()
	if id != "" {
		_ = h.chatSvc.Remove(id)
	}
}

func (h *Handler) replaceActive(id string) {
	h.mu.Lock()
	previous := h.activeID
	h.activeID = id
	h.mu.Unlock()

	if previous != "" {
		if err := h.chatSvc.Remove(previous); err == nil {
			h.log.Info("replaced active session", "previous_id", previous, "session_id", id)
		}
	}
}

func (h *Handler) isActive(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.activeID == id
}

func (h *Handler) active(w http.ResponseWriter) (*chatService.Session, bool) {
	h.mu.Lock()
	id := h.activeID
	h.mu.Unlock()

	if strings.TrimSpace(id) == "" {
		utils.RespondError(w, http.StatusNotFound, "no active session")
		return nil, false
	}
	session, err := h.chatSvc.Get(id)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, "no active session")
		return nil, false
	}
	return session, true
}
