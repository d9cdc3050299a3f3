package identity

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/carelink/internal/model/chat"
	"github.com/zhouzirui/carelink/internal/service/auth"
	"github.com/zhouzirui/carelink/pkg/utils"
)

// Handler 当前登录身份的HTTP处理器
type Handler struct {
	store auth.Store
}

// New 创建身份处理器
func New(store auth.Store) *Handler {
	return &Handler{
		store: store,
	}
}

// RegisterRoutes 注册身份相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/me", h.handleGetIdentity)
	r.Put("/me", h.handleSetIdentity)
	r.Delete("/me", h.handleClearIdentity)
}

type identityResponse struct {
	User          chat.Participant `json:"user"`
	Authenticated bool             `json:"authenticated"`
}

// handleGetIdentity 返回当前用户, token不会出现在响应中
func (h *Handler) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	id, ok := h.store.Current()
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "not signed in")
		return
	}
	utils.RespondJSON(w, http.StatusOK, identityResponse{User: id.User, Authenticated: true})
}

// handleSetIdentity 登录
func (h *Handler) handleSetIdentity(w http.ResponseWriter, r *http.Request) {
	var payload auth.Identity
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.store.Set(payload); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, auth.ErrInvalidIdentity) {
			status = http.StatusBadRequest
		}
		utils.RespondError(w, status, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, identityResponse{User: payload.User, Authenticated: true})
}

// handleClearIdentity 退出登录
func (h *Handler) handleClearIdentity(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Clear(); err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
