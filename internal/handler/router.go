package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/carelink/internal/handler/chat"
	"github.com/zhouzirui/carelink/internal/handler/identity"
	middlewarePkg "github.com/zhouzirui/carelink/internal/middleware"
	"github.com/zhouzirui/carelink/internal/service/auth"
	chatService "github.com/zhouzirui/carelink/internal/service/chat"
	"github.com/zhouzirui/carelink/pkg/utils"
)

// NewRouter wires HTTP routes to core services. The returned chat handler owns the
// active session and must be closed on shutdown.
func NewRouter(store auth.Store, chatSvc *chatService.Service) (http.Handler, *chat.Handler) {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	identityHandler := identity.New(store)
	chatHandler := chat.New(chatSvc, store)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": chatSvc.Count(),
		})
	})

	r.Route("/api", func(api chi.Router) {
		identityHandler.RegisterRoutes(api)
		chatHandler.RegisterRoutes(api)
	})

	return r, chatHandler
}
