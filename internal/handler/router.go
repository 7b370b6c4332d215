package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/medlink/backend/internal/handler/chat"
	"github.com/zhouzirui/medlink/backend/internal/handler/staff"
	"github.com/zhouzirui/medlink/backend/internal/identity"
	middlewarePkg "github.com/zhouzirui/medlink/backend/internal/middleware"
	"github.com/zhouzirui/medlink/backend/internal/realtime"
	"github.com/zhouzirui/medlink/backend/internal/service/escalation"
	"github.com/zhouzirui/medlink/backend/pkg/utils"
)

// Deps 是构建 HTTP 路由所需的服务。
type Deps struct {
	Router         *escalation.Router
	Hub            *realtime.Hub
	Identities     identity.Resolver
	AllowedOrigins []string
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.AllowedOrigins))

	chatHandler := chat.New(deps.Router, deps.Hub, deps.Identities, deps.AllowedOrigins)
	staffHandler := staff.New(deps.Router, deps.Hub, deps.Identities, deps.AllowedOrigins)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"connections": deps.Hub.Count(),
			"escalations": deps.Router.Registry().Len(),
		})
	})

	r.Route("/api", func(api chi.Router) {
		chatHandler.RegisterRoutes(api)
		staffHandler.RegisterRoutes(api)
	})

	return r
}
