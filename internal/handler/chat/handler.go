package chat

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/medlink/backend/internal/identity"
	"github.com/zhouzirui/medlink/backend/internal/realtime"
	"github.com/zhouzirui/medlink/backend/internal/service/escalation"
	"github.com/zhouzirui/medlink/backend/pkg/utils"
)

// Handler 访客聊天窗口的 websocket 入口
type Handler struct {
	router     *escalation.Router
	hub        *realtime.Hub
	identities identity.Resolver
	upgrader   websocket.Upgrader
}

// New 创建访客处理器
func New(router *escalation.Router, hub *realtime.Hub, identities identity.Resolver, allowedOrigins []string) *Handler {
	return &Handler{
		router:     router,
		hub:        hub,
		identities: identities,
		upgrader:   utils.NewUpgrader(allowedOrigins),
	}
}

// RegisterRoutes 注册访客相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chat/ws", h.handleWebSocket)
}

// handleWebSocket 升级连接，随后由 restore_session 绑定会话
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	who, err := h.identities.Visitor(r)
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写过错误响应
		log.Warn().Err(err).Str("component", "chat").Msg("websocket upgrade failed")
		return
	}

	c := h.hub.Connect(who, conn)
	h.router.AttachVisitor(c)
	c.Serve(r.Context())
}
