package staff

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/medlink/backend/internal/identity"
	"github.com/zhouzirui/medlink/backend/internal/model/chat"
	"github.com/zhouzirui/medlink/backend/internal/realtime"
	"github.com/zhouzirui/medlink/backend/internal/service/escalation"
	"github.com/zhouzirui/medlink/backend/pkg/utils"
)

// Handler 客服工作台的 websocket 与 HTTP 接口
type Handler struct {
	router     *escalation.Router
	hub        *realtime.Hub
	identities identity.Resolver
	upgrader   websocket.Upgrader
}

// New 创建客服处理器
func New(router *escalation.Router, hub *realtime.Hub, identities identity.Resolver, allowedOrigins []string) *Handler {
	return &Handler{
		router:     router,
		hub:        hub,
		identities: identities,
		upgrader:   utils.NewUpgrader(allowedOrigins),
	}
}

// RegisterRoutes 注册客服相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/staff", func(r chi.Router) {
		r.Get("/ws", h.handleWebSocket)
		r.Get("/escalations", h.handleListEscalations)
		r.Get("/sessions/{sessionID}", h.handleGetSession)
	})
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	who, ok := h.staff(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "staff").Msg("websocket upgrade failed")
		return
	}

	c := h.hub.Connect(who, conn)
	h.router.AttachStaff(c)
	c.Serve(r.Context())
}

// handleListEscalations 列出所有未关闭的转人工会话
func (h *Handler) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.staff(w, r); !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, escalation.EscalationSnapshot{Escalations: h.router.Registry().List()})
}

// handleGetSession 返回会话完整记录
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.staff(w, r); !ok {
		return
	}
	history, err := h.router.History(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondChatError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, history)
}

func (h *Handler) staff(w http.ResponseWriter, r *http.Request) (realtime.Identity, bool) {
	who, err := h.identities.Staff(r)
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, err.Error())
		return realtime.Identity{}, false
	}
	return who, true
}

func respondChatError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chat.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, chat.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, chat.ErrConflict), errors.Is(err, chat.ErrInvalidTransition):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("component", "staff").Msg("request failed")
		utils.RespondError(w, status, "internal error")
		return
	}
	utils.RespondError(w, status, err.Error())
}
