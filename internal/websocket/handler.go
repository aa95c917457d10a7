package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"remote-assist/internal/relay"
	"remote-assist/internal/service"
	"remote-assist/pkg/jwt"
	"remote-assist/pkg/response"
	"remote-assist/pkg/util"
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// 浏览器端由 token 认证，不依赖 Origin
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ClientSessions 确认客户端 Token 属于会话码当前的记录
type ClientSessions interface {
	IsCurrentClient(ctx context.Context, sessionID, nonce string) (bool, error)
}

// Handler 处理会话通道的 WebSocket 连接
type Handler struct {
	hub        *relay.Hub
	gate       relay.Gate
	sessions   ClientSessions
	approvals  *service.ApprovalService
	auth       *service.AuthService
	jwtService *jwt.JWTService
	log        *slog.Logger
}

// NewHandler 创建 WebSocket Handler
func NewHandler(
	hub *relay.Hub,
	gate relay.Gate,
	sessions ClientSessions,
	approvals *service.ApprovalService,
	auth *service.AuthService,
	jwtService *jwt.JWTService,
	log *slog.Logger,
) *Handler {
	return &Handler{
		hub:        hub,
		gate:       gate,
		sessions:   sessions,
		approvals:  approvals,
		auth:       auth,
		jwtService: jwtService,
		log:        log.With("component", "ws"),
	}
}

// identity 由 token 确定的参与者身份
type identity struct {
	sessionID     string
	participantID string
	role          relay.Role
}

// resolve 客户端 token 自带会话码；技术员 token 需要 session 参数
func (h *Handler) resolve(c *gin.Context, token string) (*identity, bool) {
	if claims, err := h.jwtService.ValidateClientToken(token); err == nil {
		current, err := h.sessions.IsCurrentClient(c.Request.Context(), claims.SessionID, claims.Nonce)
		if err != nil {
			h.log.Error("verify client token failed", "session_id", claims.SessionID, "error", err)
			response.InternalError(c, "校验会话失败")
			return nil, false
		}
		if !current {
			response.ErrorWithCode(c, http.StatusGone, response.CodeSessionExpired, "会话已被替换，请重新注册")
			return nil, false
		}
		return &identity{
			sessionID:     claims.SessionID,
			participantID: service.ClientParticipant(claims.SessionID),
			role:          relay.RoleClient,
		}, true
	}

	claims, err := h.jwtService.ValidateToken(token)
	if err != nil {
		response.Unauthorized(c, "无效的 token")
		return nil, false
	}
	if h.auth.IsTokenRevoked(c.Request.Context(), token) {
		response.Unauthorized(c, "Token 已失效，请重新登录")
		return nil, false
	}
	sessionID := util.NormalizeSessionCode(c.Query("session"))
	if !util.ValidSessionCode(sessionID) {
		response.BadRequest(c, "缺少会话码")
		return nil, false
	}
	return &identity{
		sessionID:     sessionID,
		participantID: service.TechnicianParticipant(claims.TechnicianID),
		role:          relay.RoleTechnician,
	}, true
}

// HandleSessionWS 加入会话通道
// 路由: GET /ws/session?token=...&session=...
func (h *Handler) HandleSessionWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		response.Unauthorized(c, "需要认证 token")
		return
	}
	id, ok := h.resolve(c, token)
	if !ok {
		return
	}

	// 升级前先检查准入，拒绝时能返回普通的 HTTP 错误
	if err := h.gate.Admit(c.Request.Context(), id.sessionID, id.participantID, id.role); err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			response.ErrorWithCode(c, http.StatusNotFound, response.CodeSessionNotFound, "会话不存在")
		case errors.Is(err, service.ErrExpired):
			response.ErrorWithCode(c, http.StatusGone, response.CodeSessionExpired, "会话已过期")
		case errors.Is(err, service.ErrSessionNotConnected):
			response.ErrorWithCode(c, http.StatusForbidden, response.CodeSessionNotConnected, "会话尚未批准")
		default:
			response.Forbidden(c, err.Error())
		}
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	transport := newConn(ws)

	channel, err := h.hub.Join(c.Request.Context(), id.sessionID, id.participantID, id.role, transport)
	if err != nil {
		// 检查之后状态又变了
		h.log.Info("join rejected", "session_id", id.sessionID, "participant_id", id.participantID, "error", err)
		transport.Close()
		return
	}

	client := &Client{
		conn:      transport,
		channel:   channel,
		approvals: h.approvals,
		log:       h.log.With("session_id", id.sessionID, "participant_id", id.participantID),
	}
	go client.PingPump()
	go client.ReadPump()
}

// RegisterRoutes 注册 WebSocket 路由
// token 在 query 中验证，不经过认证中间件
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	ws := r.Group("/ws")
	{
		ws.GET("/session", h.HandleSessionWS)
	}
}
