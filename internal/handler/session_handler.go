package handler

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"remote-assist/internal/middleware"
	"remote-assist/internal/model"
	"remote-assist/internal/service"
	"remote-assist/pkg/jwt"
	"remote-assist/pkg/response"
)

// SessionHandler 会话请求处理器
// 客户端注册和审批会话，技术员请求接入、终止和切换显示器
type SessionHandler struct {
	sessions       *service.SessionService
	approvals      *service.ApprovalService
	monitors       *service.MonitorService
	jwtService     *jwt.JWTService
	clientTokenTTL time.Duration
	log            *slog.Logger
}

// NewSessionHandler 创建 SessionHandler 实例
func NewSessionHandler(
	sessions *service.SessionService,
	approvals *service.ApprovalService,
	monitors *service.MonitorService,
	jwtService *jwt.JWTService,
	clientTokenTTL time.Duration,
	log *slog.Logger,
) *SessionHandler {
	return &SessionHandler{
		sessions:       sessions,
		approvals:      approvals,
		monitors:       monitors,
		jwtService:     jwtService,
		clientTokenTTL: clientTokenTTL,
		log:            log,
	}
}

// RegisterSessionResponse 注册会话响应
type RegisterSessionResponse struct {
	Session     *model.Session `json:"session"`
	ClientToken string         `json:"client_token"` // 加入信令通道和审批时使用
}

// Register 客户端注册会话
// POST /api/v1/sessions
func (h *SessionHandler) Register(c *gin.Context) {
	var req service.RegisterSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	session, err := h.sessions.Register(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.log, err, response.CodeSessionNotFound)
		return
	}

	token, err := h.jwtService.GenerateClientToken(session.SessionID, session.Nonce, h.clientTokenTTL)
	if err != nil {
		response.InternalError(c, "生成 Token 失败")
		return
	}
	response.Created(c, &RegisterSessionResponse{Session: session, ClientToken: token})
}

// List 获取当前技术员的会话
// GET /api/v1/sessions
func (h *SessionHandler) List(c *gin.Context) {
	sessions, err := h.sessions.ListByTechnician(c.Request.Context(), middleware.GetTechnicianID(c))
	if err != nil {
		respondError(c, h.log, err, response.CodeSessionNotFound)
		return
	}
	response.Success(c, sessions)
}

// Get 获取会话
// GET /api/v1/sessions/:code
func (h *SessionHandler) Get(c *gin.Context) {
	session, ok := h.authorize(c)
	if !ok {
		return
	}
	response.Success(c, session)
}

// authorize 加载会话并检查调用方是否是参与者
// 客户端 Token 的会话码已由中间件校验
func (h *SessionHandler) authorize(c *gin.Context) (*model.Session, bool) {
	return authorizeSession(c, h.sessions, h.log, c.Param("code"))
}

// authorizeSession 加载会话并检查参与者身份
func authorizeSession(c *gin.Context, sessions *service.SessionService, log *slog.Logger, sessionID string) (*model.Session, bool) {
	session, err := sessions.Get(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, log, err, response.CodeSessionNotFound)
		return nil, false
	}
	if clientSession := middleware.GetSessionID(c); clientSession != "" {
		if clientSession != session.SessionID {
			response.Forbidden(c, "无权访问该会话")
			return nil, false
		}
		return session, true
	}
	if !sessions.CanAccess(session, middleware.GetTechnicianID(c)) {
		response.Forbidden(c, "无权访问该会话")
		return nil, false
	}
	return session, true
}

// Connect 技术员请求接入会话
// 无人值守时直接连接，否则等待客户端审批
// POST /api/v1/sessions/:code/connect
func (h *SessionHandler) Connect(c *gin.Context) {
	result, err := h.approvals.Evaluate(c.Request.Context(), c.Param("code"), middleware.GetTechnicianID(c))
	if err != nil {
		respondError(c, h.log, err, response.CodeSessionNotFound)
		return
	}
	if result.Decision == service.DecisionPendingManual {
		response.Accepted(c, result)
		return
	}
	response.Success(c, result)
}

// DecisionRequest 客户端审批请求
type DecisionRequest struct {
	Approved *bool `json:"approved" binding:"required"`
}

// Decision 客户端批准或拒绝技术员
// POST /api/v1/sessions/:code/decision
func (h *SessionHandler) Decision(c *gin.Context) {
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	sessionID := middleware.GetSessionID(c)
	session, err := h.approvals.Decide(c.Request.Context(), sessionID, *req.Approved, service.ClientParticipant(sessionID))
	if err != nil {
		respondError(c, h.log, err, response.CodeSessionNotFound)
		return
	}
	response.Success(c, session)
}

// Heartbeat 客户端心跳，延长会话有效期
// POST /api/v1/sessions/:code/heartbeat
func (h *SessionHandler) Heartbeat(c *gin.Context) {
	if err := h.sessions.Touch(c.Request.Context(), middleware.GetSessionID(c)); err != nil {
		respondError(c, h.log, err, response.CodeSessionNotFound)
		return
	}
	response.Success(c, nil)
}

// Terminate 技术员结束会话
// DELETE /api/v1/sessions/:code
func (h *SessionHandler) Terminate(c *gin.Context) {
	technicianID := middleware.GetTechnicianID(c)
	if err := h.sessions.Terminate(c.Request.Context(), c.Param("code"), &technicianID); err != nil {
		respondError(c, h.log, err, response.CodeSessionNotFound)
		return
	}
	response.SuccessWithMessage(c, "会话已结束", nil)
}

// RegisterMonitors 客户端上报显示器
// PUT /api/v1/sessions/:code/monitors
func (h *SessionHandler) RegisterMonitors(c *gin.Context) {
	var monitors []model.MonitorDescriptor
	if err := c.ShouldBindJSON(&monitors); err != nil {
		response.BadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	out, err := h.monitors.RegisterMonitors(c.Request.Context(), middleware.GetSessionID(c), monitors)
	if err != nil {
		respondError(c, h.log, err, response.CodeSessionNotFound)
		return
	}
	response.Success(c, out)
}

// SwitchMonitorRequest 切换显示器请求
type SwitchMonitorRequest struct {
	MonitorIndex *int `json:"monitor_index" binding:"required"`
}

// SwitchMonitor 技术员切换正在查看的显示器
// POST /api/v1/sessions/:code/monitors/active
func (h *SessionHandler) SwitchMonitor(c *gin.Context) {
	var req SwitchMonitorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误: "+err.Error())
		return
	}
	session, ok := h.authorize(c)
	if !ok {
		return
	}

	if err := h.monitors.SwitchMonitor(c.Request.Context(), session.SessionID, *req.MonitorIndex); err != nil {
		respondError(c, h.log, err, response.CodeNotFound)
		return
	}
	response.Success(c, nil)
}

// ListMonitors 获取会话的显示器
// GET /api/v1/sessions/:code/monitors
func (h *SessionHandler) ListMonitors(c *gin.Context) {
	session, ok := h.authorize(c)
	if !ok {
		return
	}
	monitors, err := h.monitors.List(c.Request.Context(), session.SessionID)
	if err != nil {
		respondError(c, h.log, err, response.CodeSessionNotFound)
		return
	}
	response.Success(c, monitors)
}
