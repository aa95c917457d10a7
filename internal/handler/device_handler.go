package handler

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"remote-assist/internal/middleware"
	"remote-assist/internal/service"
	"remote-assist/pkg/jwt"
	"remote-assist/pkg/response"
)

// DeviceHandler 设备请求处理器
// 代理使用设备 Token 注册、心跳和认领；技术员管理名下设备并请求接入
type DeviceHandler struct {
	devices        *service.DeviceService
	jwtService     *jwt.JWTService
	clientTokenTTL time.Duration
	log            *slog.Logger
}

// NewDeviceHandler 创建 DeviceHandler 实例
func NewDeviceHandler(devices *service.DeviceService, jwtService *jwt.JWTService, clientTokenTTL time.Duration, log *slog.Logger) *DeviceHandler {
	return &DeviceHandler{devices: devices, jwtService: jwtService, clientTokenTTL: clientTokenTTL, log: log}
}

// Register 代理注册设备
// POST /api/v1/devices/register
func (h *DeviceHandler) Register(c *gin.Context) {
	var req service.RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	result, err := h.devices.RegisterDevice(c.Request.Context(), &req, c.ClientIP())
	if err != nil {
		respondError(c, h.log, err, response.CodeDeviceNotFound)
		return
	}
	response.Success(c, result)
}

// Heartbeat 代理心跳
// POST /api/v1/devices/:id/heartbeat
func (h *DeviceHandler) Heartbeat(c *gin.Context) {
	result, err := h.devices.Heartbeat(c.Request.Context(), middleware.GetDeviceID(c), c.ClientIP())
	if err != nil {
		respondError(c, h.log, err, response.CodeDeviceNotFound)
		return
	}
	response.Success(c, result)
}

// CheckPending 代理查询待认领会话，没有时 data 为空
// GET /api/v1/devices/:id/pending
func (h *DeviceHandler) CheckPending(c *gin.Context) {
	claim, err := h.devices.CheckPending(c.Request.Context(), middleware.GetDeviceID(c))
	if err != nil {
		respondError(c, h.log, err, response.CodeDeviceNotFound)
		return
	}
	if claim == nil {
		response.Success(c, nil)
		return
	}
	response.Success(c, claim)
}

// ClaimRequest 认领请求
type ClaimRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

// ClaimResponse 认领响应
// 代理以客户端身份加入信令通道
type ClaimResponse struct {
	*service.EvaluateResult
	ClientToken string `json:"client_token"`
}

// Claim 代理认领待处理会话
// POST /api/v1/devices/:id/claim
func (h *DeviceHandler) Claim(c *gin.Context) {
	var req ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	result, err := h.devices.Claim(c.Request.Context(), middleware.GetDeviceID(c), req.SessionID)
	if err != nil {
		respondError(c, h.log, err, response.CodeSessionNotFound)
		return
	}

	token, err := h.jwtService.GenerateClientToken(result.Session.SessionID, result.Session.Nonce, h.clientTokenTTL)
	if err != nil {
		response.InternalError(c, "生成 Token 失败")
		return
	}
	response.Success(c, &ClaimResponse{EvaluateResult: result, ClientToken: token})
}

// List 获取技术员名下的设备
// GET /api/v1/devices
func (h *DeviceHandler) List(c *gin.Context) {
	devices, err := h.devices.ListDevices(c.Request.Context(), middleware.GetTechnicianID(c))
	if err != nil {
		respondError(c, h.log, err, response.CodeDeviceNotFound)
		return
	}
	response.Success(c, devices)
}

// Get 获取设备详情
// GET /api/v1/devices/:id
func (h *DeviceHandler) Get(c *gin.Context) {
	device, err := h.devices.GetDevice(c.Request.Context(), c.Param("id"), middleware.GetTechnicianID(c))
	if err != nil {
		respondError(c, h.log, err, response.CodeDeviceNotFound)
		return
	}
	response.Success(c, device)
}

// Pair 把设备配对给当前技术员
// POST /api/v1/devices/:id/pair
func (h *DeviceHandler) Pair(c *gin.Context) {
	device, err := h.devices.Pair(c.Request.Context(), c.Param("id"), middleware.GetTechnicianID(c))
	if err != nil {
		respondError(c, h.log, err, response.CodeDeviceNotFound)
		return
	}
	response.SuccessWithMessage(c, "配对成功", device)
}

// Update 修改设备名称或无人值守开关
// PUT /api/v1/devices/:id
func (h *DeviceHandler) Update(c *gin.Context) {
	var req service.UpdateDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	device, err := h.devices.UpdateDevice(c.Request.Context(), c.Param("id"), middleware.GetTechnicianID(c), &req)
	if err != nil {
		respondError(c, h.log, err, response.CodeDeviceNotFound)
		return
	}
	response.Success(c, device)
}

// Unpair 解除配对并删除设备
// DELETE /api/v1/devices/:id
func (h *DeviceHandler) Unpair(c *gin.Context) {
	if err := h.devices.Unpair(c.Request.Context(), c.Param("id"), middleware.GetTechnicianID(c)); err != nil {
		respondError(c, h.log, err, response.CodeDeviceNotFound)
		return
	}
	response.SuccessWithMessage(c, "已解除配对", nil)
}

// RequestPending 技术员请求接入无人值守设备
// POST /api/v1/devices/:id/pending
func (h *DeviceHandler) RequestPending(c *gin.Context) {
	sessionID, err := h.devices.RequestPendingSession(c.Request.Context(), c.Param("id"), middleware.GetTechnicianID(c))
	if err != nil {
		respondError(c, h.log, err, response.CodeDeviceNotFound)
		return
	}
	response.Accepted(c, gin.H{"session_id": sessionID})
}

// Wake 发送网络唤醒包
// POST /api/v1/devices/:id/wake
func (h *DeviceHandler) Wake(c *gin.Context) {
	if err := h.devices.Wake(c.Request.Context(), c.Param("id"), middleware.GetTechnicianID(c)); err != nil {
		respondError(c, h.log, err, response.CodeDeviceNotFound)
		return
	}
	response.SuccessWithMessage(c, "唤醒包已发送", nil)
}
