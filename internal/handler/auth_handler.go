package handler

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"remote-assist/internal/middleware"
	"remote-assist/internal/service"
	"remote-assist/pkg/response"
)

// AuthHandler 技术员账号请求处理器
// 处理注册、登录、登出和刷新 Token
type AuthHandler struct {
	authService *service.AuthService
	log         *slog.Logger
}

// NewAuthHandler 创建 AuthHandler 实例
func NewAuthHandler(authService *service.AuthService, log *slog.Logger) *AuthHandler {
	return &AuthHandler{authService: authService, log: log}
}

// Register 技术员注册
// POST /api/v1/auth/register
func (h *AuthHandler) Register(c *gin.Context) {
	// 1. 解析请求参数
	var req service.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	// 2. 调用服务层处理注册
	result, err := h.authService.Register(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUserExists):
			response.Conflict(c, response.CodeUserExists, err.Error())
		case errors.Is(err, service.ErrEmailExists):
			response.Conflict(c, response.CodeConflict, err.Error())
		default:
			h.log.Error("register failed", "error", err)
			response.InternalError(c, "注册失败")
		}
		return
	}

	// 3. 返回成功响应
	response.SuccessWithMessage(c, "注册成功", result)
}

// Login 技术员登录
// POST /api/v1/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req service.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	result, err := h.authService.Login(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUserNotFound):
			response.ErrorWithCode(c, 401, response.CodeUserNotFound, err.Error())
		case errors.Is(err, service.ErrPasswordWrong):
			response.ErrorWithCode(c, 401, response.CodePasswordWrong, err.Error())
		default:
			h.log.Error("login failed", "error", err)
			response.InternalError(c, "登录失败")
		}
		return
	}

	response.SuccessWithMessage(c, "登录成功", result)
}

// Logout 登出，将当前 Token 加入黑名单
// POST /api/v1/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	token := c.GetString(middleware.KeyToken)
	expireAt, ok := c.Get(middleware.KeyTokenExp)
	if token == "" || !ok {
		response.BadRequest(c, "无法获取 Token 信息")
		return
	}

	if err := h.authService.Logout(c.Request.Context(), token, expireAt.(time.Time)); err != nil {
		h.log.Error("logout failed", "error", err)
		response.InternalError(c, "登出失败")
		return
	}

	response.SuccessWithMessage(c, "登出成功", nil)
}

// RefreshTokenRequest 刷新 Token 请求
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// RefreshToken 使用 Refresh Token 获取新的 Access Token
// POST /api/v1/auth/refresh
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误")
		return
	}

	result, err := h.authService.RefreshToken(c.Request.Context(), req.RefreshToken)
	if err != nil {
		response.Unauthorized(c, "Refresh Token 无效或已过期")
		return
	}

	response.Success(c, result)
}

// Profile 获取当前技术员资料
// GET /api/v1/auth/me
func (h *AuthHandler) Profile(c *gin.Context) {
	technician, err := h.authService.GetProfile(c.Request.Context(), middleware.GetTechnicianID(c))
	if err != nil {
		if errors.Is(err, service.ErrUserNotFound) {
			response.ErrorWithCode(c, 404, response.CodeUserNotFound, err.Error())
			return
		}
		h.log.Error("get profile failed", "error", err)
		response.InternalError(c, "获取技术员信息失败")
		return
	}
	response.Success(c, technician)
}

// ChangePassword 修改密码
// PUT /api/v1/auth/password
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	var req service.ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	err := h.authService.ChangePassword(c.Request.Context(), middleware.GetTechnicianID(c), &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPasswordWrong):
			response.ErrorWithCode(c, 400, response.CodePasswordWrong, "原密码错误")
		case errors.Is(err, service.ErrUserNotFound):
			response.ErrorWithCode(c, 404, response.CodeUserNotFound, err.Error())
		default:
			h.log.Error("change password failed", "error", err)
			response.InternalError(c, "修改密码失败")
		}
		return
	}
	response.SuccessWithMessage(c, "密码已修改", nil)
}
