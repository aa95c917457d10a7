// Package middleware 提供 HTTP 请求的中间件
// 包括 JWT 认证、CORS 跨域、日志记录等
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"remote-assist/pkg/jwt"
	"remote-assist/pkg/response"
	"remote-assist/pkg/util"
)

// 上下文中的键
const (
	KeyTechnicianID = "technician_id"
	KeyUsername     = "username"
	KeySessionID    = "session_id"
	KeyDeviceID     = "device_id"
	KeyToken        = "token"
	KeyTokenExp     = "token_exp"
)

// Revocations 查询 Token 是否已登出
type Revocations interface {
	IsTokenRevoked(ctx context.Context, token string) bool
}

// DeviceAuthenticator 校验设备令牌仍然有效
type DeviceAuthenticator interface {
	Authenticate(ctx context.Context, deviceID, deviceToken string) error
}

// ClientSessions 确认客户端 Token 属于会话码当前的记录
type ClientSessions interface {
	IsCurrentClient(ctx context.Context, sessionID, nonce string) (bool, error)
}

// bearerToken 解析 "Bearer <token>"
func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		response.Unauthorized(c, "请先登录")
		c.Abort()
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		response.Unauthorized(c, "认证格式错误")
		c.Abort()
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware 技术员认证中间件
// 验证 Bearer Token 并检查黑名单，技术员信息存入上下文
// 参数:
//   - jwtService: JWT 服务实例
//   - revocations: 登出黑名单
//
// 返回:
//   - gin.HandlerFunc: Gin 中间件函数
func AuthMiddleware(jwtService *jwt.JWTService, revocations Revocations) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 1. 取出 Token
		tokenString, ok := bearerToken(c)
		if !ok {
			return
		}

		// 2. 验证签名和过期时间
		claims, err := jwtService.ValidateToken(tokenString)
		if err != nil {
			response.Unauthorized(c, "Token 无效或已过期")
			c.Abort()
			return
		}

		// 3. 登出后的 Token 在黑名单中
		if revocations.IsTokenRevoked(c.Request.Context(), tokenString) {
			response.Unauthorized(c, "Token 已失效，请重新登录")
			c.Abort()
			return
		}

		// 4. 存入上下文
		c.Set(KeyTechnicianID, claims.TechnicianID)
		c.Set(KeyUsername, claims.Username)
		c.Set(KeyToken, tokenString)
		if claims.ExpiresAt != nil {
			c.Set(KeyTokenExp, claims.ExpiresAt.Time)
		}

		c.Next()
	}
}

// ClientAuthMiddleware 客户端会话认证中间件
// 客户端 Token 只对签发时的会话记录有效，路径中的 :code 必须与之一致
// 会话码被重新注册后，旧记录的 Token 返回 410
func ClientAuthMiddleware(jwtService *jwt.JWTService, sessions ClientSessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			return
		}
		claims, err := jwtService.ValidateClientToken(tokenString)
		if err != nil {
			response.Unauthorized(c, "会话 Token 无效或已过期")
			c.Abort()
			return
		}
		if code := c.Param("code"); code != "" && util.NormalizeSessionCode(code) != claims.SessionID {
			response.Forbidden(c, "无权访问该会话")
			c.Abort()
			return
		}
		current, err := sessions.IsCurrentClient(c.Request.Context(), claims.SessionID, claims.Nonce)
		if err != nil {
			response.InternalError(c, "校验会话失败")
			c.Abort()
			return
		}
		if !current {
			response.ErrorWithCode(c, http.StatusGone, response.CodeSessionExpired, "会话已被替换，请重新注册")
			c.Abort()
			return
		}
		c.Set(KeySessionID, claims.SessionID)
		c.Next()
	}
}

// DeviceAuthMiddleware 设备代理认证中间件
// 路径中的 :id 必须与 Token 中的设备一致；解除配对后 Token 立即失效
func DeviceAuthMiddleware(jwtService *jwt.JWTService, devices DeviceAuthenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			return
		}
		claims, err := jwtService.ValidateDeviceToken(tokenString)
		if err != nil {
			response.Unauthorized(c, "设备 Token 无效或已过期")
			c.Abort()
			return
		}
		if id := c.Param("id"); id != "" && id != claims.DeviceID {
			response.Forbidden(c, "无权访问该设备")
			c.Abort()
			return
		}
		if err := devices.Authenticate(c.Request.Context(), claims.DeviceID, claims.DeviceToken); err != nil {
			response.Unauthorized(c, "设备凭证已失效")
			c.Abort()
			return
		}
		c.Set(KeyDeviceID, claims.DeviceID)
		c.Next()
	}
}

// GetTechnicianID 从上下文获取技术员 ID，未认证返回 0
func GetTechnicianID(c *gin.Context) int64 {
	return c.GetInt64(KeyTechnicianID)
}

// GetSessionID 从上下文获取客户端 Token 绑定的会话码
func GetSessionID(c *gin.Context) string {
	return c.GetString(KeySessionID)
}

// GetDeviceID 从上下文获取设备 ID
func GetDeviceID(c *gin.Context) string {
	return c.GetString(KeyDeviceID)
}

// ParticipantAuthMiddleware 会话参与者认证中间件
// 接受客户端 Token 或技术员 Token，分别设置 session_id 或 technician_id
// 技术员对会话的访问权限由 handler 检查
func ParticipantAuthMiddleware(jwtService *jwt.JWTService, revocations Revocations, sessions ClientSessions) gin.HandlerFunc {
	technician := AuthMiddleware(jwtService, revocations)
	client := ClientAuthMiddleware(jwtService, sessions)
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
			if _, err := jwtService.ValidateClientToken(token); err == nil {
				client(c)
				return
			}
		}
		technician(c)
	}
}
