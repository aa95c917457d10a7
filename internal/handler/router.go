package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"remote-assist/internal/middleware"
	"remote-assist/pkg/jwt"
)

// Handlers 所有 HTTP 处理器
type Handlers struct {
	Auth     *AuthHandler
	Session  *SessionHandler
	Device   *DeviceHandler
	Transfer *TransferHandler
}

// RegisterRoutes 注册 /api/v1 下的所有路由
func RegisterRoutes(
	router *gin.Engine,
	h *Handlers,
	jwtService *jwt.JWTService,
	revocations middleware.Revocations,
	devices middleware.DeviceAuthenticator,
	sessions middleware.ClientSessions,
) {
	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	technician := middleware.AuthMiddleware(jwtService, revocations)
	client := middleware.ClientAuthMiddleware(jwtService, sessions)
	participant := middleware.ParticipantAuthMiddleware(jwtService, revocations, sessions)
	device := middleware.DeviceAuthMiddleware(jwtService, devices)

	v1 := router.Group("/api/v1")

	// 技术员账号
	auth := v1.Group("/auth")
	{
		auth.POST("/register", h.Auth.Register)
		auth.POST("/login", h.Auth.Login)
		auth.POST("/refresh", h.Auth.RefreshToken)
		auth.POST("/logout", technician, h.Auth.Logout)
		auth.GET("/me", technician, h.Auth.Profile)
		auth.PUT("/password", technician, h.Auth.ChangePassword)
	}

	// 会话
	sessionsGroup := v1.Group("/sessions")
	{
		sessionsGroup.POST("", h.Session.Register)
		sessionsGroup.GET("", technician, h.Session.List)
		sessionsGroup.GET("/:code", participant, h.Session.Get)
		sessionsGroup.DELETE("/:code", technician, h.Session.Terminate)
		sessionsGroup.POST("/:code/connect", technician, h.Session.Connect)
		sessionsGroup.POST("/:code/decision", client, h.Session.Decision)
		sessionsGroup.POST("/:code/heartbeat", client, h.Session.Heartbeat)

		sessionsGroup.PUT("/:code/monitors", client, h.Session.RegisterMonitors)
		sessionsGroup.GET("/:code/monitors", participant, h.Session.ListMonitors)
		sessionsGroup.POST("/:code/monitors/active", technician, h.Session.SwitchMonitor)

		sessionsGroup.POST("/:code/transfers", participant, h.Transfer.Begin)
		sessionsGroup.GET("/:code/transfers", participant, h.Transfer.List)
	}

	// 文件传输
	transfers := v1.Group("/transfers")
	transfers.Use(participant)
	{
		transfers.GET("/:id", h.Transfer.Get)
		transfers.PUT("/:id/content", h.Transfer.UploadChunk)
		transfers.GET("/:id/content", h.Transfer.DownloadChunk)
		transfers.POST("/:id/complete", h.Transfer.Complete)
	}

	// 设备：代理使用设备 Token，技术员使用 Access Token
	devicesGroup := v1.Group("/devices")
	{
		devicesGroup.POST("/register", h.Device.Register)
		devicesGroup.POST("/:id/heartbeat", device, h.Device.Heartbeat)
		devicesGroup.GET("/:id/pending", device, h.Device.CheckPending)
		devicesGroup.POST("/:id/claim", device, h.Device.Claim)

		devicesGroup.GET("", technician, h.Device.List)
		devicesGroup.GET("/:id", technician, h.Device.Get)
		devicesGroup.PUT("/:id", technician, h.Device.Update)
		devicesGroup.DELETE("/:id", technician, h.Device.Unpair)
		devicesGroup.POST("/:id/pair", technician, h.Device.Pair)
		devicesGroup.POST("/:id/pending", technician, h.Device.RequestPending)
		devicesGroup.POST("/:id/wake", technician, h.Device.Wake)
	}
}
