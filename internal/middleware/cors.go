package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// CORSConfig CORS 跨域配置
type CORSConfig struct {
	AllowOrigins     []string // 允许的来源，如 ["http://localhost:3000", "https://example.com"]
	AllowMethods     []string // 允许的 HTTP 方法
	AllowHeaders     []string // 允许的请求头
	ExposeHeaders    []string // 允许暴露的响应头
	AllowCredentials bool     // 是否允许携带凭据（Cookie）
	MaxAge           int      // 预检请求结果的缓存时间（秒）
}

// DefaultCORSConfig 返回默认的 CORS 配置
// origins 为空时允许所有来源
func DefaultCORSConfig(origins []string) CORSConfig {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders: []string{
			"Origin",
			"Content-Type",
			"Accept",
			"Authorization",
			"Content-Range",
		},
		ExposeHeaders: []string{
			"Content-Length",
			"Content-Range",
		},
		AllowCredentials: true,
		MaxAge:           86400, // 24 小时
	}
}

// CORSMiddleware 创建 CORS 跨域中间件
func CORSMiddleware(cfg CORSConfig) gin.HandlerFunc {
	allowAll := len(cfg.AllowOrigins) == 1 && cfg.AllowOrigins[0] == "*"
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		// 检查来源是否被允许
		allowOrigin := ""
		if allowAll {
			allowOrigin = "*"
		} else {
			for _, o := range cfg.AllowOrigins {
				if o == origin {
					allowOrigin = origin
					break
				}
			}
		}

		if allowOrigin != "" {
			c.Header("Access-Control-Allow-Origin", allowOrigin)
			if cfg.AllowCredentials && !allowAll {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
			if len(cfg.ExposeHeaders) > 0 {
				c.Header("Access-Control-Expose-Headers", strings.Join(cfg.ExposeHeaders, ", "))
			}
		}

		// 预检请求直接返回 204
		if c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Methods", strings.Join(cfg.AllowMethods, ", "))
			c.Header("Access-Control-Allow-Headers", strings.Join(cfg.AllowHeaders, ", "))
			if cfg.MaxAge > 0 {
				c.Header("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
			}
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
