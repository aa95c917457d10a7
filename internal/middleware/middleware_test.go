package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remote-assist/internal/config"
	"remote-assist/internal/logger"
	"remote-assist/pkg/jwt"
)

type revokedSet map[string]bool

func (r revokedSet) IsTokenRevoked(_ context.Context, token string) bool { return r[token] }

type deviceTokens map[string]string

func (d deviceTokens) Authenticate(_ context.Context, deviceID, token string) error {
	if d[deviceID] != token {
		return errors.New("mismatch")
	}
	return nil
}

// currentNonces 会话码 -> 当前记录的 Nonce
type currentNonces map[string]string

func (n currentNonces) IsCurrentClient(_ context.Context, sessionID, nonce string) (bool, error) {
	current, ok := n[sessionID]
	return !ok || current == nonce, nil
}

func newJWT() *jwt.JWTService {
	return jwt.NewJWTService("test-secret-test-secret-test-secret", time.Hour, 24*time.Hour)
}

func serve(r *gin.Engine, method, path, token string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	jwtService := newJWT()
	revoked := revokedSet{}

	r := gin.New()
	r.GET("/me", AuthMiddleware(jwtService, revoked), func(c *gin.Context) {
		c.String(http.StatusOK, "%d", GetTechnicianID(c))
	})

	token, err := jwtService.GenerateAccessToken(42, "alice")
	require.NoError(t, err)

	w := serve(r, http.MethodGet, "/me", token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "42", w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/me", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/me", "garbage").Code)

	// 其他类型的 Token 不能当作技术员 Token
	clientToken, err := jwtService.GenerateClientToken("ABC-123-XYZ", "n-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/me", clientToken).Code)

	revoked[token] = true
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/me", token).Code)
}

func TestClientAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	jwtService := newJWT()

	sessions := currentNonces{"ABC-123-XYZ": "n-1"}

	r := gin.New()
	r.GET("/sessions/:code", ClientAuthMiddleware(jwtService, sessions), func(c *gin.Context) {
		c.String(http.StatusOK, GetSessionID(c))
	})

	token, err := jwtService.GenerateClientToken("ABC-123-XYZ", "n-1", time.Minute)
	require.NoError(t, err)

	w := serve(r, http.MethodGet, "/sessions/abc-123-xyz", token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ABC-123-XYZ", w.Body.String())

	assert.Equal(t, http.StatusForbidden, serve(r, http.MethodGet, "/sessions/XYZ-123-ABC", token).Code)

	// 会话码被重新注册，旧记录的 Token 失效
	sessions["ABC-123-XYZ"] = "n-2"
	w = serve(r, http.MethodGet, "/sessions/ABC-123-XYZ", token)
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Contains(t, w.Body.String(), "1305")
}

func TestDeviceAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	jwtService := newJWT()
	devices := deviceTokens{"dev-1": "secret"}

	r := gin.New()
	r.GET("/devices/:id/pending", DeviceAuthMiddleware(jwtService, devices), func(c *gin.Context) {
		c.String(http.StatusOK, GetDeviceID(c))
	})

	token, err := jwtService.GenerateDeviceToken("dev-1", "secret")
	require.NoError(t, err)
	w := serve(r, http.MethodGet, "/devices/dev-1/pending", token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dev-1", w.Body.String())

	assert.Equal(t, http.StatusForbidden, serve(r, http.MethodGet, "/devices/dev-2/pending", token).Code)

	// 设备令牌轮换后旧 JWT 失效
	devices["dev-1"] = "rotated"
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/devices/dev-1/pending", token).Code)
}

func TestParticipantAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	jwtService := newJWT()

	r := gin.New()
	r.GET("/sessions/:code", ParticipantAuthMiddleware(jwtService, revokedSet{}, currentNonces{}), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"session": GetSessionID(c), "technician": GetTechnicianID(c)})
	})

	clientToken, err := jwtService.GenerateClientToken("ABC-123-XYZ", "n-1", time.Minute)
	require.NoError(t, err)
	techToken, err := jwtService.GenerateAccessToken(7, "bob")
	require.NoError(t, err)

	w := serve(r, http.MethodGet, "/sessions/ABC-123-XYZ", clientToken)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"session":"ABC-123-XYZ","technician":0}`, w.Body.String())

	w = serve(r, http.MethodGet, "/sessions/ABC-123-XYZ", techToken)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"session":"","technician":7}`, w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/sessions/ABC-123-XYZ", "").Code)
}

func TestCORSMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORSMiddleware(DefaultCORSConfig([]string{"http://localhost:3000"})))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	w := serve(r, http.MethodOptions, "/ping", "", "Origin", "http://localhost:3000")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "86400", w.Header().Get("Access-Control-Max-Age"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodPut)

	w = serve(r, http.MethodGet, "/ping", "", "Origin", "http://evil.example")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	open := gin.New()
	open.Use(CORSMiddleware(DefaultCORSConfig(nil)))
	open.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	w = serve(open, http.MethodGet, "/ping", "", "Origin", "http://any.example")
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := logger.NewWithWriter(config.LogConfig{Level: "error"}, io.Discard)

	r := gin.New()
	r.Use(RecoveryMiddleware(log), LoggerMiddleware(log))
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := serve(r, http.MethodGet, "/boom", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "1004")
}
