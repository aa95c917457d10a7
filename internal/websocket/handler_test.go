package websocket

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remote-assist/internal/cache"
	"remote-assist/internal/clock"
	"remote-assist/internal/config"
	"remote-assist/internal/logger"
	"remote-assist/internal/relay"
	"remote-assist/internal/repository"
	"remote-assist/internal/service"
	"remote-assist/pkg/jwt"
)

type testEnv struct {
	server    *httptest.Server
	jwt       *jwt.JWTService
	sessions  *service.SessionService
	approvals *service.ApprovalService
	auth      *service.AuthService
	hub       *relay.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewWithWriter(config.LogConfig{Level: "error"}, io.Discard)
	clk := clock.Real()

	monitors := repository.NewMemoryMonitorStore()
	technicians := repository.NewMemoryTechnicianStore()
	jwtService := jwt.NewJWTService("test-secret-test-secret-test-secret", time.Hour, 24*time.Hour)

	sessions := service.NewSessionService(repository.NewMemorySessionStore(monitors), repository.NewMemoryAuditStore(), monitors, clk, 10*time.Minute, log)
	approvals := service.NewApprovalService(sessions, repository.NewMemoryDeviceStore(), technicians, false, log)
	auth := service.NewAuthService(technicians, cache.NewMemoryCache(clk), jwtService, clk, log)
	bridge := service.NewRelayBridge(sessions, log)
	hub := relay.NewHub(relay.Options{QueueSize: 64, MaxRetries: 1, RetryBackoff: time.Millisecond}, clk, bridge, bridge, log)
	sessions.SetNotifier(hub)

	r := gin.New()
	NewHandler(hub, bridge, sessions, approvals, auth, jwtService, log).RegisterRoutes(r)
	server := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})

	return &testEnv{server: server, jwt: jwtService, sessions: sessions, approvals: approvals, auth: auth, hub: hub}
}

func (e *testEnv) dial(t *testing.T, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/session?" + query
	return websocket.DefaultDialer.Dial(url, nil)
}

// readUntil 读取消息直到出现 msgType
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) relay.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", msgType)
		var env relay.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Type == msgType {
			return env
		}
	}
}

// waitJoined 握手完成后 Join 还在服务端进行
func (e *testEnv) waitJoined(t *testing.T, sessionID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(e.hub.Participants(sessionID)) == n
	}, 2*time.Second, 10*time.Millisecond)
}

// registerClient 注册会话并签发绑定该记录的客户端 Token
func (e *testEnv) registerClient(t *testing.T, code string) string {
	t.Helper()
	session, err := e.sessions.Register(context.Background(), &service.RegisterSessionRequest{SessionID: code})
	require.NoError(t, err)
	token, err := e.jwt.GenerateClientToken(session.SessionID, session.Nonce, time.Minute)
	require.NoError(t, err)
	return token
}

func (e *testEnv) technicianToken(t *testing.T) (string, int64) {
	t.Helper()
	ctx := context.Background()
	reg, err := e.auth.Register(ctx, &service.RegisterRequest{Username: "tech", Password: "secret123"})
	require.NoError(t, err)
	login, err := e.auth.Login(ctx, &service.LoginRequest{Username: "tech", Password: "secret123"})
	require.NoError(t, err)
	return login.AccessToken, reg.TechnicianID
}

func TestSessionWS_RequiresToken(t *testing.T) {
	env := newTestEnv(t)

	_, resp, err := env.dial(t, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = env.dial(t, "token=garbage")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSessionWS_UnknownSession(t *testing.T) {
	env := newTestEnv(t)
	token, err := env.jwt.GenerateClientToken("ZZZ-ZZZ-ZZZ", "n-1", time.Minute)
	require.NoError(t, err)

	_, resp, err := env.dial(t, "token="+token)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionWS_ApprovalAndRelay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	clientToken := env.registerClient(t, "ABC-123-XYZ")

	client, _, err := env.dial(t, "token="+clientToken)
	require.NoError(t, err)
	defer client.Close()
	env.waitJoined(t, "ABC-123-XYZ", 1)

	techToken, techID := env.technicianToken(t)

	// 审批前技术员不能加入
	_, resp, err := env.dial(t, "token="+techToken+"&session=ABC-123-XYZ")
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	result, err := env.approvals.Evaluate(ctx, "ABC-123-XYZ", techID)
	require.NoError(t, err)
	assert.Equal(t, service.DecisionPendingManual, result.Decision)

	request := readUntil(t, client, relay.TypeApprovalRequest)
	assert.Equal(t, relay.FromServer, request.From)

	require.NoError(t, client.WriteJSON(map[string]interface{}{
		"type":    relay.TypeApprovalDecision,
		"payload": map[string]bool{"approved": true},
	}))
	outcome := readUntil(t, client, relay.TypeApprovalResult)
	var payload service.ApprovalResultPayload
	require.NoError(t, json.Unmarshal(outcome.Payload, &payload))
	assert.True(t, payload.Approved)

	tech, _, err := env.dial(t, "token="+techToken+"&session=abc-123-xyz")
	require.NoError(t, err)
	defer tech.Close()

	joined := readUntil(t, client, relay.TypePeerJoined)
	assert.Equal(t, relay.FromServer, joined.From)

	require.NoError(t, tech.WriteMessage(websocket.TextMessage, []byte(`{"type":"offer","payload":{"sdp":"v=0"}}`)))
	offer := readUntil(t, client, relay.TypeOffer)
	assert.Equal(t, service.TechnicianParticipant(techID), offer.From)
	assert.Equal(t, relay.RoleTechnician, offer.Role)
	assert.JSONEq(t, `{"sdp":"v=0"}`, string(offer.Payload))

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"answer","payload":{"sdp":"v=1"}}`)))
	answer := readUntil(t, tech, relay.TypeAnswer)
	assert.Equal(t, service.ClientParticipant("ABC-123-XYZ"), answer.From)

	// 技术员断开后会话回到 waiting
	tech.Close()
	readUntil(t, client, relay.TypePeerLeft)
	assert.Eventually(t, func() bool {
		s, err := env.sessions.Get(ctx, "ABC-123-XYZ")
		return err == nil && s.Status == "waiting"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSessionWS_StaleDecisionReportsError(t *testing.T) {
	env := newTestEnv(t)

	clientToken := env.registerClient(t, "ABC-123-XYZ")

	client, _, err := env.dial(t, "token="+clientToken)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.WriteJSON(map[string]interface{}{
		"type":    relay.TypeApprovalDecision,
		"payload": map[string]bool{"approved": true},
	}))
	errEnv := readUntil(t, client, relay.TypeError)
	var payload relay.ErrorPayload
	require.NoError(t, json.Unmarshal(errEnv.Payload, &payload))
	assert.Equal(t, service.ErrStaleDecision.Error(), payload.Message)
}

func TestSessionWS_TerminateClosesChannel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	clientToken := env.registerClient(t, "ABC-123-XYZ")

	client, _, err := env.dial(t, "token="+clientToken)
	require.NoError(t, err)
	defer client.Close()

	env.waitJoined(t, "ABC-123-XYZ", 1)

	require.NoError(t, env.sessions.Terminate(ctx, "ABC-123-XYZ", nil))
	closed := readUntil(t, client, relay.TypeChannelClosed)
	assert.JSONEq(t, `{"reason":"terminated"}`, string(closed.Payload))
}

func TestSessionWS_ReplacedSessionRejectsOldClientToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	old := env.registerClient(t, "ABC-123-XYZ")
	require.NoError(t, env.sessions.Terminate(ctx, "ABC-123-XYZ", nil))
	fresh := env.registerClient(t, "ABC-123-XYZ")

	_, resp, err := env.dial(t, "token="+old)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	client, _, err := env.dial(t, "token="+fresh)
	require.NoError(t, err)
	defer client.Close()
	env.waitJoined(t, "ABC-123-XYZ", 1)
}

func TestSessionWS_TechnicianRemovedWhenSessionReturnsToWaiting(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	clientToken := env.registerClient(t, "ABC-123-XYZ")
	client, _, err := env.dial(t, "token="+clientToken)
	require.NoError(t, err)
	defer client.Close()
	env.waitJoined(t, "ABC-123-XYZ", 1)

	techToken, techID := env.technicianToken(t)
	_, err = env.approvals.Evaluate(ctx, "ABC-123-XYZ", techID)
	require.NoError(t, err)
	_, err = env.approvals.Decide(ctx, "ABC-123-XYZ", true, service.ClientParticipant("ABC-123-XYZ"))
	require.NoError(t, err)

	tech, _, err := env.dial(t, "token="+techToken+"&session=ABC-123-XYZ")
	require.NoError(t, err)
	defer tech.Close()
	env.waitJoined(t, "ABC-123-XYZ", 2)

	// 会话在技术员仍在通道时回到 waiting
	_, err = env.sessions.Transition(ctx, "ABC-123-XYZ", "waiting", nil)
	require.NoError(t, err)

	closed := readUntil(t, tech, relay.TypeChannelClosed)
	assert.JSONEq(t, `{"reason":"waiting"}`, string(closed.Payload))
	readUntil(t, client, relay.TypePeerLeft)
	env.waitJoined(t, "ABC-123-XYZ", 1)
}
