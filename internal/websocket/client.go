// Package websocket 把 gorilla/websocket 连接接入信令中继
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"remote-assist/internal/relay"
	"remote-assist/internal/service"
)

// 连接配置常量
const (
	// 写超时时间
	writeWait = 10 * time.Second

	// 等待 Pong 响应的超时时间
	pongWait = 60 * time.Second

	// 发送 Ping 的间隔（必须小于 pongWait）
	pingPeriod = (pongWait * 9) / 10

	// 消息最大大小（1MB）
	maxMessageSize = 1024 * 1024
)

// conn 实现 relay.Transport
// 中继的 pump 写数据帧，ping 循环写控制帧，两者用 mu 串行
type conn struct {
	ws        *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws}
}

// Write 写一个文本帧
func (c *conn) Write(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close 发送关闭帧并断开，重复调用安全
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// decisionPayload 客户端 approval:decision 的负载
type decisionPayload struct {
	Approved bool `json:"approved"`
}

// Client 一个已加入中继的 WebSocket 连接
type Client struct {
	conn      *conn
	channel   *relay.Channel
	approvals *service.ApprovalService
	log       *slog.Logger
}

// ReadPump 读取 WebSocket 消息
// 每个连接一个 goroutine，退出时离开通道
func (c *Client) ReadPump() {
	defer func() {
		c.channel.Close()
		c.conn.Close()
	}()

	ws := c.conn.ws
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info("websocket read error", "error", err)
			}
			return
		}
		// 任何消息都说明对端还活着
		ws.SetReadDeadline(time.Now().Add(pongWait))
		c.handleFrame(frame)
	}
}

// PingPump 定时发送 Ping，直到通道关闭
func (c *Client) PingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.channel.Done():
			return
		case <-ticker.C:
			if err := c.conn.ping(); err != nil {
				return
			}
		}
	}
}

// handleFrame 处理一条入站消息
// 审批决定由服务端处理，其余原样交给中继转发
func (c *Client) handleFrame(frame []byte) {
	in, err := relay.ParseInbound(frame)
	if err != nil {
		c.channel.Reply(relay.TypeError, relay.ErrorPayload{Message: err.Error()})
		return
	}

	if in.Type == relay.TypeApprovalDecision {
		c.handleDecision(in)
		return
	}

	if err := c.channel.Send(frame); err != nil && !errors.Is(err, relay.ErrClosed) {
		c.channel.Reply(relay.TypeError, relay.ErrorPayload{Message: err.Error()})
	}
}

func (c *Client) handleDecision(in *relay.Inbound) {
	if c.channel.Role() != relay.RoleClient {
		c.channel.Reply(relay.TypeError, relay.ErrorPayload{Message: service.ErrNoPermission.Error()})
		return
	}
	var payload decisionPayload
	if err := json.Unmarshal(in.Payload, &payload); err != nil {
		c.channel.Reply(relay.TypeError, relay.ErrorPayload{Message: relay.ErrInvalidMessage.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if _, err := c.approvals.Decide(ctx, c.channel.SessionID(), payload.Approved, c.channel.ParticipantID()); err != nil {
		c.log.Info("decision rejected", "session_id", c.channel.SessionID(), "error", err)
		c.channel.Reply(relay.TypeError, relay.ErrorPayload{Message: err.Error()})
	}
}
