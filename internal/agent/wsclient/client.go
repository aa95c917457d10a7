// Package wsclient 处理代理与信令通道的 WebSocket 连接
package wsclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"remote-assist/internal/relay"
)

const (
	writeWait         = 10 * time.Second
	heartbeatInterval = 30 * time.Second
	sendBuffer        = 256
)

var (
	// ErrNotConnected 连接未建立或已关闭
	ErrNotConnected = errors.New("连接已关闭")
	// ErrBufferFull 发送缓冲区已满
	ErrBufferFull = errors.New("发送缓冲区已满")
)

// Handler 处理中继投递的消息
type Handler func(*relay.Envelope)

// Client 信令通道客户端
type Client struct {
	url      string
	conn     *websocket.Conn
	sendChan chan []byte
	done     chan struct{}
	mu       sync.Mutex
	running  bool
	handler  Handler
	onClose  func()
	log      *slog.Logger
}

// New 创建客户端
// url: 完整的 ws 地址，包含 token
func New(url string, handler Handler, log *slog.Logger) *Client {
	return &Client{
		url:      url,
		sendChan: make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		handler:  handler,
		log:      log.With("component", "wsclient"),
	}
}

// OnClose 设置连接关闭回调
func (c *Client) OnClose(fn func()) {
	c.onClose = fn
}

// Connect 建立连接并启动读写协程
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("客户端已在运行")
	}
	c.mu.Unlock()

	conn, resp, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("连接失败 (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("连接失败: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.running = true
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.readPump()
	go c.writePump()
	return nil
}

// Done 连接关闭时关闭
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Close 断开连接，重复调用安全
func (c *Client) Close() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.done)
	conn := c.conn
	c.mu.Unlock()

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	conn.Close()

	if c.onClose != nil {
		c.onClose()
	}
}

// Send 发送一条消息，payload 为 nil 时不带负载
func (c *Client) Send(msgType string, payload interface{}) error {
	in := relay.Inbound{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		in.Payload = raw
	}
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}

	c.mu.Lock()
	running, done := c.running, c.done
	c.mu.Unlock()
	if !running {
		return ErrNotConnected
	}

	select {
	case c.sendChan <- data:
		return nil
	case <-done:
		return ErrNotConnected
	default:
		return ErrBufferFull
	}
}

func (c *Client) readPump() {
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info("read error", "error", err)
			}
			return
		}

		var env relay.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("invalid message", "error", err)
			continue
		}
		if env.Type == relay.TypePong {
			continue
		}
		if c.handler != nil {
			c.handler(&env)
		}
	}
}

// writePump 串行写出消息，并定时发送应用层心跳
func (c *Client) writePump() {
	ticker := time.NewTicker(heartbeatInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	heartbeat, _ := json.Marshal(relay.Inbound{Type: relay.TypeHeartbeat})
	done := c.Done()
	for {
		var data []byte
		select {
		case <-done:
			return
		case data = <-c.sendChan:
		case <-ticker.C:
			data = heartbeat
		}

		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.log.Info("write error", "error", err)
			return
		}
	}
}
