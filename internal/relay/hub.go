package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"remote-assist/internal/clock"
)

// Transport 参与者的底层连接
// Write 在同一个参与者上只会被一个 goroutine 调用
type Transport interface {
	Write(ctx context.Context, frame []byte) error
	Close() error
}

// Gate 决定参与者能否加入会话
// 客户端要求会话存在且未过期，技术员要求会话已连接且已获准入
type Gate interface {
	Admit(ctx context.Context, sessionID, participantID string, role Role) error
}

// Observer 接收通道上的生命周期事件
// 回调时不持有任何中继内部的锁
type Observer interface {
	// OnActivity 会话上有流量，按 TouchInterval 节流，在独立的 goroutine 中调用
	OnActivity(sessionID string)
	// OnTechniciansGone 最后一个技术员离开
	OnTechniciansGone(sessionID string)
}

// DefaultTouchInterval OnActivity 的默认最小间隔
const DefaultTouchInterval = 30 * time.Second

// Options 中继参数
type Options struct {
	QueueSize     int           // 每个接收方的队列长度
	IdleTimeout   time.Duration // 无流量多久关闭通道，0 表示不关闭
	MaxRetries    int           // 写失败后的重试次数
	RetryBackoff  time.Duration // 重试间隔
	WriteTimeout  time.Duration // 单次写超时
	TouchInterval time.Duration // OnActivity 的最小间隔
}

// Hub 维护所有会话的通道
// 每个会话一个 room，room 之间没有共享状态
type Hub struct {
	opts     Options
	clk      clock.Clock
	gate     Gate
	observer Observer
	log      *slog.Logger

	mu    sync.Mutex
	rooms map[string]*room
}

// NewHub 创建中继
func NewHub(opts Options, clk clock.Clock, gate Gate, observer Observer, log *slog.Logger) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.TouchInterval <= 0 {
		opts.TouchInterval = DefaultTouchInterval
	}
	return &Hub{
		opts:     opts,
		clk:      clk,
		gate:     gate,
		observer: observer,
		log:      log.With("component", "relay"),
		rooms:    make(map[string]*room),
	}
}

// SetGate 设置准入检查，必须在第一次 Join 之前调用
func (h *Hub) SetGate(g Gate) { h.gate = g }

// SetObserver 设置生命周期回调，必须在第一次 Join 之前调用
func (h *Hub) SetObserver(o Observer) { h.observer = o }

type room struct {
	id           string
	mu           sync.Mutex
	participants map[string]*participant
	idle         clock.Timer
	lastActivity time.Time
	lastTouch    time.Time
	closed       bool
}

type participant struct {
	id        string
	role      Role
	transport Transport
	queue     *queue
	done      chan struct{} // 被服务端移出通道时关闭
}

// Channel 一个参与者在会话通道上的句柄
type Channel struct {
	hub  *Hub
	room *room
	p    *participant
}

// SessionID 通道所属会话
func (c *Channel) SessionID() string { return c.room.id }

// ParticipantID 参与者标识
func (c *Channel) ParticipantID() string { return c.p.id }

// Role 参与者角色
func (c *Channel) Role() Role { return c.p.role }

// Done 服务端关闭通道或参与者被替换时关闭
func (c *Channel) Done() <-chan struct{} { return c.p.done }

// Send 发送一条原始消息
func (c *Channel) Send(frame []byte) error {
	return c.hub.send(c.room, c.p, frame)
}

// Reply 只给该参与者自己推送一条服务端消息
func (c *Channel) Reply(msgType string, data interface{}) {
	out := c.hub.envelope(c.room.id, msgType, FromServer, "", data)
	c.room.mu.Lock()
	defer c.room.mu.Unlock()
	if !c.room.closed && c.room.participants[c.p.id] == c.p {
		c.hub.enqueue(c.room, c.p, out)
	}
}

// Close 离开通道
// 重复调用安全
func (c *Channel) Close() {
	c.hub.leave(c.room, c.p)
}

// Join 加入会话通道
// 同一 participantID 重复加入时，旧连接被替换并关闭
func (h *Hub) Join(ctx context.Context, sessionID, participantID string, role Role, t Transport) (*Channel, error) {
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	if h.gate != nil {
		if err := h.gate.Admit(ctx, sessionID, participantID, role); err != nil {
			return nil, err
		}
	}

	p := &participant{
		id:        participantID,
		role:      role,
		transport: t,
		queue:     newQueue(h.opts.QueueSize),
		done:      make(chan struct{}),
	}

	for {
		r := h.roomFor(sessionID)
		r.mu.Lock()
		if r.closed {
			// 取到 room 之后它恰好被关闭，重新取一个
			r.mu.Unlock()
			continue
		}
		old := r.participants[participantID]
		r.participants[participantID] = p
		if old != nil {
			h.stop(old, true)
		}
		joined := h.envelope(sessionID, TypePeerJoined, FromServer, "", PeerPayload{ParticipantID: participantID, Role: role})
		for id, other := range r.participants {
			if id != participantID {
				h.enqueue(r, other, joined)
			}
		}
		h.resetIdle(r)
		r.mu.Unlock()

		ch := &Channel{hub: h, room: r, p: p}
		// 准入检查与加入之间会话状态可能已经变化，加入后再查一次
		if h.gate != nil {
			if err := h.gate.Admit(ctx, sessionID, participantID, role); err != nil {
				h.leave(r, p)
				return nil, err
			}
		}

		go h.pump(sessionID, p)

		h.log.Info("participant joined", "session_id", sessionID, "participant_id", participantID, "role", role)
		return ch, nil
	}
}

// Send 以 from 的身份向会话发送一条消息
func (h *Hub) Send(sessionID, from string, frame []byte) error {
	h.mu.Lock()
	r := h.rooms[sessionID]
	h.mu.Unlock()
	if r == nil {
		return ErrNotJoined
	}
	r.mu.Lock()
	p := r.participants[from]
	r.mu.Unlock()
	if p == nil {
		return ErrNotJoined
	}
	return h.send(r, p, frame)
}

// send 按角色扇出
// 客户端的消息发给所有技术员，技术员的消息发给所有客户端
func (h *Hub) send(r *room, from *participant, frame []byte) error {
	in, err := ParseInbound(frame)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed || r.participants[from.id] != from {
		r.mu.Unlock()
		return ErrClosed
	}
	h.resetIdle(r)

	if in.Type == TypeHeartbeat {
		h.enqueue(r, from, h.rawEnvelope(r.id, TypePong, FromServer, "", nil))
	} else {
		out := h.rawEnvelope(r.id, in.Type, from.id, from.role, in.Payload)
		target := from.role.Counterpart()
		for _, p := range r.participants {
			if p.role == target {
				h.enqueue(r, p, out)
			}
		}
	}
	touch := h.shouldTouch(r)
	r.mu.Unlock()

	// 续期要读写存储，不占用发送方
	if touch && h.observer != nil {
		go h.observer.OnActivity(r.id)
	}
	return nil
}

// Notify 由服务端向会话中指定角色的参与者推送消息
// role 为空时发给所有人；会话没有通道时静默丢弃
func (h *Hub) Notify(sessionID, role, msgType string, data interface{}) {
	h.mu.Lock()
	r := h.rooms[sessionID]
	h.mu.Unlock()
	if r == nil {
		h.log.Debug("notify dropped, no channel", "session_id", sessionID, "type", msgType)
		return
	}
	out := h.envelope(sessionID, msgType, FromServer, "", data)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.participants {
		if role == "" || string(p.role) == role {
			h.enqueue(r, p, out)
		}
	}
}

// CloseSession 关闭会话通道
// 会话终止或过期时由服务层调用，不会触发 OnTechniciansGone
func (h *Hub) CloseSession(sessionID, reason string) {
	h.mu.Lock()
	r := h.rooms[sessionID]
	h.mu.Unlock()
	if r != nil {
		h.closeRoom(r, reason, false)
	}
}

// RemoveRole 把会话中 role 角色的参与者移出通道
// 被移出的参与者先收到 channel-closed，其余参与者收到 peer-left；不会触发 OnTechniciansGone
func (h *Hub) RemoveRole(sessionID, role, reason string) {
	h.mu.Lock()
	r := h.rooms[sessionID]
	h.mu.Unlock()
	if r == nil {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	closed := h.envelope(sessionID, TypeChannelClosed, FromServer, "", ClosedPayload{Reason: reason})
	var removed []*participant
	for id, p := range r.participants {
		if string(p.role) != role {
			continue
		}
		delete(r.participants, id)
		h.enqueue(r, p, closed)
		h.stop(p, false)
		removed = append(removed, p)
	}
	for _, p := range removed {
		left := h.envelope(sessionID, TypePeerLeft, FromServer, "", PeerPayload{ParticipantID: p.id, Role: p.role})
		for _, other := range r.participants {
			h.enqueue(r, other, left)
		}
	}
	empty := len(r.participants) == 0
	if empty {
		r.closed = true
		if r.idle != nil {
			r.idle.Stop()
		}
	}
	r.mu.Unlock()

	if empty {
		h.mu.Lock()
		if h.rooms[r.id] == r {
			delete(h.rooms, r.id)
		}
		h.mu.Unlock()
	}
	for _, p := range removed {
		h.log.Info("participant removed", "session_id", sessionID, "participant_id", p.id, "reason", reason)
	}
}

// Close 关闭所有通道，服务退出时调用
func (h *Hub) Close() {
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()
	for _, r := range rooms {
		h.closeRoom(r, "shutdown", false)
	}
}

// Participants 返回会话当前的参与者及角色
func (h *Hub) Participants(sessionID string) map[string]Role {
	h.mu.Lock()
	r := h.rooms[sessionID]
	h.mu.Unlock()
	out := make(map[string]Role)
	if r == nil {
		return out
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.participants {
		out[id] = p.role
	}
	return out
}

func (h *Hub) roomFor(sessionID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[sessionID]; ok {
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if !closed {
			return r
		}
	}
	r := &room{id: sessionID, participants: make(map[string]*participant), lastActivity: h.clk.Now()}
	if h.opts.IdleTimeout > 0 {
		r.idle = h.clk.AfterFunc(h.opts.IdleTimeout, func() { h.closeIdle(r) })
	}
	h.rooms[sessionID] = r
	return r
}

// leave 参与者离开
// 其余参与者收到 peer-left；最后一个技术员离开时通知 Observer
func (h *Hub) leave(r *room, p *participant) {
	r.mu.Lock()
	if r.participants[p.id] != p {
		r.mu.Unlock()
		return
	}
	delete(r.participants, p.id)
	h.stop(p, true)

	left := h.envelope(r.id, TypePeerLeft, FromServer, "", PeerPayload{ParticipantID: p.id, Role: p.role})
	techniciansLeft := 0
	for _, other := range r.participants {
		h.enqueue(r, other, left)
		if other.role == RoleTechnician {
			techniciansLeft++
		}
	}
	empty := len(r.participants) == 0
	if empty {
		r.closed = true
		if r.idle != nil {
			r.idle.Stop()
		}
	}
	r.mu.Unlock()

	if empty {
		h.mu.Lock()
		if h.rooms[r.id] == r {
			delete(h.rooms, r.id)
		}
		h.mu.Unlock()
	}

	h.log.Info("participant left", "session_id", r.id, "participant_id", p.id, "role", p.role)
	if p.role == RoleTechnician && techniciansLeft == 0 && h.observer != nil {
		h.observer.OnTechniciansGone(r.id)
	}
}

// closeIdle 空闲定时器到期
// 定时器触发与新流量竞争时以最后活动时间为准
func (h *Hub) closeIdle(r *room) {
	r.mu.Lock()
	quiet := h.clk.Now().Sub(r.lastActivity)
	r.mu.Unlock()
	if quiet < h.opts.IdleTimeout {
		return
	}
	h.closeRoom(r, "idle", true)
}

// closeRoom 关闭整个通道
// 每个参与者先收到 channel-closed，再断开连接
func (h *Hub) closeRoom(r *room, reason string, notifyObserver bool) {
	sessionID := r.id
	h.mu.Lock()
	if h.rooms[sessionID] == r {
		delete(h.rooms, sessionID)
	}
	h.mu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.idle != nil {
		r.idle.Stop()
	}
	closed := h.envelope(sessionID, TypeChannelClosed, FromServer, "", ClosedPayload{Reason: reason})
	hadTechnician := false
	for _, p := range r.participants {
		if p.role == RoleTechnician {
			hadTechnician = true
		}
		h.enqueue(r, p, closed)
		h.stop(p, false)
	}
	r.participants = make(map[string]*participant)
	r.mu.Unlock()

	h.log.Info("channel closed", "session_id", sessionID, "reason", reason)
	if notifyObserver && hadTechnician && h.observer != nil {
		h.observer.OnTechniciansGone(sessionID)
	}
}

// stop 把参与者移出通道
// discard 为 false 时已入队的消息（包括告别通知）仍会投递完
// 调用方持有 room 锁
func (h *Hub) stop(p *participant, discard bool) {
	select {
	case <-p.done:
		return
	default:
	}
	close(p.done)
	p.queue.close(discard)
}

// enqueue 调用方持有 room 锁
func (h *Hub) enqueue(r *room, p *participant, frame []byte) {
	if p.queue.push(frame) {
		h.log.Warn("recipient queue full, dropped oldest",
			"session_id", r.id, "participant_id", p.id)
	}
}

// pump 每个参与者一个 goroutine，按入队顺序写出
// 队列关闭并排空后关闭底层连接
func (h *Hub) pump(sessionID string, p *participant) {
	defer p.transport.Close()
	for {
		frame, gap, ok := p.queue.next()
		if !ok {
			return
		}
		if gap > 0 {
			h.deliver(sessionID, p, h.envelope(sessionID, TypeDeliveryGap, FromServer, "", GapPayload{Dropped: gap}))
		}
		h.deliver(sessionID, p, frame)
	}
}

// deliver 写一条消息，失败按 MaxRetries 重试
// 最终失败只记录日志，不影响发送方
func (h *Hub) deliver(sessionID string, p *participant, frame []byte) {
	var err error
	for attempt := 0; attempt <= h.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(h.opts.RetryBackoff)
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.WriteTimeout)
		err = p.transport.Write(ctx, frame)
		cancel()
		if err == nil {
			return
		}
	}
	h.log.Warn("message dropped",
		"session_id", sessionID,
		"participant_id", p.id,
		"attempts", h.opts.MaxRetries+1,
		"error", errors.Join(ErrDeliveryFailure, err))
}

// resetIdle 调用方持有 room 锁
func (h *Hub) resetIdle(r *room) {
	r.lastActivity = h.clk.Now()
	if r.idle != nil {
		r.idle.Reset(h.opts.IdleTimeout)
	}
}

// shouldTouch 调用方持有 room 锁
func (h *Hub) shouldTouch(r *room) bool {
	now := h.clk.Now()
	if now.Sub(r.lastTouch) < h.opts.TouchInterval {
		return false
	}
	r.lastTouch = now
	return true
}

func (h *Hub) envelope(sessionID, msgType, from string, role Role, data interface{}) []byte {
	var payload json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			h.log.Error("marshal payload failed", "type", msgType, "error", err)
		} else {
			payload = b
		}
	}
	return h.rawEnvelope(sessionID, msgType, from, role, payload)
}

func (h *Hub) rawEnvelope(sessionID, msgType, from string, role Role, payload json.RawMessage) []byte {
	b, _ := json.Marshal(Envelope{
		Type:      msgType,
		SessionID: sessionID,
		From:      from,
		Role:      role,
		Payload:   payload,
		Timestamp: h.clk.Now().UnixMilli(),
	})
	return b
}
