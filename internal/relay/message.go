// Package relay 实现会话范围内的信令中继
// 在客户端与技术员之间转发 WebRTC 协商和控制消息，不解析负载内容
package relay

import (
	"encoding/json"
	"errors"
)

// Role 参与者角色
type Role string

const (
	RoleClient     Role = "client"
	RoleTechnician Role = "technician"
)

// Valid 检查角色是否合法
func (r Role) Valid() bool {
	return r == RoleClient || r == RoleTechnician
}

// Counterpart 返回消息的接收方角色
func (r Role) Counterpart() Role {
	if r == RoleClient {
		return RoleTechnician
	}
	return RoleClient
}

// 消息类型
const (
	// WebRTC 协商
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"

	// 控制面
	TypeChat          = "chat"
	TypeFileAvailable = "file-available"
	TypeMonitorSwitch = "monitor-switch"
	TypeStreamQuality = "stream-quality"
	TypeInputEvent    = "input-event"

	// 审批
	TypeApprovalRequest  = "approval:request"
	TypeApprovalDecision = "approval:decision"
	TypeApprovalResult   = "approval:result"

	// 中继自身产生的通知
	TypePeerJoined    = "peer-joined"
	TypePeerLeft      = "peer-left"
	TypeDeliveryGap   = "delivery-gap"
	TypeChannelClosed = "channel-closed"
	TypeHeartbeat     = "heartbeat"
	TypePong          = "pong"
	TypeError         = "error"
)

// FromServer 服务端产生的消息的 From 字段
const FromServer = "server"

// 中继错误
var (
	ErrDeliveryFailure = errors.New("relay: delivery failure")
	ErrNotJoined       = errors.New("relay: participant not joined")
	ErrInvalidRole     = errors.New("relay: invalid role")
	ErrInvalidMessage  = errors.New("relay: invalid message")
	ErrClosed          = errors.New("relay: channel closed")
)

// Inbound 参与者发来的消息
// 中继只读取 Type，Payload 原样转发
type Inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Envelope 投递给参与者的消息
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	From      string          `json:"from"`
	Role      Role            `json:"role,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// ParseInbound 解析参与者发来的原始帧
func ParseInbound(frame []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(frame, &in); err != nil {
		return nil, ErrInvalidMessage
	}
	if in.Type == "" {
		return nil, ErrInvalidMessage
	}
	return &in, nil
}

// PeerPayload peer-joined / peer-left 的负载
type PeerPayload struct {
	ParticipantID string `json:"participant_id"`
	Role          Role   `json:"role"`
}

// GapPayload delivery-gap 的负载
type GapPayload struct {
	Dropped int `json:"dropped"`
}

// ClosedPayload channel-closed 的负载
type ClosedPayload struct {
	Reason string `json:"reason"`
}

// ErrorPayload error 的负载
type ErrorPayload struct {
	Message string `json:"message"`
}
