// Package model 定义了与数据库表对应的数据结构
package model

import (
	"time"

	"gorm.io/datatypes"
)

// SessionStatus 会话状态
type SessionStatus string

// 会话状态常量
const (
	SessionStatusWaiting         SessionStatus = "waiting"          // 客户端已注册，等待技术员
	SessionStatusPendingApproval SessionStatus = "pending_approval" // 等待客户端审批
	SessionStatusConnected       SessionStatus = "connected"        // 已建立连接
	SessionStatusDenied          SessionStatus = "denied"           // 审批被拒绝（仅出现在审计记录中）
	SessionStatusExpired         SessionStatus = "expired"          // 已过期（终态）
	SessionStatusTerminated      SessionStatus = "terminated"       // 被操作员终止（终态）
)

// IsTerminal 终态不允许任何迁移
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusExpired || s == SessionStatusTerminated
}

// Session 远程协助会话
// 对应数据库表 sessions
type Session struct {
	// SessionID 可分享的会话码，例如 "ABC-123-XYZ"
	// 一旦签发不可修改
	SessionID string `gorm:"primaryKey;size:16" json:"session_id"`

	// TechnicianID 接入的技术员，未认领时为空
	TechnicianID *int64 `gorm:"index" json:"technician_id,omitempty"`

	// Status 会话状态，迁移规则见 service.CanTransition
	Status SessionStatus `gorm:"size:20;not null;index" json:"status"`

	// AllowUnattended 是否允许无人值守自动批准
	AllowUnattended bool `gorm:"not null;default:false" json:"allow_unattended"`

	// ClientInfo 客户端信息（os、hostname、user_agent 等），内容不做解释
	ClientInfo datatypes.JSONMap `gorm:"type:json" json:"client_info,omitempty"`

	// TransportHint 传输提示，例如 VNC 端口
	TransportHint string `gorm:"size:100" json:"transport_hint,omitempty"`

	// DeviceID 来自已配对设备时的反向引用
	DeviceID *string `gorm:"size:64;index" json:"device_id,omitempty"`

	// ConnectedAt 进入 connected 状态的时间
	ConnectedAt *time.Time `json:"connected_at,omitempty"`

	// Nonce 每条记录独有，客户端 Token 与之绑定
	// 同一会话码重新注册后，旧记录签发的 Token 不再有效
	Nonce string `gorm:"size:36;not null;default:''" json:"-"`

	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt 过期时间，清扫任务按此字段索引
	ExpiresAt time.Time `gorm:"index;not null" json:"expires_at"`
}

// TableName 指定表名
func (Session) TableName() string {
	return "sessions"
}

// IsExpiredAt 判断会话在 now 时刻是否已过期
func (s *Session) IsExpiredAt(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Clone 返回一份独立副本，内存存储返回数据时使用
func (s *Session) Clone() *Session {
	c := *s
	if s.TechnicianID != nil {
		id := *s.TechnicianID
		c.TechnicianID = &id
	}
	if s.DeviceID != nil {
		id := *s.DeviceID
		c.DeviceID = &id
	}
	if s.ConnectedAt != nil {
		at := *s.ConnectedAt
		c.ConnectedAt = &at
	}
	if s.ClientInfo != nil {
		c.ClientInfo = make(datatypes.JSONMap, len(s.ClientInfo))
		for k, v := range s.ClientInfo {
			c.ClientInfo[k] = v
		}
	}
	return &c
}
