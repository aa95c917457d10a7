// Package model 定义了与数据库表对应的数据结构
package model

import (
	"time"
)

// Device 客户端机器的持久身份
// 对应数据库表 devices
// 用于无人值守重连；只有显式解除配对才会删除
type Device struct {
	// DeviceID 安装时生成一次的稳定标识
	DeviceID string `gorm:"primaryKey;size:64" json:"device_id"`

	// TechnicianID 配对的技术员
	TechnicianID *int64 `gorm:"index" json:"technician_id,omitempty"`

	DisplayName string `gorm:"size:100" json:"display_name"`
	OS          string `gorm:"size:100" json:"os"`
	Hostname    string `gorm:"size:255" json:"hostname"`
	Arch        string `gorm:"size:50" json:"arch"`
	LastIP      string `gorm:"size:64" json:"last_ip"`

	// MACAddress 用于网络唤醒，可为空
	MACAddress string `gorm:"size:32" json:"mac_address,omitempty"`

	AllowUnattended bool `gorm:"not null;default:false" json:"allow_unattended"`

	// PendingSessionID / PendingRequestedAt 构成认领槽
	// 两个字段只通过 DeviceStore 的原子 Acquire/Release 成对修改
	PendingSessionID   *string    `gorm:"size:16;index" json:"pending_session_id,omitempty"`
	PendingRequestedAt *time.Time `json:"pending_requested_at,omitempty"`

	LastSeen time.Time `json:"last_seen"`

	// DeviceToken 设备认证令牌，不对外暴露
	DeviceToken string `gorm:"size:64;uniqueIndex;not null" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (Device) TableName() string {
	return "devices"
}

// PendingClaim 设备上的待认领会话
type PendingClaim struct {
	DeviceID     string    `json:"device_id"`
	SessionID    string    `json:"session_id"`
	TechnicianID int64     `json:"technician_id"`
	RequestedAt  time.Time `json:"requested_at"`
}

// ActiveClaim 返回在 now 时刻仍然有效的认领
// 超过 timeout 的认领视为无效
func (d *Device) ActiveClaim(now time.Time, timeout time.Duration) (string, bool) {
	if d.PendingSessionID == nil || d.PendingRequestedAt == nil {
		return "", false
	}
	if !d.PendingRequestedAt.Add(timeout).After(now) {
		return "", false
	}
	return *d.PendingSessionID, true
}

// Clone 返回一份独立副本
func (d *Device) Clone() *Device {
	c := *d
	if d.TechnicianID != nil {
		id := *d.TechnicianID
		c.TechnicianID = &id
	}
	if d.PendingSessionID != nil {
		id := *d.PendingSessionID
		c.PendingSessionID = &id
	}
	if d.PendingRequestedAt != nil {
		at := *d.PendingRequestedAt
		c.PendingRequestedAt = &at
	}
	return &c
}
