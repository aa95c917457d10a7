// Package model 定义了与数据库表对应的数据结构
package model

import (
	"time"
)

// ApprovalPath 审批路径
type ApprovalPath string

const (
	ApprovalPathAuto   ApprovalPath = "auto"   // 无人值守自动批准
	ApprovalPathManual ApprovalPath = "manual" // 客户端手动审批
)

// ApprovalAudit 每个生效的审批决定对应一条记录
// 对应数据库表 approval_audits
type ApprovalAudit struct {
	ID           int64         `gorm:"primaryKey" json:"id"`
	SessionID    string        `gorm:"size:16;index;not null" json:"session_id"`
	TechnicianID int64         `gorm:"index" json:"technician_id"`
	DecidedBy    string        `gorm:"size:100;not null" json:"decided_by"`
	Path         ApprovalPath  `gorm:"size:10;not null" json:"path"`
	Outcome      SessionStatus `gorm:"size:20;not null" json:"outcome"`
	DecidedAt    time.Time     `gorm:"not null" json:"decided_at"`
}

// TableName 指定表名
func (ApprovalAudit) TableName() string {
	return "approval_audits"
}
