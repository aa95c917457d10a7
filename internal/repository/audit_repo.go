// Package repository 提供数据访问层的实现
package repository

import (
	"context"

	"gorm.io/gorm"
	"remote-assist/internal/model"
)

// AuditRepository 审批审计数据访问层（MySQL）
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository 创建 AuditRepository 实例
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create 写入一条审计记录
func (r *AuditRepository) Create(ctx context.Context, audit *model.ApprovalAudit) error {
	return r.db.WithContext(ctx).Create(audit).Error
}

// ListBySession 获取会话的审计记录，按时间升序
func (r *AuditRepository) ListBySession(ctx context.Context, sessionID string) ([]*model.ApprovalAudit, error) {
	var audits []*model.ApprovalAudit
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("decided_at ASC, id ASC").
		Find(&audits).Error
	return audits, err
}
