// Package repository 提供数据访问层的实现
package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"remote-assist/internal/model"
)

// TransferRepository 文件传输数据访问层（MySQL）
type TransferRepository struct {
	db *gorm.DB
}

// NewTransferRepository 创建 TransferRepository 实例
func NewTransferRepository(db *gorm.DB) *TransferRepository {
	return &TransferRepository{db: db}
}

// Create 创建传输记录，stored_name 冲突时返回 ErrDuplicate
func (r *TransferRepository) Create(ctx context.Context, transfer *model.FileTransfer) error {
	return translate(r.db.WithContext(ctx).Create(transfer).Error)
}

// GetByID 根据 ID 获取传输记录，未找到返回 nil
func (r *TransferRepository) GetByID(ctx context.Context, id string) (*model.FileTransfer, error) {
	var transfer model.FileTransfer
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&transfer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &transfer, nil
}

// ListBySession 获取会话的传输记录
func (r *TransferRepository) ListBySession(ctx context.Context, sessionID string) ([]*model.FileTransfer, error) {
	var transfers []*model.FileTransfer
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&transfers).Error
	return transfers, err
}

// CompareAndSwapStatus 条件更新传输状态
func (r *TransferRepository) CompareAndSwapStatus(ctx context.Context, id string, from, to model.TransferStatus, uploadedAt *time.Time) (bool, error) {
	updates := map[string]interface{}{"status": to}
	if uploadedAt != nil {
		updates["uploaded_at"] = *uploadedAt
	}
	result := r.db.WithContext(ctx).
		Model(&model.FileTransfer{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkDownloaded 记录下载时间
func (r *TransferRepository) MarkDownloaded(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.FileTransfer{}).
		Where("id = ?", id).
		Update("downloaded_at", at).Error
}

// ListExpired 获取 expires_at <= now 的传输记录
func (r *TransferRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.FileTransfer, error) {
	var transfers []*model.FileTransfer
	err := r.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&transfers).Error
	return transfers, err
}

// Delete 删除传输记录
func (r *TransferRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.FileTransfer{}).Error
}
