// Package repository 提供数据访问层的实现
package repository

import (
	"context"

	"gorm.io/gorm"
	"remote-assist/internal/model"
)

// MonitorRepository 显示器数据访问层（MySQL）
type MonitorRepository struct {
	db *gorm.DB
}

// NewMonitorRepository 创建 MonitorRepository 实例
func NewMonitorRepository(db *gorm.DB) *MonitorRepository {
	return &MonitorRepository{db: db}
}

// ReplaceForSession 替换会话的整组显示器
func (r *MonitorRepository) ReplaceForSession(ctx context.Context, sessionID string, monitors []model.MonitorDescriptor) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&model.MonitorDescriptor{}).Error; err != nil {
			return err
		}
		if len(monitors) == 0 {
			return nil
		}
		return tx.Create(&monitors).Error
	})
}

// ListBySession 按 monitor_index 升序返回会话的显示器
func (r *MonitorRepository) ListBySession(ctx context.Context, sessionID string) ([]model.MonitorDescriptor, error) {
	var monitors []model.MonitorDescriptor
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("monitor_index ASC").
		Find(&monitors).Error
	return monitors, err
}

// SetActive 把 index 设为唯一的活动显示器
// index 不存在时回滚并返回 false
func (r *MonitorRepository) SetActive(ctx context.Context, sessionID string, index int) (bool, error) {
	found := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.MonitorDescriptor{}).
			Where("session_id = ? AND monitor_index = ?", sessionID, index).
			Update("is_active", true)
		if result.Error != nil {
			return result.Error
		}
		var count int64
		if err := tx.Model(&model.MonitorDescriptor{}).
			Where("session_id = ? AND monitor_index = ?", sessionID, index).
			Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return nil
		}
		found = true
		return tx.Model(&model.MonitorDescriptor{}).
			Where("session_id = ? AND monitor_index <> ?", sessionID, index).
			Update("is_active", false).Error
	})
	return found, err
}

// DeleteBySession 删除会话的所有显示器
func (r *MonitorRepository) DeleteBySession(ctx context.Context, sessionID string) error {
	return r.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&model.MonitorDescriptor{}).Error
}
