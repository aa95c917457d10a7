// Package repository 提供数据访问层的实现
package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"remote-assist/internal/model"
)

// TechnicianRepository 技术员数据访问层（MySQL）
type TechnicianRepository struct {
	db *gorm.DB
}

// NewTechnicianRepository 创建 TechnicianRepository 实例
func NewTechnicianRepository(db *gorm.DB) *TechnicianRepository {
	return &TechnicianRepository{db: db}
}

// Create 创建技术员
func (r *TechnicianRepository) Create(ctx context.Context, technician *model.Technician) error {
	return translate(r.db.WithContext(ctx).Create(technician).Error)
}

// GetByID 根据 ID 获取技术员，未找到返回 nil
func (r *TechnicianRepository) GetByID(ctx context.Context, id int64) (*model.Technician, error) {
	var technician model.Technician
	err := r.db.WithContext(ctx).First(&technician, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &technician, nil
}

// GetByUsername 根据用户名获取技术员，未找到返回 nil
func (r *TechnicianRepository) GetByUsername(ctx context.Context, username string) (*model.Technician, error) {
	var technician model.Technician
	err := r.db.WithContext(ctx).Where("username = ?", username).First(&technician).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &technician, nil
}

// ExistsByEmail 检查邮箱是否已被使用
func (r *TechnicianRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Technician{}).Where("email = ?", email).Count(&count).Error
	return count > 0, err
}

// UpdateLastLogin 更新最后登录时间
func (r *TechnicianRepository) UpdateLastLogin(ctx context.Context, id int64, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.Technician{}).
		Where("id = ?", id).
		Update("last_login", at).Error
}

// UpdatePassword 更新密码哈希
func (r *TechnicianRepository) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	return r.db.WithContext(ctx).
		Model(&model.Technician{}).
		Where("id = ?", id).
		Update("password_hash", passwordHash).Error
}
