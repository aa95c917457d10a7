// Package repository 提供数据访问层的实现
package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"remote-assist/internal/model"
)

// SessionRepository 会话数据访问层（MySQL）
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository 创建 SessionRepository 实例
func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create 创建会话
// 会话码已存在时返回 ErrDuplicate
func (r *SessionRepository) Create(ctx context.Context, session *model.Session) error {
	return translate(r.db.WithContext(ctx).Create(session).Error)
}

// Replace 删除同 ID 的旧记录（连同显示器）并写入新记录
func (r *SessionRepository) Replace(ctx context.Context, session *model.Session) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", session.SessionID).Delete(&model.MonitorDescriptor{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", session.SessionID).Delete(&model.Session{}).Error; err != nil {
			return err
		}
		return translate(tx.Create(session).Error)
	})
}

// GetByID 根据会话码获取会话
// 返回:
//   - *model.Session: 会话对象，未找到返回 nil
//   - error: 数据库错误
func (r *SessionRepository) GetByID(ctx context.Context, sessionID string) (*model.Session, error) {
	var session model.Session
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

// CompareAndSwapStatus 条件更新会话状态
// UPDATE sessions SET status = ? ... WHERE session_id = ? AND status IN (?)
// 只有 RowsAffected == 1 才算成功，并发的第二个决定会得到 false
func (r *SessionRepository) CompareAndSwapStatus(ctx context.Context, sessionID string, from []model.SessionStatus, to model.SessionStatus, change StatusChange) (bool, error) {
	updates := map[string]interface{}{"status": to}
	if change.TechnicianID != nil {
		updates["technician_id"] = *change.TechnicianID
	}
	if change.ConnectedAt != nil {
		updates["connected_at"] = *change.ConnectedAt
	} else if change.ClearConnectedAt {
		updates["connected_at"] = nil
	}
	if change.ExpiresAt != nil {
		updates["expires_at"] = *change.ExpiresAt
	}

	result := r.db.WithContext(ctx).
		Model(&model.Session{}).
		Where("session_id = ? AND status IN ?", sessionID, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ExtendExpiry 延长会话有效期
// 已过期或已终止的会话不会被更新
func (r *SessionRepository) ExtendExpiry(ctx context.Context, sessionID string, now, expiresAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&model.Session{}).
		Where("session_id = ? AND status NOT IN ? AND expires_at > ?", sessionID,
			[]model.SessionStatus{model.SessionStatusExpired, model.SessionStatusTerminated}, now).
		Update("expires_at", expiresAt)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ListExpired 获取 expires_at <= now 的会话，按过期时间升序
// 依赖 expires_at 索引
func (r *SessionRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.Session, error) {
	var sessions []*model.Session
	err := r.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

// ListByTechnician 获取技术员的会话，最新的在前
func (r *SessionRepository) ListByTechnician(ctx context.Context, technicianID int64) ([]*model.Session, error) {
	var sessions []*model.Session
	err := r.db.WithContext(ctx).
		Where("technician_id = ?", technicianID).
		Order("created_at DESC").
		Find(&sessions).Error
	return sessions, err
}

// Delete 删除会话及其显示器
func (r *SessionRepository) Delete(ctx context.Context, sessionID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&model.MonitorDescriptor{}).Error; err != nil {
			return err
		}
		return tx.Where("session_id = ?", sessionID).Delete(&model.Session{}).Error
	})
}

// translate 把 gorm 的唯一键冲突转换为 ErrDuplicate
// 需要 gorm.Config.TranslateError = true
func translate(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}
