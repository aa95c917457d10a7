// Package repository 提供数据访问层的实现
package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"remote-assist/internal/model"
)

// DeviceRepository 设备数据访问层（MySQL）
type DeviceRepository struct {
	db *gorm.DB
}

// NewDeviceRepository 创建 DeviceRepository 实例
func NewDeviceRepository(db *gorm.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// Create 创建新设备记录
// device_token 或 device_id 重复时返回 ErrDuplicate
func (r *DeviceRepository) Create(ctx context.Context, device *model.Device) error {
	return translate(r.db.WithContext(ctx).Create(device).Error)
}

// GetByID 根据设备 ID 获取设备
// 返回:
//   - *model.Device: 设备对象，未找到返回 nil
//   - error: 数据库错误
func (r *DeviceRepository) GetByID(ctx context.Context, deviceID string) (*model.Device, error) {
	return r.first(ctx, "device_id = ?", deviceID)
}

// GetByToken 根据设备令牌获取设备
func (r *DeviceRepository) GetByToken(ctx context.Context, token string) (*model.Device, error) {
	return r.first(ctx, "device_token = ?", token)
}

func (r *DeviceRepository) first(ctx context.Context, query string, arg interface{}) (*model.Device, error) {
	var device model.Device
	err := r.db.WithContext(ctx).Where(query, arg).First(&device).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &device, nil
}

// ListByTechnician 获取技术员配对的所有设备
// 按最后在线时间降序
func (r *DeviceRepository) ListByTechnician(ctx context.Context, technicianID int64) ([]*model.Device, error) {
	var devices []*model.Device
	err := r.db.WithContext(ctx).
		Where("technician_id = ?", technicianID).
		Order("last_seen DESC").
		Find(&devices).Error
	return devices, err
}

// UpdateProfile 更新设备元数据
// 不触碰认领槽、配对关系和令牌
func (r *DeviceRepository) UpdateProfile(ctx context.Context, device *model.Device) error {
	return r.db.WithContext(ctx).
		Model(&model.Device{}).
		Where("device_id = ?", device.DeviceID).
		Updates(map[string]interface{}{
			"display_name": device.DisplayName,
			"os":           device.OS,
			"hostname":     device.Hostname,
			"arch":         device.Arch,
			"last_ip":      device.LastIP,
			"mac_address":  device.MACAddress,
			"last_seen":    device.LastSeen,
		}).Error
}

// SetOwner 设置或清除配对的技术员
func (r *DeviceRepository) SetOwner(ctx context.Context, deviceID string, technicianID *int64) error {
	var owner interface{}
	if technicianID != nil {
		owner = *technicianID
	}
	return r.db.WithContext(ctx).
		Model(&model.Device{}).
		Where("device_id = ?", deviceID).
		Update("technician_id", owner).Error
}

// SetUnattended 设置是否允许无人值守
func (r *DeviceRepository) SetUnattended(ctx context.Context, deviceID string, allow bool) error {
	return r.db.WithContext(ctx).
		Model(&model.Device{}).
		Where("device_id = ?", deviceID).
		Update("allow_unattended", allow).Error
}

// TouchLastSeen 更新最后在线时间和 IP
func (r *DeviceRepository) TouchLastSeen(ctx context.Context, deviceID string, at time.Time, ip string) error {
	updates := map[string]interface{}{"last_seen": at}
	if ip != "" {
		updates["last_ip"] = ip
	}
	return r.db.WithContext(ctx).
		Model(&model.Device{}).
		Where("device_id = ?", deviceID).
		Updates(updates).Error
}

// AcquireClaim 原子地占用认领槽
// 单条条件 UPDATE，两个并发请求最多一个 RowsAffected == 1
func (r *DeviceRepository) AcquireClaim(ctx context.Context, deviceID, sessionID string, now, staleBefore time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&model.Device{}).
		Where("device_id = ?", deviceID).
		Where("(pending_session_id IS NULL OR pending_requested_at IS NULL OR pending_requested_at <= ?)", staleBefore).
		Updates(map[string]interface{}{
			"pending_session_id":   sessionID,
			"pending_requested_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ReleaseClaim 清空认领槽，仅当槽中仍是 sessionID
func (r *DeviceRepository) ReleaseClaim(ctx context.Context, deviceID, sessionID string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&model.Device{}).
		Where("device_id = ? AND pending_session_id = ?", deviceID, sessionID).
		Updates(map[string]interface{}{
			"pending_session_id":   nil,
			"pending_requested_at": nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Delete 删除设备（解除配对）
func (r *DeviceRepository) Delete(ctx context.Context, deviceID string) error {
	return r.db.WithContext(ctx).Where("device_id = ?", deviceID).Delete(&model.Device{}).Error
}
