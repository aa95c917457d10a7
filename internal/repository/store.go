// Package repository 提供数据访问层的实现
// 每种实体都有 gorm（MySQL）和进程内两种实现，服务层只依赖这里的接口
package repository

import (
	"context"
	"errors"
	"time"

	"remote-assist/internal/model"
)

// ErrDuplicate 主键或唯一索引冲突
var ErrDuplicate = errors.New("duplicate key")

// StatusChange 状态迁移时一并写入的字段
// 为 nil 的字段保持不变
type StatusChange struct {
	TechnicianID     *int64
	ConnectedAt      *time.Time
	ClearConnectedAt bool
	ExpiresAt        *time.Time
}

// SessionStore 会话持久化
// 查询未找到时返回 nil, nil
type SessionStore interface {
	Create(ctx context.Context, session *model.Session) error
	// Replace 在一个事务里删除同 ID 的旧记录并写入新记录
	Replace(ctx context.Context, session *model.Session) error
	GetByID(ctx context.Context, sessionID string) (*model.Session, error)
	// CompareAndSwapStatus 仅当当前状态属于 from 时才写入 to
	// 返回是否真正发生了更新
	CompareAndSwapStatus(ctx context.Context, sessionID string, from []model.SessionStatus, to model.SessionStatus, change StatusChange) (bool, error)
	// ExtendExpiry 仅对 now 时刻尚未过期且未进入终态的会话生效
	ExtendExpiry(ctx context.Context, sessionID string, now, expiresAt time.Time) (bool, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.Session, error)
	ListByTechnician(ctx context.Context, technicianID int64) ([]*model.Session, error)
	Delete(ctx context.Context, sessionID string) error
}

// DeviceStore 设备持久化
// 认领槽只能通过 AcquireClaim / ReleaseClaim 修改
type DeviceStore interface {
	Create(ctx context.Context, device *model.Device) error
	GetByID(ctx context.Context, deviceID string) (*model.Device, error)
	GetByToken(ctx context.Context, token string) (*model.Device, error)
	ListByTechnician(ctx context.Context, technicianID int64) ([]*model.Device, error)
	// UpdateProfile 更新设备上报的元数据和 last_seen
	UpdateProfile(ctx context.Context, device *model.Device) error
	SetOwner(ctx context.Context, deviceID string, technicianID *int64) error
	SetUnattended(ctx context.Context, deviceID string, allow bool) error
	TouchLastSeen(ctx context.Context, deviceID string, at time.Time, ip string) error
	// AcquireClaim 原子地占用认领槽
	// 槽为空或已有认领的 pending_requested_at <= staleBefore 时成功
	AcquireClaim(ctx context.Context, deviceID, sessionID string, now, staleBefore time.Time) (bool, error)
	// ReleaseClaim 仅当槽中仍是 sessionID 时清空
	ReleaseClaim(ctx context.Context, deviceID, sessionID string) (bool, error)
	Delete(ctx context.Context, deviceID string) error
}

// TechnicianStore 技术员账号持久化
type TechnicianStore interface {
	Create(ctx context.Context, technician *model.Technician) error
	GetByID(ctx context.Context, id int64) (*model.Technician, error)
	GetByUsername(ctx context.Context, username string) (*model.Technician, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	UpdateLastLogin(ctx context.Context, id int64, at time.Time) error
	UpdatePassword(ctx context.Context, id int64, passwordHash string) error
}

// TransferStore 文件传输元数据持久化
type TransferStore interface {
	Create(ctx context.Context, transfer *model.FileTransfer) error
	GetByID(ctx context.Context, id string) (*model.FileTransfer, error)
	ListBySession(ctx context.Context, sessionID string) ([]*model.FileTransfer, error)
	// CompareAndSwapStatus 仅当当前状态为 from 时写入 to 和 at
	CompareAndSwapStatus(ctx context.Context, id string, from, to model.TransferStatus, uploadedAt *time.Time) (bool, error)
	MarkDownloaded(ctx context.Context, id string, at time.Time) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.FileTransfer, error)
	Delete(ctx context.Context, id string) error
}

// MonitorStore 显示器描述持久化
type MonitorStore interface {
	// ReplaceForSession 在一个事务里替换会话的整组显示器
	ReplaceForSession(ctx context.Context, sessionID string, monitors []model.MonitorDescriptor) error
	ListBySession(ctx context.Context, sessionID string) ([]model.MonitorDescriptor, error)
	// SetActive 在一个事务里把 index 设为唯一的活动显示器
	SetActive(ctx context.Context, sessionID string, index int) (bool, error)
	DeleteBySession(ctx context.Context, sessionID string) error
}

// AuditStore 审批审计记录
type AuditStore interface {
	Create(ctx context.Context, audit *model.ApprovalAudit) error
	ListBySession(ctx context.Context, sessionID string) ([]*model.ApprovalAudit, error)
}
