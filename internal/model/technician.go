// Package model 定义了与数据库表对应的数据结构
package model

import (
	"time"
)

// Technician 技术员账号
// 对应数据库表 technicians
type Technician struct {
	// ID 技术员唯一标识，自增主键
	ID int64 `gorm:"primaryKey" json:"id"`

	// Username 用户名，用于登录，全局唯一
	Username string `gorm:"size:50;uniqueIndex;not null" json:"username"`

	// Email 邮箱，可选
	Email *string `gorm:"size:100;uniqueIndex" json:"email,omitempty"`

	// PasswordHash 密码的 bcrypt 哈希值
	PasswordHash string `gorm:"size:255;not null" json:"-"`

	LastLogin *time.Time `json:"last_login,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName 指定表名
func (Technician) TableName() string {
	return "technicians"
}
