// Package model 定义了与数据库表对应的数据结构
package model

import (
	"time"
)

// TransferDirection 传输方向，创建后不可修改
type TransferDirection string

const (
	TransferUpload   TransferDirection = "upload"   // 技术员 → 客户端
	TransferDownload TransferDirection = "download" // 客户端 → 技术员
)

// TransferStatus 传输状态
type TransferStatus string

const (
	TransferPending  TransferStatus = "pending"
	TransferComplete TransferStatus = "complete"
	TransferFailed   TransferStatus = "failed"
	TransferExpired  TransferStatus = "expired"
)

// FileTransfer 会话中传输的一个文件
// 对应数据库表 file_transfers
type FileTransfer struct {
	ID string `gorm:"primaryKey;size:36" json:"id"`

	SessionID string `gorm:"size:16;index;not null" json:"session_id"`

	OriginalName string `gorm:"size:255;not null" json:"original_name"`

	// StoredName 磁盘上的随机文件名，全局唯一
	StoredName string `gorm:"size:64;uniqueIndex;not null" json:"-"`

	FileSize  int64             `json:"file_size"`
	MimeType  string            `gorm:"size:100" json:"mime_type"`
	Direction TransferDirection `gorm:"size:10;not null" json:"direction"`
	Status    TransferStatus    `gorm:"size:10;not null;index" json:"status"`

	UploadedAt   *time.Time `json:"uploaded_at,omitempty"`
	DownloadedAt *time.Time `json:"downloaded_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `gorm:"index;not null" json:"expires_at"`
}

// TableName 指定表名
func (FileTransfer) TableName() string {
	return "file_transfers"
}

// Clone 返回一份独立副本
func (f *FileTransfer) Clone() *FileTransfer {
	c := *f
	if f.UploadedAt != nil {
		at := *f.UploadedAt
		c.UploadedAt = &at
	}
	if f.DownloadedAt != nil {
		at := *f.DownloadedAt
		c.DownloadedAt = &at
	}
	return &c
}
