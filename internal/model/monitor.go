// Package model 定义了与数据库表对应的数据结构
package model

// MonitorDescriptor 客户端上报的一个显示器
// 对应数据库表 session_monitors，主键为 session_id + monitor_index
type MonitorDescriptor struct {
	SessionID    string `gorm:"primaryKey;size:16" json:"session_id"`
	MonitorIndex int    `gorm:"primaryKey;autoIncrement:false" json:"monitor_index"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Orientation  string `gorm:"size:20" json:"orientation"`

	// IsPrimary 在会话开始时确定，之后不可修改
	IsPrimary bool `json:"is_primary"`

	// IsActive 当前正在推流的显示器，同一会话中恰好一个
	IsActive bool `json:"is_active"`
}

// TableName 指定表名
func (MonitorDescriptor) TableName() string {
	return "session_monitors"
}
