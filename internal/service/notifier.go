package service

import (
	"fmt"
	"strconv"
	"strings"
)

// Notifier 把服务端事件推送到会话通道
// 由 relay.Hub 实现，通过 SetNotifier 注入，避免循环依赖
type Notifier interface {
	// Notify 发给会话中 role 角色的参与者，role 为空表示全部
	Notify(sessionID, role, msgType string, data interface{})
	// CloseSession 会话终止或过期时关闭其通道
	CloseSession(sessionID, reason string)
	// RemoveRole 把 role 角色的参与者移出通道，会话不再允许该角色在场时调用
	RemoveRole(sessionID, role, reason string)
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, string, string, interface{}) {}
func (nopNotifier) CloseSession(string, string) {}
func (nopNotifier) RemoveRole(string, string, string) {}

const (
	clientParticipantPrefix     = "client:"
	technicianParticipantPrefix = "technician:"
)

// ClientParticipant 客户端在中继里的参与者标识
func ClientParticipant(sessionID string) string {
	return clientParticipantPrefix + sessionID
}

// TechnicianParticipant 技术员在中继里的参与者标识
func TechnicianParticipant(technicianID int64) string {
	return fmt.Sprintf("%s%d", technicianParticipantPrefix, technicianID)
}

// parseTechnicianParticipant 从参与者标识中取出技术员 ID
func parseTechnicianParticipant(participantID string) (int64, bool) {
	if !strings.HasPrefix(participantID, technicianParticipantPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(participantID, technicianParticipantPrefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
