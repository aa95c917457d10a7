package service

import (
	"context"
	"log/slog"
	"time"

	"remote-assist/internal/model"
	"remote-assist/internal/relay"
)

// RelayBridge 把会话注册表接到信令中继上
// 实现 relay.Gate 与 relay.Observer
type RelayBridge struct {
	sessions *SessionService
	timeout  time.Duration
	log      *slog.Logger
}

// NewRelayBridge 创建 RelayBridge
func NewRelayBridge(sessions *SessionService, log *slog.Logger) *RelayBridge {
	return &RelayBridge{sessions: sessions, timeout: 5 * time.Second, log: log.With("component", "relay-bridge")}
}

// Admit 检查参与者能否加入会话通道
// 客户端：会话存在且未过期；技术员：会话已连接且该技术员已获准入
func (b *RelayBridge) Admit(ctx context.Context, sessionID, participantID string, role relay.Role) error {
	session, err := b.sessions.load(ctx, sessionID)
	if err != nil {
		return err
	}
	now := b.sessions.clk.Now()
	if session.Status == model.SessionStatusTerminated {
		return ErrInvalidTransition
	}
	if session.Status == model.SessionStatusExpired || session.IsExpiredAt(now) {
		return ErrExpired
	}

	switch role {
	case relay.RoleClient:
		if participantID != ClientParticipant(sessionID) {
			return ErrNoPermission
		}
		return nil
	case relay.RoleTechnician:
		if session.Status != model.SessionStatusConnected {
			return ErrSessionNotConnected
		}
		technicianID, ok := parseTechnicianParticipant(participantID)
		if !ok || session.TechnicianID == nil {
			return ErrNoPermission
		}
		if *session.TechnicianID != technicianID && !b.sessions.isExtra(sessionID, technicianID) {
			return ErrNoPermission
		}
		return nil
	}
	return relay.ErrInvalidRole
}

// OnActivity 通道有流量时续期会话
func (b *RelayBridge) OnActivity(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.sessions.Touch(ctx, sessionID); err != nil {
		b.log.Debug("touch on activity failed", "session_id", sessionID, "error", err)
	}
}

// OnTechniciansGone 最后一个技术员离开，会话回到 waiting
// 这是连接丢失而不是过期
func (b *RelayBridge) OnTechniciansGone(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.sessions.connectionLost(ctx, sessionID); err != nil {
		b.log.Warn("connection lost transition failed", "session_id", sessionID, "error", err)
	}
}

var (
	_ relay.Gate     = (*RelayBridge)(nil)
	_ relay.Observer = (*RelayBridge)(nil)
)
