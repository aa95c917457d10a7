package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"remote-assist/internal/model"
	"remote-assist/internal/relay"
	"remote-assist/internal/repository"
	"remote-assist/pkg/util"
)

// ErrInvalidMonitors 上报的显示器集合不合法
var ErrInvalidMonitors = errors.New("显示器描述不合法")

// MonitorSwitchPayload monitor-switch 的负载
type MonitorSwitchPayload struct {
	MonitorIndex int `json:"monitor_index"`
}

// MonitorService 会话的显示器描述
type MonitorService struct {
	sessions *SessionService
	store    repository.MonitorStore
	log      *slog.Logger
}

// NewMonitorService 创建 MonitorService 实例
func NewMonitorService(sessions *SessionService, store repository.MonitorStore, log *slog.Logger) *MonitorService {
	return &MonitorService{sessions: sessions, store: store, log: log.With("component", "monitor")}
}

// RegisterMonitors 客户端上报显示器集合，替换已有的记录
// 索引必须唯一、恰好一个主显示器；未指定活动显示器时默认主显示器
// 再次上报时主显示器不能改变
func (m *MonitorService) RegisterMonitors(ctx context.Context, sessionID string, monitors []model.MonitorDescriptor) ([]model.MonitorDescriptor, error) {
	sessionID = util.NormalizeSessionCode(sessionID)
	normalized, err := normalizeMonitors(sessionID, monitors)
	if err != nil {
		return nil, err
	}

	unlock := m.sessions.locks.Lock(sessionID)
	defer unlock()

	session, err := m.sessions.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() || session.IsExpiredAt(m.sessions.clk.Now()) {
		return nil, ErrExpired
	}

	existing, err := m.store.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if primary, ok := primaryIndex(existing); ok {
		if next, _ := primaryIndex(normalized); next != primary {
			return nil, fmt.Errorf("%w: primary monitor cannot change", ErrInvalidMonitors)
		}
	}

	if err := m.store.ReplaceForSession(ctx, sessionID, normalized); err != nil {
		return nil, fmt.Errorf("store monitors: %w", err)
	}
	m.log.Info("monitors registered", "session_id", sessionID, "count", len(normalized))
	return normalized, nil
}

// normalizeMonitors 校验并补全活动显示器
func normalizeMonitors(sessionID string, monitors []model.MonitorDescriptor) ([]model.MonitorDescriptor, error) {
	if len(monitors) == 0 {
		return nil, fmt.Errorf("%w: empty set", ErrInvalidMonitors)
	}
	seen := make(map[int]struct{}, len(monitors))
	primaries, actives := 0, 0
	for _, mon := range monitors {
		if _, dup := seen[mon.MonitorIndex]; dup {
			return nil, fmt.Errorf("%w: duplicate index %d", ErrInvalidMonitors, mon.MonitorIndex)
		}
		seen[mon.MonitorIndex] = struct{}{}
		if mon.IsPrimary {
			primaries++
		}
		if mon.IsActive {
			actives++
		}
	}
	if primaries != 1 {
		return nil, fmt.Errorf("%w: need exactly one primary", ErrInvalidMonitors)
	}
	if actives > 1 {
		return nil, fmt.Errorf("%w: more than one active", ErrInvalidMonitors)
	}

	out := make([]model.MonitorDescriptor, len(monitors))
	for i, mon := range monitors {
		mon.SessionID = sessionID
		if actives == 0 {
			mon.IsActive = mon.IsPrimary
		}
		out[i] = mon
	}
	return out, nil
}

func primaryIndex(monitors []model.MonitorDescriptor) (int, bool) {
	for _, mon := range monitors {
		if mon.IsPrimary {
			return mon.MonitorIndex, true
		}
	}
	return 0, false
}

// SwitchMonitor 技术员切换正在推流的显示器
// 只允许已连接的会话；切换后通知客户端
func (m *MonitorService) SwitchMonitor(ctx context.Context, sessionID string, index int) error {
	sessionID = util.NormalizeSessionCode(sessionID)
	unlock := m.sessions.locks.Lock(sessionID)
	err := func() error {
		defer unlock()
		session, err := m.sessions.load(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Status != model.SessionStatusConnected {
			return ErrSessionNotConnected
		}
		ok, err := m.store.SetActive(ctx, sessionID, index)
		if err != nil {
			return fmt.Errorf("switch monitor: %w", err)
		}
		if !ok {
			return ErrNotFound
		}
		return nil
	}()
	if err != nil {
		return err
	}

	m.log.Info("monitor switched", "session_id", sessionID, "monitor_index", index)
	m.sessions.notifier.Notify(sessionID, string(relay.RoleClient), relay.TypeMonitorSwitch, MonitorSwitchPayload{MonitorIndex: index})
	return nil
}

// List 获取会话的显示器
func (m *MonitorService) List(ctx context.Context, sessionID string) ([]model.MonitorDescriptor, error) {
	sessionID = util.NormalizeSessionCode(sessionID)
	if _, err := m.sessions.load(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.store.ListBySession(ctx, sessionID)
}
