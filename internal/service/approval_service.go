package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"remote-assist/internal/model"
	"remote-assist/internal/relay"
	"remote-assist/internal/repository"
	"remote-assist/pkg/util"
)

// Decision 审批评估结果
type Decision string

const (
	DecisionAutoApproved  Decision = "auto_approved"  // 无人值守自动批准
	DecisionPendingManual Decision = "pending_manual" // 等待客户端手动审批
	DecisionRejected      Decision = "rejected"       // 拒绝（伴随 ErrAlreadyConnected 等错误）
)

// unattendedDecider 自动批准时审计记录中的决定者
const unattendedDecider = "policy:unattended"

// EvaluateResult 审批评估结果
type EvaluateResult struct {
	Decision Decision       `json:"decision"`
	Session  *model.Session `json:"session"`
}

// ApprovalRequestPayload approval:request 的负载
type ApprovalRequestPayload struct {
	SessionID      string    `json:"session_id"`
	TechnicianID   int64     `json:"technician_id"`
	TechnicianName string    `json:"technician_name,omitempty"`
	RequestedAt    time.Time `json:"requested_at"`
}

// ApprovalResultPayload approval:result 的负载
type ApprovalResultPayload struct {
	SessionID    string              `json:"session_id"`
	Approved     bool                `json:"approved"`
	Path         model.ApprovalPath  `json:"path"`
	TechnicianID int64               `json:"technician_id"`
	DecidedBy    string              `json:"decided_by"`
	Status       model.SessionStatus `json:"status"`
}

// ApprovalService 审批状态机
// 自动批准与手动审批可能并发到达，以会话状态的条件更新保证第一个决定生效
type ApprovalService struct {
	sessions        *SessionService
	devices         repository.DeviceStore
	technicians     repository.TechnicianStore
	multiTechnician bool
	log             *slog.Logger
}

// NewApprovalService 创建 ApprovalService 实例
// multiTechnician 为 true 时，已连接的会话可以再接入其他技术员
func NewApprovalService(
	sessions *SessionService,
	devices repository.DeviceStore,
	technicians repository.TechnicianStore,
	multiTechnician bool,
	log *slog.Logger,
) *ApprovalService {
	return &ApprovalService{
		sessions:        sessions,
		devices:         devices,
		technicians:     technicians,
		multiTechnician: multiTechnician,
		log:             log.With("component", "approval"),
	}
}

// Evaluate 评估技术员的连接请求
// 是否允许无人值守在评估时由服务端重新校验：
// 会话允许无人值守，且（未绑定设备，或绑定的设备允许无人值守）
func (a *ApprovalService) Evaluate(ctx context.Context, sessionID string, technicianID int64) (*EvaluateResult, error) {
	sessionID = util.NormalizeSessionCode(sessionID)
	unlock := a.sessions.locks.Lock(sessionID)
	result, notify, err := a.evaluateLocked(ctx, sessionID, technicianID)
	unlock()
	if err != nil {
		return nil, err
	}
	if notify != nil {
		notify()
	}
	return result, nil
}

func (a *ApprovalService) evaluateLocked(ctx context.Context, sessionID string, technicianID int64) (*EvaluateResult, func(), error) {
	current, err := a.sessions.load(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	now := a.sessions.clk.Now()
	switch {
	case current.Status == model.SessionStatusTerminated:
		return nil, nil, ErrInvalidTransition
	case current.Status == model.SessionStatusExpired || current.IsExpiredAt(now):
		return nil, nil, ErrExpired
	}

	switch current.Status {
	case model.SessionStatusConnected:
		if a.sessions.ownedBy(current, technicianID) {
			return &EvaluateResult{Decision: DecisionAutoApproved, Session: current}, nil, nil
		}
		if !a.multiTechnician {
			return nil, nil, ErrAlreadyConnected
		}
		a.sessions.admitExtra(sessionID, technicianID)
		if err := a.sessions.audits.Create(ctx, &model.ApprovalAudit{
			SessionID:    sessionID,
			TechnicianID: technicianID,
			DecidedBy:    "policy:multi_technician",
			Path:         model.ApprovalPathAuto,
			Outcome:      model.SessionStatusConnected,
			DecidedAt:    now,
		}); err != nil {
			a.log.Error("write approval audit failed", "session_id", sessionID, "error", err)
		}
		a.log.Info("additional technician admitted", "session_id", sessionID, "technician_id", technicianID)
		return &EvaluateResult{Decision: DecisionAutoApproved, Session: current}, nil, nil

	case model.SessionStatusPendingApproval:
		if current.TechnicianID == nil || *current.TechnicianID != technicianID {
			return nil, nil, ErrAlreadyPending
		}
	}

	unattended, err := a.unattendedAllowed(ctx, current)
	if err != nil {
		return nil, nil, err
	}
	if unattended {
		session, err := a.sessions.applyLocked(ctx, current, model.SessionStatusConnected,
			repository.StatusChange{TechnicianID: &technicianID},
			&model.ApprovalAudit{
				TechnicianID: technicianID,
				DecidedBy:    unattendedDecider,
				Path:         model.ApprovalPathAuto,
				Outcome:      model.SessionStatusConnected,
			})
		if err != nil {
			return nil, nil, err
		}
		a.log.Info("connection auto approved", "session_id", sessionID, "technician_id", technicianID)
		notify := func() {
			a.sessions.notifier.Notify(sessionID, "", relay.TypeApprovalResult, ApprovalResultPayload{
				SessionID:    sessionID,
				Approved:     true,
				Path:         model.ApprovalPathAuto,
				TechnicianID: technicianID,
				DecidedBy:    unattendedDecider,
				Status:       session.Status,
			})
		}
		return &EvaluateResult{Decision: DecisionAutoApproved, Session: session}, notify, nil
	}

	session := current
	if current.Status == model.SessionStatusWaiting {
		session, err = a.sessions.applyLocked(ctx, current, model.SessionStatusPendingApproval,
			repository.StatusChange{TechnicianID: &technicianID}, nil)
		if err != nil {
			return nil, nil, err
		}
	}
	// 同一技术员重复请求时再推送一次，客户端可能刚刚才接入通道
	payload := ApprovalRequestPayload{
		SessionID:      sessionID,
		TechnicianID:   technicianID,
		TechnicianName: a.technicianName(ctx, technicianID),
		RequestedAt:    now,
	}
	notify := func() {
		a.sessions.notifier.Notify(sessionID, string(relay.RoleClient), relay.TypeApprovalRequest, payload)
	}
	return &EvaluateResult{Decision: DecisionPendingManual, Session: session}, notify, nil
}

// Decide 处理客户端的手动审批
// 会话不在 pending_approval 时返回 ErrStaleDecision，不做任何修改
func (a *ApprovalService) Decide(ctx context.Context, sessionID string, approved bool, decidedBy string) (*model.Session, error) {
	sessionID = util.NormalizeSessionCode(sessionID)
	unlock := a.sessions.locks.Lock(sessionID)
	session, technicianID, err := a.decideLocked(ctx, sessionID, approved, decidedBy)
	unlock()
	if err != nil {
		return nil, err
	}

	a.log.Info("manual decision applied", "session_id", sessionID, "approved", approved, "decided_by", decidedBy)
	a.sessions.afterTransition(session)
	a.sessions.notifier.Notify(sessionID, "", relay.TypeApprovalResult, ApprovalResultPayload{
		SessionID:    sessionID,
		Approved:     approved,
		Path:         model.ApprovalPathManual,
		TechnicianID: technicianID,
		DecidedBy:    decidedBy,
		Status:       session.Status,
	})
	return session, nil
}

func (a *ApprovalService) decideLocked(ctx context.Context, sessionID string, approved bool, decidedBy string) (*model.Session, int64, error) {
	current, err := a.sessions.load(ctx, sessionID)
	if err != nil {
		return nil, 0, err
	}
	if current.Status != model.SessionStatusPendingApproval {
		return nil, 0, ErrStaleDecision
	}

	var technicianID int64
	if current.TechnicianID != nil {
		technicianID = *current.TechnicianID
	}
	to, outcome := model.SessionStatusWaiting, model.SessionStatusDenied
	if approved {
		to, outcome = model.SessionStatusConnected, model.SessionStatusConnected
	}
	session, err := a.sessions.applyLocked(ctx, current, to, repository.StatusChange{}, &model.ApprovalAudit{
		TechnicianID: technicianID,
		DecidedBy:    decidedBy,
		Path:         model.ApprovalPathManual,
		Outcome:      outcome,
	})
	if errors.Is(err, ErrInvalidTransition) {
		return nil, 0, ErrStaleDecision
	}
	if err != nil {
		return nil, 0, err
	}
	return session, technicianID, nil
}

// unattendedAllowed 服务端重新校验是否允许无人值守
func (a *ApprovalService) unattendedAllowed(ctx context.Context, session *model.Session) (bool, error) {
	if !session.AllowUnattended {
		return false, nil
	}
	if session.DeviceID == nil {
		return true, nil
	}
	device, err := a.devices.GetByID(ctx, *session.DeviceID)
	if err != nil {
		return false, fmt.Errorf("load device: %w", err)
	}
	return device != nil && device.AllowUnattended, nil
}

func (a *ApprovalService) technicianName(ctx context.Context, technicianID int64) string {
	technician, err := a.technicians.GetByID(ctx, technicianID)
	if err != nil || technician == nil {
		return ""
	}
	return technician.Username
}

// Audits 获取会话的审批审计记录
func (a *ApprovalService) Audits(ctx context.Context, sessionID string) ([]*model.ApprovalAudit, error) {
	return a.sessions.audits.ListBySession(ctx, util.NormalizeSessionCode(sessionID))
}
