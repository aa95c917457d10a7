package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"remote-assist/internal/clock"
	"remote-assist/internal/model"
	"remote-assist/internal/relay"
	"remote-assist/internal/repository"
	"remote-assist/pkg/util"
)

// ErrInvalidSessionCode 客户端提交的会话码格式不对
var ErrInvalidSessionCode = errors.New("会话码格式错误")

// sweepBatch 每次从存储取出的过期记录数
const sweepBatch = 100

// transitions 会话状态迁移表
// expired 与 terminated 是终态，不出现在左侧
var transitions = map[model.SessionStatus][]model.SessionStatus{
	model.SessionStatusWaiting: {
		model.SessionStatusPendingApproval,
		model.SessionStatusConnected, // 无人值守直接批准
		model.SessionStatusExpired,
		model.SessionStatusTerminated,
	},
	model.SessionStatusPendingApproval: {
		model.SessionStatusConnected,
		model.SessionStatusWaiting, // 被拒绝，技术员可以重试
		model.SessionStatusExpired,
		model.SessionStatusTerminated,
	},
	model.SessionStatusConnected: {
		model.SessionStatusWaiting, // 连接断开
		model.SessionStatusExpired,
		model.SessionStatusTerminated,
	},
}

// CanTransition 判断 from -> to 是否是合法的迁移
func CanTransition(from, to model.SessionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SessionService 会话注册表
// 所有修改会话状态的操作都在该会话的锁内完成，状态写入使用条件更新
type SessionService struct {
	store    repository.SessionStore
	audits   repository.AuditStore
	monitors repository.MonitorStore
	clk      clock.Clock
	ttl      time.Duration
	locks    *KeyLock
	notifier Notifier
	log      *slog.Logger

	// extras 多技术员模式下额外准入的技术员
	extrasMu sync.Mutex
	extras   map[string]map[int64]struct{}
}

// NewSessionService 创建 SessionService 实例
func NewSessionService(
	store repository.SessionStore,
	audits repository.AuditStore,
	monitors repository.MonitorStore,
	clk clock.Clock,
	ttl time.Duration,
	log *slog.Logger,
) *SessionService {
	return &SessionService{
		store:    store,
		audits:   audits,
		monitors: monitors,
		clk:      clk,
		ttl:      ttl,
		locks:    NewKeyLock(),
		notifier: nopNotifier{},
		log:      log.With("component", "session"),
		extras:   make(map[string]map[int64]struct{}),
	}
}

// SetNotifier 设置通知器
func (s *SessionService) SetNotifier(n Notifier) {
	s.notifier = n
}

// RegisterSessionRequest 客户端注册会话请求
type RegisterSessionRequest struct {
	SessionID       string                 `json:"session_id"` // 可选，为空时由服务端生成
	ClientInfo      map[string]interface{} `json:"client_info"`
	AllowUnattended bool                   `json:"allow_unattended"`
	TransportHint   string                 `json:"transport_hint"`
}

// Register 注册会话
// 同一会话码已有未过期的活动记录时返回 ErrConflict；
// 已过期或已终止的旧记录被一条新记录替换，不会复活
func (s *SessionService) Register(ctx context.Context, req *RegisterSessionRequest) (*model.Session, error) {
	return s.create(ctx, req.SessionID, func(session *model.Session) {
		session.ClientInfo = req.ClientInfo
		session.AllowUnattended = req.AllowUnattended
		session.TransportHint = req.TransportHint
	})
}

// create 创建会话，sessionID 为空时生成一个不冲突的会话码
func (s *SessionService) create(ctx context.Context, sessionID string, fill func(*model.Session)) (*model.Session, error) {
	if sessionID != "" {
		sessionID = util.NormalizeSessionCode(sessionID)
		if !util.ValidSessionCode(sessionID) {
			return nil, ErrInvalidSessionCode
		}
		return s.createWithID(ctx, sessionID, fill)
	}
	for i := 0; i < 5; i++ {
		session, err := s.createWithID(ctx, util.GenerateSessionCode(), fill)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return session, err
	}
	return nil, ErrConflict
}

func (s *SessionService) createWithID(ctx context.Context, sessionID string, fill func(*model.Session)) (*model.Session, error) {
	unlock := s.locks.Lock(sessionID)
	replaced := false
	session, err := func() (*model.Session, error) {
		defer unlock()
		now := s.clk.Now()
		existing, err := s.store.GetByID(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
		if existing != nil && !existing.Status.IsTerminal() && !existing.IsExpiredAt(now) {
			return nil, ErrConflict
		}

		session := &model.Session{
			SessionID: sessionID,
			Status:    model.SessionStatusWaiting,
			Nonce:     util.GenerateUUID(),
			CreatedAt: now,
			ExpiresAt: now.Add(s.ttl),
		}
		fill(session)

		if existing != nil {
			replaced = true
			s.clearExtras(sessionID)
			if err := s.store.Replace(ctx, session); err != nil {
				return nil, fmt.Errorf("replace session: %w", err)
			}
			return session, nil
		}
		if err := s.store.Create(ctx, session); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return nil, ErrConflict
			}
			return nil, fmt.Errorf("create session: %w", err)
		}
		return session, nil
	}()
	if err != nil {
		return nil, err
	}
	if replaced {
		s.notifier.CloseSession(sessionID, string(model.SessionStatusExpired))
	}
	s.log.Info("session registered",
		"session_id", session.SessionID,
		"allow_unattended", session.AllowUnattended,
		"replaced", replaced)
	return session, nil
}

// Get 获取会话
// 已过期但尚未被清扫的会话以 expired 状态返回
func (s *SessionService) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	session, err := s.load(ctx, util.NormalizeSessionCode(sessionID))
	if err != nil {
		return nil, err
	}
	if !session.Status.IsTerminal() && session.IsExpiredAt(s.clk.Now()) {
		session.Status = model.SessionStatusExpired
	}
	return session, nil
}

// load 读取存储中的原始记录
func (s *SessionService) load(ctx context.Context, sessionID string) (*model.Session, error) {
	session, err := s.store.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return nil, ErrNotFound
	}
	return session, nil
}

// IsCurrentClient 客户端 Token 是否签发自会话码当前的这条记录
// 记录不存在时返回 true，由调用方按会话不存在处理
func (s *SessionService) IsCurrentClient(ctx context.Context, sessionID, nonce string) (bool, error) {
	session, err := s.store.GetByID(ctx, util.NormalizeSessionCode(sessionID))
	if err != nil {
		return false, fmt.Errorf("load session: %w", err)
	}
	return session == nil || session.Nonce == nonce, nil
}

// Touch 有合法活动时延长会话有效期
// 会话已过期或已终止时什么也不做，过期不可逆
func (s *SessionService) Touch(ctx context.Context, sessionID string) error {
	sessionID = util.NormalizeSessionCode(sessionID)
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	if _, err := s.load(ctx, sessionID); err != nil {
		return err
	}
	now := s.clk.Now()
	if _, err := s.store.ExtendExpiry(ctx, sessionID, now, now.Add(s.ttl)); err != nil {
		return fmt.Errorf("extend session: %w", err)
	}
	return nil
}

// Transition 按状态机迁移会话
// audit 不为 nil 时，迁移成功后写入一条审计记录
func (s *SessionService) Transition(ctx context.Context, sessionID string, to model.SessionStatus, audit *model.ApprovalAudit) (*model.Session, error) {
	sessionID = util.NormalizeSessionCode(sessionID)
	unlock := s.locks.Lock(sessionID)
	session, err := func() (*model.Session, error) {
		defer unlock()
		current, err := s.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return s.applyLocked(ctx, current, to, repository.StatusChange{}, audit)
	}()
	if err != nil {
		return nil, err
	}
	s.afterTransition(session)
	return session, nil
}

// applyLocked 在会话锁内执行一次迁移
// 写入是 UPDATE ... WHERE status = 当前状态，被并发修改时返回 ErrInvalidTransition
func (s *SessionService) applyLocked(ctx context.Context, current *model.Session, to model.SessionStatus, change repository.StatusChange, audit *model.ApprovalAudit) (*model.Session, error) {
	if !CanTransition(current.Status, to) {
		return nil, ErrInvalidTransition
	}
	now := s.clk.Now()
	if to != model.SessionStatusExpired && to != model.SessionStatusTerminated && current.IsExpiredAt(now) {
		return nil, ErrExpired
	}
	switch {
	case to == model.SessionStatusConnected:
		expiresAt := now.Add(s.ttl)
		change.ConnectedAt = &now
		change.ExpiresAt = &expiresAt
	case to == model.SessionStatusWaiting && current.Status == model.SessionStatusConnected:
		change.ClearConnectedAt = true
	}

	ok, err := s.store.CompareAndSwapStatus(ctx, current.SessionID, []model.SessionStatus{current.Status}, to, change)
	if err != nil {
		return nil, fmt.Errorf("update session status: %w", err)
	}
	if !ok {
		return nil, ErrInvalidTransition
	}

	if audit != nil {
		audit.SessionID = current.SessionID
		audit.DecidedAt = now
		if err := s.audits.Create(ctx, audit); err != nil {
			s.log.Error("write approval audit failed", "session_id", current.SessionID, "error", err)
		}
	}

	s.log.Info("session transition",
		"session_id", current.SessionID,
		"from", current.Status,
		"to", to)

	updated, err := s.load(ctx, current.SessionID)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// afterTransition 迁移完成、释放锁之后的收尾
func (s *SessionService) afterTransition(session *model.Session) {
	switch session.Status {
	case model.SessionStatusTerminated, model.SessionStatusExpired:
		s.clearExtras(session.SessionID)
		s.notifier.CloseSession(session.SessionID, string(session.Status))
	case model.SessionStatusWaiting:
		s.clearExtras(session.SessionID)
		// 会话不再是 connected，技术员不能留在通道里
		s.notifier.RemoveRole(session.SessionID, string(relay.RoleTechnician), string(model.SessionStatusWaiting))
	}
}

// Terminate 操作员主动结束会话
// technicianID 不为 nil 时只允许会话的技术员操作
func (s *SessionService) Terminate(ctx context.Context, sessionID string, technicianID *int64) error {
	sessionID = util.NormalizeSessionCode(sessionID)
	unlock := s.locks.Lock(sessionID)
	session, err := func() (*model.Session, error) {
		defer unlock()
		current, err := s.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if technicianID != nil && !s.ownedBy(current, *technicianID) {
			return nil, ErrNoPermission
		}
		session, err := s.applyLocked(ctx, current, model.SessionStatusTerminated, repository.StatusChange{}, nil)
		if err != nil {
			return nil, err
		}
		if err := s.monitors.DeleteBySession(ctx, sessionID); err != nil {
			s.log.Error("delete monitors failed", "session_id", sessionID, "error", err)
		}
		return session, nil
	}()
	if err != nil {
		return err
	}
	s.afterTransition(session)
	return nil
}

// ownedBy 技术员是否是会话的所有者或已获准入
// 尚未被认领的会话任何技术员都可以操作
func (s *SessionService) ownedBy(session *model.Session, technicianID int64) bool {
	if session.TechnicianID == nil || *session.TechnicianID == technicianID {
		return true
	}
	return s.isExtra(session.SessionID, technicianID)
}

// CanAccess 技术员是否可以查看或操作会话
func (s *SessionService) CanAccess(session *model.Session, technicianID int64) bool {
	return s.ownedBy(session, technicianID)
}

// ListByTechnician 获取技术员的会话
func (s *SessionService) ListByTechnician(ctx context.Context, technicianID int64) ([]*model.Session, error) {
	sessions, err := s.store.ListByTechnician(ctx, technicianID)
	if err != nil {
		return nil, err
	}
	now := s.clk.Now()
	for _, session := range sessions {
		if !session.Status.IsTerminal() && session.IsExpiredAt(now) {
			session.Status = model.SessionStatusExpired
		}
	}
	return sessions, nil
}

// Sweep 清扫 expires_at <= now 的会话
// 每条记录先加锁、再重新读取检查、最后标记过期并删除；
// 单条失败只记录日志，不影响其他记录
func (s *SessionService) Sweep(ctx context.Context, now time.Time) (int, error) {
	evicted := 0
	for {
		batch, err := s.store.ListExpired(ctx, now, sweepBatch)
		if err != nil {
			return evicted, fmt.Errorf("list expired sessions: %w", err)
		}
		progress := 0
		for _, candidate := range batch {
			if s.evict(ctx, candidate.SessionID, now) {
				progress++
			}
		}
		evicted += progress
		if len(batch) < sweepBatch || progress == 0 {
			return evicted, nil
		}
	}
}

func (s *SessionService) evict(ctx context.Context, sessionID string, now time.Time) bool {
	unlock := s.locks.Lock(sessionID)
	ok := func() bool {
		defer unlock()
		current, err := s.store.GetByID(ctx, sessionID)
		if err != nil {
			s.log.Error("sweep: load session failed", "session_id", sessionID, "error", err)
			return false
		}
		// 列出之后被删除或被续期
		if current == nil || !current.IsExpiredAt(now) {
			return false
		}
		if !current.Status.IsTerminal() {
			swapped, err := s.store.CompareAndSwapStatus(ctx, sessionID,
				[]model.SessionStatus{current.Status}, model.SessionStatusExpired, repository.StatusChange{})
			if err != nil || !swapped {
				s.log.Error("sweep: mark expired failed", "session_id", sessionID, "error", err)
				return false
			}
		}
		if err := s.store.Delete(ctx, sessionID); err != nil {
			s.log.Error("sweep: evict session failed", "session_id", sessionID, "error", err)
			return false
		}
		return true
	}()
	if !ok {
		return false
	}
	s.clearExtras(sessionID)
	s.notifier.CloseSession(sessionID, string(model.SessionStatusExpired))
	s.log.Info("session expired", "session_id", sessionID)
	return true
}

// connectionLost 最后一个技术员断开，connected -> waiting
func (s *SessionService) connectionLost(ctx context.Context, sessionID string) error {
	unlock := s.locks.Lock(sessionID)
	session, err := func() (*model.Session, error) {
		defer unlock()
		current, err := s.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if current.Status != model.SessionStatusConnected {
			return nil, nil
		}
		return s.applyLocked(ctx, current, model.SessionStatusWaiting, repository.StatusChange{}, nil)
	}()
	if err != nil || session == nil {
		return err
	}
	s.afterTransition(session)
	return nil
}

func (s *SessionService) admitExtra(sessionID string, technicianID int64) {
	s.extrasMu.Lock()
	defer s.extrasMu.Unlock()
	set, ok := s.extras[sessionID]
	if !ok {
		set = make(map[int64]struct{})
		s.extras[sessionID] = set
	}
	set[technicianID] = struct{}{}
}

func (s *SessionService) isExtra(sessionID string, technicianID int64) bool {
	s.extrasMu.Lock()
	defer s.extrasMu.Unlock()
	_, ok := s.extras[sessionID][technicianID]
	return ok
}

func (s *SessionService) clearExtras(sessionID string) {
	s.extrasMu.Lock()
	delete(s.extras, sessionID)
	s.extrasMu.Unlock()
}
