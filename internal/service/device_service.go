package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"remote-assist/internal/cache"
	"remote-assist/internal/clock"
	"remote-assist/internal/config"
	"remote-assist/internal/model"
	"remote-assist/internal/repository"
	"remote-assist/pkg/jwt"
	"remote-assist/pkg/util"
)

// 设备相关错误
var (
	ErrDeviceTokenMismatch = errors.New("设备令牌不匹配")
	ErrNoMACAddress        = errors.New("设备未登记 MAC 地址")
	ErrWakeThrottled       = errors.New("唤醒过于频繁")
)

// presenceTTL 设备心跳的有效期，代理每 30 秒心跳一次
const presenceTTL = 2 * time.Minute

// DeviceService 设备注册表与无人值守认领
type DeviceService struct {
	store      repository.DeviceStore
	sessions   *SessionService
	approvals  *ApprovalService
	cache      cache.Cache
	jwtService *jwt.JWTService
	waker      Waker
	clk        clock.Clock
	cfg        config.DeviceConfig
	log        *slog.Logger
}

// NewDeviceService 创建 DeviceService 实例
func NewDeviceService(
	store repository.DeviceStore,
	sessions *SessionService,
	approvals *ApprovalService,
	cache cache.Cache,
	jwtService *jwt.JWTService,
	waker Waker,
	cfg config.DeviceConfig,
	log *slog.Logger,
) *DeviceService {
	return &DeviceService{
		store:      store,
		sessions:   sessions,
		approvals:  approvals,
		cache:      cache,
		jwtService: jwtService,
		waker:      waker,
		clk:        sessions.clk,
		cfg:        cfg,
		log:        log.With("component", "device"),
	}
}

// RegisterDeviceRequest 代理注册请求
type RegisterDeviceRequest struct {
	DeviceID    string `json:"device_id"`    // 首次为空，由服务端生成
	DeviceToken string `json:"device_token"` // 再次注册时必须携带
	DisplayName string `json:"display_name"`
	OS          string `json:"os"`
	Hostname    string `json:"hostname"`
	Arch        string `json:"arch"`
	MACAddress  string `json:"mac_address"`
}

// RegisterDeviceResponse 代理注册响应
type RegisterDeviceResponse struct {
	DeviceID    string `json:"device_id"`
	DeviceToken string `json:"device_token"` // 持久保存在代理本地
	AccessToken string `json:"access_token"` // 设备 JWT
	Paired      bool   `json:"paired"`
}

// RegisterDevice 注册或刷新设备
// 首次注册创建记录并签发设备令牌；之后的注册只刷新元数据、IP 和 last_seen
func (s *DeviceService) RegisterDevice(ctx context.Context, req *RegisterDeviceRequest, ip string) (*RegisterDeviceResponse, error) {
	now := s.clk.Now()

	var device *model.Device
	if req.DeviceID != "" {
		existing, err := s.store.GetByID(ctx, req.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("load device: %w", err)
		}
		device = existing
	}

	if device != nil {
		if device.DeviceToken != req.DeviceToken {
			return nil, ErrDeviceTokenMismatch
		}
		device.DisplayName = req.DisplayName
		device.OS = req.OS
		device.Hostname = req.Hostname
		device.Arch = req.Arch
		device.LastIP = ip
		if req.MACAddress != "" {
			device.MACAddress = req.MACAddress
		}
		device.LastSeen = now
		if err := s.store.UpdateProfile(ctx, device); err != nil {
			return nil, fmt.Errorf("update device: %w", err)
		}
	} else {
		deviceID := req.DeviceID
		if deviceID == "" {
			deviceID = util.GenerateUUID()
		}
		device = &model.Device{
			DeviceID:    deviceID,
			DisplayName: req.DisplayName,
			OS:          req.OS,
			Hostname:    req.Hostname,
			Arch:        req.Arch,
			LastIP:      ip,
			MACAddress:  req.MACAddress,
			LastSeen:    now,
			DeviceToken: util.GenerateDeviceToken(),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.store.Create(ctx, device); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return nil, ErrConflict
			}
			return nil, fmt.Errorf("create device: %w", err)
		}
		s.log.Info("device registered", "device_id", device.DeviceID, "hostname", device.Hostname)
	}

	accessToken, err := s.jwtService.GenerateDeviceToken(device.DeviceID, device.DeviceToken)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetDeviceOnline(ctx, device.DeviceID, presenceTTL); err != nil {
		s.log.Warn("set device online failed", "device_id", device.DeviceID, "error", err)
	}
	return &RegisterDeviceResponse{
		DeviceID:    device.DeviceID,
		DeviceToken: device.DeviceToken,
		AccessToken: accessToken,
		Paired:      device.TechnicianID != nil,
	}, nil
}

// Authenticate 校验设备 JWT 中的令牌仍与设备记录一致
// 解除配对后旧的 JWT 立即失效
func (s *DeviceService) Authenticate(ctx context.Context, deviceID, deviceToken string) error {
	device, err := s.store.GetByID(ctx, deviceID)
	if err != nil {
		return err
	}
	if device == nil {
		return ErrNotFound
	}
	if device.DeviceToken != deviceToken {
		return ErrDeviceTokenMismatch
	}
	return nil
}

// DeviceResponse 设备信息
type DeviceResponse struct {
	*model.Device
	IsOnline bool `json:"is_online"`
}

// GetDevice 获取技术员名下的设备
func (s *DeviceService) GetDevice(ctx context.Context, deviceID string, technicianID int64) (*DeviceResponse, error) {
	device, err := s.owned(ctx, deviceID, technicianID)
	if err != nil {
		return nil, err
	}
	return &DeviceResponse{Device: device, IsOnline: s.cache.IsDeviceOnline(ctx, deviceID)}, nil
}

// ListDevices 获取技术员配对的设备
func (s *DeviceService) ListDevices(ctx context.Context, technicianID int64) ([]*DeviceResponse, error) {
	devices, err := s.store.ListByTechnician(ctx, technicianID)
	if err != nil {
		return nil, err
	}
	out := make([]*DeviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, &DeviceResponse{Device: d, IsOnline: s.cache.IsDeviceOnline(ctx, d.DeviceID)})
	}
	return out, nil
}

// Pair 把设备配对给技术员
// 已配对给其他技术员的设备需要先解除配对
func (s *DeviceService) Pair(ctx context.Context, deviceID string, technicianID int64) (*model.Device, error) {
	device, err := s.store.GetByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, ErrNotFound
	}
	if device.TechnicianID != nil && *device.TechnicianID != technicianID {
		return nil, ErrConflict
	}
	if err := s.store.SetOwner(ctx, deviceID, &technicianID); err != nil {
		return nil, err
	}
	device.TechnicianID = &technicianID
	s.log.Info("device paired", "device_id", deviceID, "technician_id", technicianID)
	return device, nil
}

// Unpair 解除配对
// 这是删除设备记录的唯一途径
func (s *DeviceService) Unpair(ctx context.Context, deviceID string, technicianID int64) error {
	if _, err := s.owned(ctx, deviceID, technicianID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, deviceID); err != nil {
		return err
	}
	if err := s.cache.SetDeviceOffline(ctx, deviceID); err != nil {
		s.log.Warn("set device offline failed", "device_id", deviceID, "error", err)
	}
	s.log.Info("device unpaired", "device_id", deviceID, "technician_id", technicianID)
	return nil
}

// UpdateDeviceRequest 更新设备请求
type UpdateDeviceRequest struct {
	DisplayName     *string `json:"display_name"`
	AllowUnattended *bool   `json:"allow_unattended"`
}

// UpdateDevice 修改设备名称或无人值守开关
func (s *DeviceService) UpdateDevice(ctx context.Context, deviceID string, technicianID int64, req *UpdateDeviceRequest) (*model.Device, error) {
	device, err := s.owned(ctx, deviceID, technicianID)
	if err != nil {
		return nil, err
	}
	if req.DisplayName != nil {
		device.DisplayName = *req.DisplayName
		if err := s.store.UpdateProfile(ctx, device); err != nil {
			return nil, err
		}
	}
	if req.AllowUnattended != nil {
		if err := s.SetUnattended(ctx, deviceID, technicianID, *req.AllowUnattended); err != nil {
			return nil, err
		}
		device.AllowUnattended = *req.AllowUnattended
	}
	return device, nil
}

// SetUnattended 设置设备是否允许无人值守
// 已发出的连接请求在评估时会重新读取这个值
func (s *DeviceService) SetUnattended(ctx context.Context, deviceID string, technicianID int64, allow bool) error {
	if _, err := s.owned(ctx, deviceID, technicianID); err != nil {
		return err
	}
	if err := s.store.SetUnattended(ctx, deviceID, allow); err != nil {
		return err
	}
	s.log.Info("device unattended changed", "device_id", deviceID, "allow", allow)
	return nil
}

// RequestPendingSession 技术员请求访问无人值守设备
// 原子地占用设备的认领槽，然后以 waiting 状态创建会话
// 已有未超时的认领时返回 ErrAlreadyPending；超时的认领会被覆盖
func (s *DeviceService) RequestPendingSession(ctx context.Context, deviceID string, technicianID int64) (string, error) {
	device, err := s.owned(ctx, deviceID, technicianID)
	if err != nil {
		return "", err
	}

	now := s.clk.Now()
	sessionID := util.GenerateSessionCode()
	acquired, err := s.store.AcquireClaim(ctx, deviceID, sessionID, now, now.Add(-s.cfg.PendingTimeout))
	if err != nil {
		return "", fmt.Errorf("acquire claim: %w", err)
	}
	if !acquired {
		return "", ErrAlreadyPending
	}

	_, err = s.sessions.create(ctx, sessionID, func(session *model.Session) {
		session.TechnicianID = &technicianID
		session.DeviceID = &device.DeviceID
		session.AllowUnattended = device.AllowUnattended
		session.ClientInfo = map[string]interface{}{
			"os":       device.OS,
			"hostname": device.Hostname,
			"arch":     device.Arch,
		}
	})
	if err != nil {
		if _, rerr := s.store.ReleaseClaim(ctx, deviceID, sessionID); rerr != nil {
			s.log.Error("release claim failed", "device_id", deviceID, "session_id", sessionID, "error", rerr)
		}
		return "", err
	}

	s.log.Info("pending session requested", "device_id", deviceID, "session_id", sessionID, "technician_id", technicianID)

	// 离线设备先尝试唤醒，失败不影响认领
	if device.MACAddress != "" && !s.cache.IsDeviceOnline(ctx, deviceID) {
		if err := s.wake(ctx, device); err != nil {
			s.log.Info("wake before claim skipped", "device_id", deviceID, "error", err)
		}
	}
	return sessionID, nil
}

// CheckPending 代理轮询设备上的待认领会话
// 超时的认领视为不存在
func (s *DeviceService) CheckPending(ctx context.Context, deviceID string) (*model.PendingClaim, error) {
	device, err := s.store.GetByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, ErrNotFound
	}
	sessionID, ok := device.ActiveClaim(s.clk.Now(), s.cfg.PendingTimeout)
	if !ok {
		return nil, nil
	}
	claim := &model.PendingClaim{
		DeviceID:    deviceID,
		SessionID:   sessionID,
		RequestedAt: *device.PendingRequestedAt,
	}
	if device.TechnicianID != nil {
		claim.TechnicianID = *device.TechnicianID
	}
	return claim, nil
}

// Claim 代理已接入会话，释放认领槽并驱动审批
// 认领超时返回 ErrExpired；槽中不是这个会话返回 ErrNotFound
func (s *DeviceService) Claim(ctx context.Context, deviceID, sessionID string) (*EvaluateResult, error) {
	sessionID = util.NormalizeSessionCode(sessionID)
	device, err := s.store.GetByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device == nil || device.PendingSessionID == nil || *device.PendingSessionID != sessionID {
		return nil, ErrNotFound
	}
	if _, ok := device.ActiveClaim(s.clk.Now(), s.cfg.PendingTimeout); !ok {
		// 超时的槽顺手清掉，新的请求无需等待
		if _, err := s.store.ReleaseClaim(ctx, deviceID, sessionID); err != nil {
			s.log.Warn("release expired claim failed", "device_id", deviceID, "error", err)
		}
		return nil, ErrExpired
	}

	released, err := s.store.ReleaseClaim(ctx, deviceID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("release claim: %w", err)
	}
	if !released {
		return nil, ErrNotFound
	}

	session, err := s.sessions.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.TechnicianID == nil {
		return nil, ErrInvalidTransition
	}
	result, err := s.approvals.Evaluate(ctx, sessionID, *session.TechnicianID)
	if err != nil {
		return nil, err
	}
	s.log.Info("pending session claimed", "device_id", deviceID, "session_id", sessionID, "decision", result.Decision)
	return result, nil
}

// HeartbeatResponse 心跳响应，顺带返回待认领会话
type HeartbeatResponse struct {
	Pending *model.PendingClaim `json:"pending,omitempty"`
}

// Heartbeat 代理心跳
func (s *DeviceService) Heartbeat(ctx context.Context, deviceID, ip string) (*HeartbeatResponse, error) {
	if err := s.store.TouchLastSeen(ctx, deviceID, s.clk.Now(), ip); err != nil {
		return nil, err
	}
	if err := s.cache.SetDeviceOnline(ctx, deviceID, presenceTTL); err != nil {
		s.log.Warn("set device online failed", "device_id", deviceID, "error", err)
	}
	pending, err := s.CheckPending(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return &HeartbeatResponse{Pending: pending}, nil
}

// Wake 向技术员名下的设备发送网络唤醒包
func (s *DeviceService) Wake(ctx context.Context, deviceID string, technicianID int64) error {
	device, err := s.owned(ctx, deviceID, technicianID)
	if err != nil {
		return err
	}
	return s.wake(ctx, device)
}

func (s *DeviceService) wake(ctx context.Context, device *model.Device) error {
	if device.MACAddress == "" {
		return ErrNoMACAddress
	}
	ok, err := s.cache.AcquireWakeSlot(ctx, device.DeviceID, s.cfg.WakeThrottle)
	if err != nil {
		return err
	}
	if !ok {
		return ErrWakeThrottled
	}
	if err := s.waker.Wake(device.MACAddress); err != nil {
		return err
	}
	s.log.Info("wake packet sent", "device_id", device.DeviceID, "mac", device.MACAddress)
	return nil
}

// owned 读取设备并检查是否配对给该技术员
func (s *DeviceService) owned(ctx context.Context, deviceID string, technicianID int64) (*model.Device, error) {
	device, err := s.store.GetByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, ErrNotFound
	}
	if device.TechnicianID == nil || *device.TechnicianID != technicianID {
		return nil, ErrNoPermission
	}
	return device, nil
}
