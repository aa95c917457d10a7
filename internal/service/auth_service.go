package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"remote-assist/internal/cache"
	"remote-assist/internal/clock"
	"remote-assist/internal/model"
	"remote-assist/internal/repository"
	"remote-assist/pkg/jwt"
	"remote-assist/pkg/util"
)

// 技术员账号相关错误
var (
	ErrUserExists    = errors.New("用户名已存在")
	ErrEmailExists   = errors.New("邮箱已被注册")
	ErrUserNotFound  = errors.New("用户不存在")
	ErrPasswordWrong = errors.New("密码错误")
)

// AuthService 认证服务
// 处理技术员注册、登录、登出和令牌刷新
type AuthService struct {
	technicians repository.TechnicianStore // 技术员数据访问层
	cache       cache.Cache                // 令牌黑名单
	jwtService  *jwt.JWTService            // JWT 服务
	clk         clock.Clock
	log         *slog.Logger
}

// NewAuthService 创建 AuthService 实例
func NewAuthService(
	technicians repository.TechnicianStore,
	cache cache.Cache,
	jwtService *jwt.JWTService,
	clk clock.Clock,
	log *slog.Logger,
) *AuthService {
	return &AuthService{
		technicians: technicians,
		cache:       cache,
		jwtService:  jwtService,
		clk:         clk,
		log:         log.With("component", "auth"),
	}
}

// RegisterRequest 注册请求
type RegisterRequest struct {
	Username string `json:"username" binding:"required,min=3,max=50"` // 用户名
	Password string `json:"password" binding:"required,min=6"`        // 密码
	Email    string `json:"email" binding:"omitempty,email"`          // 邮箱（可选）
}

// RegisterResponse 注册响应
type RegisterResponse struct {
	TechnicianID int64  `json:"technician_id"`
	Username     string `json:"username"`
}

// Register 技术员注册
// 参数:
//   - ctx: 上下文
//   - req: 注册请求
//
// 返回:
//   - *RegisterResponse: 注册成功返回技术员信息
//   - error: 用户名或邮箱已存在等
func (s *AuthService) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	// 1. 检查用户名是否已存在
	existing, err := s.technicians.GetByUsername(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrUserExists
	}

	// 2. 如果提供了邮箱，检查邮箱是否已存在
	if req.Email != "" {
		exists, err := s.technicians.ExistsByEmail(ctx, req.Email)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, ErrEmailExists
		}
	}

	// 3. 对密码进行哈希
	passwordHash, err := util.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	// 4. 创建技术员
	technician := &model.Technician{
		Username:     req.Username,
		PasswordHash: passwordHash,
	}
	if req.Email != "" {
		technician.Email = &req.Email
	}
	if err := s.technicians.Create(ctx, technician); err != nil {
		// 并发注册同名账号时由唯一索引兜底
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrUserExists
		}
		return nil, err
	}

	s.log.Info("technician registered", "technician_id", technician.ID, "username", technician.Username)
	return &RegisterResponse{
		TechnicianID: technician.ID,
		Username:     technician.Username,
	}, nil
}

// LoginRequest 登录请求
type LoginRequest struct {
	Username string `json:"username" binding:"required"` // 用户名
	Password string `json:"password" binding:"required"` // 密码
}

// LoginResponse 登录响应
type LoginResponse struct {
	AccessToken  string            `json:"access_token"`  // 访问令牌
	RefreshToken string            `json:"refresh_token"` // 刷新令牌
	ExpiresIn    int64             `json:"expires_in"`    // 过期时间（秒）
	Technician   *model.Technician `json:"technician"`    // 技术员信息
}

// Login 技术员登录
func (s *AuthService) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	// 1. 根据用户名查找
	technician, err := s.technicians.GetByUsername(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	if technician == nil {
		return nil, ErrUserNotFound
	}

	// 2. 验证密码
	if !util.CheckPassword(req.Password, technician.PasswordHash) {
		return nil, ErrPasswordWrong
	}

	// 3. 生成 Access Token 和 Refresh Token
	accessToken, err := s.jwtService.GenerateAccessToken(technician.ID, technician.Username)
	if err != nil {
		return nil, err
	}
	refreshToken, err := s.jwtService.GenerateRefreshToken(technician.ID, technician.Username)
	if err != nil {
		return nil, err
	}

	// 4. 记录登录时间，失败不影响登录
	now := s.clk.Now()
	if err := s.technicians.UpdateLastLogin(ctx, technician.ID, now); err != nil {
		s.log.Warn("update last login failed", "technician_id", technician.ID, "error", err)
	} else {
		technician.LastLogin = &now
	}

	return &LoginResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.jwtService.GetAccessExpire().Seconds()),
		Technician:   technician,
	}, nil
}

// Logout 技术员登出
// 将 Token 的哈希加入黑名单，TTL 为 Token 的剩余有效期
func (s *AuthService) Logout(ctx context.Context, token string, expireAt time.Time) error {
	ttl := expireAt.Sub(s.clk.Now())
	if ttl <= 0 {
		return nil
	}
	return s.cache.BlacklistToken(ctx, util.HashToken(token), ttl)
}

// RefreshTokenResponse 刷新 Token 响应
type RefreshTokenResponse struct {
	AccessToken string `json:"access_token"` // 新的访问令牌
	ExpiresIn   int64  `json:"expires_in"`   // 过期时间（秒）
}

// RefreshToken 刷新 Access Token
func (s *AuthService) RefreshToken(ctx context.Context, refreshToken string) (*RefreshTokenResponse, error) {
	// 1. 验证 Refresh Token
	claims, err := s.jwtService.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, err
	}
	if s.IsTokenRevoked(ctx, refreshToken) {
		return nil, jwt.ErrInvalidToken
	}

	// 2. 检查技术员是否仍然存在
	technician, err := s.technicians.GetByID(ctx, claims.TechnicianID)
	if err != nil {
		return nil, err
	}
	if technician == nil {
		return nil, ErrUserNotFound
	}

	// 3. 生成新的 Access Token
	accessToken, err := s.jwtService.GenerateAccessToken(technician.ID, technician.Username)
	if err != nil {
		return nil, err
	}
	return &RefreshTokenResponse{
		AccessToken: accessToken,
		ExpiresIn:   int64(s.jwtService.GetAccessExpire().Seconds()),
	}, nil
}

// IsTokenRevoked 检查令牌是否已登出
func (s *AuthService) IsTokenRevoked(ctx context.Context, token string) bool {
	return s.cache.IsTokenBlacklisted(ctx, util.HashToken(token))
}

// GetProfile 获取技术员资料
func (s *AuthService) GetProfile(ctx context.Context, technicianID int64) (*model.Technician, error) {
	technician, err := s.technicians.GetByID(ctx, technicianID)
	if err != nil {
		return nil, err
	}
	if technician == nil {
		return nil, ErrUserNotFound
	}
	return technician, nil
}

// ChangePasswordRequest 修改密码请求
type ChangePasswordRequest struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required,min=6"`
}

// ChangePassword 修改密码
// 已签发的令牌不受影响，直到过期或登出
func (s *AuthService) ChangePassword(ctx context.Context, technicianID int64, req *ChangePasswordRequest) error {
	technician, err := s.GetProfile(ctx, technicianID)
	if err != nil {
		return err
	}
	if !util.CheckPassword(req.OldPassword, technician.PasswordHash) {
		return ErrPasswordWrong
	}

	hash, err := util.HashPassword(req.NewPassword)
	if err != nil {
		return err
	}
	if err := s.technicians.UpdatePassword(ctx, technicianID, hash); err != nil {
		return err
	}
	s.log.Info("password changed", "technician_id", technicianID)
	return nil
}
