// Package jwt 提供 JWT Token 的生成和验证功能
// 技术员、客户端会话和设备代理各自持有不同类型的 Token
package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 定义错误类型
var (
	ErrInvalidToken = errors.New("invalid token")     // Token 无效
	ErrExpiredToken = errors.New("token has expired") // Token 已过期
)

const issuer = "remote-assist"

// Token 类型，写在 Subject 里
const (
	SubjectAccess  = "access"
	SubjectRefresh = "refresh"
	SubjectClient  = "client"
	SubjectDevice  = "device"
)

// TechnicianClaims 技术员 JWT 的声明
type TechnicianClaims struct {
	TechnicianID int64  `json:"technician_id"`
	Username     string `json:"username"`
	jwt.RegisteredClaims
}

// ClientClaims 客户端会话 JWT 的声明
// 注册会话时签发，只对该会话码下的这一条记录有效
type ClientClaims struct {
	SessionID string `json:"session_id"`
	Nonce     string `json:"nonce"` // 会话记录的 Nonce
	jwt.RegisteredClaims
}

// DeviceClaims 设备代理 JWT 的声明
type DeviceClaims struct {
	DeviceID    string `json:"device_id"`
	DeviceToken string `json:"device_token"`
	jwt.RegisteredClaims
}

// JWTService 提供 JWT 相关操作
type JWTService struct {
	secret        []byte        // JWT 签名密钥
	accessExpire  time.Duration // Access Token 过期时间
	refreshExpire time.Duration // Refresh Token 过期时间
}

// NewJWTService 创建 JWTService 实例
// 参数:
//   - secret: JWT 签名密钥，至少 32 个字符
//   - accessExpire: Access Token 过期时间
//   - refreshExpire: Refresh Token 过期时间
func NewJWTService(secret string, accessExpire, refreshExpire time.Duration) *JWTService {
	return &JWTService{
		secret:        []byte(secret),
		accessExpire:  accessExpire,
		refreshExpire: refreshExpire,
	}
}

func registered(subject string, ttl time.Duration) jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    issuer,
		Subject:   subject,
	}
}

func (s *JWTService) sign(claims jwt.Claims) (string, error) {
	// jwt.SigningMethodHS256: 使用 HMAC SHA256 算法签名
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// GenerateAccessToken 生成技术员 Access Token
func (s *JWTService) GenerateAccessToken(technicianID int64, username string) (string, error) {
	return s.sign(TechnicianClaims{
		TechnicianID:     technicianID,
		Username:         username,
		RegisteredClaims: registered(SubjectAccess, s.accessExpire),
	})
}

// GenerateRefreshToken 生成技术员 Refresh Token
func (s *JWTService) GenerateRefreshToken(technicianID int64, username string) (string, error) {
	return s.sign(TechnicianClaims{
		TechnicianID:     technicianID,
		Username:         username,
		RegisteredClaims: registered(SubjectRefresh, s.refreshExpire),
	})
}

// GenerateClientToken 生成客户端会话 Token
// 有效期与会话一致
// 参数:
//   - sessionID: 会话码
//   - nonce: 会话记录的 Nonce
//   - ttl: 有效期
func (s *JWTService) GenerateClientToken(sessionID, nonce string, ttl time.Duration) (string, error) {
	return s.sign(ClientClaims{
		SessionID:        sessionID,
		Nonce:            nonce,
		RegisteredClaims: registered(SubjectClient, ttl),
	})
}

// GenerateDeviceToken 生成设备 Token
// 设备 Token 使用较长的过期时间（30 天）
func (s *JWTService) GenerateDeviceToken(deviceID, deviceToken string) (string, error) {
	return s.sign(DeviceClaims{
		DeviceID:         deviceID,
		DeviceToken:      deviceToken,
		RegisteredClaims: registered(SubjectDevice, 30*24*time.Hour),
	})
}

// ValidateToken 验证技术员 Access Token
func (s *JWTService) ValidateToken(tokenString string) (*TechnicianClaims, error) {
	claims := &TechnicianClaims{}
	if err := parse(tokenString, claims, s.secret); err != nil {
		return nil, err
	}
	if claims.Subject != SubjectAccess {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateRefreshToken 验证 Refresh Token
func (s *JWTService) ValidateRefreshToken(tokenString string) (*TechnicianClaims, error) {
	claims := &TechnicianClaims{}
	if err := parse(tokenString, claims, s.secret); err != nil {
		return nil, err
	}
	if claims.Subject != SubjectRefresh {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateClientToken 验证客户端会话 Token
func (s *JWTService) ValidateClientToken(tokenString string) (*ClientClaims, error) {
	claims := &ClientClaims{}
	if err := parse(tokenString, claims, s.secret); err != nil {
		return nil, err
	}
	if claims.Subject != SubjectClient || claims.SessionID == "" || claims.Nonce == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateDeviceToken 验证设备 Token
func (s *JWTService) ValidateDeviceToken(tokenString string) (*DeviceClaims, error) {
	claims := &DeviceClaims{}
	if err := parse(tokenString, claims, s.secret); err != nil {
		return nil, err
	}
	if claims.Subject != SubjectDevice || claims.DeviceID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GetAccessExpire 获取 Access Token 过期时间
func (s *JWTService) GetAccessExpire() time.Duration {
	return s.accessExpire
}

// GetRefreshExpire 获取 Refresh Token 过期时间
func (s *JWTService) GetRefreshExpire() time.Duration {
	return s.refreshExpire
}

// parse 解析并校验签名
// 只接受 HMAC 签名，过期单独返回 ErrExpiredToken
func parse(tokenString string, claims jwt.Claims, secret []byte) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return ErrInvalidToken
	}
	if !token.Valid {
		return ErrInvalidToken
	}
	return nil
}
