package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestAccessAndRefresh(t *testing.T) {
	s := NewJWTService(testSecret, time.Hour, 24*time.Hour)

	access, err := s.GenerateAccessToken(7, "alice")
	require.NoError(t, err)
	claims, err := s.ValidateToken(access)
	require.NoError(t, err)
	assert.Equal(t, int64(7), claims.TechnicianID)
	assert.Equal(t, "alice", claims.Username)

	// access token 不能当 refresh token 用，反之亦然
	_, err = s.ValidateRefreshToken(access)
	assert.ErrorIs(t, err, ErrInvalidToken)

	refresh, err := s.GenerateRefreshToken(7, "alice")
	require.NoError(t, err)
	_, err = s.ValidateToken(refresh)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = s.ValidateRefreshToken(refresh)
	assert.NoError(t, err)
}

func TestClientToken(t *testing.T) {
	s := NewJWTService(testSecret, time.Hour, time.Hour)

	tok, err := s.GenerateClientToken("ABC-123-XYZ", "n-1", 10*time.Minute)
	require.NoError(t, err)
	claims, err := s.ValidateClientToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "ABC-123-XYZ", claims.SessionID)
	assert.Equal(t, "n-1", claims.Nonce)

	// 没有 Nonce 的 Token 不绑定任何记录
	bare, err := s.GenerateClientToken("ABC-123-XYZ", "", 10*time.Minute)
	require.NoError(t, err)
	_, err = s.ValidateClientToken(bare)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.ValidateDeviceToken(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestDeviceToken(t *testing.T) {
	s := NewJWTService(testSecret, time.Hour, time.Hour)

	tok, err := s.GenerateDeviceToken("D1", "tok")
	require.NoError(t, err)
	claims, err := s.ValidateDeviceToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "D1", claims.DeviceID)
	assert.Equal(t, "tok", claims.DeviceToken)
}

func TestExpiredToken(t *testing.T) {
	s := NewJWTService(testSecret, -time.Minute, time.Hour)

	tok, err := s.GenerateAccessToken(1, "bob")
	require.NoError(t, err)
	_, err = s.ValidateToken(tok)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestWrongSecret(t *testing.T) {
	a := NewJWTService(testSecret, time.Hour, time.Hour)
	b := NewJWTService("another-secret-another-secret-xx", time.Hour, time.Hour)

	tok, err := a.GenerateAccessToken(1, "bob")
	require.NoError(t, err)
	_, err = b.ValidateToken(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
