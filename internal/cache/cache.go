// Package cache 提供需要快速访问的临时数据
// 设备在线状态、唤醒节流和 JWT 黑名单都有过期时间，不进数据库
package cache

import (
	"context"
	"time"
)

// Cache 缓存操作
// redis.enabled=true 时由 RedisCache 实现，否则使用进程内的 MemoryCache
type Cache interface {
	// SetDeviceOnline 刷新设备心跳，ttl 内没有再次刷新即视为离线
	SetDeviceOnline(ctx context.Context, deviceID string, ttl time.Duration) error
	SetDeviceOffline(ctx context.Context, deviceID string) error
	IsDeviceOnline(ctx context.Context, deviceID string) bool

	// AcquireWakeSlot 唤醒节流，ttl 内只有第一次返回 true
	AcquireWakeSlot(ctx context.Context, deviceID string, ttl time.Duration) (bool, error)

	BlacklistToken(ctx context.Context, token string, ttl time.Duration) error
	IsTokenBlacklisted(ctx context.Context, token string) bool

	Close() error
}
