// Package cache 提供需要快速访问的临时数据
package cache

import (
	"context"
	"sync"
	"time"

	"remote-assist/internal/clock"
)

// MemoryCache 进程内缓存，Redis 关闭时使用
// 过期的条目在读取时判定，不主动清理
type MemoryCache struct {
	clk clock.Clock

	mu      sync.Mutex
	entries map[string]time.Time // key -> 过期时间
}

// NewMemoryCache 创建进程内缓存
func NewMemoryCache(clk clock.Clock) *MemoryCache {
	return &MemoryCache{clk: clk, entries: make(map[string]time.Time)}
}

func (c *MemoryCache) set(key string, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = c.clk.Now().Add(ttl)
	c.mu.Unlock()
}

func (c *MemoryCache) live(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.entries[key]
	if !ok {
		return false
	}
	if !at.After(c.clk.Now()) {
		delete(c.entries, key)
		return false
	}
	return true
}

func (c *MemoryCache) SetDeviceOnline(_ context.Context, deviceID string, ttl time.Duration) error {
	c.set(heartbeatKey(deviceID), ttl)
	return nil
}

func (c *MemoryCache) SetDeviceOffline(_ context.Context, deviceID string) error {
	c.mu.Lock()
	delete(c.entries, heartbeatKey(deviceID))
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) IsDeviceOnline(_ context.Context, deviceID string) bool {
	return c.live(heartbeatKey(deviceID))
}

func (c *MemoryCache) AcquireWakeSlot(_ context.Context, deviceID string, ttl time.Duration) (bool, error) {
	key := "device:" + deviceID + ":wake"
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clk.Now()
	if at, ok := c.entries[key]; ok && at.After(now) {
		return false, nil
	}
	c.entries[key] = now.Add(ttl)
	return true, nil
}

func (c *MemoryCache) BlacklistToken(_ context.Context, token string, ttl time.Duration) error {
	c.set("blacklist:"+token, ttl)
	return nil
}

func (c *MemoryCache) IsTokenBlacklisted(_ context.Context, token string) bool {
	return c.live("blacklist:" + token)
}

func (c *MemoryCache) Close() error { return nil }

var (
	_ Cache = (*RedisCache)(nil)
	_ Cache = (*MemoryCache)(nil)
)
