// Package cache 提供需要快速访问的临时数据
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"remote-assist/internal/config"
)

// RedisCache 封装 Redis 客户端，提供业务相关的缓存操作
type RedisCache struct {
	client *redis.Client // Redis 客户端实例
}

// NewRedisCache 创建 RedisCache 实例
// 参数:
//   - cfg: Redis 连接配置
//
// 返回:
//   - *RedisCache: 缓存实例
//   - error: 连接错误
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Close 关闭 Redis 连接
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// ==================== 在线状态管理 ====================

// SetDeviceOnline 设置设备在线
// 代理每次心跳都会调用，Key 在 ttl 后自动删除
func (c *RedisCache) SetDeviceOnline(ctx context.Context, deviceID string, ttl time.Duration) error {
	pipe := c.client.Pipeline()
	pipe.SAdd(ctx, "online:devices", deviceID)
	pipe.Set(ctx, heartbeatKey(deviceID), time.Now().Unix(), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// SetDeviceOffline 设置设备离线
func (c *RedisCache) SetDeviceOffline(ctx context.Context, deviceID string) error {
	pipe := c.client.Pipeline()
	pipe.SRem(ctx, "online:devices", deviceID)
	pipe.Del(ctx, heartbeatKey(deviceID))
	_, err := pipe.Exec(ctx)
	return err
}

// IsDeviceOnline 检查设备是否在线
// 以心跳 Key 是否存在为准，集合只用于列表
func (c *RedisCache) IsDeviceOnline(ctx context.Context, deviceID string) bool {
	n, err := c.client.Exists(ctx, heartbeatKey(deviceID)).Result()
	return err == nil && n > 0
}

// AcquireWakeSlot 唤醒节流
// SETNX 成功说明 ttl 内没有发送过唤醒包
func (c *RedisCache) AcquireWakeSlot(ctx context.Context, deviceID string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, fmt.Sprintf("device:%s:wake", deviceID), time.Now().Unix(), ttl).Result()
}

// ==================== JWT 黑名单 ====================

// BlacklistToken 将 Token 加入黑名单
// 用于用户登出，过期时间与 Token 剩余有效期相同
func (c *RedisCache) BlacklistToken(ctx context.Context, token string, ttl time.Duration) error {
	return c.client.Set(ctx, "blacklist:"+token, 1, ttl).Err()
}

// IsTokenBlacklisted 检查 Token 是否在黑名单中
func (c *RedisCache) IsTokenBlacklisted(ctx context.Context, token string) bool {
	result, err := c.client.Exists(ctx, "blacklist:"+token).Result()
	return err == nil && result > 0
}

func heartbeatKey(deviceID string) string {
	return fmt.Sprintf("device:%s:heartbeat", deviceID)
}
