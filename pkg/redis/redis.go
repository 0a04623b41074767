package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var client *redis.Client

// SetClient 设置 Redis 客户端（由 internal/initial 调用）
func SetClient(c *redis.Client) {
	client = c
}

// Close 关闭 Redis 连接
func Close() error {
	if client == nil {
		return nil
	}
	c := client
	client = nil
	return c.Close()
}

// IsConnected 检查 Redis 是否已连接
func IsConnected() bool {
	return client != nil
}

// checkClient 检查客户端是否可用
func checkClient() error {
	if client == nil {
		return fmt.Errorf("Redis 未连接")
	}
	return nil
}

// Ping 检查连通性
func Ping(ctx context.Context) error {
	if err := checkClient(); err != nil {
		return err
	}
	return client.Ping(ctx).Err()
}

// ==================== 分布式锁 ====================

// unlockScript 只删除自己持有的锁，防止过期后误删他人的锁
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrLockNotHeld 锁已过期或被他人持有
var ErrLockNotHeld = errors.New("redis lock not held")

// Lock 获取分布式锁，成功时返回持有凭证
func Lock(ctx context.Context, key string, expiration time.Duration) (string, bool, error) {
	if err := checkClient(); err != nil {
		return "", false, err
	}
	token := uuid.NewString()
	ok, err := client.SetNX(ctx, key, token, expiration).Result()
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// Unlock 释放分布式锁
func Unlock(ctx context.Context, key, token string) error {
	if err := checkClient(); err != nil {
		return err
	}
	n, err := unlockScript.Run(ctx, client, []string{key}, token).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}
