package scheduler

import (
	"context"
	"time"

	myredis "KnowForge/pkg/redis"
)

// RedisLocker 基于 pkg/redis 的分布式锁
type RedisLocker struct{}

var _ Locker = RedisLocker{}

func (RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	return myredis.Lock(ctx, key, ttl)
}

func (RedisLocker) Unlock(ctx context.Context, key, token string) error {
	return myredis.Unlock(ctx, key, token)
}
