package initial

import (
	"context"
	"fmt"
	"strings"
	"time"

	"KnowForge/internal/config"
	"KnowForge/pkg/redis"
	"KnowForge/pkg/zlog"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewRedisClient 未配置主机时返回 (nil, nil)，调用方退回单进程实现
func NewRedisClient(ctx context.Context, conf *config.Config) (*goredis.Client, error) {
	rc := conf.RedisConfig
	if strings.TrimSpace(rc.Host) == "" {
		zlog.Info("Redis 未配置，跳过初始化")
		return nil, nil
	}
	port := rc.Port
	if port == 0 {
		port = 6379
	}
	addr := fmt.Sprintf("%s:%d", rc.Host, port)
	zlog.Info("Redis connecting", zap.String("addr", addr))

	client := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		Password:     rc.Password,
		DB:           rc.DB,
		PoolSize:     rc.PoolSize,
		MinIdleConns: rc.MinIdleConns,
	})

	// 测试连接
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}

	// 设置到 pkg/redis 包
	redis.SetClient(client)
	zlog.Info("Redis 连接成功")
	return client, nil
}
