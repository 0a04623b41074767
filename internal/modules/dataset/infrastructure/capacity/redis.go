package capacity

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// 同一 hash tag，集群模式下脚本涉及的 key 落在同一个 slot
const (
	defaultKeyPrefix = "{kf:cap}"
)

// 过期成员先清理再比较，进程崩溃后遗留的名额在 ttl 后自动归还
var acquireScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[3]) then
  return 0
end
if redis.call('ZCARD', KEYS[2]) >= tonumber(ARGV[4]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[5])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[5])
redis.call('SADD', KEYS[3], ARGV[6])
return 1
`)

var releaseScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
if redis.call('ZCARD', KEYS[2]) == 0 then
  redis.call('SREM', KEYS[3], ARGV[2])
end
return 1
`)

// RedisCounter 多进程共享的计数器，每个名额是有序集合中的一个成员，score 为过期时间
type RedisCounter struct {
	cli    redis.UniversalClient
	limits Limits
	ttl    time.Duration
	prefix string
}

var _ Counter = (*RedisCounter)(nil)

// NewRedisCounter ttl 应不短于 Job 租约
func NewRedisCounter(cli redis.UniversalClient, limits Limits, ttl time.Duration) *RedisCounter {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCounter{cli: cli, limits: normalize(limits), ttl: ttl, prefix: defaultKeyPrefix}
}

func (c *RedisCounter) Limits() Limits {
	return c.limits
}

func (c *RedisCounter) globalKey() string {
	return c.prefix + ":global"
}

func (c *RedisCounter) ownerKey(ownerID string) string {
	return c.prefix + ":owner:" + ownerID
}

func (c *RedisCounter) ownersKey() string {
	return c.prefix + ":owners"
}

func (c *RedisCounter) TryAcquire(ctx context.Context, ownerID string) (Slot, bool, error) {
	now := time.Now()
	token := uuid.NewString()
	keys := []string{c.globalKey(), c.ownerKey(ownerID), c.ownersKey()}
	ok, err := acquireScript.Run(ctx, c.cli, keys,
		now.UnixMilli(),
		now.Add(c.ttl).UnixMilli(),
		c.limits.Global,
		c.limits.PerOwner,
		token,
		ownerID,
	).Int()
	if err != nil {
		return Slot{}, false, err
	}
	if ok != 1 {
		return Slot{}, false, nil
	}
	return Slot{OwnerID: ownerID, Token: token}, true, nil
}

func (c *RedisCounter) Release(ctx context.Context, slot Slot) error {
	if slot.Token == "" {
		return nil
	}
	keys := []string{c.globalKey(), c.ownerKey(slot.OwnerID), c.ownersKey()}
	return releaseScript.Run(ctx, c.cli, keys, slot.Token, slot.OwnerID).Err()
}

func (c *RedisCounter) Snapshot(ctx context.Context) (Usage, error) {
	from := strconv.FormatInt(time.Now().UnixMilli(), 10)
	owners, err := c.cli.SMembers(ctx, c.ownersKey()).Result()
	if err != nil {
		return Usage{}, err
	}
	pipe := c.cli.Pipeline()
	globalCmd := pipe.ZCount(ctx, c.globalKey(), "("+from, "+inf")
	ownerCmds := make(map[string]*redis.IntCmd, len(owners))
	for _, o := range owners {
		ownerCmds[o] = pipe.ZCount(ctx, c.ownerKey(o), "("+from, "+inf")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Usage{}, err
	}
	u := Usage{Global: globalCmd.Val(), Owners: make(map[string]int64, len(owners))}
	for o, cmd := range ownerCmds {
		if n := cmd.Val(); n > 0 {
			u.Owners[o] = n
		}
	}
	return u, nil
}
