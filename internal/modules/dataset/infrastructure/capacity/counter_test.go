package capacity

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCounterLimits(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCounter(Limits{Global: 3, PerOwner: 2})

	s1, ok, err := c.TryAcquire(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, _ = c.TryAcquire(ctx, "a")
	require.True(t, ok)
	_, ok, _ = c.TryAcquire(ctx, "a")
	assert.False(t, ok, "per owner ceiling")

	_, ok, _ = c.TryAcquire(ctx, "b")
	require.True(t, ok)
	_, ok, _ = c.TryAcquire(ctx, "c")
	assert.False(t, ok, "global ceiling")

	u, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, u.Global)
	assert.Equal(t, 0, u.Free(c.Limits()))
	assert.Equal(t, []string{"a"}, u.SaturatedOwners(c.Limits()))

	require.NoError(t, c.Release(ctx, s1))
	require.NoError(t, c.Release(ctx, s1))
	u, _ = c.Snapshot(ctx)
	assert.EqualValues(t, 2, u.Global)
	assert.EqualValues(t, 1, u.Owners["a"])
}

func TestMemoryCounterConcurrent(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCounter(Limits{Global: 10, PerOwner: 10})

	var (
		wg      sync.WaitGroup
		held    int64
		maxSeen int64
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				slot, ok, _ := c.TryAcquire(ctx, "owner")
				if !ok {
					continue
				}
				n := atomic.AddInt64(&held, 1)
				for {
					m := atomic.LoadInt64(&maxSeen)
					if n <= m || atomic.CompareAndSwapInt64(&maxSeen, m, n) {
						break
					}
				}
				atomic.AddInt64(&held, -1)
				_ = c.Release(ctx, slot)
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, maxSeen, int64(10))
	u, _ := c.Snapshot(ctx)
	assert.Zero(t, u.Global)
	assert.Empty(t, u.Owners)
}

// 需要真实 redis：KNOWFORGE_TEST_REDIS=127.0.0.1:6379
func TestRedisCounter(t *testing.T) {
	addr := os.Getenv("KNOWFORGE_TEST_REDIS")
	if addr == "" {
		t.Skip("KNOWFORGE_TEST_REDIS not set")
	}
	ctx := context.Background()
	cli := redis.NewClient(&redis.Options{Addr: addr})
	defer cli.Close()
	require.NoError(t, cli.Ping(ctx).Err())

	c := NewRedisCounter(cli, Limits{Global: 2, PerOwner: 1}, time.Second)
	c.prefix = "{kf:cap:test:" + time.Now().Format("150405.000000") + "}"

	s1, ok, err := c.TryAcquire(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = c.TryAcquire(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, _ = c.TryAcquire(ctx, "b")
	require.True(t, ok)

	u, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, u.Global)

	require.NoError(t, c.Release(ctx, s1))
	_, ok, _ = c.TryAcquire(ctx, "a")
	assert.True(t, ok)

	// 过期名额自动归还
	time.Sleep(1100 * time.Millisecond)
	u, err = c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Zero(t, u.Global)
}
