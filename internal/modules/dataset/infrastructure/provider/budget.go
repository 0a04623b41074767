package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultRateLimitBackoff = 10 * time.Second

// RateBudget 按模型的请求预算（令牌桶），并记录 provider 返回 429 后的冷却期
type RateBudget struct {
	mu       sync.Mutex
	rpm      int
	limiters map[string]*modelLimiter
}

type modelLimiter struct {
	lim     *rate.Limiter
	retryAt time.Time
}

// NewRateBudget rpm<=0 表示不限速
func NewRateBudget(rpm int) *RateBudget {
	return &RateBudget{rpm: rpm, limiters: make(map[string]*modelLimiter)}
}

func (b *RateBudget) get(model string) *modelLimiter {
	ml, ok := b.limiters[model]
	if ok {
		return ml
	}
	var lim *rate.Limiter
	if b.rpm <= 0 {
		lim = rate.NewLimiter(rate.Inf, 1)
	} else {
		burst := b.rpm / 10
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(float64(b.rpm)/60.0), burst)
	}
	ml = &modelLimiter{lim: lim}
	b.limiters[model] = ml
	return ml
}

// Allow 非阻塞地为一次调用扣减预算
func (b *RateBudget) Allow(model string) bool {
	b.mu.Lock()
	ml := b.get(model)
	cooling := time.Now().Before(ml.retryAt)
	b.mu.Unlock()
	if cooling {
		return false
	}
	return ml.lim.Allow()
}

// Wait 阻塞直到冷却期结束且桶内有令牌
func (b *RateBudget) Wait(ctx context.Context, model string) error {
	b.mu.Lock()
	ml := b.get(model)
	retryAt := ml.retryAt
	b.mu.Unlock()

	if d := time.Until(retryAt); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return ml.lim.Wait(ctx)
}

// RecordRateLimited provider 返回限流后进入冷却期
func (b *RateBudget) RecordRateLimited(model string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = defaultRateLimitBackoff
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ml := b.get(model)
	if at := time.Now().Add(retryAfter); at.After(ml.retryAt) {
		ml.retryAt = at
	}
}

// Exhausted 当前没有可用预算的模型，Dispatcher 领取时排除
func (b *RateBudget) Exhausted() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	var out []string
	for name, ml := range b.limiters {
		if now.Before(ml.retryAt) || ml.lim.TokensAt(now) < 1 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
