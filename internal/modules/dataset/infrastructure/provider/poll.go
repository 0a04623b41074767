package provider

import (
	"context"
	"errors"
	"time"

	"KnowForge/internal/modules/dataset/domain/training"
	"KnowForge/pkg/zlog"

	"go.uber.org/zap"
)

// RateLimitPoller 限流时在调用内部轮询重试，累计等待超过 MaxElapsed 后把最后一次错误交还调用方
type RateLimitPoller struct {
	MaxElapsed time.Duration
	Interval   time.Duration
	Budget     *RateBudget
}

// Do 执行 fn；非限流错误立即返回，ctx 取消时返回 ctx.Err()
func (p RateLimitPoller) Do(ctx context.Context, model string, fn func(ctx context.Context) error) error {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}
	start := time.Now()
	deadline := start.Add(p.MaxElapsed)

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var pe *training.ProviderError
		if !errors.As(err, &pe) || !pe.RateLimited {
			return err
		}
		if p.Budget != nil {
			p.Budget.RecordRateLimited(model, pe.RetryAfter)
		}

		wait := interval
		if pe.RetryAfter > wait {
			wait = pe.RetryAfter
		}
		if time.Now().Add(wait).After(deadline) {
			return err
		}
		zlog.Warn("provider rate limited, polling",
			zap.String("model", model),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if p.Budget != nil {
			wctx, cancel := context.WithDeadline(ctx, deadline)
			werr := p.Budget.Wait(wctx, model)
			cancel()
			if werr != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
		}
	}
}
