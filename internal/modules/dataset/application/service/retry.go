package service

import (
	"context"
	"errors"
	"time"

	"KnowForge/pkg/zlog"

	"go.uber.org/zap"
)

var errInvalidMaxAttempts = errors.New("maxAttempts must be > 0")

// retryWithBackoff 至多执行 maxAttempts 次，间隔 baseDelay 起按倍数增长；返回最后一次的错误
func retryWithBackoff(ctx context.Context, step string, op func() error, maxAttempts int, baseDelay time.Duration) error {
	if maxAttempts <= 0 {
		return errInvalidMaxAttempts
	}
	delay := baseDelay
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		zlog.Warn("reindex step failed",
			zap.String("step", step),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(lastErr))
		if attempt == maxAttempts {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return lastErr
}
