package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"KnowForge/internal/modules/dataset/domain/training"
	"KnowForge/pkg/zlog"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// GuardSettings 熔断参数
type GuardSettings struct {
	// ConsecutiveFailures 连续可重试失败达到该值后熔断
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	HalfOpenRequests    uint32
	// OnStateChange 可选，用于上报指标
	OnStateChange func(model string, from, to gobreaker.State)
}

func DefaultGuardSettings() GuardSettings {
	return GuardSettings{ConsecutiveFailures: 5, OpenTimeout: 30 * time.Second, HalfOpenRequests: 2}
}

// GuardedProvider 每个模型一个熔断器，provider 持续故障时快速失败，避免 worker 全部阻塞在超时上
type GuardedProvider struct {
	inner    ModelProvider
	settings GuardSettings

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

var _ ModelProvider = (*GuardedProvider)(nil)

func NewGuardedProvider(inner ModelProvider, settings GuardSettings) *GuardedProvider {
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	if settings.HalfOpenRequests == 0 {
		settings.HalfOpenRequests = 1
	}
	return &GuardedProvider{inner: inner, settings: settings, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (g *GuardedProvider) breaker(model string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok := g.breakers[model]; ok {
		return cb
	}
	threshold := g.settings.ConsecutiveFailures
	onChange := g.settings.OnStateChange
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        model,
		MaxRequests: g.settings.HalfOpenRequests,
		Timeout:     g.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// 输入错误、限流与取消不代表 provider 故障
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			ce := training.Classify(err)
			return ce.Kind == training.KindTerminal || ce.Kind == training.KindRateLimited
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			zlog.Warn("provider circuit breaker state changed",
				zap.String("model", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if onChange != nil {
				onChange(name, from, to)
			}
		},
	})
	g.breakers[model] = cb
	return cb
}

func guarded[T any](g *GuardedProvider, model string, fn func() (T, error)) (T, error) {
	var zero T
	res, err := g.breaker(model).Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, &training.ProviderError{
				Code:      "circuit_open",
				Message:   fmt.Sprintf("model %s temporarily unavailable: %v", model, err),
				Retryable: true,
			}
		}
		return zero, err
	}
	return res.(T), nil
}

func (g *GuardedProvider) Embed(ctx context.Context, modelName string, texts []string) (EmbedResult, error) {
	return guarded(g, modelName, func() (EmbedResult, error) {
		return g.inner.Embed(ctx, modelName, texts)
	})
}

func (g *GuardedProvider) Generate(ctx context.Context, modelName, prompt, input string) (GenerateResult, error) {
	return guarded(g, modelName, func() (GenerateResult, error) {
		return g.inner.Generate(ctx, modelName, prompt, input)
	})
}

func (g *GuardedProvider) Caption(ctx context.Context, modelName, prompt, imageRef string) (GenerateResult, error) {
	return guarded(g, modelName, func() (GenerateResult, error) {
		return g.inner.Caption(ctx, modelName, prompt, imageRef)
	})
}
