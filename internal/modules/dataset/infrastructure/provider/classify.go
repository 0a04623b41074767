package provider

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"KnowForge/internal/modules/dataset/domain/training"
)

var (
	rateLimitMarkers = []string{"429", "rate limit", "ratelimit", "too many requests", "quota exceeded", "throttl"}
	transientMarkers = []string{
		"timeout", "timed out", "deadline exceeded",
		"500", "502", "503", "504", "internal server error", "bad gateway", "service unavailable", "overloaded",
		"connection reset", "connection refused", "broken pipe", "eof", "temporarily",
	}
	terminalMarkers = []string{
		"400", "401", "403", "404", "unauthorized", "forbidden", "invalid api key", "incorrect api key",
		"permission", "invalid request", "invalid_request", "context length", "maximum context", "content filter",
		"not found", "unsupported",
	}

	retryAfterRe = regexp.MustCompile(`(?i)retry[- ]after[^0-9]{0,4}(\d+(?:\.\d+)?)\s*(ms|s|sec|seconds)?`)
)

// ClassifyError 把 SDK 返回的原始错误归一为 ProviderError。
// 各家 SDK 的错误类型不统一，这里按错误文本中的状态码与关键字判断；无法识别的按可重试处理。
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var pe *training.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	raw := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		return &training.ProviderError{Code: "timeout", Message: raw, Retryable: true}
	}

	msg := strings.ToLower(raw)
	switch {
	case containsAny(msg, rateLimitMarkers):
		return &training.ProviderError{
			Code:        "rate_limited",
			Message:     raw,
			Retryable:   true,
			RateLimited: true,
			RetryAfter:  parseRetryAfter(raw),
		}
	case containsAny(msg, transientMarkers):
		return &training.ProviderError{Code: "unavailable", Message: raw, Retryable: true}
	case containsAny(msg, terminalMarkers):
		return &training.ProviderError{Code: "rejected", Message: raw}
	default:
		return &training.ProviderError{Code: "unknown", Message: raw, Retryable: true}
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func parseRetryAfter(msg string) time.Duration {
	m := retryAfterRe.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || v <= 0 {
		return 0
	}
	if strings.EqualFold(m[2], "ms") {
		return time.Duration(v * float64(time.Millisecond))
	}
	return time.Duration(v * float64(time.Second))
}
