package training

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation       = errors.New("validation error")
	ErrDuplicate        = errors.New("duplicate unit")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrNotFound         = errors.New("not found")
	ErrStoreUnavailable = errors.New("metadata store unavailable")
	// ErrLeaseLost 租约已过期或被他人重新领取，当前 worker 不得再推进该 Job
	ErrLeaseLost      = errors.New("job lease lost")
	ErrReindexRunning = errors.New("reindex already running")
)

// ErrorKind 错误分类
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindDuplicate          ErrorKind = "duplicate"
	KindRateLimited        ErrorKind = "rate_limited"
	KindTransient          ErrorKind = "transient"
	KindTerminal           ErrorKind = "terminal"
	KindStoreInconsistency ErrorKind = "store_inconsistency"
)

// ProviderError 模型服务返回的错误
type ProviderError struct {
	Code        string
	Message     string
	Retryable   bool
	RateLimited bool
	RetryAfter  time.Duration
}

func (e *ProviderError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ClassifiedError 带分类的错误
type ClassifiedError struct {
	Kind ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

func (e *ClassifiedError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindTransient, KindStoreInconsistency:
		return true
	default:
		return false
	}
}

// Message 持久化到 Job.LastError 的文本；终态 provider 错误保留原文
func (e *ClassifiedError) Message() string {
	var pe *ProviderError
	if errors.As(e.Err, &pe) && e.Kind == KindTerminal {
		return pe.Message
	}
	return e.Error()
}

func Classified(kind ErrorKind, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Err: err}
}

// Classify 按错误链判断类别；无法识别的错误视为瞬时错误，由重试上限兜底
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		switch {
		case pe.RateLimited:
			return Classified(KindRateLimited, err)
		case pe.Retryable:
			return Classified(KindTransient, err)
		default:
			return Classified(KindTerminal, err)
		}
	}
	switch {
	case errors.Is(err, ErrValidation):
		return Classified(KindValidation, err)
	case errors.Is(err, ErrDuplicate):
		return Classified(KindDuplicate, err)
	case errors.Is(err, context.DeadlineExceeded):
		return Classified(KindTransient, err)
	case errors.Is(err, ErrStoreUnavailable):
		return Classified(KindStoreInconsistency, err)
	}
	return Classified(KindTransient, err)
}
