package training

import (
	"fmt"
	"time"
)

// JobStatus Job 状态
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusClaimed   JobStatus = "claimed"
	JobStatusRetryWait JobStatus = "retry_wait"
	JobStatusDone      JobStatus = "done"
	JobStatusFailed    JobStatus = "failed"
)

// ActiveStatuses 仍会被处理的状态
var ActiveStatuses = []JobStatus{JobStatusQueued, JobStatusClaimed, JobStatusRetryWait}

// transitions 合法状态迁移表
//
//	queued     -> claimed
//	claimed    -> done | retry_wait | failed | queued (租约过期 / 重建重跑 / 容量不足归还)
//	retry_wait -> queued
//	failed     -> queued (人工重新提交)
var transitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued:    {JobStatusClaimed: true},
	JobStatusClaimed:   {JobStatusDone: true, JobStatusRetryWait: true, JobStatusFailed: true, JobStatusQueued: true},
	JobStatusRetryWait: {JobStatusQueued: true},
	JobStatusFailed:    {JobStatusQueued: true},
	JobStatusDone:      {},
}

func CanTransition(from, to JobStatus) bool {
	return transitions[from][to]
}

func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// Outcome 单步执行结果分类
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeRetry
	OutcomeFail
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeRetry:
		return "retry"
	case OutcomeFail:
		return "fail"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// StepResult Worker 每一步的显式返回值
type StepResult struct {
	Outcome Outcome
	Err     *ClassifiedError
	// Derived QA 模式生成的新单元数
	Derived int
}

func Succeeded() StepResult {
	return StepResult{Outcome: OutcomeSucceeded}
}

// FromError 把分类后的错误映射为重试或失败
func FromError(ce *ClassifiedError) StepResult {
	if ce == nil {
		return Succeeded()
	}
	if ce.Retryable() {
		return StepResult{Outcome: OutcomeRetry, Err: ce}
	}
	return StepResult{Outcome: OutcomeFail, Err: ce}
}

// RetryPolicy 指数退避参数
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Transition 依据执行结果与当前重试次数决定下一个状态
type Transition struct {
	To         JobStatus
	RetryCount int
	NextRunAt  time.Time
}

// Next 计算 claimed 之后的目标状态；重试次数超过上限时直接 failed
func (p RetryPolicy) Next(res StepResult, retryCount int, now time.Time) Transition {
	switch res.Outcome {
	case OutcomeSucceeded:
		return Transition{To: JobStatusDone, RetryCount: retryCount, NextRunAt: now}
	case OutcomeRetry:
		next := retryCount + 1
		if next > p.MaxRetries {
			return Transition{To: JobStatusFailed, RetryCount: next, NextRunAt: now}
		}
		return Transition{To: JobStatusRetryWait, RetryCount: next, NextRunAt: now.Add(p.Backoff(retryCount))}
	default:
		return Transition{To: JobStatusFailed, RetryCount: retryCount, NextRunAt: now}
	}
}

// Backoff base * 2^retryCount，封顶 MaxDelay
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := p.BaseDelay
	if d <= 0 {
		d = time.Second
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}
	for i := 0; i < retryCount && d < maxDelay; i++ {
		d = d * 2
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}
