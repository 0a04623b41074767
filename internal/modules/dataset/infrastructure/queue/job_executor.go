package queue

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"KnowForge/internal/config"
	"KnowForge/internal/modules/dataset/domain/repository"
	"KnowForge/internal/modules/dataset/domain/training"
	"KnowForge/internal/modules/dataset/infrastructure/provider"
	"KnowForge/internal/modules/dataset/infrastructure/usage"
	"KnowForge/internal/telemetry"
	"KnowForge/pkg/zlog"

	"go.uber.org/zap"
)

const (
	maxErrMsgRunes = 1024
	finishTimeout  = 5 * time.Second
)

// DerivedSink QA 模式生成的问答对重新进入入库流程（去重后入队）
type DerivedSink interface {
	SubmitDerived(ctx context.Context, parent *training.Unit, pairs []provider.QAPair) (int, error)
}

type ExecutorDeps struct {
	Units    repository.UnitRepository
	Jobs     repository.JobRepository
	Vectors  repository.VectorStore
	Provider provider.ModelProvider
	Derived  DerivedSink
	Usage    usage.Recorder
	Metrics  *telemetry.Metrics
	Modes    training.ModeSet
}

// JobExecutor 执行单个已领取的 Job 并按结果推进状态
type JobExecutor struct {
	units    repository.UnitRepository
	jobs     repository.JobRepository
	vectors  repository.VectorStore
	provider provider.ModelProvider
	derived  DerivedSink
	usage    usage.Recorder
	metrics  *telemetry.Metrics
	modes    training.ModeSet

	poller  provider.RateLimitPoller
	policy  training.RetryPolicy
	timeout time.Duration
	now     func() time.Time
}

func NewJobExecutor(d ExecutorDeps, budget *provider.RateBudget, opts config.PipelineOptions) *JobExecutor {
	rec := d.Usage
	if rec == nil {
		rec = usage.Nop{}
	}
	timeout := opts.ProviderTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &JobExecutor{
		units:    d.Units,
		jobs:     d.Jobs,
		vectors:  d.Vectors,
		provider: d.Provider,
		derived:  d.Derived,
		usage:    rec,
		metrics:  d.Metrics,
		modes:    d.Modes,
		poller: provider.RateLimitPoller{
			MaxElapsed: opts.RateLimitMaxElapsed,
			Interval:   opts.RateLimitPollInterval,
			Budget:     budget,
		},
		policy: training.RetryPolicy{
			MaxRetries: opts.MaxRetries,
			BaseDelay:  opts.RetryBaseDelay,
			MaxDelay:   opts.RetryMaxDelay,
		},
		timeout: timeout,
		now:     time.Now,
	}
}

// Execute 返回落地后的状态；租约丢失或写回失败时返回空串
func (e *JobExecutor) Execute(ctx context.Context, job *training.Job, leaseOwner string) training.JobStatus {
	start := time.Now()
	mode := string(job.Mode)
	e.metrics.RecordStarted(mode)
	res := e.run(ctx, job)

	// 写回不受停机取消影响，否则已完成的调用会白做
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	if ctx.Err() != nil && res.Outcome != training.OutcomeSucceeded {
		// 停机中断：归还租约，不计重试
		if err := e.jobs.Release(fctx, job.ID, leaseOwner, e.now()); err != nil && !errors.Is(err, training.ErrLeaseLost) {
			zlog.Warn("release interrupted job failed", zap.Int64("job_id", job.ID), zap.Error(err))
		}
		e.metrics.RecordFinished(mode, string(training.JobStatusQueued), time.Since(start).Seconds())
		return training.JobStatusQueued
	}

	tr := e.policy.Next(res, job.RetryCount, e.now())
	msg := ""
	if res.Err != nil {
		msg = scrubErrMsg(res.Err.Message())
	}
	status, err := e.jobs.Finish(fctx, job.ID, leaseOwner, tr, msg)
	switch {
	case errors.Is(err, training.ErrLeaseLost):
		zlog.Warn("job lease lost before finish",
			zap.Int64("job_id", job.ID),
			zap.Int64("unit_id", job.UnitID),
			zap.String("outcome", res.Outcome.String()))
		e.compensate(fctx, job, res)
		e.metrics.RecordFinished(mode, "lease_lost", time.Since(start).Seconds())
		return ""
	case err != nil:
		// 租约到期后由回收流程重新入队
		zlog.Error("finish job failed", zap.Int64("job_id", job.ID), zap.Error(err))
		e.metrics.RecordFinished(mode, "finish_error", time.Since(start).Seconds())
		return ""
	}

	if res.Err != nil {
		log := zlog.Warn
		if status.Terminal() {
			log = zlog.Error
		}
		log("job attempt failed",
			zap.Int64("job_id", job.ID),
			zap.Int64("unit_id", job.UnitID),
			zap.String("owner_id", job.OwnerID),
			zap.String("model", job.Model),
			zap.String("kind", string(res.Err.Kind)),
			zap.String("status", string(status)),
			zap.Int("retry_count", tr.RetryCount),
			zap.String("error", msg))
	}
	e.metrics.RecordFinished(mode, string(status), time.Since(start).Seconds())
	return status
}

// compensate 单元已被删除而本次已写入向量时，清掉这条孤儿向量
func (e *JobExecutor) compensate(ctx context.Context, job *training.Job, res training.StepResult) {
	if res.Outcome != training.OutcomeSucceeded || job.Mode == training.ModeQA {
		return
	}
	u, err := e.units.GetByID(ctx, job.UnitID)
	if err != nil || u != nil {
		return
	}
	if err := e.vectors.DeleteByUnit(ctx, job.UnitID); err != nil {
		zlog.Warn("delete orphan vector failed", zap.Int64("unit_id", job.UnitID), zap.Error(err))
	}
}

func (e *JobExecutor) run(ctx context.Context, job *training.Job) training.StepResult {
	unit, err := e.units.GetByID(ctx, job.UnitID)
	if err != nil {
		return training.FromError(training.Classified(training.KindStoreInconsistency,
			fmt.Errorf("%w: load unit: %v", training.ErrStoreUnavailable, err)))
	}
	if unit == nil {
		return training.FromError(training.Classified(training.KindTerminal,
			fmt.Errorf("unit %d: %w", job.UnitID, training.ErrNotFound)))
	}

	switch job.Mode {
	case training.ModeEmbedding:
		return e.embed(ctx, job, unit, job.Model)
	case training.ModeQA:
		return e.generateQA(ctx, job, unit)
	case training.ModeImageCaption:
		return e.caption(ctx, job, unit)
	default:
		return training.FromError(training.Classified(training.KindValidation,
			fmt.Errorf("%w: unsupported mode %q", training.ErrValidation, job.Mode)))
	}
}

// call 包一层单次超时、限流轮询与用量记录；每次实际发出的调用都记一条用量
func (e *JobExecutor) call(ctx context.Context, job *training.Job, model, kind string, fn func(ctx context.Context) (int, error)) error {
	return e.poller.Do(ctx, model, func(pctx context.Context) error {
		cctx, cancel := context.WithTimeout(pctx, e.timeout)
		defer cancel()
		tokens, err := fn(cctx)
		e.usage.Record(usage.Event{
			OwnerID: job.OwnerID,
			Model:   model,
			Kind:    kind,
			Amount:  tokens,
			JobID:   job.ID,
			UnitID:  job.UnitID,
			Success: err == nil,
			At:      time.Now(),
		})
		if err == nil {
			e.metrics.RecordTokens(model, kind, tokens)
		}
		return err
	})
}

func badResponse(msg string) training.StepResult {
	return training.FromError(training.Classified(training.KindTransient,
		&training.ProviderError{Code: "bad_response", Message: msg, Retryable: true}))
}

func (e *JobExecutor) embed(ctx context.Context, job *training.Job, unit *training.Unit, model string) training.StepResult {
	text := unit.IndexText()
	if text == "" {
		return training.FromError(training.Classified(training.KindValidation,
			fmt.Errorf("%w: unit has no indexable text", training.ErrValidation)))
	}
	var out provider.EmbedResult
	err := e.call(ctx, job, model, "embedding", func(cctx context.Context) (int, error) {
		var err error
		out, err = e.provider.Embed(cctx, model, []string{text})
		return out.Tokens, err
	})
	if err != nil {
		return training.FromError(training.Classify(err))
	}
	if len(out.Vectors) != 1 {
		return badResponse(fmt.Sprintf("expected 1 vector, got %d", len(out.Vectors)))
	}
	err = e.vectors.Upsert(ctx, []repository.VectorEntry{{
		UnitID:       unit.ID,
		OwnerID:      unit.OwnerID,
		CollectionID: unit.CollectionID,
		Vector:       out.Vectors[0],
		Content:      text,
	}})
	if err != nil {
		return training.FromError(training.Classified(training.KindStoreInconsistency, fmt.Errorf("upsert vector: %w", err)))
	}
	return training.Succeeded()
}

func (e *JobExecutor) generateQA(ctx context.Context, job *training.Job, unit *training.Unit) training.StepResult {
	if e.derived == nil {
		return training.FromError(training.Classified(training.KindTerminal, errors.New("qa generation is not enabled")))
	}
	text := strings.TrimSpace(unit.Q)
	var out provider.GenerateResult
	err := e.call(ctx, job, job.Model, "generate", func(cctx context.Context) (int, error) {
		var err error
		out, err = e.provider.Generate(cctx, job.Model, e.modes.QA.Prompt, text)
		return out.Tokens, err
	})
	if err != nil {
		return training.FromError(training.Classify(err))
	}
	pairs := provider.ParseQAPairs(out.Text)
	if len(pairs) == 0 {
		return badResponse("model reply contains no qa pairs")
	}
	n, err := e.derived.SubmitDerived(ctx, unit, pairs)
	if err != nil {
		return training.FromError(training.Classified(training.KindStoreInconsistency, fmt.Errorf("enqueue qa pairs: %w", err)))
	}
	res := training.Succeeded()
	res.Derived = n
	return res
}

// caption 描述写回单元后再 embedding；重试时已有描述则跳过生成
func (e *JobExecutor) caption(ctx context.Context, job *training.Job, unit *training.Unit) training.StepResult {
	if strings.TrimSpace(unit.A) == "" {
		var out provider.GenerateResult
		err := e.call(ctx, job, job.Model, "caption", func(cctx context.Context) (int, error) {
			var err error
			out, err = e.provider.Caption(cctx, job.Model, e.modes.Caption.Prompt, unit.ImageRef)
			return out.Tokens, err
		})
		if err != nil {
			return training.FromError(training.Classify(err))
		}
		text := strings.TrimSpace(out.Text)
		if text == "" {
			return badResponse("empty caption")
		}
		if err := e.units.UpdateAnswer(ctx, unit.ID, text); err != nil {
			return training.FromError(training.Classified(training.KindStoreInconsistency, fmt.Errorf("save caption: %w", err)))
		}
		unit.A = text
	}
	model := e.modes.Caption.EmbeddingModel
	if model == "" {
		model = e.modes.Embedding.Model
	}
	return e.embed(ctx, job, unit, model)
}

// secretPattern 只匹配形似密钥的片段，其余错误原文保留
var secretPattern = regexp.MustCompile(`(?i)\bsk-[A-Za-z0-9_\-]{16,}|(api_?key|secret)(["']?\s*[:=]\s*)\S+|(bearer\s+)\S+`)

// scrubErrMsg 原地遮蔽密钥片段并截断
func scrubErrMsg(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = secretPattern.ReplaceAllStringFunc(s, func(m string) string {
		sub := secretPattern.FindStringSubmatch(m)
		switch {
		case sub[1] != "":
			return sub[1] + sub[2] + "[redacted]"
		case sub[3] != "":
			return sub[3] + "[redacted]"
		}
		return "[redacted]"
	})
	if utf8.RuneCountInString(s) > maxErrMsgRunes {
		return string([]rune(s)[:maxErrMsgRunes])
	}
	return s
}
