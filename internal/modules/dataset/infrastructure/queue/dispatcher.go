package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"KnowForge/internal/config"
	"KnowForge/internal/modules/dataset/domain/repository"
	"KnowForge/internal/modules/dataset/domain/training"
	"KnowForge/internal/modules/dataset/infrastructure/capacity"
	"KnowForge/internal/modules/dataset/infrastructure/provider"
	"KnowForge/internal/telemetry"
	"KnowForge/pkg/zlog"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// budgetRetryDelay 模型配额用尽时归还的 Job 推迟这么久再被领取
const budgetRetryDelay = 2 * time.Second

// JobRunner 执行一个已领取的 Job
type JobRunner interface {
	Execute(ctx context.Context, job *training.Job, leaseOwner string) training.JobStatus
}

// Dispatcher 轮询领取 Job 并在并发上限内交给工作池执行
type Dispatcher struct {
	jobs    repository.JobRepository
	counter capacity.Counter
	budget  *provider.RateBudget
	runner  JobRunner
	pool    *ants.Pool
	opts    config.PipelineOptions
	metrics *telemetry.Metrics
	wg      sync.WaitGroup
}

func NewDispatcher(jobs repository.JobRepository, counter capacity.Counter, budget *provider.RateBudget, runner JobRunner, opts config.PipelineOptions, metrics *telemetry.Metrics) (*Dispatcher, error) {
	if jobs == nil || counter == nil || runner == nil {
		return nil, errors.New("dispatcher: jobs, counter and runner are required")
	}
	size := counter.Limits().Global
	if size <= 0 {
		size = 1
	}
	pool, err := ants.NewPool(size, ants.WithPanicHandler(func(p interface{}) {
		zlog.Error("job panicked, lease will expire", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, err
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.MaxPollBackoff < opts.PollInterval {
		opts.MaxPollBackoff = opts.PollInterval
	}
	if opts.ClaimBatchSize <= 0 {
		opts.ClaimBatchSize = size
	}
	return &Dispatcher{
		jobs:    jobs,
		counter: counter,
		budget:  budget,
		runner:  runner,
		pool:    pool,
		opts:    opts,
		metrics: metrics,
	}, nil
}

// Run 直到 ctx 取消；退出前等待在途 Job 结束
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.Close()

	backoff := d.opts.PollInterval
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, saturated, err := d.dispatch(ctx)
		var wait time.Duration
		switch {
		case err != nil:
			zlog.Warn("dispatch failed", zap.Error(err))
			wait = backoff
			backoff = min(backoff*2, d.opts.MaxPollBackoff)
		case n > 0:
			backoff = d.opts.PollInterval
			continue
		case saturated:
			// 容量已满，按固定间隔等待名额释放
			wait = d.opts.PollInterval
		default:
			wait = backoff
			backoff = min(backoff*2, d.opts.MaxPollBackoff)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RunOnce 执行一轮回收与领取，返回交给工作池的 Job 数
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	n, _, err := d.dispatch(ctx)
	return n, err
}

// Wait 等待已提交的 Job 全部结束
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) Close() {
	d.wg.Wait()
	d.pool.Release()
}

func (d *Dispatcher) dispatch(ctx context.Context) (int, bool, error) {
	now := time.Now()
	requeued, failed, err := d.jobs.ReapExpired(ctx, now, d.opts.MaxRetries)
	if err != nil {
		return 0, false, err
	}
	if requeued+failed > 0 {
		d.metrics.RecordReaped(requeued, failed)
		zlog.Info("expired leases reaped", zap.Int64("requeued", requeued), zap.Int64("failed", failed))
	}
	if _, err := d.jobs.PromoteDue(ctx, now); err != nil {
		return 0, false, err
	}

	limits := d.counter.Limits()
	usage, err := d.counter.Snapshot(ctx)
	if err != nil {
		return 0, false, err
	}
	free := usage.Free(limits)
	if free == 0 {
		return 0, true, nil
	}

	var exhausted []string
	if d.budget != nil {
		exhausted = d.budget.Exhausted()
	}
	leaseOwner := uuid.NewString()
	claimed, err := d.jobs.ClaimBatch(ctx, repository.ClaimRequest{
		Limit:         min(free, d.opts.ClaimBatchSize),
		LeaseOwner:    leaseOwner,
		Lease:         d.opts.Lease,
		Now:           now,
		ExcludeOwners: usage.SaturatedOwners(limits),
		ExcludeModels: exhausted,
	})
	if err != nil {
		return 0, false, err
	}
	if len(claimed) == 0 {
		return 0, false, nil
	}
	d.metrics.RecordClaimed(len(claimed))

	submitted := 0
	saturated := false
	for _, job := range claimed {
		slot, ok, err := d.counter.TryAcquire(ctx, job.OwnerID)
		if err != nil || !ok {
			if err != nil {
				zlog.Warn("acquire capacity failed", zap.String("owner_id", job.OwnerID), zap.Error(err))
			}
			saturated = true
			d.giveBack(ctx, job, leaseOwner, now)
			continue
		}
		if d.budget != nil && !d.budget.Allow(job.Model) {
			d.releaseSlot(ctx, slot)
			d.giveBack(ctx, job, leaseOwner, now.Add(budgetRetryDelay))
			continue
		}

		d.wg.Add(1)
		err = d.pool.Submit(func() {
			defer d.wg.Done()
			defer d.releaseSlot(ctx, slot)
			d.runner.Execute(ctx, job, leaseOwner)
		})
		if err != nil {
			d.wg.Done()
			zlog.Warn("submit job to pool failed", zap.Int64("job_id", job.ID), zap.Error(err))
			d.releaseSlot(ctx, slot)
			d.giveBack(ctx, job, leaseOwner, now)
			continue
		}
		submitted++
	}
	return submitted, saturated && submitted == 0, nil
}

// giveBack 未执行即归还，不计重试
func (d *Dispatcher) giveBack(ctx context.Context, job *training.Job, leaseOwner string, at time.Time) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if err := d.jobs.Release(rctx, job.ID, leaseOwner, at); err != nil && !errors.Is(err, training.ErrLeaseLost) {
		zlog.Warn("release job failed", zap.Int64("job_id", job.ID), zap.Error(err))
	}
}

func (d *Dispatcher) releaseSlot(ctx context.Context, slot capacity.Slot) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if err := d.counter.Release(rctx, slot); err != nil {
		zlog.Warn("release capacity failed", zap.String("owner_id", slot.OwnerID), zap.Error(err))
	}
}
