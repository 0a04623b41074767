package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"KnowForge/internal/config"
	"KnowForge/internal/modules/dataset/application/service"
	"KnowForge/internal/modules/dataset/domain/repository"
	"KnowForge/pkg/zlog"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	maintainSpec    = "@every 15s"
	cleanupSpec     = "@every 10m"
	cleanupLockKey  = "knowforge:lock:cleanup"
	cleanupLockTTL  = 5 * time.Minute
	reindexPollTick = 5 * time.Second
	maintainTimeout = 10 * time.Second
)

// Locker 多实例部署时保证清理任务同一时刻只在一个实例上执行
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
}

type SchedulerManager struct {
	cron       *cron.Cron
	jobs       repository.JobRepository
	reindex    service.ReindexController
	retention  time.Duration
	maxRetries int
	locker     Locker

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	reindexing atomic.Bool
}

// NewSchedulerManager locker 为 nil 时按单实例运行
func NewSchedulerManager(jobs repository.JobRepository, reindex service.ReindexController, opts config.PipelineOptions, locker Locker) *SchedulerManager {
	ctx, cancel := context.WithCancel(context.Background())
	retention := opts.FailedRetention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &SchedulerManager{
		// 使用标准5段Cron表达式（不含秒）
		cron:       cron.New(),
		jobs:       jobs,
		reindex:    reindex,
		retention:  retention,
		maxRetries: opts.MaxRetries,
		locker:     locker,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (m *SchedulerManager) Start() error {
	if _, err := m.cron.AddFunc(maintainSpec, m.Maintain); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc(cleanupSpec, m.Cleanup); err != nil {
		return err
	}
	m.cron.Start()
	m.wg.Add(1)
	go m.runReindexPoller()
	zlog.Info("training scheduler started")
	return nil
}

// Stop 等待正在执行的清理与重建退出
func (m *SchedulerManager) Stop() {
	m.cancel()
	<-m.cron.Stop().Done()
	m.wg.Wait()
}

func (m *SchedulerManager) runReindexPoller() {
	defer m.wg.Done()
	ticker := time.NewTicker(reindexPollTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.RunReindex()
		case <-m.ctx.Done():
			return
		}
	}
}

// RunReindex 依次执行所有可运行的重建任务；上一轮未结束时直接返回
func (m *SchedulerManager) RunReindex() int {
	if m.reindex == nil || !m.reindexing.CompareAndSwap(false, true) {
		return 0
	}
	defer m.reindexing.Store(false)

	ran := 0
	for m.ctx.Err() == nil {
		ok, err := m.reindex.RunPending(m.ctx)
		if err != nil {
			zlog.Warn("reindex run failed", zap.Error(err))
		}
		if !ok || err != nil {
			break
		}
		ran++
	}
	return ran
}

// Maintain 回收过期租约并提升到期的 retry_wait；dispatcher 空闲或未运行时由这里兜底
func (m *SchedulerManager) Maintain() {
	ctx, cancel := context.WithTimeout(m.ctx, maintainTimeout)
	defer cancel()

	now := time.Now()
	requeued, failed, err := m.jobs.ReapExpired(ctx, now, m.maxRetries)
	if err != nil {
		zlog.Warn("reap expired leases failed", zap.Error(err))
		return
	}
	if requeued+failed > 0 {
		zlog.Info("expired leases reaped", zap.Int64("requeued", requeued), zap.Int64("failed", failed))
	}
	if _, err := m.jobs.PromoteDue(ctx, now); err != nil {
		zlog.Warn("promote retry_wait jobs failed", zap.Error(err))
	}
}

// Cleanup 删除过期的 failed Job 与已被新 Job 取代的 done 记录
func (m *SchedulerManager) Cleanup() {
	ctx, cancel := context.WithTimeout(m.ctx, cleanupLockTTL)
	defer cancel()

	if m.locker != nil {
		token, ok, err := m.locker.Lock(ctx, cleanupLockKey, cleanupLockTTL)
		if err != nil {
			zlog.Warn("cleanup lock failed", zap.Error(err))
			return
		}
		if !ok {
			return
		}
		defer func() {
			if err := m.locker.Unlock(context.WithoutCancel(ctx), cleanupLockKey, token); err != nil {
				zlog.Warn("cleanup unlock failed", zap.Error(err))
			}
		}()
	}

	failed, err := m.jobs.DeleteFailedBefore(ctx, time.Now().Add(-m.retention))
	if err != nil {
		zlog.Warn("delete expired failed jobs failed", zap.Error(err))
	}
	superseded, err := m.jobs.DeleteSupersededDone(ctx)
	if err != nil {
		zlog.Warn("delete superseded done jobs failed", zap.Error(err))
	}
	if failed+superseded > 0 {
		zlog.Info("job records cleaned", zap.Int64("failed", failed), zap.Int64("superseded", superseded))
	}
}
