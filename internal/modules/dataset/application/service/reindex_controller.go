package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"KnowForge/internal/config"
	"KnowForge/internal/modules/dataset/application/dto/respond"
	"KnowForge/internal/modules/dataset/domain/repository"
	"KnowForge/internal/modules/dataset/domain/training"
	"KnowForge/internal/telemetry"
	"KnowForge/pkg/zlog"

	"go.uber.org/zap"
)

const (
	// maxReindexAttempts 超过后任务置为 failed，需要重新发起
	maxReindexAttempts   = 5
	reindexStepBaseDelay = 500 * time.Millisecond
	// popHeartbeatEvery 弹出阶段每处理这么多单元写一次进度
	popHeartbeatEvery = 100
	// rebuildPriority 低于正常提交，避免重建挤占新数据
	rebuildPriority = -1
)

type ReindexController interface {
	// RequestReindex 同一范围已有进行中的任务时直接返回该任务
	RequestReindex(ctx context.Context, scope training.Scope) (*respond.ReindexRespond, error)
	// RunPending 领取并执行一个可运行的任务，没有任务时返回 false
	RunPending(ctx context.Context) (bool, error)
	GetTask(ctx context.Context, id int64) (*respond.ReindexRespond, error)
}

type reindexControllerImpl struct {
	tasks      repository.ReindexTaskRepository
	rebuild    repository.RebuildRepository
	vectors    repository.VectorStore
	admin      repository.VectorIndexAdmin
	modes      training.ModeSet
	opts       config.PipelineOptions
	runnerID   string
	staleAfter time.Duration
	metrics    *telemetry.Metrics
}

// NewReindexController admin 为 nil 时不支持 all 范围的重建
func NewReindexController(
	tasks repository.ReindexTaskRepository,
	rebuild repository.RebuildRepository,
	vectors repository.VectorStore,
	admin repository.VectorIndexAdmin,
	modes training.ModeSet,
	opts config.PipelineOptions,
	runnerID string,
	metrics *telemetry.Metrics,
) ReindexController {
	stale := opts.Lease
	if stale <= 0 {
		stale = 5 * time.Minute
	}
	return &reindexControllerImpl{
		tasks:      tasks,
		rebuild:    rebuild,
		vectors:    vectors,
		admin:      admin,
		modes:      modes,
		opts:       opts,
		runnerID:   runnerID,
		staleAfter: stale,
		metrics:    metrics,
	}
}

func toReindexRespond(t *training.ReindexTask, created bool) *respond.ReindexRespond {
	return &respond.ReindexRespond{
		TaskID:    t.ID,
		Created:   created,
		Scope:     training.ScopeKey(t.ScopeType, t.ScopeID),
		Status:    t.Status,
		Phase:     t.Phase,
		Marked:    t.Marked,
		Processed: t.Processed,
	}
}

func (c *reindexControllerImpl) RequestReindex(ctx context.Context, scope training.Scope) (*respond.ReindexRespond, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if scope.Type == training.ScopeAll && c.admin == nil {
		return nil, fmt.Errorf("%w: full reindex is not supported by this vector store", training.ErrValidation)
	}
	task, created, err := c.tasks.CreateIfNotActive(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("%w: create reindex task: %v", training.ErrStoreUnavailable, err)
	}
	zlog.Info("reindex requested",
		zap.String("scope", scope.Key()),
		zap.Int64("task_id", task.ID),
		zap.Bool("created", created))
	return toReindexRespond(task, created), nil
}

func (c *reindexControllerImpl) GetTask(ctx context.Context, id int64) (*respond.ReindexRespond, error) {
	task, err := c.tasks.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: get reindex task: %v", training.ErrStoreUnavailable, err)
	}
	if task == nil {
		return nil, training.ErrNotFound
	}
	return toReindexRespond(task, false), nil
}

func scopeOf(t *training.ReindexTask) (training.Scope, error) {
	switch t.ScopeType {
	case training.ScopeCollection:
		id, err := strconv.ParseInt(t.ScopeID, 10, 64)
		if err != nil {
			return training.Scope{}, fmt.Errorf("bad collection scope %q", t.ScopeID)
		}
		return training.Scope{Type: training.ScopeCollection, CollectionID: id}, nil
	case training.ScopeOwner:
		return training.OwnerScope(t.ScopeID), nil
	case training.ScopeAll:
		return training.AllScope(), nil
	default:
		return training.Scope{}, fmt.Errorf("unknown scope type %q", t.ScopeType)
	}
}

func (c *reindexControllerImpl) RunPending(ctx context.Context) (bool, error) {
	now := time.Now()
	task, err := c.tasks.ClaimRunnable(ctx, c.runnerID, now, now.Add(-c.staleAfter))
	if err != nil {
		return false, fmt.Errorf("claim reindex task: %w", err)
	}
	if task == nil {
		return false, nil
	}
	log := []zap.Field{
		zap.Int64("task_id", task.ID),
		zap.String("scope", training.ScopeKey(task.ScopeType, task.ScopeID)),
		zap.String("phase", task.Phase),
		zap.Int("attempt", task.Attempts),
	}
	zlog.Info("reindex task started", log...)

	scope, err := scopeOf(task)
	if err == nil {
		err = c.run(ctx, task, scope)
	}
	if err == nil {
		if err := c.tasks.Finish(ctx, task, training.ReindexStatusDone, ""); err != nil {
			return true, fmt.Errorf("finish reindex task: %w", err)
		}
		zlog.Info("reindex task done", append(log, zap.Int64("marked", task.Marked), zap.Int64("processed", task.Processed))...)
		return true, nil
	}

	if errors.Is(err, training.ErrLeaseLost) {
		zlog.Warn("reindex task taken over by another runner", log...)
		return true, nil
	}
	// 进程退出时用独立 ctx 落盘进度
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	msg := err.Error()
	if ctx.Err() == nil && task.Attempts >= maxReindexAttempts {
		zlog.Error("reindex task failed", append(log, zap.Error(err))...)
		if ferr := c.tasks.Finish(saveCtx, task, training.ReindexStatusFailed, msg); ferr != nil {
			return true, errors.Join(err, ferr)
		}
		return true, err
	}
	zlog.Warn("reindex task suspended, will resume", append(log, zap.Error(err))...)
	if serr := c.tasks.Suspend(saveCtx, task, msg); serr != nil && !errors.Is(serr, training.ErrLeaseLost) {
		return true, errors.Join(err, serr)
	}
	return true, err
}

// step 单个批次的有限次重试
func (c *reindexControllerImpl) step(ctx context.Context, name string, op func() error) error {
	attempts := c.opts.ReindexStepRetries
	if attempts <= 0 {
		attempts = 1
	}
	return retryWithBackoff(ctx, name, op, attempts, reindexStepBaseDelay)
}

// run 按 reset -> mark -> pop 推进，每个批次完成后保存进度，中断后从保存的阶段与游标继续
func (c *reindexControllerImpl) run(ctx context.Context, task *training.ReindexTask, scope training.Scope) error {
	batch := c.opts.ReindexBatchSize
	for {
		switch task.Phase {
		case training.PhaseReset, "":
			if err := c.step(ctx, "reset", func() error { return c.reset(ctx, scope) }); err != nil {
				return fmt.Errorf("reset vectors: %w", err)
			}
			task.Phase = training.PhaseMark
			task.Cursor = 0
			task.Marked = 0
			if err := c.tasks.SaveProgress(ctx, task); err != nil {
				return err
			}

		case training.PhaseMark:
			var lastID, n int64
			err := c.step(ctx, "mark", func() error {
				var err error
				lastID, n, err = c.rebuild.MarkRebuildingBatch(ctx, scope, task.Cursor, batch)
				return err
			})
			if err != nil {
				return fmt.Errorf("mark after %d: %w", task.Cursor, err)
			}
			if n == 0 {
				task.Phase = training.PhasePop
			} else {
				task.Cursor = lastID
				task.Marked += n
			}
			if err := c.tasks.SaveProgress(ctx, task); err != nil {
				return err
			}

		case training.PhasePop:
			var u *training.Unit
			err := c.step(ctx, "pop", func() error {
				var err error
				u, err = c.rebuild.PopAndEnqueue(ctx, scope, c.buildJob)
				return err
			})
			if err != nil {
				return fmt.Errorf("pop: %w", err)
			}
			if u == nil {
				return c.tasks.SaveProgress(ctx, task)
			}
			task.Processed++
			c.metrics.RecordReindexed(1)
			if task.Processed%popHeartbeatEvery == 0 {
				if err := c.tasks.SaveProgress(ctx, task); err != nil {
					return err
				}
			}

		case training.PhaseDone:
			return nil

		default:
			return fmt.Errorf("unknown reindex phase %q", task.Phase)
		}
	}
}

func (c *reindexControllerImpl) reset(ctx context.Context, scope training.Scope) error {
	switch scope.Type {
	case training.ScopeAll:
		if c.admin == nil {
			return errors.New("vector index admin not available")
		}
		return c.admin.DropAndRecreateCollection(ctx, c.admin.CollectionName())
	case training.ScopeOwner:
		return c.vectors.DeleteByOwner(ctx, scope.OwnerID)
	default:
		return c.vectors.DeleteByCollection(ctx, scope.CollectionID)
	}
}

// buildJob 重建统一走 embedding；尚未生成描述的图片单元重新走 caption
func (c *reindexControllerImpl) buildJob(u *training.Unit) *training.Job {
	var params training.ModeParams = c.modes.Embedding
	if u.Mode == training.ModeImageCaption && strings.TrimSpace(u.A) == "" {
		params = c.modes.Caption
	}
	return newJob(u, params, rebuildPriority, time.Now())
}
