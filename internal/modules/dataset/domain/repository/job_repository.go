package repository

import (
	"context"
	"time"

	"KnowForge/internal/modules/dataset/domain/training"
)

// ClaimRequest 一次批量领取的条件
type ClaimRequest struct {
	Limit         int
	LeaseOwner    string
	Lease         time.Duration
	Now           time.Time
	ExcludeOwners []string
	ExcludeModels []string
}

// UnitError 单元最近一次失败信息
type UnitError struct {
	JobID      int64     `json:"jobId"`
	UnitID     int64     `json:"unitId"`
	Status     string    `json:"status"`
	RetryCount int       `json:"retryCount"`
	LastError  string    `json:"lastError"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type JobRepository interface {
	// ClaimBatch 原子地把至多 Limit 个 queued Job 置为 claimed 并写入租约
	ClaimBatch(ctx context.Context, req ClaimRequest) ([]*training.Job, error)
	// Finish 按状态迁移结果更新，仅当 leaseOwner 仍持有租约时生效，否则返回 ErrLeaseLost。
	// 返回实际落地的状态（rerun 标记会把 done 变为 queued）。
	Finish(ctx context.Context, jobID int64, leaseOwner string, tr training.Transition, lastErr string) (training.JobStatus, error)
	// Release 未执行即归还（容量不足等），不计重试
	Release(ctx context.Context, jobID int64, leaseOwner string, nextRunAt time.Time) error
	// ReapExpired 租约过期的 Job 回到 queued（计一次重试），超出上限的转 failed
	ReapExpired(ctx context.Context, now time.Time, maxRetries int) (requeued int64, failed int64, err error)
	// PromoteDue retry_wait 中到期的 Job 回到 queued
	PromoteDue(ctx context.Context, now time.Time) (int64, error)
	GetByID(ctx context.Context, id int64) (*training.Job, error)
	CountByStatus(ctx context.Context, collectionID int64) (map[training.JobStatus]int64, error)
	LastErrors(ctx context.Context, collectionID int64, limit int) ([]UnitError, error)
	RetryFailed(ctx context.Context, collectionID int64, now time.Time) (int64, error)
	DeleteFailedBefore(ctx context.Context, before time.Time) (int64, error)
	DeleteSupersededDone(ctx context.Context) (int64, error)
}

// RebuildRepository 重建流程中跨 Unit / Job 的事务操作
type RebuildRepository interface {
	// MarkRebuildingBatch 标记 id > afterID 的至多 limit 个可索引单元，返回本批最大 id 与数量
	MarkRebuildingBatch(ctx context.Context, scope training.Scope, afterID int64, limit int) (lastID int64, n int64, err error)
	// PopAndEnqueue 弹出一个重建中的单元，清除标记并保证其有且仅有一个活跃 Job。
	// 没有剩余单元时返回 (nil, nil)。
	PopAndEnqueue(ctx context.Context, scope training.Scope, build func(u *training.Unit) *training.Job) (*training.Unit, error)
	CountRebuilding(ctx context.Context, scope training.Scope) (int64, error)
}

type ReindexTaskRepository interface {
	// CreateIfNotActive 同一范围已有 pending/running 任务时返回该任务且 created=false
	CreateIfNotActive(ctx context.Context, scope training.Scope) (task *training.ReindexTask, created bool, err error)
	// ClaimRunnable 领取一个 pending 任务或心跳早于 staleBefore 的 running 任务
	ClaimRunnable(ctx context.Context, runnerID string, now, staleBefore time.Time) (*training.ReindexTask, error)
	SaveProgress(ctx context.Context, task *training.ReindexTask) error
	Finish(ctx context.Context, task *training.ReindexTask, status string, lastErr string) error
	// Suspend 中断后放回 pending，保留阶段与游标，下次领取时续跑
	Suspend(ctx context.Context, task *training.ReindexTask, lastErr string) error
	GetByID(ctx context.Context, id int64) (*training.ReindexTask, error)
}
