package repository

import (
	"context"

	"KnowForge/internal/modules/dataset/domain/training"
)

// NewUnitWithJob 待写入的单元及其首个 Job；Job.UnitID 在插入后回填
type NewUnitWithJob struct {
	Unit *training.Unit
	Job  *training.Job
}

// IndexBreakdown 集合内单元在向量索引中的分布
type IndexBreakdown struct {
	Total      int64 `json:"total"`
	Indexed    int64 `json:"indexed"`
	Rebuilding int64 `json:"rebuilding"`
	Pending    int64 `json:"pending"`
	// NotIndexed 不写向量的单元（QA 生成的源单元）
	NotIndexed int64 `json:"notIndexed"`
}

type UnitRepository interface {
	// ExistingHashes 返回 hashes 中已在该范围登记的哈希
	ExistingHashes(ctx context.Context, ownerID string, collectionID int64, hashes []string) (map[string]bool, error)
	// CreateWithJobs 单事务写入；唯一索引冲突的单元视为重复，inserted[i] 为 false
	CreateWithJobs(ctx context.Context, items []NewUnitWithJob) (inserted []bool, err error)
	GetByID(ctx context.Context, id int64) (*training.Unit, error)
	ExistingIDs(ctx context.Context, ids []int64) (map[int64]bool, error)
	UpdateAnswer(ctx context.Context, id int64, answer string) error
	// FilterSearchable 过滤掉已删除、重建中以及不属于该知识库的单元
	FilterSearchable(ctx context.Context, collectionID int64, ids []int64) ([]int64, error)
	Breakdown(ctx context.Context, collectionID int64) (IndexBreakdown, error)
}
