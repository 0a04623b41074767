package respond

import (
	"KnowForge/internal/modules/dataset/domain/repository"
)

// Rejection 被同步拒绝的单元
type Rejection struct {
	Index      int    `json:"index"`       // 对应请求 units 的下标
	ChunkIndex int    `json:"chunk_index"` // 文本分块后的块序号
	Reason     string `json:"reason"`      // validation / duplicate
	Message    string `json:"message"`
}

type SubmitIngestionRespond struct {
	AcceptedCount int         `json:"accepted_count"`
	RejectedCount int         `json:"rejected_count"`
	Rejections    []Rejection `json:"rejections"`
	UnitIDs       []int64     `json:"unit_ids"`
}

type TrainingStatusRespond struct {
	CollectionID   int64                     `json:"collection_id"`
	Queued         int64                     `json:"queued"`
	Processing     int64                     `json:"processing"`
	RetryWait      int64                     `json:"retry_wait"`
	Done           int64                     `json:"done"`
	Failed         int64                     `json:"failed"`
	IndexBreakdown repository.IndexBreakdown `json:"index_breakdown"`
	LastErrors     []repository.UnitError    `json:"last_errors"`
}

type ReindexRespond struct {
	TaskID    int64  `json:"task_id"`
	Created   bool   `json:"created"` // false 表示已有进行中的同范围任务
	Scope     string `json:"scope"`
	Status    string `json:"status"`
	Phase     string `json:"phase"`
	Marked    int64  `json:"marked"`
	Processed int64  `json:"processed"`
}

type RetryFailedRespond struct {
	Requeued int64 `json:"requeued"`
}

type SearchableRespond struct {
	UnitIDs []int64 `json:"unit_ids"`
}
