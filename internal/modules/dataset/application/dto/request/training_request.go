package request

// RawUnit 提交的原始内容；text、q/a、image_ref 三选一
type RawUnit struct {
	Text     string `json:"text"`      // 原始文本，按分块参数切分为多个单元
	Q        string `json:"q"`         // 问题（QA 对，整体作为一个单元）
	A        string `json:"a"`         // 答案
	ImageRef string `json:"image_ref"` // 图片 URL 或 data URI（image_caption 模式）
}

// IngestOptions 分块与调度参数，零值使用服务端默认
type IngestOptions struct {
	ChunkSize    int      `json:"chunk_size"`
	OverlapRatio *float64 `json:"overlap_ratio"`
	Delimiters   []string `json:"delimiters"`
	Priority     int      `json:"priority"`
}

// SubmitIngestionRequest 提交训练数据
type SubmitIngestionRequest struct {
	CollectionID int64         `json:"collection_id" binding:"required"`
	Mode         string        `json:"mode"` // embedding（默认）/ qa / image_caption
	Units        []RawUnit     `json:"units"`
	Options      IngestOptions `json:"options"`
}

// TrainingStatusRequest 查询集合训练进度
type TrainingStatusRequest struct {
	CollectionID int64 `json:"collection_id" binding:"required"`
	ErrorLimit   int   `json:"error_limit"` // 返回最近失败条数（默认 20）
}

// ReindexRequest 重建请求；scope 为 collection（默认）或 owner
type ReindexRequest struct {
	CollectionID int64  `json:"collection_id"`
	Scope        string `json:"scope"`
}

// RetryFailedRequest 将集合内 failed 的 Job 重新入队
type RetryFailedRequest struct {
	CollectionID int64 `json:"collection_id" binding:"required"`
}

// SearchableRequest 过滤检索结果中已删除或重建中的单元
type SearchableRequest struct {
	CollectionID int64   `json:"collection_id" binding:"required"`
	UnitIDs      []int64 `json:"unit_ids"`
}
