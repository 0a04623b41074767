package repository

import "context"

// VectorStore 是 domain 层定义的向量库能力抽象。
//
// application / domain 只依赖本接口，不直接依赖 Milvus SDK；
// 向量库视为元数据库的派生缓存，随时可以由 Unit 重放重建。
// 每个 Unit 至多一条向量，以 UnitID 为主键，Upsert 覆盖旧值。

// VectorEntry 向量记录及其回指
type VectorEntry struct {
	UnitID       int64
	OwnerID      string
	CollectionID int64
	Vector       []float32
	Content      string
}

type VectorStore interface {
	Upsert(ctx context.Context, entries []VectorEntry) error
	DeleteByUnit(ctx context.Context, unitIDs ...int64) error
	DeleteByCollection(ctx context.Context, collectionID int64) error
	DeleteByOwner(ctx context.Context, ownerID string) error
	// ListUnitIDs 列出某集合在索引中的全部 UnitID，用于孤儿检测
	ListUnitIDs(ctx context.Context, collectionID int64) ([]int64, error)
}

// VectorIndexAdmin 仅供重建流程使用的破坏性操作，普通流量只拿到 VectorStore。
type VectorIndexAdmin interface {
	CollectionName() string
	// DropAndRecreateCollection confirm 必须等于 CollectionName()
	DropAndRecreateCollection(ctx context.Context, confirm string) error
}
