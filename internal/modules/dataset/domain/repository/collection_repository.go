package repository

import (
	"context"

	"KnowForge/internal/modules/dataset/domain/training"
)

type CollectionRepository interface {
	Create(ctx context.Context, c *training.Collection) error
	// GetByID 不存在时返回 (nil, nil)
	GetByID(ctx context.Context, id int64) (*training.Collection, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*training.Collection, error)
	// DeleteCascade 在一个事务内删除集合及其 Unit、Job，返回被删除的 Unit 数
	DeleteCascade(ctx context.Context, id int64) (int64, error)
}
