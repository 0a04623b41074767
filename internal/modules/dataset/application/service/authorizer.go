package service

import (
	"context"

	"KnowForge/internal/modules/dataset/domain/training"
)

// Authorizer 校验调用凭证并解析归属方；CollectionID 非零时同时校验集合归属
type Authorizer interface {
	AuthorizeAndResolveOwner(ctx context.Context, req training.AuthRequest) (training.Principal, error)
}
