package auth

import (
	"context"
	"fmt"
	"strings"

	"KnowForge/internal/modules/dataset/domain/repository"
	"KnowForge/internal/modules/dataset/domain/training"
	"KnowForge/pkg/util/myjwt"
)

// JWTAuthorizer 校验 token 并确认调用方拥有目标集合
type JWTAuthorizer struct {
	key         string
	collections repository.CollectionRepository
}

func NewJWTAuthorizer(key string, collections repository.CollectionRepository) *JWTAuthorizer {
	return &JWTAuthorizer{key: key, collections: collections}
}

func (a *JWTAuthorizer) AuthorizeAndResolveOwner(ctx context.Context, req training.AuthRequest) (training.Principal, error) {
	token := strings.TrimSpace(strings.TrimPrefix(req.Token, "Bearer "))
	if token == "" {
		return training.Principal{}, fmt.Errorf("%w: missing token", training.ErrUnauthorized)
	}
	claims, err := myjwt.ParseTokenWithKey(token, a.key)
	if err != nil {
		return training.Principal{}, fmt.Errorf("%w: %v", training.ErrUnauthorized, err)
	}
	p := training.Principal{OwnerID: claims.OwnerID(), MemberID: claims.Uuid}
	if req.CollectionID <= 0 {
		return p, nil
	}

	c, err := a.collections.GetByID(ctx, req.CollectionID)
	if err != nil {
		return training.Principal{}, fmt.Errorf("%w: %v", training.ErrStoreUnavailable, err)
	}
	// 不存在与无权限返回同一错误，避免探测他人集合
	if c == nil || c.OwnerID != p.OwnerID {
		return training.Principal{}, fmt.Errorf("%w: collection %d", training.ErrUnauthorized, req.CollectionID)
	}
	p.CollectionID = c.ID
	return p, nil
}
