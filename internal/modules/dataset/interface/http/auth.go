package handler

import (
	jwtMiddleware "KnowForge/internal/middleware/jwt"
	"KnowForge/internal/modules/dataset/application/service"
	"KnowForge/internal/modules/dataset/domain/training"
	"KnowForge/pkg/back"

	"github.com/gin-gonic/gin"
)

// authorize 失败时已写回响应，调用方直接 return
func authorize(c *gin.Context, auth service.Authorizer, collectionID int64) (training.Principal, bool) {
	p, err := auth.AuthorizeAndResolveOwner(c.Request.Context(), training.AuthRequest{
		Token:        c.GetString(jwtMiddleware.ContextToken),
		CollectionID: collectionID,
	})
	if err != nil {
		back.Result(c, nil, codeError(err))
		return training.Principal{}, false
	}
	return p, true
}
