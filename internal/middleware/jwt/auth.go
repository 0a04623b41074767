package jwt

import (
	"strings"

	"KnowForge/pkg/back"
	"KnowForge/pkg/util/myjwt"
	"KnowForge/pkg/xerr"

	"github.com/gin-gonic/gin"
)

// ContextToken 原始 bearer token，供 Authorizer 二次校验集合归属
const ContextToken = "token"

// AuthWithKey key 为空时使用全局配置中的 jwt key
func AuthWithKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			back.Error(c, xerr.Unauthorized, "missing or invalid authorization header")
			c.Abort()
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		var (
			claims *myjwt.CustomClaims
			err    error
		)
		if key == "" {
			claims, err = myjwt.ParseToken(tokenString)
		} else {
			claims, err = myjwt.ParseTokenWithKey(tokenString, key)
		}
		if err != nil {
			back.Error(c, xerr.Unauthorized, "invalid token")
			c.Abort()
			return
		}

		c.Set("uuid", claims.Uuid)
		c.Set("username", claims.Username)
		c.Set("owner_id", claims.OwnerID())
		c.Set(ContextToken, tokenString)
		c.Next()
	}
}
