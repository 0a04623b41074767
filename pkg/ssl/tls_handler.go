package ssl

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/unrolled/secure"
)

// TlsHandler sslRedirect 关闭时只附加安全响应头
func TlsHandler(host string, port int, sslRedirect bool) gin.HandlerFunc {
	secureMiddleware := secure.New(secure.Options{
		SSLRedirect:        sslRedirect,
		SSLHost:            host + ":" + strconv.Itoa(port),
		FrameDeny:          true,
		ContentTypeNosniff: true,
	})
	return func(c *gin.Context) {
		err := secureMiddleware.Process(c.Writer, c.Request)

		// Process 已经写入了重定向响应
		if err != nil {
			c.Abort()
			return
		}

		c.Next()
	}
}
