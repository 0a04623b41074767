package http

import (
	"net/http"

	"KnowForge/internal/initial"
	jwtMiddleware "KnowForge/internal/middleware/jwt"
	datasetHandler "KnowForge/internal/modules/dataset/interface/http"
	myredis "KnowForge/pkg/redis"
	"KnowForge/pkg/ssl"

	cors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// NewEngine 装配中间件与路由
func NewEngine(app *initial.App) *gin.Engine {
	conf := app.Conf
	engine := gin.New()
	engine.Use(gin.Recovery())
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"*"}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	engine.Use(cors.New(corsConfig))
	engine.Use(ssl.TlsHandler(conf.MainConfig.Host, conf.MainConfig.Port, conf.MainConfig.SSLRedirect))

	collectionH := datasetHandler.NewCollectionHandler(app.CollectionService, app.Authorizer)
	trainingH := datasetHandler.NewTrainingHandler(app.IngestService, app.StatusService, app.Reindex, app.CollectionService, app.Authorizer)

	engine.GET("/healthz", func(c *gin.Context) {
		status := gin.H{"status": "ok", "db": "ok"}
		code := http.StatusOK
		if sqlDB, err := app.DB.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			status["status"], status["db"] = "degraded", "unreachable"
			code = http.StatusServiceUnavailable
		}
		if myredis.IsConnected() {
			status["redis"] = "ok"
			if err := myredis.Ping(c.Request.Context()); err != nil {
				status["status"], status["redis"] = "degraded", "unreachable"
				code = http.StatusServiceUnavailable
			}
		}
		c.JSON(code, status)
	})

	authed := engine.Group("/")
	authed.Use(jwtMiddleware.AuthWithKey(conf.JwtConfig.Key))
	authed.GET("/auth/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"uuid":     c.GetString("uuid"),
			"username": c.GetString("username"),
			"owner_id": c.GetString("owner_id"),
		})
	})
	authed.POST("/collection/create", collectionH.Create)
	authed.POST("/collection/list", collectionH.List)
	authed.POST("/collection/delete", collectionH.Delete)
	authed.POST("/collection/repair", collectionH.Repair)
	authed.POST("/training/submit", trainingH.Submit)
	authed.POST("/training/status", trainingH.Status)
	authed.POST("/training/reindex", trainingH.Reindex)
	authed.POST("/training/retryFailed", trainingH.RetryFailed)
	authed.POST("/training/searchable", trainingH.Searchable)
	return engine
}
