package api

import (
	"log/slog"
	"net/http"
	"time"

	"agentfleet/internal/service"

	"github.com/gin-gonic/gin"
)

func NewRouter(svc *service.Service, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	// Global health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:    "ok",
			Timestamp: formatTime(time.Now()),
		})
	})

	poolHandler := NewPoolHandler(svc)
	eventHandler := NewEventHandler(svc, logger)

	v1 := r.Group("/api/v1")
	{
		tenants := v1.Group("/tenants/:tenant")
		{
			tenants.POST("/sessions", poolHandler.DeployOrReuse)
			tenants.DELETE("/sessions/:session", poolHandler.ReturnContainer)

			tenants.GET("/pool", poolHandler.PoolStatus)
			tenants.POST("/pool/cleanup", poolHandler.CleanupPool)

			tenants.GET("/events", eventHandler.StreamEvents)
		}

		// 容器内 worker 上报注册结果
		v1.PUT("/containers/:name/worker", poolHandler.RegisterWorker)
	}

	return r
}
