package router

import (
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"jobpilot.app/courier/internal/http/handler"
	"jobpilot.app/courier/internal/notify"
	"jobpilot.app/courier/internal/service"
)

type RouterConfig struct {
	StatusStreamPrefix string
}

func SetupRoutes(router *gin.Engine, services *service.Services, redisClient *redis.Client, hub *notify.Hub, relay *notify.StreamRelay, cfg RouterConfig) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	workflowHandler := handler.NewWorkflowHandler(services.Submissions())
	streamHandler := handler.NewProgressStreamHandler(redisClient, hub, relay, cfg.StatusStreamPrefix)

	v1 := router.Group("/api/v1")
	{
		WorkflowRouter(v1.Group("/workflows"), workflowHandler, streamHandler)
		UserRouter(v1.Group("/users"), workflowHandler)
	}
}
