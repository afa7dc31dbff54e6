package router

import (
	"github.com/gin-gonic/gin"

	"jobpilot.app/courier/internal/http/handler"
)

func UserRouter(router *gin.RouterGroup, workflows *handler.WorkflowHandler) {
	router.GET("/:id/workflows", workflows.ListForUser)
	router.GET("/:id/rate-limit", workflows.RateLimit)
}
