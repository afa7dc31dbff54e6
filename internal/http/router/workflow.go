package router

import (
	"github.com/gin-gonic/gin"

	"jobpilot.app/courier/internal/http/handler"
)

func WorkflowRouter(router *gin.RouterGroup, workflows *handler.WorkflowHandler, streams *handler.ProgressStreamHandler) {
	router.POST("", workflows.Enqueue)
	router.GET("/:id/progress", workflows.Progress)
	router.POST("/:id/pause", workflows.Pause)
	router.POST("/:id/resume", workflows.Resume)
	router.GET("/:id/events", streams.Events)
	router.GET("/:id/ws", streams.Websocket)
}
