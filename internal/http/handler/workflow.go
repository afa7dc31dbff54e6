package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"jobpilot.app/courier/internal/http/dto"
	"jobpilot.app/courier/internal/service"
)

type WorkflowHandler struct {
	service service.SubmissionService
}

func NewWorkflowHandler(service service.SubmissionService) *WorkflowHandler {
	return &WorkflowHandler{service: service}
}

func (h *WorkflowHandler) Enqueue(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.EnqueueWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid enqueue request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := service.EnqueueBatchParams{
		UserID: req.UserID,
		Name:   req.Name,
		Items:  make([]service.EnqueueItemParams, len(req.Items)),
	}
	for i, item := range req.Items {
		params.Items[i] = service.EnqueueItemParams{
			VacancyID:   item.VacancyID,
			ResumeID:    item.ResumeID,
			CoverLetter: item.CoverLetter,
			Payload:     item.Payload,
			Priority:    item.Priority,
		}
	}
	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
		traceID := spanCtx.TraceID().String()
		params.TraceID = &traceID
	}

	result, err := h.service.EnqueueBatch(ctx, params)
	if err != nil {
		slog.WarnContext(ctx, "enqueue rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, dto.EnqueueWorkflowResponse{
		WorkflowID: result.Workflow.ID,
		Status:     string(result.Workflow.Status),
		Enqueued:   result.Enqueued,
	})
}

func (h *WorkflowHandler) Progress(c *gin.Context) {
	ctx := c.Request.Context()

	workflowID, ok := pathID(c, "id")
	if !ok {
		return
	}

	result, err := h.service.Progress(ctx, workflowID)
	if err != nil {
		if errors.Is(err, service.ErrWorkflowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
			return
		}
		slog.ErrorContext(ctx, "failed to fetch progress", "error", err, "workflow_id", workflowID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, dto.WorkflowProgressResponse{
		WorkflowID: result.Workflow.ID,
		Name:       result.Workflow.Name,
		Status:     string(result.Workflow.Status),
		Done:       result.Progress.Done(),
		Progress:   *result.Progress,
	})
}

func (h *WorkflowHandler) Pause(c *gin.Context) {
	ctx := c.Request.Context()

	workflowID, ok := pathID(c, "id")
	if !ok {
		return
	}

	held, err := h.service.Pause(ctx, workflowID)
	if err != nil {
		if errors.Is(err, service.ErrWorkflowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
			return
		}
		slog.ErrorContext(ctx, "failed to pause workflow", "error", err, "workflow_id", workflowID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, dto.PauseResumeResponse{
		WorkflowID: workflowID,
		Status:     "paused",
		Items:      held,
	})
}

func (h *WorkflowHandler) Resume(c *gin.Context) {
	ctx := c.Request.Context()

	workflowID, ok := pathID(c, "id")
	if !ok {
		return
	}

	released, err := h.service.Resume(ctx, workflowID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrWorkflowNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
		case errors.Is(err, service.ErrWorkflowNotPaused):
			c.JSON(http.StatusConflict, gin.H{"error": "workflow is not paused"})
		default:
			slog.ErrorContext(ctx, "failed to resume workflow", "error", err, "workflow_id", workflowID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}

	c.JSON(http.StatusOK, dto.PauseResumeResponse{
		WorkflowID: workflowID,
		Status:     "active",
		Items:      released,
	})
}

func (h *WorkflowHandler) ListForUser(c *gin.Context) {
	ctx := c.Request.Context()

	userID, ok := pathID(c, "id")
	if !ok {
		return
	}

	workflows, err := h.service.ListWorkflows(ctx, userID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list workflows", "error", err, "user_id", userID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, dto.NewWorkflowListResponse(userID, workflows))
}

func (h *WorkflowHandler) RateLimit(c *gin.Context) {
	userID, ok := pathID(c, "id")
	if !ok {
		return
	}

	status := h.service.RateLimitStatus(c.Request.Context(), userID)
	c.JSON(http.StatusOK, dto.NewRateLimitStatusResponse(userID, status))
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}
