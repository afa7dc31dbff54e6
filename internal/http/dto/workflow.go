package dto

import (
	"encoding/json"
	"time"

	"jobpilot.app/courier/internal/model"
	"jobpilot.app/courier/internal/ratelimit"
)

type EnqueueItemRequest struct {
	VacancyID   string          `json:"vacancy_id" binding:"required"`
	ResumeID    *string         `json:"resume_id,omitempty"`
	CoverLetter string          `json:"cover_letter,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority,omitempty"`
}

type EnqueueWorkflowRequest struct {
	UserID int64                `json:"user_id" binding:"required"`
	Name   string               `json:"name,omitempty"`
	Items  []EnqueueItemRequest `json:"items" binding:"required,min=1,dive"`
}

type EnqueueWorkflowResponse struct {
	WorkflowID int64  `json:"workflow_id"`
	Status     string `json:"status"`
	Enqueued   int    `json:"enqueued"`
}

type WorkflowProgressResponse struct {
	WorkflowID int64                  `json:"workflow_id"`
	Name       string                 `json:"name"`
	Status     string                 `json:"status"`
	Done       bool                   `json:"done"`
	Progress   model.WorkflowProgress `json:"progress"`
}

type PauseResumeResponse struct {
	WorkflowID int64  `json:"workflow_id"`
	Status     string `json:"status"`
	Items      int    `json:"items"`
}

type WorkflowSummary struct {
	WorkflowID int64     `json:"workflow_id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

type WorkflowListResponse struct {
	UserID    int64             `json:"user_id"`
	Workflows []WorkflowSummary `json:"workflows"`
}

func NewWorkflowListResponse(userID int64, workflows []model.Workflow) WorkflowListResponse {
	resp := WorkflowListResponse{
		UserID:    userID,
		Workflows: make([]WorkflowSummary, len(workflows)),
	}
	for i, wf := range workflows {
		resp.Workflows[i] = WorkflowSummary{
			WorkflowID: wf.ID,
			Name:       wf.Name,
			Status:     string(wf.Status),
			CreatedAt:  wf.CreatedAt,
		}
	}
	return resp
}

type RateLimitStatusResponse struct {
	UserID       int64     `json:"user_id"`
	Tokens       int       `json:"tokens"`
	Capacity     int       `json:"capacity"`
	NextRefillAt time.Time `json:"next_refill_at"`
}

func NewRateLimitStatusResponse(userID int64, status ratelimit.Status) RateLimitStatusResponse {
	return RateLimitStatusResponse{
		UserID:       userID,
		Tokens:       status.Tokens,
		Capacity:     status.Capacity,
		NextRefillAt: status.NextRefillAt,
	}
}
