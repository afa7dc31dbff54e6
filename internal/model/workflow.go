package model

import "time"

type WorkflowStatus string

const (
	WorkflowStatusActive    WorkflowStatus = "active"
	WorkflowStatusPaused    WorkflowStatus = "paused"
	WorkflowStatusCompleted WorkflowStatus = "completed"
)

// Workflow groups the work items a user confirmed together in one batch.
// Items in different workflows for the same user still share that user's
// rate-limit bucket.
type Workflow struct {
	ID     int64          `json:"id"`
	UserID int64          `json:"user_id"`
	Name   string         `json:"name"`
	Status WorkflowStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WorkflowProgress is computed from item status counts on demand.
type WorkflowProgress struct {
	Total       int `json:"total"`
	Pending     int `json:"pending"`
	Ready       int `json:"ready"`
	Submitting  int `json:"submitting"`
	Submitted   int `json:"submitted"`
	Failed      int `json:"failed"`
	RateLimited int `json:"rate_limited"`
	Held        int `json:"held"`
}

// Done reports whether every item has reached a terminal status.
func (p WorkflowProgress) Done() bool {
	return p.Total > 0 && p.Submitted+p.Failed == p.Total
}
