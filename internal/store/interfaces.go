package store

import (
	"context"
	"errors"
	"time"

	"jobpilot.app/courier/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a conditional update matched no row, meaning
// another dispatcher changed the item first. The loser of a claim race gets
// this and must walk away.
var ErrConflict = errors.New("conflicting update")

// WorkItemStore defines the contract for work item data access.
// UpdateStatus and Claim are the only mutation paths after enqueue; both are
// conditional so concurrent dispatch attempts on one item cannot both win.
type WorkItemStore interface {
	CreateBatch(ctx context.Context, items []*model.WorkItem) (int, error)
	GetByID(ctx context.Context, id int64) (*model.WorkItem, error)

	// NextReady returns the highest-priority eligible item of a workflow,
	// or ErrNotFound when none is eligible right now.
	NextReady(ctx context.Context, workflowID int64, now time.Time) (*model.WorkItem, error)

	// NextWakeAt returns the earliest future next_run_at among the
	// workflow's non-terminal items, or ErrNotFound when nothing is scheduled.
	NextWakeAt(ctx context.Context, workflowID int64, now time.Time) (time.Time, error)

	// Claim moves an item to submitting iff its status and version still
	// match the caller's snapshot. Returns ErrConflict when they don't.
	Claim(ctx context.Context, id int64, from model.ItemStatus, version int64) (*model.WorkItem, error)

	// UpdateStatus applies a transition with bookkeeping fields, guarded by
	// the version counter.
	UpdateStatus(ctx context.Context, params UpdateStatusParams) (*model.WorkItem, error)

	// HoldPending flips every dispatchable item of a workflow to held;
	// ResumeHeld flips them back to pending, eligible immediately.
	HoldPending(ctx context.Context, workflowID int64) (int, error)
	ResumeHeld(ctx context.Context, workflowID int64, now time.Time) (int, error)

	Progress(ctx context.Context, workflowID int64) (*model.WorkflowProgress, error)
}

// UpdateStatusParams carries one conditional status transition. Zero-valued
// optional fields leave the column untouched.
type UpdateStatusParams struct {
	ID          int64
	FromStatus  model.ItemStatus
	Version     int64
	ToStatus    model.ItemStatus
	NextRunAt   *time.Time
	LastError   *string
	BumpAttempt bool

	NegotiationID     *string
	PublishedResumeID *string
	FallbackUsed      *bool
	SubmittedAt       *time.Time
}

// WorkflowStore defines the contract for workflow data access
type WorkflowStore interface {
	Create(ctx context.Context, wf *model.Workflow) error
	GetByID(ctx context.Context, id int64) (*model.Workflow, error)
	SetStatus(ctx context.Context, id int64, status model.WorkflowStatus) error
	ListByUser(ctx context.Context, userID int64) ([]model.Workflow, error)

	// ListWithReadyItems returns IDs of active workflows that still have
	// dispatchable items. The worker re-kicks these at startup so a crash
	// never strands a batch.
	ListWithReadyItems(ctx context.Context) ([]int64, error)
}
