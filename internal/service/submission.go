package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"jobpilot.app/courier/common/id"
	"jobpilot.app/courier/internal/dispatch"
	"jobpilot.app/courier/internal/model"
	"jobpilot.app/courier/internal/queue"
	"jobpilot.app/courier/internal/ratelimit"
	"jobpilot.app/courier/internal/store"
)

var (
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrWorkflowNotPaused = errors.New("workflow is not paused")
)

type EnqueueItemParams struct {
	VacancyID   string          `json:"vacancy_id"`
	ResumeID    *string         `json:"resume_id,omitempty"`
	CoverLetter string          `json:"cover_letter,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority,omitempty"`
}

type EnqueueBatchParams struct {
	UserID  int64
	Name    string
	Items   []EnqueueItemParams
	TraceID *string
}

type EnqueueBatchResult struct {
	Workflow *model.Workflow
	Enqueued int
}

// WorkflowProgressResult pairs a workflow with its live item counts.
type WorkflowProgressResult struct {
	Workflow *model.Workflow
	Progress *model.WorkflowProgress
}

// SubmissionService is the API surface over the pipeline: batch intake,
// progress, pause/resume and rate limit introspection.
type SubmissionService interface {
	EnqueueBatch(ctx context.Context, params EnqueueBatchParams) (*EnqueueBatchResult, error)
	Progress(ctx context.Context, workflowID int64) (*WorkflowProgressResult, error)
	Pause(ctx context.Context, workflowID int64) (int, error)
	Resume(ctx context.Context, workflowID int64) (int, error)
	ListWorkflows(ctx context.Context, userID int64) ([]model.Workflow, error)
	RateLimitStatus(ctx context.Context, userID int64) ratelimit.Status
}

// RateLimitSource answers bucket status queries. The worker owns the live
// buckets, so the API server reads them through the Redis mirror rather
// than a local limiter that never sees a draw.
type RateLimitSource interface {
	Status(ctx context.Context, subject, action string) ratelimit.Status
}

type submissionService struct {
	stores      StoreProvider
	txRunner    TxRunner
	producer    queue.Producer
	limits      RateLimitSource
	maxAttempts int
	logger      *slog.Logger
}

func NewSubmissionService(stores StoreProvider, txRunner TxRunner, producer queue.Producer, limits RateLimitSource, maxAttempts int, logger *slog.Logger) SubmissionService {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &submissionService{
		stores:      stores,
		txRunner:    txRunner,
		producer:    producer,
		limits:      limits,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// EnqueueBatch persists the workflow and its items in one transaction and
// kicks the dispatcher. The kick is best-effort: a missed kick is repaired
// by the worker's startup re-kick, the items are already durable.
func (s *submissionService) EnqueueBatch(ctx context.Context, params EnqueueBatchParams) (*EnqueueBatchResult, error) {
	if params.UserID == 0 {
		return nil, fmt.Errorf("user_id is required")
	}
	if len(params.Items) == 0 {
		return nil, fmt.Errorf("at least one item is required")
	}

	seen := make(map[string]bool, len(params.Items))
	for i, item := range params.Items {
		if item.VacancyID == "" {
			return nil, fmt.Errorf("items[%d]: vacancy_id is required", i)
		}
		if seen[item.VacancyID] {
			return nil, fmt.Errorf("items[%d]: duplicate vacancy_id %q in batch", i, item.VacancyID)
		}
		seen[item.VacancyID] = true
	}

	name := params.Name
	if name == "" {
		name = "batch " + time.Now().UTC().Format("2006-01-02 15:04")
	}

	now := time.Now()
	workflow := &model.Workflow{
		ID:     id.New(),
		UserID: params.UserID,
		Name:   name,
		Status: model.WorkflowStatusActive,
	}

	items := make([]*model.WorkItem, len(params.Items))
	for i, p := range params.Items {
		items[i] = &model.WorkItem{
			ID:          id.New(),
			WorkflowID:  workflow.ID,
			UserID:      params.UserID,
			VacancyID:   p.VacancyID,
			ResumeID:    p.ResumeID,
			CoverLetter: p.CoverLetter,
			Payload:     p.Payload,
			Status:      model.ItemStatusPending,
			MaxAttempts: s.maxAttempts,
			Priority:    p.Priority,
			NextRunAt:   now,
		}
	}

	var enqueued int
	err := s.txRunner.WithTx(ctx, func(sp StoreProvider) error {
		if err := sp.Workflows().Create(ctx, workflow); err != nil {
			return fmt.Errorf("creating workflow: %w", err)
		}
		n, err := sp.WorkItems().CreateBatch(ctx, items)
		if err != nil {
			return fmt.Errorf("creating work items: %w", err)
		}
		enqueued = n
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.producer.Kick(ctx, queue.KickMessage{WorkflowID: workflow.ID, TraceID: params.TraceID}); err != nil {
		s.logger.ErrorContext(ctx, "failed to kick dispatcher after enqueue",
			"error", err, "workflow_id", workflow.ID)
	}

	s.logger.InfoContext(ctx, "batch enqueued",
		"workflow_id", workflow.ID,
		"user_id", params.UserID,
		"items", enqueued)

	return &EnqueueBatchResult{Workflow: workflow, Enqueued: enqueued}, nil
}

func (s *submissionService) Progress(ctx context.Context, workflowID int64) (*WorkflowProgressResult, error) {
	workflow, err := s.stores.Workflows().GetByID(ctx, workflowID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("fetching workflow: %w", err)
	}

	progress, err := s.stores.WorkItems().Progress(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("fetching progress: %w", err)
	}

	return &WorkflowProgressResult{Workflow: workflow, Progress: progress}, nil
}

// Pause flips every dispatchable item to held. In-flight submissions run to
// their own outcome; pausing never interrupts a cascade mid-step.
func (s *submissionService) Pause(ctx context.Context, workflowID int64) (int, error) {
	var held int
	err := s.txRunner.WithTx(ctx, func(sp StoreProvider) error {
		workflow, err := sp.Workflows().GetByID(ctx, workflowID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrWorkflowNotFound
			}
			return fmt.Errorf("fetching workflow: %w", err)
		}
		if workflow.Status == model.WorkflowStatusPaused {
			return nil
		}

		if err := sp.Workflows().SetStatus(ctx, workflowID, model.WorkflowStatusPaused); err != nil {
			return fmt.Errorf("pausing workflow: %w", err)
		}
		held, err = sp.WorkItems().HoldPending(ctx, workflowID)
		if err != nil {
			return fmt.Errorf("holding items: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.InfoContext(ctx, "workflow paused", "workflow_id", workflowID, "held_items", held)
	return held, nil
}

// Resume releases held items back to pending and kicks the dispatcher.
func (s *submissionService) Resume(ctx context.Context, workflowID int64) (int, error) {
	var released int
	err := s.txRunner.WithTx(ctx, func(sp StoreProvider) error {
		workflow, err := sp.Workflows().GetByID(ctx, workflowID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrWorkflowNotFound
			}
			return fmt.Errorf("fetching workflow: %w", err)
		}
		if workflow.Status != model.WorkflowStatusPaused {
			return ErrWorkflowNotPaused
		}

		if err := sp.Workflows().SetStatus(ctx, workflowID, model.WorkflowStatusActive); err != nil {
			return fmt.Errorf("resuming workflow: %w", err)
		}
		released, err = sp.WorkItems().ResumeHeld(ctx, workflowID, time.Now())
		if err != nil {
			return fmt.Errorf("releasing held items: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if err := s.producer.Kick(ctx, queue.KickMessage{WorkflowID: workflowID}); err != nil {
		s.logger.ErrorContext(ctx, "failed to kick dispatcher after resume",
			"error", err, "workflow_id", workflowID)
	}

	s.logger.InfoContext(ctx, "workflow resumed", "workflow_id", workflowID, "released_items", released)
	return released, nil
}

func (s *submissionService) ListWorkflows(ctx context.Context, userID int64) ([]model.Workflow, error) {
	if userID == 0 {
		return nil, fmt.Errorf("user_id is required")
	}
	workflows, err := s.stores.Workflows().ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	return workflows, nil
}

func (s *submissionService) RateLimitStatus(ctx context.Context, userID int64) ratelimit.Status {
	return s.limits.Status(ctx, strconv.FormatInt(userID, 10), dispatch.ActionApplication)
}
