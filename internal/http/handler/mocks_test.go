package handler_test

import (
	"context"

	"jobpilot.app/courier/internal/model"
	"jobpilot.app/courier/internal/ratelimit"
	"jobpilot.app/courier/internal/service"
)

type mockSubmissionService struct {
	enqueueBatchFn    func(ctx context.Context, params service.EnqueueBatchParams) (*service.EnqueueBatchResult, error)
	progressFn        func(ctx context.Context, workflowID int64) (*service.WorkflowProgressResult, error)
	pauseFn           func(ctx context.Context, workflowID int64) (int, error)
	resumeFn          func(ctx context.Context, workflowID int64) (int, error)
	listWorkflowsFn   func(ctx context.Context, userID int64) ([]model.Workflow, error)
	rateLimitStatusFn func(ctx context.Context, userID int64) ratelimit.Status
}

func (m *mockSubmissionService) EnqueueBatch(ctx context.Context, params service.EnqueueBatchParams) (*service.EnqueueBatchResult, error) {
	if m.enqueueBatchFn != nil {
		return m.enqueueBatchFn(ctx, params)
	}
	return &service.EnqueueBatchResult{}, nil
}

func (m *mockSubmissionService) Progress(ctx context.Context, workflowID int64) (*service.WorkflowProgressResult, error) {
	if m.progressFn != nil {
		return m.progressFn(ctx, workflowID)
	}
	return nil, service.ErrWorkflowNotFound
}

func (m *mockSubmissionService) Pause(ctx context.Context, workflowID int64) (int, error) {
	if m.pauseFn != nil {
		return m.pauseFn(ctx, workflowID)
	}
	return 0, nil
}

func (m *mockSubmissionService) Resume(ctx context.Context, workflowID int64) (int, error) {
	if m.resumeFn != nil {
		return m.resumeFn(ctx, workflowID)
	}
	return 0, nil
}

func (m *mockSubmissionService) ListWorkflows(ctx context.Context, userID int64) ([]model.Workflow, error) {
	if m.listWorkflowsFn != nil {
		return m.listWorkflowsFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockSubmissionService) RateLimitStatus(ctx context.Context, userID int64) ratelimit.Status {
	if m.rateLimitStatusFn != nil {
		return m.rateLimitStatusFn(ctx, userID)
	}
	return ratelimit.Status{}
}
