package service_test

import (
	"context"
	"time"

	"jobpilot.app/courier/internal/model"
	"jobpilot.app/courier/internal/queue"
	"jobpilot.app/courier/internal/ratelimit"
	"jobpilot.app/courier/internal/service"
	"jobpilot.app/courier/internal/store"
)

type mockLimitSource struct {
	statusFn func(ctx context.Context, subject, action string) ratelimit.Status

	statusReads []string
}

func (m *mockLimitSource) Status(ctx context.Context, subject, action string) ratelimit.Status {
	m.statusReads = append(m.statusReads, subject+"/"+action)
	if m.statusFn != nil {
		return m.statusFn(ctx, subject, action)
	}
	return ratelimit.Status{}
}

type mockWorkItemStore struct {
	createBatchFn func(ctx context.Context, items []*model.WorkItem) (int, error)
	progressFn    func(ctx context.Context, workflowID int64) (*model.WorkflowProgress, error)
	holdPendingFn func(ctx context.Context, workflowID int64) (int, error)
	resumeHeldFn  func(ctx context.Context, workflowID int64, now time.Time) (int, error)

	createBatchCalls int
}

func (m *mockWorkItemStore) CreateBatch(ctx context.Context, items []*model.WorkItem) (int, error) {
	m.createBatchCalls++
	if m.createBatchFn != nil {
		return m.createBatchFn(ctx, items)
	}
	return len(items), nil
}

func (m *mockWorkItemStore) GetByID(context.Context, int64) (*model.WorkItem, error) {
	return nil, store.ErrNotFound
}

func (m *mockWorkItemStore) NextReady(context.Context, int64, time.Time) (*model.WorkItem, error) {
	return nil, store.ErrNotFound
}

func (m *mockWorkItemStore) NextWakeAt(context.Context, int64, time.Time) (time.Time, error) {
	return time.Time{}, store.ErrNotFound
}

func (m *mockWorkItemStore) Claim(context.Context, int64, model.ItemStatus, int64) (*model.WorkItem, error) {
	return nil, store.ErrConflict
}

func (m *mockWorkItemStore) UpdateStatus(_ context.Context, params store.UpdateStatusParams) (*model.WorkItem, error) {
	return &model.WorkItem{ID: params.ID, Status: params.ToStatus}, nil
}

func (m *mockWorkItemStore) HoldPending(ctx context.Context, workflowID int64) (int, error) {
	if m.holdPendingFn != nil {
		return m.holdPendingFn(ctx, workflowID)
	}
	return 0, nil
}

func (m *mockWorkItemStore) ResumeHeld(ctx context.Context, workflowID int64, now time.Time) (int, error) {
	if m.resumeHeldFn != nil {
		return m.resumeHeldFn(ctx, workflowID, now)
	}
	return 0, nil
}

func (m *mockWorkItemStore) Progress(ctx context.Context, workflowID int64) (*model.WorkflowProgress, error) {
	if m.progressFn != nil {
		return m.progressFn(ctx, workflowID)
	}
	return &model.WorkflowProgress{}, nil
}

type mockWorkflowStore struct {
	createFn     func(ctx context.Context, wf *model.Workflow) error
	getByIDFn    func(ctx context.Context, id int64) (*model.Workflow, error)
	setStatusFn  func(ctx context.Context, id int64, status model.WorkflowStatus) error
	listByUserFn func(ctx context.Context, userID int64) ([]model.Workflow, error)

	statusWrites []model.WorkflowStatus
}

func (m *mockWorkflowStore) Create(ctx context.Context, wf *model.Workflow) error {
	if m.createFn != nil {
		return m.createFn(ctx, wf)
	}
	return nil
}

func (m *mockWorkflowStore) GetByID(ctx context.Context, id int64) (*model.Workflow, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return nil, store.ErrNotFound
}

func (m *mockWorkflowStore) SetStatus(ctx context.Context, id int64, status model.WorkflowStatus) error {
	m.statusWrites = append(m.statusWrites, status)
	if m.setStatusFn != nil {
		return m.setStatusFn(ctx, id, status)
	}
	return nil
}

func (m *mockWorkflowStore) ListByUser(ctx context.Context, userID int64) ([]model.Workflow, error) {
	if m.listByUserFn != nil {
		return m.listByUserFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockWorkflowStore) ListWithReadyItems(context.Context) ([]int64, error) {
	return nil, nil
}

// mockStores satisfies service.StoreProvider over the two store mocks.
type mockStores struct {
	items     *mockWorkItemStore
	workflows *mockWorkflowStore
}

func (m *mockStores) WorkItems() store.WorkItemStore { return m.items }

func (m *mockStores) Workflows() store.WorkflowStore { return m.workflows }

// mockTxRunner runs the function directly against the mock stores; the
// transactional boundary itself is exercised in integration tests.
type mockTxRunner struct {
	stores   *mockStores
	failWith error
	calls    int
}

func (m *mockTxRunner) WithTx(_ context.Context, fn func(stores service.StoreProvider) error) error {
	m.calls++
	if m.failWith != nil {
		return m.failWith
	}
	return fn(m.stores)
}

type mockProducer struct {
	kickFn func(ctx context.Context, msg queue.KickMessage) error
	kicks  []queue.KickMessage
}

func (m *mockProducer) Kick(ctx context.Context, msg queue.KickMessage) error {
	m.kicks = append(m.kicks, msg)
	if m.kickFn != nil {
		return m.kickFn(ctx, msg)
	}
	return nil
}

func (m *mockProducer) Close() error { return nil }
