package dispatch_test

import (
	"context"
	"sync"
	"time"

	"jobpilot.app/courier/internal/model"
	"jobpilot.app/courier/internal/notify"
	"jobpilot.app/courier/internal/platform"
	"jobpilot.app/courier/internal/ratelimit"
	"jobpilot.app/courier/internal/store"
)

func errTransient() error {
	return &platform.Error{Category: platform.CategoryTransient, Description: "gateway timeout"}
}

type mockItemStore struct {
	mu sync.Mutex

	nextReadyFn    func(ctx context.Context, workflowID int64, now time.Time) (*model.WorkItem, error)
	nextWakeAtFn   func(ctx context.Context, workflowID int64, now time.Time) (time.Time, error)
	claimFn        func(ctx context.Context, id int64, from model.ItemStatus, version int64) (*model.WorkItem, error)
	updateStatusFn func(ctx context.Context, params store.UpdateStatusParams) (*model.WorkItem, error)
	progressFn     func(ctx context.Context, workflowID int64) (*model.WorkflowProgress, error)

	claimCalls    int
	statusUpdates []store.UpdateStatusParams
}

func (m *mockItemStore) CreateBatch(context.Context, []*model.WorkItem) (int, error) {
	return 0, nil
}

func (m *mockItemStore) GetByID(context.Context, int64) (*model.WorkItem, error) {
	return nil, store.ErrNotFound
}

func (m *mockItemStore) NextReady(ctx context.Context, workflowID int64, now time.Time) (*model.WorkItem, error) {
	if m.nextReadyFn != nil {
		return m.nextReadyFn(ctx, workflowID, now)
	}
	return nil, store.ErrNotFound
}

func (m *mockItemStore) NextWakeAt(ctx context.Context, workflowID int64, now time.Time) (time.Time, error) {
	if m.nextWakeAtFn != nil {
		return m.nextWakeAtFn(ctx, workflowID, now)
	}
	return time.Time{}, store.ErrNotFound
}

func (m *mockItemStore) Claim(ctx context.Context, id int64, from model.ItemStatus, version int64) (*model.WorkItem, error) {
	m.mu.Lock()
	m.claimCalls++
	m.mu.Unlock()
	if m.claimFn != nil {
		return m.claimFn(ctx, id, from, version)
	}
	return nil, store.ErrConflict
}

func (m *mockItemStore) UpdateStatus(ctx context.Context, params store.UpdateStatusParams) (*model.WorkItem, error) {
	m.mu.Lock()
	m.statusUpdates = append(m.statusUpdates, params)
	m.mu.Unlock()
	if m.updateStatusFn != nil {
		return m.updateStatusFn(ctx, params)
	}
	return applyParams(params), nil
}

func (m *mockItemStore) HoldPending(context.Context, int64) (int, error) { return 0, nil }

func (m *mockItemStore) ResumeHeld(context.Context, int64, time.Time) (int, error) { return 0, nil }

func (m *mockItemStore) Progress(ctx context.Context, workflowID int64) (*model.WorkflowProgress, error) {
	if m.progressFn != nil {
		return m.progressFn(ctx, workflowID)
	}
	return &model.WorkflowProgress{}, nil
}

func (m *mockItemStore) updates() []store.UpdateStatusParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.UpdateStatusParams, len(m.statusUpdates))
	copy(out, m.statusUpdates)
	return out
}

func (m *mockItemStore) claims() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claimCalls
}

// applyParams builds the item UpdateStatus would return.
func applyParams(params store.UpdateStatusParams) *model.WorkItem {
	item := &model.WorkItem{
		ID:      params.ID,
		Status:  params.ToStatus,
		Version: params.Version + 1,
	}
	if params.BumpAttempt {
		item.Attempts = 1
	}
	if params.NextRunAt != nil {
		item.NextRunAt = *params.NextRunAt
	}
	if params.LastError != nil {
		item.LastError = params.LastError
	}
	if params.FallbackUsed != nil {
		item.FallbackUsed = *params.FallbackUsed
	}
	return item
}

type mockWorkflowStore struct {
	mu sync.Mutex

	getByIDFn func(ctx context.Context, id int64) (*model.Workflow, error)

	statusWrites []model.WorkflowStatus
}

func (m *mockWorkflowStore) Create(context.Context, *model.Workflow) error { return nil }

func (m *mockWorkflowStore) GetByID(ctx context.Context, id int64) (*model.Workflow, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, id)
	}
	return &model.Workflow{ID: id, Status: model.WorkflowStatusActive}, nil
}

func (m *mockWorkflowStore) SetStatus(_ context.Context, _ int64, status model.WorkflowStatus) error {
	m.mu.Lock()
	m.statusWrites = append(m.statusWrites, status)
	m.mu.Unlock()
	return nil
}

func (m *mockWorkflowStore) ListByUser(context.Context, int64) ([]model.Workflow, error) {
	return nil, nil
}

func (m *mockWorkflowStore) ListWithReadyItems(context.Context) ([]int64, error) {
	return nil, nil
}

func (m *mockWorkflowStore) statuses() []model.WorkflowStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.WorkflowStatus, len(m.statusWrites))
	copy(out, m.statusWrites)
	return out
}

type recordingBucketSink struct {
	mu    sync.Mutex
	snaps []ratelimit.Status
}

func (r *recordingBucketSink) Record(_ context.Context, _, _ string, st ratelimit.Status) {
	r.mu.Lock()
	r.snaps = append(r.snaps, st)
	r.mu.Unlock()
}

func (r *recordingBucketSink) all() []ratelimit.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ratelimit.Status, len(r.snaps))
	copy(out, r.snaps)
	return out
}

type mockSubmitter struct {
	mu       sync.Mutex
	submitFn func(ctx context.Context, item *model.WorkItem) (model.SubmissionResult, error)
	calls    int
}

func (m *mockSubmitter) Submit(ctx context.Context, item *model.WorkItem) (model.SubmissionResult, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.submitFn != nil {
		return m.submitFn(ctx, item)
	}
	return model.SubmissionResult{ResumeID: "r-1", NegotiationID: "n-1", IdempotencyKey: "abc123"}, nil
}

func (m *mockSubmitter) submitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingPublisher) Publish(_ context.Context, event notify.Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recordingPublisher) all() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Event, len(r.events))
	copy(out, r.events)
	return out
}
