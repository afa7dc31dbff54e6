package service_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"jobpilot.app/courier/common/id"
	"jobpilot.app/courier/internal/model"
	"jobpilot.app/courier/internal/queue"
	"jobpilot.app/courier/internal/ratelimit"
	"jobpilot.app/courier/internal/service"
)

var _ = Describe("SubmissionService", func() {
	var (
		ctx      context.Context
		items    *mockWorkItemStore
		wfs      *mockWorkflowStore
		stores   *mockStores
		txRunner *mockTxRunner
		producer *mockProducer
		limits   *mockLimitSource
		svc      service.SubmissionService
	)

	BeforeEach(func() {
		ctx = context.Background()
		items = &mockWorkItemStore{}
		wfs = &mockWorkflowStore{}
		stores = &mockStores{items: items, workflows: wfs}
		txRunner = &mockTxRunner{stores: stores}
		producer = &mockProducer{}
		limits = &mockLimitSource{}

		Expect(id.Init(1)).To(Succeed())

		svc = service.NewSubmissionService(stores, txRunner, producer, limits, 5, nil)
	})

	Describe("EnqueueBatch", func() {
		var params service.EnqueueBatchParams

		BeforeEach(func() {
			params = service.EnqueueBatchParams{
				UserID: 42,
				Name:   "march batch",
				Items: []service.EnqueueItemParams{
					{VacancyID: "vac-1", CoverLetter: "hello"},
					{VacancyID: "vac-2", Priority: 3},
				},
			}
		})

		It("persists the workflow and items with generated snowflake IDs", func() {
			var captured []*model.WorkItem
			items.createBatchFn = func(_ context.Context, batch []*model.WorkItem) (int, error) {
				captured = batch
				return len(batch), nil
			}

			result, err := svc.EnqueueBatch(ctx, params)

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Enqueued).To(Equal(2))
			Expect(result.Workflow.ID).NotTo(BeZero())
			Expect(result.Workflow.Status).To(Equal(model.WorkflowStatusActive))

			Expect(captured).To(HaveLen(2))
			for _, item := range captured {
				Expect(item.ID).NotTo(BeZero())
				Expect(item.WorkflowID).To(Equal(result.Workflow.ID))
				Expect(item.UserID).To(Equal(int64(42)))
				Expect(item.Status).To(Equal(model.ItemStatusPending))
				Expect(item.MaxAttempts).To(Equal(5))
			}
			Expect(captured[1].Priority).To(Equal(3))
		})

		It("kicks the dispatcher once after the transaction commits", func() {
			result, err := svc.EnqueueBatch(ctx, params)

			Expect(err).NotTo(HaveOccurred())
			Expect(producer.kicks).To(HaveLen(1))
			Expect(producer.kicks[0].WorkflowID).To(Equal(result.Workflow.ID))
		})

		It("still succeeds when the kick fails", func() {
			producer.kickFn = func(context.Context, queue.KickMessage) error {
				return errors.New("redis down")
			}

			result, err := svc.EnqueueBatch(ctx, params)

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Enqueued).To(Equal(2))
		})

		It("rejects an empty batch", func() {
			params.Items = nil

			_, err := svc.EnqueueBatch(ctx, params)

			Expect(err).To(HaveOccurred())
			Expect(txRunner.calls).To(BeZero())
		})

		It("rejects a missing user", func() {
			params.UserID = 0

			_, err := svc.EnqueueBatch(ctx, params)

			Expect(err).To(HaveOccurred())
		})

		It("rejects duplicate vacancies within one batch", func() {
			params.Items = append(params.Items, service.EnqueueItemParams{VacancyID: "vac-1"})

			_, err := svc.EnqueueBatch(ctx, params)

			Expect(err).To(MatchError(ContainSubstring("duplicate vacancy_id")))
		})

		It("propagates transaction failures without kicking", func() {
			txRunner.failWith = errors.New("connection refused")

			_, err := svc.EnqueueBatch(ctx, params)

			Expect(err).To(HaveOccurred())
			Expect(producer.kicks).To(BeEmpty())
		})
	})

	Describe("Progress", func() {
		It("pairs the workflow with its item counts", func() {
			wfs.getByIDFn = func(_ context.Context, wfID int64) (*model.Workflow, error) {
				return &model.Workflow{ID: wfID, UserID: 42, Status: model.WorkflowStatusActive}, nil
			}
			items.progressFn = func(context.Context, int64) (*model.WorkflowProgress, error) {
				return &model.WorkflowProgress{Total: 4, Submitted: 2, Pending: 1, Failed: 1}, nil
			}

			result, err := svc.Progress(ctx, 7)

			Expect(err).NotTo(HaveOccurred())
			Expect(result.Workflow.ID).To(Equal(int64(7)))
			Expect(result.Progress.Total).To(Equal(4))
			Expect(result.Progress.Done()).To(BeFalse())
		})

		It("returns ErrWorkflowNotFound for unknown workflows", func() {
			_, err := svc.Progress(ctx, 999)

			Expect(err).To(MatchError(service.ErrWorkflowNotFound))
		})
	})

	Describe("Pause and Resume", func() {
		BeforeEach(func() {
			wfs.getByIDFn = func(_ context.Context, wfID int64) (*model.Workflow, error) {
				return &model.Workflow{ID: wfID, Status: model.WorkflowStatusActive}, nil
			}
		})

		It("pauses the workflow and holds its dispatchable items", func() {
			items.holdPendingFn = func(context.Context, int64) (int, error) { return 3, nil }

			held, err := svc.Pause(ctx, 7)

			Expect(err).NotTo(HaveOccurred())
			Expect(held).To(Equal(3))
			Expect(wfs.statusWrites).To(Equal([]model.WorkflowStatus{model.WorkflowStatusPaused}))
		})

		It("treats pausing a paused workflow as a no-op", func() {
			wfs.getByIDFn = func(_ context.Context, wfID int64) (*model.Workflow, error) {
				return &model.Workflow{ID: wfID, Status: model.WorkflowStatusPaused}, nil
			}

			held, err := svc.Pause(ctx, 7)

			Expect(err).NotTo(HaveOccurred())
			Expect(held).To(BeZero())
			Expect(wfs.statusWrites).To(BeEmpty())
		})

		It("resumes a paused workflow, releases items and kicks", func() {
			wfs.getByIDFn = func(_ context.Context, wfID int64) (*model.Workflow, error) {
				return &model.Workflow{ID: wfID, Status: model.WorkflowStatusPaused}, nil
			}
			items.resumeHeldFn = func(context.Context, int64, time.Time) (int, error) { return 2, nil }

			released, err := svc.Resume(ctx, 7)

			Expect(err).NotTo(HaveOccurred())
			Expect(released).To(Equal(2))
			Expect(wfs.statusWrites).To(Equal([]model.WorkflowStatus{model.WorkflowStatusActive}))
			Expect(producer.kicks).To(HaveLen(1))
		})

		It("refuses to resume an active workflow", func() {
			_, err := svc.Resume(ctx, 7)

			Expect(err).To(MatchError(service.ErrWorkflowNotPaused))
			Expect(producer.kicks).To(BeEmpty())
		})
	})

	Describe("ListWorkflows", func() {
		It("returns the user's workflows from the store", func() {
			wfs.listByUserFn = func(_ context.Context, userID int64) ([]model.Workflow, error) {
				Expect(userID).To(Equal(int64(42)))
				return []model.Workflow{{ID: 9, UserID: 42, Name: "summer batch"}}, nil
			}

			workflows, err := svc.ListWorkflows(ctx, 42)
			Expect(err).NotTo(HaveOccurred())
			Expect(workflows).To(HaveLen(1))
			Expect(workflows[0].Name).To(Equal("summer batch"))
		})

		It("rejects a zero user id", func() {
			_, err := svc.ListWorkflows(ctx, 0)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("RateLimitStatus", func() {
		It("reads the user's application bucket from the shared source", func() {
			limits.statusFn = func(context.Context, string, string) ratelimit.Status {
				return ratelimit.Status{Tokens: 3, Capacity: 20, NextRefillAt: time.Now().Add(time.Hour)}
			}

			status := svc.RateLimitStatus(ctx, 42)

			Expect(status.Capacity).To(Equal(20))
			Expect(status.Tokens).To(Equal(3))
			Expect(limits.statusReads).To(ConsistOf("42/application"))
		})
	})
})
