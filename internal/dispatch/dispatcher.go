// Package dispatch drives work items through the submission pipeline: one
// lane per workflow, a bounded lane pool, and the shared per-user token
// bucket as the only cross-lane synchronization point. A lane pulls the
// next eligible item, asks the limiter for a token, and either runs the
// cascade or parks the item until the refill boundary.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"jobpilot.app/courier/common/logger"
	"jobpilot.app/courier/internal/model"
	"jobpilot.app/courier/internal/notify"
	"jobpilot.app/courier/internal/ratelimit"
	"jobpilot.app/courier/internal/store"
	"jobpilot.app/courier/internal/submit"
)

// ActionApplication is the limiter action every submission draws from. All
// workflows of one user share the (user, action) bucket.
const ActionApplication = "application"

// Submitter runs the submission cascade for one claimed item.
type Submitter interface {
	Submit(ctx context.Context, item *model.WorkItem) (model.SubmissionResult, error)
}

// BucketSink receives a limiter bucket snapshot after each draw so other
// processes can answer status queries without owning the bucket.
type BucketSink interface {
	Record(ctx context.Context, subject, action string, st ratelimit.Status)
}

type Config struct {
	MaxLanes int // upper bound on concurrently running workflow lanes
	Retry    submit.RetryConfig
	Buckets  BucketSink // optional bucket state mirror
}

type Dispatcher struct {
	items     store.WorkItemStore
	workflows store.WorkflowStore
	limiter   *ratelimit.Limiter
	sub       Submitter
	notifier  notify.Publisher
	cfg       Config

	mu    sync.Mutex
	lanes map[int64]chan struct{} // workflow id -> wake signal for its lane
	slots chan struct{}           // bounds the lane pool
	wg    sync.WaitGroup

	now func() time.Time
}

func New(items store.WorkItemStore, workflows store.WorkflowStore, limiter *ratelimit.Limiter, sub Submitter, notifier notify.Publisher, cfg Config) *Dispatcher {
	if cfg.MaxLanes <= 0 {
		cfg.MaxLanes = 32
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Dispatcher{
		items:     items,
		workflows: workflows,
		limiter:   limiter,
		sub:       sub,
		notifier:  notifier,
		cfg:       cfg,
		lanes:     make(map[int64]chan struct{}),
		slots:     make(chan struct{}, cfg.MaxLanes),
		now:       time.Now,
	}
}

// Kick ensures a lane is running for the workflow. When one already runs it
// just gets a wake signal, so kicks are cheap and idempotent. Blocks only
// while the lane pool is saturated.
func (d *Dispatcher) Kick(ctx context.Context, workflowID int64) error {
	d.mu.Lock()
	if wake, running := d.lanes[workflowID]; running {
		// Signalled under the lock: the lane drains the buffer only after
		// deregistering, so a wake sent here is never orphaned.
		select {
		case wake <- struct{}{}:
		default: // a wake is already pending
		}
		d.mu.Unlock()
		return nil
	}

	wake := make(chan struct{}, 1)
	d.lanes[workflowID] = wake
	d.mu.Unlock()

	select {
	case d.slots <- struct{}{}:
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.lanes, workflowID)
		d.mu.Unlock()
		return ctx.Err()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		d.runLane(ctx, workflowID, wake)

		<-d.slots
		d.mu.Lock()
		delete(d.lanes, workflowID)
		d.mu.Unlock()

		// A kick that landed while the lane was deciding to exit sits in
		// the wake buffer. Convert it into a fresh lane; otherwise the
		// enqueue it acknowledged would wait for a process restart.
		select {
		case <-wake:
			if ctx.Err() == nil {
				if err := d.Kick(ctx, workflowID); err != nil {
					slog.ErrorContext(ctx, "failed to restart lane after late kick",
						"workflow_id", workflowID, "error", err)
				}
			}
		default:
		}
	}()

	return nil
}

// Wait blocks until every lane has exited. Call after cancelling the context
// passed to Kick.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// LaneCount reports the number of live lanes.
func (d *Dispatcher) LaneCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lanes)
}

// runLane is the per-workflow loop. It exits when the workflow has neither
// eligible nor future-scheduled items; a later kick restarts it.
func (d *Dispatcher) runLane(ctx context.Context, workflowID int64, wake chan struct{}) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component:  "courier.dispatch",
		WorkflowID: &workflowID,
	})

	slog.DebugContext(ctx, "lane started")

	for {
		if ctx.Err() != nil {
			return
		}

		item, err := d.items.NextReady(ctx, workflowID, d.now())
		if errors.Is(err, store.ErrNotFound) {
			wakeAt, werr := d.items.NextWakeAt(ctx, workflowID, d.now())
			if werr != nil {
				if !errors.Is(werr, store.ErrNotFound) {
					slog.ErrorContext(ctx, "failed to read next wake time", "error", werr)
				} else {
					d.maybeComplete(ctx, workflowID)
				}
				slog.DebugContext(ctx, "lane idle, exiting")
				return
			}
			if !d.parkUntil(ctx, wake, wakeAt) {
				return
			}
			continue
		}
		if err != nil {
			slog.ErrorContext(ctx, "failed to fetch next item", "error", err)
			if !d.parkUntil(ctx, wake, d.now().Add(5*time.Second)) {
				return
			}
			continue
		}

		d.dispatchOne(ctx, item, wake)
		// Rate limiting is the only deliberate delay: go straight for the
		// next eligible item.
	}
}

// maybeComplete flips the workflow to completed once every item reached a
// terminal status. Held, parked and retrying items keep the workflow open,
// and a paused workflow never completes underneath its operator.
func (d *Dispatcher) maybeComplete(ctx context.Context, workflowID int64) {
	progress, err := d.items.Progress(ctx, workflowID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to read workflow progress", "error", err)
		return
	}
	if !progress.Done() {
		return
	}

	workflow, err := d.workflows.GetByID(ctx, workflowID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.ErrorContext(ctx, "failed to load workflow for completion", "error", err)
		}
		return
	}
	if workflow.Status != model.WorkflowStatusActive {
		return
	}

	if err := d.workflows.SetStatus(ctx, workflowID, model.WorkflowStatusCompleted); err != nil {
		slog.ErrorContext(ctx, "failed to mark workflow completed", "error", err)
		return
	}

	slog.InfoContext(ctx, "workflow completed",
		"submitted", progress.Submitted, "failed", progress.Failed, "total", progress.Total)
}

// dispatchOne pushes a single eligible item through limiter, claim and
// cascade. Losing the claim race is a silent no-op.
func (d *Dispatcher) dispatchOne(ctx context.Context, item *model.WorkItem, wake chan struct{}) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ItemID:    &item.ID,
		UserID:    &item.UserID,
		VacancyID: &item.VacancyID,
	})

	subject := strconv.FormatInt(item.UserID, 10)
	decision := d.limiter.TryAcquire(subject, ActionApplication, 1)
	if d.cfg.Buckets != nil {
		d.cfg.Buckets.Record(ctx, subject, ActionApplication, d.limiter.Status(subject, ActionApplication))
	}
	if !decision.Granted {
		d.parkRateLimited(ctx, item, decision.RetryAt)
		d.waitUntil(ctx, wake, decision.RetryAt)
		return
	}

	claimed, err := d.items.Claim(ctx, item.ID, item.Status, item.Version)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			slog.DebugContext(ctx, "lost claim race, skipping item")
			return
		}
		slog.ErrorContext(ctx, "claim failed", "error", err)
		return
	}

	start := d.now()
	result, subErr := d.sub.Submit(ctx, claimed)
	outcome := submit.Classify(claimed, subErr, d.cfg.Retry, d.now())

	params := store.UpdateStatusParams{
		ID:          claimed.ID,
		FromStatus:  claimed.Status,
		Version:     claimed.Version,
		ToStatus:    outcome.Status,
		BumpAttempt: true,
	}
	if !outcome.NextRunAt.IsZero() {
		params.NextRunAt = &outcome.NextRunAt
	}
	if outcome.LastError != "" {
		truncated := logger.Truncate(outcome.LastError, 2048)
		params.LastError = &truncated
	}
	if result.ResumeID != "" {
		params.PublishedResumeID = &result.ResumeID
	}
	if result.FallbackUsed {
		used := true
		params.FallbackUsed = &used
	}
	if outcome.Status == model.ItemStatusSubmitted {
		params.NegotiationID = &result.NegotiationID
		submittedAt := d.now()
		params.SubmittedAt = &submittedAt
	}

	updated, err := d.items.UpdateStatus(ctx, params)
	if err != nil {
		// The claim made this item ours; a conflict here means operator
		// intervention, not a dispatcher race.
		slog.ErrorContext(ctx, "failed to record submission outcome",
			"error", err, "to_status", outcome.Status)
		return
	}

	d.notifier.Publish(ctx, itemEvent(updated, d.now()))

	slog.InfoContext(ctx, "item dispatched",
		"status", updated.Status,
		"attempts", updated.Attempts,
		"fallback_used", updated.FallbackUsed,
		"duration_ms", d.now().Sub(start).Milliseconds())
}

// parkRateLimited records a local limiter denial on the item so progress
// reporting and the wake query both see the retry time.
func (d *Dispatcher) parkRateLimited(ctx context.Context, item *model.WorkItem, retryAt time.Time) {
	msg := fmt.Sprintf("local rate limit, retry at %s", retryAt.UTC().Format(time.RFC3339))

	updated, err := d.items.UpdateStatus(ctx, store.UpdateStatusParams{
		ID:         item.ID,
		FromStatus: item.Status,
		Version:    item.Version,
		ToStatus:   model.ItemStatusRateLimited,
		NextRunAt:  &retryAt,
		LastError:  &msg,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			slog.DebugContext(ctx, "item changed while parking, skipping")
			return
		}
		slog.ErrorContext(ctx, "failed to park rate limited item", "error", err)
		return
	}

	d.notifier.Publish(ctx, itemEvent(updated, d.now()))

	slog.InfoContext(ctx, "item parked until refill", "retry_at", retryAt)
}

// parkUntil sleeps until at (or a wake/cancel) and reports whether the lane
// should keep running.
func (d *Dispatcher) parkUntil(ctx context.Context, wake chan struct{}, at time.Time) bool {
	d.waitUntil(ctx, wake, at)
	return ctx.Err() == nil
}

// waitUntil blocks until the deadline, an external kick, or cancellation.
// A timer wake, not a poll: the lane is silent until something changes.
func (d *Dispatcher) waitUntil(ctx context.Context, wake chan struct{}, at time.Time) {
	delay := at.Sub(d.now())
	if delay <= 0 {
		return
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-wake:
	case <-timer.C:
	}
}

func itemEvent(item *model.WorkItem, at time.Time) notify.Event {
	ev := notify.Event{
		WorkflowID:   item.WorkflowID,
		ItemID:       item.ID,
		UserID:       item.UserID,
		VacancyID:    item.VacancyID,
		Status:       string(item.Status),
		Attempts:     item.Attempts,
		FallbackUsed: item.FallbackUsed,
		At:           at,
	}
	if item.LastError != nil {
		ev.Error = *item.LastError
	}
	if !item.NextRunAt.IsZero() {
		next := item.NextRunAt
		ev.NextRunAt = &next
	}
	return ev
}
