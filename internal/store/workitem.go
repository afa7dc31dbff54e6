package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"jobpilot.app/courier/core/db"
	"jobpilot.app/courier/internal/model"
)

type workItemStore struct {
	q db.Querier
}

func newWorkItemStore(q db.Querier) WorkItemStore {
	return &workItemStore{q: q}
}

const workItemColumns = `
	id, workflow_id, user_id, vacancy_id, resume_id, cover_letter, payload,
	status, attempts, max_attempts, priority, next_run_at, last_error, version,
	negotiation_id, published_resume_id, fallback_used, submitted_at,
	created_at, updated_at`

func (s *workItemStore) CreateBatch(ctx context.Context, items []*model.WorkItem) (int, error) {
	created := 0
	for _, item := range items {
		_, err := s.q.Exec(ctx, `
			INSERT INTO work_items (
				id, workflow_id, user_id, vacancy_id, resume_id, cover_letter,
				payload, status, attempts, max_attempts, priority, next_run_at, version
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11, 1)`,
			item.ID, item.WorkflowID, item.UserID, item.VacancyID, item.ResumeID,
			item.CoverLetter, item.Payload, item.Status, item.MaxAttempts,
			item.Priority, item.NextRunAt)
		if err != nil {
			return created, fmt.Errorf("inserting work item %d: %w", item.ID, err)
		}
		created++
	}
	return created, nil
}

func (s *workItemStore) GetByID(ctx context.Context, id int64) (*model.WorkItem, error) {
	row := s.q.QueryRow(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = $1`, id)
	item, err := scanWorkItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return item, nil
}

func (s *workItemStore) NextReady(ctx context.Context, workflowID int64, now time.Time) (*model.WorkItem, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+workItemColumns+`
		FROM work_items
		WHERE workflow_id = $1
		  AND status = ANY($2)
		  AND next_run_at <= $3
		ORDER BY priority DESC, next_run_at ASC
		LIMIT 1`,
		workflowID, statusStrings(model.DispatchableStatuses()), now)
	item, err := scanWorkItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return item, nil
}

func (s *workItemStore) NextWakeAt(ctx context.Context, workflowID int64, now time.Time) (time.Time, error) {
	var wakeAt *time.Time
	err := s.q.QueryRow(ctx, `
		SELECT MIN(next_run_at)
		FROM work_items
		WHERE workflow_id = $1
		  AND status = ANY($2)
		  AND next_run_at > $3`,
		workflowID, statusStrings(model.DispatchableStatuses()), now).Scan(&wakeAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, err
	}
	if wakeAt == nil {
		// MIN over zero rows comes back NULL, not ErrNoRows.
		return time.Time{}, ErrNotFound
	}
	return *wakeAt, nil
}

func (s *workItemStore) Claim(ctx context.Context, id int64, from model.ItemStatus, version int64) (*model.WorkItem, error) {
	if !model.CanTransition(from, model.ItemStatusSubmitting) {
		return nil, fmt.Errorf("cannot claim item in status %s", from)
	}

	row := s.q.QueryRow(ctx, `
		UPDATE work_items
		SET status = $1, version = version + 1, updated_at = now()
		WHERE id = $2 AND status = $3 AND version = $4
		RETURNING `+workItemColumns,
		model.ItemStatusSubmitting, id, from, version)
	item, err := scanWorkItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Another dispatcher got here first - the caller loses safely.
			return nil, ErrConflict
		}
		return nil, err
	}
	return item, nil
}

func (s *workItemStore) UpdateStatus(ctx context.Context, params UpdateStatusParams) (*model.WorkItem, error) {
	if !model.CanTransition(params.FromStatus, params.ToStatus) {
		return nil, fmt.Errorf("illegal transition %s -> %s", params.FromStatus, params.ToStatus)
	}

	attemptDelta := 0
	if params.BumpAttempt {
		attemptDelta = 1
	}

	row := s.q.QueryRow(ctx, `
		UPDATE work_items
		SET status = $1,
		    attempts = attempts + $2,
		    next_run_at = COALESCE($3, next_run_at),
		    last_error = COALESCE($4, last_error),
		    negotiation_id = COALESCE($5, negotiation_id),
		    published_resume_id = COALESCE($6, published_resume_id),
		    fallback_used = COALESCE($7, fallback_used),
		    submitted_at = COALESCE($8, submitted_at),
		    version = version + 1,
		    updated_at = now()
		WHERE id = $9 AND status = $10 AND version = $11
		RETURNING `+workItemColumns,
		params.ToStatus, attemptDelta, params.NextRunAt, params.LastError,
		params.NegotiationID, params.PublishedResumeID, params.FallbackUsed,
		params.SubmittedAt, params.ID, params.FromStatus, params.Version)
	item, err := scanWorkItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConflict
		}
		return nil, err
	}
	return item, nil
}

func (s *workItemStore) HoldPending(ctx context.Context, workflowID int64) (int, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE work_items
		SET status = $1, version = version + 1, updated_at = now()
		WHERE workflow_id = $2 AND status = ANY($3)`,
		model.ItemStatusHeld, workflowID, statusStrings(model.DispatchableStatuses()))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *workItemStore) ResumeHeld(ctx context.Context, workflowID int64, now time.Time) (int, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE work_items
		SET status = $1, next_run_at = $2, version = version + 1, updated_at = now()
		WHERE workflow_id = $3 AND status = $4`,
		model.ItemStatusPending, now, workflowID, model.ItemStatusHeld)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *workItemStore) Progress(ctx context.Context, workflowID int64) (*model.WorkflowProgress, error) {
	rows, err := s.q.Query(ctx, `
		SELECT status, COUNT(*)
		FROM work_items
		WHERE workflow_id = $1
		GROUP BY status`,
		workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	progress := &model.WorkflowProgress{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		progress.Total += count
		switch model.ItemStatus(status) {
		case model.ItemStatusPending, model.ItemStatusCustomizing:
			progress.Pending += count
		case model.ItemStatusReady:
			progress.Ready += count
		case model.ItemStatusSubmitting:
			progress.Submitting += count
		case model.ItemStatusSubmitted:
			progress.Submitted += count
		case model.ItemStatusFailed:
			progress.Failed += count
		case model.ItemStatusRateLimited:
			progress.RateLimited += count
		case model.ItemStatusHeld:
			progress.Held += count
		}
	}
	return progress, rows.Err()
}

func scanWorkItem(row pgx.Row) (*model.WorkItem, error) {
	var item model.WorkItem
	var status string
	err := row.Scan(
		&item.ID, &item.WorkflowID, &item.UserID, &item.VacancyID, &item.ResumeID,
		&item.CoverLetter, &item.Payload, &status, &item.Attempts, &item.MaxAttempts,
		&item.Priority, &item.NextRunAt, &item.LastError, &item.Version,
		&item.NegotiationID, &item.PublishedResumeID, &item.FallbackUsed,
		&item.SubmittedAt, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.Status = model.ItemStatus(status)
	return &item, nil
}

func statusStrings(statuses []model.ItemStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
