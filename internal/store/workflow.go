package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"jobpilot.app/courier/core/db"
	"jobpilot.app/courier/internal/model"
)

type workflowStore struct {
	q db.Querier
}

func newWorkflowStore(q db.Querier) WorkflowStore {
	return &workflowStore{q: q}
}

func (s *workflowStore) Create(ctx context.Context, wf *model.Workflow) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO workflows (id, user_id, name, status)
		VALUES ($1, $2, $3, $4)`,
		wf.ID, wf.UserID, wf.Name, wf.Status)
	return err
}

func (s *workflowStore) GetByID(ctx context.Context, id int64) (*model.Workflow, error) {
	row := s.q.QueryRow(ctx, `
		SELECT id, user_id, name, status, created_at, updated_at
		FROM workflows WHERE id = $1`, id)
	wf, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return wf, nil
}

func (s *workflowStore) SetStatus(ctx context.Context, id int64, status model.WorkflowStatus) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE workflows SET status = $1, updated_at = now() WHERE id = $2`,
		status, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *workflowStore) ListByUser(ctx context.Context, userID int64) ([]model.Workflow, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, user_id, name, status, created_at, updated_at
		FROM workflows
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []model.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, *wf)
	}
	return workflows, rows.Err()
}

func (s *workflowStore) ListWithReadyItems(ctx context.Context) ([]int64, error) {
	rows, err := s.q.Query(ctx, `
		SELECT DISTINCT w.id
		FROM workflows w
		JOIN work_items i ON i.workflow_id = w.id
		WHERE w.status = $1
		  AND i.status = ANY($2)`,
		model.WorkflowStatusActive, statusStrings(model.DispatchableStatuses()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanWorkflow(row pgx.Row) (*model.Workflow, error) {
	var wf model.Workflow
	var status string
	if err := row.Scan(&wf.ID, &wf.UserID, &wf.Name, &status, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Status = model.WorkflowStatus(status)
	return &wf, nil
}
