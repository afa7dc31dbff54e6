// Package notify fans out work item status transitions to anyone watching:
// dashboard websockets, the per-workflow Redis status stream, logs. Every
// publisher is fire-and-forget; the pipeline never blocks or fails on a
// notification.
package notify

import (
	"context"
	"time"
)

// Event is one status transition of a work item.
type Event struct {
	WorkflowID   int64      `json:"workflow_id"`
	ItemID       int64      `json:"item_id"`
	UserID       int64      `json:"user_id"`
	VacancyID    string     `json:"vacancy_id"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	Error        string     `json:"error,omitempty"`
	FallbackUsed bool       `json:"fallback_used,omitempty"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	At           time.Time  `json:"at"`
}

// Publisher delivers events somewhere. Implementations swallow their own
// errors (logging them) - a broken notifier must not fail a submission.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Multi fans one event out to several publishers.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) {
	for _, p := range m {
		p.Publish(ctx, event)
	}
}

// Noop discards events. Used in tests and when no sink is configured.
type Noop struct{}

func (Noop) Publish(context.Context, Event) {}
