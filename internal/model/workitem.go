package model

import (
	"encoding/json"
	"time"
)

type ItemStatus string

const (
	ItemStatusPending     ItemStatus = "pending"
	ItemStatusCustomizing ItemStatus = "customizing"
	ItemStatusReady       ItemStatus = "ready"
	ItemStatusSubmitting  ItemStatus = "submitting"
	ItemStatusSubmitted   ItemStatus = "submitted"
	ItemStatusFailed      ItemStatus = "failed"
	ItemStatusRateLimited ItemStatus = "rate_limited"
	ItemStatusHeld        ItemStatus = "held"
)

// transitions is the closed set of legal status moves. Anything not listed
// here is rejected by CanTransition. The only self-transition is
// rate_limited -> rate_limited: re-parking an item with a fresh retry time
// when the bucket is still empty at wake-up.
var transitions = map[ItemStatus][]ItemStatus{
	ItemStatusPending:     {ItemStatusCustomizing, ItemStatusReady, ItemStatusSubmitting, ItemStatusRateLimited, ItemStatusHeld},
	ItemStatusCustomizing: {ItemStatusReady, ItemStatusFailed},
	ItemStatusReady:       {ItemStatusSubmitting, ItemStatusRateLimited, ItemStatusHeld},
	ItemStatusRateLimited: {ItemStatusSubmitting, ItemStatusPending, ItemStatusRateLimited, ItemStatusHeld},
	ItemStatusSubmitting:  {ItemStatusSubmitted, ItemStatusPending, ItemStatusRateLimited, ItemStatusFailed},
	ItemStatusHeld:        {ItemStatusPending},
}

// CanTransition reports whether moving a work item from one status to
// another is allowed by the lifecycle table.
func CanTransition(from, to ItemStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status admits no further transitions.
func (s ItemStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

// DispatchableStatuses are the statuses NextReady considers eligible,
// provided next_run_at has passed.
func DispatchableStatuses() []ItemStatus {
	return []ItemStatus{ItemStatusPending, ItemStatusReady, ItemStatusRateLimited}
}

// WorkItem is one queued application intent: a single (user, vacancy) pair
// with its customized CV snapshot and its own retry lifecycle.
type WorkItem struct {
	ID         int64 `json:"id"`
	WorkflowID int64 `json:"workflow_id"`
	UserID     int64 `json:"user_id"`

	VacancyID   string          `json:"vacancy_id"`
	ResumeID    *string         `json:"resume_id,omitempty"`
	CoverLetter string          `json:"cover_letter,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`

	Status      ItemStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	Priority    int        `json:"priority"`
	NextRunAt   time.Time  `json:"next_run_at"`
	LastError   *string    `json:"last_error,omitempty"`

	// Version is bumped on every status update; conditional updates compare
	// it so two dispatchers racing on the same item cannot both win.
	Version int64 `json:"version"`

	NegotiationID     *string    `json:"negotiation_id,omitempty"`
	PublishedResumeID *string    `json:"published_resume_id,omitempty"`
	FallbackUsed      bool       `json:"fallback_used"`
	SubmittedAt       *time.Time `json:"submitted_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SubmissionResult is the ephemeral outcome of one orchestrator run. It is
// folded back into the work item row, never persisted on its own.
type SubmissionResult struct {
	ResumeID       string
	NegotiationID  string
	IdempotencyKey string
	FallbackUsed   bool
}
