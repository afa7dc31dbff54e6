// Package platform wraps the job board's HTTP API behind a narrow client
// interface with a structured error taxonomy. The board is eventually
// consistent: a resume created by one call may not yet be resolvable by the
// negotiation endpoint, which is why the orchestrator layers polling and
// fallback on top of this client rather than inside it.
package platform

import (
	"context"
	"encoding/json"
)

// ResumeSpec is the payload for creating or completing a resume on the board.
type ResumeSpec struct {
	Title    string          `json:"title"`
	Document json.RawMessage `json:"document,omitempty"`
}

// Resume is the board's view of an uploaded resume.
type Resume struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Published bool   `json:"published"`
	// Complete reports whether the board considers all required sub-fields
	// present. Incomplete resumes can still be submitted after a best-effort
	// update.
	Complete bool `json:"complete"`
}

// Negotiation is the board's record of one submitted application.
type Negotiation struct {
	ID        string `json:"id"`
	VacancyID string `json:"vacancy_id"`
	ResumeID  string `json:"resume_id"`
	State     string `json:"state"`
}

// Encoding selects which of the board's two historically accepted request
// encodings to use for negotiation creation.
type Encoding string

const (
	EncodingJSON Encoding = "json"
	EncodingForm Encoding = "form"
)

// Client is the submission surface of the board's API. Every method carries
// a hard timeout; errors are *Error values carrying a Category.
type Client interface {
	// EnsureResume creates a resume from spec, or updates an existing one
	// when spec carries a known ID. Implementations do not retry; the
	// orchestrator owns retry policy.
	EnsureResume(ctx context.Context, userID int64, spec ResumeSpec) (*Resume, error)

	// FindResumeByTitle looks up the caller's resume with an exact title.
	FindResumeByTitle(ctx context.Context, userID int64, title string) (*Resume, error)

	// UpdateResume applies spec onto an existing resume.
	UpdateResume(ctx context.Context, userID int64, resumeID string, spec ResumeSpec) (*Resume, error)

	// Publish makes a resume visible to employers.
	Publish(ctx context.Context, userID int64, resumeID string) error

	// GetResume fetches a resume by ID.
	GetResume(ctx context.Context, userID int64, resumeID string) (*Resume, error)

	// CreateNegotiation submits resumeID against vacancyID. The idempotency
	// key collapses retried calls into one application on the board's side.
	CreateNegotiation(ctx context.Context, userID int64, resumeID, vacancyID, idempotencyKey string, enc Encoding) (*Negotiation, error)

	// AttachMessage adds a cover letter to an existing negotiation.
	AttachMessage(ctx context.Context, userID int64, negotiationID, text string) error
}

// TokenProvider supplies a valid access token for a user. Refresh mechanics
// live upstream; the pipeline only assumes the returned token works now.
type TokenProvider interface {
	AccessToken(ctx context.Context, userID int64) (string, error)
}
