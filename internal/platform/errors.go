package platform

import (
	"errors"
	"fmt"
	"time"
)

// Category classifies a platform error so callers branch on structure
// instead of matching description text. The text-based fallbacks in the
// HTTP client exist only because a few board endpoints still omit the
// machine-readable fields.
type Category string

const (
	CategoryRateLimited Category = "rate_limited"
	CategoryNotFound    Category = "not_found"
	CategoryDuplicate   Category = "duplicate"
	CategoryValidation  Category = "validation"
	CategoryForbidden   Category = "forbidden"
	CategoryTransient   Category = "transient"
)

// Error is the structured error every client method returns for API-level
// failures. Transport failures (timeouts, connection resets) are wrapped as
// CategoryTransient.
type Error struct {
	Category    Category
	Description string
	// Fields holds the board's structured error tuples (type/value pairs),
	// used to distinguish e.g. "resume not found" from "vacancy not found".
	Fields map[string]string
	// RetryAfter is the board's retry hint on rate-limited responses,
	// zero when absent.
	RetryAfter time.Duration

	cause error
}

func (e *Error) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("platform %s: %s", e.Category, e.Description)
	}
	return fmt.Sprintf("platform %s", e.Category)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Field returns the structured error value for a field type, or "".
func (e *Error) Field(key string) string {
	return e.Fields[key]
}

// CategoryOf extracts the category from err, or CategoryTransient when err
// is not a platform error (network failures, timeouts).
func CategoryOf(err error) Category {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Category
	}
	return CategoryTransient
}

// Retryable reports whether an error class may succeed on a later attempt.
func Retryable(err error) bool {
	switch CategoryOf(err) {
	case CategoryValidation, CategoryForbidden:
		return false
	default:
		return true
	}
}

// IsResumeNotFound reports the specific "referenced resume not resolvable"
// rejection from negotiation creation, matched on structured fields. This is
// the eventual-consistency signal the orchestrator polls and falls back on.
func IsResumeNotFound(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	if pe.Category != CategoryNotFound {
		return false
	}
	return pe.Field("resume_id") != "" || pe.Field("resume") != ""
}

// IsDuplicateTitle reports the "resume with this title already exists"
// rejection from resume creation.
func IsDuplicateTitle(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Category == CategoryDuplicate
}

// IsCannotPublish reports the "publication not applicable" rejection from
// the publish endpoint. Publication is optional on the board, so callers
// treat this class as a no-op success.
func IsCannotPublish(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Field("publish") != ""
}

// RetryAfterOf returns the platform's retry hint, or zero.
func RetryAfterOf(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}
