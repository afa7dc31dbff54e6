package submit_test

import (
	"context"

	"jobpilot.app/courier/internal/platform"
)

type mockClient struct {
	ensureResumeFn      func(ctx context.Context, userID int64, spec platform.ResumeSpec) (*platform.Resume, error)
	findResumeByTitleFn func(ctx context.Context, userID int64, title string) (*platform.Resume, error)
	updateResumeFn      func(ctx context.Context, userID int64, resumeID string, spec platform.ResumeSpec) (*platform.Resume, error)
	publishFn           func(ctx context.Context, userID int64, resumeID string) error
	getResumeFn         func(ctx context.Context, userID int64, resumeID string) (*platform.Resume, error)
	createNegotiationFn func(ctx context.Context, userID int64, resumeID, vacancyID, idempotencyKey string, enc platform.Encoding) (*platform.Negotiation, error)
	attachMessageFn     func(ctx context.Context, userID int64, negotiationID, text string) error

	ensureCalls      int
	publishCalls     int
	negotiationCalls int
	attachCalls      int
}

func (m *mockClient) EnsureResume(ctx context.Context, userID int64, spec platform.ResumeSpec) (*platform.Resume, error) {
	m.ensureCalls++
	if m.ensureResumeFn != nil {
		return m.ensureResumeFn(ctx, userID, spec)
	}
	return &platform.Resume{ID: "r-1", Title: spec.Title, Complete: true}, nil
}

func (m *mockClient) FindResumeByTitle(ctx context.Context, userID int64, title string) (*platform.Resume, error) {
	if m.findResumeByTitleFn != nil {
		return m.findResumeByTitleFn(ctx, userID, title)
	}
	return nil, &platform.Error{Category: platform.CategoryNotFound}
}

func (m *mockClient) UpdateResume(ctx context.Context, userID int64, resumeID string, spec platform.ResumeSpec) (*platform.Resume, error) {
	if m.updateResumeFn != nil {
		return m.updateResumeFn(ctx, userID, resumeID, spec)
	}
	return &platform.Resume{ID: resumeID, Title: spec.Title, Complete: true}, nil
}

func (m *mockClient) Publish(ctx context.Context, userID int64, resumeID string) error {
	m.publishCalls++
	if m.publishFn != nil {
		return m.publishFn(ctx, userID, resumeID)
	}
	return nil
}

func (m *mockClient) GetResume(ctx context.Context, userID int64, resumeID string) (*platform.Resume, error) {
	if m.getResumeFn != nil {
		return m.getResumeFn(ctx, userID, resumeID)
	}
	return &platform.Resume{ID: resumeID, Complete: true}, nil
}

func (m *mockClient) CreateNegotiation(ctx context.Context, userID int64, resumeID, vacancyID, idempotencyKey string, enc platform.Encoding) (*platform.Negotiation, error) {
	m.negotiationCalls++
	if m.createNegotiationFn != nil {
		return m.createNegotiationFn(ctx, userID, resumeID, vacancyID, idempotencyKey, enc)
	}
	return &platform.Negotiation{ID: "n-1", VacancyID: vacancyID, ResumeID: resumeID}, nil
}

func (m *mockClient) AttachMessage(ctx context.Context, userID int64, negotiationID, text string) error {
	m.attachCalls++
	if m.attachMessageFn != nil {
		return m.attachMessageFn(ctx, userID, negotiationID, text)
	}
	return nil
}

func resumeNotFoundErr() error {
	return &platform.Error{
		Category:    platform.CategoryNotFound,
		Description: "resume not found",
		Fields:      map[string]string{"resume_id": "not_found"},
	}
}
