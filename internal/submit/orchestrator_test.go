package submit_test

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"jobpilot.app/courier/internal/model"
	"jobpilot.app/courier/internal/platform"
	"jobpilot.app/courier/internal/submit"
)

var _ = Describe("Orchestrator", func() {
	var (
		ctx    context.Context
		client *mockClient
		orch   *submit.Orchestrator
		item   *model.WorkItem
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = &mockClient{}
		// Zero delays so retries and probes run without sleeping.
		orch = submit.New(client, submit.Config{
			ReadyProbes:      3,
			ReadyProbeDelay:  0,
			NegotiationTries: 3,
			NegotiationDelay: 0,
		})

		payload, _ := json.Marshal(map[string]any{
			"resume_title":    "Backend Engineer",
			"resume_document": map[string]string{"summary": "ten years of Go"},
		})
		item = &model.WorkItem{
			ID:          101,
			WorkflowID:  7,
			UserID:      42,
			VacancyID:   "vac-900",
			CoverLetter: "Hello, I would like to apply.",
			Payload:     payload,
			MaxAttempts: 5,
		}
	})

	Describe("happy path", func() {
		It("creates the resume, the negotiation and attaches the letter", func() {
			res, err := orch.Submit(ctx, item)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.ResumeID).To(Equal("r-1"))
			Expect(res.NegotiationID).To(Equal("n-1"))
			Expect(res.FallbackUsed).To(BeFalse())
			Expect(res.IdempotencyKey).To(HaveLen(16))
			Expect(client.negotiationCalls).To(Equal(1))
			Expect(client.attachCalls).To(Equal(1))
		})

		It("reuses an already-referenced complete resume without creating", func() {
			existing := "r-existing"
			item.ResumeID = &existing

			res, err := orch.Submit(ctx, item)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.ResumeID).To(Equal("r-existing"))
			Expect(client.ensureCalls).To(BeZero())
		})

		It("skips the cover letter when the item has none", func() {
			item.CoverLetter = ""

			_, err := orch.Submit(ctx, item)

			Expect(err).NotTo(HaveOccurred())
			Expect(client.attachCalls).To(BeZero())
		})
	})

	Describe("duplicate title recovery", func() {
		It("reuses the existing resume found by title", func() {
			client.ensureResumeFn = func(context.Context, int64, platform.ResumeSpec) (*platform.Resume, error) {
				return nil, &platform.Error{Category: platform.CategoryDuplicate, Description: "title taken"}
			}
			client.findResumeByTitleFn = func(_ context.Context, _ int64, title string) (*platform.Resume, error) {
				return &platform.Resume{ID: "r-found", Title: title, Complete: true}, nil
			}

			res, err := orch.Submit(ctx, item)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.ResumeID).To(Equal("r-found"))
		})

		It("falls back to lookup when creation returns no id", func() {
			client.ensureResumeFn = func(_ context.Context, _ int64, spec platform.ResumeSpec) (*platform.Resume, error) {
				return &platform.Resume{Title: spec.Title}, nil
			}
			client.findResumeByTitleFn = func(_ context.Context, _ int64, title string) (*platform.Resume, error) {
				return &platform.Resume{ID: "r-by-title", Title: title, Complete: true}, nil
			}

			res, err := orch.Submit(ctx, item)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.ResumeID).To(Equal("r-by-title"))
		})
	})

	Describe("eventual consistency fallback", func() {
		It("does not fall back when the negotiation succeeds within the retry bound", func() {
			calls := 0
			client.createNegotiationFn = func(_ context.Context, _ int64, resumeID, vacancyID, _ string, _ platform.Encoding) (*platform.Negotiation, error) {
				calls++
				if calls < 3 {
					return nil, resumeNotFoundErr()
				}
				return &platform.Negotiation{ID: "n-late", VacancyID: vacancyID, ResumeID: resumeID}, nil
			}

			res, err := orch.Submit(ctx, item)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.NegotiationID).To(Equal("n-late"))
			Expect(res.FallbackUsed).To(BeFalse())
			Expect(client.ensureCalls).To(Equal(1))
		})

		It("creates one fresh resume under a uniquified title when retries are exhausted", func() {
			var titles []string
			client.ensureResumeFn = func(_ context.Context, _ int64, spec platform.ResumeSpec) (*platform.Resume, error) {
				titles = append(titles, spec.Title)
				return &platform.Resume{ID: "r-" + spec.Title, Title: spec.Title, Complete: true}, nil
			}
			client.createNegotiationFn = func(_ context.Context, _ int64, resumeID, vacancyID, _ string, _ platform.Encoding) (*platform.Negotiation, error) {
				if resumeID == "r-Backend Engineer" {
					return nil, resumeNotFoundErr()
				}
				return &platform.Negotiation{ID: "n-fb", VacancyID: vacancyID, ResumeID: resumeID}, nil
			}

			res, err := orch.Submit(ctx, item)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.FallbackUsed).To(BeTrue())
			Expect(res.NegotiationID).To(Equal("n-fb"))
			Expect(titles).To(HaveLen(2))
			Expect(titles[1]).To(HavePrefix("Backend Engineer-"))
			Expect(titles[1]).NotTo(Equal(titles[0]))
		})

		It("fails when even the fallback resume is never visible", func() {
			client.createNegotiationFn = func(context.Context, int64, string, string, string, platform.Encoding) (*platform.Negotiation, error) {
				return nil, resumeNotFoundErr()
			}

			_, err := orch.Submit(ctx, item)

			Expect(err).To(HaveOccurred())
			Expect(platform.IsResumeNotFound(err)).To(BeTrue())
			// Three tries against the original plus three against the fallback.
			Expect(client.negotiationCalls).To(Equal(6))
		})
	})

	Describe("encoding retry", func() {
		It("retries once with form encoding when required fields are rejected", func() {
			var encodings []platform.Encoding
			client.createNegotiationFn = func(_ context.Context, _ int64, resumeID, vacancyID, _ string, enc platform.Encoding) (*platform.Negotiation, error) {
				encodings = append(encodings, enc)
				if enc == platform.EncodingJSON {
					return nil, &platform.Error{
						Category: platform.CategoryValidation,
						Fields:   map[string]string{"resume_id": "required"},
					}
				}
				return &platform.Negotiation{ID: "n-form", VacancyID: vacancyID, ResumeID: resumeID}, nil
			}

			res, err := orch.Submit(ctx, item)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.NegotiationID).To(Equal("n-form"))
			Expect(encodings).To(Equal([]platform.Encoding{platform.EncodingJSON, platform.EncodingForm}))
		})

		It("fails fast on validation rejections with exactly one attempt", func() {
			client.createNegotiationFn = func(context.Context, int64, string, string, string, platform.Encoding) (*platform.Negotiation, error) {
				return nil, &platform.Error{Category: platform.CategoryValidation, Description: "vacancy archived"}
			}

			_, err := orch.Submit(ctx, item)

			Expect(err).To(HaveOccurred())
			Expect(platform.CategoryOf(err)).To(Equal(platform.CategoryValidation))
			Expect(client.negotiationCalls).To(Equal(1))
		})
	})

	Describe("best-effort steps", func() {
		It("succeeds even when publish is rejected as not applicable", func() {
			client.publishFn = func(context.Context, int64, string) error {
				return &platform.Error{
					Category: platform.CategoryValidation,
					Fields:   map[string]string{"publish": "cannot_publish"},
				}
			}

			_, err := orch.Submit(ctx, item)

			Expect(err).NotTo(HaveOccurred())
		})

		It("succeeds even when the cover letter attach fails", func() {
			client.attachMessageFn = func(context.Context, int64, string, string) error {
				return &platform.Error{Category: platform.CategoryTransient, Description: "timeout"}
			}

			res, err := orch.Submit(ctx, item)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.NegotiationID).To(Equal("n-1"))
		})

		It("patches an incomplete existing resume without failing on patch errors", func() {
			existing := "r-partial"
			item.ResumeID = &existing
			client.getResumeFn = func(_ context.Context, _ int64, resumeID string) (*platform.Resume, error) {
				return &platform.Resume{ID: resumeID, Complete: false}, nil
			}
			updateCalls := 0
			client.updateResumeFn = func(context.Context, int64, string, platform.ResumeSpec) (*platform.Resume, error) {
				updateCalls++
				return nil, &platform.Error{Category: platform.CategoryTransient}
			}

			res, err := orch.Submit(ctx, item)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.ResumeID).To(Equal("r-partial"))
			Expect(updateCalls).To(Equal(1))
		})
	})

	Describe("payload handling", func() {
		It("rejects a malformed payload as non-retryable", func() {
			item.Payload = json.RawMessage(`{"resume_title": `)

			_, err := orch.Submit(ctx, item)

			Expect(err).To(HaveOccurred())
			Expect(platform.CategoryOf(err)).To(Equal(platform.CategoryValidation))
			Expect(client.negotiationCalls).To(BeZero())
		})
	})
})

var _ = Describe("Classify", func() {
	var (
		item *model.WorkItem
		cfg  submit.RetryConfig
		now  time.Time
	)

	BeforeEach(func() {
		item = &model.WorkItem{Attempts: 0, MaxAttempts: 5}
		cfg = submit.RetryConfig{RetryBaseDelay: 30 * time.Second, RetryMaxDelay: 30 * time.Minute}
		now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	})

	It("marks success submitted", func() {
		d := submit.Classify(item, nil, cfg, now)
		Expect(d.Status).To(Equal(model.ItemStatusSubmitted))
	})

	It("honors the platform's Retry-After hint on rate limiting", func() {
		err := &platform.Error{Category: platform.CategoryRateLimited, RetryAfter: 90 * time.Second}
		d := submit.Classify(item, err, cfg, now)

		Expect(d.Status).To(Equal(model.ItemStatusRateLimited))
		Expect(d.NextRunAt).To(Equal(now.Add(90 * time.Second)))
	})

	It("backs off when the platform rate limits without a hint", func() {
		err := &platform.Error{Category: platform.CategoryRateLimited}
		d := submit.Classify(item, err, cfg, now)

		Expect(d.Status).To(Equal(model.ItemStatusRateLimited))
		Expect(d.NextRunAt).To(Equal(now.Add(30 * time.Second)))
	})

	It("schedules a retry with exponential backoff on transient errors", func() {
		item.Attempts = 2
		err := &platform.Error{Category: platform.CategoryTransient, Description: "502"}
		d := submit.Classify(item, err, cfg, now)

		Expect(d.Status).To(Equal(model.ItemStatusPending))
		// Third attempt: 30s doubled twice.
		Expect(d.NextRunAt).To(Equal(now.Add(2 * time.Minute)))
		Expect(d.LastError).To(ContainSubstring("502"))
	})

	It("caps the backoff at the configured maximum", func() {
		Expect(submit.Backoff(20, cfg)).To(Equal(30 * time.Minute))
	})

	It("fails immediately on validation errors", func() {
		err := &platform.Error{Category: platform.CategoryValidation, Description: "bad vacancy"}
		d := submit.Classify(item, err, cfg, now)

		Expect(d.Status).To(Equal(model.ItemStatusFailed))
		Expect(d.NextRunAt.IsZero()).To(BeTrue())
	})

	It("fails when the attempt being classified reaches max_attempts", func() {
		item.Attempts = 4
		err := &platform.Error{Category: platform.CategoryTransient}
		d := submit.Classify(item, err, cfg, now)

		Expect(d.Status).To(Equal(model.ItemStatusFailed))
	})

	It("retries on the attempt just below the limit", func() {
		item.Attempts = 3
		err := &platform.Error{Category: platform.CategoryTransient}
		d := submit.Classify(item, err, cfg, now)

		Expect(d.Status).To(Equal(model.ItemStatusPending))
		Expect(strings.TrimSpace(d.LastError)).NotTo(BeEmpty())
	})
})
