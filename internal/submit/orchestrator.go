// Package submit runs the submission cascade for a single claimed work
// item: ensure the resume exists on the board, publish it, wait out the
// board's read-after-write lag, create the negotiation, attach the cover
// letter. The board is eventually consistent, so the cascade absorbs
// "resume not yet visible" with bounded polling and a single fresh-resume
// fallback instead of failing the item outright.
package submit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"jobpilot.app/courier/common/logger"
	"jobpilot.app/courier/internal/keys"
	"jobpilot.app/courier/internal/model"
	"jobpilot.app/courier/internal/platform"
)

type Config struct {
	ReadyProbes      int           // readiness polls after publish
	ReadyProbeDelay  time.Duration // delay between readiness polls
	NegotiationTries int           // negotiation attempts per resume when the board can't see it yet
	NegotiationDelay time.Duration // delay between those attempts
}

// itemPayload is the customized CV snapshot attached to a work item.
type itemPayload struct {
	ResumeTitle    string          `json:"resume_title"`
	ResumeDocument json.RawMessage `json:"resume_document"`
}

type Orchestrator struct {
	client platform.Client
	cfg    Config

	// Injectable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(client platform.Client, cfg Config) *Orchestrator {
	if cfg.ReadyProbes <= 0 {
		cfg.ReadyProbes = 3
	}
	if cfg.NegotiationTries <= 0 {
		cfg.NegotiationTries = 3
	}
	return &Orchestrator{
		client: client,
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Submit runs the full cascade for one claimed item. On success the returned
// result carries the resume and negotiation the board accepted. On failure
// the returned error is a *platform.Error (or wraps one) that the caller
// classifies into a retry decision; the partial result is still returned so
// the caller can persist whatever external state already exists.
func (o *Orchestrator) Submit(ctx context.Context, item *model.WorkItem) (model.SubmissionResult, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component:  "courier.submit",
		ItemID:     &item.ID,
		WorkflowID: &item.WorkflowID,
		UserID:     &item.UserID,
		VacancyID:  &item.VacancyID,
	})

	var res model.SubmissionResult

	var payload itemPayload
	if len(item.Payload) > 0 {
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			return res, &platform.Error{
				Category:    platform.CategoryValidation,
				Description: fmt.Sprintf("malformed item payload: %v", err),
			}
		}
	}
	if payload.ResumeTitle == "" {
		payload.ResumeTitle = fmt.Sprintf("application-%d", item.ID)
	}

	resumeID, err := o.ensureResume(ctx, item, payload, payload.ResumeTitle)
	if err != nil {
		return res, fmt.Errorf("ensuring resume: %w", err)
	}
	res.ResumeID = resumeID

	o.publishBestEffort(ctx, item.UserID, resumeID)
	o.awaitVisible(ctx, item.UserID, resumeID)

	res.IdempotencyKey = keys.Idempotency(
		strconv.FormatInt(item.UserID, 10), item.VacancyID, o.now(), keys.DefaultWindow)

	neg, err := o.createNegotiation(ctx, item, resumeID, res.IdempotencyKey)
	if err != nil && platform.IsResumeNotFound(err) {
		// The board still can't resolve the resume after polling. Last
		// resort: a fresh resume under a uniquified title, then one more
		// run of publish -> wait -> negotiate against it.
		slog.WarnContext(ctx, "resume unresolvable after polling, creating fallback resume",
			"resume_id", resumeID, "error", err)

		fallbackID, fbErr := o.createFallbackResume(ctx, item, payload)
		if fbErr != nil {
			slog.ErrorContext(ctx, "fallback resume creation failed", "error", fbErr)
			return res, fmt.Errorf("creating negotiation: %w", err)
		}

		res.FallbackUsed = true
		res.ResumeID = fallbackID
		o.publishBestEffort(ctx, item.UserID, fallbackID)
		o.awaitVisible(ctx, item.UserID, fallbackID)

		resumeID = fallbackID
		neg, err = o.createNegotiation(ctx, item, resumeID, res.IdempotencyKey)
	}
	if err != nil {
		return res, fmt.Errorf("creating negotiation: %w", err)
	}

	res.NegotiationID = neg.ID
	o.attachBestEffort(ctx, item, neg.ID)

	slog.InfoContext(ctx, "submission complete",
		"negotiation_id", neg.ID,
		"resume_id", resumeID,
		"fallback_used", res.FallbackUsed)

	return res, nil
}

// ensureResume resolves the resume the negotiation will reference. An
// existing reference is verified and, when incomplete, patched best-effort.
// Creation recovers from duplicate titles and from the board's occasional
// id-less create response via lookup-by-title.
func (o *Orchestrator) ensureResume(ctx context.Context, item *model.WorkItem, payload itemPayload, title string) (string, error) {
	spec := platform.ResumeSpec{Title: title, Document: payload.ResumeDocument}

	if item.ResumeID != nil && *item.ResumeID != "" {
		resume, err := o.client.GetResume(ctx, item.UserID, *item.ResumeID)
		if err == nil {
			if !resume.Complete {
				if _, uerr := o.client.UpdateResume(ctx, item.UserID, resume.ID, spec); uerr != nil {
					slog.WarnContext(ctx, "best-effort resume completion failed",
						"resume_id", resume.ID, "error", uerr)
				}
			}
			return resume.ID, nil
		}
		slog.WarnContext(ctx, "referenced resume unavailable, creating new one",
			"resume_id", *item.ResumeID, "error", err)
	}

	created, err := o.client.EnsureResume(ctx, item.UserID, spec)
	if err != nil {
		if platform.IsDuplicateTitle(err) {
			existing, lerr := o.client.FindResumeByTitle(ctx, item.UserID, title)
			if lerr == nil && existing != nil {
				slog.InfoContext(ctx, "reusing resume with duplicate title",
					"resume_id", existing.ID, "title", title)
				if !existing.Complete {
					if _, uerr := o.client.UpdateResume(ctx, item.UserID, existing.ID, spec); uerr != nil {
						slog.WarnContext(ctx, "best-effort resume completion failed",
							"resume_id", existing.ID, "error", uerr)
					}
				}
				return existing.ID, nil
			}
		}
		return "", err
	}

	if created.ID == "" {
		// The board sometimes acknowledges creation without echoing the id.
		existing, lerr := o.client.FindResumeByTitle(ctx, item.UserID, title)
		if lerr == nil && existing != nil {
			return existing.ID, nil
		}
		return "", &platform.Error{
			Category:    platform.CategoryNotFound,
			Description: "resume created but not resolvable by title",
			Fields:      map[string]string{"resume": title},
		}
	}

	return created.ID, nil
}

// publishBestEffort publishes the resume. "Cannot publish" responses are a
// no-op success; publication is not applicable to every resume.
func (o *Orchestrator) publishBestEffort(ctx context.Context, userID int64, resumeID string) {
	if err := o.client.Publish(ctx, userID, resumeID); err != nil {
		if platform.IsCannotPublish(err) {
			slog.DebugContext(ctx, "resume not publishable, continuing", "resume_id", resumeID)
			return
		}
		slog.WarnContext(ctx, "best-effort publish failed", "resume_id", resumeID, "error", err)
	}
}

// awaitVisible polls the resume a bounded number of times to ride out the
// board's read-after-write lag. It gives up silently; negotiation creation
// surfaces any real problem.
func (o *Orchestrator) awaitVisible(ctx context.Context, userID int64, resumeID string) {
	for probe := 0; probe < o.cfg.ReadyProbes; probe++ {
		if _, err := o.client.GetResume(ctx, userID, resumeID); err == nil {
			return
		}
		if err := o.sleep(ctx, o.cfg.ReadyProbeDelay); err != nil {
			return
		}
	}
	slog.DebugContext(ctx, "resume still not visible after probes",
		"resume_id", resumeID, "probes", o.cfg.ReadyProbes)
}

// createNegotiation creates the application transaction. A validation
// rejection of required fields gets one retry under the board's legacy form
// encoding; "resume not found" gets bounded fixed-delay retries before the
// caller escalates to the fallback resume.
func (o *Orchestrator) createNegotiation(ctx context.Context, item *model.WorkItem, resumeID, idempotencyKey string) (*platform.Negotiation, error) {
	var lastErr error

	for try := 0; try < o.cfg.NegotiationTries; try++ {
		if try > 0 {
			if err := o.sleep(ctx, o.cfg.NegotiationDelay); err != nil {
				return nil, err
			}
		}

		neg, err := o.client.CreateNegotiation(ctx, item.UserID, resumeID, item.VacancyID, idempotencyKey, platform.EncodingJSON)
		if err == nil {
			return neg, nil
		}

		if pe := asPlatformError(err); pe != nil && pe.Category == platform.CategoryValidation && len(pe.Fields) > 0 {
			slog.InfoContext(ctx, "retrying negotiation with form encoding",
				"rejected_fields", pe.Fields)
			neg, err = o.client.CreateNegotiation(ctx, item.UserID, resumeID, item.VacancyID, idempotencyKey, platform.EncodingForm)
			if err == nil {
				return neg, nil
			}
		}

		lastErr = err
		if !platform.IsResumeNotFound(err) {
			return nil, err
		}

		slog.DebugContext(ctx, "negotiation rejected, resume not yet visible",
			"resume_id", resumeID, "try", try+1)
	}

	return nil, lastErr
}

// createFallbackResume creates a brand-new resume under a uniquified title.
func (o *Orchestrator) createFallbackResume(ctx context.Context, item *model.WorkItem, payload itemPayload) (string, error) {
	title := fmt.Sprintf("%s-%s", payload.ResumeTitle, shortSuffix())
	return o.ensureResume(ctx, item, payload, title)
}

// attachBestEffort adds the cover letter. The negotiation already exists, so
// a failure here degrades the submission rather than failing it.
func (o *Orchestrator) attachBestEffort(ctx context.Context, item *model.WorkItem, negotiationID string) {
	if item.CoverLetter == "" {
		return
	}
	if err := o.client.AttachMessage(ctx, item.UserID, negotiationID, item.CoverLetter); err != nil {
		slog.WarnContext(ctx, "best-effort cover letter attach failed",
			"negotiation_id", negotiationID, "error", err)
	}
}

func asPlatformError(err error) *platform.Error {
	var pe *platform.Error
	if errors.As(err, &pe) {
		return pe
	}
	return nil
}

func shortSuffix() string {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return strconv.FormatInt(time.Now().UnixNano()%0xffffff, 16)
	}
	return hex.EncodeToString(buf)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
