package submit

import (
	"time"

	"jobpilot.app/courier/internal/model"
	"jobpilot.app/courier/internal/platform"
)

type RetryConfig struct {
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Decision is the persisted outcome of one submission attempt.
type Decision struct {
	Status    model.ItemStatus
	NextRunAt time.Time // zero when the status needs no wake
	LastError string
}

// Classify maps a cascade outcome onto the item's next status. The attempt
// being classified counts against max_attempts; items fail independently,
// so a permanent failure here never touches the rest of the workflow.
func Classify(item *model.WorkItem, err error, cfg RetryConfig, now time.Time) Decision {
	if err == nil {
		return Decision{Status: model.ItemStatusSubmitted}
	}

	d := Decision{LastError: err.Error()}
	attempts := item.Attempts + 1

	if platform.CategoryOf(err) == platform.CategoryRateLimited {
		// The board's own quota, independent of the local limiter. Honor
		// its hint when present; otherwise back off like any transient.
		d.Status = model.ItemStatusRateLimited
		if hint := platform.RetryAfterOf(err); hint > 0 {
			d.NextRunAt = now.Add(hint)
		} else {
			d.NextRunAt = now.Add(Backoff(attempts, cfg))
		}
		return d
	}

	if !platform.Retryable(err) || attempts >= item.MaxAttempts {
		d.Status = model.ItemStatusFailed
		return d
	}

	d.Status = model.ItemStatusPending
	d.NextRunAt = now.Add(Backoff(attempts, cfg))
	return d
}

// Backoff returns the delay before retry number attempt (1-based),
// doubling from the base and capped at the max.
func Backoff(attempt int, cfg RetryConfig) time.Duration {
	delay := cfg.RetryBaseDelay
	if delay <= 0 {
		delay = 30 * time.Second
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if cfg.RetryMaxDelay > 0 && delay >= cfg.RetryMaxDelay {
			return cfg.RetryMaxDelay
		}
	}
	if cfg.RetryMaxDelay > 0 && delay > cfg.RetryMaxDelay {
		return cfg.RetryMaxDelay
	}
	return delay
}
