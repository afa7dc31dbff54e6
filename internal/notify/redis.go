package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"jobpilot.app/courier/common/logger"
)

// StreamName returns the status stream for one workflow.
func StreamName(prefix string, workflowID int64) string {
	return fmt.Sprintf("%s:workflow-%d", prefix, workflowID)
}

// RedisPublisher appends events to a per-workflow Redis stream, capped so a
// chatty workflow cannot grow without bound. The API server tails these
// streams for its SSE endpoint.
type RedisPublisher struct {
	client *redis.Client
	prefix string
	maxLen int64
}

func NewRedisPublisher(client *redis.Client, prefix string, maxLen int64) *RedisPublisher {
	if maxLen <= 0 {
		maxLen = 2000
	}
	return &RedisPublisher{client: client, prefix: prefix, maxLen: maxLen}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "courier.notify.redis"})

	values := map[string]any{
		"item_id":    event.ItemID,
		"user_id":    event.UserID,
		"vacancy_id": event.VacancyID,
		"status":     event.Status,
		"attempts":   event.Attempts,
		"ts":         event.At.UTC().Format(time.RFC3339Nano),
	}
	if event.Error != "" {
		values["error"] = event.Error
	}
	if event.FallbackUsed {
		values["fallback_used"] = "true"
	}
	if event.NextRunAt != nil {
		values["next_run_at"] = event.NextRunAt.UTC().Format(time.RFC3339Nano)
	}

	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamName(p.prefix, event.WorkflowID),
		MaxLen: p.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		slog.WarnContext(ctx, "failed to publish status event",
			"error", err,
			"workflow_id", event.WorkflowID,
			"item_id", event.ItemID)
	}
}
