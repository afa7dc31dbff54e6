package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"jobpilot.app/courier/common/logger"
)

// StreamRelay bridges the worker's Redis status streams into the API
// server's websocket hub. Tailers start on demand when the first client
// watches a workflow and stop once the last one disconnects, so an idle
// server holds no blocked XRead calls.
type StreamRelay struct {
	client *redis.Client
	hub    *Hub
	prefix string

	mu     sync.Mutex
	active map[int64]struct{}
}

func NewStreamRelay(client *redis.Client, hub *Hub, prefix string) *StreamRelay {
	return &StreamRelay{
		client: client,
		hub:    hub,
		prefix: prefix,
		active: make(map[int64]struct{}),
	}
}

// Watch ensures a tailer is running for the workflow. Idempotent.
func (r *StreamRelay) Watch(ctx context.Context, workflowID int64) {
	r.mu.Lock()
	if _, running := r.active[workflowID]; running {
		r.mu.Unlock()
		return
	}
	r.active[workflowID] = struct{}{}
	r.mu.Unlock()

	go r.tail(ctx, workflowID)
}

func (r *StreamRelay) tail(ctx context.Context, workflowID int64) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component:  "courier.notify.relay",
		WorkflowID: &workflowID,
	})

	defer func() {
		r.mu.Lock()
		delete(r.active, workflowID)
		r.mu.Unlock()
		slog.DebugContext(ctx, "stream tailer stopped")
		// A client that subscribed while we were shutting down would
		// otherwise be stranded without a tailer.
		if ctx.Err() == nil && r.hub.ClientCount(workflowID) > 0 {
			r.Watch(ctx, workflowID)
		}
	}()

	stream := StreamName(r.prefix, workflowID)
	lastID := "$"

	for {
		if ctx.Err() != nil {
			return
		}
		if r.hub.ClientCount(workflowID) == 0 {
			return
		}

		res, err := r.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Block:   15 * time.Second,
			Count:   100,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			slog.WarnContext(ctx, "status stream read failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, streamRes := range res {
			for _, msg := range streamRes.Messages {
				lastID = msg.ID
				r.hub.Publish(ctx, eventFromValues(workflowID, msg.Values))
			}
		}
	}
}

// eventFromValues rebuilds an Event from the flat stream entry written by
// RedisPublisher. Unparseable fields degrade to zero values rather than
// dropping the event.
func eventFromValues(workflowID int64, values map[string]any) Event {
	event := Event{WorkflowID: workflowID}

	event.ItemID = valueInt64(values, "item_id")
	event.UserID = valueInt64(values, "user_id")
	event.VacancyID = valueString(values, "vacancy_id")
	event.Status = valueString(values, "status")
	event.Attempts = int(valueInt64(values, "attempts"))
	event.Error = valueString(values, "error")
	event.FallbackUsed = valueString(values, "fallback_used") == "true"

	if ts := valueString(values, "ts"); ts != "" {
		if at, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			event.At = at
		}
	}
	if next := valueString(values, "next_run_at"); next != "" {
		if at, err := time.Parse(time.RFC3339Nano, next); err == nil {
			event.NextRunAt = &at
		}
	}

	return event
}

func valueString(values map[string]any, key string) string {
	raw, ok := values[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(raw)
}

func valueInt64(values map[string]any, key string) int64 {
	n, err := strconv.ParseInt(valueString(values, key), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
