// Package queue carries workflow kicks from the API server to the
// dispatcher worker over a Redis stream. A kick means "this workflow has
// (or may have) eligible items"; the dispatcher owns deciding what to run.
package queue

import (
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Kick is one parsed stream entry.
type Kick struct {
	ID         string
	WorkflowID int64
	Attempt    int
	TraceID    string
	Raw        redis.XMessage
}

// ParseKick validates a raw stream entry.
func ParseKick(msg redis.XMessage) (Kick, error) {
	workflowID, err := parseInt64(msg.Values, "workflow_id")
	if err != nil {
		return Kick{}, err
	}

	attempt := 1
	if raw, ok := msg.Values["attempt"]; ok {
		if n, err := strconv.Atoi(fmt.Sprint(raw)); err == nil && n > 0 {
			attempt = n
		}
	}

	traceID := ""
	if raw, ok := msg.Values["trace_id"]; ok {
		traceID = fmt.Sprint(raw)
	}

	return Kick{
		ID:         msg.ID,
		WorkflowID: workflowID,
		Attempt:    attempt,
		TraceID:    traceID,
		Raw:        msg,
	}, nil
}

func kickValues(k Kick, attempt int) map[string]any {
	values := map[string]any{
		"workflow_id": k.WorkflowID,
		"attempt":     attempt,
	}
	if k.TraceID != "" {
		values["trace_id"] = k.TraceID
	}
	return values
}

func parseInt64(values map[string]any, key string) (int64, error) {
	raw, ok := values[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	num, err := strconv.ParseInt(fmt.Sprint(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return num, nil
}
