package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

type KickMessage struct {
	WorkflowID int64
	TraceID    *string
	Attempt    int
}

type Producer interface {
	Kick(ctx context.Context, msg KickMessage) error
	Close() error
}

type redisProducer struct {
	client *redis.Client
	stream string
	logger *slog.Logger
}

func NewRedisProducer(client *redis.Client, stream string, logger *slog.Logger) Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisProducer{
		client: client,
		stream: stream,
		logger: logger,
	}
}

func (p *redisProducer) Kick(ctx context.Context, msg KickMessage) error {
	attempt := msg.Attempt
	if attempt <= 0 {
		attempt = 1
	}

	fields := map[string]any{
		"workflow_id": msg.WorkflowID,
		"attempt":     attempt,
	}

	if msg.TraceID != nil && *msg.TraceID != "" {
		fields["trace_id"] = *msg.TraceID
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: fields,
	}).Err(); err != nil {
		return fmt.Errorf("enqueue kick: %w", err)
	}

	p.logger.InfoContext(ctx, "enqueued workflow kick", "workflow_id", msg.WorkflowID, "attempt", attempt)
	return nil
}

func (p *redisProducer) Close() error {
	return p.client.Close()
}
