package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"jobpilot.app/courier/common/logger"
)

type ConsumerConfig struct {
	Stream       string        // Redis stream name
	Group        string        // Redis consumer group name
	Consumer     string        // Redis consumer name
	DLQStream    string        // Dead letter queue stream for failed kicks
	BatchSize    int64         // Number of kicks to read per batch
	Block        time.Duration // How long to block/poll for new kicks
	MaxAttempts  int           // Maximum retry attempts before moving to DLQ
	RequeueDelay time.Duration // Delay before retrying failed kicks
}

// KickProcessor handles one workflow kick.
type KickProcessor func(ctx context.Context, kick Kick) error

type RedisConsumer struct {
	client *redis.Client
	cfg    ConsumerConfig
}

func NewRedisConsumer(client *redis.Client, cfg ConsumerConfig) (*RedisConsumer, error) {
	consumer := &RedisConsumer{
		client: client,
		cfg:    cfg,
	}

	if err := consumer.ensureGroup(context.Background()); err != nil { //nolint:contextcheck
		return nil, err
	}

	return consumer, nil
}

func (c *RedisConsumer) ensureGroup(ctx context.Context) error {
	// Consumer groups are just readers, kicks live in the stream itself.
	// Starting from "0" instead of "$" means we don't lose kicks that
	// arrived while the worker was down.
	if err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err(); err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	return nil
}

func (c *RedisConsumer) Read(ctx context.Context) ([]Kick, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "courier.queue.consumer",
	})

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		// > = new kicks not yet delivered to anyone. Unacked kicks are
		// handled by the reclaimer which runs on a different goroutine.
		Streams: []string{c.cfg.Stream, ">"},
		Count:   c.cfg.BatchSize,
		Block:   c.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Kick{}, nil
		}
		return nil, fmt.Errorf("reading from stream: %w", err)
	}

	var kicks []Kick
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			parsed, parseErr := ParseKick(msg)
			if parseErr != nil {
				slog.ErrorContext(ctx, "failed to parse kick",
					"error", parseErr,
					"raw_message_id", msg.ID,
					"stream", c.cfg.Stream)
				_ = c.Ack(ctx, Kick{ID: msg.ID, Raw: msg})
				continue
			}
			kicks = append(kicks, parsed)
		}
	}

	if len(kicks) > 0 {
		slog.DebugContext(ctx, "read kicks from stream",
			"count", len(kicks),
			"stream", c.cfg.Stream,
			"consumer", c.cfg.Consumer)
	}

	return kicks, nil
}

func (c *RedisConsumer) Ack(ctx context.Context, kick Kick) error {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, kick.ID).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", c.cfg.Stream, err)
	}

	slog.DebugContext(ctx, "kick acknowledged", "stream", c.cfg.Stream)
	return nil
}

func (c *RedisConsumer) Requeue(ctx context.Context, kick Kick, errMsg string) error {
	nextAttempt := kick.Attempt + 1

	if err := c.Ack(ctx, kick); err != nil {
		return fmt.Errorf("acking failed kick for requeue: %w", err)
	}

	values := kickValues(kick, nextAttempt)
	if errMsg != "" {
		values["last_error"] = errMsg
	}

	if c.cfg.RequeueDelay > 0 {
		time.Sleep(c.cfg.RequeueDelay)
	}

	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.Stream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd requeue: %w", err)
	}

	slog.InfoContext(ctx, "kick requeued for retry",
		"workflow_id", kick.WorkflowID,
		"next_attempt", nextAttempt,
		"reason", errMsg)
	return nil
}

func (c *RedisConsumer) SendDLQ(ctx context.Context, kick Kick, errMsg string) error {
	if err := c.Ack(ctx, kick); err != nil {
		return fmt.Errorf("acking failed kick for dlq: %w", err)
	}

	values := kickValues(kick, kick.Attempt)
	values["error"] = errMsg

	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.DLQStream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd dlq (stream=%s): %w", c.cfg.DLQStream, err)
	}

	slog.ErrorContext(ctx, "kick sent to DLQ",
		"workflow_id", kick.WorkflowID,
		"final_error", errMsg,
		"dlq_stream", c.cfg.DLQStream)
	return nil
}

func (c *RedisConsumer) MaxAttempts() int {
	if c.cfg.MaxAttempts <= 0 {
		return 3
	}
	return c.cfg.MaxAttempts
}
