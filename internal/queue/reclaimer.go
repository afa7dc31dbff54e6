package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"jobpilot.app/courier/common/logger"
)

type ReclaimerConfig struct {
	Stream    string
	Group     string
	Consumer  string
	MinIdle   time.Duration
	Interval  time.Duration
	BatchSize int64
}

// Reclaimer periodically reclaims stale pending kicks. This handles the
// crash recovery scenario where a worker dies after XREADGROUP but
// before XACK.
type Reclaimer struct {
	client    *redis.Client
	cfg       ReclaimerConfig
	consumer  *RedisConsumer
	processor KickProcessor

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewReclaimer(client *redis.Client, cfg ReclaimerConfig, consumer *RedisConsumer, processor KickProcessor) *Reclaimer {
	return &Reclaimer{
		client:    client,
		cfg:       cfg,
		consumer:  consumer,
		processor: processor,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run starts the reclaimer loop. Blocks until Stop() is called.
func (r *Reclaimer) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "courier.queue.reclaimer",
	})

	defer close(r.stoppedCh)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "reclaimer started",
		"interval", r.cfg.Interval,
		"min_idle", r.cfg.MinIdle,
		"stream", r.cfg.Stream,
		"group", r.cfg.Group)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			slog.InfoContext(ctx, "reclaimer stopping")
			return
		case <-ticker.C:
			if err := r.reclaimOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "reclaim cycle error", "error", err)
			}
		}
	}
}

// Stop signals the reclaimer to stop gracefully.
func (r *Reclaimer) Stop() {
	close(r.stopCh)
	<-r.stoppedCh
}

func (r *Reclaimer) reclaimOnce(ctx context.Context) error {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: r.cfg.Stream,
		Group:  r.cfg.Group,
		Idle:   r.cfg.MinIdle,
		Start:  "-",
		End:    "+",
		Count:  r.cfg.BatchSize,
	}).Result()
	if err != nil {
		return fmt.Errorf("xpending: %w", err)
	}

	if len(pending) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "found stale pending kicks", "count", len(pending))

	for _, p := range pending {
		if err := r.reclaimKick(ctx, p); err != nil {
			slog.ErrorContext(ctx, "failed to reclaim kick",
				"error", err,
				"message_id", p.ID,
				"original_consumer", p.Consumer,
				"idle_time", p.Idle)
			// Continue with other kicks
		}
	}

	return nil
}

func (r *Reclaimer) reclaimKick(ctx context.Context, pending redis.XPendingExt) error {
	msgID := pending.ID
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		MessageID: &msgID,
	})

	slog.InfoContext(ctx, "reclaiming stale kick",
		"original_consumer", pending.Consumer,
		"idle_time", pending.Idle,
		"retry_count", pending.RetryCount)

	messages, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   r.cfg.Stream,
		Group:    r.cfg.Group,
		Consumer: r.cfg.Consumer,
		MinIdle:  r.cfg.MinIdle,
		Messages: []string{pending.ID},
	}).Result()
	if err != nil {
		return fmt.Errorf("xclaim: %w", err)
	}

	if len(messages) == 0 {
		slog.DebugContext(ctx, "kick already reclaimed by another worker")
		return nil
	}

	msg := messages[0]

	parsed, err := ParseKick(msg)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse reclaimed kick, acknowledging to prevent loop",
			"error", err)
		_ = r.consumer.Ack(ctx, Kick{ID: msg.ID, Raw: msg})
		return nil
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		WorkflowID: &parsed.WorkflowID,
	})

	start := time.Now()
	if err := r.processor(ctx, parsed); err != nil {
		// Left pending on purpose: the next cycle reclaims it again.
		return fmt.Errorf("processing reclaimed kick: %w", err)
	}

	if err := r.consumer.Ack(ctx, parsed); err != nil {
		return fmt.Errorf("acking reclaimed kick: %w", err)
	}

	slog.InfoContext(ctx, "reclaimed kick processed",
		"duration_ms", time.Since(start).Milliseconds())

	return nil
}
