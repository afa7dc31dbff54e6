package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"jobpilot.app/courier/common/id"
	"jobpilot.app/courier/common/logger"
	"jobpilot.app/courier/common/otel"
	"jobpilot.app/courier/core/config"
	"jobpilot.app/courier/core/db"
	"jobpilot.app/courier/internal/dispatch"
	"jobpilot.app/courier/internal/notify"
	"jobpilot.app/courier/internal/platform"
	"jobpilot.app/courier/internal/queue"
	"jobpilot.app/courier/internal/ratelimit"
	"jobpilot.app/courier/internal/store"
	"jobpilot.app/courier/internal/submit"
)

func main() {
	fmt.Printf("%s\n", banner)
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeWorker)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	slog.InfoContext(ctx, "courier worker starting",
		"env", cfg.Env,
		"consumer_group", cfg.Queue.KickGroup,
		"consumer_name", cfg.Queue.ConsumerName)

	// Different node ID than the server so snowflakes never collide.
	if err := id.Init(2); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	redisOpts, err := redis.ParseURL(cfg.Queue.RedisURL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected", "kick_stream", cfg.Queue.KickStream)

	stores := store.NewStores(database.Pool())

	limiter := ratelimit.New(ratelimit.Config{
		Capacity:       cfg.RateLimit.Capacity,
		RefillRate:     cfg.RateLimit.RefillRate,
		RefillInterval: cfg.RateLimit.RefillInterval,
		IdleTTL:        cfg.RateLimit.IdleTTL,
		SweepInterval:  cfg.RateLimit.SweepInterval,
	})

	bucketMirror := ratelimit.NewRedisMirror(redisClient, ratelimit.Config{
		Capacity:       cfg.RateLimit.Capacity,
		RefillRate:     cfg.RateLimit.RefillRate,
		RefillInterval: cfg.RateLimit.RefillInterval,
		IdleTTL:        cfg.RateLimit.IdleTTL,
	}, cfg.RateLimit.MirrorKeyPrefix)

	tokens := platform.NewRedisTokenProvider(redisClient, cfg.Platform.TokenKeyPrefix)
	boardClient := platform.NewHTTPClient(platform.HTTPConfig{
		BaseURL:     cfg.Platform.BaseURL,
		UserAgent:   cfg.Platform.UserAgent,
		CallTimeout: cfg.Platform.CallTimeout,
	}, tokens)

	orchestrator := submit.New(boardClient, submit.Config{
		ReadyProbes:      cfg.Submit.ReadyProbes,
		ReadyProbeDelay:  cfg.Submit.ReadyProbeDelay,
		NegotiationTries: cfg.Submit.NegotiationTries,
		NegotiationDelay: cfg.Submit.NegotiationDelay,
	})

	notifier := notify.NewRedisPublisher(redisClient, cfg.Queue.StatusStream, cfg.Queue.StatusMaxLen)

	dispatcher := dispatch.New(stores.WorkItems(), stores.Workflows(), limiter, orchestrator, notifier, dispatch.Config{
		MaxLanes: cfg.Dispatch.MaxLanes,
		Retry: submit.RetryConfig{
			RetryBaseDelay: cfg.Submit.RetryBaseDelay,
			RetryMaxDelay:  cfg.Submit.RetryMaxDelay,
		},
		Buckets: bucketMirror,
	})

	consumer, err := queue.NewRedisConsumer(redisClient, queue.ConsumerConfig{
		Stream:       cfg.Queue.KickStream,
		Group:        cfg.Queue.KickGroup,
		Consumer:     cfg.Queue.ConsumerName,
		DLQStream:    cfg.Queue.KickDLQStream,
		BatchSize:    10,
		Block:        5 * time.Second,
		MaxAttempts:  3,
		RequeueDelay: time.Second,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create consumer", "error", err)
		os.Exit(1)
	}

	processKick := func(ctx context.Context, kick queue.Kick) error {
		sc := logger.StartSpanFromTraceID(ctx, kick.TraceID, "dispatch.kick",
			trace.WithSpanKind(trace.SpanKindConsumer))
		defer sc.End()

		err := dispatcher.Kick(sc.Context(), kick.WorkflowID)
		sc.RecordError(err)
		return err
	}

	reclaimer := queue.NewReclaimer(redisClient, queue.ReclaimerConfig{
		Stream:    cfg.Queue.KickStream,
		Group:     cfg.Queue.KickGroup,
		Consumer:  cfg.Queue.ConsumerName + "-reclaimer",
		MinIdle:   cfg.Queue.ReclaimMinIdle,
		Interval:  cfg.Queue.ReclaimEvery,
		BatchSize: 10,
	}, consumer, processKick)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go limiter.RunSweeper(runCtx)
	go reclaimer.Run(runCtx)

	// Wake every workflow that still has dispatchable items. Kicks published
	// while the worker was down were consumed by nobody, so the stream alone
	// cannot be trusted after a restart.
	if ids, err := stores.Workflows().ListWithReadyItems(ctx); err != nil {
		slog.ErrorContext(ctx, "startup re-kick scan failed", "error", err)
	} else {
		for _, workflowID := range ids {
			if err := dispatcher.Kick(runCtx, workflowID); err != nil {
				slog.ErrorContext(ctx, "startup kick failed", "workflow_id", workflowID, "error", err)
			}
		}
		slog.InfoContext(ctx, "startup re-kick complete", "workflows", len(ids))
	}

	consumeDone := make(chan struct{})
	go func() {
		defer close(consumeDone)
		consume(runCtx, consumer, processKick)
	}()

	slog.InfoContext(ctx, "worker initialized and running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down worker...")

	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, 30*time.Second)
	defer cancelShutdown()

	reclaimer.Stop()
	cancel()

	laneDone := make(chan struct{})
	go func() {
		dispatcher.Wait()
		close(laneDone)
	}()

	for _, ch := range []chan struct{}{consumeDone, laneDone} {
		select {
		case <-ch:
		case <-shutdownCtx.Done():
			slog.WarnContext(ctx, "shutdown timeout exceeded")
		}
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(ctx, "worker shutdown complete")
}

// consume runs the kick read loop until ctx is canceled. A kick only fails
// when the dispatcher cannot reach the database; those requeue with backoff
// and land in the DLQ after the attempt budget runs out.
func consume(ctx context.Context, consumer *queue.RedisConsumer, process queue.KickProcessor) {
	for {
		kicks, err := consumer.Read(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.ErrorContext(ctx, "kick read failed", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, kick := range kicks {
			if err := process(ctx, kick); err != nil {
				slog.ErrorContext(ctx, "kick processing failed",
					"workflow_id", kick.WorkflowID,
					"attempt", kick.Attempt,
					"error", err)
				if kick.Attempt+1 >= consumer.MaxAttempts() {
					if dlqErr := consumer.SendDLQ(ctx, kick, err.Error()); dlqErr != nil {
						slog.ErrorContext(ctx, "dlq send failed", "kick_id", kick.ID, "error", dlqErr)
					}
				} else if reqErr := consumer.Requeue(ctx, kick, err.Error()); reqErr != nil {
					slog.ErrorContext(ctx, "kick requeue failed", "kick_id", kick.ID, "error", reqErr)
				}
				continue
			}
			if err := consumer.Ack(ctx, kick); err != nil {
				slog.ErrorContext(ctx, "kick ack failed", "kick_id", kick.ID, "error", err)
			}
		}
	}
}

const banner = `
 ██████╗ ██████╗ ██╗   ██╗██████╗ ██╗███████╗██████╗
██╔════╝██╔═══██╗██║   ██║██╔══██╗██║██╔════╝██╔══██╗
██║     ██║   ██║██║   ██║██████╔╝██║█████╗  ██████╔╝
██║     ██║   ██║██║   ██║██╔══██╗██║██╔══╝  ██╔══██╗
╚██████╗╚██████╔╝╚██████╔╝██║  ██║██║███████╗██║  ██║
 ╚═════╝ ╚═════╝  ╚═════╝ ╚═╝  ╚═╝╚═╝╚══════╝╚═╝  ╚═╝
           dispatch worker
`
