// Package ratelimit implements per-(subject, action) token buckets with
// lazy refill. The limiter is the single cross-lane synchronization point
// for a user: every workflow lane submitting on that user's behalf draws
// from the same bucket.
package ratelimit

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"jobpilot.app/courier/common/logger"
)

type Config struct {
	Capacity       int           // max tokens per bucket
	RefillRate     int           // tokens added per interval
	RefillInterval time.Duration // length of one refill interval
	IdleTTL        time.Duration // evict buckets untouched for this long
	SweepInterval  time.Duration // how often the sweeper scans for idle buckets
}

// Decision is the outcome of a TryAcquire call. When Granted is false,
// RetryAt is the exact timestamp of the next refill boundary so the caller
// can schedule a wake instead of polling.
type Decision struct {
	Granted   bool
	Remaining int
	RetryAt   time.Time
}

// Status is a point-in-time view of one bucket. Reads may lag a concurrent
// acquire by at most one refill tick.
type Status struct {
	Tokens       int
	Capacity     int
	NextRefillAt time.Time
}

type bucket struct {
	tokens     int
	lastRefill time.Time
	lastUsed   time.Time
}

// Limiter holds the bucket map behind a fixed set of mutex shards.
// All bucket mutation happens under the owning shard's lock.
type Limiter struct {
	cfg    Config
	now    func() time.Time
	shards [shardCount]shard
}

const shardCount = 16

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

func New(cfg Config) *Limiter {
	l := &Limiter{cfg: cfg, now: time.Now}
	for i := range l.shards {
		l.shards[i].buckets = make(map[string]*bucket)
	}
	return l
}

// WithClock replaces the limiter's time source. Tests use this to advance
// time deterministically.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// TryAcquire refills the bucket for (subject, action) and, if at least cost
// tokens remain, consumes them. A denial carries the next refill boundary.
func (l *Limiter) TryAcquire(subject, action string, cost int) Decision {
	if cost <= 0 {
		cost = 1
	}

	key := bucketKey(subject, action)
	sh := l.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := l.now()
	b := sh.buckets[key]
	if b == nil {
		// Lazy creation starts a fresh bucket at full capacity, which is
		// also the contract after an idle eviction.
		b = &bucket{tokens: l.cfg.Capacity, lastRefill: now}
		sh.buckets[key] = b
	}

	l.refill(b, now)
	b.lastUsed = now

	if b.tokens >= cost {
		b.tokens -= cost
		return Decision{Granted: true, Remaining: b.tokens}
	}

	return Decision{Granted: false, Remaining: b.tokens, RetryAt: b.lastRefill.Add(l.cfg.RefillInterval)}
}

// Status reports the bucket for (subject, action) without consuming tokens.
// An untouched subject reads as a full bucket.
func (l *Limiter) Status(subject, action string) Status {
	key := bucketKey(subject, action)
	sh := l.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := l.now()
	b := sh.buckets[key]
	if b == nil {
		return Status{Tokens: l.cfg.Capacity, Capacity: l.cfg.Capacity, NextRefillAt: now.Add(l.cfg.RefillInterval)}
	}

	l.refill(b, now)
	return Status{Tokens: b.tokens, Capacity: l.cfg.Capacity, NextRefillAt: b.lastRefill.Add(l.cfg.RefillInterval)}
}

// Reset discards the bucket for (subject, action); the next acquire starts
// from full capacity. Administrative use only.
func (l *Limiter) Reset(subject, action string) {
	key := bucketKey(subject, action)
	sh := l.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.buckets, key)
}

// refill adds refillRate tokens per whole elapsed interval, capped at
// capacity, and advances lastRefill by exactly the consumed intervals so
// fractional progress toward the next boundary is never lost.
// Must be called with the shard lock held.
func (l *Limiter) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed < l.cfg.RefillInterval {
		return
	}

	intervals := int64(elapsed / l.cfg.RefillInterval)
	b.tokens += int(intervals) * l.cfg.RefillRate
	if b.tokens > l.cfg.Capacity {
		b.tokens = l.cfg.Capacity
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(intervals) * l.cfg.RefillInterval)
}

// RunSweeper evicts buckets idle past the TTL on a fixed interval, bounding
// the map for long-running workers. Blocks until the context is canceled.
func (l *Limiter) RunSweeper(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "courier.ratelimit.sweeper"})

	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "bucket sweeper started",
		"sweep_interval", l.cfg.SweepInterval,
		"idle_ttl", l.cfg.IdleTTL)

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "bucket sweeper stopping")
			return
		case <-ticker.C:
			evicted := l.sweepOnce()
			if evicted > 0 {
				slog.DebugContext(ctx, "evicted idle buckets", "count", evicted)
			}
		}
	}
}

func (l *Limiter) sweepOnce() int {
	now := l.now()
	evicted := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for key, b := range sh.buckets {
			if now.Sub(b.lastUsed) >= l.cfg.IdleTTL {
				delete(sh.buckets, key)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	return evicted
}

func (l *Limiter) shard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &l.shards[h.Sum32()%shardCount]
}

func bucketKey(subject, action string) string {
	return fmt.Sprintf("%s:%s", subject, action)
}
