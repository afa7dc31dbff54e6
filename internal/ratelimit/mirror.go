package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"jobpilot.app/courier/common/logger"
)

// mirrorRecord is the JSON snapshot one process writes after touching a
// bucket. NextRefillAt anchors the read side's refill arithmetic.
type mirrorRecord struct {
	Tokens       int       `json:"tokens"`
	Capacity     int       `json:"capacity"`
	NextRefillAt time.Time `json:"next_refill_at"`
}

// RedisMirror shares bucket state across processes. The worker owns the
// buckets and records a snapshot after every draw; the API server reads
// the snapshot and rolls the refill schedule forward to now, so a status
// read lags the live bucket by at most one refill tick. A subject with no
// snapshot reads as a full bucket, matching an untouched local bucket.
type RedisMirror struct {
	client *redis.Client
	cfg    Config
	prefix string
	now    func() time.Time
}

func NewRedisMirror(client *redis.Client, cfg Config, prefix string) *RedisMirror {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisMirror{client: client, cfg: cfg, prefix: prefix, now: time.Now}
}

// WithClock replaces the mirror's time source for tests.
func (m *RedisMirror) WithClock(now func() time.Time) *RedisMirror {
	m.now = now
	return m
}

func (m *RedisMirror) key(subject, action string) string {
	return m.prefix + subject + ":" + action
}

// Record persists a bucket snapshot. Best effort: a failed write costs one
// tick of status freshness, never a submission.
func (m *RedisMirror) Record(ctx context.Context, subject, action string, st Status) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "courier.ratelimit.mirror"})

	payload, err := json.Marshal(mirrorRecord{
		Tokens:       st.Tokens,
		Capacity:     st.Capacity,
		NextRefillAt: st.NextRefillAt,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode bucket snapshot", "error", err)
		return
	}

	ttl := m.cfg.IdleTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if err := m.client.Set(ctx, m.key(subject, action), payload, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "failed to mirror bucket snapshot",
			"subject", subject, "action", action, "error", err)
	}
}

// Status reads the last snapshot for (subject, action) and applies the
// refills that elapsed since it was taken. Missing or unreadable snapshots
// degrade to a full bucket.
func (m *RedisMirror) Status(ctx context.Context, subject, action string) Status {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "courier.ratelimit.mirror"})

	now := m.now()
	full := Status{
		Tokens:       m.cfg.Capacity,
		Capacity:     m.cfg.Capacity,
		NextRefillAt: now.Add(m.cfg.RefillInterval),
	}

	raw, err := m.client.Get(ctx, m.key(subject, action)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "failed to read bucket snapshot",
				"subject", subject, "action", action, "error", err)
		}
		return full
	}

	var rec mirrorRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		slog.WarnContext(ctx, "discarding malformed bucket snapshot",
			"subject", subject, "action", action, "error", err)
		return full
	}

	return m.advance(rec, now)
}

// advance rolls a snapshot forward: one refill per whole interval elapsed
// past the recorded boundary, capped at capacity, same arithmetic as the
// in-process limiter.
func (m *RedisMirror) advance(rec mirrorRecord, now time.Time) Status {
	st := Status{Tokens: rec.Tokens, Capacity: rec.Capacity, NextRefillAt: rec.NextRefillAt}
	if m.cfg.RefillInterval <= 0 || now.Before(st.NextRefillAt) {
		return st
	}

	elapsed := now.Sub(st.NextRefillAt)
	intervals := 1 + int(elapsed/m.cfg.RefillInterval)

	st.Tokens += intervals * m.cfg.RefillRate
	if st.Tokens > st.Capacity {
		st.Tokens = st.Capacity
	}
	st.NextRefillAt = st.NextRefillAt.Add(time.Duration(intervals) * m.cfg.RefillInterval)
	return st
}
