/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Rate Limiter / Quota Keeper backed by the shared KV:
             a per-minute sliding window via INCR+EXPIRE and a
             per-month quota checked with GET and incremented only
             after a successful response. Fails open on KV errors.
Root Cause:  Sprint task G030 — per-project admission throttling.
Context:     Auth does not fail open; this does, per the design's
             "never lock users out on infrastructure failure" rule.
Suitability: L3 model for KV-backed counters with a strict
             fail-open contract.
──────────────────────────────────────────────────────────────
*/

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/watchllm/gateway/redisclient"
)

// Decision is the outcome of a minute-window check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	RetryAfter time.Duration
}

// Limiter enforces the per-project per-minute sliding window.
type Limiter struct {
	kv  *redisclient.Client
	log zerolog.Logger
}

func New(kv *redisclient.Client, log zerolog.Logger) *Limiter {
	return &Limiter{kv: kv, log: log}
}

// Check increments the minute bucket for project and reports whether the
// request is allowed against requestsPerMinute. On any KV error, it fails
// open: the request is allowed and a warning is logged.
func (l *Limiter) Check(ctx context.Context, project string, requestsPerMinute int) Decision {
	now := time.Now().UTC()
	bucket := now.Unix() / 60
	key := fmt.Sprintf("ratelimit:%s:%d", project, bucket)
	resetAt := time.Unix((bucket+1)*60, 0).UTC()

	count, err := l.kv.IncrWithExpire(ctx, key, 60*time.Second)
	if err != nil {
		l.log.Warn().Err(err).Str("project", project).Msg("rate limiter KV unavailable — failing open")
		return Decision{Allowed: true, Limit: requestsPerMinute, Remaining: requestsPerMinute, ResetAt: resetAt}
	}

	remaining := requestsPerMinute - int(count)
	if remaining < 0 {
		remaining = 0
	}
	allowed := int(count) <= requestsPerMinute
	d := Decision{
		Allowed:   allowed,
		Limit:     requestsPerMinute,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !allowed {
		d.RetryAfter = time.Until(resetAt)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d
}

// QuotaKeeper enforces the per-project per-month quota.
type QuotaKeeper struct {
	kv  *redisclient.Client
	log zerolog.Logger
}

func NewQuotaKeeper(kv *redisclient.Client, log zerolog.Logger) *QuotaKeeper {
	return &QuotaKeeper{kv: kv, log: log}
}

// Admit checks (does not increment) the current month's usage against
// requestsPerMonth. Fails open on KV error.
func (q *QuotaKeeper) Admit(ctx context.Context, project string, requestsPerMonth int) (bool, error) {
	key := quotaKey(project, time.Now().UTC())
	used, err := q.kv.GetInt(ctx, key)
	if err != nil {
		q.log.Warn().Err(err).Str("project", project).Msg("quota KV unavailable — failing open")
		return true, nil
	}
	return int(used) < requestsPerMonth, nil
}

// Record increments the monthly counter after a successful (or cached)
// response. TTL is extended to the end of next month for safety.
func (q *QuotaKeeper) Record(ctx context.Context, project string) {
	now := time.Now().UTC()
	key := quotaKey(project, now)
	endOfNextMonth := endOfMonth(now.AddDate(0, 1, 0))
	if _, err := q.kv.IncrWithExpire(ctx, key, time.Until(endOfNextMonth)); err != nil {
		q.log.Warn().Err(err).Str("project", project).Msg("quota increment failed — not blocking response")
		return
	}
	_ = q.kv.ExpireAt(ctx, key, endOfNextMonth)
}

func quotaKey(project string, at time.Time) string {
	return fmt.Sprintf("quota:%s:%04d-%02d", project, at.Year(), at.Month())
}

func endOfMonth(t time.Time) time.Time {
	firstOfNext := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return firstOfNext
}
