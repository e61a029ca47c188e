/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Rate limit / quota middleware — delegates to the
             Redis-backed per-minute limiter and per-month quota
             keeper, keyed by resolved project rather than raw API
             key. Fails open on KV errors, per the limiter/keeper's
             own contract.
Root Cause:  Sprint task T019 — rate limiting middleware.
Context:     Must run after auth, since it needs the resolved
             project and plan to look up limits.
Suitability: L3 model for distributed rate limiting logic.
──────────────────────────────────────────────────────────────
*/

package middleware

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/watchllm/gateway/observability"
	"github.com/watchllm/gateway/ratelimit"
	"github.com/watchllm/gateway/resolver"
)

// RateLimitMiddleware enforces per-project per-minute and per-month
// limits derived from the resolved project's plan.
type RateLimitMiddleware struct {
	logger  zerolog.Logger
	limiter *ratelimit.Limiter
	quota   *ratelimit.QuotaKeeper
	metrics *observability.Metrics
}

// NewRateLimitMiddleware creates the rate limit / quota middleware.
// metrics may be nil.
func NewRateLimitMiddleware(logger zerolog.Logger, limiter *ratelimit.Limiter, quota *ratelimit.QuotaKeeper, metrics *observability.Metrics) *RateLimitMiddleware {
	return &RateLimitMiddleware{logger: logger, limiter: limiter, quota: quota, metrics: metrics}
}

// Handler returns the rate limiting middleware handler.
func (rl *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resolved, ok := GetResolved(r.Context())
		if !ok {
			// Auth did not run first; let downstream handlers decide.
			next.ServeHTTP(w, r)
			return
		}

		limits := resolver.Limits(resolved.Project.Plan)
		project := resolved.Project.ID

		decision := rl.limiter.Check(r.Context(), project, limits.RequestsPerMinute)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			retryAfter := int(decision.RetryAfter.Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":{"type":"rate_limit_exceeded","code":"rate_limit_exceeded","message":"rate limit of %d requests per minute exceeded","details":{"limit":%d,"remaining":%d,"reset_at":%d,"retry_after":%d}}}`,
				decision.Limit, decision.Limit, decision.Remaining, decision.ResetAt.Unix(), retryAfter)
			rl.logger.Warn().Str("project", project).Int("limit", decision.Limit).Msg("rate limit exceeded")
			if rl.metrics != nil {
				rl.metrics.TrackRateLimited("rate_limit_exceeded")
			}
			return
		}

		admitted, err := rl.quota.Admit(r.Context(), project, limits.RequestsPerMonth)
		if err == nil && !admitted {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":{"type":"quota_exceeded","code":"quota_exceeded","message":"monthly request quota exceeded","details":{"limit":%d}}}`,
				limits.RequestsPerMonth)
			rl.logger.Warn().Str("project", project).Msg("monthly quota exceeded")
			if rl.metrics != nil {
				rl.metrics.TrackRateLimited("quota_exceeded")
			}
			return
		}

		next.ServeHTTP(w, r)
	})
}
