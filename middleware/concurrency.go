/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Per-project concurrency limiter. At high request volume,
             one tenant's burst must not starve the gateway's
             capacity for every other tenant; this caps concurrent
             in-flight requests per resolved project using a weighted
             semaphore per key.
Root Cause:  Sprint task T060 — concurrent request handling without
             one tenant monopolizing capacity.
Suitability: L3 — concurrency correctness under per-key limiting.
──────────────────────────────────────────────────────────────
*/

package middleware

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/watchllm/gateway/observability"
)

// ConcurrencyGuard bounds concurrent in-flight requests per project
// using a weighted semaphore per key, created lazily.
type ConcurrencyGuard struct {
	mu      sync.Mutex
	limit   int64
	timeout time.Duration
	logger  zerolog.Logger
	sems    map[string]*semaphore.Weighted
	inUse   map[string]int64
	metrics *observability.Metrics
}

// NewConcurrencyGuard creates a new concurrency guard middleware.
// metrics may be nil.
func NewConcurrencyGuard(maxConcurrentPerProject int, timeout time.Duration, logger zerolog.Logger, metrics *observability.Metrics) *ConcurrencyGuard {
	if maxConcurrentPerProject <= 0 {
		maxConcurrentPerProject = 50
	}
	return &ConcurrencyGuard{
		limit:   int64(maxConcurrentPerProject),
		timeout: timeout,
		logger:  logger,
		sems:    make(map[string]*semaphore.Weighted),
		inUse:   make(map[string]int64),
		metrics: metrics,
	}
}

func (cg *ConcurrencyGuard) semaphoreFor(key string) *semaphore.Weighted {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	s, ok := cg.sems[key]
	if !ok {
		s = semaphore.NewWeighted(cg.limit)
		cg.sems[key] = s
	}
	return s
}

// incInUse adjusts the in-flight counter for key by delta and reports
// the new value to Prometheus, if metrics are wired.
func (cg *ConcurrencyGuard) incInUse(key string, delta int64) {
	cg.mu.Lock()
	cg.inUse[key] += delta
	n := cg.inUse[key]
	cg.mu.Unlock()
	if cg.metrics != nil {
		cg.metrics.SetConcurrencyInUse(key, int(n))
	}
}

// Middleware returns an http.Handler middleware that enforces per-project
// concurrency limits. If the project exceeds the limit, requests get a 429.
func (cg *ConcurrencyGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := GetProjectID(r.Context())
		if key == "" {
			key = "unresolved"
		}

		sem := cg.semaphoreFor(key)
		ctx := r.Context()
		cancel := func() {}
		if cg.timeout > 0 {
			ctx, cancel = context.WithTimeout(r.Context(), cg.timeout)
		}
		defer cancel()

		if err := sem.Acquire(ctx, 1); err != nil {
			cg.logger.Warn().Str("project", key).Msg("concurrency limit reached — rejecting request")
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":{"type":"rate_limit","message":"too many concurrent requests for this project"}}`)
			return
		}
		defer sem.Release(1)

		cg.incInUse(key, 1)
		defer cg.incInUse(key, -1)

		next.ServeHTTP(w, r)
	})
}
