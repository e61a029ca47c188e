/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       chi route table and ordered middleware chain wiring
             every handler surface the gateway exposes.
Root Cause:  Sprint task G001 — HTTP surface assembly.
Context:     Middleware order matters: CORS/security/request-id run
             unconditionally, then recovery/logging, then tracing,
             then body-size limiting, then auth (fail closed), then
             rate limit/quota and concurrency (fail open on KV
             errors internally), then per-provider timeout.
Suitability: L3 — wiring, not novel logic.
──────────────────────────────────────────────────────────────
*/

package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/watchllm/gateway/config"
	"github.com/watchllm/gateway/handler"
	"github.com/watchllm/gateway/middleware"
	"github.com/watchllm/gateway/observability"
)

// Dependencies bundles every wired component the router mounts routes
// and middleware against.
type Dependencies struct {
	Config      *config.Config
	Logger      zerolog.Logger
	Auth        *middleware.AuthMiddleware
	RateLimit   *middleware.RateLimitMiddleware
	Concurrency *middleware.ConcurrencyGuard
	Timeout     *middleware.TimeoutMiddleware
	Headers     *middleware.HeaderNormalization
	Metrics     *observability.Metrics
	Tracer      *observability.TracerProvider

	Proxy       *handler.ProxyHandler
	Cache       *handler.CacheHandler
	Analytics   *handler.AnalyticsHandler
	AgentRuns   *handler.AgentRunHandler
	Evaluations *handler.EvaluationHandler
}

// New builds the gateway's chi router: public health/metrics endpoints
// are mounted outside the authenticated chain, everything under /v1
// runs the full middleware stack.
func New(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.CORSMiddleware(deps.Config.AllowedOrigins))
	r.Use(middleware.SecurityHeadersMiddleware)
	r.Use(middleware.RequestIDMiddleware)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Logger)
	if deps.Tracer != nil {
		r.Use(deps.Tracer.Middleware)
	}
	r.Use(chimw.RequestSize(deps.Config.MaxBodyBytes))
	r.Use(deps.Headers.Handler)

	r.Get("/health", healthHandler)
	r.Get("/healthz", healthHandler)
	r.Get("/readyz", healthHandler)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(deps.Auth.Handler)
		v1.Use(deps.RateLimit.Handler)
		v1.Use(deps.Concurrency.Middleware)
		v1.Use(deps.Timeout.Handler)

		v1.Post("/chat/completions", deps.Proxy.ChatCompletions)
		v1.Post("/completions", deps.Proxy.Completions)
		v1.Post("/embeddings", deps.Proxy.Embeddings)
		v1.Get("/models", deps.Proxy.Models)
		v1.Get("/providers/health", deps.Proxy.ProviderHealth)
		v1.Get("/projects/{project}/metrics", deps.Proxy.ProjectMetrics)

		v1.Get("/cache/stats", deps.Cache.Stats)
		v1.Delete("/cache/{project}/{kind}/{fingerprint}", deps.Cache.Invalidate)

		v1.Post("/events", deps.Analytics.IngestEvent)
		v1.Post("/events/batch", deps.Analytics.IngestBatch)
		v1.Post("/events/query", deps.Analytics.EventsQuery)
		v1.Get("/analytics/pipeline", deps.Analytics.PipelineStats)

		if deps.Config.ReplayEnabled {
			v1.Route("/agent-runs", func(ar chi.Router) {
				ar.Post("/", deps.AgentRuns.IngestRun)
				ar.Get("/{runID}/snapshot", deps.AgentRuns.GetSnapshot)
				ar.Post("/{runID}/replay", deps.AgentRuns.Replay)
				ar.Get("/{runID}/compare/{replayRunID}", deps.AgentRuns.Compare)
			})
		}

		v1.Route("/evaluations", func(ev chi.Router) {
			ev.Post("/rulesets", deps.Evaluations.CreateRuleSet)
			ev.Get("/rulesets", deps.Evaluations.ListRuleSets)
			ev.Get("/rulesets/{id}", deps.Evaluations.GetRuleSet)
			ev.Delete("/rulesets/{id}", deps.Evaluations.DeleteRuleSet)
			ev.Post("/run", deps.Evaluations.Run)
			ev.Post("/run-batch", deps.Evaluations.RunBatch)
			ev.Get("/recent", deps.Evaluations.RecentResults)
			ev.Post("/slack/test", deps.Evaluations.TestSlackNotification)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok","time":"` + time.Now().UTC().Format(time.RFC3339) + `"}`))
}
