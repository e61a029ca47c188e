/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Prometheus metrics registry for the gateway. Exposes
             request counters, latency histograms, token usage,
             cache hit rates, provider health, and evaluation
             counters via /metrics.
Root Cause:  Sprint task T144 — Prometheus /metrics endpoint.
Context:     Enables Grafana dashboards and alerting for SRE.
Suitability: L2 — standard Prometheus instrumentation pattern.
──────────────────────────────────────────────────────────────
*/

package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the gateway's Prometheus metrics registry. All fields are
// pre-registered collectors; there is no lazy per-label-set allocation
// beyond what the prometheus client itself does internally.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	tokensTotal      *prometheus.CounterVec
	cacheHitsTotal   *prometheus.CounterVec
	cacheLookupsTotal *prometheus.CounterVec
	providerHealthy  *prometheus.GaugeVec
	costTotal        *prometheus.CounterVec
	evaluationsTotal *prometheus.CounterVec
	rateLimitedTotal *prometheus.CounterVec
	abAssignments    *prometheus.CounterVec
	concurrencyInUse *prometheus.GaugeVec
}

// NewMetrics creates and registers the gateway's Prometheus collectors
// against a fresh registry (not the global `prometheus.DefaultRegisterer`,
// so tests can construct multiple independent instances).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total proxied requests by provider, model, endpoint, and status.",
		}, []string{"provider", "model", "endpoint", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_ms",
			Help:    "Request latency in milliseconds by provider, model, and endpoint.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"provider", "model", "endpoint"}),
		tokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Total tokens processed by provider, model, and token type (prompt/completion).",
		}, []string{"provider", "model", "type"}),
		cacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Total cache hits by kind (chat/completion/embedding).",
		}, []string{"kind"}),
		cacheLookupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_lookups_total",
			Help: "Total cache lookups by kind and outcome (hit/miss).",
		}, []string{"kind", "outcome"}),
		providerHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_provider_healthy",
			Help: "1 if the provider's last health check succeeded, 0 otherwise.",
		}, []string{"provider"}),
		costTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cost_usd_total",
			Help: "Total estimated upstream cost in USD by provider and model.",
		}, []string{"provider", "model"}),
		evaluationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_evaluations_total",
			Help: "Total evaluation runs by rule set and pass/fail outcome.",
		}, []string{"rule_set", "outcome"}),
		rateLimitedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limited_total",
			Help: "Total requests rejected by rate limiting or quota enforcement.",
		}, []string{"reason"}),
		abAssignments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_ab_assignments_total",
			Help: "Total A/B variant assignments by project and variant.",
		}, []string{"project", "variant"}),
		concurrencyInUse: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_concurrency_in_use",
			Help: "In-flight requests currently held by the per-project concurrency limiter.",
		}, []string{"project"}),
	}
	return m
}

// TrackRequest records a completed proxied request.
func (m *Metrics) TrackRequest(provider, model, endpoint, status string, latencyMs float64, promptTokens, completionTokens int64) {
	m.requestsTotal.WithLabelValues(provider, model, endpoint, status).Inc()
	m.requestDuration.WithLabelValues(provider, model, endpoint).Observe(latencyMs)
	if promptTokens > 0 {
		m.tokensTotal.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.tokensTotal.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// TrackCacheLookup records a cache lookup outcome for the given kind
// ("chat"/"completion"/"embedding"); exact and semantic hits are not
// told apart.
func (m *Metrics) TrackCacheLookup(kind string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
		m.cacheHitsTotal.WithLabelValues(kind).Inc()
	}
	m.cacheLookupsTotal.WithLabelValues(kind, outcome).Inc()
}

// TrackProviderHealth records whether a provider's most recent health
// check succeeded.
func (m *Metrics) TrackProviderHealth(provider string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.providerHealthy.WithLabelValues(provider).Set(v)
}

// TrackCost records the estimated USD cost of a settled request.
func (m *Metrics) TrackCost(provider, model string, costUSD float64) {
	m.costTotal.WithLabelValues(provider, model).Add(costUSD)
}

// TrackEvaluation records one evaluation run's outcome.
func (m *Metrics) TrackEvaluation(ruleSetID string, passed bool) {
	outcome := "fail"
	if passed {
		outcome = "pass"
	}
	m.evaluationsTotal.WithLabelValues(ruleSetID, outcome).Inc()
}

// TrackRateLimited records a request rejected for the given reason
// ("rate_limit_exceeded"/"quota_exceeded").
func (m *Metrics) TrackRateLimited(reason string) {
	m.rateLimitedTotal.WithLabelValues(reason).Inc()
}

// TrackABAssignment records a variant assignment for a project.
func (m *Metrics) TrackABAssignment(project, variant string) {
	m.abAssignments.WithLabelValues(project, variant).Inc()
}

// SetConcurrencyInUse reports the current in-flight count for a project.
func (m *Metrics) SetConcurrencyInUse(project string, inUse int) {
	m.concurrencyInUse.WithLabelValues(project).Set(float64(inUse))
}

// Handler returns the Prometheus text-exposition HTTP handler for /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
