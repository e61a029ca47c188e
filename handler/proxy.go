/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       The proxy handler: the full request pipeline from an
             admitted chat/embeddings request through A/B variant
             selection, cache lookup, upstream dispatch, cost
             settlement, and the observability/evaluation fan-out
             that happens only after the client response is sent.
Root Cause:  Sprint task G005 — the handler every other layer of the
             gateway feeds into.
Context:     Analytics and evaluation must never add latency to the
             client-visible response; both are kicked off after the
             response bytes are already on the wire.
Suitability: L4 — the single handler most of the gateway's
             invariants run through.
──────────────────────────────────────────────────────────────
*/

package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/watchllm/gateway/abrouter"
	"github.com/watchllm/gateway/accounting"
	"github.com/watchllm/gateway/admission"
	"github.com/watchllm/gateway/analytics"
	"github.com/watchllm/gateway/caching"
	"github.com/watchllm/gateway/dispatch"
	"github.com/watchllm/gateway/evaluation"
	"github.com/watchllm/gateway/middleware"
	"github.com/watchllm/gateway/observability"
	"github.com/watchllm/gateway/provider"
	"github.com/watchllm/gateway/ratelimit"
	"github.com/watchllm/gateway/resolver"
)

// ProxyHandler implements the chat/embeddings proxy surface.
type ProxyHandler struct {
	logger     zerolog.Logger
	registry   *provider.Registry
	cache      *caching.Engine
	abSpecs    map[string]abrouter.Spec // per-project static A/B spec, parsed at load time
	dispatcher *dispatch.Dispatcher
	costEngine *accounting.Engine
	tokens     *accounting.TokenCounter
	tracker    *accounting.Tracker
	quota      *ratelimit.QuotaKeeper
	pipeline   *analytics.Pipeline
	evalEngine *evaluation.Engine
	evalRules  *evaluation.RuleSetStore
	evalSample float64
	metrics    *observability.Metrics
}

// NewProxyHandler wires every L2-L9 dependency the chat/embeddings
// surface needs. metrics may be nil, in which case Prometheus tracking
// is skipped entirely.
func NewProxyHandler(
	logger zerolog.Logger,
	registry *provider.Registry,
	cache *caching.Engine,
	dispatcher *dispatch.Dispatcher,
	costEngine *accounting.Engine,
	tracker *accounting.Tracker,
	quota *ratelimit.QuotaKeeper,
	pipeline *analytics.Pipeline,
	evalEngine *evaluation.Engine,
	evalRules *evaluation.RuleSetStore,
	evalSampleRate float64,
	metrics *observability.Metrics,
) *ProxyHandler {
	return &ProxyHandler{
		logger:     logger.With().Str("handler", "proxy").Logger(),
		registry:   registry,
		cache:      cache,
		abSpecs:    make(map[string]abrouter.Spec),
		dispatcher: dispatcher,
		costEngine: costEngine,
		tokens:     accounting.NewTokenCounter(4.0),
		tracker:    tracker,
		quota:      quota,
		pipeline:   pipeline,
		evalEngine: evalEngine,
		evalRules:  evalRules,
		evalSample: evalSampleRate,
		metrics:    metrics,
	}
}

// SetABSpec registers a project's static A/B configuration. Projects
// without a registered spec always dispatch to the model they asked
// for.
func (h *ProxyHandler) SetABSpec(projectID string, spec abrouter.Spec) {
	h.abSpecs[projectID] = spec
}

type chatRequestBody struct {
	Model          string                 `json:"model"`
	Messages       []provider.ChatMessage `json:"messages"`
	Temperature    *float64               `json:"temperature,omitempty"`
	MaxTokens      *int                   `json:"max_tokens,omitempty"`
	TopP           *float64               `json:"top_p,omitempty"`
	Stream         bool                   `json:"stream,omitempty"`
	Stop           []string               `json:"stop,omitempty"`
	Tools          []provider.Tool        `json:"tools,omitempty"`
	ToolChoice     interface{}            `json:"tool_choice,omitempty"`
	ResponseFormat json.RawMessage        `json:"response_format,omitempty"`
	User           string                 `json:"user,omitempty"`
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *ProxyHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var body chatRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON", nil)
		return
	}
	h.proxyChat(w, r, "/v1/chat/completions", caching.KindChat, body)
}

type completionRequestBody struct {
	Model       string      `json:"model"`
	Prompt      interface{} `json:"prompt"`
	Temperature *float64    `json:"temperature,omitempty"`
	MaxTokens   *int        `json:"max_tokens,omitempty"`
	TopP        *float64    `json:"top_p,omitempty"`
	Stream      bool        `json:"stream,omitempty"`
	Stop        []string    `json:"stop,omitempty"`
	User        string      `json:"user,omitempty"`
}

// Completions handles POST /v1/completions — the legacy text-completion
// surface. The prompt is folded into a single user message and run
// through the same admission/AB/cache/dispatch pipeline chat requests
// use, fingerprinted and cached under its own cache kind.
func (h *ProxyHandler) Completions(w http.ResponseWriter, r *http.Request) {
	var body completionRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON", nil)
		return
	}
	chat := chatRequestBody{
		Model:       body.Model,
		Messages:    []provider.ChatMessage{{Role: "user", Content: promptText(body.Prompt)}},
		Temperature: body.Temperature,
		MaxTokens:   body.MaxTokens,
		TopP:        body.TopP,
		Stream:      body.Stream,
		Stop:        body.Stop,
		User:        body.User,
	}
	h.proxyChat(w, r, "/v1/completions", caching.KindCompletion, chat)
}

// promptText normalises the legacy completions prompt field, which the
// OpenAI-compatible wire format allows as either a string or an array
// of strings (the string entries are concatenated in order, with no
// separator; non-string entries are skipped).
func promptText(raw interface{}) string {
	switch v := raw.(type) {
	case string:
		return v
	case []interface{}:
		var out string
		for _, p := range v {
			if s, ok := p.(string); ok {
				out += s
			}
		}
		return out
	default:
		return ""
	}
}

// proxyChat runs the admission/AB/cache/dispatch pipeline shared by the
// chat and legacy text-completion surfaces, parameterized by the
// endpoint path (used for evaluation/analytics labeling) and cache
// kind (used for fingerprinting and storage).
func (h *ProxyHandler) proxyChat(w http.ResponseWriter, r *http.Request, endpoint string, kind caching.Kind, body chatRequestBody) {
	start := time.Now()
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	resolved, ok := middleware.GetResolved(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication_required", "request is not authenticated", nil)
		return
	}
	project := resolved.Project

	admitReq := &admission.ChatRequest{
		ContentLength: r.ContentLength,
		Model:         body.Model,
		Messages:      toAdmissionMessages(body.Messages),
		Temperature:   body.Temperature,
		MaxTokens:     body.MaxTokens,
		Stop:          body.Stop,
		ToolCount:     len(body.Tools),
	}
	if aerr := admission.ValidateChat(admitReq); aerr != nil {
		writeAdmissionError(w, aerr)
		return
	}

	model := body.Model
	variantName := ""
	if spec, ok := h.abSpecs[project.ID]; ok {
		variant, _ := abrouter.Select(spec, nil)
		model = variant.Model
		variantName = variant.Name
	}
	providerName := provider.DetectProvider(model)
	if h.metrics != nil && variantName != "" {
		h.metrics.TrackABAssignment(project.ID, variantName)
	}

	fpInput := caching.FingerprintInput{
		Model:          model,
		Temperature:    body.Temperature,
		TopP:           body.TopP,
		ResponseFormat: body.ResponseFormat,
	}
	if len(body.Tools) > 0 {
		if raw, err := json.Marshal(body.Tools); err == nil {
			fpInput.Tools = raw
		}
	}
	for _, m := range body.Messages {
		fpInput.Messages = append(fpInput.Messages, caching.FingerprintMessage{Role: m.Role, Content: extractText(m.Content)})
	}
	fingerprint := caching.Fingerprint(kind, fpInput)
	normalizedText := normalizeForSemanticCache(body.Messages)

	lookup, err := h.cache.Lookup(r.Context(), project.ID, kind, fingerprint, normalizedText)
	if err != nil {
		h.logger.Warn().Err(err).Msg("cache lookup errored — treating as miss")
	}
	if h.metrics != nil {
		h.metrics.TrackCacheLookup(string(kind), lookup != nil && lookup.Hit)
	}
	if lookup != nil && lookup.Hit {
		h.serveCacheHit(w, r, requestID, project, providerName, model, variantName, endpoint, body.Stream, lookup, start)
		return
	}

	req := &provider.ChatRequest{
		Model: model, Messages: body.Messages, MaxTokens: body.MaxTokens,
		Temperature: body.Temperature, TopP: body.TopP, Stream: body.Stream,
		Stop: body.Stop, Tools: body.Tools, ToolChoice: body.ToolChoice, User: body.User,
	}
	inputTokens := h.tokens.EstimateMessages(body.Messages)
	pending := h.tracker.Open(requestID, project.ID, providerName, model, inputTokens, body.Stream)

	if body.Stream {
		h.handleStreaming(w, r, requestID, project, pending, req, variantName, endpoint)
		return
	}
	h.handleBuffered(w, r, requestID, project, pending, req, variantName, endpoint, kind, fingerprint, normalizedText)
}

func (h *ProxyHandler) serveCacheHit(
	w http.ResponseWriter, r *http.Request, requestID string, project resolver.Project,
	providerName, model, variant, endpoint string, stream bool, lookup *caching.LookupResult, start time.Time,
) {
	w.Header().Set("X-Cache", "HIT")
	w.Header().Set("X-Cache-Kind", lookup.CacheKind)

	if stream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "data: %s\n\n", lookup.Entry.Body)
		fmt.Fprint(w, "data: [DONE]\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	} else {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(lookup.Entry.Body)
	}

	h.quota.Record(r.Context(), project.ID)
	pending := h.tracker.Open(requestID, project.ID, providerName, model, lookup.Entry.Usage.PromptTokens, stream)
	row := h.tracker.Settle(pending, lookup.Entry.Usage.CompletionTokens, true, "")
	row.LatencyMs = time.Since(start).Milliseconds()
	h.afterResponse(r.Context(), requestID, project, providerName, model, variant, endpoint, row, true, lookup.Similarity, lookup.Entry.Body)
}

func (h *ProxyHandler) handleBuffered(
	w http.ResponseWriter, r *http.Request, requestID string, project resolver.Project,
	pending *accounting.Pending, req *provider.ChatRequest, variant, endpoint string, kind caching.Kind, fingerprint, normalizedText string,
) {
	resp, category, err := h.dispatcher.ChatCompletion(r.Context(), req)
	if err != nil {
		status := dispatch.StatusFor(category)
		writeError(w, status, string(category), "upstream dispatch failed", nil)
		row := h.tracker.Settle(pending, 0, false, string(category))
		h.afterResponse(r.Context(), requestID, project, pending.Provider, pending.Model, variant, endpoint, row, false, 0, nil)
		return
	}

	body, _ := json.Marshal(resp)
	w.Header().Set("X-Cache", "MISS")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)

	h.quota.Record(r.Context(), project.ID)
	row := h.tracker.Settle(pending, resp.Usage.CompletionTokens, false, "")

	go h.cache.Store(context.WithoutCancel(r.Context()), project.ID, kind, fingerprint, pending.Model, normalizedText, caching.Entry{
		Body:  body,
		Usage: caching.Usage{PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens, TotalTokens: resp.Usage.TotalTokens},
	})

	h.afterResponse(r.Context(), requestID, project, pending.Provider, pending.Model, variant, endpoint, row, false, 0, body)
}

func (h *ProxyHandler) handleStreaming(
	w http.ResponseWriter, r *http.Request, requestID string, project resolver.Project,
	pending *accounting.Pending, req *provider.ChatRequest, variant, endpoint string,
) {
	w.Header().Set("X-Cache", "MISS")
	result := h.dispatcher.ChatCompletionStream(r.Context(), w, req)

	h.quota.Record(r.Context(), project.ID)
	metrics := result.Metrics.Snapshot()
	row := h.tracker.SettleEstimated(pending, metrics.TokensEstimated, string(result.Category))
	row.Stream = true

	h.afterResponse(r.Context(), requestID, project, pending.Provider, pending.Model, variant, endpoint, row, false, 0, nil)
}

// afterResponse fans usage out to analytics and, when sampled, triggers
// evaluation — both happen only after the client already has its
// response on the wire.
func (h *ProxyHandler) afterResponse(
	ctx context.Context, requestID string, project resolver.Project, providerName, model, variant, endpoint string,
	row accounting.UsageRow, cacheHit bool, similarity float64, responseBody []byte,
) {
	if h.metrics != nil {
		status := "ok"
		if row.FailureCategory != "" {
			status = row.FailureCategory
		}
		h.metrics.TrackRequest(providerName, model, endpoint, status, float64(row.LatencyMs), int64(row.InputTokens), int64(row.OutputTokens))
		if row.CostUSD > 0 {
			h.metrics.TrackCost(providerName, model, row.CostUSD)
		}
	}

	h.pipeline.TrackUsage(analytics.UsageEvent{
		RequestID: requestID, TraceID: requestID, Project: project.ID, Model: model, Provider: providerName,
		Endpoint: endpoint, InputTokens: row.InputTokens, OutputTokens: row.OutputTokens, TotalTokens: row.TotalTokens,
		CostUSD: row.CostUSD, Estimated: row.Estimated, Stream: row.Stream, IsCached: cacheHit,
		CacheSimilarity: float32(similarity), LatencyMs: row.LatencyMs, StatusCode: http.StatusOK,
		FailureCategory: row.FailureCategory, Variant: variant, CreatedAt: time.Now(),
	})

	if responseBody == nil || h.evalEngine == nil || h.evalRules == nil || h.evalSample <= 0 {
		return
	}
	if h.evalSample < 1 && rand.Float64() > h.evalSample {
		return
	}
	evalInput := evaluation.Input{
		RequestID: requestID, Model: model, Path: endpoint,
		ResponseBody: responseBody, LatencyMs: float64(row.LatencyMs), CostUSD: row.CostUSD,
		RequestedAt: time.Now(),
	}
	for _, ruleSet := range h.evalRules.ForProject(project.ID) {
		if !ruleSet.Filter.Matches(model, endpoint, nil, row.CostUSD) {
			continue
		}
		if ruleSet.SampleRate < 1 && rand.Float64() >= ruleSet.SampleRate {
			continue
		}

		runEval := func(rs evaluation.RuleSet, evalCtx context.Context) {
			result := h.evalEngine.Evaluate(evalCtx, rs, evalInput)
			h.pipeline.TrackEvaluation(analytics.EvaluationEvent{
				EventID: uuid.NewString(), RequestID: requestID, RuleSetID: rs.ID,
				Passed: result.Passed, Score: result.Score, Failures: result.Failures, CreatedAt: time.Now(),
			})
			if h.metrics != nil {
				h.metrics.TrackEvaluation(rs.ID, result.Passed)
			}
		}
		if ruleSet.Async {
			go runEval(ruleSet, context.WithoutCancel(ctx))
		} else {
			runEval(ruleSet, ctx)
		}
	}
}

// Embeddings handles POST /v1/embeddings.
func (h *ProxyHandler) Embeddings(w http.ResponseWriter, r *http.Request) {
	resolved, ok := middleware.GetResolved(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication_required", "request is not authenticated", nil)
		return
	}

	var req provider.EmbeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON", nil)
		return
	}
	if !admission.AllowedModels[req.Model] {
		writeError(w, http.StatusBadRequest, "model_not_allowed", fmt.Sprintf("model %q is not in the allow-list", req.Model), nil)
		return
	}

	start := time.Now()
	resp, category, err := h.dispatcher.Embeddings(r.Context(), &req)
	if err != nil {
		if h.metrics != nil {
			h.metrics.TrackRequest(provider.DetectProvider(req.Model), req.Model, "/v1/embeddings", string(category), float64(time.Since(start).Milliseconds()), 0, 0)
		}
		writeError(w, dispatch.StatusFor(category), string(category), "upstream dispatch failed", nil)
		return
	}

	body, _ := json.Marshal(resp)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)

	providerName := provider.DetectProvider(req.Model)
	requestID := r.Header.Get("X-Request-ID")
	row := h.tracker.SettleEmbedding(requestID, resolved.Project.ID, providerName, req.Model, resp.Usage.TotalTokens, time.Since(start))
	if h.metrics != nil {
		h.metrics.TrackRequest(providerName, req.Model, "/v1/embeddings", "ok", float64(row.LatencyMs), int64(row.InputTokens), 0)
		if row.CostUSD > 0 {
			h.metrics.TrackCost(providerName, req.Model, row.CostUSD)
		}
	}
	h.pipeline.TrackUsage(analytics.UsageEvent{
		RequestID: row.RequestID, TraceID: row.RequestID, Project: row.Project, Model: row.Model, Provider: row.Provider,
		Endpoint: "/v1/embeddings", InputTokens: row.InputTokens, TotalTokens: row.TotalTokens, CostUSD: row.CostUSD,
		LatencyMs: row.LatencyMs, StatusCode: http.StatusOK, CreatedAt: time.Now(),
	})
}

// Models lists every model registered across wired providers.
func (h *ProxyHandler) Models(w http.ResponseWriter, r *http.Request) {
	type modelEntry struct {
		ID             string  `json:"id"`
		Provider       string  `json:"provider"`
		Free           bool    `json:"free"`
		InputPer1K     float64 `json:"input_per_1k_usd,omitempty"`
		OutputPer1K    float64 `json:"output_per_1k_usd,omitempty"`
		EmbeddingPer1K float64 `json:"embedding_per_1k_usd,omitempty"`
	}
	var models []modelEntry
	for _, name := range h.registry.List() {
		p, _ := h.registry.Get(name)
		for _, m := range p.Models() {
			entry := modelEntry{ID: m, Provider: name}
			if price, ok := h.costEngine.Price(name, m); ok {
				entry.Free = price.Free
				entry.InputPer1K = price.InputPer1K
				entry.OutputPer1K = price.OutputPer1K
				entry.EmbeddingPer1K = price.EmbeddingPer1K
			}
			models = append(models, entry)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"object": "list", "data": models})
}

// ProjectMetrics handles GET /v1/projects/{project}/metrics — the
// project's running usage/cost aggregate since process start.
func (h *ProxyHandler) ProjectMetrics(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	writeJSON(w, http.StatusOK, h.tracker.Stats(project))
}

// ProviderHealth reports health for every wired provider.
func (h *ProxyHandler) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	results := h.registry.HealthCheckAll(r.Context())
	if h.metrics != nil {
		for name, status := range results {
			h.metrics.TrackProviderHealth(name, status.Healthy)
		}
	}
	writeJSON(w, http.StatusOK, results)
}

func toAdmissionMessages(messages []provider.ChatMessage) []admission.ChatMessage {
	out := make([]admission.ChatMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, admission.ChatMessage{Role: m.Role, Content: extractText(m.Content)})
	}
	return out
}

func extractText(content interface{}) string {
	switch c := content.(type) {
	case string:
		return c
	case []interface{}:
		var out string
		for _, block := range c {
			if m, ok := block.(map[string]interface{}); ok {
				if t, ok := m["text"].(string); ok {
					out += t
				}
			}
		}
		return out
	default:
		return ""
	}
}

func normalizeForSemanticCache(messages []provider.ChatMessage) string {
	var out string
	for _, m := range messages {
		out += extractText(m.Content) + " "
	}
	return out
}

// writeError writes the user-visible error envelope
// {error:{message,type,code,details}} with code set to errType; details
// may be nil. Use writeErrorCode for a code distinct from the type.
func writeError(w http.ResponseWriter, status int, errType, message string, details map[string]interface{}) {
	writeErrorCode(w, status, errType, errType, message, details)
}

// writeErrorCode is writeError with an explicit code distinct from the
// broad error type (e.g. type "invalid_request", code "invalid_stop").
func writeErrorCode(w http.ResponseWriter, status int, errType, code, message string, details map[string]interface{}) {
	body := map[string]interface{}{"type": errType, "code": code, "message": message}
	if len(details) > 0 {
		body["details"] = details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}

func writeAdmissionError(w http.ResponseWriter, aerr *admission.Error) {
	status := http.StatusBadRequest
	if aerr.Code == "payload_too_large" {
		status = http.StatusRequestEntityTooLarge
	}
	writeErrorCode(w, status, aerr.Type, aerr.Code, aerr.Message, nil)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// GetAPIKeyFromRequest extracts the bearer token from the Authorization
// header, for callers that need it before auth middleware has resolved
// a project (e.g. admin endpoints authenticating separately).
func GetAPIKeyFromRequest(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	return auth
}
