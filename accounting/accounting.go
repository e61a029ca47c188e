/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Cost & token accountant — per-1k-token pricing for chat
             and embedding usage, an estimate-then-reconcile flow for
             requests that start before their real cost is known, and
             the single usage row each request settles into.
Root Cause:  Sprint task G080 — cost accounting, the layer that turns
             a dispatch outcome into a billable usage row.
Context:     No wallet or balance concept exists at this layer; a
             pending usage row is opened at dispatch time and settled
             with actual or estimated tokens once the response (or
             stream) concludes.
Suitability: L3 — financial arithmetic plus a two-phase bookkeeping
             pattern.
──────────────────────────────────────────────────────────────
*/

package accounting

import (
	"sync"
	"time"

	"github.com/watchllm/gateway/provider"
)

// ModelPrice is per-1k-token pricing for one provider/model pair.
type ModelPrice struct {
	Provider       string
	Model          string
	InputPer1K     float64
	OutputPer1K    float64
	EmbeddingPer1K float64
	Free           bool
}

// Engine calculates USD cost for completed or estimated usage.
type Engine struct {
	mu     sync.RWMutex
	prices map[string]ModelPrice
}

func NewEngine() *Engine {
	return &Engine{prices: defaultPrices()}
}

func key(provider, model string) string { return provider + "/" + model }

// UpdatePrice overrides or adds pricing for a provider/model pair.
func (e *Engine) UpdatePrice(p ModelPrice) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[key(p.Provider, p.Model)] = p
}

func (e *Engine) lookup(provider, model string) (ModelPrice, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.prices[key(provider, model)]
	if !ok {
		p, ok = e.prices[model]
	}
	return p, ok
}

// Price returns the pricing entry for a provider/model pair, if any is
// registered.
func (e *Engine) Price(provider, model string) (ModelPrice, bool) {
	return e.lookup(provider, model)
}

// ChatCost computes the USD cost of a chat/completion request given
// actual input and output token counts.
func (e *Engine) ChatCost(provider, model string, inputTokens, outputTokens int) float64 {
	p, ok := e.lookup(provider, model)
	if !ok || p.Free {
		return 0
	}
	return float64(inputTokens)/1000*p.InputPer1K + float64(outputTokens)/1000*p.OutputPer1K
}

// EmbeddingCost computes the USD cost of an embeddings request.
func (e *Engine) EmbeddingCost(provider, model string, tokens int) float64 {
	p, ok := e.lookup(provider, model)
	if !ok || p.Free {
		return 0
	}
	return float64(tokens) / 1000 * p.EmbeddingPer1K
}

// IsFree reports whether a model carries no charge.
func (e *Engine) IsFree(provider, model string) bool {
	p, ok := e.lookup(provider, model)
	return ok && p.Free
}

func defaultPrices() map[string]ModelPrice {
	return map[string]ModelPrice{
		"openai/gpt-4o":                 {Provider: "openai", Model: "gpt-4o", InputPer1K: 0.0025, OutputPer1K: 0.0100},
		"openai/gpt-4o-mini":            {Provider: "openai", Model: "gpt-4o-mini", InputPer1K: 0.00015, OutputPer1K: 0.00060},
		"openai/gpt-4-turbo":            {Provider: "openai", Model: "gpt-4-turbo", InputPer1K: 0.0100, OutputPer1K: 0.0300},
		"openai/gpt-3.5-turbo":          {Provider: "openai", Model: "gpt-3.5-turbo", InputPer1K: 0.00050, OutputPer1K: 0.00150},
		"openai/o1":                     {Provider: "openai", Model: "o1", InputPer1K: 0.0150, OutputPer1K: 0.0600},
		"openai/o1-mini":                {Provider: "openai", Model: "o1-mini", InputPer1K: 0.0030, OutputPer1K: 0.0120},
		"openai/text-embedding-3-small": {Provider: "openai", Model: "text-embedding-3-small", EmbeddingPer1K: 0.00002},
		"openai/text-embedding-3-large": {Provider: "openai", Model: "text-embedding-3-large", EmbeddingPer1K: 0.00013},
		"anthropic/claude-3-opus-20240229":     {Provider: "anthropic", Model: "claude-3-opus-20240229", InputPer1K: 0.0150, OutputPer1K: 0.0750},
		"anthropic/claude-3-5-sonnet-20241022": {Provider: "anthropic", Model: "claude-3-5-sonnet-20241022", InputPer1K: 0.0030, OutputPer1K: 0.0150},
		"anthropic/claude-3-haiku-20240307":    {Provider: "anthropic", Model: "claude-3-haiku-20240307", InputPer1K: 0.00025, OutputPer1K: 0.00125},
		"groq/llama-3.3-70b-versatile":       {Provider: "groq", Model: "llama-3.3-70b-versatile", Free: true},
		"groq/llama-3.1-8b-instant":          {Provider: "groq", Model: "llama-3.1-8b-instant", Free: true},
		"groq/mixtral-8x7b-32768":            {Provider: "groq", Model: "mixtral-8x7b-32768", Free: true},
		"groq/gemma2-9b-it":                  {Provider: "groq", Model: "gemma2-9b-it", Free: true},
		"groq/deepseek-r1-distill-llama-70b": {Provider: "groq", Model: "deepseek-r1-distill-llama-70b", Free: true},
	}
}

// TokenCounter estimates prompt token counts from message text before
// a request ever reaches a provider, using a character-based ratio
// since exact tokenization is provider- and model-specific.
type TokenCounter struct {
	charsPerToken float64
}

// NewTokenCounter creates a counter with the given characters-per-token
// ratio. English text averages ~4; code ~3.5; multilingual text ~2.5.
func NewTokenCounter(charsPerToken float64) *TokenCounter {
	if charsPerToken <= 0 {
		charsPerToken = 4.0
	}
	return &TokenCounter{charsPerToken: charsPerToken}
}

// EstimateText estimates the token count of a single string.
func (tc *TokenCounter) EstimateText(text string) int {
	if len(text) == 0 {
		return 0
	}
	return int(float64(len(text))/tc.charsPerToken) + 3
}

// EstimateMessages estimates the prompt token count for a full chat
// request, including the per-message role/separator overhead.
func (tc *TokenCounter) EstimateMessages(messages []provider.ChatMessage) int {
	total := 0
	for _, msg := range messages {
		total += 4
		if s, ok := msg.Content.(string); ok {
			total += tc.EstimateText(s)
		}
		if msg.Name != "" {
			total += tc.EstimateText(msg.Name)
		}
	}
	total += 2
	return total
}

// UsageRow is the single row a request settles into, whether its
// tokens came from a provider-reported usage block or were estimated
// from streamed SSE bytes.
type UsageRow struct {
	RequestID    string    `json:"request_id"`
	Project      string    `json:"project"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	TotalTokens  int       `json:"total_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Estimated    bool      `json:"estimated"`
	Stream       bool      `json:"stream"`
	CacheHit     bool      `json:"cache_hit"`
	FailureCategory string `json:"failure_category,omitempty"`
	LatencyMs    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// Pending is an in-flight request opened at dispatch time, before its
// actual cost is known, and settled once the response (or stream)
// concludes.
type Pending struct {
	RequestID   string
	Project     string
	Provider    string
	Model       string
	InputTokens int
	Stream      bool
	startedAt   time.Time
}

// ProjectStats is a running per-project usage/cost aggregate, kept in
// memory for the process lifetime and reset on restart.
type ProjectStats struct {
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	CacheHits    int64   `json:"cache_hits"`
	Errors       int64   `json:"errors"`
}

// Tracker opens and settles Pending usage, producing the UsageRow that
// feeds the analytics pipeline, and keeps a running per-project
// aggregate for the metrics surface.
type Tracker struct {
	engine *Engine

	mu    sync.Mutex
	stats map[string]*ProjectStats
}

func NewTracker(engine *Engine) *Tracker {
	return &Tracker{engine: engine, stats: make(map[string]*ProjectStats)}
}

func (t *Tracker) recordStats(row UsageRow) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.stats[row.Project]
	if !ok {
		s = &ProjectStats{}
		t.stats[row.Project] = s
	}
	s.Requests++
	s.InputTokens += int64(row.InputTokens)
	s.OutputTokens += int64(row.OutputTokens)
	s.TotalTokens += int64(row.TotalTokens)
	s.CostUSD += row.CostUSD
	if row.CacheHit {
		s.CacheHits++
	}
	if row.FailureCategory != "" {
		s.Errors++
	}
}

// Stats returns a project's running usage/cost aggregate, zero-valued
// if the project has settled no usage yet.
func (t *Tracker) Stats(project string) ProjectStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.stats[project]; ok {
		return *s
	}
	return ProjectStats{}
}

// Open starts tracking a request given its resolved provider/model and
// prompt token count.
func (t *Tracker) Open(requestID, project, provider, model string, inputTokens int, stream bool) *Pending {
	return &Pending{
		RequestID: requestID, Project: project, Provider: provider, Model: model,
		InputTokens: inputTokens, Stream: stream, startedAt: time.Now(),
	}
}

// Settle closes a Pending with a provider-reported, exact output token
// count. Estimated is always false on this path.
func (t *Tracker) Settle(p *Pending, outputTokens int, cacheHit bool, failureCategory string) UsageRow {
	cost := t.engine.ChatCost(p.Provider, p.Model, p.InputTokens, outputTokens)
	row := UsageRow{
		RequestID: p.RequestID, Project: p.Project, Provider: p.Provider, Model: p.Model,
		InputTokens: p.InputTokens, OutputTokens: outputTokens, TotalTokens: p.InputTokens + outputTokens,
		CostUSD: cost, Estimated: false, Stream: p.Stream, CacheHit: cacheHit,
		FailureCategory: failureCategory, LatencyMs: time.Since(p.startedAt).Milliseconds(),
		CreatedAt: time.Now(),
	}
	t.recordStats(row)
	return row
}

// SettleEstimated closes a Pending with a token count derived from the
// dispatch layer's SSE byte-length heuristic rather than a
// provider-reported usage block — the only path that ever sets
// Estimated true, e.g. after a mid-stream client disconnect where no
// final usage frame ever arrived.
func (t *Tracker) SettleEstimated(p *Pending, estimatedOutputTokens int, failureCategory string) UsageRow {
	cost := t.engine.ChatCost(p.Provider, p.Model, p.InputTokens, estimatedOutputTokens)
	row := UsageRow{
		RequestID: p.RequestID, Project: p.Project, Provider: p.Provider, Model: p.Model,
		InputTokens: p.InputTokens, OutputTokens: estimatedOutputTokens, TotalTokens: p.InputTokens + estimatedOutputTokens,
		CostUSD: cost, Estimated: true, Stream: p.Stream, CacheHit: false,
		FailureCategory: failureCategory, LatencyMs: time.Since(p.startedAt).Milliseconds(),
		CreatedAt: time.Now(),
	}
	t.recordStats(row)
	return row
}

// SettleEmbedding closes out an embeddings request, which never
// streams and always reports an exact token count.
func (t *Tracker) SettleEmbedding(requestID, project, provider, model string, tokens int, latency time.Duration) UsageRow {
	cost := t.engine.EmbeddingCost(provider, model, tokens)
	row := UsageRow{
		RequestID: requestID, Project: project, Provider: provider, Model: model,
		InputTokens: tokens, TotalTokens: tokens, CostUSD: cost, Estimated: false,
		LatencyMs: latency.Milliseconds(), CreatedAt: time.Now(),
	}
	t.recordStats(row)
	return row
}
