/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Cache Engine — exact-key cache (chat/completion/
             embedding) over the shared KV plus an optional
             semantic-similarity cache of recent per-(project,kind)
             entries with cosine similarity matching. Includes
             cache-poisoning response validation and bounded
             eviction.
Root Cause:  Sprint tasks G040-G045 — response caching.
Context:     At most one lookup + one fire-and-forget write per
             request; a write failure never blocks the response.
Suitability: L3 — cache architecture with a vector-similarity path.
──────────────────────────────────────────────────────────────
*/

package caching

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/rs/zerolog"
	"github.com/watchllm/gateway/redisclient"
)

// Kind namespaces the three cacheable request shapes.
type Kind string

const (
	KindChat       Kind = "chat"
	KindCompletion Kind = "completion"
	KindEmbedding  Kind = "embedding"
)

// FingerprintInput holds only the parameters that influence output, per
// the normalisation rule: lowercase + whitespace-collapse message content,
// preserve role order, drop everything that doesn't affect the response.
type FingerprintInput struct {
	Model          string
	Messages       []FingerprintMessage
	Temperature    *float64
	TopP           *float64
	Tools          json.RawMessage
	ResponseFormat json.RawMessage
}

type FingerprintMessage struct {
	Role    string
	Content string
}

// Fingerprint computes `kind:hash(canonical_json)` for the exact cache.
func Fingerprint(kind Kind, in FingerprintInput) string {
	canon := struct {
		Model          string               `json:"model"`
		Messages       []FingerprintMessage `json:"messages"`
		Temperature    *float64             `json:"temperature,omitempty"`
		TopP           *float64             `json:"top_p,omitempty"`
		Tools          json.RawMessage      `json:"tools,omitempty"`
		ResponseFormat json.RawMessage      `json:"response_format,omitempty"`
	}{
		Model:          in.Model,
		Temperature:    in.Temperature,
		TopP:           in.TopP,
		Tools:          in.Tools,
		ResponseFormat: in.ResponseFormat,
	}
	for _, m := range in.Messages {
		canon.Messages = append(canon.Messages, FingerprintMessage{
			Role:    m.Role,
			Content: normalize(m.Content),
		})
	}
	b, _ := json.Marshal(canon)
	h := sha256.Sum256(b)
	return fmt.Sprintf("%s:%s", kind, hex.EncodeToString(h[:]))
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Entry is a stored response: the exact provider response body plus usage
// and lifetime metadata.
type Entry struct {
	Body      []byte    `json:"body"`
	Usage     Usage     `json:"usage"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// LookupResult is the outcome of a cache read.
type LookupResult struct {
	Hit        bool
	Entry      Entry
	CacheKind  string // "exact" | "semantic"
	Similarity float64
}

// EmbeddingFunc generates an embedding vector for text; supplied by the
// caller since no embedding model ships in this core.
type EmbeddingFunc func(ctx context.Context, text string) ([]float64, error)

// Config holds cache-wide settings, matching the environment surface in
// SPEC_FULL §6.1.
type Config struct {
	SemanticEnabled   bool
	SimilarityThresh  float64
	MaxPerPartition   int
	DefaultTTL        time.Duration
	ModelTTLOverrides map[string]time.Duration
	ValidateResponses bool
	MinResponseLength int
}

func DefaultConfig() Config {
	return Config{
		SemanticEnabled:   false,
		SimilarityThresh:  0.92,
		MaxPerPartition:   50,
		DefaultTTL:        time.Hour,
		ModelTTLOverrides: map[string]time.Duration{},
		ValidateResponses: true,
		MinResponseLength: 2,
	}
}

type semanticEntry struct {
	text      string
	embedding []float64
	entry     Entry
	seq       int64
}

type partition struct {
	mu      sync.Mutex
	entries []*semanticEntry
}

// Engine is the cache engine: exact cache over the shared KV, semantic
// cache over process-local bounded partitions.
type Engine struct {
	kv      *redisclient.Client
	log     zerolog.Logger
	cfg     Config
	embedFn EmbeddingFunc

	partitions *otter.Cache[string, *partition]
	seq        int64

	hits, misses, evictions int64
}

// New creates a cache Engine. embedFn may be nil if semantic caching is
// disabled.
func New(kv *redisclient.Client, log zerolog.Logger, cfg Config, embedFn EmbeddingFunc) *Engine {
	parts, err := otter.New(&otter.Options[string, *partition]{MaximumSize: 10_000})
	if err != nil {
		panic(err)
	}
	return &Engine{
		kv:         kv,
		log:        log.With().Str("component", "cache").Logger(),
		cfg:        cfg,
		embedFn:    embedFn,
		partitions: parts,
	}
}

// Lookup tries the exact cache first, then the semantic cache (if enabled
// for the caller). At most one lookup is performed per request.
func (e *Engine) Lookup(ctx context.Context, project string, kind Kind, fingerprint, normalizedText string) (*LookupResult, error) {
	if entry, ok, err := e.lookupExact(ctx, fingerprint); err != nil {
		e.log.Warn().Err(err).Msg("exact cache lookup failed — treating as miss")
	} else if ok {
		atomic.AddInt64(&e.hits, 1)
		return &LookupResult{Hit: true, Entry: entry, CacheKind: "exact", Similarity: 1.0}, nil
	}

	if !e.cfg.SemanticEnabled || e.embedFn == nil {
		atomic.AddInt64(&e.misses, 1)
		return &LookupResult{Hit: false}, nil
	}

	embedding, err := e.embedFn(ctx, normalizedText)
	if err != nil {
		atomic.AddInt64(&e.misses, 1)
		e.log.Debug().Err(err).Msg("embedding generation failed, semantic cache miss")
		return &LookupResult{Hit: false}, nil
	}

	key := partitionKey(project, kind)
	p, ok := e.partitions.GetIfPresent(key)
	if !ok {
		atomic.AddInt64(&e.misses, 1)
		return &LookupResult{Hit: false}, nil
	}

	now := time.Now()
	p.mu.Lock()
	var best *semanticEntry
	var bestSim float64
	for _, se := range p.entries {
		if se.entry.ExpiresAt.Before(now) {
			continue
		}
		sim := cosineSimilarity(embedding, se.embedding)
		if sim > bestSim {
			bestSim = sim
			best = se
		}
	}
	p.mu.Unlock()

	if best != nil && bestSim >= e.cfg.SimilarityThresh {
		if e.cfg.ValidateResponses && !e.validate(best.entry) {
			e.log.Warn().Float64("similarity", bestSim).Msg("semantic hit failed validation, treating as miss")
			atomic.AddInt64(&e.misses, 1)
			return &LookupResult{Hit: false, Similarity: bestSim}, nil
		}
		atomic.AddInt64(&e.hits, 1)
		return &LookupResult{Hit: true, Entry: best.entry, CacheKind: "semantic", Similarity: bestSim}, nil
	}

	atomic.AddInt64(&e.misses, 1)
	return &LookupResult{Hit: false, Similarity: bestSim}, nil
}

// Store writes a response to the exact cache and, if enabled, the
// semantic partition. Failures are logged, never propagated to the
// caller — writes are fire-and-forget by contract.
func (e *Engine) Store(ctx context.Context, project string, kind Kind, fingerprint, model, normalizedText string, entry Entry) {
	ttl := e.cfg.DefaultTTL
	if o, ok := e.cfg.ModelTTLOverrides[model]; ok {
		ttl = o
	}
	if entry.ExpiresAt.IsZero() {
		entry.ExpiresAt = time.Now().Add(ttl)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	if err := e.storeExact(ctx, fingerprint, entry, ttl); err != nil {
		e.log.Warn().Err(err).Msg("exact cache write failed")
	}

	if !e.cfg.SemanticEnabled || e.embedFn == nil {
		return
	}
	embedding, err := e.embedFn(ctx, normalizedText)
	if err != nil {
		e.log.Warn().Err(err).Msg("semantic cache embedding failed on write")
		return
	}

	key := partitionKey(project, kind)
	p, ok := e.partitions.GetIfPresent(key)
	if !ok {
		p = &partition{}
		e.partitions.Set(key, p)
	}

	se := &semanticEntry{
		text:      normalizedText,
		embedding: embedding,
		entry:     entry,
		seq:       atomic.AddInt64(&e.seq, 1),
	}

	p.mu.Lock()
	p.entries = append(p.entries, se)
	if len(p.entries) > e.cfg.MaxPerPartition {
		sort.Slice(p.entries, func(i, j int) bool { return p.entries[i].seq < p.entries[j].seq })
		drop := len(p.entries) - e.cfg.MaxPerPartition
		p.entries = p.entries[drop:]
		atomic.AddInt64(&e.evictions, int64(drop))
	}
	p.mu.Unlock()
}

// Invalidate removes the exact-cache entry for a fingerprint and purges
// expired semantic entries for (project, kind).
func (e *Engine) Invalidate(ctx context.Context, project string, kind Kind, fingerprint string) error {
	if fingerprint != "" && e.kv != nil {
		if err := e.kv.Del(ctx, exactKey(fingerprint)); err != nil {
			return err
		}
	}
	key := partitionKey(project, kind)
	if p, ok := e.partitions.GetIfPresent(key); ok {
		now := time.Now()
		p.mu.Lock()
		kept := p.entries[:0]
		for _, se := range p.entries {
			if se.entry.ExpiresAt.After(now) {
				kept = append(kept, se)
			}
		}
		p.entries = kept
		p.mu.Unlock()
	}
	return nil
}

func (e *Engine) validate(entry Entry) bool {
	if len(entry.Body) < e.cfg.MinResponseLength {
		return false
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal(entry.Body, &parsed); err != nil {
		return false
	}
	if errField, ok := parsed["error"]; ok && errField != nil {
		return false
	}
	if choices, ok := parsed["choices"]; ok {
		if arr, ok := choices.([]interface{}); ok && len(arr) == 0 {
			return false
		}
	}
	return true
}

func (e *Engine) lookupExact(ctx context.Context, fingerprint string) (Entry, bool, error) {
	if e.kv == nil {
		return Entry{}, false, nil
	}
	raw, ok, err := e.kv.Get(ctx, exactKey(fingerprint))
	if err != nil {
		return Entry{}, false, err
	}
	if !ok {
		return Entry{}, false, nil
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Entry{}, false, err
	}
	if entry.ExpiresAt.Before(time.Now()) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (e *Engine) storeExact(ctx context.Context, fingerprint string, entry Entry, ttl time.Duration) error {
	if e.kv == nil {
		return nil
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return e.kv.Set(ctx, exactKey(fingerprint), string(b), ttl)
}

func exactKey(fingerprint string) string {
	return "cache:" + fingerprint
}

func partitionKey(project string, kind Kind) string {
	return project + ":" + string(kind)
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Stats returns cumulative cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
}

func (e *Engine) Stats() Stats {
	return Stats{
		Hits:      atomic.LoadInt64(&e.hits),
		Misses:    atomic.LoadInt64(&e.misses),
		Evictions: atomic.LoadInt64(&e.evictions),
	}
}
