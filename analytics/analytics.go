/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Async observability fan-out — buffered, batched,
             retrying ingestion of usage and evaluation events off
             the request path, with pluggable sinks (stdout log,
             local SQLite mirror, ClickHouse placeholder).
Root Cause:  Sprint task T117 — event ingestion pipeline, narrowed
             from three event channels to two (no wallet system
             exists at this layer) and given a bounded 128-row/500ms
             default batch window.
Context:     Must never block the request path; a full buffer drops
             the event and increments a counter rather than applying
             backpressure.
Suitability: L3 — concurrency and reliability engineering.
──────────────────────────────────────────────────────────────
*/

package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// UsageEvent mirrors a settled accounting.UsageRow, the row every
// chat/completion/embeddings request produces once dispatch concludes.
type UsageEvent struct {
	RequestID       string    `json:"request_id"`
	TraceID         string    `json:"trace_id"`
	Project         string    `json:"project"`
	Model           string    `json:"model"`
	Provider        string    `json:"provider"`
	Endpoint        string    `json:"endpoint"`
	InputTokens     int       `json:"input_tokens"`
	OutputTokens    int       `json:"output_tokens"`
	TotalTokens     int       `json:"total_tokens"`
	CostUSD         float64   `json:"cost_usd"`
	Estimated       bool      `json:"estimated"`
	Stream          bool      `json:"stream"`
	IsCached        bool      `json:"is_cached"`
	CacheSimilarity float32   `json:"cache_similarity"`
	LatencyMs       int64     `json:"latency_ms"`
	StatusCode      int       `json:"status_code"`
	FailureCategory string    `json:"failure_category"`
	Variant         string    `json:"variant"`
	CreatedAt       time.Time `json:"created_at"`
}

// EvaluationEvent captures the outcome of a single evaluation run
// against a completed request, feeding quality dashboards.
type EvaluationEvent struct {
	EventID   string    `json:"event_id"`
	RequestID string    `json:"request_id"`
	RuleSetID string    `json:"rule_set_id"`
	Passed    bool      `json:"passed"`
	Score     float64   `json:"score"`
	Failures  []string  `json:"failures"`
	CreatedAt time.Time `json:"created_at"`
}

// Sink is the destination for fanned-out events.
type Sink interface {
	WriteUsage(ctx context.Context, events []UsageEvent) error
	WriteEvaluations(ctx context.Context, events []EvaluationEvent) error
	Close() error
}

// PipelineConfig controls batching and backpressure behavior.
type PipelineConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	Workers       int
}

// DefaultPipelineConfig returns the bounded 128-row/500ms default.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		BufferSize:    10000,
		BatchSize:     128,
		FlushInterval: 500 * time.Millisecond,
		Workers:       2,
	}
}

// Pipeline is the async observability fan-out engine.
type Pipeline struct {
	logger zerolog.Logger
	config PipelineConfig
	sink   Sink

	usageCh chan UsageEvent
	evalCh  chan EvaluationEvent

	wg     sync.WaitGroup
	cancel context.CancelFunc

	eventsReceived int64
	eventsWritten  int64
	eventsDropped  int64
	flushErrors    int64

	recentMu  sync.RWMutex
	recent    []UsageEvent
	recentCap int
}

func NewPipeline(logger zerolog.Logger, sink Sink, config ...PipelineConfig) *Pipeline {
	cfg := DefaultPipelineConfig()
	if len(config) > 0 {
		cfg = config[0]
	}
	return &Pipeline{
		logger:    logger.With().Str("component", "analytics-pipeline").Logger(),
		config:    cfg,
		sink:      sink,
		usageCh:   make(chan UsageEvent, cfg.BufferSize),
		evalCh:    make(chan EvaluationEvent, cfg.BufferSize),
		recentCap: 5000,
	}
}

func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.usageWorker(ctx)
	}
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.evalWorker(ctx)
	}
	p.logger.Info().Int("workers_per_type", p.config.Workers).Int("batch_size", p.config.BatchSize).
		Dur("flush_interval", p.config.FlushInterval).Msg("analytics pipeline started")
}

func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.drainUsage()
	p.drainEvaluations()
	if p.sink != nil {
		_ = p.sink.Close()
	}
	p.logger.Info().Int64("received", p.eventsReceived).Int64("written", p.eventsWritten).
		Int64("dropped", p.eventsDropped).Int64("flush_errors", p.flushErrors).Msg("analytics pipeline stopped")
}

// TrackUsage submits a usage event. Non-blocking: drops on a full buffer.
func (p *Pipeline) TrackUsage(event UsageEvent) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	select {
	case p.usageCh <- event:
		atomic.AddInt64(&p.eventsReceived, 1)
		p.recordRecent(event)
	default:
		atomic.AddInt64(&p.eventsDropped, 1)
		p.logger.Warn().Str("request_id", event.RequestID).Msg("usage event dropped: buffer full")
	}
}

func (p *Pipeline) recordRecent(event UsageEvent) {
	p.recentMu.Lock()
	defer p.recentMu.Unlock()
	p.recent = append(p.recent, event)
	if len(p.recent) > p.recentCap {
		p.recent = p.recent[len(p.recent)-p.recentCap:]
	}
}

// QueryFilter narrows a Query call over the bounded recent-usage-event
// window; zero-valued fields are unfiltered.
type QueryFilter struct {
	Project string
	Model   string
	Since   time.Time
	Until   time.Time
	Limit   int
}

// Query returns recent usage events matching filter, newest last. Only
// the last recentCap events are ever retained, so this is a lookback
// window, not a durable event store — durable history lives in the
// wired sink.
func (p *Pipeline) Query(f QueryFilter) []UsageEvent {
	p.recentMu.RLock()
	defer p.recentMu.RUnlock()
	out := make([]UsageEvent, 0, len(p.recent))
	for _, e := range p.recent {
		if f.Project != "" && e.Project != f.Project {
			continue
		}
		if f.Model != "" && e.Model != f.Model {
			continue
		}
		if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.CreatedAt.After(f.Until) {
			continue
		}
		out = append(out, e)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// TrackEvaluation submits an evaluation event. Non-blocking.
func (p *Pipeline) TrackEvaluation(event EvaluationEvent) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	select {
	case p.evalCh <- event:
		atomic.AddInt64(&p.eventsReceived, 1)
	default:
		atomic.AddInt64(&p.eventsDropped, 1)
		p.logger.Warn().Str("request_id", event.RequestID).Msg("evaluation event dropped: buffer full")
	}
}

func (p *Pipeline) usageWorker(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.FlushInterval)
	defer ticker.Stop()
	batch := make([]UsageEvent, 0, p.config.BatchSize)
	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				p.flushUsage(batch)
			}
			return
		case event := <-p.usageCh:
			batch = append(batch, event)
			if len(batch) >= p.config.BatchSize {
				p.flushUsage(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				p.flushUsage(batch)
				batch = batch[:0]
			}
		}
	}
}

func (p *Pipeline) evalWorker(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.FlushInterval)
	defer ticker.Stop()
	batch := make([]EvaluationEvent, 0, p.config.BatchSize)
	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				p.flushEvaluations(batch)
			}
			return
		case event := <-p.evalCh:
			batch = append(batch, event)
			if len(batch) >= p.config.BatchSize {
				p.flushEvaluations(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				p.flushEvaluations(batch)
				batch = batch[:0]
			}
		}
	}
}

func (p *Pipeline) flushUsage(batch []UsageEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, p.sink.WriteUsage(ctx, batch)
	}, backoff.WithMaxTries(3))
	if err != nil {
		atomic.AddInt64(&p.flushErrors, 1)
		atomic.AddInt64(&p.eventsDropped, int64(len(batch)))
		p.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("usage batch dropped after retries")
		return
	}
	atomic.AddInt64(&p.eventsWritten, int64(len(batch)))
}

func (p *Pipeline) flushEvaluations(batch []EvaluationEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, p.sink.WriteEvaluations(ctx, batch)
	}, backoff.WithMaxTries(3))
	if err != nil {
		atomic.AddInt64(&p.flushErrors, 1)
		atomic.AddInt64(&p.eventsDropped, int64(len(batch)))
		p.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("evaluation batch dropped after retries")
		return
	}
	atomic.AddInt64(&p.eventsWritten, int64(len(batch)))
}

func (p *Pipeline) drainUsage() {
	batch := make([]UsageEvent, 0, p.config.BatchSize)
	for {
		select {
		case event := <-p.usageCh:
			batch = append(batch, event)
			if len(batch) >= p.config.BatchSize {
				p.flushUsage(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				p.flushUsage(batch)
			}
			return
		}
	}
}

func (p *Pipeline) drainEvaluations() {
	batch := make([]EvaluationEvent, 0, p.config.BatchSize)
	for {
		select {
		case event := <-p.evalCh:
			batch = append(batch, event)
			if len(batch) >= p.config.BatchSize {
				p.flushEvaluations(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				p.flushEvaluations(batch)
			}
			return
		}
	}
}

// PipelineStats is a point-in-time snapshot of pipeline counters.
type PipelineStats struct {
	EventsReceived int64 `json:"events_received"`
	EventsWritten  int64 `json:"events_written"`
	EventsDropped  int64 `json:"events_dropped"`
	FlushErrors    int64 `json:"flush_errors"`
	UsageBuffer    int   `json:"usage_buffer_len"`
	EvalBuffer     int   `json:"eval_buffer_len"`
}

func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		EventsReceived: atomic.LoadInt64(&p.eventsReceived),
		EventsWritten:  atomic.LoadInt64(&p.eventsWritten),
		EventsDropped:  atomic.LoadInt64(&p.eventsDropped),
		FlushErrors:    atomic.LoadInt64(&p.flushErrors),
		UsageBuffer:    len(p.usageCh),
		EvalBuffer:     len(p.evalCh),
	}
}

// LogSink writes events as structured JSON logs.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("sink", "log").Logger()}
}

func (s *LogSink) WriteUsage(_ context.Context, events []UsageEvent) error {
	for _, e := range events {
		data, _ := json.Marshal(e)
		s.logger.Debug().RawJSON("event", data).Msg("usage_event")
	}
	return nil
}

func (s *LogSink) WriteEvaluations(_ context.Context, events []EvaluationEvent) error {
	for _, e := range events {
		data, _ := json.Marshal(e)
		s.logger.Debug().RawJSON("event", data).Msg("evaluation_event")
	}
	return nil
}

func (s *LogSink) Close() error { return nil }

// ClickHouseSink is a placeholder sink for a ClickHouse warehouse. No
// ClickHouse client driver is imported, so it opens no connection and
// writes nothing: each write logs a warning with the event count and
// returns nil.
type ClickHouseSink struct {
	dsn    string
	logger zerolog.Logger
}

func NewClickHouseSink(dsn string, logger zerolog.Logger) (*ClickHouseSink, error) {
	if dsn == "" {
		return nil, fmt.Errorf("clickhouse DSN is required")
	}
	return &ClickHouseSink{dsn: dsn, logger: logger.With().Str("sink", "clickhouse").Logger()}, nil
}

func (s *ClickHouseSink) WriteUsage(ctx context.Context, events []UsageEvent) error {
	s.logger.Warn().Int("count", len(events)).Msg("clickhouse sink: usage write not yet wired to a driver")
	return nil
}

func (s *ClickHouseSink) WriteEvaluations(ctx context.Context, events []EvaluationEvent) error {
	s.logger.Warn().Int("count", len(events)).Msg("clickhouse sink: evaluation write not yet wired to a driver")
	return nil
}

func (s *ClickHouseSink) Close() error { return nil }
