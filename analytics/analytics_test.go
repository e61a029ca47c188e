package analytics_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/watchllm/gateway/analytics"
)

type fakeSink struct {
	mu        sync.Mutex
	usage     []analytics.UsageEvent
	evals     []analytics.EvaluationEvent
	failTimes int
	closed    bool
}

func (f *fakeSink) WriteUsage(ctx context.Context, events []analytics.UsageEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTimes > 0 {
		f.failTimes--
		return errTransient
	}
	f.usage = append(f.usage, events...)
	return nil
}

func (f *fakeSink) WriteEvaluations(ctx context.Context, events []analytics.EvaluationEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evals = append(f.evals, events...)
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type transientErr struct{}

func (transientErr) Error() string { return "transient failure" }

var errTransient = transientErr{}

func TestPipelineFlushesUsageOnStop(t *testing.T) {
	sink := &fakeSink{}
	p := analytics.NewPipeline(zerolog.Nop(), sink, analytics.PipelineConfig{
		BufferSize: 100, BatchSize: 128, FlushInterval: time.Hour, Workers: 1,
	})
	p.Start(context.Background())

	p.TrackUsage(analytics.UsageEvent{RequestID: "r1", Project: "proj-a"})
	p.TrackUsage(analytics.UsageEvent{RequestID: "r2", Project: "proj-a"})
	p.Stop()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.usage) != 2 {
		t.Fatalf("expected 2 usage events flushed on stop, got %d", len(sink.usage))
	}
	if !sink.closed {
		t.Fatal("expected sink to be closed on pipeline stop")
	}
}

func TestPipelineDropsEventsWhenBufferFull(t *testing.T) {
	sink := &fakeSink{}
	p := analytics.NewPipeline(zerolog.Nop(), sink, analytics.PipelineConfig{
		BufferSize: 1, BatchSize: 128, FlushInterval: time.Hour, Workers: 0,
	})
	p.TrackUsage(analytics.UsageEvent{RequestID: "r1"})
	p.TrackUsage(analytics.UsageEvent{RequestID: "r2"})

	stats := p.Stats()
	if stats.EventsDropped == 0 {
		t.Fatal("expected at least one dropped event once the buffer filled")
	}
}

func TestPipelineRetriesTransientFlushFailure(t *testing.T) {
	sink := &fakeSink{failTimes: 1}
	p := analytics.NewPipeline(zerolog.Nop(), sink, analytics.PipelineConfig{
		BufferSize: 100, BatchSize: 128, FlushInterval: time.Hour, Workers: 1,
	})
	p.Start(context.Background())
	p.TrackUsage(analytics.UsageEvent{RequestID: "r1"})
	p.Stop()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.usage) != 1 {
		t.Fatalf("expected the retried flush to eventually succeed, got %d events", len(sink.usage))
	}
}

func TestPipelineTracksEvaluationEvents(t *testing.T) {
	sink := &fakeSink{}
	p := analytics.NewPipeline(zerolog.Nop(), sink, analytics.PipelineConfig{
		BufferSize: 100, BatchSize: 128, FlushInterval: time.Hour, Workers: 1,
	})
	p.Start(context.Background())
	p.TrackEvaluation(analytics.EvaluationEvent{EventID: "e1", RequestID: "r1", Passed: true, Score: 0.95})
	p.Stop()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.evals) != 1 {
		t.Fatalf("expected 1 evaluation event flushed, got %d", len(sink.evals))
	}
}

func TestLogSinkWritesWithoutError(t *testing.T) {
	sink := analytics.NewLogSink(zerolog.Nop())
	if err := sink.WriteUsage(context.Background(), []analytics.UsageEvent{{RequestID: "r1"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("unexpected error closing log sink: %v", err)
	}
}

func TestNewClickHouseSinkRejectsEmptyDSN(t *testing.T) {
	if _, err := analytics.NewClickHouseSink("", zerolog.Nop()); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
