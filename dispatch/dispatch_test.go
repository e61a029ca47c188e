package dispatch_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/watchllm/gateway/dispatch"
	"github.com/watchllm/gateway/provider"
)

type fakeProvider struct {
	name         string
	chatFn       func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)
	chatCalls    int
	streamFn     func(ctx context.Context, req *provider.ChatRequest) (provider.Stream, error)
	embeddingsFn func(ctx context.Context, req *provider.EmbeddingsRequest) (*provider.EmbeddingsResponse, error)
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) ChatCompletion(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	f.chatCalls++
	return f.chatFn(ctx, req)
}
func (f *fakeProvider) ChatCompletionStream(ctx context.Context, req *provider.ChatRequest) (provider.Stream, error) {
	return f.streamFn(ctx, req)
}
func (f *fakeProvider) Embeddings(ctx context.Context, req *provider.EmbeddingsRequest) (*provider.EmbeddingsResponse, error) {
	return f.embeddingsFn(ctx, req)
}
func (f *fakeProvider) HealthCheck(ctx context.Context) provider.HealthStatus { return provider.HealthStatus{Healthy: true} }
func (f *fakeProvider) Models() []string                                     { return []string{"gpt-4o"} }

type fakeStream struct {
	chunks [][]byte
	idx    int
	err    error
}

func (s *fakeStream) Next() ([]byte, error) {
	if s.idx >= len(s.chunks) {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	c := s.chunks[s.idx]
	s.idx++
	return c, nil
}
func (s *fakeStream) Close() error { return nil }

func newRegistryWith(p *fakeProvider) *provider.Registry {
	reg := provider.NewRegistry()
	reg.Register(p)
	return reg
}

func TestCategorizeMapsUpstreamErrorStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		want   dispatch.FailureCategory
	}{
		{429, dispatch.CategoryProviderRateLimited},
		{500, dispatch.CategoryProviderError},
		{503, dispatch.CategoryProviderError},
		{400, dispatch.CategoryBadUpstreamResponse},
		{404, dispatch.CategoryBadUpstreamResponse},
	}
	for _, c := range cases {
		err := &provider.UpstreamError{StatusCode: c.status}
		if got := dispatch.Categorize(err); got != c.want {
			t.Errorf("Categorize(status=%d) = %q, want %q", c.status, got, c.want)
		}
	}
}

func TestCategorizeMapsContextErrors(t *testing.T) {
	if got := dispatch.Categorize(context.DeadlineExceeded); got != dispatch.CategoryProviderTimeout {
		t.Errorf("DeadlineExceeded -> %q, want provider_timeout", got)
	}
	if got := dispatch.Categorize(context.Canceled); got != dispatch.CategoryUpstreamUnreachable {
		t.Errorf("Canceled -> %q, want upstream_unreachable", got)
	}
}

func TestStatusForMapsEveryCategory(t *testing.T) {
	if dispatch.StatusFor(dispatch.CategoryProviderRateLimited) != http.StatusTooManyRequests {
		t.Fatal("rate limited should map to 429")
	}
	if dispatch.StatusFor(dispatch.CategoryProviderTimeout) != http.StatusGatewayTimeout {
		t.Fatal("timeout should map to 504")
	}
	if dispatch.StatusFor(dispatch.CategoryUpstreamUnreachable) != http.StatusServiceUnavailable {
		t.Fatal("unreachable should map to 503")
	}
}

func TestChatCompletionRetriesTransientFailureThenSucceeds(t *testing.T) {
	p := &fakeProvider{name: "openai"}
	attempt := 0
	p.chatFn = func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		attempt++
		if attempt == 1 {
			return nil, &provider.UpstreamError{StatusCode: 503}
		}
		return &provider.ChatResponse{ID: "ok"}, nil
	}
	d := dispatch.New(newRegistryWith(p), zerolog.Nop())

	resp, cat, err := d.ChatCompletion(context.Background(), &provider.ChatRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cat != dispatch.CategoryNone {
		t.Fatalf("expected no failure category, got %q", cat)
	}
	if resp.ID != "ok" {
		t.Fatalf("expected eventual success, got %+v", resp)
	}
	if attempt != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempt)
	}
}

func TestChatCompletionDoesNotRetryBadRequest(t *testing.T) {
	p := &fakeProvider{name: "openai"}
	attempt := 0
	p.chatFn = func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		attempt++
		return nil, &provider.UpstreamError{StatusCode: 400}
	}
	d := dispatch.New(newRegistryWith(p), zerolog.Nop())

	_, cat, err := d.ChatCompletion(context.Background(), &provider.ChatRequest{Model: "gpt-4o"})
	if err == nil {
		t.Fatal("expected error")
	}
	if cat != dispatch.CategoryBadUpstreamResponse {
		t.Fatalf("expected bad_upstream_response, got %q", cat)
	}
	if attempt != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable error, got %d", attempt)
	}
}

func TestChatCompletionRejectsUnresolvedModel(t *testing.T) {
	reg := provider.NewRegistry()
	d := dispatch.New(reg, zerolog.Nop())

	_, cat, err := d.ChatCompletion(context.Background(), &provider.ChatRequest{Model: "some-unknown-model"})
	if err == nil {
		t.Fatal("expected error for unresolved model")
	}
	if cat != dispatch.CategoryBadUpstreamResponse {
		t.Fatalf("expected bad_upstream_response, got %q", cat)
	}
}

func TestEstimateTokensFromSSESkipsDoneSentinel(t *testing.T) {
	data := []byte("data: [DONE]\n")
	if got := dispatch.EstimateTokensFromSSE(data); got != 0 {
		t.Fatalf("expected 0 tokens for [DONE], got %d", got)
	}
}

func TestEstimateTokensFromSSEFloorsAtOneToken(t *testing.T) {
	data := []byte("data: {\"x\":1}\n")
	if got := dispatch.EstimateTokensFromSSE(data); got < 1 {
		t.Fatalf("expected at least 1 token for non-empty payload, got %d", got)
	}
}

func TestChatCompletionStreamWritesChunksAndTracksMetrics(t *testing.T) {
	p := &fakeProvider{name: "openai"}
	p.streamFn = func(ctx context.Context, req *provider.ChatRequest) (provider.Stream, error) {
		return &fakeStream{chunks: [][]byte{
			[]byte("data: {\"delta\":\"hi\"}\n\n"),
			[]byte("data: [DONE]\n\n"),
		}}, nil
	}
	d := dispatch.New(newRegistryWith(p), zerolog.Nop())

	w := httptest.NewRecorder()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result := d.ChatCompletionStream(ctx, w, &provider.ChatRequest{Model: "gpt-4o"})
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if !result.Finished {
		t.Fatal("expected stream to finish cleanly")
	}
	snap := result.Metrics.Snapshot()
	if snap.ChunksSent != 2 {
		t.Fatalf("expected 2 chunks sent, got %d", snap.ChunksSent)
	}
	if snap.FinishReason != "stop" {
		t.Fatalf("expected finish reason stop, got %q", snap.FinishReason)
	}
	if w.Body.Len() == 0 {
		t.Fatal("expected bytes written to response writer")
	}
}

func TestChatCompletionStreamDetectsClientDisconnect(t *testing.T) {
	p := &fakeProvider{name: "openai"}
	blocked := make(chan struct{})
	p.streamFn = func(ctx context.Context, req *provider.ChatRequest) (provider.Stream, error) {
		return &blockingStream{release: blocked}, nil
	}
	d := dispatch.New(newRegistryWith(p), zerolog.Nop())

	w := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := d.ChatCompletionStream(ctx, w, &provider.ChatRequest{Model: "gpt-4o"})
	snap := result.Metrics.Snapshot()
	if !snap.ClientDisconnect {
		t.Fatal("expected client disconnect to be recorded")
	}
	if snap.FinishReason != "client_disconnect" {
		t.Fatalf("expected client_disconnect finish reason, got %q", snap.FinishReason)
	}
	close(blocked)
}

// blockingStream never returns from Next until released, simulating a
// still-open upstream stream whose client has already gone away.
type blockingStream struct{ release chan struct{} }

func (b *blockingStream) Next() ([]byte, error) {
	<-b.release
	return nil, errors.New("released")
}
func (b *blockingStream) Close() error { return nil }
