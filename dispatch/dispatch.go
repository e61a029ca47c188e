/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Upstream Dispatcher — buffered and streaming request
             dispatch to a resolved provider connector, retrying
             transient failures on a fixed 50ms/250ms schedule with
             jitter, detecting mid-stream client disconnects, and
             normalising every failure to one of five categories the
             HTTP layer maps to a status code.
Root Cause:  Sprint task G070 — upstream dispatch, the handler that
             sits between admission/cache and the provider registry.
Context:     Dispatch never retries after a client has started
             receiving a stream; retries only apply before the first
             byte goes out.
Suitability: L3 — retry policy, SSE disconnect handling, failure
             taxonomy.
──────────────────────────────────────────────────────────────
*/

package dispatch

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/watchllm/gateway/provider"
)

// FailureCategory is a normalised dispatch outcome, independent of which
// provider served (or failed to serve) the request.
type FailureCategory string

const (
	CategoryNone               FailureCategory = ""
	CategoryProviderError      FailureCategory = "provider_error"
	CategoryProviderTimeout    FailureCategory = "provider_timeout"
	CategoryProviderRateLimited FailureCategory = "provider_rate_limited"
	CategoryUpstreamUnreachable FailureCategory = "upstream_unreachable"
	CategoryBadUpstreamResponse FailureCategory = "bad_upstream_response"
)

// Categorize maps a dispatch error to its failure category.
func Categorize(err error) FailureCategory {
	if err == nil {
		return CategoryNone
	}
	var upErr *provider.UpstreamError
	if errors.As(err, &upErr) {
		switch {
		case upErr.StatusCode == http.StatusTooManyRequests:
			return CategoryProviderRateLimited
		case upErr.StatusCode >= 500:
			return CategoryProviderError
		case upErr.StatusCode >= 400:
			return CategoryBadUpstreamResponse
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryProviderTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryProviderTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CategoryUpstreamUnreachable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CategoryUpstreamUnreachable
	}
	return CategoryProviderError
}

// StatusFor maps a failure category to the HTTP status the gateway
// returns to its own caller.
func StatusFor(c FailureCategory) int {
	switch c {
	case CategoryProviderRateLimited:
		return http.StatusTooManyRequests
	case CategoryProviderTimeout:
		return http.StatusGatewayTimeout
	case CategoryUpstreamUnreachable:
		return http.StatusServiceUnavailable
	case CategoryBadUpstreamResponse:
		return http.StatusBadGateway
	case CategoryProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusOK
	}
}

func isRetryable(err error) bool {
	switch Categorize(err) {
	case CategoryProviderTimeout, CategoryUpstreamUnreachable, CategoryProviderError:
		return true
	default:
		return false
	}
}

// retrySchedule implements backoff.BackOff with the exact two-attempt
// 50ms/250ms schedule plus up to 20% jitter.
type retrySchedule struct {
	delays []time.Duration
	idx    int
}

func newRetrySchedule() *retrySchedule {
	return &retrySchedule{delays: []time.Duration{50 * time.Millisecond, 250 * time.Millisecond}}
}

func (s *retrySchedule) NextBackOff() time.Duration {
	if s.idx >= len(s.delays) {
		return backoff.Stop
	}
	d := s.delays[s.idx]
	s.idx++
	jitter := time.Duration(rand.Int63n(int64(d) / 5))
	return d + jitter
}

func (s *retrySchedule) Reset() { s.idx = 0 }

// Dispatcher dispatches admitted requests to the resolved provider.
type Dispatcher struct {
	registry *provider.Registry
	log      zerolog.Logger
}

func New(registry *provider.Registry, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, log: log.With().Str("component", "dispatch").Logger()}
}

// ChatCompletion dispatches a buffered chat completion, retrying
// transient upstream failures.
func (d *Dispatcher) ChatCompletion(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, FailureCategory, error) {
	prov, err := d.registry.GetForModel(req.Model)
	if err != nil {
		return nil, CategoryBadUpstreamResponse, err
	}

	resp, err := backoff.Retry(ctx, func() (*provider.ChatResponse, error) {
		r, err := prov.ChatCompletion(ctx, req)
		if err != nil {
			if !isRetryable(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return r, nil
	}, backoff.WithBackOff(newRetrySchedule()))

	if err != nil {
		cat := Categorize(unwrapPermanent(err))
		d.log.Warn().Err(err).Str("provider", prov.Name()).Str("model", req.Model).Str("category", string(cat)).Msg("chat completion dispatch failed")
		return nil, cat, err
	}
	return resp, CategoryNone, nil
}

// Embeddings dispatches a buffered embeddings request with the same
// retry policy as chat completion.
func (d *Dispatcher) Embeddings(ctx context.Context, req *provider.EmbeddingsRequest) (*provider.EmbeddingsResponse, FailureCategory, error) {
	prov, err := d.registry.GetForModel(req.Model)
	if err != nil {
		return nil, CategoryBadUpstreamResponse, err
	}

	resp, err := backoff.Retry(ctx, func() (*provider.EmbeddingsResponse, error) {
		r, err := prov.Embeddings(ctx, req)
		if err != nil {
			if !isRetryable(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return r, nil
	}, backoff.WithBackOff(newRetrySchedule()))

	if err != nil {
		cat := Categorize(unwrapPermanent(err))
		d.log.Warn().Err(err).Str("provider", prov.Name()).Str("model", req.Model).Str("category", string(cat)).Msg("embeddings dispatch failed")
		return nil, cat, err
	}
	return resp, CategoryNone, nil
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return errors.Unwrap(perm)
	}
	return err
}

// StreamMetrics captures token/byte accounting for a streaming
// dispatch, including the estimated-token fallback used when the
// provider never emits a final usage frame.
type StreamMetrics struct {
	mu               sync.Mutex
	ChunksSent       int
	BytesSent        int64
	TokensEstimated  int
	ClientDisconnect bool
	DisconnectAt     time.Time
	TotalDuration     time.Duration
	FinishReason      string
}

func (sm *StreamMetrics) recordChunk(data []byte) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.ChunksSent++
	sm.BytesSent += int64(len(data))
	sm.TokensEstimated += EstimateTokensFromSSE(data)
}

func (sm *StreamMetrics) recordDisconnect() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.ClientDisconnect = true
	sm.DisconnectAt = time.Now().UTC()
}

// Snapshot returns a point-in-time copy of the metrics, safe to read
// after the stream has finished.
func (sm *StreamMetrics) Snapshot() StreamMetrics {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return StreamMetrics{
		ChunksSent: sm.ChunksSent, BytesSent: sm.BytesSent, TokensEstimated: sm.TokensEstimated,
		ClientDisconnect: sm.ClientDisconnect, DisconnectAt: sm.DisconnectAt,
		TotalDuration: sm.TotalDuration, FinishReason: sm.FinishReason,
	}
}

// EstimateTokensFromSSE derives a conservative token estimate from raw
// SSE bytes when no provider-reported usage is available. The payload
// length / 16 heuristic dilutes JSON framing overhead out of the count.
func EstimateTokensFromSSE(data []byte) int {
	s := string(data)
	tokens := 0
	for _, line := range strings.Split(s, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := line[6:]
		if payload == "[DONE]" {
			continue
		}
		tokens += len(payload) / 16
		if tokens == 0 && len(payload) > 0 {
			tokens = 1
		}
	}
	return tokens
}

// StreamResult is the outcome of a streaming dispatch.
type StreamResult struct {
	Metrics  StreamMetrics
	Category FailureCategory
	Err      error
	Finished bool
}

// ChatCompletionStream dispatches a streaming chat completion directly
// to the client via w, tracking chunk/byte/estimated-token metrics and
// detecting client disconnects. No retry is attempted once the first
// byte has been written — only the initial connection is retried.
func (d *Dispatcher) ChatCompletionStream(ctx context.Context, w http.ResponseWriter, req *provider.ChatRequest) *StreamResult {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return &StreamResult{Err: io.ErrNoProgress, Category: CategoryProviderError}
	}

	prov, err := d.registry.GetForModel(req.Model)
	if err != nil {
		return &StreamResult{Err: err, Category: CategoryBadUpstreamResponse}
	}

	stream, err := backoff.Retry(ctx, func() (provider.Stream, error) {
		s, err := prov.ChatCompletionStream(ctx, req)
		if err != nil {
			if !isRetryable(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return s, nil
	}, backoff.WithBackOff(newRetrySchedule()))
	if err != nil {
		cat := Categorize(unwrapPermanent(err))
		return &StreamResult{Err: err, Category: cat}
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Gateway-Provider", prov.Name())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	result := &StreamResult{}
	start := time.Now()
	clientGone := ctx.Done()

	for {
		select {
		case <-clientGone:
			result.Metrics.recordDisconnect()
			result.Metrics.TotalDuration = time.Since(start)
			result.Metrics.FinishReason = "client_disconnect"
			d.log.Warn().Int("chunks_sent", result.Metrics.ChunksSent).Int("tokens_estimated", result.Metrics.TokensEstimated).
				Msg("client disconnected mid-stream, billing tokens already sent")
			return result
		default:
			chunk, err := stream.Next()
			if err != nil {
				result.Metrics.TotalDuration = time.Since(start)
				if err == io.EOF {
					result.Finished = true
					result.Metrics.FinishReason = "stop"
				} else {
					result.Err = err
					result.Category = Categorize(err)
					result.Metrics.FinishReason = "error"
					d.log.Error().Err(err).Msg("stream read error")
				}
				return result
			}
			if _, writeErr := w.Write(chunk); writeErr != nil {
				result.Metrics.recordDisconnect()
				result.Metrics.TotalDuration = time.Since(start)
				result.Metrics.FinishReason = "client_disconnect"
				return result
			}
			result.Metrics.recordChunk(chunk)
			flusher.Flush()
		}
	}
}
