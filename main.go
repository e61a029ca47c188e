/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       Process entrypoint — builds the full dependency graph
             (resolver, rate limiter, cache, dispatcher, accounting,
             analytics, evaluation, replay) and starts the HTTP
             server with graceful shutdown.
Root Cause:  Sprint task G000 — gateway binary assembly.
Context:     Every layer is constructed here in dependency order and
             handed to the router; nothing below main wires its own
             dependencies.
Suitability: L4 — the one place every subsystem's lifecycle is
             coordinated.
──────────────────────────────────────────────────────────────
*/

package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/dnscache"
	"github.com/rs/zerolog"

	"github.com/watchllm/gateway/abrouter"
	"github.com/watchllm/gateway/accounting"
	"github.com/watchllm/gateway/admission"
	"github.com/watchllm/gateway/analytics"
	"github.com/watchllm/gateway/caching"
	"github.com/watchllm/gateway/config"
	"github.com/watchllm/gateway/dispatch"
	"github.com/watchllm/gateway/evaluation"
	"github.com/watchllm/gateway/handler"
	"github.com/watchllm/gateway/logger"
	"github.com/watchllm/gateway/middleware"
	"github.com/watchllm/gateway/observability"
	"github.com/watchllm/gateway/provider"
	"github.com/watchllm/gateway/ratelimit"
	"github.com/watchllm/gateway/redisclient"
	"github.com/watchllm/gateway/replay"
	"github.com/watchllm/gateway/resolver"
	"github.com/watchllm/gateway/router"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, err := redisclient.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	if err := kv.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("redis ping failed at startup — rate limiting and exact cache will fail open")
	}

	registry, embedFn := buildProviders(cfg, log)

	directory := resolver.NewStaticDirectory()
	if cfg.DirectorySeedFile != "" {
		if err := directory.LoadFile(cfg.DirectorySeedFile); err != nil {
			log.Warn().Err(err).Str("file", cfg.DirectorySeedFile).Msg("failed to load directory seed file")
		}
	}
	res := resolver.New(directory, cfg.ResolverCacheSize, time.Duration(cfg.ResolverCacheTTLMs)*time.Millisecond)

	limiter := ratelimit.New(kv, log)
	quota := ratelimit.NewQuotaKeeper(kv, log)

	cacheEngine := caching.New(kv, log, caching.Config{
		SemanticEnabled:   cfg.SemanticCacheEnabled,
		SimilarityThresh:  cfg.SemanticCacheThreshold,
		MaxPerPartition:   cfg.SemanticCacheMaxPerPart,
		DefaultTTL:        cfg.CacheDefaultTTL,
		ModelTTLOverrides: map[string]time.Duration{},
		ValidateResponses: true,
		MinResponseLength: 2,
	}, embedFn)

	dispatcher := dispatch.New(registry, log)

	costEngine := accounting.NewEngine()
	tracker := accounting.NewTracker(costEngine)

	sink := buildAnalyticsSink(cfg, log)
	pipeline := analytics.NewPipeline(log, sink)
	pipeline.Start(ctx)
	defer pipeline.Stop()

	var notifier evaluation.Notifier
	if cfg.SlackWebhookURL != "" {
		notifier = evaluation.NewSlackNotifier(cfg.SlackWebhookURL)
	}
	evalEngine := evaluation.NewEngine(cfg.EvaluationLogCapacity, notifier)
	evalRules := evaluation.NewRuleSetStore()

	snapshots := replay.NewSnapshotStore(cfg.SnapshotStoreCapacity)
	modifications := replay.NewModificationStore(cfg.ModificationStoreCapacity)

	metrics := observability.NewMetrics()
	tracerProvider, err := observability.NewTracerProvider(ctx, log, "gateway", cfg.OTLPEndpoint, cfg.TraceSampleRatio)
	if err != nil {
		log.Warn().Err(err).Msg("failed to set up tracing — continuing without a tracer")
		tracerProvider = nil
	}
	if tracerProvider != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracerProvider.Shutdown(shutdownCtx)
		}()
	}

	proxyHandler := handler.NewProxyHandler(log, registry, cacheEngine, dispatcher, costEngine, tracker, quota, pipeline, evalEngine, evalRules, cfg.EvaluationSampleRate, metrics)
	seedABSpecs(directory, proxyHandler, log)

	cacheHandler := handler.NewCacheHandler(cacheEngine, log)
	analyticsHandler := handler.NewAnalyticsHandler(pipeline, log)
	evaluationHandler := handler.NewEvaluationHandler(evalEngine, evalRules, notifier, log)

	agentRunHandler := handler.NewAgentRunHandler(snapshots, modifications, dispatcher, log)

	authMw := middleware.NewAuthMiddleware(log, res, "Authorization")
	rateLimitMw := middleware.NewRateLimitMiddleware(log, limiter, quota, metrics)
	concurrencyMw := middleware.NewConcurrencyGuard(cfg.ConcurrencyPerProject, time.Duration(cfg.ConcurrencyTimeoutMs)*time.Millisecond, log, metrics)
	timeoutMw := middleware.NewTimeoutMiddleware(log, cfg)
	headersMw := middleware.NewHeaderNormalization(log)

	r := router.New(router.Dependencies{
		Config:      cfg,
		Logger:      log,
		Auth:        authMw,
		RateLimit:   rateLimitMw,
		Concurrency: concurrencyMw,
		Timeout:     timeoutMw,
		Headers:     headersMw,
		Metrics:     metrics,
		Tracer:      tracerProvider,
		Proxy:       proxyHandler,
		Cache:       cacheHandler,
		Analytics:   analyticsHandler,
		AgentRuns:   agentRunHandler,
		Evaluations: evaluationHandler,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses set their own deadlines via TimeoutMiddleware
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("env", cfg.Env).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// buildProviders registers every connector with a configured API key
// and returns an embedding function for the semantic cache backed by
// the OpenAI connector, or nil if OpenAI is not configured. Every
// connector shares one DNS-caching transport rather than building its
// own default one.
func buildProviders(cfg *config.Config, log zerolog.Logger) (*provider.Registry, caching.EmbeddingFunc) {
	registry := provider.NewRegistry()
	transport := newDNSCachingTransport()

	var embedFn caching.EmbeddingFunc
	var openai *provider.OpenAIProvider

	if cfg.OpenAIAPIKey != "" {
		openai = provider.NewOpenAIProvider(provider.Config{
			Name: "openai", BaseURL: cfg.OpenAIBaseURL, APIKey: cfg.OpenAIAPIKey,
			Timeout: cfg.ProviderTimeout("openai"), Transport: transport,
			Models: []string{
				"gpt-4o", "gpt-4o-mini", "gpt-4-turbo", "gpt-3.5-turbo", "o1", "o1-mini",
				"text-embedding-3-small", "text-embedding-3-large",
			},
		})
		registry.Register(openai)
		for _, m := range openai.Models() {
			admission.RegisterModel(m)
		}
		embedFn = func(ctx context.Context, text string) ([]float64, error) {
			resp, err := openai.Embeddings(ctx, &provider.EmbeddingsRequest{Model: "text-embedding-3-small", Input: text})
			if err != nil || len(resp.Data) == 0 {
				return nil, err
			}
			return resp.Data[0].Embedding, nil
		}
	}
	if cfg.AnthropicAPIKey != "" {
		anthropic := provider.NewAnthropicProvider(provider.Config{
			Name: "anthropic", BaseURL: cfg.AnthropicBaseURL, APIKey: cfg.AnthropicAPIKey,
			Timeout: cfg.ProviderTimeout("anthropic"), Transport: transport,
			Models: []string{"claude-3-opus-20240229", "claude-3-5-sonnet-20241022", "claude-3-haiku-20240307"},
		})
		registry.Register(anthropic)
		for _, m := range anthropic.Models() {
			admission.RegisterModel(m)
		}
	}
	if cfg.GroqAPIKey != "" {
		groq := provider.NewGroqProvider(provider.Config{
			Name: "groq", BaseURL: cfg.GroqBaseURL, APIKey: cfg.GroqAPIKey,
			Timeout: cfg.ProviderTimeout("groq"), Transport: transport,
			Models: []string{"llama-3.3-70b-versatile", "mixtral-8x7b-32768", "gemma2-9b-it"},
		})
		registry.Register(groq)
		for _, m := range groq.Models() {
			admission.RegisterModel(m)
		}
	}

	log.Info().Strs("providers", registry.List()).Msg("registered upstream providers")
	return registry, embedFn
}

// buildAnalyticsSink picks the sink the gateway fans usage/evaluation
// events out to: a durable local SQLite mirror when configured, falling
// back to structured stdout logging otherwise. ClickHouse is supported
// by analytics.NewClickHouseSink but that sink is an honest unwired
// placeholder — no ClickHouse driver is imported anywhere in this module.
func buildAnalyticsSink(cfg *config.Config, log zerolog.Logger) analytics.Sink {
	if cfg.SQLiteMirrorPath != "" {
		sink, err := analytics.NewSQLiteSink(cfg.SQLiteMirrorPath, log)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open sqlite analytics mirror — falling back to log sink")
		} else {
			return sink
		}
	}
	return analytics.NewLogSink(log)
}

// seedABSpecs parses each seeded project's opaque ABSpec JSON into an
// abrouter.Spec and registers it with the proxy handler. Projects with
// no spec, or an unparseable one, dispatch to whatever model the
// caller asked for.
func seedABSpecs(directory *resolver.StaticDirectory, proxyHandler *handler.ProxyHandler, log zerolog.Logger) {
	for _, project := range directory.Projects() {
		if len(project.ABSpec) == 0 {
			continue
		}
		var spec abrouter.Spec
		if err := json.Unmarshal(project.ABSpec, &spec); err != nil {
			log.Warn().Err(err).Str("project", project.ID).Msg("failed to parse project A/B spec — ignoring")
			continue
		}
		proxyHandler.SetABSpec(project.ID, spec)
	}
}

// newDNSCachingTransport builds one http.Transport shared by every
// provider connector, backed by a periodically refreshed DNS cache so
// a slow resolver never sits on the hot dispatch path.
func newDNSCachingTransport() *http.Transport {
	resolver := &dnscache.Resolver{}
	dialer := &net.Dialer{Timeout: 5 * time.Second}

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			resolver.Refresh(true)
		}
	}()

	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var lastErr error
			for _, ip := range ips {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
}
