/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       Gateway configuration: server, KV, provider, cache,
             dispatcher, observability-queue and trace-store knobs,
             read from environment with typed fallbacks.
Root Cause:  Sprint task G001 — configuration surface for the
             request pipeline (admission through trace replay).
Context:     Every env var enumerated in the gateway's external
             interface contract lives here as a typed Config field.
Suitability: L4 model for config affecting every downstream package.
──────────────────────────────────────────────────────────────
*/

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all gateway configuration values.
type Config struct {
	// Server
	Addr            string
	Env             string
	GracefulTimeout time.Duration
	DefaultTimeout  time.Duration
	MaxBodyBytes    int64

	// KV (rate limit, quota, exact cache)
	KVURL   string
	KVToken string

	// Providers
	OpenAIBaseURL    string
	OpenAIAPIKey     string
	AnthropicBaseURL string
	AnthropicAPIKey  string
	GroqBaseURL      string
	GroqAPIKey       string
	ProviderTimeouts map[string]time.Duration

	// Cache
	SemanticCacheEnabled    bool
	SemanticCacheThreshold  float64
	SemanticCacheMaxPerPart int
	CacheDefaultTTL         time.Duration

	// Dispatcher
	DispatcherTimeout time.Duration
	DispatcherRetries int

	// Observability queue
	QueueBatchSize    int
	QueueBatchMs      int
	QueueMaxInFlight  int
	ClickHouseDSN     string
	SQLiteMirrorPath  string

	// Trace replay store
	SnapshotStoreCapacity     int
	ModificationStoreCapacity int

	// Slack
	SlackWebhookURL string

	// Tracing
	OTLPEndpoint string
	TraceSampleRatio float64

	LogLevel string

	// Directory / resolver
	DirectorySeedFile  string
	ResolverCacheSize  int
	ResolverCacheTTLMs int

	// CORS
	AllowedOrigins []string

	// Per-project concurrency guard
	ConcurrencyPerProject int
	ConcurrencyTimeoutMs  int

	// Evaluation pipeline
	EvaluationLogCapacity int
	EvaluationSampleRate  float64

	// Trace replay
	ReplayEnabled bool
}

// Load reads configuration from environment variables and an optional
// .env file.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Addr:            getEnv("GATEWAY_ADDR", ":8080"),
		Env:             getEnv("ENV", "development"),
		GracefulTimeout: time.Duration(getEnvInt("GATEWAY_GRACEFUL_TIMEOUT_SEC", 15)) * time.Second,
		DefaultTimeout:  time.Duration(getEnvInt("GATEWAY_DEFAULT_TIMEOUT_SEC", 60)) * time.Second,
		MaxBodyBytes:    int64(getEnvInt("GATEWAY_MAX_BODY_BYTES", 1*1024*1024)),

		KVURL:   getEnv("KV_URL", "redis://localhost:6379"),
		KVToken: getEnv("KV_TOKEN", ""),

		OpenAIBaseURL:    getEnv("PROVIDER_OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIAPIKey:     getEnv("PROVIDER_OPENAI_API_KEY", os.Getenv("OPENAI_API_KEY")),
		AnthropicBaseURL: getEnv("PROVIDER_ANTHROPIC_BASE_URL", "https://api.anthropic.com/v1"),
		AnthropicAPIKey:  getEnv("PROVIDER_ANTHROPIC_API_KEY", os.Getenv("ANTHROPIC_API_KEY")),
		GroqBaseURL:      getEnv("PROVIDER_GROQ_BASE_URL", "https://api.groq.com/openai/v1"),
		GroqAPIKey:       getEnv("PROVIDER_GROQ_API_KEY", os.Getenv("GROQ_API_KEY")),
		ProviderTimeouts: map[string]time.Duration{
			"openai":    time.Duration(getEnvInt("PROVIDER_TIMEOUT_OPENAI_MS", 60000)) * time.Millisecond,
			"anthropic": time.Duration(getEnvInt("PROVIDER_TIMEOUT_ANTHROPIC_MS", 60000)) * time.Millisecond,
			"groq":      time.Duration(getEnvInt("PROVIDER_TIMEOUT_GROQ_MS", 60000)) * time.Millisecond,
		},

		SemanticCacheEnabled:    getEnvBool("CACHE_SEMANTIC_ENABLED", false),
		SemanticCacheThreshold:  getEnvFloat("CACHE_SEMANTIC_THRESHOLD", 0.92),
		SemanticCacheMaxPerPart: getEnvInt("CACHE_SEMANTIC_MAX_PER_PARTITION", 50),
		CacheDefaultTTL:         time.Duration(getEnvInt("CACHE_DEFAULT_TTL_SEC", 3600)) * time.Second,

		DispatcherTimeout: time.Duration(getEnvInt("DISPATCHER_TIMEOUT_MS", 60000)) * time.Millisecond,
		DispatcherRetries: getEnvInt("DISPATCHER_RETRIES", 2),

		QueueBatchSize:   getEnvInt("OBSERVABILITY_QUEUE_BATCH_SIZE", 128),
		QueueBatchMs:     getEnvInt("OBSERVABILITY_QUEUE_BATCH_INTERVAL_MS", 500),
		QueueMaxInFlight: getEnvInt("OBSERVABILITY_QUEUE_MAX_IN_FLIGHT", 10000),
		ClickHouseDSN:    getEnv("CLICKHOUSE_DSN", ""),
		SQLiteMirrorPath: getEnv("SQLITE_MIRROR_PATH", "gateway_usage.db"),

		SnapshotStoreCapacity:     getEnvInt("SNAPSHOT_STORE_CAPACITY", 1000),
		ModificationStoreCapacity: getEnvInt("MODIFICATION_STORE_CAPACITY", 5000),

		SlackWebhookURL: getEnv("SLACK_WEBHOOK_URL", ""),

		OTLPEndpoint:     getEnv("OTLP_ENDPOINT", ""),
		TraceSampleRatio: getEnvFloat("TRACE_SAMPLE_RATIO", 1.0),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		DirectorySeedFile:  getEnv("DIRECTORY_SEED_FILE", ""),
		ResolverCacheSize:  getEnvInt("RESOLVER_CACHE_SIZE", 10_000),
		ResolverCacheTTLMs: getEnvInt("RESOLVER_CACHE_TTL_MS", 60000),

		AllowedOrigins: splitCSV(getEnv("CORS_ALLOWED_ORIGINS", "*")),

		ConcurrencyPerProject: getEnvInt("CONCURRENCY_PER_PROJECT", 50),
		ConcurrencyTimeoutMs:  getEnvInt("CONCURRENCY_TIMEOUT_MS", 1000),

		EvaluationLogCapacity: getEnvInt("EVALUATION_LOG_CAPACITY", 10000),
		EvaluationSampleRate:  getEnvFloat("EVALUATION_SAMPLE_RATE", 0.0),

		ReplayEnabled: getEnvBool("REPLAY_ENABLED", true),
	}
	return cfg
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ProviderTimeout returns the configured timeout for a given provider,
// falling back to the dispatcher default.
func (c *Config) ProviderTimeout(provider string) time.Duration {
	if t, ok := c.ProviderTimeouts[provider]; ok {
		return t
	}
	return c.DispatcherTimeout
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
