package config_test

import (
	"os"
	"testing"

	"github.com/watchllm/gateway/config"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("GATEWAY_ADDR")
	os.Unsetenv("DISPATCHER_RETRIES")
	cfg := config.Load()

	if cfg.Addr != ":8080" {
		t.Errorf("expected default addr :8080, got %s", cfg.Addr)
	}
	if cfg.DispatcherRetries != 2 {
		t.Errorf("expected default retries 2, got %d", cfg.DispatcherRetries)
	}
	if cfg.SemanticCacheThreshold != 0.92 {
		t.Errorf("expected default semantic threshold 0.92, got %f", cfg.SemanticCacheThreshold)
	}
}

func TestLoadOverrides(t *testing.T) {
	os.Setenv("GATEWAY_ADDR", ":9090")
	defer os.Unsetenv("GATEWAY_ADDR")
	os.Setenv("DISPATCHER_RETRIES", "5")
	defer os.Unsetenv("DISPATCHER_RETRIES")

	cfg := config.Load()
	if cfg.Addr != ":9090" {
		t.Errorf("expected overridden addr :9090, got %s", cfg.Addr)
	}
	if cfg.DispatcherRetries != 5 {
		t.Errorf("expected overridden retries 5, got %d", cfg.DispatcherRetries)
	}
}

func TestProviderTimeoutFallback(t *testing.T) {
	cfg := config.Load()
	if cfg.ProviderTimeout("unknown-provider") != cfg.DispatcherTimeout {
		t.Error("expected unknown provider to fall back to dispatcher timeout")
	}
}
