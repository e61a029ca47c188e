package provider_test

import (
	"testing"

	"github.com/watchllm/gateway/provider"
)

func TestDetectProviderWiredModels(t *testing.T) {
	cases := map[string]string{
		"gpt-4o":                        "openai",
		"gpt-3.5-turbo":                 "openai",
		"text-embedding-3-small":        "openai",
		"claude-3-5-sonnet-20241022":    "anthropic",
		"llama-3.3-70b-versatile":       "groq",
		"mixtral-8x7b-32768":            "groq",
		"some-unrelated-local-model-v7": "unknown",
	}
	for model, want := range cases {
		if got := provider.DetectProvider(model); got != want {
			t.Errorf("DetectProvider(%q) = %q, want %q", model, got, want)
		}
	}
}

func TestRegistryGetForModel(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register(provider.NewOpenAIProvider(provider.Config{APIKey: "test"}))

	p, err := reg.GetForModel("gpt-4o")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "openai" {
		t.Fatalf("expected openai, got %s", p.Name())
	}

	if _, err := reg.GetForModel("claude-3-opus-20240229"); err == nil {
		t.Fatal("expected error for unregistered provider")
	}
}

func TestValidateToolDefinitionsRejectsDuplicates(t *testing.T) {
	tools := []provider.Tool{
		{Type: "function", Function: provider.Function{Name: "lookup"}},
		{Type: "function", Function: provider.Function{Name: "lookup"}},
	}
	if err := provider.ValidateToolDefinitions(tools); err == nil {
		t.Fatal("expected error for duplicate function name")
	}
}

func TestConvertToolChoiceToAnthropic(t *testing.T) {
	if got := provider.ConvertToolChoiceToAnthropic("required"); got.Type != "any" {
		t.Fatalf("expected any, got %+v", got)
	}
	if got := provider.ConvertToolChoiceToAnthropic("none"); got != nil {
		t.Fatalf("expected nil for none, got %+v", got)
	}
	named := map[string]interface{}{"function": map[string]interface{}{"name": "lookup"}}
	if got := provider.ConvertToolChoiceToAnthropic(named); got.Type != "tool" || got.Name != "lookup" {
		t.Fatalf("expected named tool choice, got %+v", got)
	}
}
