package accounting_test

import (
	"testing"

	"github.com/watchllm/gateway/accounting"
	"github.com/watchllm/gateway/provider"
)

func TestChatCostAppliesPer1KPricing(t *testing.T) {
	e := accounting.NewEngine()
	got := e.ChatCost("openai", "gpt-4o", 1000, 1000)
	want := 0.0025 + 0.0100
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("ChatCost() = %v, want %v", got, want)
	}
}

func TestChatCostFreeModelIsZero(t *testing.T) {
	e := accounting.NewEngine()
	if got := e.ChatCost("groq", "llama-3.3-70b-versatile", 50000, 50000); got != 0 {
		t.Fatalf("expected free groq model to cost 0, got %v", got)
	}
}

func TestChatCostUnknownModelIsZero(t *testing.T) {
	e := accounting.NewEngine()
	if got := e.ChatCost("openai", "not-a-real-model", 1000, 1000); got != 0 {
		t.Fatalf("expected unknown model to cost 0, got %v", got)
	}
}

func TestUpdatePriceOverridesDefault(t *testing.T) {
	e := accounting.NewEngine()
	e.UpdatePrice(accounting.ModelPrice{Provider: "openai", Model: "gpt-4o", InputPer1K: 1, OutputPer1K: 1})
	if got := e.ChatCost("openai", "gpt-4o", 1000, 0); got != 1 {
		t.Fatalf("expected overridden price to apply, got %v", got)
	}
}

func TestTrackerSettleMarksEstimatedFalse(t *testing.T) {
	tr := accounting.NewTracker(accounting.NewEngine())
	p := tr.Open("req-1", "proj-a", "openai", "gpt-4o", 100, false)
	row := tr.Settle(p, 200, false, "")
	if row.Estimated {
		t.Fatal("Settle should not mark the row estimated")
	}
	if row.TotalTokens != 300 {
		t.Fatalf("expected 300 total tokens, got %d", row.TotalTokens)
	}
	if row.CostUSD <= 0 {
		t.Fatal("expected non-zero cost for a paid model")
	}
}

func TestTrackerSettleEstimatedMarksRowEstimated(t *testing.T) {
	tr := accounting.NewTracker(accounting.NewEngine())
	p := tr.Open("req-2", "proj-a", "openai", "gpt-4o", 100, true)
	row := tr.SettleEstimated(p, 42, "client_disconnect")
	if !row.Estimated {
		t.Fatal("SettleEstimated should mark the row estimated")
	}
	if row.FailureCategory != "client_disconnect" {
		t.Fatalf("expected failure category to carry through, got %q", row.FailureCategory)
	}
}

func TestTokenCounterEstimateMessagesIncludesOverhead(t *testing.T) {
	tc := accounting.NewTokenCounter(4.0)
	messages := []provider.ChatMessage{
		{Role: "system", Content: "you are a helpful assistant"},
		{Role: "user", Content: "hello there"},
	}
	got := tc.EstimateMessages(messages)
	if got <= 0 {
		t.Fatal("expected positive token estimate")
	}
}

func TestTokenCounterEmptyTextIsZero(t *testing.T) {
	tc := accounting.NewTokenCounter(4.0)
	if got := tc.EstimateText(""); got != 0 {
		t.Fatalf("expected 0 for empty text, got %d", got)
	}
}
