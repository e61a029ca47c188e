package admission_test

import (
	"testing"

	"github.com/watchllm/gateway/admission"
)

func init() {
	admission.RegisterModel("gpt-4o")
}

func TestValidateChatOK(t *testing.T) {
	req := &admission.ChatRequest{
		Model:    "gpt-4o",
		Messages: []admission.ChatMessage{{Role: "user", Content: "hello"}},
	}
	if err := admission.ValidateChat(req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateChatUnknownModel(t *testing.T) {
	req := &admission.ChatRequest{
		Model:    "not-a-real-model",
		Messages: []admission.ChatMessage{{Role: "user", Content: "hi"}},
	}
	err := admission.ValidateChat(req)
	if err == nil || err.Code != "model_not_allowed" {
		t.Fatalf("expected model_not_allowed, got %v", err)
	}
}

func TestValidateChatEmptyMessages(t *testing.T) {
	req := &admission.ChatRequest{Model: "gpt-4o", Messages: nil}
	if err := admission.ValidateChat(req); err == nil {
		t.Fatal("expected error for empty messages")
	}
}

func TestValidateChatInvalidRole(t *testing.T) {
	req := &admission.ChatRequest{
		Model:    "gpt-4o",
		Messages: []admission.ChatMessage{{Role: "narrator", Content: "hi"}},
	}
	err := admission.ValidateChat(req)
	if err == nil || err.Code != "invalid_role" {
		t.Fatalf("expected invalid_role, got %v", err)
	}
}

func TestValidateChatTemperatureRange(t *testing.T) {
	bad := 3.5
	req := &admission.ChatRequest{
		Model:       "gpt-4o",
		Messages:    []admission.ChatMessage{{Role: "user", Content: "hi"}},
		Temperature: &bad,
	}
	err := admission.ValidateChat(req)
	if err == nil || err.Code != "invalid_temperature" {
		t.Fatalf("expected invalid_temperature, got %v", err)
	}
}

func TestValidateChatSanitizesControlCharacters(t *testing.T) {
	req := &admission.ChatRequest{
		Model:    "gpt-4o",
		Messages: []admission.ChatMessage{{Role: "user", Content: "hi\x01\x02there\nok\t."}},
	}
	if err := admission.ValidateChat(req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Messages[0].Content != "hithere\nok\t." {
		t.Fatalf("expected control chars stripped, got %q", req.Messages[0].Content)
	}
}

func TestValidateBatchBounds(t *testing.T) {
	if err := admission.ValidateBatch(nil); err == nil {
		t.Fatal("expected error for empty batch")
	}
	events := make([]admission.EventEnvelope, 101)
	for i := range events {
		events[i] = admission.EventEnvelope{EventType: "request", HasFields: true}
	}
	if err := admission.ValidateBatch(events); err == nil {
		t.Fatal("expected error for batch over 100 events")
	}
}

func TestValidateAgentRun(t *testing.T) {
	if err := admission.ValidateAgentRun(&admission.AgentRun{RunID: "r1", Status: "bogus"}); err == nil {
		t.Fatal("expected error for invalid status")
	}
	if err := admission.ValidateAgentRun(&admission.AgentRun{RunID: "r1", Status: "running"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
