/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Admission Controller — size guard, schema validation,
             model allow-list, and input sanitisation for chat,
             completion and embedding requests, plus the batch
             observability-event and agent-run ingest contracts.
Root Cause:  Sprint task G020 — request validation before any
             cache lookup, routing, or upstream dispatch occurs.
Context:     Failures here are always fail-closed 400s; never
             silently coerced.
Suitability: L3 model for field-constraint validation.
──────────────────────────────────────────────────────────────
*/

package admission

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	MaxContentLength  = 1 << 20 // 1 MiB
	MaxMessages       = 100
	MaxMessageChars   = 100_000
	MaxStopChars      = 1000
	MaxStopArray      = 10
	MaxTools          = 50
	MinTemperature    = 0.0
	MaxTemperature    = 2.0
	MinMaxTokens      = 1
	MaxMaxTokens      = 128_000
	MaxBatchEvents    = 100
)

// AllowedModels is the model allow-list. It starts empty and is filled
// at startup, via RegisterModel, from the registered providers' models.
var AllowedModels = map[string]bool{}

// RegisterModel adds a model to the allow-list.
func RegisterModel(model string) {
	AllowedModels[model] = true
}

// Error is the admission failure envelope: {error, type, code}.
type Error struct {
	Message string
	Type    string
	Code    string
}

func (e *Error) Error() string { return e.Message }

func fail(code, format string, args ...interface{}) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Type: "invalid_request", Code: code}
}

// ChatMessage mirrors the wire shape admission validates (role + content).
type ChatMessage struct {
	Role    string
	Content string
}

// ChatRequest is the subset of an incoming chat/completion body admission
// cares about.
type ChatRequest struct {
	ContentLength int64
	Model         string
	Messages      []ChatMessage
	Temperature   *float64
	MaxTokens     *int
	Stop          []string
	ToolCount     int
}

var validRoles = map[string]bool{
	"system": true, "user": true, "assistant": true, "function": true, "tool": true,
}

// ValidateChat validates a chat-completion request per the admission
// contract table. Messages' content is sanitised in place (control
// characters other than \n\t stripped).
func ValidateChat(req *ChatRequest) *Error {
	if req.ContentLength > MaxContentLength {
		return &Error{Message: "request body exceeds 1 MiB", Type: "invalid_request", Code: "payload_too_large"}
	}
	if !AllowedModels[req.Model] {
		return fail("model_not_allowed", "model %q is not in the allow-list", req.Model)
	}
	if len(req.Messages) < 1 || len(req.Messages) > MaxMessages {
		return fail("invalid_messages", "messages must contain 1..%d entries", MaxMessages)
	}
	for i := range req.Messages {
		m := &req.Messages[i]
		if !validRoles[m.Role] {
			return fail("invalid_role", "message %d has invalid role %q", i, m.Role)
		}
		if len(m.Content) > MaxMessageChars {
			return fail("message_too_long", "message %d content exceeds %d characters", i, MaxMessageChars)
		}
		m.Content = sanitize(m.Content)
	}
	if req.Temperature != nil && (*req.Temperature < MinTemperature || *req.Temperature > MaxTemperature) {
		return fail("invalid_temperature", "temperature must be in [0,2]")
	}
	if req.MaxTokens != nil && (*req.MaxTokens < MinMaxTokens || *req.MaxTokens > MaxMaxTokens) {
		return fail("invalid_max_tokens", "max_tokens must be in [1,128000]")
	}
	if len(req.Stop) > MaxStopArray {
		return fail("invalid_stop", "stop array must contain at most %d entries", MaxStopArray)
	}
	for _, s := range req.Stop {
		if len(s) > MaxStopChars {
			return fail("invalid_stop", "stop entry exceeds %d characters", MaxStopChars)
		}
	}
	if req.ToolCount > MaxTools {
		return fail("invalid_tools", "tools array must contain at most %d entries", MaxTools)
	}
	return nil
}

// sanitize strips control characters other than \n and \t.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// EventEnvelope is the discriminated observability-event shape admission
// validates before batch ingest.
type EventEnvelope struct {
	EventType string
	ProjectID string
	HasFields bool // true once the event_type-specific required fields are present
}

// ValidateBatch validates the batch-ingest contract: 1..100 events, each
// with a recognised event_type and its required fields present.
func ValidateBatch(events []EventEnvelope) *Error {
	if len(events) < 1 || len(events) > MaxBatchEvents {
		return fail("invalid_batch", "batch must contain 1..%d events", MaxBatchEvents)
	}
	for i, e := range events {
		if e.EventType == "" {
			return fail("invalid_event_type", "event %d missing event_type", i)
		}
		if !e.HasFields {
			return fail("invalid_event_fields", "event %d missing required fields for type %q", i, e.EventType)
		}
	}
	return nil
}

// AgentRun is the subset of an agent-run ingest body admission validates.
type AgentRun struct {
	RunID     string
	AgentName string
	Status    string
	StepCount int
}

var validRunStatuses = map[string]bool{
	"running": true, "completed": true, "failed": true, "cancelled": true,
}

// ValidateAgentRun validates the agent-run ingest contract.
func ValidateAgentRun(r *AgentRun) *Error {
	if r.RunID == "" {
		return fail("invalid_run", "run_id is required")
	}
	if !validRunStatuses[r.Status] {
		return fail("invalid_status", "status %q is not recognised", r.Status)
	}
	if r.StepCount < 0 {
		return fail("invalid_steps", "step count cannot be negative")
	}
	return nil
}
