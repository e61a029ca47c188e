/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Function calling / tool-use normalisation layer.
             Translates the canonical OpenAI-format tool definitions
             and tool calls to/from Anthropic's schema so dispatch
             never branches on provider identity for tool handling.
Root Cause:  Sprint task G063 — function calling pass-through across
             wired providers.
Context:     OpenAI is already the canonical shape; only Anthropic
             needs translation among the three wired connectors.
Suitability: L2 — well-documented schema translation.
──────────────────────────────────────────────────────────────
*/

package provider

import (
	"encoding/json"
	"fmt"
)

// AnthropicTool is a tool definition in Anthropic's format.
type AnthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// AnthropicToolChoice is Anthropic's tool_choice parameter.
type AnthropicToolChoice struct {
	Type string `json:"type"` // "auto", "any", "tool"
	Name string `json:"name,omitempty"`
}

// AnthropicContentBlock is a content block in an Anthropic response.
type AnthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ConvertToolsToAnthropic converts OpenAI tool definitions to Anthropic format.
func ConvertToolsToAnthropic(tools []Tool) []AnthropicTool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]AnthropicTool, 0, len(tools))
	for _, t := range tools {
		if t.Type != "function" {
			continue
		}
		result = append(result, AnthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return result
}

// ConvertToolChoiceToAnthropic converts OpenAI tool_choice to Anthropic format.
func ConvertToolChoiceToAnthropic(toolChoice interface{}) *AnthropicToolChoice {
	if toolChoice == nil {
		return nil
	}
	switch v := toolChoice.(type) {
	case string:
		switch v {
		case "auto":
			return &AnthropicToolChoice{Type: "auto"}
		case "none":
			return nil
		case "required":
			return &AnthropicToolChoice{Type: "any"}
		default:
			return &AnthropicToolChoice{Type: "auto"}
		}
	case map[string]interface{}:
		if fn, ok := v["function"].(map[string]interface{}); ok {
			if name, ok := fn["name"].(string); ok {
				return &AnthropicToolChoice{Type: "tool", Name: name}
			}
		}
	}
	return &AnthropicToolChoice{Type: "auto"}
}

// ConvertAnthropicToolCallsToOpenAI converts Anthropic tool_use content
// blocks to OpenAI-format tool calls.
func ConvertAnthropicToolCallsToOpenAI(contentBlocks []AnthropicContentBlock) (string, []ToolCall) {
	var textContent string
	var toolCalls []ToolCall
	for _, block := range contentBlocks {
		switch block.Type {
		case "text":
			textContent += block.Text
		case "tool_use":
			args, _ := json.Marshal(block.Input)
			toolCalls = append(toolCalls, ToolCall{
				ID: block.ID, Type: "function",
				Function: FunctionCall{Name: block.Name, Arguments: string(args)},
			})
		}
	}
	return textContent, toolCalls
}

// HasToolCalls reports whether a request declares any tools.
func HasToolCalls(req *ChatRequest) bool {
	return len(req.Tools) > 0
}

// HasToolMessages reports whether any message in the request is a tool
// response.
func HasToolMessages(req *ChatRequest) bool {
	for _, msg := range req.Messages {
		if msg.Role == "tool" || msg.ToolCallID != "" {
			return true
		}
	}
	return false
}

// ValidateToolDefinitions checks that tool definitions are well-formed:
// unique function names, valid JSON parameter schemas.
func ValidateToolDefinitions(tools []Tool) error {
	seen := make(map[string]bool)
	for i, t := range tools {
		if t.Type != "function" {
			return fmt.Errorf("tool[%d]: unsupported type %q (only 'function' is supported)", i, t.Type)
		}
		if t.Function.Name == "" {
			return fmt.Errorf("tool[%d]: function name is required", i)
		}
		if seen[t.Function.Name] {
			return fmt.Errorf("tool[%d]: duplicate function name %q", i, t.Function.Name)
		}
		seen[t.Function.Name] = true
		if len(t.Function.Parameters) > 0 {
			var js json.RawMessage
			if err := json.Unmarshal(t.Function.Parameters, &js); err != nil {
				return fmt.Errorf("tool[%d] %q: parameters is not valid JSON: %w", i, t.Function.Name, err)
			}
		}
	}
	return nil
}
