/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Anthropic connector implementing Provider. Translates
             the canonical OpenAI-shaped ChatRequest to Anthropic's
             Messages API (system prompt split out, tool_use/
             tool_result content blocks) and back.
Root Cause:  Sprint task G062 — Anthropic connector.
Context:     Anthropic uses x-api-key auth and a messages schema
             distinct from the canonical ChatRequest; conversion
             lives entirely in this file so dispatch never needs to
             know which provider it is talking to.
Suitability: L2 — well-documented API, schema translation only.
──────────────────────────────────────────────────────────────
*/

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

// AnthropicProvider implements Provider for Anthropic.
type AnthropicProvider struct {
	config Config
	client *http.Client
}

type anthropicRequest struct {
	Model       string               `json:"model"`
	MaxTokens   int                  `json:"max_tokens"`
	Messages    []anthropicMessage   `json:"messages"`
	System      string               `json:"system,omitempty"`
	Temperature *float64             `json:"temperature,omitempty"`
	TopP        *float64             `json:"top_p,omitempty"`
	Stream      bool                 `json:"stream,omitempty"`
	StopSeqs    []string             `json:"stop_sequences,omitempty"`
	Tools       []AnthropicTool      `json:"tools,omitempty"`
	ToolChoice  *AnthropicToolChoice `json:"tool_choice,omitempty"`
}

type anthropicMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Role    string `json:"role"`
	Model   string `json:"model"`
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text,omitempty"`
		ID    string          `json:"id,omitempty"`
		Name  string          `json:"name,omitempty"`
		Input json.RawMessage `json:"input,omitempty"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func NewAnthropicProvider(cfg Config) *AnthropicProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = anthropicBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConns:        50,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	return &AnthropicProvider{
		config: cfg,
		client: &http.Client{Transport: transport, Timeout: cfg.Timeout},
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Models() []string {
	if len(p.config.Models) > 0 {
		return p.config.Models
	}
	return []string{
		"claude-3-opus-20240229", "claude-3-sonnet-20240229",
		"claude-3-haiku-20240307", "claude-3-5-sonnet-20241022",
	}
}

func (p *AnthropicProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	aReq := p.convertRequest(req)
	aReq.Stream = false

	body, err := json.Marshal(aReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: respBody}
	}

	var aResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&aResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return p.convertResponse(&aResp), nil
}

func (p *AnthropicProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (Stream, error) {
	aReq := p.convertRequest(req)
	aReq.Stream = true

	body, err := json.Marshal(aReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic stream request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: respBody}
	}
	return NewHTTPStream(resp), nil
}

func (p *AnthropicProvider) Embeddings(ctx context.Context, req *EmbeddingsRequest) (*EmbeddingsResponse, error) {
	return nil, fmt.Errorf("anthropic: embeddings not supported")
}

func (p *AnthropicProvider) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.BaseURL+"/models", nil)
	if err != nil {
		return HealthStatus{Healthy: false, Error: err.Error(), LastCheck: time.Now()}
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return HealthStatus{Healthy: false, Latency: latency, Error: err.Error(), LastCheck: time.Now()}
	}
	defer resp.Body.Close()

	// Anthropic's models endpoint may 404 on older accounts; any non-5xx
	// response still indicates the upstream is reachable.
	healthy := resp.StatusCode < 500
	errMsg := ""
	if !healthy {
		errMsg = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return HealthStatus{Healthy: healthy, Latency: latency, LastCheck: time.Now(), Error: errMsg}
}

func (p *AnthropicProvider) convertRequest(req *ChatRequest) *anthropicRequest {
	aReq := &anthropicRequest{
		Model:       req.Model,
		MaxTokens:   1024,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		StopSeqs:    req.Stop,
	}
	if req.MaxTokens != nil {
		aReq.MaxTokens = *req.MaxTokens
	}
	if len(req.Tools) > 0 {
		aReq.Tools = ConvertToolsToAnthropic(req.Tools)
		aReq.ToolChoice = ConvertToolChoiceToAnthropic(req.ToolChoice)
	}

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			if content, ok := msg.Content.(string); ok {
				aReq.System = content
			}
			continue
		}

		if msg.Role == "tool" && msg.ToolCallID != "" {
			content := ""
			if c, ok := msg.Content.(string); ok {
				content = c
			}
			aReq.Messages = append(aReq.Messages, anthropicMessage{
				Role: "user",
				Content: []map[string]interface{}{
					{"type": "tool_result", "tool_use_id": msg.ToolCallID, "content": content},
				},
			})
			continue
		}

		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			blocks := make([]map[string]interface{}, 0, len(msg.ToolCalls)+1)
			if content, ok := msg.Content.(string); ok && content != "" {
				blocks = append(blocks, map[string]interface{}{"type": "text", "text": content})
			}
			for _, tc := range msg.ToolCalls {
				var input json.RawMessage
				_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
				blocks = append(blocks, map[string]interface{}{
					"type": "tool_use", "id": tc.ID, "name": tc.Function.Name, "input": input,
				})
			}
			aReq.Messages = append(aReq.Messages, anthropicMessage{Role: "assistant", Content: blocks})
			continue
		}

		content := ""
		if c, ok := msg.Content.(string); ok {
			content = c
		}
		aReq.Messages = append(aReq.Messages, anthropicMessage{Role: msg.Role, Content: content})
	}
	return aReq
}

func (p *AnthropicProvider) convertResponse(aResp *anthropicResponse) *ChatResponse {
	var textContent string
	var toolCalls []ToolCall

	for _, block := range aResp.Content {
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

	finishReason := mapStopReason(aResp.StopReason)
	if len(toolCalls) > 0 && aResp.StopReason == "tool_use" {
		finishReason = "tool_calls"
	}

	return &ChatResponse{
		ID:      aResp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   aResp.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      ChatMessage{Role: "assistant", Content: textContent, ToolCalls: toolCalls},
			FinishReason: finishReason,
		}},
		Usage: Usage{
			PromptTokens:     aResp.Usage.InputTokens,
			CompletionTokens: aResp.Usage.OutputTokens,
			TotalTokens:      aResp.Usage.InputTokens + aResp.Usage.OutputTokens,
		},
	}
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn":
		return "stop"
	case "max_tokens":
		return "length"
	case "stop_sequence":
		return "stop"
	default:
		return reason
	}
}

func (p *AnthropicProvider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.config.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	for k, v := range p.config.Headers {
		req.Header.Set(k, v)
	}
}
