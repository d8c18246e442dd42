// Package claude implements the provider client for the Anthropic
// Messages API.
package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/vnmchuo/llm-dispatch/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

type Client struct {
	name       string
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func New(cfg provider.Config) provider.Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		name:       cfg.Name,
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: cfg.HTTPClient(),
	}
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature,omitempty"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	Tools       []claudeTool    `json:"tools,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []contentBlock
}

type contentBlock struct {
	Type      string       `json:"type"`
	Text      string       `json:"text,omitempty"`
	Source    *imageSource `json:"source,omitempty"`
	ToolUseID string       `json:"tool_use_id,omitempty"`
	Content   string       `json:"content,omitempty"` // tool_result payload
}

type imageSource struct {
	Type      string `json:"type"` // always "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type claudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type claudeResponse struct {
	ID      string      `json:"id"`
	Model   string      `json:"model"`
	Content []respBlock `json:"content"`
	Usage   claudeUsage `json:"usage"`
}

type respBlock struct {
	Type     string          `json:"type"` // "text", "thinking", "tool_use"
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (p *Client) GetResponse(ctx context.Context, model string, req *provider.ChatRequest) (*provider.Response, error) {
	body, err := json.Marshal(mapRequest(model, req))
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/messages", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, provider.FromTransport(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.FromTransport(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &provider.StatusError{Code: resp.StatusCode, Message: string(respBody)}
	}

	var claudeResp claudeResponse
	if err := json.Unmarshal(respBody, &claudeResp); err != nil {
		return nil, &provider.ParseError{Raw: string(respBody), Err: err}
	}
	if len(claudeResp.Content) == 0 {
		return nil, &provider.ParseError{Raw: string(respBody), Err: fmt.Errorf("no content blocks in response")}
	}

	out := &provider.Response{
		Raw:      respBody,
		Provider: p.name,
		Model:    claudeResp.Model,
	}
	for _, block := range claudeResp.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "thinking":
			out.Reasoning += block.Thinking
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, provider.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}

	u := claudeResp.Usage
	if u.InputTokens > 0 || u.OutputTokens > 0 {
		out.Usage = &provider.Usage{
			PromptTokens:     u.InputTokens,
			CompletionTokens: u.OutputTokens,
			TotalTokens:      u.InputTokens + u.OutputTokens,
		}
	}
	return out, nil
}

// GetEmbedding always fails: Anthropic has no embedding endpoint. The 404
// status lets the policy fail over to the next candidate.
func (p *Client) GetEmbedding(_ context.Context, model, _ string) (*provider.Response, error) {
	return nil, &provider.StatusError{
		Code:    http.StatusNotFound,
		Message: fmt.Sprintf("model %s: provider has no embedding endpoint", model),
	}
}

func (p *Client) Name() string {
	return p.name
}

func mapRequest(model string, req *provider.ChatRequest) claudeRequest {
	out := claudeRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	for _, m := range req.Messages {
		switch m.Role {
		case provider.RoleSystem:
			out.System = m.Content
		case provider.RoleTool:
			out.Messages = append(out.Messages, claudeMessage{
				Role: "user",
				Content: []contentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		default:
			role := "user"
			if m.Role == provider.RoleAssistant {
				role = "assistant"
			}
			out.Messages = append(out.Messages, claudeMessage{
				Role:    role,
				Content: mapContent(m),
			})
		}
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, claudeTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return out
}

func mapContent(m provider.Message) any {
	if len(m.Images) == 0 {
		return m.Content
	}
	blocks := make([]contentBlock, 0, len(m.Images)+1)
	if m.Content != "" {
		blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
	}
	for _, img := range m.Images {
		blocks = append(blocks, contentBlock{
			Type: "image",
			Source: &imageSource{
				Type:      "base64",
				MediaType: "image/" + img.Format,
				Data:      img.Data,
			},
		})
	}
	return blocks
}
