// Package openai implements the provider client for OpenAI-compatible
// chat-completion and embedding endpoints.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/vnmchuo/llm-dispatch/internal/provider"
)

const defaultBaseURL = "https://api.openai.com/v1"

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

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature,omitempty"`
	Tools          []chatTool      `json:"tools,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role       string `json:"role"`
	Content    any    `json:"content"` // string, or []contentPart when images are attached
	ToolCallID string `json:"tool_call_id,omitempty"`
}

type contentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatTool struct {
	Type     string       `json:"type"` // always "function"
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type responseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *jsonSchema `json:"json_schema,omitempty"`
}

type jsonSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema,omitempty"`
	Strict bool            `json:"strict,omitempty"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   usagePayload `json:"usage"`
}

type chatChoice struct {
	Message respMessage `json:"message"`
}

type respMessage struct {
	Content          string         `json:"content"`
	ReasoningContent string         `json:"reasoning_content"`
	ToolCalls        []respToolCall `json:"tool_calls"`
}

type respToolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type usagePayload struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage usagePayload `json:"usage"`
}

func (p *Client) GetResponse(ctx context.Context, model string, req *provider.ChatRequest) (*provider.Response, error) {
	raw, err := p.post(ctx, "/chat/completions", mapChatRequest(model, req))
	if err != nil {
		return nil, err
	}

	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &provider.ParseError{Raw: string(raw), Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &provider.ParseError{Raw: string(raw), Err: fmt.Errorf("no choices in response")}
	}

	msg := resp.Choices[0].Message
	out := &provider.Response{
		Content:   msg.Content,
		Reasoning: msg.ReasoningContent,
		Raw:       raw,
		Provider:  p.name,
		Model:     resp.Model,
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, provider.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	if u := resp.Usage; u.TotalTokens > 0 || u.PromptTokens > 0 {
		out.Usage = &provider.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return out, nil
}

func (p *Client) GetEmbedding(ctx context.Context, model, input string) (*provider.Response, error) {
	raw, err := p.post(ctx, "/embeddings", embeddingRequest{Model: model, Input: input})
	if err != nil {
		return nil, err
	}

	var resp embeddingResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &provider.ParseError{Raw: string(raw), Err: err}
	}
	if len(resp.Data) == 0 {
		return nil, &provider.ParseError{Raw: string(raw), Err: fmt.Errorf("no embedding in response")}
	}

	out := &provider.Response{
		Embedding: resp.Data[0].Embedding,
		Raw:       raw,
		Provider:  p.name,
		Model:     model,
	}
	if u := resp.Usage; u.TotalTokens > 0 || u.PromptTokens > 0 {
		out.Usage = &provider.Usage{
			PromptTokens: u.PromptTokens,
			TotalTokens:  u.TotalTokens,
		}
	}
	return out, nil
}

func (p *Client) Name() string {
	return p.name
}

func mapChatRequest(model string, req *provider.ChatRequest) chatRequest {
	messages := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = chatMessage{
			Role:       string(m.Role),
			Content:    mapContent(m),
			ToolCallID: m.ToolCallID,
		}
	}

	out := chatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, chatTool{
			Type: "function",
			Function: toolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if f := req.Format; f != nil {
		rf := &responseFormat{Type: string(f.Type)}
		if f.Type == provider.FormatJSONSchema {
			rf.JSONSchema = &jsonSchema{Name: f.Name, Schema: f.Schema, Strict: f.Strict}
		}
		out.ResponseFormat = rf
	}
	return out
}

func mapContent(m provider.Message) any {
	if len(m.Images) == 0 {
		return m.Content
	}
	parts := make([]contentPart, 0, len(m.Images)+1)
	if m.Content != "" {
		parts = append(parts, contentPart{Type: "text", Text: m.Content})
	}
	for _, img := range m.Images {
		parts = append(parts, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: fmt.Sprintf("data:image/%s;base64,%s", img.Format, img.Data)},
		})
	}
	return parts
}

// post runs one JSON POST and maps transport and status failures onto the
// shared error taxonomy.
func (p *Client) post(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))

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
	return respBody, nil
}
