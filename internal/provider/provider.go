package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Image is a base64-encoded image attachment.
type Image struct {
	Format string `json:"format"` // "jpeg", "png", "webp", "gif"
	Data   string `json:"data"`   // base64 payload, no data: prefix
}

type Message struct {
	Role       Role    `json:"role"`
	Content    string  `json:"content"`
	Images     []Image `json:"images,omitempty"`
	ToolCallID string  `json:"tool_call_id,omitempty"` // set on tool results
}

// ToolOption declares one tool the model may call.
type ToolOption struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"` // JSON Schema
}

type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type FormatType string

const (
	FormatText       FormatType = "text"
	FormatJSONObject FormatType = "json_object"
	FormatJSONSchema FormatType = "json_schema"
)

type ResponseFormat struct {
	Type   FormatType      `json:"type"`
	Name   string          `json:"name,omitempty"`
	Schema json.RawMessage `json:"schema,omitempty"`
	Strict bool            `json:"strict,omitempty"`
}

// ChatRequest carries one fully-resolved completion request. Limits are
// already merged (candidate override over task defaults) by the caller.
type ChatRequest struct {
	Messages    []Message
	Tools       []ToolOption
	MaxTokens   int
	Temperature float64
	Format      *ResponseFormat
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the normalized envelope every adapter produces.
type Response struct {
	Content   string
	Reasoning string
	ToolCalls []ToolCall
	Embedding []float64
	Usage     *Usage
	Raw       json.RawMessage
	Provider  string
	Model     string
}

// Client performs requests against one backend. Implementations fail with
// one of *ConnectionError, *AbortError, *StatusError, *ParseError so the
// dispatcher can classify without string matching.
type Client interface {
	GetResponse(ctx context.Context, model string, req *ChatRequest) (*Response, error)
	GetEmbedding(ctx context.Context, model, input string) (*Response, error)
	Name() string
}

// Config is what a client constructor needs about its backend.
type Config struct {
	Name    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient builds the http.Client shared by the adapters.
func (c Config) HTTPClient() *http.Client {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
