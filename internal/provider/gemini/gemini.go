// Package gemini implements the provider client for the Google Generative
// Language API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/vnmchuo/llm-dispatch/internal/provider"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

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

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	Tools             []geminiTools     `json:"tools,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text         string        `json:"text,omitempty"`
	InlineData   *inlineData   `json:"inline_data,omitempty"`
	FunctionCall *functionCall `json:"functionCall,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type functionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type generationConfig struct {
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiTools struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata usageMetadata     `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content geminiContent `json:"content"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type embedRequest struct {
	Content geminiContent `json:"content"`
}

type embedResponse struct {
	Embedding struct {
		Values []float64 `json:"values"`
	} `json:"embedding"`
}

func (p *Client) GetResponse(ctx context.Context, model string, req *provider.ChatRequest) (*provider.Response, error) {
	raw, err := p.post(ctx, fmt.Sprintf("/models/%s:generateContent", model), mapRequest(req))
	if err != nil {
		return nil, err
	}

	var resp geminiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &provider.ParseError{Raw: string(raw), Err: err}
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, &provider.ParseError{Raw: string(raw), Err: fmt.Errorf("no candidates in response")}
	}

	out := &provider.Response{
		Raw:      raw,
		Provider: p.name,
		Model:    model,
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			out.Content += part.Text
		}
		if part.FunctionCall != nil {
			out.ToolCalls = append(out.ToolCalls, provider.ToolCall{
				Name:      part.FunctionCall.Name,
				Arguments: part.FunctionCall.Args,
			})
		}
	}

	u := resp.UsageMetadata
	if u.TotalTokenCount > 0 || u.PromptTokenCount > 0 {
		out.Usage = &provider.Usage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
	}
	return out, nil
}

func (p *Client) GetEmbedding(ctx context.Context, model, input string) (*provider.Response, error) {
	payload := embedRequest{Content: geminiContent{Parts: []geminiPart{{Text: input}}}}
	raw, err := p.post(ctx, fmt.Sprintf("/models/%s:embedContent", model), payload)
	if err != nil {
		return nil, err
	}

	var resp embedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &provider.ParseError{Raw: string(raw), Err: err}
	}
	if len(resp.Embedding.Values) == 0 {
		return nil, &provider.ParseError{Raw: string(raw), Err: fmt.Errorf("no embedding in response")}
	}

	return &provider.Response{
		Embedding: resp.Embedding.Values,
		Raw:       raw,
		Provider:  p.name,
		Model:     model,
	}, nil
}

func (p *Client) Name() string {
	return p.name
}

func mapRequest(req *provider.ChatRequest) geminiRequest {
	out := geminiRequest{
		GenerationConfig: &generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		},
	}
	if f := req.Format; f != nil && f.Type != provider.FormatText {
		out.GenerationConfig.ResponseMimeType = "application/json"
	}

	for _, m := range req.Messages {
		if m.Role == provider.RoleSystem {
			out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
			continue
		}
		role := "user"
		if m.Role == provider.RoleAssistant {
			role = "model"
		}
		out.Contents = append(out.Contents, geminiContent{Role: role, Parts: mapParts(m)})
	}

	if len(req.Tools) > 0 {
		decls := make([]functionDeclaration, len(req.Tools))
		for i, t := range req.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		out.Tools = []geminiTools{{FunctionDeclarations: decls}}
	}
	return out
}

func mapParts(m provider.Message) []geminiPart {
	parts := make([]geminiPart, 0, len(m.Images)+1)
	if m.Content != "" {
		parts = append(parts, geminiPart{Text: m.Content})
	}
	for _, img := range m.Images {
		parts = append(parts, geminiPart{
			InlineData: &inlineData{MimeType: "image/" + img.Format, Data: img.Data},
		})
	}
	return parts
}

func (p *Client) post(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	url := fmt.Sprintf("%s%s?key=%s", p.baseURL, path, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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
