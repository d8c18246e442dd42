package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vnmchuo/llm-dispatch/internal/provider"
)

func newTestClient(url string) provider.Client {
	return New(provider.Config{
		Name:    "gemini-test",
		BaseURL: url,
		APIKey:  "g-key",
		Timeout: 5 * time.Second,
	})
}

func TestGetResponse(t *testing.T) {
	var gotReq geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-2.0-flash:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "g-key" {
			t.Errorf("api key missing from query")
		}
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_, _ = w.Write([]byte(`{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "bonjour"}]}}],
			"usageMetadata": {"promptTokenCount": 8, "candidatesTokenCount": 2, "totalTokenCount": 10}
		}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	resp, err := c.GetResponse(context.Background(), "gemini-2.0-flash", &provider.ChatRequest{
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: "respond in french"},
			{Role: provider.RoleUser, Content: "hello"},
			{Role: provider.RoleAssistant, Content: "salut"},
			{Role: provider.RoleUser, Content: "again"},
		},
		MaxTokens:   64,
		Temperature: 0.1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotReq.SystemInstruction == nil || gotReq.SystemInstruction.Parts[0].Text != "respond in french" {
		t.Errorf("system instruction not mapped: %+v", gotReq.SystemInstruction)
	}
	if len(gotReq.Contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(gotReq.Contents))
	}
	if gotReq.Contents[1].Role != "model" {
		t.Errorf("assistant role must map to %q, got %q", "model", gotReq.Contents[1].Role)
	}
	if gotReq.GenerationConfig.MaxOutputTokens != 64 {
		t.Errorf("generation config wrong: %+v", gotReq.GenerationConfig)
	}

	if resp.Content != "bonjour" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 10 {
		t.Errorf("usage not mapped: %+v", resp.Usage)
	}
}

func TestGetResponseJSONFormatSetsMimeType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req geminiRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.GenerationConfig.ResponseMimeType != "application/json" {
			t.Errorf("expected json mime type, got %q", req.GenerationConfig.ResponseMimeType)
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"{}"}]}}]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.GetResponse(context.Background(), "m", &provider.ChatRequest{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "json please"}},
		Format:   &provider.ResponseFormat{Type: provider.FormatJSONObject},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGetResponseFunctionCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req geminiRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Tools) != 1 || req.Tools[0].FunctionDeclarations[0].Name != "lookup" {
			t.Errorf("function declarations not mapped: %+v", req.Tools)
		}
		_, _ = w.Write([]byte(`{
			"candidates": [{"content": {"parts": [
				{"functionCall": {"name": "lookup", "args": {"id": 7}}}
			]}}]
		}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	resp, err := c.GetResponse(context.Background(), "m", &provider.ChatRequest{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "look up 7"}},
		Tools:    []provider.ToolOption{{Name: "lookup"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "lookup" {
		t.Fatalf("function call not mapped: %+v", resp.ToolCalls)
	}
	if string(resp.ToolCalls[0].Arguments) != `{"id": 7}` {
		t.Errorf("arguments wrong: %s", resp.ToolCalls[0].Arguments)
	}
}

func TestGetResponseStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error": {"status": "PERMISSION_DENIED"}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.GetResponse(context.Background(), "m", &provider.ChatRequest{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	})

	var statusErr *provider.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %T: %v", err, err)
	}
	if statusErr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", statusErr.Code)
	}
}

func TestGetResponseEmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates": []}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.GetResponse(context.Background(), "m", &provider.ChatRequest{
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
	})

	var parseErr *provider.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError for empty candidates, got %T: %v", err, err)
	}
}

func TestGetEmbedding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/text-embedding-004:embedContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req embedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Content.Parts[0].Text != "embed me" {
			t.Errorf("input not forwarded: %+v", req)
		}
		_, _ = w.Write([]byte(`{"embedding": {"values": [0.5, 0.25]}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	resp, err := c.GetEmbedding(context.Background(), "text-embedding-004", "embed me")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Embedding) != 2 || resp.Embedding[0] != 0.5 {
		t.Errorf("embedding not mapped: %+v", resp.Embedding)
	}
}

func TestGetEmbeddingEmptyValues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embedding": {"values": []}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.GetEmbedding(context.Background(), "m", "text")

	var parseErr *provider.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError for empty embedding, got %T: %v", err, err)
	}
}
