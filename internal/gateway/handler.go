// Package gateway exposes the dispatcher over HTTP.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llm-dispatch/config"
	"github.com/vnmchuo/llm-dispatch/internal/auth"
	"github.com/vnmchuo/llm-dispatch/internal/dispatch"
	"github.com/vnmchuo/llm-dispatch/internal/manager"
	"github.com/vnmchuo/llm-dispatch/internal/provider"
	"github.com/vnmchuo/llm-dispatch/internal/usage"
	"github.com/vnmchuo/llm-dispatch/pkg/ratelimit"
)

type Handler struct {
	manager  *manager.Manager
	recorder *usage.Recorder
	limiter  *ratelimit.Limiter
	tracer   trace.Tracer
	logger   *slog.Logger
}

func NewHandler(mgr *manager.Manager, recorder *usage.Recorder, limiter *ratelimit.Limiter, tracer trace.Tracer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		manager:  mgr,
		recorder: recorder,
		limiter:  limiter,
		tracer:   tracer,
		logger:   logger,
	}
}

type chatCompletionRequest struct {
	Task           string                   `json:"task"`
	Messages       []provider.Message       `json:"messages"`
	Tools          []provider.ToolOption    `json:"tools,omitempty"`
	ResponseFormat *provider.ResponseFormat `json:"response_format,omitempty"`
}

type embeddingRequest struct {
	Task  string `json:"task"`
	Input string `json:"input"`
}

type registerTaskRequest struct {
	Name   string              `json:"name"`
	Models []config.ModelUsage `json:"models"`
}

// HandleChatCompletion routes a completion request through the task's
// candidate list.
func (h *Handler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Task == "" || len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "task and messages are required")
		return
	}

	if !h.allow(w, r, tenantID) {
		return
	}

	d, err := h.manager.Dispatcher(req.Task)
	if err != nil {
		if errors.Is(err, manager.ErrUnknownTask) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx, span := h.tracer.Start(ctx, "dispatch.chat_completion")
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("request_id", auth.GetRequestID(ctx)),
		attribute.String("task", req.Task),
	)
	resp, err := d.GetResponse(ctx, req.Messages, &dispatch.ChatOptions{
		Tools:    req.Tools,
		Format:   req.ResponseFormat,
		TenantID: tenantID,
	})
	span.End()

	if err != nil {
		// Only ErrExhausted escapes a dispatch; per-attempt failures are in
		// the usage records.
		writeError(w, http.StatusBadGateway, "no candidate model produced a response")
		return
	}

	h.writeEnvelope(w, r, req.Task, resp)
}

// HandleEmbedding routes an embedding request through the task's candidate
// list.
func (h *Handler) HandleEmbedding(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req embeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Task == "" || req.Input == "" {
		writeError(w, http.StatusBadRequest, "task and input are required")
		return
	}

	if !h.allow(w, r, tenantID) {
		return
	}

	d, err := h.manager.Dispatcher(req.Task)
	if err != nil {
		if errors.Is(err, manager.ErrUnknownTask) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx, span := h.tracer.Start(ctx, "dispatch.embedding")
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("task", req.Task),
	)
	resp, err := d.GetEmbedding(ctx, req.Input, tenantID)
	span.End()

	if err != nil {
		writeError(w, http.StatusBadGateway, "no candidate model produced a response")
		return
	}

	h.writeEnvelope(w, r, req.Task, resp)
}

// HandleRegisterTask registers a task's candidate list at runtime.
func (h *Handler) HandleRegisterTask(w http.ResponseWriter, r *http.Request) {
	if tenantID := auth.GetTenantID(r.Context()); tenantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req registerTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.manager.Register(req.Name, req.Models); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"task":  req.Name,
		"tasks": h.manager.Tasks(),
	})
}

// HandleUsage returns the tenant's per-model usage summary over a window
// (default: last 30 days).
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30)
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		var err error
		if from, err = time.Parse(time.RFC3339, s); err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}
	if s := r.URL.Query().Get("to"); s != "" {
		var err error
		if to, err = time.Parse(time.RFC3339, s); err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	summaries, err := h.recorder.Summarize(ctx, tenantID, from, to)
	if err != nil {
		h.logger.Error("usage summary query failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to summarize usage")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"from":      from,
		"to":        to,
		"models":    summaries,
	})
}

// allow applies the tenant rate limit; on rejection it writes the 429.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, tenantID string) bool {
	// Actual token counts are only known after the fact; charge a flat
	// estimate up front.
	const estimatedTokens = 1000
	allowed, err := h.limiter.Allow(r.Context(), tenantID, estimatedTokens)
	if err != nil {
		h.logger.Error("rate limiter error", "tenant_id", tenantID, "error", err)
	}
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

func (h *Handler) writeEnvelope(w http.ResponseWriter, r *http.Request, task string, resp *provider.Response) {
	requestID := auth.GetRequestID(r.Context())
	if requestID == "" {
		requestID = uuid.New().String()
	}

	body := map[string]any{
		"request_id": requestID,
		"task":       task,
		"provider":   resp.Provider,
		"model":      resp.Model,
	}
	if resp.Embedding != nil {
		body["embedding"] = resp.Embedding
	} else {
		body["content"] = resp.Content
		if resp.Reasoning != "" {
			body["reasoning"] = resp.Reasoning
		}
		if len(resp.ToolCalls) > 0 {
			body["tool_calls"] = resp.ToolCalls
		}
	}
	if resp.Usage != nil {
		body["usage"] = map[string]int{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
