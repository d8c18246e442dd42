package usage

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/vnmchuo/llm-dispatch/internal/provider"
)

type Kind string

const (
	KindChat      Kind = "chat"
	KindEmbedding Kind = "embedding"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusSuccess  Status = "success"
	StatusFailure  Status = "failure"
	StatusCanceled Status = "canceled"
)

// Record is one attempt against one model: created pending before the
// attempt, finalized exactly once after it resolves.
type Record struct {
	ID               string
	TenantID         string
	Model            string
	Task             string
	Kind             Kind
	Status           Status
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	CostUSD          float64
	Message          string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ModelSummary aggregates finalized records for the usage API.
type ModelSummary struct {
	Model        string  `json:"model"`
	Task         string  `json:"task"`
	Requests     int64   `json:"requests"`
	Failures     int64   `json:"failures"`
	TotalTokens  int64   `json:"total_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

type Store interface {
	Insert(ctx context.Context, rec *Record) error
	Finalize(ctx context.Context, rec *Record) error
	Summarize(ctx context.Context, tenantID string, from, to time.Time) ([]ModelSummary, error)
}

// Pricing is USD per million tokens, input and output.
type Pricing struct {
	In  float64
	Out float64
}

// Cost computes the attempt cost rounded to 6 decimals.
func Cost(promptTokens, completionTokens int64, price Pricing) float64 {
	in := float64(promptTokens) / 1e6 * price.In
	out := float64(completionTokens) / 1e6 * price.Out
	return math.Round((in+out)*1e6) / 1e6
}

// Recorder writes one record per attempt. Storage failures are logged and
// swallowed: telemetry must never fail a dispatch, and Begin always hands
// back a usable record id.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// Begin inserts a pending record and returns its id.
func (r *Recorder) Begin(ctx context.Context, tenantID, model, task string, kind Kind) string {
	now := time.Now().UTC()
	rec := &Record{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Model:     model,
		Task:      task,
		Kind:      kind,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.Insert(ctx, rec); err != nil {
		r.logger.Error("failed to insert usage record",
			"record_id", rec.ID, "model", model, "task", task, "error", err)
	}
	return rec.ID
}

// Finish finalizes the record created by Begin. Called exactly once per
// attempt; usage may be nil when the backend reported none.
func (r *Recorder) Finish(ctx context.Context, id string, status Status, u *provider.Usage, price Pricing, message string) {
	rec := &Record{
		ID:        id,
		Status:    status,
		Message:   message,
		UpdatedAt: time.Now().UTC(),
	}
	if u != nil {
		rec.PromptTokens = int64(u.PromptTokens)
		rec.CompletionTokens = int64(u.CompletionTokens)
		rec.TotalTokens = int64(u.TotalTokens)
		rec.CostUSD = Cost(rec.PromptTokens, rec.CompletionTokens, price)
	}
	if err := r.store.Finalize(ctx, rec); err != nil {
		r.logger.Error("failed to finalize usage record",
			"record_id", id, "status", status, "error", err)
	}
}

// Summarize proxies to the backing store.
func (r *Recorder) Summarize(ctx context.Context, tenantID string, from, to time.Time) ([]ModelSummary, error) {
	return r.store.Summarize(ctx, tenantID, from, to)
}
