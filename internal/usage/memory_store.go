package usage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps records in memory. Used in tests and when the service
// runs without Postgres.
type MemoryStore struct {
	mu      sync.Mutex
	records []*Record
	byID    map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Record)}
}

func (s *MemoryStore) Insert(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[rec.ID]; ok {
		return fmt.Errorf("duplicate usage record %s", rec.ID)
	}
	cp := *rec
	s.records = append(s.records, &cp)
	s.byID[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) Finalize(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.byID[rec.ID]
	if !ok {
		return fmt.Errorf("unknown usage record %s", rec.ID)
	}
	if existing.Status != StatusPending {
		return fmt.Errorf("usage record %s not pending", rec.ID)
	}
	existing.Status = rec.Status
	existing.PromptTokens = rec.PromptTokens
	existing.CompletionTokens = rec.CompletionTokens
	existing.TotalTokens = rec.TotalTokens
	existing.CostUSD = rec.CostUSD
	existing.Message = rec.Message
	existing.UpdatedAt = rec.UpdatedAt
	return nil
}

func (s *MemoryStore) Summarize(_ context.Context, tenantID string, from, to time.Time) ([]ModelSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type key struct{ model, task string }
	agg := make(map[key]*ModelSummary)
	var order []key
	for _, rec := range s.records {
		if rec.TenantID != tenantID {
			continue
		}
		if rec.CreatedAt.Before(from) || rec.CreatedAt.After(to) {
			continue
		}
		k := key{rec.Model, rec.Task}
		m, ok := agg[k]
		if !ok {
			m = &ModelSummary{Model: rec.Model, Task: rec.Task}
			agg[k] = m
			order = append(order, k)
		}
		m.Requests++
		if rec.Status == StatusFailure {
			m.Failures++
		}
		m.TotalTokens += rec.TotalTokens
		m.TotalCostUSD += rec.CostUSD
	}

	summaries := make([]ModelSummary, 0, len(order))
	for _, k := range order {
		summaries = append(summaries, *agg[k])
	}
	return summaries, nil
}

// Records returns a snapshot in insertion order.
func (s *MemoryStore) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	for i, rec := range s.records {
		out[i] = *rec
	}
	return out
}
