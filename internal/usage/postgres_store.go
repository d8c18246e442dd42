package usage

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed schema.sql
var schemaSQL string

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema applies the embedded schema. Idempotent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply usage schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO llm_usage (id, tenant_id, model_name, task_name, request_type, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.Exec(ctx, query,
		rec.ID, rec.TenantID, rec.Model, rec.Task, string(rec.Kind), string(rec.Status),
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Finalize(ctx context.Context, rec *Record) error {
	query := `
		UPDATE llm_usage
		SET status = $2, prompt_tokens = $3, completion_tokens = $4, total_tokens = $5,
		    cost_usd = $6, message = $7, updated_at = $8
		WHERE id = $1 AND status = 'pending'
	`
	tag, err := s.db.Exec(ctx, query,
		rec.ID, string(rec.Status),
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens,
		rec.CostUSD, rec.Message, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize usage record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("usage record %s not pending", rec.ID)
	}
	return nil
}

func (s *PostgresStore) Summarize(ctx context.Context, tenantID string, from, to time.Time) ([]ModelSummary, error) {
	query := `
		SELECT model_name, task_name,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'failure'),
		       COALESCE(SUM(total_tokens), 0),
		       COALESCE(SUM(cost_usd), 0)
		FROM llm_usage
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
		GROUP BY model_name, task_name
		ORDER BY model_name, task_name
	`
	rows, err := s.db.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage summary: %w", err)
	}
	defer rows.Close()

	var summaries []ModelSummary
	for rows.Next() {
		var m ModelSummary
		if err := rows.Scan(&m.Model, &m.Task, &m.Requests, &m.Failures, &m.TotalTokens, &m.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("failed to scan usage summary: %w", err)
		}
		summaries = append(summaries, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage summary: %w", err)
	}
	return summaries, nil
}
