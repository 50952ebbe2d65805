package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO usage_records (tenant_id, request_id, provider, model, prompt_tokens, completion_tokens, cost_usd, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		rec.TenantID, rec.RequestID, rec.Provider, rec.Model,
		rec.PromptTokens, rec.CompletionTokens, rec.CostUSD, rec.LatencyMs,
	).Scan(&rec.ID, &rec.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*Record, error) {
	query := `
		SELECT id, tenant_id, request_id, provider, model, prompt_tokens, completion_tokens, cost_usd, latency_ms, created_at
		FROM usage_records
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var r Record
		err := rows.Scan(
			&r.ID, &r.TenantID, &r.RequestID, &r.Provider, &r.Model,
			&r.PromptTokens, &r.CompletionTokens, &r.CostUSD, &r.LatencyMs, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) TotalCost(ctx context.Context, tenantID string, from, to time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
	`
	var total float64
	if err := s.db.QueryRow(ctx, query, tenantID, from, to).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to total usage cost: %w", err)
	}
	return total, nil
}
