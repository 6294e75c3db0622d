package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUpsert = `
	INSERT INTO usage_events (id, credential_id, user_id, project_id, provider, endpoint, day,
		input_tokens, output_tokens, total_tokens, requests, cost, top_label, top_cost, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
	ON CONFLICT (credential_id, endpoint, day) DO UPDATE SET
		input_tokens = usage_events.input_tokens + EXCLUDED.input_tokens,
		output_tokens = usage_events.output_tokens + EXCLUDED.output_tokens,
		total_tokens = usage_events.total_tokens + EXCLUDED.total_tokens,
		requests = usage_events.requests + EXCLUDED.requests,
		cost = usage_events.cost + EXCLUDED.cost,
		top_label = CASE WHEN EXCLUDED.top_cost > usage_events.top_cost THEN EXCLUDED.top_label ELSE usage_events.top_label END,
		top_cost = GREATEST(usage_events.top_cost, EXCLUDED.top_cost),
		updated_at = EXCLUDED.updated_at
`

// PostgreSQLStore implements Ledger for PostgreSQL databases.
type PostgreSQLStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgreSQLStore creates the usage_events and usage_batches tables if
// needed.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS usage_events (
			id UUID PRIMARY KEY,
			credential_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			endpoint TEXT NOT NULL,
			day TEXT NOT NULL,
			input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			total_tokens BIGINT NOT NULL DEFAULT 0,
			requests BIGINT NOT NULL DEFAULT 0,
			cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			top_label TEXT NOT NULL DEFAULT '',
			top_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (credential_id, endpoint, day)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage_events table: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS usage_batches (
			id TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage_batches table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_usage_events_user_day ON usage_events(user_id, day)",
		"CREATE INDEX IF NOT EXISTS idx_usage_events_project_day ON usage_events(project_id, day)",
		"CREATE INDEX IF NOT EXISTS idx_usage_events_credential_day ON usage_events(credential_id, day)",
	}
	for _, idx := range indexes {
		if _, err := pool.Exec(ctx, idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	return &PostgreSQLStore{pool: pool, now: time.Now}, nil
}

func (s *PostgreSQLStore) upsertArgs(key Key, delta Delta) []any {
	return []any{
		uuid.NewString(), key.CredentialID, key.UserID, key.ProjectID, key.Provider, key.Endpoint, key.Day,
		delta.InputTokens, delta.OutputTokens, delta.TotalTokens, delta.Requests, delta.Cost,
		delta.Label, delta.Cost, s.now().UTC(),
	}
}

func (s *PostgreSQLStore) RecordUsage(ctx context.Context, key Key, delta Delta) error {
	if err := key.validate(); err != nil {
		return err
	}
	if err := delta.validate(); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, pgUpsert, s.upsertArgs(key, delta)...); err != nil {
		return fmt.Errorf("failed to upsert usage for %s/%s/%s: %w", key.CredentialID, key.Endpoint, key.Day, err)
	}
	return nil
}

func (s *PostgreSQLStore) RecordBatch(ctx context.Context, batchID string, entries []Entry) (bool, error) {
	if err := validateEntries(batchID, entries); err != nil {
		return false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin batch %s: %w", batchID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO usage_batches (id, applied_at) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		batchID, s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to mark batch %s: %w", batchID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if len(entries) > 0 {
		batch := &pgx.Batch{}
		for _, e := range entries {
			batch.Queue(pgUpsert, s.upsertArgs(e.Key, e.Delta)...)
		}
		br := tx.SendBatch(ctx, batch)
		for i := range entries {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return false, fmt.Errorf("failed to upsert batch %s entry %d: %w", batchID, i, err)
			}
		}
		if err := br.Close(); err != nil {
			return false, fmt.Errorf("failed to upsert batch %s: %w", batchID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit batch %s: %w", batchID, err)
	}
	return true, nil
}

func (s *PostgreSQLStore) Aggregate(ctx context.Context, filter Filter, r DateRange, metric Metric) (float64, error) {
	if err := validateQuery(filter, r); err != nil {
		return 0, err
	}
	col, ok := metricColumns[metric]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMetric, metric)
	}

	where, args := sqlWhere(filter, r, pgPlaceholder)
	var total float64
	err := s.pool.QueryRow(ctx,
		"SELECT COALESCE(SUM("+col+"), 0)::DOUBLE PRECISION FROM usage_events"+where, args...).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate %s: %w", metric, err)
	}
	return total, nil
}

func (s *PostgreSQLStore) Totals(ctx context.Context, filter Filter, r DateRange) (Totals, error) {
	if err := validateQuery(filter, r); err != nil {
		return Totals{}, err
	}

	where, args := sqlWhere(filter, r, pgPlaceholder)
	var t Totals
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(input_tokens), 0)::BIGINT, COALESCE(SUM(output_tokens), 0)::BIGINT,
			COALESCE(SUM(total_tokens), 0)::BIGINT, COALESCE(SUM(requests), 0)::BIGINT,
			COALESCE(SUM(cost), 0)::DOUBLE PRECISION
		FROM usage_events`+where, args...).Scan(&t.InputTokens, &t.OutputTokens, &t.TotalTokens, &t.Requests, &t.Cost)
	if err != nil {
		return Totals{}, fmt.Errorf("failed to query totals: %w", err)
	}
	return t, nil
}
