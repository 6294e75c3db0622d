package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const sqliteUpsert = `
	INSERT INTO usage_events (id, credential_id, user_id, project_id, provider, endpoint, day,
		input_tokens, output_tokens, total_tokens, requests, cost, top_label, top_cost, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (credential_id, endpoint, day) DO UPDATE SET
		input_tokens = usage_events.input_tokens + excluded.input_tokens,
		output_tokens = usage_events.output_tokens + excluded.output_tokens,
		total_tokens = usage_events.total_tokens + excluded.total_tokens,
		requests = usage_events.requests + excluded.requests,
		cost = usage_events.cost + excluded.cost,
		top_label = CASE WHEN excluded.top_cost > usage_events.top_cost THEN excluded.top_label ELSE usage_events.top_label END,
		top_cost = MAX(usage_events.top_cost, excluded.top_cost),
		updated_at = excluded.updated_at
`

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLiteStore implements Ledger for SQLite databases.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates the usage_events and usage_batches tables if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS usage_events (
			id TEXT PRIMARY KEY,
			credential_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			endpoint TEXT NOT NULL,
			day TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			requests INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			top_label TEXT NOT NULL DEFAULT '',
			top_cost REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (credential_id, endpoint, day)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage_events table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS usage_batches (
			id TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
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
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) RecordUsage(ctx context.Context, key Key, delta Delta) error {
	if err := key.validate(); err != nil {
		return err
	}
	if err := delta.validate(); err != nil {
		return err
	}
	return s.upsert(ctx, s.db, key, delta)
}

func (s *SQLiteStore) upsert(ctx context.Context, ex execer, key Key, delta Delta) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	_, err := ex.ExecContext(ctx, sqliteUpsert,
		uuid.NewString(), key.CredentialID, key.UserID, key.ProjectID, key.Provider, key.Endpoint, key.Day,
		delta.InputTokens, delta.OutputTokens, delta.TotalTokens, delta.Requests, delta.Cost,
		delta.Label, delta.Cost, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert usage for %s/%s/%s: %w", key.CredentialID, key.Endpoint, key.Day, err)
	}
	return nil
}

func (s *SQLiteStore) RecordBatch(ctx context.Context, batchID string, entries []Entry) (bool, error) {
	if err := validateEntries(batchID, entries); err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin batch %s: %w", batchID, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO usage_batches (id, applied_at) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`,
		batchID, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("failed to mark batch %s: %w", batchID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, fmt.Errorf("failed to mark batch %s: %w", batchID, err)
	} else if n == 0 {
		return false, nil
	}

	for _, e := range entries {
		if err := s.upsert(ctx, tx, e.Key, e.Delta); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit batch %s: %w", batchID, err)
	}
	return true, nil
}

func (s *SQLiteStore) Aggregate(ctx context.Context, filter Filter, r DateRange, metric Metric) (float64, error) {
	if err := validateQuery(filter, r); err != nil {
		return 0, err
	}
	col, ok := metricColumns[metric]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMetric, metric)
	}

	where, args := sqlWhere(filter, r, sqlitePlaceholder)
	var total float64
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(SUM("+col+"), 0) FROM usage_events"+where, args...).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate %s: %w", metric, err)
	}
	return total, nil
}

func (s *SQLiteStore) Totals(ctx context.Context, filter Filter, r DateRange) (Totals, error) {
	if err := validateQuery(filter, r); err != nil {
		return Totals{}, err
	}

	where, args := sqlWhere(filter, r, sqlitePlaceholder)
	var t Totals
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(requests), 0), COALESCE(SUM(cost), 0)
		FROM usage_events`+where, args...).Scan(&t.InputTokens, &t.OutputTokens, &t.TotalTokens, &t.Requests, &t.Cost)
	if err != nil {
		return Totals{}, fmt.Errorf("failed to query totals: %w", err)
	}
	return t, nil
}
