package pricing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// sqliteTimeLayout is fixed-width so that lexical order equals time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements RateStore for SQLite databases.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the provider_rates table if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS provider_rates (
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			input_per_mtok REAL NOT NULL,
			output_per_mtok REAL NOT NULL,
			effective_from TEXT NOT NULL,
			PRIMARY KEY (provider, model, effective_from)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider_rates table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) LatestRate(ctx context.Context, provider, model string, at time.Time) (*Rate, error) {
	var (
		rate      = Rate{Provider: provider, Model: model}
		effective string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT input_per_mtok, output_per_mtok, effective_from
		FROM provider_rates
		WHERE provider = ? AND model = ? AND effective_from <= ?
		ORDER BY effective_from DESC
		LIMIT 1
	`, provider, model, at.UTC().Format(sqliteTimeLayout)).Scan(&rate.InputPerMTok, &rate.OutputPerMTok, &effective)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query rate: %w", err)
	}

	rate.EffectiveFrom, err = time.Parse(sqliteTimeLayout, effective)
	if err != nil {
		return nil, fmt.Errorf("invalid effective_from %q: %w", effective, err)
	}
	return &rate, nil
}

func (s *SQLiteStore) InsertRate(ctx context.Context, rate Rate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_rates (provider, model, input_per_mtok, output_per_mtok, effective_from)
		VALUES (?, ?, ?, ?, ?)
	`, rate.Provider, rate.Model, rate.InputPerMTok, rate.OutputPerMTok, rate.EffectiveFrom.UTC().Format(sqliteTimeLayout))
	if err != nil {
		return fmt.Errorf("failed to insert rate %s/%s: %w", rate.Provider, rate.Model, err)
	}
	return nil
}
