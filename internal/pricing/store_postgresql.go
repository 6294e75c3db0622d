package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQLStore implements RateStore for PostgreSQL databases.
type PostgreSQLStore struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLStore creates the provider_rates table if needed.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS provider_rates (
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			input_per_mtok DOUBLE PRECISION NOT NULL,
			output_per_mtok DOUBLE PRECISION NOT NULL,
			effective_from TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (provider, model, effective_from)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider_rates table: %w", err)
	}

	return &PostgreSQLStore{pool: pool}, nil
}

func (s *PostgreSQLStore) LatestRate(ctx context.Context, provider, model string, at time.Time) (*Rate, error) {
	rate := Rate{Provider: provider, Model: model}
	err := s.pool.QueryRow(ctx, `
		SELECT input_per_mtok, output_per_mtok, effective_from
		FROM provider_rates
		WHERE provider = $1 AND model = $2 AND effective_from <= $3
		ORDER BY effective_from DESC
		LIMIT 1
	`, provider, model, at).Scan(&rate.InputPerMTok, &rate.OutputPerMTok, &rate.EffectiveFrom)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query rate: %w", err)
	}
	return &rate, nil
}

func (s *PostgreSQLStore) InsertRate(ctx context.Context, rate Rate) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO provider_rates (provider, model, input_per_mtok, output_per_mtok, effective_from)
		VALUES ($1, $2, $3, $4, $5)
	`, rate.Provider, rate.Model, rate.InputPerMTok, rate.OutputPerMTok, rate.EffectiveFrom)
	if err != nil {
		return fmt.Errorf("failed to insert rate %s/%s: %w", rate.Provider, rate.Model, err)
	}
	return nil
}
