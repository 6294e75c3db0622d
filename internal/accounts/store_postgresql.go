package accounts

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// NewPostgreSQLStore creates the accounts tables if needed. The queries are
// shared with SQLite through database/sql on top of the pgx pool.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool) (Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}
	return newSQLStore(ctx, stdlib.OpenDBFromPool(pool), postgresDialect)
}
