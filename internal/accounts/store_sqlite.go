package accounts

import (
	"context"
	"database/sql"
)

// NewSQLiteStore creates the accounts tables if needed.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (Store, error) {
	return newSQLStore(ctx, db, sqliteDialect)
}
