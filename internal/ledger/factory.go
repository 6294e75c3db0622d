package ledger

import (
	"context"
	"fmt"

	"spendly/internal/storage"
)

// New creates the Ledger for the given storage backend. The storage
// connection is shared and stays owned by the caller.
func New(ctx context.Context, store storage.Storage) (Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}

	switch store.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(store.SQLiteDB())

	case storage.TypePostgreSQL:
		pool, err := storage.PgxPool(store)
		if err != nil {
			return nil, err
		}
		return NewPostgreSQLStore(ctx, pool)

	case storage.TypeMongoDB:
		db, err := storage.MongoDatabase(store)
		if err != nil {
			return nil, err
		}
		return NewMongoDBStore(ctx, db)

	default:
		return nil, fmt.Errorf("unknown storage type: %s", store.Type())
	}
}
