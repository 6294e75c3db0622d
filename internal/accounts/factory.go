package accounts

import (
	"context"
	"fmt"

	"spendly/internal/storage"
)

// New creates the Store for the given storage backend.
func New(ctx context.Context, store storage.Storage) (Store, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}

	switch store.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(ctx, store.SQLiteDB())

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
