package pricing

import (
	"context"
	"fmt"

	"spendly/internal/storage"
)

// NewRateStore creates the RateStore for the given storage backend.
func NewRateStore(ctx context.Context, store storage.Storage) (RateStore, error) {
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
