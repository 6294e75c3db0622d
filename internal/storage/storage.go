// Package storage opens the database shared by the ledger, the account store
// and the rate store. Exactly one backend is active per process.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// Backend names accepted in Config.Type.
const (
	TypeSQLite     = "sqlite"
	TypePostgreSQL = "postgresql"
	TypeMongoDB    = "mongodb"
)

const (
	defaultSQLitePath    = "data/spendly.db"
	defaultPGMaxConns    = 10
	defaultMongoDatabase = "spendly"
	appName              = "spendly"
)

// Config selects a backend and carries the settings for each.
type Config struct {
	Type       string
	SQLite     SQLiteConfig
	PostgreSQL PostgreSQLConfig
	MongoDB    MongoDBConfig
}

type SQLiteConfig struct {
	// Path of the database file. Parent directories are created on open.
	Path string
}

type PostgreSQLConfig struct {
	URL      string
	MaxConns int
}

type MongoDBConfig struct {
	URL      string
	Database string
}

// Storage is an open connection to one backend. Only the accessor matching
// Type returns a non-nil handle.
type Storage interface {
	Type() string
	SQLiteDB() *sql.DB
	PostgreSQLPool() *pgxpool.Pool
	MongoDatabase() *mongo.Database

	// Ping backs the /health endpoint.
	Ping(ctx context.Context) error
	Close() error
}

// New opens the backend named by cfg.Type and verifies it is reachable.
func New(ctx context.Context, cfg Config) (Storage, error) {
	switch cfg.Type {
	case TypeSQLite:
		return NewSQLite(cfg.SQLite)
	case TypePostgreSQL:
		return NewPostgreSQL(ctx, cfg.PostgreSQL)
	case TypeMongoDB:
		return NewMongoDB(ctx, cfg.MongoDB)
	default:
		return nil, fmt.Errorf("unknown storage type %q: want %s, %s or %s",
			cfg.Type, TypeSQLite, TypePostgreSQL, TypeMongoDB)
	}
}

// DefaultConfig is a local SQLite ledger under data/.
func DefaultConfig() Config {
	return Config{
		Type:       TypeSQLite,
		SQLite:     SQLiteConfig{Path: defaultSQLitePath},
		PostgreSQL: PostgreSQLConfig{MaxConns: defaultPGMaxConns},
		MongoDB:    MongoDBConfig{Database: defaultMongoDatabase},
	}
}

// PgxPool returns the PostgreSQL pool behind s, or an error when s is another
// backend.
func PgxPool(s Storage) (*pgxpool.Pool, error) {
	if pool := s.PostgreSQLPool(); pool != nil {
		return pool, nil
	}
	return nil, fmt.Errorf("storage backend %s has no PostgreSQL pool", s.Type())
}

// MongoDatabase returns the MongoDB database behind s, or an error when s is
// another backend.
func MongoDatabase(s Storage) (*mongo.Database, error) {
	if db := s.MongoDatabase(); db != nil {
		return db, nil
	}
	return nil, fmt.Errorf("storage backend %s has no MongoDB database", s.Type())
}
