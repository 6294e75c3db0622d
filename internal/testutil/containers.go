//go:build integration

// Package testutil starts throwaway PostgreSQL, MongoDB and Redis containers
// for the store integration tests.
//
// Run with: go test -tags=integration ./internal/...
package testutil

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Postgres is a running PostgreSQL container with an open pool.
type Postgres struct {
	Container *postgres.PostgresContainer
	Pool      *pgxpool.Pool
	URL       string
}

// Close releases the pool and terminates the container.
func (p *Postgres) Close() {
	if p.Pool != nil {
		p.Pool.Close()
	}
	if p.Container != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.Container.Terminate(ctx); err != nil {
			log.Printf("Failed to terminate PostgreSQL container: %v", err)
		}
	}
}

// StartPostgres starts a PostgreSQL container and connects to it.
func StartPostgres(ctx context.Context) (*Postgres, error) {
	p := &Postgres{}
	var err error

	p.Container, err = postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("spendly_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start PostgreSQL container: %w", err)
	}

	p.URL, err = p.Container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to get PostgreSQL connection string: %w", err)
	}

	p.Pool, err = pgxpool.New(ctx, p.URL)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to create PostgreSQL pool: %w", err)
	}
	if err := p.Pool.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	return p, nil
}

// Mongo is a running MongoDB container with a connected client.
type Mongo struct {
	Container *mongodb.MongoDBContainer
	Client    *mongo.Client
	URL       string
}

// Database returns a database handle. Tests use a fresh name per case.
func (m *Mongo) Database(name string) *mongo.Database {
	return m.Client.Database(name)
}

// Close disconnects the client and terminates the container.
func (m *Mongo) Close() {
	if m.Client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.Client.Disconnect(ctx); err != nil {
			log.Printf("Failed to disconnect MongoDB client: %v", err)
		}
	}
	if m.Container != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.Container.Terminate(ctx); err != nil {
			log.Printf("Failed to terminate MongoDB container: %v", err)
		}
	}
}

// StartMongo starts a MongoDB container and connects to it.
func StartMongo(ctx context.Context) (*Mongo, error) {
	m := &Mongo{}
	var err error

	m.Container, err = mongodb.Run(ctx, "mongo:7")
	if err != nil {
		return nil, fmt.Errorf("failed to start MongoDB container: %w", err)
	}

	m.URL, err = m.Container.ConnectionString(ctx)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to get MongoDB connection string: %w", err)
	}

	m.Client, err = mongo.Connect(options.Client().ApplyURI(m.URL))
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to create MongoDB client: %w", err)
	}
	if err := m.Client.Ping(ctx, nil); err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return m, nil
}

// Redis is a running Redis container.
type Redis struct {
	Container testcontainers.Container
	URL       string
}

// Close terminates the container.
func (r *Redis) Close() {
	if r.Container != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.Container.Terminate(ctx); err != nil {
			log.Printf("Failed to terminate Redis container: %v", err)
		}
	}
}

// StartRedis starts a plain Redis container from the generic API.
func StartRedis(ctx context.Context) (*Redis, error) {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start Redis container: %w", err)
	}
	r := &Redis{Container: c}

	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to get Redis endpoint: %w", err)
	}
	r.URL = "redis://" + endpoint + "/0"
	return r, nil
}
