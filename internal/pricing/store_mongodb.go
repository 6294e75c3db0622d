package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoDBStore implements RateStore for MongoDB.
type MongoDBStore struct {
	collection *mongo.Collection
}

// NewMongoDBStore creates the provider_rates collection indexes if needed.
func NewMongoDBStore(ctx context.Context, database *mongo.Database) (*MongoDBStore, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}

	collection := database.Collection("provider_rates")

	_, err := collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "provider", Value: 1},
			{Key: "model", Value: 1},
			{Key: "effective_from", Value: -1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		slog.Warn("failed to create MongoDB index for provider_rates", "error", err)
	}

	return &MongoDBStore{collection: collection}, nil
}

func (s *MongoDBStore) LatestRate(ctx context.Context, provider, model string, at time.Time) (*Rate, error) {
	filter := bson.D{
		{Key: "provider", Value: provider},
		{Key: "model", Value: model},
		{Key: "effective_from", Value: bson.D{{Key: "$lte", Value: at.UTC()}}},
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "effective_from", Value: -1}})

	var rate Rate
	err := s.collection.FindOne(ctx, filter, opts).Decode(&rate)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrRateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query rate: %w", err)
	}
	return &rate, nil
}

func (s *MongoDBStore) InsertRate(ctx context.Context, rate Rate) error {
	rate.EffectiveFrom = rate.EffectiveFrom.UTC()
	if _, err := s.collection.InsertOne(ctx, rate); err != nil {
		return fmt.Errorf("failed to insert rate %s/%s: %w", rate.Provider, rate.Model, err)
	}
	return nil
}
