package ledger

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

// MongoDBStore implements Ledger for MongoDB.
//
// Each upsert is a single pipeline update, so concurrent increments on the
// same document never lose writes. Batch entries also record the batch id on
// the document they touched, which makes a partially applied batch safe to
// retry.
type MongoDBStore struct {
	events  *mongo.Collection
	batches *mongo.Collection
	now     func() time.Time
}

// NewMongoDBStore creates the collection indexes if needed.
func NewMongoDBStore(ctx context.Context, database *mongo.Database) (*MongoDBStore, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}

	events := database.Collection("usage_events")

	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "credential_id", Value: 1},
				{Key: "endpoint", Value: 1},
				{Key: "day", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "day", Value: 1}}},
		{Keys: bson.D{{Key: "project_id", Value: 1}, {Key: "day", Value: 1}}},
	}
	if _, err := events.Indexes().CreateMany(ctx, indexes); err != nil {
		// The unique index carries the upsert guarantee.
		return nil, fmt.Errorf("failed to create usage_events indexes: %w", err)
	}

	return &MongoDBStore{
		events:  events,
		batches: database.Collection("usage_batches"),
		now:     time.Now,
	}, nil
}

func addField(field string, v any) bson.D {
	return bson.D{{Key: "$add", Value: bson.A{bson.D{{Key: "$ifNull", Value: bson.A{"$" + field, 0}}}, v}}}
}

// upsertUpdate builds the pipeline update for one delta. A non-empty
// batchID is appended to applied_batches.
func (s *MongoDBStore) upsertUpdate(key Key, delta Delta, batchID string) mongo.Pipeline {
	now := s.now().UTC()
	set := bson.D{
		{Key: "user_id", Value: bson.D{{Key: "$literal", Value: key.UserID}}},
		{Key: "project_id", Value: bson.D{{Key: "$literal", Value: key.ProjectID}}},
		{Key: "provider", Value: bson.D{{Key: "$literal", Value: key.Provider}}},
		{Key: "input_tokens", Value: addField("input_tokens", delta.InputTokens)},
		{Key: "output_tokens", Value: addField("output_tokens", delta.OutputTokens)},
		{Key: "total_tokens", Value: addField("total_tokens", delta.TotalTokens)},
		{Key: "requests", Value: addField("requests", delta.Requests)},
		{Key: "cost", Value: addField("cost", delta.Cost)},
		{Key: "top_label", Value: bson.D{{Key: "$cond", Value: bson.A{
			bson.D{{Key: "$gt", Value: bson.A{delta.Cost, bson.D{{Key: "$ifNull", Value: bson.A{"$top_cost", -1}}}}}},
			bson.D{{Key: "$literal", Value: delta.Label}},
			"$top_label",
		}}}},
		{Key: "top_cost", Value: bson.D{{Key: "$max", Value: bson.A{
			bson.D{{Key: "$ifNull", Value: bson.A{"$top_cost", delta.Cost}}}, delta.Cost,
		}}}},
		{Key: "created_at", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$created_at", now}}}},
		{Key: "updated_at", Value: now},
	}
	if batchID != "" {
		set = append(set, bson.E{Key: "applied_batches", Value: bson.D{{Key: "$concatArrays", Value: bson.A{
			bson.D{{Key: "$ifNull", Value: bson.A{"$applied_batches", bson.A{}}}},
			bson.A{bson.D{{Key: "$literal", Value: batchID}}},
		}}}})
	}
	return mongo.Pipeline{{{Key: "$set", Value: set}}}
}

// upsert applies one delta. Two concurrent first inserts on the same key race
// on the unique index; the loser retries once and then finds the document.
// With a batchID, a document that already carries the batch is left alone and
// reported as applied.
func (s *MongoDBStore) upsert(ctx context.Context, key Key, delta Delta, batchID string) error {
	filter := bson.D{
		{Key: "credential_id", Value: key.CredentialID},
		{Key: "endpoint", Value: key.Endpoint},
		{Key: "day", Value: key.Day},
	}
	if batchID != "" {
		filter = append(filter, bson.E{Key: "applied_batches", Value: bson.D{{Key: "$ne", Value: batchID}}})
	}
	opts := options.UpdateOne().SetUpsert(true)

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		_, err = s.events.UpdateOne(ctx, filter, s.upsertUpdate(key, delta, batchID), opts)
		if err == nil || !mongo.IsDuplicateKeyError(err) {
			break
		}
	}
	if err != nil && batchID != "" && mongo.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to upsert usage for %s/%s/%s: %w", key.CredentialID, key.Endpoint, key.Day, err)
	}
	return nil
}

func (s *MongoDBStore) RecordUsage(ctx context.Context, key Key, delta Delta) error {
	if err := key.validate(); err != nil {
		return err
	}
	if err := delta.validate(); err != nil {
		return err
	}
	return s.upsert(ctx, key, delta, "")
}

func (s *MongoDBStore) RecordBatch(ctx context.Context, batchID string, entries []Entry) (bool, error) {
	if err := validateEntries(batchID, entries); err != nil {
		return false, err
	}

	_, err := s.batches.InsertOne(ctx, bson.D{
		{Key: "_id", Value: batchID},
		{Key: "applied_at", Value: s.now().UTC()},
	})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark batch %s: %w", batchID, err)
	}

	for i, e := range entries {
		if err := s.upsert(ctx, e.Key, e.Delta, batchID); err != nil {
			// Entries already written carry the batch id, so a retry of the
			// whole batch skips them.
			if _, delErr := s.batches.DeleteOne(context.WithoutCancel(ctx), bson.D{{Key: "_id", Value: batchID}}); delErr != nil {
				slog.Error("failed to remove batch marker", "batch_id", batchID, "error", delErr)
			}
			return false, fmt.Errorf("batch %s entry %d: %w", batchID, i, err)
		}
	}
	return true, nil
}

func mongoMatch(filter Filter, r DateRange) bson.D {
	match := bson.D{}
	if filter.UserID != "" {
		match = append(match, bson.E{Key: "user_id", Value: filter.UserID})
	}
	if filter.ProjectID != "" {
		match = append(match, bson.E{Key: "project_id", Value: filter.ProjectID})
	}
	if filter.CredentialID != "" {
		match = append(match, bson.E{Key: "credential_id", Value: filter.CredentialID})
	}
	match = append(match, bson.E{Key: "day", Value: bson.D{
		{Key: "$gte", Value: r.From},
		{Key: "$lte", Value: r.To},
	}})
	return match
}

type mongoTotals struct {
	InputTokens  int64   `bson:"input_tokens"`
	OutputTokens int64   `bson:"output_tokens"`
	TotalTokens  int64   `bson:"total_tokens"`
	Requests     int64   `bson:"requests"`
	Cost         float64 `bson:"cost"`
}

func (s *MongoDBStore) sum(ctx context.Context, filter Filter, r DateRange) (mongoTotals, error) {
	pipeline := bson.A{
		bson.D{{Key: "$match", Value: mongoMatch(filter, r)}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "input_tokens", Value: bson.D{{Key: "$sum", Value: "$input_tokens"}}},
			{Key: "output_tokens", Value: bson.D{{Key: "$sum", Value: "$output_tokens"}}},
			{Key: "total_tokens", Value: bson.D{{Key: "$sum", Value: "$total_tokens"}}},
			{Key: "requests", Value: bson.D{{Key: "$sum", Value: "$requests"}}},
			{Key: "cost", Value: bson.D{{Key: "$sum", Value: "$cost"}}},
		}}},
	}

	cursor, err := s.events.Aggregate(ctx, pipeline)
	if err != nil {
		return mongoTotals{}, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	defer cursor.Close(ctx)

	var out mongoTotals
	if cursor.Next(ctx) {
		if err := cursor.Decode(&out); err != nil {
			return mongoTotals{}, fmt.Errorf("failed to decode usage totals: %w", err)
		}
	}
	if err := cursor.Err(); err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return mongoTotals{}, fmt.Errorf("cursor error: %w", err)
	}
	return out, nil
}

func (s *MongoDBStore) Aggregate(ctx context.Context, filter Filter, r DateRange, metric Metric) (float64, error) {
	if err := validateQuery(filter, r); err != nil {
		return 0, err
	}
	if !metric.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMetric, metric)
	}

	t, err := s.sum(ctx, filter, r)
	if err != nil {
		return 0, err
	}
	switch metric {
	case MetricTotalTokens:
		return float64(t.TotalTokens), nil
	case MetricRequests:
		return float64(t.Requests), nil
	default:
		return t.Cost, nil
	}
}

func (s *MongoDBStore) Totals(ctx context.Context, filter Filter, r DateRange) (Totals, error) {
	if err := validateQuery(filter, r); err != nil {
		return Totals{}, err
	}

	t, err := s.sum(ctx, filter, r)
	if err != nil {
		return Totals{}, err
	}
	return Totals(t), nil
}
