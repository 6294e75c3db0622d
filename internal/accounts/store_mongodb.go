package accounts

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

// MongoDBStore implements Store for MongoDB.
type MongoDBStore struct {
	users       *mongo.Collection
	credentials *mongo.Collection
	budgets     *mongo.Collection
	alerts      *mongo.Collection
	findings    *mongo.Collection
}

// NewMongoDBStore creates the collection indexes if needed.
func NewMongoDBStore(ctx context.Context, database *mongo.Database) (*MongoDBStore, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}

	s := &MongoDBStore{
		users:       database.Collection("users"),
		credentials: database.Collection("credentials"),
		budgets:     database.Collection("budgets"),
		alerts:      database.Collection("alerts"),
		findings:    database.Collection("reconciliation_findings"),
	}

	if _, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "token_hash", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, fmt.Errorf("failed to create users index: %w", err)
	}

	secondary := map[*mongo.Collection]bson.D{
		s.credentials: {{Key: "status", Value: 1}, {Key: "provider", Value: 1}},
		s.budgets:     {{Key: "scope_kind", Value: 1}, {Key: "scope_id", Value: 1}},
		s.alerts:      {{Key: "scope_kind", Value: 1}, {Key: "scope_id", Value: 1}},
		s.findings:    {{Key: "credential_id", Value: 1}, {Key: "day", Value: 1}},
	}
	for coll, keys := range secondary {
		if _, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: keys}); err != nil {
			slog.Warn("failed to create MongoDB index", "collection", coll.Name(), "error", err)
		}
	}

	return s, nil
}

func findOne[T any](ctx context.Context, coll *mongo.Collection, filter bson.D, what string) (*T, error) {
	var out T
	err := coll.FindOne(ctx, filter).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", what, err)
	}
	return &out, nil
}

func findAll[T any](ctx context.Context, coll *mongo.Collection, filter bson.D, what string) ([]T, error) {
	cursor, err := coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", what, err)
	}
	var out []T
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", what, err)
	}
	return out, nil
}

func mongoScopes(scopes []Scope) bson.A {
	or := make(bson.A, len(scopes))
	for i, sc := range scopes {
		or[i] = bson.D{{Key: "scope_kind", Value: string(sc.Kind)}, {Key: "scope_id", Value: sc.ID}}
	}
	return or
}

func (s *MongoDBStore) CreateUser(ctx context.Context, u *User) error {
	ensureID(&u.ID)
	ensureTime(&u.CreatedAt)
	if u.TokenHash == "" {
		return fmt.Errorf("%w user: token hash is required", ErrInvalid)
	}
	if _, err := s.users.InsertOne(ctx, u); err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func (s *MongoDBStore) GetUser(ctx context.Context, id string) (*User, error) {
	return findOne[User](ctx, s.users, bson.D{{Key: "_id", Value: id}}, "user")
}

func (s *MongoDBStore) GetUserByTokenHash(ctx context.Context, hash string) (*User, error) {
	return findOne[User](ctx, s.users, bson.D{{Key: "token_hash", Value: hash}}, "user")
}

func (s *MongoDBStore) CreateCredential(ctx context.Context, c *Credential) error {
	ensureID(&c.ID)
	ensureTime(&c.CreatedAt)
	c.UpdatedAt = c.CreatedAt
	if c.Status == "" {
		c.Status = StatusActive
	}
	if c.UsageSource == "" {
		c.UsageSource = SourceProxy
	}
	if _, err := s.credentials.InsertOne(ctx, c); err != nil {
		return fmt.Errorf("failed to insert credential: %w", err)
	}
	return nil
}

func (s *MongoDBStore) GetCredential(ctx context.Context, id string) (*Credential, error) {
	return findOne[Credential](ctx, s.credentials, bson.D{{Key: "_id", Value: id}}, "credential")
}

func (s *MongoDBStore) ListActiveCredentials(ctx context.Context, q CredentialQuery) ([]Credential, error) {
	filter := bson.D{{Key: "status", Value: string(StatusActive)}}
	if q.Provider != "" {
		filter = append(filter, bson.E{Key: "provider", Value: q.Provider})
	}
	if q.UsageSource != "" {
		filter = append(filter, bson.E{Key: "usage_source", Value: string(q.UsageSource)})
	}
	return findAll[Credential](ctx, s.credentials, filter, "credentials")
}

func (s *MongoDBStore) SetCredentialStatus(ctx context.Context, id string, status CredentialStatus) error {
	res, err := s.credentials.UpdateByID(ctx, id, bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: string(status)},
		{Key: "updated_at", Value: time.Now().UTC()},
	}}})
	if err != nil {
		return fmt.Errorf("failed to update credential %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("credential %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *MongoDBStore) CreateBudget(ctx context.Context, b *Budget) error {
	if err := b.Validate(); err != nil {
		return err
	}
	ensureID(&b.ID)
	ensureTime(&b.CreatedAt)
	if _, err := s.budgets.InsertOne(ctx, b); err != nil {
		return fmt.Errorf("failed to insert budget: %w", err)
	}
	return nil
}

func (s *MongoDBStore) ListActiveBudgets(ctx context.Context, scopes []Scope) ([]Budget, error) {
	if len(scopes) == 0 {
		return nil, nil
	}
	filter := bson.D{{Key: "active", Value: true}, {Key: "$or", Value: mongoScopes(scopes)}}
	return findAll[Budget](ctx, s.budgets, filter, "budgets")
}

func (s *MongoDBStore) CreateAlert(ctx context.Context, a *Alert) error {
	if err := a.Validate(); err != nil {
		return err
	}
	ensureID(&a.ID)
	ensureTime(&a.CreatedAt)
	if _, err := s.alerts.InsertOne(ctx, a); err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

func (s *MongoDBStore) ListActiveAlerts(ctx context.Context, scopes []Scope) ([]Alert, error) {
	filter := bson.D{{Key: "active", Value: true}}
	if scopes != nil {
		if len(scopes) == 0 {
			return nil, nil
		}
		filter = append(filter, bson.E{Key: "$or", Value: mongoScopes(scopes)})
	}
	return findAll[Alert](ctx, s.alerts, filter, "alerts")
}

func (s *MongoDBStore) MarkAlertNotified(ctx context.Context, id string, at time.Time) error {
	res, err := s.alerts.UpdateByID(ctx, id, bson.D{{Key: "$set", Value: bson.D{
		{Key: "last_notification_sent_at", Value: at.UTC()},
	}}})
	if err != nil {
		return fmt.Errorf("failed to mark alert %s notified: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *MongoDBStore) InsertFinding(ctx context.Context, f *ReconciliationFinding) error {
	ensureID(&f.ID)
	ensureTime(&f.DetectedAt)
	if _, err := s.findings.InsertOne(ctx, f); err != nil {
		return fmt.Errorf("failed to insert reconciliation finding: %w", err)
	}
	return nil
}

func (s *MongoDBStore) ListFindings(ctx context.Context, credentialID string) ([]ReconciliationFinding, error) {
	cursor, err := s.findings.Find(ctx, bson.D{{Key: "credential_id", Value: credentialID}},
		options.Find().SetSort(bson.D{{Key: "day", Value: 1}, {Key: "detected_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list findings: %w", err)
	}
	var out []ReconciliationFinding
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode findings: %w", err)
	}
	return out, nil
}
