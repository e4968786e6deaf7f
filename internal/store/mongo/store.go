// Package mongo is a Record Store on MongoDB. Every write is a single-document
// atomic operation and there are no multi-document transactions, so the
// ledger drives it through the two-step write protocol.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"chitieu/internal/core"
	"chitieu/internal/store"
)

// Collection name constants.
const (
	colMemberships   = "memberships"
	colEntries       = "entries"
	colDiscrepancies = "discrepancies"
	colLeases        = "leases"
)

var (
	_ store.Store  = (*Store)(nil)
	_ store.Leaser = (*Store)(nil)
)

type Store struct {
	client *mongo.Client
	db     *mongo.Database
	clock  *store.Clock
}

// New connects to uri, selects database and ensures indexes exist.
func New(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	s := &Store{client: client, db: client.Database(database), clock: store.NewClock(nil)}
	if err := s.Ping(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

// Migrate creates indexes for all ledger collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) memberships() *mongo.Collection   { return s.db.Collection(colMemberships) }
func (s *Store) entries() *mongo.Collection       { return s.db.Collection(colEntries) }
func (s *Store) discrepancies() *mongo.Collection { return s.db.Collection(colDiscrepancies) }
func (s *Store) leases() *mongo.Collection        { return s.db.Collection(colLeases) }

// ==================== Membership Store ====================

func (s *Store) CreateMembership(ctx context.Context, m *core.Membership) error {
	if m.JoinedAt.IsZero() {
		m.JoinedAt = s.clock.Now()
	}
	if _, err := s.memberships().InsertOne(ctx, toMembershipModel(m)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("create membership: %w", err)
	}
	return nil
}

func (s *Store) GetMembership(ctx context.Context, id string) (*core.Membership, error) {
	return s.findMembership(ctx, bson.M{"_id": id})
}

func (s *Store) FindMembership(ctx context.Context, groupID, userID string) (*core.Membership, error) {
	return s.findMembership(ctx, bson.M{"group_id": groupID, "user_id": userID})
}

func (s *Store) findMembership(ctx context.Context, filter bson.M) (*core.Membership, error) {
	var m membershipModel
	if err := s.memberships().FindOne(ctx, filter).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("find membership: %w", err)
	}
	return fromMembershipModel(&m), nil
}

func (s *Store) ListMemberships(ctx context.Context, groupID string) ([]*core.Membership, error) {
	return s.listMemberships(ctx, bson.M{"group_id": groupID})
}

func (s *Store) ListMembershipsByUser(ctx context.Context, userID string) ([]*core.Membership, error) {
	return s.listMemberships(ctx, bson.M{"user_id": userID})
}

func (s *Store) listMemberships(ctx context.Context, filter bson.M) ([]*core.Membership, error) {
	cur, err := s.memberships().Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "joined_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	var models []membershipModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("decode memberships: %w", err)
	}

	out := make([]*core.Membership, len(models))
	for i := range models {
		out[i] = fromMembershipModel(&models[i])
	}
	return out, nil
}

func (s *Store) ApplyBalanceDelta(ctx context.Context, id string, delta core.Money) (core.Money, error) {
	var m membershipModel
	err := s.memberships().FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$inc": bson.M{"balance": delta.Dong, "version": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return core.Money{}, store.ErrNotFound
		}
		return core.Money{}, fmt.Errorf("apply balance delta: %w", err)
	}
	return core.VND(m.Balance), nil
}

func (s *Store) SetBalance(ctx context.Context, id string, expectedVersion int64, balance core.Money) error {
	res, err := s.memberships().UpdateOne(ctx,
		bson.M{"_id": id, "version": expectedVersion},
		bson.M{"$set": bson.M{"balance": balance.Dong}, "$inc": bson.M{"version": 1}})
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	if res.MatchedCount == 0 {
		return s.missingOrConflict(ctx, s.memberships(), id)
	}
	return nil
}

func (s *Store) DeleteMembership(ctx context.Context, id string) error {
	res, err := s.memberships().DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ==================== Entry Store ====================

func (s *Store) CreateEntry(ctx context.Context, e *core.Entry) error {
	now := s.clock.Now()
	created := *e
	created.CreatedAt, created.UpdatedAt, created.Version = now, now, 1

	if _, err := s.entries().InsertOne(ctx, toEntryModel(&created)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("create entry: %w", err)
	}
	*e = created
	return nil
}

func (s *Store) GetEntry(ctx context.Context, id string) (*core.Entry, error) {
	var m entryModel
	if err := s.entries().FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return fromEntryModel(&m), nil
}

func (s *Store) UpdateEntry(ctx context.Context, e *core.Entry) error {
	updatedAt := s.clock.Now()
	res, err := s.entries().UpdateOne(ctx,
		bson.M{"_id": e.ID, "version": e.Version},
		bson.M{
			"$set": bson.M{
				"amount":      e.Amount.Dong,
				"description": e.Description,
				"updated_at":  updatedAt.UnixMicro(),
			},
			"$inc": bson.M{"version": 1},
		})
	if err != nil {
		return fmt.Errorf("update entry: %w", err)
	}
	if res.MatchedCount == 0 {
		return s.missingOrConflict(ctx, s.entries(), e.ID)
	}
	e.UpdatedAt = updatedAt
	e.Version++
	return nil
}

func (s *Store) DeleteEntry(ctx context.Context, id string, expectedVersion int64) error {
	res, err := s.entries().DeleteOne(ctx, bson.M{"_id": id, "version": expectedVersion})
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	if res.DeletedCount == 0 {
		return s.missingOrConflict(ctx, s.entries(), id)
	}
	return nil
}

func (s *Store) ListEntriesByGroup(ctx context.Context, groupID string) ([]*core.Entry, error) {
	return s.listEntries(ctx, bson.M{"group_id": groupID})
}

func (s *Store) ListEntriesByMember(ctx context.Context, groupID, userID string) ([]*core.Entry, error) {
	return s.listEntries(ctx, bson.M{"group_id": groupID, "user_id": userID})
}

func (s *Store) listEntries(ctx context.Context, filter bson.M) ([]*core.Entry, error) {
	cur, err := s.entries().Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	var models []entryModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("decode entries: %w", err)
	}

	out := make([]*core.Entry, len(models))
	for i := range models {
		out[i] = fromEntryModel(&models[i])
	}
	return out, nil
}

// DeleteEntries removes ids in one DeleteMany. When that fails part way the
// ids still present are looked up and reported.
func (s *Store) DeleteEntries(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	filter := bson.M{"_id": bson.M{"$in": ids}}
	if _, err := s.entries().DeleteMany(ctx, filter); err != nil {
		left, findErr := s.entryIDsMatching(ctx, filter)
		if findErr != nil {
			return ids, fmt.Errorf("delete entries: %w", errors.Join(err, findErr))
		}
		if len(left) == 0 {
			return nil, nil
		}
		return left, fmt.Errorf("delete entries: %w", err)
	}
	return nil, nil
}

func (s *Store) entryIDsMatching(ctx context.Context, filter bson.M) ([]string, error) {
	cur, err := s.entries().Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids, nil
}

// ==================== Discrepancy Store ====================

func (s *Store) RecordDiscrepancy(ctx context.Context, d *core.Discrepancy) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.clock.Now()
	}
	if _, err := s.discrepancies().InsertOne(ctx, toDiscrepancyModel(d)); err != nil {
		return fmt.Errorf("record discrepancy: %w", err)
	}
	return nil
}

func (s *Store) ListOpenDiscrepancies(ctx context.Context, limit int) ([]*core.Discrepancy, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.discrepancies().Find(ctx, bson.M{"resolved_at": nil}, opts)
	if err != nil {
		return nil, fmt.Errorf("list discrepancies: %w", err)
	}
	var models []discrepancyModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("decode discrepancies: %w", err)
	}

	out := make([]*core.Discrepancy, len(models))
	for i := range models {
		out[i] = fromDiscrepancyModel(&models[i])
	}
	return out, nil
}

func (s *Store) ResolveDiscrepancies(ctx context.Context, membershipID string, at time.Time) (int, error) {
	res, err := s.discrepancies().UpdateMany(ctx,
		bson.M{"membership_id": membershipID, "resolved_at": nil},
		bson.M{"$set": bson.M{"resolved_at": at.UnixMicro()}})
	if err != nil {
		return 0, fmt.Errorf("resolve discrepancies: %w", err)
	}
	return int(res.ModifiedCount), nil
}

// ==================== Leases ====================

// AcquireLease upserts the lease document for key. The filter only matches a
// lease owner already holds or one that expired, so a live lease of another
// owner turns the upsert into a duplicate key error. Expiry is compared
// against this process's clock.
func (s *Store) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) error {
	now := time.Now()
	filter := bson.M{
		"_id": key,
		"$or": bson.A{
			bson.M{"owner": owner},
			bson.M{"expires_at": bson.M{"$lte": now.UnixMicro()}},
		},
	}
	update := bson.M{"$set": bson.M{"owner": owner, "expires_at": now.Add(ttl).UnixMicro()}}
	if _, err := s.leases().UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrLeaseHeld
		}
		return fmt.Errorf("acquire lease: %w", err)
	}
	return nil
}

func (s *Store) ReleaseLease(ctx context.Context, key, owner string) error {
	if _, err := s.leases().DeleteOne(ctx, bson.M{"_id": key, "owner": owner}); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// missingOrConflict classifies a conditional write that matched nothing.
func (s *Store) missingOrConflict(ctx context.Context, col *mongo.Collection, id string) error {
	n, err := col.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("check existence: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return store.ErrVersionConflict
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all ledger collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colMemberships: {
			{
				Keys:    bson.D{{Key: "group_id", Value: 1}, {Key: "user_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "group_id", Value: 1}, {Key: "joined_at", Value: 1}}},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "joined_at", Value: 1}}},
		},
		colEntries: {
			{Keys: bson.D{{Key: "group_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "group_id", Value: 1}, {Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		colDiscrepancies: {
			{Keys: bson.D{{Key: "resolved_at", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "membership_id", Value: 1}}},
		},
		colLeases: {
			{Keys: bson.D{{Key: "expires_at", Value: 1}}},
		},
	}
}
