// Package mongo implements the block store on MongoDB. Claims rely on
// FindOneAndUpdate so the notified check and write happen server-side.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/lalithlochan/quiethours/internal/db"
)

const colBlocks = "blocks"

// Config holds MongoDB connection settings.
type Config struct {
	URI      string
	Database string
}

// Store is a MongoDB-backed block store.
type Store struct {
	client *mongod.Client
	col    *mongod.Collection
	logger *zap.Logger
}

// New connects to MongoDB and verifies connectivity.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	client, err := mongod.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	logger.Info("mongo connection established",
		zap.String("database", cfg.Database),
	)

	return &Store{
		client: client,
		col:    client.Database(cfg.Database).Collection(colBlocks),
		logger: logger,
	}, nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	s.logger.Info("closing mongo connection")
	return s.client.Disconnect(ctx)
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Migrate creates the indexes used by candidate selection and the stale-claim sweep.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, indexModels())
	if err != nil {
		return fmt.Errorf("create block indexes: %w", err)
	}
	return nil
}

func (s *Store) CreateBlock(ctx context.Context, b *db.Block) error {
	b.Notified = false
	b.NotifiedAt = nil
	b.EmailSent = false
	b.EmailSentAt = nil
	b.CreatedAt = now()

	if _, err := s.col.InsertOne(ctx, toModel(b)); err != nil {
		return fmt.Errorf("insert block: %w", err)
	}

	s.logger.Info("block created",
		zap.String("block_id", b.ID.String()),
		zap.String("user_id", b.UserID),
		zap.Time("start_time", b.StartTime),
	)
	return nil
}

func (s *Store) GetBlock(ctx context.Context, id uuid.UUID) (*db.Block, error) {
	b, err := s.findOne(ctx, bson.M{"_id": id.String()})
	if err != nil {
		return nil, fmt.Errorf("get block: %w", err)
	}
	if b == nil {
		return nil, fmt.Errorf("%w: %s", db.ErrBlockNotFound, id)
	}
	return b, nil
}

func (s *Store) ListBlocksByUser(ctx context.Context, userID string, limit, offset int) ([]*db.Block, error) {
	opts := options.Find().SetSort(bson.D{{Key: "start_time", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	if offset > 0 {
		opts.SetSkip(int64(offset))
	}

	return s.find(ctx, bson.M{"user_id": userID}, opts)
}

func (s *Store) FindCandidates(ctx context.Context, from, to time.Time) ([]*db.Block, error) {
	return s.find(ctx, candidateFilter(from, to))
}

func (s *Store) GetUnnotifiedBlock(ctx context.Context, id uuid.UUID) (*db.Block, error) {
	b, err := s.findOne(ctx, bson.M{"_id": id.String(), "notified": false})
	if err != nil {
		return nil, fmt.Errorf("get unnotified block: %w", err)
	}
	return b, nil
}

// ClaimBlock returns (nil, nil) when the block is no longer unnotified.
func (s *Store) ClaimBlock(ctx context.Context, id uuid.UUID, at time.Time) (*db.Block, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var m blockModel
	err := s.col.FindOneAndUpdate(ctx, claimFilter(id), claimUpdate(at), opts).Decode(&m)
	if isNoDocuments(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim block: %w", err)
	}
	return fromModel(&m)
}

func (s *Store) MarkEmailSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.col.UpdateOne(ctx,
		bson.M{"_id": id.String(), "notified": true},
		bson.M{"$set": bson.M{"email_sent": true, "email_sent_at": at}},
	)
	if err != nil {
		return fmt.Errorf("mark email sent: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", db.ErrBlockNotFound, id)
	}
	return nil
}

func (s *Store) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	res, err := s.col.UpdateOne(ctx,
		bson.M{"_id": id.String(), "email_sent": bson.M{"$ne": true}},
		releaseUpdate(),
	)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", db.ErrBlockNotFound, id)
	}
	return nil
}

func (s *Store) ReleaseStaleClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.col.UpdateMany(ctx, staleClaimFilter(cutoff), releaseUpdate())
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	return res.ModifiedCount, nil
}

// Reschedule moves the start and reopens the block unless it was delivered
// or a claim younger than staleBefore may still be sending.
func (s *Store) Reschedule(ctx context.Context, id uuid.UUID, start, staleBefore time.Time) (*db.Block, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	update := bson.M{
		"$set": bson.M{"start_time": start, "notified": false, "notified_at": nil},
	}

	var m blockModel
	err := s.col.FindOneAndUpdate(ctx, rescheduleFilter(id, staleBefore), update, opts).Decode(&m)
	if isNoDocuments(err) {
		return nil, s.explainRejected(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reschedule block: %w", err)
	}
	return fromModel(&m)
}

// SetRecipient backfills user_email on a block that has not been claimed.
func (s *Store) SetRecipient(ctx context.Context, id uuid.UUID, email string) (*db.Block, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var m blockModel
	err := s.col.FindOneAndUpdate(ctx, claimFilter(id), bson.M{"$set": bson.M{"user_email": email}}, opts).Decode(&m)
	if isNoDocuments(err) {
		if _, getErr := s.GetBlock(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: %s", db.ErrAlreadyNotified, id)
	}
	if err != nil {
		return nil, fmt.Errorf("set recipient: %w", err)
	}
	return fromModel(&m)
}

func (s *Store) explainRejected(ctx context.Context, id uuid.UUID) error {
	b, err := s.GetBlock(ctx, id)
	if err != nil {
		return err
	}
	if b.EmailSent {
		return fmt.Errorf("%w: %s", db.ErrAlreadyDelivered, id)
	}
	return fmt.Errorf("%w: %s", db.ErrClaimInFlight, id)
}

func (s *Store) findOne(ctx context.Context, filter bson.M) (*db.Block, error) {
	var m blockModel
	err := s.col.FindOne(ctx, filter).Decode(&m)
	if isNoDocuments(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fromModel(&m)
}

func (s *Store) find(ctx context.Context, filter bson.M, opts ...options.Lister[options.FindOptions]) ([]*db.Block, error) {
	cursor, err := s.col.Find(ctx, filter, opts...)
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer cursor.Close(ctx)

	var models []blockModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("decode blocks: %w", err)
	}

	blocks := make([]*db.Block, 0, len(models))
	for i := range models {
		b, convErr := fromModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

// ── filters ──────────────────────────────────────────────────────

func candidateFilter(from, to time.Time) bson.M {
	return bson.M{
		"notified":   false,
		"user_email": bson.M{"$ne": nil},
		"start_time": bson.M{"$gte": from, "$lte": to},
	}
}

func claimFilter(id uuid.UUID) bson.M {
	return bson.M{"_id": id.String(), "notified": false}
}

func claimUpdate(at time.Time) bson.M {
	return bson.M{"$set": bson.M{"notified": true, "notified_at": at}}
}

func releaseUpdate() bson.M {
	return bson.M{"$set": bson.M{"notified": false, "notified_at": nil}}
}

func staleClaimFilter(cutoff time.Time) bson.M {
	return bson.M{
		"notified":    true,
		"email_sent":  bson.M{"$ne": true},
		"notified_at": bson.M{"$lt": cutoff},
	}
}

// rescheduleFilter matches an undelivered block that is unclaimed or whose
// claim predates staleBefore.
func rescheduleFilter(id uuid.UUID, staleBefore time.Time) bson.M {
	return bson.M{
		"_id":        id.String(),
		"email_sent": bson.M{"$ne": true},
		"$or": bson.A{
			bson.M{"notified": false},
			bson.M{"notified_at": bson.M{"$lt": staleBefore}},
		},
	}
}

func indexModels() []mongod.IndexModel {
	return []mongod.IndexModel{
		{Keys: bson.D{
			{Key: "notified", Value: 1},
			{Key: "start_time", Value: 1},
		}},
		{Keys: bson.D{
			{Key: "user_id", Value: 1},
			{Key: "start_time", Value: -1},
		}},
		{Keys: bson.D{
			{Key: "notified", Value: 1},
			{Key: "email_sent", Value: 1},
			{Key: "notified_at", Value: 1},
		}},
	}
}

// ── helpers ──────────────────────────────────────────────────────

func now() time.Time {
	return time.Now().UTC()
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}
