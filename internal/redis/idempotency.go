package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long a completed create is replayed for the same
	// Idempotency-Key.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL bounds the reservation if the gateway dies mid-request.
	processingTTL = time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest means another request with the same key is in flight.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

// IdempotencyResult is the cached response of a block create.
type IdempotencyResult struct {
	BlockID    string `json:"block_id"`
	StatusCode int    `json:"status_code"`
	CreatedAt  int64  `json:"created_at"`
}

type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

// Keys are scoped per user so two users cannot collide on a client key.
func (s *IdempotencyService) buildKey(userID, idempotencyKey string) string {
	return fmt.Sprintf("quiethours:idem:%s:%s", userID, idempotencyKey)
}

// Check returns (nil, nil) when the key is unknown and ErrDuplicateRequest
// while it is reserved but not yet stored.
func (s *IdempotencyService) Check(ctx context.Context, userID, idempotencyKey string) (*IdempotencyResult, error) {
	val, err := s.client.rdb.Get(ctx, s.buildKey(userID, idempotencyKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("user_id", userID),
		zap.String("block_id", result.BlockID),
	)

	return &result, nil
}

// Reserve takes the key with SET NX. It returns false if the key exists.
func (s *IdempotencyService) Reserve(ctx context.Context, userID, idempotencyKey string) (bool, error) {
	set, err := s.client.rdb.SetNX(ctx, s.buildKey(userID, idempotencyKey), processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// CheckOrReserve returns a cached result, or reserves the key and returns
// (nil, nil) so the caller proceeds.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, userID, idempotencyKey string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, userID, idempotencyKey)
	if err != nil || result != nil {
		return result, err
	}

	reserved, err := s.Reserve(ctx, userID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, ErrDuplicateRequest
	}
	return nil, nil
}

// Store replaces the reservation with the final result.
func (s *IdempotencyService) Store(ctx context.Context, userID, idempotencyKey string, result *IdempotencyResult) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, s.buildKey(userID, idempotencyKey), data, IdempotencyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Release drops a reservation after a failed request so the client can retry.
func (s *IdempotencyService) Release(ctx context.Context, userID, idempotencyKey string) error {
	return s.client.rdb.Del(ctx, s.buildKey(userID, idempotencyKey)).Err()
}
