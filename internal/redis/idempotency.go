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
	// IdempotencyTTL is how long a completed request's result is replayed.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL is the lock duration while a request is being processed.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest means another request with the same key is in flight.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

// IdempotencyResult stores the cached response for an idempotent request.
type IdempotencyResult struct {
	NotificationID string `json:"notification_id"`
	StatusCode     int    `json:"status_code"`
	CreatedAt      int64  `json:"created_at"`
}

// IdempotencyService deduplicates notification creation by client key.
// Keys are scoped so two callers cannot collide on the same key.
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

func (s *IdempotencyService) buildKey(scope, idempotencyKey string) string {
	return fmt.Sprintf("herald:idempotency:%s:%s", scope, idempotencyKey)
}

// Check retrieves a cached result for an idempotency key.
// Returns (nil, nil) if key doesn't exist, (result, nil) if found,
// or ErrDuplicateRequest if the key is currently being processed.
func (s *IdempotencyService) Check(ctx context.Context, scope, idempotencyKey string) (*IdempotencyResult, error) {
	key := s.buildKey(scope, idempotencyKey)

	val, err := s.client.rdb.Get(ctx, key).Result()
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
		zap.String("scope", scope),
		zap.String("notification_id", result.NotificationID),
	)

	return &result, nil
}

// Store saves the result of a successfully processed request, replacing
// the reservation.
func (s *IdempotencyService) Store(ctx context.Context, scope, idempotencyKey string, result *IdempotencyResult, ttl time.Duration) error {
	key := s.buildKey(scope, idempotencyKey)

	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Reserve acquires an idempotency lock using SET NX (atomic set-if-not-exists).
// Returns true if lock acquired, false if key already exists.
func (s *IdempotencyService) Reserve(ctx context.Context, scope, idempotencyKey string) (bool, error) {
	key := s.buildKey(scope, idempotencyKey)

	set, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	return set, nil
}

// Release drops a reservation whose request failed, so the client can
// retry with the same key. A stored result is left alone.
func (s *IdempotencyService) Release(ctx context.Context, scope, idempotencyKey string) error {
	key := s.buildKey(scope, idempotencyKey)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis get failed: %w", err)
	}
	if val != processingMarker {
		return nil
	}

	if err := s.client.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// CheckOrReserve returns the cached result if there is one, otherwise
// reserves the key and returns (nil, nil).
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, scope, idempotencyKey string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, scope, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := s.Reserve(ctx, scope, idempotencyKey)
	if err != nil {
		return nil, err
	}

	if !reserved {
		return nil, ErrDuplicateRequest
	}

	return nil, nil
}
