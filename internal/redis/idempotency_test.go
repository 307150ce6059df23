package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := NewFromClient(rdb, zap.NewNop())

	return client, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestIdempotencyService_NewRequest(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	result, err := svc.CheckOrReserve(ctx, "recipient-1", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new request, got: %+v", result)
	}
}

func TestIdempotencyService_DuplicateRequest(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	// First request
	if _, err := svc.CheckOrReserve(ctx, "recipient-1", "key-1"); err != nil {
		t.Fatalf("first request failed: %v", err)
	}

	// Duplicate request
	if _, err := svc.CheckOrReserve(ctx, "recipient-1", "key-1"); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got: %v", err)
	}
}

func TestIdempotencyService_CachedResult(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	stored := &IdempotencyResult{
		NotificationID: "notif-123",
		StatusCode:     201,
		CreatedAt:      time.Now().Unix(),
	}

	if err := svc.Store(ctx, "recipient-1", "key-1", stored, IdempotencyTTL); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	result, err := svc.Check(ctx, "recipient-1", "key-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected cached result")
	}
	if result.NotificationID != "notif-123" {
		t.Errorf("expected notif-123, got %s", result.NotificationID)
	}
}

func TestIdempotencyService_ScopeIsolation(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	// Recipient A reserves a key
	if _, err := svc.CheckOrReserve(ctx, "recipient-a", "same-key"); err != nil {
		t.Fatalf("recipient A failed: %v", err)
	}

	// Recipient B can use the same key
	result, err := svc.CheckOrReserve(ctx, "recipient-b", "same-key")
	if err != nil {
		t.Fatalf("recipient B should succeed: %v", err)
	}
	if result != nil {
		t.Fatal("recipient B should get nil (new request)")
	}
}

func TestIdempotencyService_ReserveThenStore(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	// Reserve
	reserved, err := svc.Reserve(ctx, "recipient-1", "key-1")
	if err != nil || !reserved {
		t.Fatalf("reserve failed: %v, reserved: %v", err, reserved)
	}

	// Store result
	if err := svc.Store(ctx, "recipient-1", "key-1", &IdempotencyResult{
		NotificationID: "notif-789",
		StatusCode:     201,
	}, IdempotencyTTL); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	// Check returns stored result
	cached, err := svc.Check(ctx, "recipient-1", "key-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if cached.NotificationID != "notif-789" {
		t.Errorf("expected notif-789, got %s", cached.NotificationID)
	}
}

func TestIdempotencyService_ReleaseAllowsRetry(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "recipient-1", "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := svc.Release(ctx, "recipient-1", "key-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	result, err := svc.CheckOrReserve(ctx, "recipient-1", "key-1")
	if err != nil || result != nil {
		t.Fatalf("retry after release: result %+v, err %v", result, err)
	}
}

func TestIdempotencyService_ReleaseKeepsStoredResult(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if err := svc.Store(ctx, "recipient-1", "key-1", &IdempotencyResult{NotificationID: "notif-1", StatusCode: 201}, IdempotencyTTL); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if err := svc.Release(ctx, "recipient-1", "key-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	cached, err := svc.Check(ctx, "recipient-1", "key-1")
	if err != nil || cached == nil || cached.NotificationID != "notif-1" {
		t.Fatalf("cached = %+v, err %v, want the stored result", cached, err)
	}
}
