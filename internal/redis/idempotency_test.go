package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}

	return client, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestIdempotencyService_NewRequest(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop(), 0)

	result, err := svc.CheckOrReserve(context.Background(), "user-1", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new request, got: %+v", result)
	}
}

func TestIdempotencyService_DuplicateRequest(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop(), 0)
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "user-1", "key-1"); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if _, err := svc.CheckOrReserve(ctx, "user-1", "key-1"); err != ErrDuplicateRequest {
		t.Fatalf("expected ErrDuplicateRequest, got: %v", err)
	}
}

func TestIdempotencyService_ReplaysStoredBody(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop(), time.Hour)
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "user-1", "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	body := json.RawMessage(`{"notification":{"id":"notif-789"}}`)
	if err := svc.Store(ctx, "user-1", "key-1", &IdempotencyResult{
		NotificationID: "notif-789",
		StatusCode:     201,
		Body:           body,
	}); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	cached, err := svc.CheckOrReserve(ctx, "user-1", "key-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if cached == nil || cached.NotificationID != "notif-789" || cached.StatusCode != 201 {
		t.Fatalf("unexpected cached result: %+v", cached)
	}
	if string(cached.Body) != string(body) {
		t.Errorf("body = %s", cached.Body)
	}
	if cached.CreatedAt == 0 {
		t.Error("created_at should be filled in")
	}

	if ttl := mr.TTL("courier:idempotency:user-1:key-1"); ttl != time.Hour {
		t.Errorf("expected 1h ttl, got %v", ttl)
	}
}

func TestIdempotencyService_ScopeIsolation(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop(), 0)
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "user-A", "same-key"); err != nil {
		t.Fatalf("user A failed: %v", err)
	}

	result, err := svc.CheckOrReserve(ctx, "user-B", "same-key")
	if err != nil {
		t.Fatalf("user B should succeed: %v", err)
	}
	if result != nil {
		t.Fatal("user B should get nil (new request)")
	}
}

func TestIdempotencyService_ReleaseAllowsRetry(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop(), 0)
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "user-1", "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := svc.Release(ctx, "user-1", "key-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := svc.CheckOrReserve(ctx, "user-1", "key-1"); err != nil {
		t.Fatalf("retry after release should reserve again: %v", err)
	}
}

func TestIdempotencyService_ReleaseKeepsCompletedResult(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop(), 0)
	ctx := context.Background()

	_ = svc.Store(ctx, "user-1", "key-1", &IdempotencyResult{NotificationID: "n-1", StatusCode: 201})
	if err := svc.Release(ctx, "user-1", "key-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	cached, err := svc.Check(ctx, "user-1", "key-1")
	if err != nil || cached == nil {
		t.Fatalf("completed result should survive release: %v %v", cached, err)
	}
}
