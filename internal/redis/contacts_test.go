package redis

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestContactCache(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	cache := NewContactCache(client, zap.NewNop(), time.Minute)
	ctx := context.Background()

	got, err := cache.Get(ctx, "u1")
	if err != nil || got != nil {
		t.Fatalf("expected miss, got %q %v", got, err)
	}

	if err := cache.Set(ctx, "u1", []byte(`{"email":"ana@example.com"}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err = cache.Get(ctx, "u1")
	if err != nil || string(got) != `{"email":"ana@example.com"}` {
		t.Fatalf("unexpected hit: %q %v", got, err)
	}

	mr.FastForward(2 * time.Minute)
	if got, _ := cache.Get(ctx, "u1"); got != nil {
		t.Error("entry should expire with the ttl")
	}

	_ = cache.Set(ctx, "u1", []byte("x"))
	if err := cache.Invalidate(ctx, "u1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if got, _ := cache.Get(ctx, "u1"); got != nil {
		t.Error("entry should be gone after invalidate")
	}
}
