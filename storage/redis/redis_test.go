package redis

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/storage"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   2, // separate DB for storage tests
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available: %v", err)
	}

	s, err := New(Config{Client: client, KeyPrefix: "mcpme-test:" + t.Name() + ":"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Delete(context.Background())
		_ = s.Delete(context.Background(), storage.WithNamespace(storage.NamespaceSessions))
		_ = s.Delete(context.Background(), storage.WithNamespace(storage.NamespaceWeatherPoints))
		_ = s.Close()
	})
	return s
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without client")
	}
}

func TestSetAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	item, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item == nil || string(item.Data) != "v" {
		t.Fatalf("Get() = %#v", item)
	}

	missing, err := s.Get(ctx, "missing")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for missing key, got %#v err=%v", missing, err)
	}
}

func TestTTL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "ttl", []byte("v"), storage.WithTTL(100*time.Millisecond)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if item, _ := s.Get(ctx, "ttl"); item == nil || item.ExpiresAt == nil {
		t.Fatalf("expected live item with expiry, got %#v", item)
	}
	time.Sleep(200 * time.Millisecond)
	if item, _ := s.Get(ctx, "ttl"); item != nil {
		t.Fatalf("expected item to expire, got %#v", item)
	}
}

func TestNamespaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sessions := storage.WithNamespace(storage.NamespaceSessions)
	points := storage.WithNamespace(storage.NamespaceWeatherPoints)

	_ = s.Set(ctx, "a", []byte("session-a"), sessions)
	_ = s.Set(ctx, "b", []byte("session-b"), sessions)
	_ = s.Set(ctx, "a", []byte("points-a"), points)

	if err := s.Delete(ctx, sessions, storage.WithKey("a")); err != nil {
		t.Fatalf("Delete(key) failed: %v", err)
	}
	if item, _ := s.Get(ctx, "a", sessions); item != nil {
		t.Fatalf("expected deleted key to be gone")
	}
	if item, _ := s.Get(ctx, "b", sessions); item == nil {
		t.Fatalf("expected sibling key to survive")
	}

	if err := s.Delete(ctx, sessions); err != nil {
		t.Fatalf("Delete(namespace) failed: %v", err)
	}
	if item, _ := s.Get(ctx, "b", sessions); item != nil {
		t.Fatalf("expected namespace to be empty")
	}
	if item, _ := s.Get(ctx, "a", points); item == nil || string(item.Data) != "points-a" {
		t.Fatalf("other namespace should be untouched, got %#v", item)
	}
}

func TestTouch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ns := storage.WithNamespace(storage.NamespaceSessions)

	if ok, err := s.Touch(ctx, "missing", time.Minute, ns); err != nil || ok {
		t.Fatalf("Touch(missing) = %v, %v; want false, nil", ok, err)
	}
	if err := s.Set(ctx, "k", []byte("v"), ns, storage.WithTTL(200*time.Millisecond)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if ok, err := s.Touch(ctx, "k", time.Hour, ns); err != nil || !ok {
		t.Fatalf("Touch = %v, %v; want true, nil", ok, err)
	}
	time.Sleep(300 * time.Millisecond)
	item, err := s.Get(ctx, "k", ns)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item == nil || string(item.Data) != "v" {
		t.Fatalf("item after Touch = %#v", item)
	}
	if item.ExpiresAt == nil || time.Until(*item.ExpiresAt) < 59*time.Minute {
		t.Fatalf("ExpiresAt = %v, want about an hour out", item.ExpiresAt)
	}
}
