package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	c, err := NewRedisCacheFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisCacheFromURL: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	return c, mr
}

func TestKey(t *testing.T) {
	if got := Key("models", "vpn"); got != "catalog:models:vpn" {
		t.Fatalf("Key = %q", got)
	}
}

func TestRedisCache_MissThenHit(t *testing.T) {
	c, _ := newTestRedisCache(t)
	ctx := context.Background()
	key := Key("models", "internet")

	if _, ok := c.Get(ctx, key); ok {
		t.Fatal("expected miss on empty cache")
	}

	want := []byte(`[{"modelId":"amazon.titan-text-express-v1"}]`)
	if err := c.Set(ctx, key, want, DefaultTTL); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := c.Get(ctx, key)
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got) != string(want) {
		t.Fatalf("Get = %q, want %q", got, want)
	}
}

func TestRedisCache_TTLExpiry(t *testing.T) {
	c, mr := newTestRedisCache(t)
	ctx := context.Background()
	key := Key("models", "vpn")

	if err := c.Set(ctx, key, []byte("x"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if _, ok := c.Get(ctx, key); ok {
		t.Fatal("expected miss after TTL expiry")
	}
}

func TestRedisCache_MethodsIsolated(t *testing.T) {
	c, _ := newTestRedisCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, Key("models", "internet"), []byte("internet-catalog"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, ok := c.Get(ctx, Key("models", "vpn")); ok {
		t.Fatal("vpn key must not hit the internet entry")
	}
}

func TestRedisCache_DegradesWhenRedisDown(t *testing.T) {
	c, mr := newTestRedisCache(t)
	ctx := context.Background()

	mr.Close()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set must not fail when redis is down: %v", err)
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss when redis is down")
	}
}

func TestRedisCache_Delete(t *testing.T) {
	c, _ := newTestRedisCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestMemoryCache_SetGetExpire(t *testing.T) {
	c := NewMemoryCache(context.Background())
	defer c.Close()
	ctx := context.Background()

	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss on empty cache")
	}

	if err := c.Set(ctx, "k", []byte("v"), 20*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, ok := c.Get(ctx, "k"); !ok || string(got) != "v" {
		t.Fatalf("Get = %q, %v", got, ok)
	}

	time.Sleep(30 * time.Millisecond)

	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss after expiry")
	}
	if c.Len() != 0 {
		t.Fatalf("Len = %d, want 0 after lazy eviction", c.Len())
	}
}

func TestMemoryCache_ZeroTTLUsesDefault(t *testing.T) {
	c := NewMemoryCache(context.Background())
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := c.Get(ctx, "k"); !ok {
		t.Fatal("zero ttl entry must still be readable")
	}
}

func TestMemoryCache_Delete(t *testing.T) {
	c := NewMemoryCache(context.Background())
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss after delete")
	}
}
