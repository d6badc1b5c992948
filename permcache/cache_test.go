package permcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newCacheTest(t *testing.T, ttl time.Duration) (*Cache, *miniredis.Miniredis, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := New(rdb, "ar", ttl)
	return cache, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestPutAndGet(t *testing.T) {
	cache, _, done := newCacheTest(t, time.Minute)
	defer done()
	ctx := context.Background()

	perms := []string{"catalog:read", "catalog:write"}
	if err := cache.Put(ctx, "u-1", perms); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := cache.Get(ctx, "u-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 2 || got[0] != "catalog:read" || got[1] != "catalog:write" {
		t.Fatalf("unexpected permissions: %v", got)
	}
}

func TestGetMiss(t *testing.T) {
	cache, _, done := newCacheTest(t, time.Minute)
	defer done()

	if _, err := cache.Get(context.Background(), "nobody"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
}

func TestPutEmptySetIsCached(t *testing.T) {
	cache, _, done := newCacheTest(t, time.Minute)
	defer done()
	ctx := context.Background()

	// An empty permission set is a valid cached value, not a miss:
	// users with no permissions must not hammer the credential store.
	if err := cache.Put(ctx, "u-1", nil); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := cache.Get(ctx, "u-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty set, got %v", got)
	}
}

func TestInvalidateRemovesEntry(t *testing.T) {
	cache, _, done := newCacheTest(t, time.Minute)
	defer done()
	ctx := context.Background()

	if err := cache.Put(ctx, "u-1", []string{"catalog:read"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := cache.Invalidate(ctx, "u-1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := cache.Get(ctx, "u-1"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss after invalidate, got %v", err)
	}

	// Invalidating an absent entry is a no-op.
	if err := cache.Invalidate(ctx, "u-1"); err != nil {
		t.Fatalf("second invalidate: %v", err)
	}
}

func TestEntryExpiresByTTL(t *testing.T) {
	cache, mr, done := newCacheTest(t, time.Minute)
	defer done()
	ctx := context.Background()

	if err := cache.Put(ctx, "u-1", []string{"catalog:read"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if _, err := cache.Get(ctx, "u-1"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected expired entry to miss, got %v", err)
	}
}

func TestCorruptEntryIsMiss(t *testing.T) {
	cache, mr, done := newCacheTest(t, time.Minute)
	defer done()

	mr.Set("ar:p:u-1", "{not json")

	if _, err := cache.Get(context.Background(), "u-1"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected corrupt entry to miss, got %v", err)
	}
}
