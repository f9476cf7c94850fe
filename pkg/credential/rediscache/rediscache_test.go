package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/knoguchi/ernie/pkg/credential"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache, err := Dial(context.Background(), Config{
		URL:      "redis://" + mr.Addr(),
		ClientID: "ak",
		TTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	return cache, mr
}

func TestCacheEmpty(t *testing.T) {
	cache, _ := newTestCache(t)

	_, ok, err := cache.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected empty cache")
	}
}

func TestCacheRoundTrip(t *testing.T) {
	cache, mr := newTestCache(t)
	issued := time.Unix(1_700_000_000, 0)

	if err := cache.Store(context.Background(), credential.Credential{Token: "24.abc", IssuedAt: issued}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	if got := mr.HGet(DefaultKeyPrefix+"ak", "issued_at"); got != "1700000000" {
		t.Errorf("expected unix seconds, got %q", got)
	}
	if ttl := mr.TTL(DefaultKeyPrefix + "ak"); ttl != time.Hour {
		t.Errorf("expected key expiry 1h, got %v", ttl)
	}

	cred, ok, err := cache.Load(context.Background())
	if err != nil || !ok {
		t.Fatalf("Load() = %v, %v", ok, err)
	}
	if cred.Token != "24.abc" || !cred.IssuedAt.Equal(issued) {
		t.Errorf("unexpected credential %+v", cred)
	}
}

func TestCacheExpiredKeyIsAbsent(t *testing.T) {
	cache, mr := newTestCache(t)

	_ = cache.Store(context.Background(), credential.Credential{Token: "t", IssuedAt: time.Now()})
	mr.FastForward(2 * time.Hour)

	if _, ok, _ := cache.Load(context.Background()); ok {
		t.Error("expected expired key to read as absent")
	}
}

func TestCacheCorruptTimestampPanics(t *testing.T) {
	cache, mr := newTestCache(t)
	mr.HSet(cache.Key(), "token", "t", "issued_at", "soon")

	defer func() {
		if recover() == nil {
			t.Error("expected panic on corrupt issued_at")
		}
	}()
	_, _, _ = cache.Load(context.Background())
}

func TestCacheBacksStore(t *testing.T) {
	cache, _ := newTestCache(t)
	calls := 0
	store := credential.NewStore(credential.RefresherFunc(func(context.Context) (string, error) {
		calls++
		return "shared", nil
	}), credential.WithCache(cache))

	for i := 0; i < 3; i++ {
		token, err := store.Token(context.Background())
		if err != nil {
			t.Fatalf("Token() error = %v", err)
		}
		if token != "shared" {
			t.Errorf("expected shared token, got %q", token)
		}
	}
	if calls != 1 {
		t.Errorf("expected one refresh, got %d", calls)
	}
}
