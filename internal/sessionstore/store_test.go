package sessionstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type storeHarness struct {
	store   Store
	advance func(time.Duration)
}

func newMemoryHarness(t *testing.T) storeHarness {
	t.Helper()
	current := time.Unix(1700000000, 0).UTC()
	var clockMutex sync.Mutex
	store := NewMemoryStore(DefaultTTLs(), WithClock(func() time.Time {
		clockMutex.Lock()
		defer clockMutex.Unlock()
		return current
	}))
	return storeHarness{
		store: store,
		advance: func(duration time.Duration) {
			clockMutex.Lock()
			defer clockMutex.Unlock()
			current = current.Add(duration)
		},
	}
}

func newRedisHarness(t *testing.T) storeHarness {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return storeHarness{
		store:   NewRedisStore(client, DefaultTTLs()),
		advance: server.FastForward,
	}
}

func forEachStore(t *testing.T, run func(t *testing.T, harness storeHarness)) {
	t.Helper()
	testCases := []struct {
		name    string
		harness func(t *testing.T) storeHarness
	}{
		{name: "memory", harness: newMemoryHarness},
		{name: "redis", harness: newRedisHarness},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			run(t, testCase.harness(t))
		})
	}
}

func TestSessionRoundTripAndExpiry(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, harness storeHarness) {
		ctx := context.Background()
		if err := harness.store.SetSession(ctx, "123456789", 42); err != nil {
			t.Fatalf("set session: %v", err)
		}
		userID, err := harness.store.UserID(ctx, "123456789")
		if err != nil {
			t.Fatalf("resolve session: %v", err)
		}
		if userID != 42 {
			t.Fatalf("expected user 42, got %d", userID)
		}

		harness.advance(DefaultSessionTTL - time.Second)
		if _, err := harness.store.UserID(ctx, "123456789"); err != nil {
			t.Fatalf("session should still be live before ttl: %v", err)
		}

		harness.advance(2 * time.Second)
		if _, err := harness.store.UserID(ctx, "123456789"); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("expected ErrSessionNotFound after ttl, got %v", err)
		}
	})
}

func TestDeleteSession(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, harness storeHarness) {
		ctx := context.Background()
		if err := harness.store.SetSession(ctx, "987654321", 42); err != nil {
			t.Fatalf("set session: %v", err)
		}
		if err := harness.store.DeleteSession(ctx, "987654321"); err != nil {
			t.Fatalf("delete session: %v", err)
		}
		if _, err := harness.store.UserID(ctx, "987654321"); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
		}
		if err := harness.store.DeleteSession(ctx, "987654321"); err != nil {
			t.Fatalf("deleting an unknown session should succeed, got %v", err)
		}
	})
}

func TestUnknownSession(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, harness storeHarness) {
		if _, err := harness.store.UserID(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("expected ErrSessionNotFound, got %v", err)
		}
	})
}

func TestProviderTokensLifetimes(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, harness storeHarness) {
		ctx := context.Background()
		if _, err := harness.store.AccessToken(ctx, 7); !errors.Is(err, ErrTokenNotFound) {
			t.Fatalf("expected ErrTokenNotFound before write, got %v", err)
		}
		if err := harness.store.SetProviderTokens(ctx, 7, "access-7", "refresh-7"); err != nil {
			t.Fatalf("set provider tokens: %v", err)
		}
		accessToken, err := harness.store.AccessToken(ctx, 7)
		if err != nil || accessToken != "access-7" {
			t.Fatalf("unexpected access token %q (%v)", accessToken, err)
		}
		refreshToken, err := harness.store.RefreshToken(ctx, 7)
		if err != nil || refreshToken != "refresh-7" {
			t.Fatalf("unexpected refresh token %q (%v)", refreshToken, err)
		}

		harness.advance(DefaultAccessTokenTTL + time.Second)
		if _, err := harness.store.AccessToken(ctx, 7); !errors.Is(err, ErrTokenNotFound) {
			t.Fatalf("expected access token to expire, got %v", err)
		}
		if refreshToken, err := harness.store.RefreshToken(ctx, 7); err != nil || refreshToken != "refresh-7" {
			t.Fatalf("refresh token should not expire, got %q (%v)", refreshToken, err)
		}
	})
}

func TestLockLifecycle(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, harness storeHarness) {
		ctx := context.Background()
		acquired, err := harness.store.AcquireLock(ctx, 42)
		if err != nil || !acquired {
			t.Fatalf("expected first acquire to succeed, got %v (%v)", acquired, err)
		}
		locked, err := harness.store.IsLocked(ctx, 42)
		if err != nil || !locked {
			t.Fatalf("expected lock to be held, got %v (%v)", locked, err)
		}
		acquired, err = harness.store.AcquireLock(ctx, 42)
		if err != nil || acquired {
			t.Fatalf("expected second acquire to fail, got %v (%v)", acquired, err)
		}

		if err := harness.store.ReleaseLock(ctx, 42); err != nil {
			t.Fatalf("release lock: %v", err)
		}
		acquired, err = harness.store.AcquireLock(ctx, 42)
		if err != nil || !acquired {
			t.Fatalf("expected acquire after release to succeed, got %v (%v)", acquired, err)
		}

		harness.advance(DefaultLockTTL + time.Second)
		locked, err = harness.store.IsLocked(ctx, 42)
		if err != nil || locked {
			t.Fatalf("expected lock to expire, got %v (%v)", locked, err)
		}
		if err := harness.store.ReleaseLock(ctx, 42); err != nil {
			t.Fatalf("releasing an expired lock should succeed: %v", err)
		}
	})
}

func TestAcquireLockIsExclusiveUnderContention(t *testing.T) {
	t.Parallel()
	forEachStore(t, func(t *testing.T, harness storeHarness) {
		var winners atomic.Int32
		var waitGroup sync.WaitGroup
		for attempt := 0; attempt < 16; attempt++ {
			waitGroup.Add(1)
			go func() {
				defer waitGroup.Done()
				acquired, err := harness.store.AcquireLock(context.Background(), 99)
				if err != nil {
					t.Errorf("acquire lock: %v", err)
					return
				}
				if acquired {
					winners.Add(1)
				}
			}()
		}
		waitGroup.Wait()
		if winners.Load() != 1 {
			t.Fatalf("expected exactly one lock holder, got %d", winners.Load())
		}
	})
}

func TestRedisStoreReportsUnavailable(t *testing.T) {
	t.Parallel()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr(), MaxRetries: -1})
	defer func() { _ = client.Close() }()
	store := NewRedisStore(client, DefaultTTLs())
	server.Close()

	if _, err := store.AcquireLock(context.Background(), 1); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := store.UserID(context.Background(), "token"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestRedisStoreCorruptSessionValue(t *testing.T) {
	t.Parallel()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer func() { _ = client.Close() }()
	store := NewRedisStore(client, DefaultTTLs())

	if err := server.Set(sessionKey("bad"), "not-a-number"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.UserID(context.Background(), "bad"); !errors.Is(err, ErrCorruptValue) {
		t.Fatalf("expected ErrCorruptValue, got %v", err)
	}
}

func TestOpenSelectsImplementation(t *testing.T) {
	t.Parallel()
	store, driver, err := Open(context.Background(), "memory://", TTLs{})
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	if driver != "memory" {
		t.Fatalf("expected memory driver, got %s", driver)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected *MemoryStore, got %T", store)
	}

	server := miniredis.RunT(t)
	redisStore, driver, err := Open(context.Background(), "redis://"+server.Addr()+"/0", TTLs{})
	if err != nil {
		t.Fatalf("open redis store: %v", err)
	}
	defer func() { _ = redisStore.Close() }()
	if driver != "redis" {
		t.Fatalf("expected redis driver, got %s", driver)
	}

	if _, _, err := Open(context.Background(), "mysql://localhost", TTLs{}); !errors.Is(err, ErrUnsupportedURL) {
		t.Fatalf("expected ErrUnsupportedURL, got %v", err)
	}
}

func TestKeyNamespaces(t *testing.T) {
	t.Parallel()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer func() { _ = client.Close() }()
	store := NewRedisStore(client, DefaultTTLs())
	ctx := context.Background()

	_ = store.SetSession(ctx, "555", 42)
	_ = store.SetProviderTokens(ctx, 42, "a", "r")
	_, _ = store.AcquireLock(ctx, 42)

	for _, key := range []string{"user:session:555", "user:access:42", "user:refresh:42", "user:lock:42"} {
		if !server.Exists(key) {
			t.Fatalf("expected key %s to exist", key)
		}
	}
	if ttl := server.TTL("user:refresh:42"); ttl != 0 {
		t.Fatalf("refresh token should have no ttl, got %s", ttl)
	}
	if ttl := server.TTL("user:lock:42"); ttl != DefaultLockTTL {
		t.Fatalf("expected lock ttl %s, got %s", DefaultLockTTL, ttl)
	}
}
