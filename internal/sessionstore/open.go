package sessionstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Store is the full contract shared by RedisStore and MemoryStore.
type Store interface {
	SetSession(ctx context.Context, sessionToken string, userID int64) error
	UserID(ctx context.Context, sessionToken string) (int64, error)
	DeleteSession(ctx context.Context, sessionToken string) error
	SetProviderTokens(ctx context.Context, userID int64, accessToken string, refreshToken string) error
	AccessToken(ctx context.Context, userID int64) (string, error)
	RefreshToken(ctx context.Context, userID int64) (string, error)
	AcquireLock(ctx context.Context, userID int64) (bool, error)
	IsLocked(ctx context.Context, userID int64) (bool, error)
	ReleaseLock(ctx context.Context, userID int64) error
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*RedisStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// Open selects a store implementation from the URL scheme and returns it with a driver label.
// "memory://" selects the in-process store; "redis://" and "rediss://" select Redis.
func Open(ctx context.Context, storeURL string, ttls TTLs) (Store, string, error) {
	parsed, parseErr := url.Parse(strings.TrimSpace(storeURL))
	if parseErr != nil {
		return nil, "", fmt.Errorf("session_store.parse_url: %w: %w", ErrUnsupportedURL, parseErr)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory":
		return NewMemoryStore(ttls), "memory", nil
	case "redis", "rediss", "unix":
		store, openErr := OpenRedisStore(ctx, storeURL, ttls)
		if openErr != nil {
			return nil, "", openErr
		}
		return store, "redis", nil
	default:
		return nil, "", fmt.Errorf("session_store.scheme.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedURL)
	}
}
