package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps sessions, provider tokens and user locks in Redis.
type RedisStore struct {
	client redis.UniversalClient
	ttls   TTLs
}

// OpenRedisStore connects to the Redis instance described by redisURL and verifies it responds.
func OpenRedisStore(ctx context.Context, redisURL string, ttls TTLs) (*RedisStore, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("session_store.open: %w", ErrUnsupportedURL)
	}
	options, parseErr := redis.ParseURL(redisURL)
	if parseErr != nil {
		return nil, fmt.Errorf("session_store.parse_url: %w: %w", ErrUnsupportedURL, parseErr)
	}
	client := redis.NewClient(options)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session_store.ping: %w: %w", ErrUnavailable, pingErr)
	}
	return NewRedisStore(client, ttls), nil
}

// NewRedisStore wraps a pre-configured client, which is how tests plug in miniredis.
func NewRedisStore(client redis.UniversalClient, ttls TTLs) *RedisStore {
	return &RedisStore{
		client: client,
		ttls:   ttls.withDefaults(),
	}
}

// SetSession maps a session token to a local user id for the session TTL.
func (store *RedisStore) SetSession(ctx context.Context, sessionToken string, userID int64) error {
	if err := store.client.Set(ctx, sessionKey(sessionToken), userID, store.ttls.Session).Err(); err != nil {
		return fmt.Errorf("session_store.set_session: %w: %w", ErrUnavailable, err)
	}
	return nil
}

// UserID resolves a session token to the user id it was issued for.
func (store *RedisStore) UserID(ctx context.Context, sessionToken string) (int64, error) {
	value, err := store.client.Get(ctx, sessionKey(sessionToken)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, fmt.Errorf("session_store.user_id: %w", ErrSessionNotFound)
		}
		return 0, fmt.Errorf("session_store.user_id: %w: %w", ErrUnavailable, err)
	}
	return parseUserID("session_store.user_id", value)
}

// DeleteSession removes a session mapping. Deleting an unknown token is not an error.
func (store *RedisStore) DeleteSession(ctx context.Context, sessionToken string) error {
	if err := store.client.Del(ctx, sessionKey(sessionToken)).Err(); err != nil {
		return fmt.Errorf("session_store.delete_session: %w: %w", ErrUnavailable, err)
	}
	return nil
}

// SetProviderTokens stores the access token with its TTL and the refresh token without one.
// Both writes go through a single MULTI/EXEC so neither is visible without the other.
func (store *RedisStore) SetProviderTokens(ctx context.Context, userID int64, accessToken string, refreshToken string) error {
	_, err := store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, accessTokenKey(userID), accessToken, store.ttls.AccessToken)
		pipe.Set(ctx, refreshTokenKey(userID), refreshToken, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("session_store.set_provider_tokens: %w: %w", ErrUnavailable, err)
	}
	return nil
}

// AccessToken returns the stored provider access token for the user.
func (store *RedisStore) AccessToken(ctx context.Context, userID int64) (string, error) {
	return store.getToken(ctx, "session_store.access_token", accessTokenKey(userID))
}

// RefreshToken returns the stored provider refresh token for the user.
func (store *RedisStore) RefreshToken(ctx context.Context, userID int64) (string, error) {
	return store.getToken(ctx, "session_store.refresh_token", refreshTokenKey(userID))
}

func (store *RedisStore) getToken(ctx context.Context, operation string, key string) (string, error) {
	value, err := store.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("%s: %w", operation, ErrTokenNotFound)
		}
		return "", fmt.Errorf("%s: %w: %w", operation, ErrUnavailable, err)
	}
	return value, nil
}

// AcquireLock sets the user lock only if it is not already held (SET NX PX).
// It reports false when another holder owns the lock.
func (store *RedisStore) AcquireLock(ctx context.Context, userID int64) (bool, error) {
	acquired, err := store.client.SetNX(ctx, lockKey(userID), 1, store.ttls.Lock).Result()
	if err != nil {
		return false, fmt.Errorf("session_store.acquire_lock: %w: %w", ErrUnavailable, err)
	}
	return acquired, nil
}

// IsLocked reports whether the user lock is currently held.
func (store *RedisStore) IsLocked(ctx context.Context, userID int64) (bool, error) {
	count, err := store.client.Exists(ctx, lockKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("session_store.is_locked: %w: %w", ErrUnavailable, err)
	}
	return count > 0, nil
}

// ReleaseLock clears the user lock. Releasing a lock that already expired is not an error.
func (store *RedisStore) ReleaseLock(ctx context.Context, userID int64) error {
	if err := store.client.Del(ctx, lockKey(userID)).Err(); err != nil {
		return fmt.Errorf("session_store.release_lock: %w: %w", ErrUnavailable, err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (store *RedisStore) Ping(ctx context.Context) error {
	if err := store.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("session_store.ping: %w: %w", ErrUnavailable, err)
	}
	return nil
}

// Close releases the underlying client.
func (store *RedisStore) Close() error {
	return store.client.Close()
}
