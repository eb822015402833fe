package sessionstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process store for local development and tests.
type MemoryStore struct {
	mutex   sync.Mutex
	entries map[string]memoryEntry
	ttls    TTLs
	now     func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (entry memoryEntry) expired(now time.Time) bool {
	return !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt)
}

// MemoryOption customizes a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces the wall clock used to evaluate TTLs.
func WithClock(now func() time.Time) MemoryOption {
	return func(store *MemoryStore) {
		if now != nil {
			store.now = now
		}
	}
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore(ttls TTLs, options ...MemoryOption) *MemoryStore {
	store := &MemoryStore{
		entries: make(map[string]memoryEntry),
		ttls:    ttls.withDefaults(),
		now:     time.Now,
	}
	for _, option := range options {
		option(store)
	}
	return store
}

func (store *MemoryStore) SetSession(ctx context.Context, sessionToken string, userID int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.setLocked(sessionKey(sessionToken), strconv.FormatInt(userID, 10), store.ttls.Session)
	return nil
}

func (store *MemoryStore) UserID(ctx context.Context, sessionToken string) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	value, ok := store.getLocked(sessionKey(sessionToken))
	if !ok {
		return 0, fmt.Errorf("session_store.user_id: %w", ErrSessionNotFound)
	}
	return parseUserID("session_store.user_id", value)
}

func (store *MemoryStore) DeleteSession(ctx context.Context, sessionToken string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.entries, sessionKey(sessionToken))
	return nil
}

func (store *MemoryStore) SetProviderTokens(ctx context.Context, userID int64, accessToken string, refreshToken string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.setLocked(accessTokenKey(userID), accessToken, store.ttls.AccessToken)
	store.setLocked(refreshTokenKey(userID), refreshToken, 0)
	return nil
}

func (store *MemoryStore) AccessToken(ctx context.Context, userID int64) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	value, ok := store.getLocked(accessTokenKey(userID))
	if !ok {
		return "", fmt.Errorf("session_store.access_token: %w", ErrTokenNotFound)
	}
	return value, nil
}

func (store *MemoryStore) RefreshToken(ctx context.Context, userID int64) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	value, ok := store.getLocked(refreshTokenKey(userID))
	if !ok {
		return "", fmt.Errorf("session_store.refresh_token: %w", ErrTokenNotFound)
	}
	return value, nil
}

func (store *MemoryStore) AcquireLock(ctx context.Context, userID int64) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	key := lockKey(userID)
	if _, held := store.getLocked(key); held {
		return false, nil
	}
	store.setLocked(key, "1", store.ttls.Lock)
	return true, nil
}

func (store *MemoryStore) IsLocked(ctx context.Context, userID int64) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	_, held := store.getLocked(lockKey(userID))
	return held, nil
}

func (store *MemoryStore) ReleaseLock(ctx context.Context, userID int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.entries, lockKey(userID))
	return nil
}

func (store *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (store *MemoryStore) Close() error {
	return nil
}

func (store *MemoryStore) setLocked(key string, value string, ttl time.Duration) {
	store.purgeExpiredLocked()
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = store.now().Add(ttl)
	}
	store.entries[key] = entry
}

func (store *MemoryStore) getLocked(key string) (string, bool) {
	entry, ok := store.entries[key]
	if !ok {
		return "", false
	}
	if entry.expired(store.now()) {
		delete(store.entries, key)
		return "", false
	}
	return entry.value, true
}

func (store *MemoryStore) purgeExpiredLocked() {
	if len(store.entries) == 0 {
		return
	}
	now := store.now()
	for key, entry := range store.entries {
		if entry.expired(now) {
			delete(store.entries, key)
		}
	}
}
