package authkit

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultStateTTL bounds how long a /login redirect may take to come back.
const DefaultStateTTL = 10 * time.Minute

const stateBytes = 24

var (
	// ErrStateNotFound indicates the callback state was never issued or already consumed.
	ErrStateNotFound = errors.New("oauth_state.not_found")
	// ErrStateExpired indicates the callback arrived after the state expired.
	ErrStateExpired = errors.New("oauth_state.expired")
)

// PendingLogin is what /login remembers about a browser until osu! sends it back.
type PendingLogin struct {
	// ReturnTo is an app-relative path, empty for the app root.
	ReturnTo string
	IssuedAt time.Time
}

// StateStore binds the OAuth state parameter to a pending login. A state is consumed at most once.
type StateStore interface {
	Issue(ctx context.Context, returnTo string) (string, error)
	Consume(ctx context.Context, state string) (PendingLogin, error)
}

type pendingEntry struct {
	login     PendingLogin
	expiresAt time.Time
}

type memoryStateStore struct {
	mutex   sync.Mutex
	pending map[string]pendingEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStateStore keeps pending logins in process memory, so the callback must
// reach the instance that served /login.
func NewMemoryStateStore(ttl time.Duration) StateStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &memoryStateStore{
		pending: make(map[string]pendingEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (store *memoryStateStore) Issue(ctx context.Context, returnTo string) (string, error) {
	raw := make([]byte, stateBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	state := base64.RawURLEncoding.EncodeToString(raw)

	store.mutex.Lock()
	defer store.mutex.Unlock()
	issuedAt := store.now()
	store.dropExpiredLocked(issuedAt)
	store.pending[state] = pendingEntry{
		login:     PendingLogin{ReturnTo: SanitizeReturnPath(returnTo), IssuedAt: issuedAt},
		expiresAt: issuedAt.Add(store.ttl),
	}
	return state, nil
}

func (store *memoryStateStore) Consume(ctx context.Context, state string) (PendingLogin, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	now := store.now()
	entry, ok := store.pending[state]
	if !ok {
		return PendingLogin{}, ErrStateNotFound
	}
	delete(store.pending, state)
	if now.After(entry.expiresAt) {
		return PendingLogin{}, ErrStateExpired
	}
	return entry.login, nil
}

func (store *memoryStateStore) dropExpiredLocked(now time.Time) {
	for state, entry := range store.pending {
		if now.After(entry.expiresAt) {
			delete(store.pending, state)
		}
	}
}

// SanitizeReturnPath keeps raw only when it is a path on the app itself.
// Absolute URLs, scheme-relative "//host" forms and backslash tricks return "".
func SanitizeReturnPath(raw string) string {
	candidate := strings.TrimSpace(raw)
	if candidate == "" || candidate == "/" {
		return ""
	}
	if !strings.HasPrefix(candidate, "/") || strings.HasPrefix(candidate, "//") || strings.ContainsAny(candidate, "\\\r\n") {
		return ""
	}
	parsed, err := url.Parse(candidate)
	if err != nil || parsed.Scheme != "" || parsed.Host != "" {
		return ""
	}
	return candidate
}
