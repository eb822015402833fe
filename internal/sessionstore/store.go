package sessionstore

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	// DefaultSessionTTL keeps sessions just under a day so users re-authenticate daily.
	DefaultSessionTTL = 23*time.Hour + 50*time.Minute
	// DefaultAccessTokenTTL matches the lifetime of osu! access tokens.
	DefaultAccessTokenTTL = 12 * time.Hour
	// DefaultLockTTL bounds how long a crashed refresher can hold a user lock.
	DefaultLockTTL = 30 * time.Second
)

var (
	// ErrSessionNotFound indicates the session token has no live mapping.
	ErrSessionNotFound = errors.New("session_store.session_not_found")
	// ErrTokenNotFound indicates no provider token is stored for the user.
	ErrTokenNotFound = errors.New("session_store.token_not_found")
	// ErrUnavailable wraps every failure of the backing key-value store.
	ErrUnavailable = errors.New("session_store.unavailable")
	// ErrUnsupportedURL indicates the store URL cannot be used to open a store.
	ErrUnsupportedURL = errors.New("session_store.unsupported_url")
	// ErrCorruptValue indicates a stored value could not be decoded.
	ErrCorruptValue = errors.New("session_store.corrupt_value")
)

// TTLs configures the lifetime of each key family. Refresh tokens never expire.
type TTLs struct {
	Session     time.Duration
	AccessToken time.Duration
	Lock        time.Duration
}

// DefaultTTLs returns the production key lifetimes.
func DefaultTTLs() TTLs {
	return TTLs{
		Session:     DefaultSessionTTL,
		AccessToken: DefaultAccessTokenTTL,
		Lock:        DefaultLockTTL,
	}
}

func (ttls TTLs) withDefaults() TTLs {
	if ttls.Session <= 0 {
		ttls.Session = DefaultSessionTTL
	}
	if ttls.AccessToken <= 0 {
		ttls.AccessToken = DefaultAccessTokenTTL
	}
	if ttls.Lock <= 0 {
		ttls.Lock = DefaultLockTTL
	}
	return ttls
}

func sessionKey(sessionToken string) string {
	return "user:session:" + sessionToken
}

func accessTokenKey(userID int64) string {
	return "user:access:" + strconv.FormatInt(userID, 10)
}

func refreshTokenKey(userID int64) string {
	return "user:refresh:" + strconv.FormatInt(userID, 10)
}

func lockKey(userID int64) string {
	return "user:lock:" + strconv.FormatInt(userID, 10)
}

func parseUserID(operation string, value string) (int64, error) {
	userID, parseErr := strconv.ParseInt(value, 10, 64)
	if parseErr != nil {
		return 0, fmt.Errorf("%s: %w: %w", operation, ErrCorruptValue, parseErr)
	}
	return userID, nil
}
