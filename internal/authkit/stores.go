package authkit

import (
	"context"

	"github.com/mapperinfluence/miauth/internal/osuapi"
	"github.com/mapperinfluence/miauth/internal/userstore"
)

// SessionStore maps session tokens to users and keeps provider tokens.
type SessionStore interface {
	SetSession(ctx context.Context, sessionToken string, userID int64) error
	UserID(ctx context.Context, sessionToken string) (int64, error)
	DeleteSession(ctx context.Context, sessionToken string) error
	SetProviderTokens(ctx context.Context, userID int64, accessToken string, refreshToken string) error
}

// IdentityProvider performs the osu! authorization-code flow.
type IdentityProvider interface {
	AuthorizeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (osuapi.TokenSet, error)
	AuthenticatedUser(ctx context.Context, accessToken string) (osuapi.Profile, error)
}

// UserEnsurer creates the local user for a freshly authenticated profile.
type UserEnsurer interface {
	EnsureUser(ctx context.Context, profile osuapi.Profile) (bool, error)
}

// ErrorRecorder persists errors whose taxonomy entry asks for it.
type ErrorRecorder interface {
	RecordError(ctx context.Context, entry userstore.ErrorRecord) error
}
