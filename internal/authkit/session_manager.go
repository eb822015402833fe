package authkit

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mapperinfluence/miauth/internal/osuapi"
)

// LoginResult is the outcome of a completed OAuth callback.
type LoginResult struct {
	SessionToken SessionToken
	Profile      osuapi.Profile
	UserCreated  bool
}

// SessionManager turns authorization codes into sessions and session cookies into user ids.
type SessionManager struct {
	sessions SessionStore
	provider IdentityProvider
	users    UserEnsurer
	tokens   TokenSource
	logger   *zap.Logger
	metrics  MetricsRecorder
}

// NewSessionManager wires the collaborators of the login sequence.
func NewSessionManager(sessions SessionStore, provider IdentityProvider, users UserEnsurer, tokens TokenSource, logger *zap.Logger, metrics MetricsRecorder) *SessionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	return &SessionManager{
		sessions: sessions,
		provider: provider,
		users:    users,
		tokens:   tokens,
		logger:   logger,
		metrics:  metrics,
	}
}

// LoginURL returns the osu! authorize redirect.
func (manager *SessionManager) LoginURL(state string) string {
	return manager.provider.AuthorizeURL(state)
}

// CompleteOAuthLogin exchanges code, identifies the principal, issues a session and
// ensures the local user exists. Any failure aborts the whole attempt.
func (manager *SessionManager) CompleteOAuthLogin(ctx context.Context, code string) (LoginResult, error) {
	tokens, err := manager.provider.ExchangeCode(ctx, code)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth.login.exchange: %w", err)
	}
	profile, err := manager.provider.AuthenticatedUser(ctx, tokens.AccessToken)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth.login.principal: %w", err)
	}

	sessionToken := manager.tokens.NewSessionToken()
	if err := manager.storeLogin(ctx, sessionToken, profile.ID, tokens); err != nil {
		manager.discardSession(ctx, sessionToken, profile.ID)
		return LoginResult{}, err
	}

	created, err := manager.users.EnsureUser(ctx, profile)
	if err != nil {
		manager.discardSession(ctx, sessionToken, profile.ID)
		return LoginResult{}, fmt.Errorf("auth.login.ensure_user: %w", err)
	}
	manager.metrics.Increment(metricLoginSuccess)
	manager.logger.Info("login completed",
		zap.String("code", "auth.login.completed"),
		zap.Int64("user_id", profile.ID),
		zap.Bool("user_created", created))
	return LoginResult{SessionToken: sessionToken, Profile: profile, UserCreated: created}, nil
}

// storeLogin writes the session mapping and provider tokens concurrently; both must succeed.
func (manager *SessionManager) storeLogin(ctx context.Context, sessionToken SessionToken, userID int64, tokens osuapi.TokenSet) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return manager.sessions.SetSession(groupCtx, sessionToken.String(), userID)
	})
	group.Go(func() error {
		return manager.sessions.SetProviderTokens(groupCtx, userID, tokens.AccessToken, tokens.RefreshToken)
	})
	if err := group.Wait(); err != nil {
		return fmt.Errorf("auth.login.store: %w", err)
	}
	return nil
}

// discardSession removes a session written by an aborted login so no token maps to a
// user without a local row.
func (manager *SessionManager) discardSession(ctx context.Context, sessionToken SessionToken, userID int64) {
	if err := manager.sessions.DeleteSession(context.WithoutCancel(ctx), sessionToken.String()); err != nil {
		manager.logger.Warn("aborted login session not removed",
			zap.String("code", "auth.login.discard_session_failed"),
			zap.Int64("user_id", userID),
			zap.Error(err))
	}
}

// IssueSession maps an existing token to userID.
func (manager *SessionManager) IssueSession(ctx context.Context, sessionToken SessionToken, userID int64) error {
	if err := manager.sessions.SetSession(ctx, sessionToken.String(), userID); err != nil {
		return fmt.Errorf("auth.issue_session: %w", err)
	}
	return nil
}

// ResolveSession parses a cookie value and returns the user it was issued for.
// Malformed values fail with ErrMalformedSessionToken; unknown or expired ones
// with sessionstore.ErrSessionNotFound.
func (manager *SessionManager) ResolveSession(ctx context.Context, rawToken string) (int64, error) {
	sessionToken, err := ParseSessionToken(rawToken)
	if err != nil {
		return 0, err
	}
	userID, err := manager.sessions.UserID(ctx, sessionToken.String())
	if err != nil {
		return 0, fmt.Errorf("auth.resolve_session: %w", err)
	}
	return userID, nil
}
