// Package reconcile serves merged user profiles, lazily creating missing users and
// refreshing stale osu! snapshots under a best-effort per-user lock.
//
// The lock is advisory and TTL bounded. A process that dies mid-refresh leaves the
// lock in place until it expires; no other cleanup happens.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mapperinfluence/miauth/internal/osuapi"
	"github.com/mapperinfluence/miauth/internal/sessionstore"
	"github.com/mapperinfluence/miauth/internal/userstore"
)

var (
	// ErrProviderTokenExpired indicates the requester has no usable osu! token and must log in again.
	ErrProviderTokenExpired = errors.New("reconcile.provider_token_expired")
	// ErrLock wraps key-value store failures that happen while managing the user lock.
	ErrLock = errors.New("reconcile.lock")
	// ErrProfileMismatch indicates osu! answered a lookup with a different user.
	ErrProfileMismatch = errors.New("reconcile.profile_mismatch")
)

// UserStore is the relational store subset used for reconciliation.
type UserStore interface {
	GetFullUser(ctx context.Context, userID int64) (userstore.FullUser, error)
	InsertUserTriplet(ctx context.Context, newUser userstore.NewUser) (userstore.User, error)
	UpdateExternalSnapshot(ctx context.Context, userID int64, counts userstore.Counts) error
}

// TokenStore holds provider tokens and the per-user refresh lock.
type TokenStore interface {
	AccessToken(ctx context.Context, userID int64) (string, error)
	RefreshToken(ctx context.Context, userID int64) (string, error)
	SetProviderTokens(ctx context.Context, userID int64, accessToken string, refreshToken string) error
	AcquireLock(ctx context.Context, userID int64) (bool, error)
	IsLocked(ctx context.Context, userID int64) (bool, error)
	ReleaseLock(ctx context.Context, userID int64) error
}

// ProfileProvider fetches osu! profiles and renews access tokens.
type ProfileProvider interface {
	UserByID(ctx context.Context, accessToken string, userID int64) (osuapi.Profile, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (osuapi.TokenSet, error)
}

// MetricsRecorder counts reconciliation events.
type MetricsRecorder interface {
	Increment(event string)
}

type nopMetrics struct{}

func (nopMetrics) Increment(string) {}

// Config tunes a Reconciler. Zero values select the defaults.
type Config struct {
	// StalenessWindow is how long a snapshot stays fresh.
	StalenessWindow time.Duration
	// LockTTL is the lifetime the token store gives the per-user refresh lock.
	LockTTL time.Duration
	// RefreshTimeout bounds a background refresh and a shared token renewal.
	// It defaults to LockTTL and never exceeds it.
	RefreshTimeout time.Duration
	// ReleaseLockOnFailure clears the lock after a failed refresh instead of letting it expire.
	ReleaseLockOnFailure bool
	Clock                func() time.Time
	Logger               *zap.Logger
	Metrics              MetricsRecorder
}

// Reconciler implements the Missing / Present-Fresh / Present-Stale decision for each read.
type Reconciler struct {
	users     UserStore
	tokens    TokenStore
	provider  ProfileProvider
	config    Config
	renewals  singleflight.Group
	waitGroup sync.WaitGroup
}

// New constructs a Reconciler.
func New(users UserStore, tokens TokenStore, provider ProfileProvider, configuration Config) *Reconciler {
	if configuration.StalenessWindow <= 0 {
		configuration.StalenessWindow = userstore.DefaultStalenessWindow
	}
	if configuration.LockTTL <= 0 {
		configuration.LockTTL = sessionstore.DefaultLockTTL
	}
	if configuration.RefreshTimeout <= 0 || configuration.RefreshTimeout > configuration.LockTTL {
		configuration.RefreshTimeout = configuration.LockTTL
	}
	if configuration.Clock == nil {
		configuration.Clock = time.Now
	}
	if configuration.Logger == nil {
		configuration.Logger = zap.NewNop()
	}
	if configuration.Metrics == nil {
		configuration.Metrics = nopMetrics{}
	}
	return &Reconciler{
		users:    users,
		tokens:   tokens,
		provider: provider,
		config:   configuration,
	}
}

// FullUser returns targetID's merged profile on behalf of requesterID.
// Missing users are created from osu! data. Stale snapshots trigger a background
// refresh and the stored row is returned without waiting for it.
func (reconciler *Reconciler) FullUser(ctx context.Context, requesterID int64, targetID int64) (userstore.FullUser, error) {
	fullUser, err := reconciler.lookupOrMaterialize(ctx, requesterID, targetID)
	if err != nil {
		return userstore.FullUser{}, err
	}
	if fullUser.IsOutdated(reconciler.config.Clock(), reconciler.config.StalenessWindow) {
		reconciler.config.Metrics.Increment("reconcile.snapshot.stale")
		reconciler.scheduleRefresh(ctx, requesterID, targetID)
	}
	return fullUser, nil
}

// CreateUser materializes targetID if needed. Calling it for an existing user succeeds.
func (reconciler *Reconciler) CreateUser(ctx context.Context, requesterID int64, targetID int64) (userstore.FullUser, error) {
	return reconciler.lookupOrMaterialize(ctx, requesterID, targetID)
}

// EnsureUser creates the local triplet for an already fetched profile when it is missing.
// It reports whether this call created the user.
func (reconciler *Reconciler) EnsureUser(ctx context.Context, profile osuapi.Profile) (bool, error) {
	_, err := reconciler.users.GetFullUser(ctx, profile.ID)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, userstore.ErrUserNotFound) {
		return false, fmt.Errorf("reconcile.ensure_user: %w", err)
	}
	return reconciler.insertProfile(ctx, profile)
}

// Wait blocks until every scheduled background refresh has finished.
func (reconciler *Reconciler) Wait() {
	reconciler.waitGroup.Wait()
}

func (reconciler *Reconciler) lookupOrMaterialize(ctx context.Context, requesterID int64, targetID int64) (userstore.FullUser, error) {
	fullUser, err := reconciler.users.GetFullUser(ctx, targetID)
	if err == nil {
		return fullUser, nil
	}
	if !errors.Is(err, userstore.ErrUserNotFound) {
		return userstore.FullUser{}, fmt.Errorf("reconcile.lookup: %w", err)
	}

	accessToken, tokenErr := reconciler.requesterAccessToken(ctx, requesterID)
	if tokenErr != nil {
		return userstore.FullUser{}, tokenErr
	}
	profile, fetchErr := reconciler.fetchProfile(ctx, accessToken, targetID)
	if fetchErr != nil {
		return userstore.FullUser{}, fmt.Errorf("reconcile.materialize: %w", fetchErr)
	}
	if _, insertErr := reconciler.insertProfile(ctx, profile); insertErr != nil {
		return userstore.FullUser{}, insertErr
	}

	fullUser, err = reconciler.users.GetFullUser(ctx, targetID)
	if err != nil {
		return userstore.FullUser{}, fmt.Errorf("reconcile.materialize.reread: %w", err)
	}
	return fullUser, nil
}

// insertProfile absorbs a concurrent insert of the same id as success.
func (reconciler *Reconciler) insertProfile(ctx context.Context, profile osuapi.Profile) (bool, error) {
	_, err := reconciler.users.InsertUserTriplet(ctx, userstore.NewUser{
		ID:             profile.ID,
		UserName:       profile.Username,
		ProfilePicture: profile.AvatarURL,
		Counts:         countsFromProfile(profile),
	})
	switch {
	case err == nil:
		reconciler.config.Metrics.Increment("reconcile.user.created")
		reconciler.config.Logger.Info("user materialized",
			zap.String("code", "reconcile.user.created"),
			zap.Int64("user_id", profile.ID))
		return true, nil
	case errors.Is(err, userstore.ErrUserAlreadyExists):
		reconciler.config.Metrics.Increment("reconcile.user.insert_race")
		return false, nil
	default:
		return false, fmt.Errorf("reconcile.insert: %w", err)
	}
}

func (reconciler *Reconciler) fetchProfile(ctx context.Context, accessToken string, targetID int64) (osuapi.Profile, error) {
	profile, err := reconciler.provider.UserByID(ctx, accessToken, targetID)
	if err != nil {
		return osuapi.Profile{}, err
	}
	if profile.ID != targetID {
		return osuapi.Profile{}, fmt.Errorf("%w: requested %d, got %d", ErrProfileMismatch, targetID, profile.ID)
	}
	return profile, nil
}

// requesterAccessToken returns the requester's osu! access token, renewing it
// from the stored refresh token when it has expired from the store.
func (reconciler *Reconciler) requesterAccessToken(ctx context.Context, requesterID int64) (string, error) {
	accessToken, err := reconciler.tokens.AccessToken(ctx, requesterID)
	if err == nil {
		return accessToken, nil
	}
	if !errors.Is(err, sessionstore.ErrTokenNotFound) {
		return "", fmt.Errorf("reconcile.access_token: %w", err)
	}
	// The shared renewal outlives any single caller; each caller stops waiting on its own ctx.
	results := reconciler.renewals.DoChan(strconv.FormatInt(requesterID, 10), func() (interface{}, error) {
		renewCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reconciler.config.RefreshTimeout)
		defer cancel()
		return reconciler.renewAccessToken(renewCtx, requesterID)
	})
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("reconcile.renew_token: %w", ctx.Err())
	case result := <-results:
		if result.Err != nil {
			return "", result.Err
		}
		return result.Val.(string), nil
	}
}

func (reconciler *Reconciler) renewAccessToken(ctx context.Context, requesterID int64) (string, error) {
	refreshToken, err := reconciler.tokens.RefreshToken(ctx, requesterID)
	if err != nil {
		if errors.Is(err, sessionstore.ErrTokenNotFound) {
			return "", fmt.Errorf("reconcile.renew_token: %w", ErrProviderTokenExpired)
		}
		return "", fmt.Errorf("reconcile.renew_token: %w", err)
	}
	tokens, err := reconciler.provider.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, osuapi.ErrProviderRejected) || errors.Is(err, osuapi.ErrMissingScope) {
			return "", fmt.Errorf("reconcile.renew_token: %w: %w", ErrProviderTokenExpired, err)
		}
		return "", fmt.Errorf("reconcile.renew_token: %w", err)
	}
	nextRefreshToken := tokens.RefreshToken
	if nextRefreshToken == "" {
		nextRefreshToken = refreshToken
	}
	if storeErr := reconciler.tokens.SetProviderTokens(ctx, requesterID, tokens.AccessToken, nextRefreshToken); storeErr != nil {
		return "", fmt.Errorf("reconcile.renew_token.store: %w", storeErr)
	}
	reconciler.config.Metrics.Increment("reconcile.provider_token.renewed")
	reconciler.config.Logger.Info("provider access token renewed",
		zap.String("code", "reconcile.provider_token.renewed"),
		zap.Int64("user_id", requesterID))
	return tokens.AccessToken, nil
}

func countsFromProfile(profile osuapi.Profile) userstore.Counts {
	return userstore.Counts{
		Ranked:    profile.Counts.Ranked,
		Loved:     profile.Counts.Loved,
		Nominated: profile.Counts.Nominated,
		Graveyard: profile.Counts.Graveyard,
		Guest:     profile.Counts.Guest,
	}
}
