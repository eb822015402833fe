package reconcile

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// RefreshOutcome describes what a locked refresh attempt did.
type RefreshOutcome int

const (
	// RefreshSkippedLocked means another refresher holds the lock.
	RefreshSkippedLocked RefreshOutcome = iota
	// RefreshSkippedFresh means the snapshot was already fresh once the lock was held.
	RefreshSkippedFresh
	// RefreshCompleted means osu! was queried and the snapshot rewritten.
	RefreshCompleted
	// RefreshFailed means the attempt returned an error.
	RefreshFailed
)

func (outcome RefreshOutcome) String() string {
	switch outcome {
	case RefreshSkippedLocked:
		return "skipped_locked"
	case RefreshSkippedFresh:
		return "skipped_fresh"
	case RefreshCompleted:
		return "completed"
	case RefreshFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RefreshSnapshot runs the locked-refresh protocol for targetID using requesterID's token.
// The lock is taken with an atomic set-if-absent; a held lock is not waited on.
func (reconciler *Reconciler) RefreshSnapshot(ctx context.Context, requesterID int64, targetID int64) (RefreshOutcome, error) {
	locked, err := reconciler.tokens.IsLocked(ctx, targetID)
	if err != nil {
		return RefreshFailed, fmt.Errorf("reconcile.refresh.is_locked: %w: %w", ErrLock, err)
	}
	if locked {
		return RefreshSkippedLocked, nil
	}
	acquired, err := reconciler.tokens.AcquireLock(ctx, targetID)
	if err != nil {
		return RefreshFailed, fmt.Errorf("reconcile.refresh.acquire_lock: %w: %w", ErrLock, err)
	}
	if !acquired {
		return RefreshSkippedLocked, nil
	}

	outcome, refreshErr := reconciler.refreshLocked(ctx, requesterID, targetID)
	if refreshErr != nil && !reconciler.config.ReleaseLockOnFailure {
		return outcome, refreshErr
	}
	if releaseErr := reconciler.tokens.ReleaseLock(ctx, targetID); releaseErr != nil {
		if refreshErr != nil {
			return outcome, refreshErr
		}
		return RefreshFailed, fmt.Errorf("reconcile.refresh.release_lock: %w: %w", ErrLock, releaseErr)
	}
	return outcome, refreshErr
}

func (reconciler *Reconciler) refreshLocked(ctx context.Context, requesterID int64, targetID int64) (RefreshOutcome, error) {
	current, err := reconciler.users.GetFullUser(ctx, targetID)
	if err != nil {
		return RefreshFailed, fmt.Errorf("reconcile.refresh.reread: %w", err)
	}
	if !current.IsOutdated(reconciler.config.Clock(), reconciler.config.StalenessWindow) {
		return RefreshSkippedFresh, nil
	}
	accessToken, err := reconciler.requesterAccessToken(ctx, requesterID)
	if err != nil {
		return RefreshFailed, err
	}
	profile, err := reconciler.fetchProfile(ctx, accessToken, targetID)
	if err != nil {
		return RefreshFailed, fmt.Errorf("reconcile.refresh.fetch: %w", err)
	}
	if updateErr := reconciler.users.UpdateExternalSnapshot(ctx, targetID, countsFromProfile(profile)); updateErr != nil {
		return RefreshFailed, fmt.Errorf("reconcile.refresh.update: %w", updateErr)
	}
	return RefreshCompleted, nil
}

// scheduleRefresh runs RefreshSnapshot detached from the request's cancellation.
// Failures are logged and counted; the read that triggered it is never affected.
func (reconciler *Reconciler) scheduleRefresh(ctx context.Context, requesterID int64, targetID int64) {
	reconciler.waitGroup.Add(1)
	go func() {
		defer reconciler.waitGroup.Done()
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reconciler.config.RefreshTimeout)
		defer cancel()

		outcome, err := reconciler.RefreshSnapshot(refreshCtx, requesterID, targetID)
		if err != nil {
			reconciler.config.Metrics.Increment("reconcile.refresh.failed")
			reconciler.config.Logger.Warn("snapshot refresh failed",
				zap.String("code", "reconcile.refresh.failed"),
				zap.Int64("user_id", targetID),
				zap.Int64("requester_id", requesterID),
				zap.Error(err))
			return
		}
		reconciler.config.Metrics.Increment("reconcile.refresh." + outcome.String())
		reconciler.config.Logger.Debug("snapshot refresh finished",
			zap.String("code", "reconcile.refresh."+outcome.String()),
			zap.Int64("user_id", targetID))
	}()
}
