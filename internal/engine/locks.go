package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"artifactvc/internal/domain"
	"artifactvc/internal/engine/auth"
	"artifactvc/internal/events"
	"artifactvc/internal/metrics"
	"artifactvc/internal/registry"
	"artifactvc/internal/repo"
)

// LockRequest names the (artifact, initiative) pair a user wants to write.
type LockRequest struct {
	Ref          registry.Ref
	InitiativeID string
	UserID       string
	TTL          time.Duration
	Reason       string
}

// AcquireLock takes or refreshes the lock on the triple. A caller who already
// holds it keeps the same lock id with a new expiry.
func (e Engine) AcquireLock(ctx context.Context, req LockRequest) (domain.ArtifactLock, error) {
	defer metrics.Observe("acquire_lock", time.Now())
	if err := validateTarget(req.Ref, req.InitiativeID, req.UserID); err != nil {
		return domain.ArtifactLock{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ArtifactLock{}, err
	}
	defer tx.Rollback()

	if _, err := e.requireActive(ctx, tx, req.InitiativeID); err != nil {
		return domain.ArtifactLock{}, err
	}
	var out outbox
	l, _, err := e.acquireLockTx(ctx, tx, &out, req)
	if err != nil {
		return domain.ArtifactLock{}, err
	}
	if err := e.commit(ctx, tx, out); err != nil {
		return domain.ArtifactLock{}, err
	}
	return l, nil
}

// acquireLockTx reports whether the caller already held a live lock before the call.
func (e Engine) acquireLockTx(ctx context.Context, tx *sql.Tx, out *outbox, req LockRequest) (domain.ArtifactLock, bool, error) {
	now := e.now()
	expiry := now.Add(e.cfg().LockTTL(req.TTL))

	existing, err := e.Repo.GetLock(ctx, tx, req.Ref, req.InitiativeID, true)
	found := err == nil
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		metrics.LockAcquisitions.WithLabelValues("error").Inc()
		return domain.ArtifactLock{}, false, fmt.Errorf("load lock: %w", err)
	}
	live := found && !existing.Expired(now)
	if live && existing.LockedBy != req.UserID {
		metrics.LockAcquisitions.WithLabelValues("conflict").Inc()
		return domain.ArtifactLock{}, false, e.lockConflict(ctx, existing)
	}
	held := live

	l := domain.ArtifactLock{
		ID:           uuid.NewString(),
		ArtifactType: req.Ref.Type,
		ArtifactID:   req.Ref.ID,
		InitiativeID: req.InitiativeID,
		LockedBy:     req.UserID,
		LockedAt:     now,
		LockExpiry:   expiry,
		LockReason:   req.Reason,
	}
	if held {
		l.ID = existing.ID
		l.LockedAt = existing.LockedAt
		if l.LockReason == "" {
			l.LockReason = existing.LockReason
		}
	}
	ok, err := e.Repo.UpsertLock(ctx, tx, l, now)
	if err != nil {
		metrics.LockAcquisitions.WithLabelValues("error").Inc()
		return domain.ArtifactLock{}, false, fmt.Errorf("write lock: %w", err)
	}
	if !ok {
		// Another holder committed between our read and the upsert.
		metrics.LockAcquisitions.WithLabelValues("conflict").Inc()
		winner, err := e.Repo.GetLock(ctx, tx, req.Ref, req.InitiativeID, false)
		if err != nil {
			return domain.ArtifactLock{}, false, fmt.Errorf("load lock: %w", err)
		}
		return domain.ArtifactLock{}, false, e.lockConflict(ctx, winner)
	}

	evtType, outcome := events.LockAcquired, "acquired"
	if held {
		evtType, outcome = events.LockRefreshed, "refreshed"
	}
	if err := e.record(ctx, tx, out, evtType, l.InitiativeID, "lock", l.ID, req.UserID, events.EventPayload{
		"artifact":    l.Ref().String(),
		"lock_expiry": l.LockExpiry,
		"reason":      l.LockReason,
	}); err != nil {
		return domain.ArtifactLock{}, false, err
	}
	metrics.LockAcquisitions.WithLabelValues(outcome).Inc()
	return l, held, nil
}

func (e Engine) lockConflict(ctx context.Context, l domain.ArtifactLock) error {
	return &LockConflictError{Lock: l, HolderName: e.displayName(ctx, l.LockedBy)}
}

// ownLiveLock returns the caller's live lock on the triple. found is false when
// no live lock exists; another user's live lock is a NotOwnerError.
func (e Engine) ownLiveLock(ctx context.Context, tx *sql.Tx, ref registry.Ref, initiativeID, userID string) (domain.ArtifactLock, bool, error) {
	l, err := e.Repo.GetLock(ctx, tx, ref, initiativeID, true)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ArtifactLock{}, false, nil
	}
	if err != nil {
		return domain.ArtifactLock{}, false, fmt.Errorf("load lock: %w", err)
	}
	if l.Expired(e.now()) {
		return domain.ArtifactLock{}, false, nil
	}
	if l.LockedBy != userID {
		return domain.ArtifactLock{}, false, &NotOwnerError{Ref: ref, InitiativeID: initiativeID, UserID: userID, Lock: l}
	}
	return l, true, nil
}

// ReleaseLock drops the caller's lock. Releasing an absent or expired lock is a no-op.
func (e Engine) ReleaseLock(ctx context.Context, ref registry.Ref, initiativeID, userID string) error {
	defer metrics.Observe("release_lock", time.Now())
	if err := validateTarget(ref, initiativeID, userID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	l, found, err := e.ownLiveLock(ctx, tx, ref, initiativeID, userID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	var out outbox
	if err := e.releaseTx(ctx, tx, &out, l, userID); err != nil {
		return err
	}
	return e.commit(ctx, tx, out)
}

func (e Engine) releaseTx(ctx context.Context, tx *sql.Tx, out *outbox, l domain.ArtifactLock, actorID string) error {
	if err := e.Repo.DeleteLock(ctx, tx, l.ID); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("delete lock: %w", err)
	}
	return e.record(ctx, tx, out, events.LockReleased, l.InitiativeID, "lock", l.ID, actorID, events.EventPayload{
		"artifact": l.Ref().String(),
	})
}

// AdminOverrideLock force-releases any lock, live or expired, and audits the override.
func (e Engine) AdminOverrideLock(ctx context.Context, lockID string, admin auth.Actor, reason string) (domain.ArtifactLock, error) {
	defer metrics.Observe("override_lock", time.Now())
	if err := e.Auth.Require(admin, auth.PermLockOverride); err != nil {
		return domain.ArtifactLock{}, err
	}
	if lockID == "" {
		return domain.ArtifactLock{}, invalid("lock_id", "is required")
	}
	if reason == "" {
		return domain.ArtifactLock{}, invalid("reason", "is required for an override")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ArtifactLock{}, err
	}
	defer tx.Rollback()

	l, err := e.Repo.GetLockByID(ctx, tx, lockID, true)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ArtifactLock{}, fmt.Errorf("lock %s: %w", lockID, repo.ErrNotFound)
	}
	if err != nil {
		return domain.ArtifactLock{}, err
	}
	if err := e.Repo.DeleteLock(ctx, tx, l.ID); err != nil {
		return domain.ArtifactLock{}, fmt.Errorf("delete lock: %w", err)
	}
	var out outbox
	if err := e.record(ctx, tx, &out, events.LockOverridden, l.InitiativeID, "lock", l.ID, admin.ID, events.EventPayload{
		"artifact":    l.Ref().String(),
		"holder":      l.LockedBy,
		"lock_expiry": l.LockExpiry,
		"reason":      reason,
	}); err != nil {
		return domain.ArtifactLock{}, err
	}
	if err := e.commit(ctx, tx, out); err != nil {
		return domain.ArtifactLock{}, err
	}
	metrics.LockOverrides.Inc()
	e.logger().Warn("lock overridden",
		"lock_id", l.ID, "artifact", l.Ref().String(), "initiative_id", l.InitiativeID,
		"holder", l.LockedBy, "admin", admin.ID, "reason", reason)
	return l, nil
}

type SweepResult struct {
	Expired  int64 `json:"expired"`
	Orphaned int64 `json:"orphaned"`
}

// SweepExpiredLocks deletes expired locks and locks whose initiative is closed.
// Readers already ignore both, so the sweep only reclaims rows.
func (e Engine) SweepExpiredLocks(ctx context.Context, actorID string) (SweepResult, error) {
	defer metrics.Observe("sweep_locks", time.Now())
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SweepResult{}, err
	}
	defer tx.Rollback()

	var res SweepResult
	if res.Expired, err = e.Repo.DeleteExpiredLocks(ctx, tx, e.now()); err != nil {
		return SweepResult{}, fmt.Errorf("delete expired locks: %w", err)
	}
	if res.Orphaned, err = e.Repo.DeleteOrphanedLocks(ctx, tx); err != nil {
		return SweepResult{}, fmt.Errorf("delete orphaned locks: %w", err)
	}
	var out outbox
	if res.Expired+res.Orphaned > 0 {
		if actorID == "" {
			actorID = "system"
		}
		if err := e.record(ctx, tx, &out, events.LocksSwept, "", "lock", "", actorID, events.EventPayload{
			"expired":  res.Expired,
			"orphaned": res.Orphaned,
		}); err != nil {
			return SweepResult{}, err
		}
	}
	if err := e.commit(ctx, tx, out); err != nil {
		return SweepResult{}, err
	}
	metrics.LocksSwept.WithLabelValues("expired").Add(float64(res.Expired))
	metrics.LocksSwept.WithLabelValues("orphaned").Add(float64(res.Orphaned))
	return res, nil
}

// ListActiveLocks returns unexpired locks only.
func (e Engine) ListActiveLocks(ctx context.Context, f repo.LockFilters) ([]domain.ArtifactLock, error) {
	return e.Repo.ListLiveLocks(ctx, e.DB, e.now(), f)
}
