package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"artifactvc/internal/db"
	"artifactvc/internal/domain"
	"artifactvc/internal/registry"
)

const lockColumns = `id,artifact_type,artifact_id,initiative_id,locked_by,locked_at,lock_expiry,COALESCE(lock_reason,'')`

func scanLock(s scanner) (domain.ArtifactLock, error) {
	var (
		l                   domain.ArtifactLock
		typ, lockedAt, expy string
	)
	err := s.Scan(&l.ID, &typ, &l.ArtifactID, &l.InitiativeID, &l.LockedBy, &lockedAt, &expy, &l.LockReason)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.ArtifactType = registry.Type(typ)
	l.LockedAt = parseTime(lockedAt)
	l.LockExpiry = parseTime(expy)
	return l, nil
}

// GetLock returns the lock row for the triple, expired or not.
func (r Repo) GetLock(ctx context.Context, q Querier, ref registry.Ref, initiativeID string, lock bool) (domain.ArtifactLock, error) {
	return scanLock(q.QueryRowContext(ctx, r.q(`SELECT `+lockColumns+` FROM artifact_locks WHERE artifact_type=? AND artifact_id=? AND initiative_id=?`+r.forUpdate(lock)),
		string(ref.Type), ref.ID, initiativeID))
}

func (r Repo) GetLockByID(ctx context.Context, q Querier, id string, lock bool) (domain.ArtifactLock, error) {
	return scanLock(q.QueryRowContext(ctx, r.q(`SELECT `+lockColumns+` FROM artifact_locks WHERE id=?`+r.forUpdate(lock)), id))
}

// UpsertLock writes l unless a different holder owns an unexpired lock on the
// same triple. It reports whether the row was written; the check and the write
// are a single statement so two racing callers cannot both succeed.
func (r Repo) UpsertLock(ctx context.Context, tx *sql.Tx, l domain.ArtifactLock, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, r.q(`INSERT INTO artifact_locks(id,artifact_type,artifact_id,initiative_id,locked_by,locked_at,lock_expiry,lock_reason)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(artifact_type,artifact_id,initiative_id) DO UPDATE SET
  id=excluded.id,
  locked_by=excluded.locked_by,
  locked_at=excluded.locked_at,
  lock_expiry=excluded.lock_expiry,
  lock_reason=excluded.lock_reason
WHERE artifact_locks.lock_expiry <= ? OR artifact_locks.locked_by = excluded.locked_by`),
		l.ID, string(l.ArtifactType), l.ArtifactID, l.InitiativeID, l.LockedBy, db.FormatTime(l.LockedAt), db.FormatTime(l.LockExpiry), nullable(l.LockReason),
		db.FormatTime(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RefreshLock extends the expiry of a lock still held by holder.
func (r Repo) RefreshLock(ctx context.Context, tx *sql.Tx, id, holder string, expiry time.Time) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE artifact_locks SET lock_expiry=? WHERE id=? AND locked_by=?`), db.FormatTime(expiry), id, holder)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteLock(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, r.q(`DELETE FROM artifact_locks WHERE id=?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteLocksByInitiative(ctx context.Context, tx *sql.Tx, initiativeID string) (int64, error) {
	res, err := tx.ExecContext(ctx, r.q(`DELETE FROM artifact_locks WHERE initiative_id=?`), initiativeID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) DeleteExpiredLocks(ctx context.Context, tx *sql.Tx, now time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx, r.q(`DELETE FROM artifact_locks WHERE lock_expiry <= ?`), db.FormatTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteOrphanedLocks removes locks whose initiative is no longer active.
func (r Repo) DeleteOrphanedLocks(ctx context.Context, tx *sql.Tx) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM artifact_locks WHERE initiative_id IN (SELECT id FROM initiatives WHERE status<>'active')`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type LockFilters struct {
	InitiativeID string
	LockedBy     string
	Ref          *registry.Ref
}

// ListLiveLocks returns locks whose expiry is after now. Expired rows are invisible here
// whether or not the sweeper has run.
func (r Repo) ListLiveLocks(ctx context.Context, q Querier, now time.Time, f LockFilters) ([]domain.ArtifactLock, error) {
	query := `SELECT ` + lockColumns + ` FROM artifact_locks WHERE lock_expiry > ?`
	args := []any{db.FormatTime(now)}
	if f.InitiativeID != "" {
		query += ` AND initiative_id=?`
		args = append(args, f.InitiativeID)
	}
	if f.LockedBy != "" {
		query += ` AND locked_by=?`
		args = append(args, f.LockedBy)
	}
	if f.Ref != nil {
		query += ` AND artifact_type=? AND artifact_id=?`
		args = append(args, string(f.Ref.Type), f.Ref.ID)
	}
	query += ` ORDER BY locked_at, id`
	rows, err := q.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ArtifactLock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}
