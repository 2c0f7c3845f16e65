package repo

import (
	"context"
	"database/sql"
	"errors"

	"artifactvc/internal/db"
	"artifactvc/internal/domain"
	"artifactvc/internal/registry"
)

const (
	versionColumns        = `id,artifact_type,artifact_id,initiative_id,version_number,based_on_version,is_baseline,change_type,COALESCE(change_reason,''),changed_fields,payload,promoted_from_initiative,created_by,created_at,updated_by,updated_at`
	versionColumnsAliased = `v.id,v.artifact_type,v.artifact_id,v.initiative_id,v.version_number,v.based_on_version,v.is_baseline,v.change_type,COALESCE(v.change_reason,''),v.changed_fields,v.payload,v.promoted_from_initiative,v.created_by,v.created_at,v.updated_by,v.updated_at`
	versionInsertColumns  = `id,artifact_type,artifact_id,initiative_id,version_number,based_on_version,is_baseline,change_type,change_reason,changed_fields,payload,promoted_from_initiative,created_by,created_at,updated_by,updated_at`
)

func scanVersion(s scanner) (domain.ArtifactVersion, error) {
	var (
		v                     domain.ArtifactVersion
		typ, changed, payload string
		initiative, promoted  sql.NullString
		isBaseline            int
		createdAt, updatedAt  string
	)
	err := s.Scan(&v.ID, &typ, &v.ArtifactID, &initiative, &v.VersionNumber, &v.BasedOnVersion, &isBaseline,
		&v.ChangeType, &v.ChangeReason, &changed, &payload, &promoted, &v.CreatedBy, &createdAt, &v.UpdatedBy, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.ArtifactType = registry.Type(typ)
	if initiative.Valid {
		v.InitiativeID = &initiative.String
	}
	if promoted.Valid {
		v.PromotedFromInitiative = &promoted.String
	}
	v.IsBaseline = isBaseline == 1
	v.ChangedFields = decodeStrings(changed)
	v.Payload = []byte(payload)
	v.CreatedAt = parseTime(createdAt)
	v.UpdatedAt = parseTime(updatedAt)
	return v, nil
}

func scanVersions(rows *sql.Rows) ([]domain.ArtifactVersion, error) {
	defer rows.Close()
	var res []domain.ArtifactVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const insertVersion = `INSERT INTO artifact_versions(` + versionInsertColumns + `) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

func versionArgs(v domain.ArtifactVersion) []any {
	return []any{
		v.ID, string(v.ArtifactType), v.ArtifactID, nullableStringPtr(v.InitiativeID), v.VersionNumber, v.BasedOnVersion,
		boolInt(v.IsBaseline), string(v.ChangeType), nullable(v.ChangeReason), encodeStrings(v.ChangedFields), string(v.Payload),
		nullableStringPtr(v.PromotedFromInitiative), v.CreatedBy, db.FormatTime(v.CreatedAt), v.UpdatedBy, db.FormatTime(v.UpdatedAt),
	}
}

func (r Repo) InsertVersion(ctx context.Context, tx *sql.Tx, v domain.ArtifactVersion) error {
	_, err := tx.ExecContext(ctx, r.q(insertVersion), versionArgs(v)...)
	return err
}

// InsertDraft inserts a draft unless the initiative already has one for the
// artifact. inserted is false when a concurrent writer got there first; the
// transaction stays usable so the caller can read that draft instead.
func (r Repo) InsertDraft(ctx context.Context, tx *sql.Tx, v domain.ArtifactVersion) (inserted bool, err error) {
	res, err := tx.ExecContext(ctx, r.q(insertVersion+` ON CONFLICT (artifact_type, artifact_id, initiative_id) WHERE version_number = 0 DO NOTHING`), versionArgs(v)...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateDraft rewrites the mutable columns of a draft row. Numbered versions are never touched.
func (r Repo) UpdateDraft(ctx context.Context, tx *sql.Tx, v domain.ArtifactVersion) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE artifact_versions SET payload=?,changed_fields=?,change_reason=?,based_on_version=?,updated_by=?,updated_at=? WHERE id=? AND version_number=0`),
		string(v.Payload), encodeStrings(v.ChangedFields), nullable(v.ChangeReason), v.BasedOnVersion, v.UpdatedBy, db.FormatTime(v.UpdatedAt), v.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteDraft(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, r.q(`DELETE FROM artifact_versions WHERE id=? AND version_number=0`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteDraftsByInitiative(ctx context.Context, tx *sql.Tx, initiativeID string) (int64, error) {
	res, err := tx.ExecContext(ctx, r.q(`DELETE FROM artifact_versions WHERE initiative_id=? AND version_number=0`), initiativeID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteDraftsOfCancelled removes drafts still attached to cancelled initiatives.
func (r Repo) DeleteDraftsOfCancelled(ctx context.Context, tx *sql.Tx) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM artifact_versions WHERE version_number=0 AND initiative_id IN (SELECT id FROM initiatives WHERE status='cancelled')`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListBaselines returns every row flagged as baseline for ref. Callers treat any
// count other than one as an integrity failure.
func (r Repo) ListBaselines(ctx context.Context, q Querier, ref registry.Ref, lock bool) ([]domain.ArtifactVersion, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT `+versionColumns+` FROM artifact_versions WHERE artifact_type=? AND artifact_id=? AND is_baseline=1`+r.forUpdate(lock)),
		string(ref.Type), ref.ID)
	if err != nil {
		return nil, err
	}
	return scanVersions(rows)
}

func (r Repo) GetVersionByNumber(ctx context.Context, q Querier, ref registry.Ref, number int) (domain.ArtifactVersion, error) {
	return scanVersion(q.QueryRowContext(ctx, r.q(`SELECT `+versionColumns+` FROM artifact_versions WHERE artifact_type=? AND artifact_id=? AND version_number=?`),
		string(ref.Type), ref.ID, number))
}

func (r Repo) GetDraft(ctx context.Context, q Querier, ref registry.Ref, initiativeID string, lock bool) (domain.ArtifactVersion, error) {
	return scanVersion(q.QueryRowContext(ctx, r.q(`SELECT `+versionColumns+` FROM artifact_versions WHERE artifact_type=? AND artifact_id=? AND initiative_id=? AND version_number=0`+r.forUpdate(lock)),
		string(ref.Type), ref.ID, initiativeID))
}

// DraftFilters narrows ListDrafts; zero values match everything.
type DraftFilters struct {
	InitiativeID string
	Ref          *registry.Ref
	ActiveOnly   bool
}

func (r Repo) ListDrafts(ctx context.Context, q Querier, f DraftFilters) ([]domain.ArtifactVersion, error) {
	query := `SELECT ` + versionColumnsAliased + ` FROM artifact_versions v`
	if f.ActiveOnly {
		query += ` JOIN initiatives i ON i.id=v.initiative_id AND i.status='active'`
	}
	query += ` WHERE v.version_number=0`
	var args []any
	if f.InitiativeID != "" {
		query += ` AND v.initiative_id=?`
		args = append(args, f.InitiativeID)
	}
	if f.Ref != nil {
		query += ` AND v.artifact_type=? AND v.artifact_id=?`
		args = append(args, string(f.Ref.Type), f.Ref.ID)
	}
	query += ` ORDER BY v.artifact_type, v.artifact_id, v.created_at`
	rows, err := q.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	return scanVersions(rows)
}

// ListVersions returns the numbered history of ref, newest first.
func (r Repo) ListVersions(ctx context.Context, ref registry.Ref) ([]domain.ArtifactVersion, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+versionColumns+` FROM artifact_versions WHERE artifact_type=? AND artifact_id=? AND version_number>0 ORDER BY version_number DESC`),
		string(ref.Type), ref.ID)
	if err != nil {
		return nil, err
	}
	return scanVersions(rows)
}

func (r Repo) MaxVersionNumber(ctx context.Context, tx *sql.Tx, ref registry.Ref) (int, error) {
	var n sql.NullInt64
	err := tx.QueryRowContext(ctx, r.q(`SELECT MAX(version_number) FROM artifact_versions WHERE artifact_type=? AND artifact_id=?`),
		string(ref.Type), ref.ID).Scan(&n)
	if err != nil {
		return 0, err
	}
	return int(n.Int64), nil
}

// LockArtifact serialises baseline changes of ref until tx ends. Row locks on
// the baseline cannot do this on Postgres: a waiter re-checks is_baseline after
// the holder commits and matches nothing. SQLite writers are already serial.
func (r Repo) LockArtifact(ctx context.Context, tx *sql.Tx, ref registry.Ref) error {
	if r.Dialect != db.Postgres {
		return nil
	}
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ref.String())
	return err
}

// ClearBaseline drops the baseline flag from the current baseline of ref.
func (r Repo) ClearBaseline(ctx context.Context, tx *sql.Tx, ref registry.Ref) (int64, error) {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE artifact_versions SET is_baseline=0 WHERE artifact_type=? AND artifact_id=? AND is_baseline=1`),
		string(ref.Type), ref.ID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
