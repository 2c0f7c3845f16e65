package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"artifactvc/internal/db"
	"artifactvc/internal/domain"
)

const initiativeColumns = `id,name,COALESCE(description,''),status,COALESCE(priority,''),created_by,created_at,updated_at,completed_at`

func scanInitiative(s scanner) (domain.Initiative, error) {
	var (
		it                   domain.Initiative
		createdAt, updatedAt string
		completedAt          sql.NullString
	)
	err := s.Scan(&it.ID, &it.Name, &it.Description, &it.Status, &it.Priority, &it.CreatedBy, &createdAt, &updatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.CreatedAt = parseTime(createdAt)
	it.UpdatedAt = parseTime(updatedAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		it.CompletedAt = &t
	}
	return it, nil
}

func (r Repo) InsertInitiative(ctx context.Context, tx *sql.Tx, it domain.Initiative) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO initiatives(id,name,description,status,priority,created_by,created_at,updated_at,completed_at) VALUES (?,?,?,?,?,?,?,?,?)`),
		it.ID, it.Name, nullable(it.Description), string(it.Status), nullable(it.Priority), it.CreatedBy,
		db.FormatTime(it.CreatedAt), db.FormatTime(it.UpdatedAt), nullableTime(it.CompletedAt))
	return err
}

func (r Repo) GetInitiative(ctx context.Context, q Querier, id string, lock bool) (domain.Initiative, error) {
	return scanInitiative(q.QueryRowContext(ctx, r.q(`SELECT `+initiativeColumns+` FROM initiatives WHERE id=?`+r.forUpdate(lock)), id))
}

func (r Repo) ListInitiatives(ctx context.Context, status domain.InitiativeStatus) ([]domain.Initiative, error) {
	query := `SELECT ` + initiativeColumns + ` FROM initiatives`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Initiative
	for rows.Next() {
		it, err := scanInitiative(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) UpdateInitiativeStatus(ctx context.Context, tx *sql.Tx, id string, status domain.InitiativeStatus, at time.Time) error {
	var completed *time.Time
	if status != domain.InitiativeActive {
		completed = &at
	}
	res, err := tx.ExecContext(ctx, r.q(`UPDATE initiatives SET status=?, updated_at=?, completed_at=? WHERE id=?`),
		string(status), db.FormatTime(at), nullableTime(completed), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
