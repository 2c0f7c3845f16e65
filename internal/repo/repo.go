package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"artifactvc/internal/db"
	"artifactvc/internal/domain"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var ErrNotFound = errors.New("not found")

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (r Repo) q(query string) string {
	return r.Dialect.Rebind(query)
}

func (r Repo) forUpdate(lock bool) string {
	if !lock {
		return ""
	}
	return r.Dialect.ForUpdate()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return db.FormatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := db.ParseTime(s)
	return t
}

func encodeStrings(items []string) string {
	if items == nil {
		items = []string{}
	}
	b, _ := json.Marshal(items)
	return string(b)
}

func decodeStrings(raw string) []string {
	out := []string{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

// LatestEvents returns events newest first. A cursor > 0 returns events older than it.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, f EventFilters) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(initiative_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE 1=1`
	var args []any
	if cursor > 0 {
		query += ` AND id < ?`
		args = append(args, cursor)
	}
	if f.InitiativeID != "" {
		query += ` AND initiative_id=?`
		args = append(args, f.InitiativeID)
	}
	if f.Type != "" {
		query += ` AND type=?`
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		query += ` AND entity_kind=?`
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		query += ` AND entity_id=?`
		args = append(args, f.EntityID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var evt domain.Event
		var ts string
		if err := rows.Scan(&evt.ID, &ts, &evt.Type, &evt.InitiativeID, &evt.EntityKind, &evt.EntityID, &evt.ActorID, &evt.PayloadJSON); err != nil {
			return nil, err
		}
		evt.TS = parseTime(ts)
		res = append(res, evt)
	}
	return res, rows.Err()
}

type EventFilters struct {
	InitiativeID string
	Type         string
	EntityKind   string
	EntityID     string
}
