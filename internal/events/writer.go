// Package events appends audit records in the same transaction as the change they describe.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"artifactvc/internal/db"
	"artifactvc/internal/domain"
)

const (
	LockAcquired        = "lock.acquired"
	LockRefreshed       = "lock.refreshed"
	LockReleased        = "lock.released"
	LockOverridden      = "lock.overridden"
	LocksSwept          = "lock.swept"
	DraftCreated        = "draft.created"
	DraftUpdated        = "draft.updated"
	DraftCheckedIn      = "draft.checked_in"
	DraftDiscarded      = "draft.discarded"
	DraftRebased        = "draft.rebased"
	BaselineRegistered  = "version.baseline_registered"
	VersionPromoted     = "version.promoted"
	InitiativeCreated   = "initiative.created"
	InitiativeCompleted = "initiative.completed"
	InitiativeBlocked   = "initiative.blocked"
	InitiativeCancelled = "initiative.cancelled"
	InitiativeReaped    = "initiative.reaped"
)

type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Append records an event inside tx and returns it for post-commit fan-out.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, initiativeID, entityKind, entityID, actorID string, payload EventPayload) (domain.Event, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC()
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	evt := domain.Event{
		TS:           ts,
		Type:         evtType,
		InitiativeID: initiativeID,
		EntityKind:   entityKind,
		EntityID:     entityID,
		ActorID:      actorID,
		PayloadJSON:  string(data),
	}
	q := `INSERT INTO events(ts,type,initiative_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`
	args := []any{db.FormatTime(ts), evtType, nullable(initiativeID), entityKind, nullable(entityID), actorID, string(data)}
	if w.Dialect == db.Postgres {
		err = tx.QueryRowContext(ctx, w.Dialect.Rebind(q+` RETURNING id`), args...).Scan(&evt.ID)
		return evt, err
	}
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return evt, err
	}
	evt.ID, _ = res.LastInsertId()
	return evt, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
