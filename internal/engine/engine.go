package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"artifactvc/internal/config"
	"artifactvc/internal/db"
	"artifactvc/internal/domain"
	"artifactvc/internal/engine/auth"
	"artifactvc/internal/events"
	"artifactvc/internal/registry"
	"artifactvc/internal/repo"
)

// Publisher receives audit events after the transaction that wrote them commits.
type Publisher interface {
	Publish(ctx context.Context, evt domain.Event) error
}

// UserDirectory resolves user ids to display names for lock conflict messages.
type UserDirectory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Auth      auth.Policy
	Publisher Publisher
	Users     UserDirectory
	Logger    *slog.Logger
	Now       func() time.Time
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn, Dialect: dialect},
		Events: events.Writer{Dialect: dialect},
		Config: cfg,
		Auth:   auth.Policy{AdminRoles: cfg.Auth.AdminRoles},
		Logger: slog.Default(),
		Now:    time.Now,
	}
}

// now is truncated to the stored precision so values returned from a call
// compare equal to the same values read back later.
func (e Engine) now() time.Time {
	t := time.Now()
	if e.Now != nil {
		t = e.Now()
	}
	return t.UTC().Truncate(time.Microsecond)
}

func (e Engine) cfg() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// outbox collects events appended inside a transaction so they can be
// published once the transaction has committed.
type outbox []domain.Event

func (e Engine) record(ctx context.Context, tx *sql.Tx, out *outbox, evtType, initiativeID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	w.Now = e.now
	evt, err := w.Append(ctx, tx, evtType, initiativeID, entityKind, entityID, actorID, payload)
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	*out = append(*out, evt)
	return nil
}

func (e Engine) commit(ctx context.Context, tx *sql.Tx, out outbox) error {
	if err := tx.Commit(); err != nil {
		return err
	}
	if e.Publisher == nil {
		return nil
	}
	for _, evt := range out {
		if err := e.Publisher.Publish(ctx, evt); err != nil {
			e.logger().Warn("event publish failed", "type", evt.Type, "event_id", evt.ID, "error", err)
		}
	}
	return nil
}

func (e Engine) displayName(ctx context.Context, userID string) string {
	if e.Users == nil {
		return userID
	}
	name, err := e.Users.DisplayName(ctx, userID)
	if err != nil || name == "" {
		return userID
	}
	return name
}

func validateTarget(ref registry.Ref, initiativeID, userID string) error {
	if err := ref.Validate(); err != nil {
		return &ValidationError{Field: "artifact", Reason: err.Error()}
	}
	if strings.TrimSpace(initiativeID) == "" {
		return invalid("initiative_id", "is required")
	}
	if strings.TrimSpace(userID) == "" {
		return invalid("user", "is required")
	}
	return nil
}

// requireActive loads the initiative and rejects anything not active.
func (e Engine) requireActive(ctx context.Context, q repo.Querier, initiativeID string) (domain.Initiative, error) {
	it, err := e.Repo.GetInitiative(ctx, q, initiativeID, false)
	if errors.Is(err, repo.ErrNotFound) {
		return it, fmt.Errorf("initiative %s: %w", initiativeID, repo.ErrNotFound)
	}
	if err != nil {
		return it, err
	}
	if it.Status != domain.InitiativeActive {
		return it, &InitiativeNotActiveError{ID: it.ID, Status: it.Status}
	}
	return it, nil
}

// currentBaseline returns nil when the artifact has never been baselined.
func (e Engine) currentBaseline(ctx context.Context, q repo.Querier, ref registry.Ref, lock bool) (*domain.ArtifactVersion, error) {
	rows, err := e.Repo.ListBaselines(ctx, q, ref, lock)
	if err != nil {
		return nil, fmt.Errorf("load baseline: %w", err)
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		return &rows[0], nil
	default:
		return nil, &DataIntegrityError{Ref: ref, Detail: fmt.Sprintf("%d rows flagged as baseline", len(rows))}
	}
}

func (e Engine) requireBaseline(ctx context.Context, q repo.Querier, ref registry.Ref, lock bool) (domain.ArtifactVersion, error) {
	b, err := e.currentBaseline(ctx, q, ref, lock)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	if b == nil {
		return domain.ArtifactVersion{}, &DataIntegrityError{Ref: ref, Detail: "no baseline", Missing: true}
	}
	return *b, nil
}

// GetBaseline returns the single production version of ref.
func (e Engine) GetBaseline(ctx context.Context, ref registry.Ref) (domain.ArtifactVersion, error) {
	if err := ref.Validate(); err != nil {
		return domain.ArtifactVersion{}, &ValidationError{Field: "artifact", Reason: err.Error()}
	}
	return e.requireBaseline(ctx, e.DB, ref, false)
}

// History lists numbered versions of ref, newest first.
func (e Engine) History(ctx context.Context, ref registry.Ref) ([]domain.ArtifactVersion, error) {
	if err := ref.Validate(); err != nil {
		return nil, &ValidationError{Field: "artifact", Reason: err.Error()}
	}
	return e.Repo.ListVersions(ctx, ref)
}

// ListEvents returns the audit log newest first.
func (e Engine) ListEvents(ctx context.Context, limit int, cursor int64, f repo.EventFilters) ([]domain.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return e.Repo.LatestEvents(ctx, limit, cursor, f)
}
