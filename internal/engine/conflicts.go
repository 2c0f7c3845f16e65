package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"artifactvc/internal/conflict"
	"artifactvc/internal/domain"
	"artifactvc/internal/events"
	"artifactvc/internal/metrics"
	"artifactvc/internal/registry"
	"artifactvc/internal/repo"
)

// fieldPolicy classifies conflicting fields of one artifact type from config.
type fieldPolicy struct {
	e   Engine
	typ registry.Type
}

func (p fieldPolicy) Severity(field string) string {
	return p.e.cfg().Severity(p.typ, field)
}

func (p fieldPolicy) AutoResolvable(field string) bool {
	if i := strings.LastIndex(field, "."); i >= 0 {
		field = field[i+1:]
	}
	return p.e.cfg().AutoResolvable(field)
}

func (e Engine) detector(typ registry.Type) conflict.Detector {
	return conflict.Detector{Classifier: fieldPolicy{e: e, typ: typ}}
}

type sides struct {
	base, draft, current conflict.Snapshot
}

// loadSides decodes the three payloads of a comparison. current may be nil for
// a brand new artifact, in which case it is the empty version 0.
func (e Engine) loadSides(ctx context.Context, q repo.Querier, draft domain.ArtifactVersion, current *domain.ArtifactVersion) (sides, error) {
	var s sides
	var err error
	ref := draft.Ref()
	if s.draft.Payload, err = draft.Object(); err != nil {
		return s, fmt.Errorf("decode draft: %w", err)
	}
	s.draft.Number = draft.BasedOnVersion
	s.base = conflict.Snapshot{Payload: map[string]any{}}
	if draft.BasedOnVersion > 0 {
		base, err := e.versionByNumber(ctx, q, ref, draft.BasedOnVersion)
		if err != nil {
			return s, err
		}
		s.base.Number = base.VersionNumber
		if s.base.Payload, err = base.Object(); err != nil {
			return s, fmt.Errorf("decode v%d: %w", base.VersionNumber, err)
		}
	}
	s.current = conflict.Snapshot{Payload: map[string]any{}}
	if current != nil {
		s.current.Number = current.VersionNumber
		if s.current.Payload, err = current.Object(); err != nil {
			return s, fmt.Errorf("decode v%d: %w", current.VersionNumber, err)
		}
	}
	return s, nil
}

func (e Engine) detectTx(ctx context.Context, q repo.Querier, draft domain.ArtifactVersion) (conflict.Result, error) {
	current, err := e.currentBaseline(ctx, q, draft.Ref(), false)
	if err != nil {
		return conflict.Result{}, err
	}
	s, err := e.loadSides(ctx, q, draft, current)
	if err != nil {
		return conflict.Result{}, err
	}
	return e.detector(draft.ArtifactType).Detect(s.base, s.draft, s.current, draft.BasedOnVersion), nil
}

// DetectConflicts compares the initiative's draft with the current baseline
// without changing anything.
func (e Engine) DetectConflicts(ctx context.Context, ref registry.Ref, initiativeID string) (conflict.Result, error) {
	defer metrics.Observe("detect_conflicts", time.Now())
	if err := ref.Validate(); err != nil {
		return conflict.Result{}, &ValidationError{Field: "artifact", Reason: err.Error()}
	}
	draft, err := e.Repo.GetDraft(ctx, e.DB, ref, initiativeID, false)
	if errors.Is(err, repo.ErrNotFound) {
		return conflict.Result{}, ErrDraftNotFound
	}
	if err != nil {
		return conflict.Result{}, err
	}
	return e.detectTx(ctx, e.DB, draft)
}

// Resolution strategies accepted by ResolveConflict.
const (
	KeepInitiative = "keep_initiative"
	AcceptBaseline = "accept_baseline"
)

type ResolveRequest struct {
	Ref          registry.Ref
	InitiativeID string
	UserID       string
	Strategy     string
}

// ResolveConflict rebases the draft onto the current baseline. Fields changed
// on only one side merge; overlapping fields take the side named by the strategy.
func (e Engine) ResolveConflict(ctx context.Context, req ResolveRequest) (domain.ArtifactVersion, error) {
	defer metrics.Observe("resolve_conflict", time.Now())
	if err := validateTarget(req.Ref, req.InitiativeID, req.UserID); err != nil {
		return domain.ArtifactVersion{}, err
	}
	var prefer conflict.Prefer
	switch req.Strategy {
	case KeepInitiative:
		prefer = conflict.PreferDraft
	case AcceptBaseline:
		prefer = conflict.PreferCurrent
	default:
		return domain.ArtifactVersion{}, invalid("strategy", "must be %s or %s", KeepInitiative, AcceptBaseline)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	defer tx.Rollback()

	if _, err := e.requireActive(ctx, tx, req.InitiativeID); err != nil {
		return domain.ArtifactVersion{}, err
	}
	if _, _, err := e.ownLiveLock(ctx, tx, req.Ref, req.InitiativeID, req.UserID); err != nil {
		return domain.ArtifactVersion{}, err
	}
	draft, err := e.Repo.GetDraft(ctx, tx, req.Ref, req.InitiativeID, true)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ArtifactVersion{}, ErrDraftNotFound
	}
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	current, err := e.requireBaseline(ctx, tx, req.Ref, false)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	if draft.BasedOnVersion == current.VersionNumber {
		return draft, nil
	}
	s, err := e.loadSides(ctx, tx, draft, &current)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	res := e.detector(req.Ref.Type).Detect(s.base, s.draft, s.current, draft.BasedOnVersion)
	merged := conflict.Merge(s.base.Payload, s.draft.Payload, s.current.Payload, prefer)
	raw, err := encodeObject(merged)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	draft.Payload = raw
	draft.BasedOnVersion = current.VersionNumber
	draft.ChangedFields = conflict.ChangedFields(s.current.Payload, merged)
	draft.UpdatedBy = req.UserID
	draft.UpdatedAt = e.now()
	if err := e.Repo.UpdateDraft(ctx, tx, draft); err != nil {
		return domain.ArtifactVersion{}, fmt.Errorf("update draft: %w", err)
	}
	var out outbox
	if err := e.record(ctx, tx, &out, events.DraftRebased, req.InitiativeID, "version", draft.ID, req.UserID, events.EventPayload{
		"artifact":           req.Ref.String(),
		"strategy":           req.Strategy,
		"based_on_version":   current.VersionNumber,
		"conflicting_fields": res.ConflictingFields,
	}); err != nil {
		return domain.ArtifactVersion{}, err
	}
	if err := e.commit(ctx, tx, out); err != nil {
		return domain.ArtifactVersion{}, err
	}
	return draft, nil
}
