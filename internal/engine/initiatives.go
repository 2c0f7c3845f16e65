package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"artifactvc/internal/domain"
	"artifactvc/internal/events"
	"artifactvc/internal/metrics"
	"artifactvc/internal/registry"
	"artifactvc/internal/repo"
	"artifactvc/internal/state"
)

type InitiativeCreate struct {
	ID          string
	Name        string
	Description string
	Priority    string
	ActorID     string
}

func (e Engine) CreateInitiative(ctx context.Context, opts InitiativeCreate) (domain.Initiative, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Initiative{}, invalid("name", "is required")
	}
	if opts.ActorID == "" {
		return domain.Initiative{}, invalid("user", "is required")
	}
	id := opts.ID
	if id == "" {
		id = "INIT-" + uuid.NewString()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Initiative{}, err
	}
	defer tx.Rollback()

	now := e.now()
	it := domain.Initiative{
		ID:          id,
		Name:        opts.Name,
		Description: opts.Description,
		Status:      domain.InitiativeActive,
		Priority:    opts.Priority,
		CreatedBy:   opts.ActorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertInitiative(ctx, tx, it); err != nil {
		return domain.Initiative{}, fmt.Errorf("insert initiative: %w", err)
	}
	var out outbox
	if err := e.record(ctx, tx, &out, events.InitiativeCreated, it.ID, "initiative", it.ID, opts.ActorID, events.EventPayload{
		"name":     it.Name,
		"priority": it.Priority,
	}); err != nil {
		return domain.Initiative{}, err
	}
	if err := e.commit(ctx, tx, out); err != nil {
		return domain.Initiative{}, err
	}
	return it, nil
}

func (e Engine) GetInitiative(ctx context.Context, id string) (domain.Initiative, error) {
	it, err := e.Repo.GetInitiative(ctx, e.DB, id, false)
	if errors.Is(err, repo.ErrNotFound) {
		return it, fmt.Errorf("initiative %s: %w", id, repo.ErrNotFound)
	}
	return it, err
}

// ListInitiatives filters by status when one is given.
func (e Engine) ListInitiatives(ctx context.Context, status domain.InitiativeStatus) ([]domain.Initiative, error) {
	switch status {
	case "", domain.InitiativeActive, domain.InitiativeCompleted, domain.InitiativeCancelled:
	default:
		return nil, invalid("status", "unknown status %q", status)
	}
	return e.Repo.ListInitiatives(ctx, status)
}

// Change is one draft of an initiative with its current state.
type Change struct {
	Version domain.ArtifactVersion `json:"version"`
	State   state.State            `json:"state"`
}

// InitiativeChanges lists the initiative's drafts as seen by viewer.
func (e Engine) InitiativeChanges(ctx context.Context, id, viewer string) ([]Change, error) {
	if _, err := e.GetInitiative(ctx, id); err != nil {
		return nil, err
	}
	drafts, err := e.Repo.ListDrafts(ctx, e.DB, repo.DraftFilters{InitiativeID: id})
	if err != nil {
		return nil, err
	}
	changes := make([]Change, 0, len(drafts))
	for _, d := range drafts {
		st := state.InitiativeChanges
		report, err := e.ResolveState(ctx, StateQuery{Ref: d.Ref(), InitiativeID: id, Viewer: viewer})
		if err == nil {
			st = report.State
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		changes = append(changes, Change{Version: d, State: st})
	}
	return changes, nil
}

type ConflictedArtifact struct {
	ArtifactType      registry.Type `json:"artifact_type"`
	ArtifactID        int64         `json:"artifact_id"`
	ConflictingFields []string      `json:"conflicting_fields"`
}

type CompletionResult struct {
	InitiativeID string                   `json:"initiative_id"`
	Status       domain.InitiativeStatus  `json:"status"`
	Promoted     []domain.ArtifactVersion `json:"promoted"`
	Conflicted   []ConflictedArtifact     `json:"conflicted"`
}

// CompleteInitiative promotes every draft, each in its own transaction, so one
// conflicting artifact does not hold back the rest. The initiative is closed
// only when nothing is left to promote; otherwise it stays active and blocked.
func (e Engine) CompleteInitiative(ctx context.Context, id, actorID string) (CompletionResult, error) {
	defer metrics.Observe("complete_initiative", time.Now())
	if actorID == "" {
		return CompletionResult{}, invalid("user", "is required")
	}
	if _, err := e.requireActive(ctx, e.DB, id); err != nil {
		return CompletionResult{}, err
	}
	drafts, err := e.Repo.ListDrafts(ctx, e.DB, repo.DraftFilters{InitiativeID: id})
	if err != nil {
		return CompletionResult{}, err
	}
	res := CompletionResult{
		InitiativeID: id,
		Status:       domain.InitiativeActive,
		Promoted:     []domain.ArtifactVersion{},
		Conflicted:   []ConflictedArtifact{},
	}
	for _, d := range drafts {
		v, err := e.Promote(ctx, d.Ref(), id, actorID)
		var ce *ConflictError
		switch {
		case err == nil:
			res.Promoted = append(res.Promoted, v)
		case errors.As(err, &ce):
			res.Conflicted = append(res.Conflicted, ConflictedArtifact{
				ArtifactType:      d.ArtifactType,
				ArtifactID:        d.ArtifactID,
				ConflictingFields: ce.Fields(),
			})
		case errors.Is(err, ErrDraftNotFound):
			// discarded concurrently
		default:
			return res, fmt.Errorf("promote %s: %w", d.Ref(), err)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	if _, err := e.requireActive(ctx, tx, id); err != nil {
		return res, err
	}
	remaining, err := e.Repo.ListDrafts(ctx, tx, repo.DraftFilters{InitiativeID: id})
	if err != nil {
		return res, err
	}
	var out outbox
	if len(res.Conflicted) > 0 || len(remaining) > 0 {
		if err := e.record(ctx, tx, &out, events.InitiativeBlocked, id, "initiative", id, actorID, events.EventPayload{
			"promoted":   len(res.Promoted),
			"conflicted": res.Conflicted,
			"remaining":  len(remaining),
		}); err != nil {
			return res, err
		}
		return res, e.commit(ctx, tx, out)
	}
	if err := e.Repo.UpdateInitiativeStatus(ctx, tx, id, domain.InitiativeCompleted, e.now()); err != nil {
		return res, fmt.Errorf("complete initiative: %w", err)
	}
	released, err := e.Repo.DeleteLocksByInitiative(ctx, tx, id)
	if err != nil {
		return res, fmt.Errorf("release locks: %w", err)
	}
	if err := e.record(ctx, tx, &out, events.InitiativeCompleted, id, "initiative", id, actorID, events.EventPayload{
		"promoted":       len(res.Promoted),
		"locks_released": released,
	}); err != nil {
		return res, err
	}
	if err := e.commit(ctx, tx, out); err != nil {
		return res, err
	}
	res.Status = domain.InitiativeCompleted
	return res, nil
}

type CancelResult struct {
	Discarded     int64 `json:"discarded"`
	LocksReleased int64 `json:"locks_released"`
}

// CancelInitiative discards every draft and lock of the initiative and marks it
// cancelled, all in one transaction. Baselines are not touched.
func (e Engine) CancelInitiative(ctx context.Context, id, actorID string) (CancelResult, error) {
	defer metrics.Observe("cancel_initiative", time.Now())
	if actorID == "" {
		return CancelResult{}, invalid("user", "is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CancelResult{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetInitiative(ctx, tx, id, true)
	if errors.Is(err, repo.ErrNotFound) {
		return CancelResult{}, fmt.Errorf("initiative %s: %w", id, repo.ErrNotFound)
	}
	if err != nil {
		return CancelResult{}, err
	}
	if it.Status != domain.InitiativeActive {
		return CancelResult{}, &InitiativeNotActiveError{ID: it.ID, Status: it.Status}
	}
	var res CancelResult
	if res.Discarded, err = e.Repo.DeleteDraftsByInitiative(ctx, tx, id); err != nil {
		return CancelResult{}, fmt.Errorf("discard drafts: %w", err)
	}
	if res.LocksReleased, err = e.Repo.DeleteLocksByInitiative(ctx, tx, id); err != nil {
		return CancelResult{}, fmt.Errorf("release locks: %w", err)
	}
	if err := e.Repo.UpdateInitiativeStatus(ctx, tx, id, domain.InitiativeCancelled, e.now()); err != nil {
		return CancelResult{}, fmt.Errorf("cancel initiative: %w", err)
	}
	var out outbox
	if err := e.record(ctx, tx, &out, events.InitiativeCancelled, id, "initiative", id, actorID, events.EventPayload{
		"discarded":      res.Discarded,
		"locks_released": res.LocksReleased,
	}); err != nil {
		return CancelResult{}, err
	}
	if err := e.commit(ctx, tx, out); err != nil {
		return CancelResult{}, err
	}
	return res, nil
}

type ReapResult struct {
	Drafts int64 `json:"drafts"`
	Locks  int64 `json:"locks"`
}

// SweepClosedInitiatives removes drafts still attached to cancelled initiatives
// and locks attached to any closed one. Cancel already does this in its own
// transaction; the sweep catches writes that raced with it.
func (e Engine) SweepClosedInitiatives(ctx context.Context) (ReapResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ReapResult{}, err
	}
	defer tx.Rollback()

	var res ReapResult
	if res.Drafts, err = e.Repo.DeleteDraftsOfCancelled(ctx, tx); err != nil {
		return ReapResult{}, fmt.Errorf("reap drafts: %w", err)
	}
	if res.Locks, err = e.Repo.DeleteOrphanedLocks(ctx, tx); err != nil {
		return ReapResult{}, fmt.Errorf("reap locks: %w", err)
	}
	var out outbox
	if res.Drafts+res.Locks > 0 {
		if err := e.record(ctx, tx, &out, events.InitiativeReaped, "", "initiative", "", "system", events.EventPayload{
			"drafts": res.Drafts,
			"locks":  res.Locks,
		}); err != nil {
			return ReapResult{}, err
		}
	}
	if err := e.commit(ctx, tx, out); err != nil {
		return ReapResult{}, err
	}
	metrics.LocksSwept.WithLabelValues("orphaned").Add(float64(res.Locks))
	return res, nil
}
