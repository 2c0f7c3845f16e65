package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"artifactvc/internal/domain"
	"artifactvc/internal/metrics"
	"artifactvc/internal/registry"
	"artifactvc/internal/repo"
	"artifactvc/internal/state"
)

// StateQuery asks for the state of one artifact as seen by Viewer. With an
// InitiativeID only that initiative is considered. Pending and Decommissioning
// are flags kept by the catalog outside this engine.
type StateQuery struct {
	Ref             registry.Ref
	InitiativeID    string
	Viewer          string
	Pending         bool
	Decommissioning bool
}

type StateReport struct {
	ArtifactType      registry.Type        `json:"artifact_type"`
	ArtifactID        int64                `json:"artifact_id"`
	State             state.State          `json:"state"`
	Lock              *domain.ArtifactLock `json:"lock,omitempty"`
	LockHolderName    string               `json:"lock_holder_name,omitempty"`
	BaselineVersion   int                  `json:"baseline_version"`
	Initiatives       []string             `json:"initiatives"`
	ConflictingFields []string             `json:"conflicting_fields"`
}

// ResolveState gathers lock, draft and conflict facts in read-only queries and
// reduces them to one of the seven states.
func (e Engine) ResolveState(ctx context.Context, q StateQuery) (StateReport, error) {
	defer metrics.Observe("resolve_state", time.Now())
	if err := q.Ref.Validate(); err != nil {
		return StateReport{}, &ValidationError{Field: "artifact", Reason: err.Error()}
	}
	ref := q.Ref
	report := StateReport{
		ArtifactType:      ref.Type,
		ArtifactID:        ref.ID,
		Initiatives:       []string{},
		ConflictingFields: []string{},
	}

	locks, err := e.Repo.ListLiveLocks(ctx, e.DB, e.now(), repo.LockFilters{InitiativeID: q.InitiativeID, Ref: &ref})
	if err != nil {
		return StateReport{}, fmt.Errorf("list locks: %w", err)
	}
	var lock *domain.ArtifactLock
	for i := range locks {
		if lock == nil || (locks[i].LockedBy == q.Viewer && lock.LockedBy != q.Viewer) {
			lock = &locks[i]
		}
	}
	drafts, err := e.Repo.ListDrafts(ctx, e.DB, repo.DraftFilters{InitiativeID: q.InitiativeID, Ref: &ref, ActiveOnly: true})
	if err != nil {
		return StateReport{}, fmt.Errorf("list drafts: %w", err)
	}
	current, err := e.currentBaseline(ctx, e.DB, ref, false)
	if err != nil {
		return StateReport{}, err
	}
	if current == nil && len(drafts) == 0 && !q.Pending {
		return StateReport{}, fmt.Errorf("%s: %w", ref, repo.ErrNotFound)
	}
	if current != nil {
		report.BaselineVersion = current.VersionNumber
	}

	in := state.Input{
		Viewer:          q.Viewer,
		HasDraft:        len(drafts) > 0,
		Pending:         q.Pending,
		Decommissioning: q.Decommissioning,
	}
	if lock != nil {
		in.LockHolder = lock.LockedBy
		report.Lock = lock
		report.LockHolderName = e.displayName(ctx, lock.LockedBy)
	}
	fields := map[string]bool{}
	for _, d := range drafts {
		report.Initiatives = append(report.Initiatives, *d.InitiativeID)
		switch d.ChangeType {
		case domain.ChangeCreate:
			in.Pending = true
		case domain.ChangeDelete:
			in.Decommissioning = true
		}
		s, err := e.loadSides(ctx, e.DB, d, current)
		if err != nil {
			return StateReport{}, err
		}
		res := e.detector(ref.Type).Detect(s.base, s.draft, s.current, d.BasedOnVersion)
		if res.HasConflict {
			in.Conflicted = true
			for _, f := range res.ConflictingFields {
				fields[f] = true
			}
		}
	}
	for f := range fields {
		report.ConflictingFields = append(report.ConflictingFields, f)
	}
	sort.Strings(report.ConflictingFields)
	report.State = state.Resolve(in)
	return report, nil
}
