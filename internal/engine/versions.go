package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"artifactvc/internal/conflict"
	"artifactvc/internal/domain"
	"artifactvc/internal/events"
	"artifactvc/internal/metrics"
	"artifactvc/internal/registry"
	"artifactvc/internal/repo"
)

// decodeObject accepts only JSON objects; artifacts are compared field by field.
func decodeObject(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, invalid("payload", "must be a JSON object")
	}
	return obj, nil
}

func encodeObject(obj map[string]any) (json.RawMessage, error) {
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

func (e Engine) versionByNumber(ctx context.Context, q repo.Querier, ref registry.Ref, n int) (domain.ArtifactVersion, error) {
	v, err := e.Repo.GetVersionByNumber(ctx, q, ref, n)
	if errors.Is(err, repo.ErrNotFound) {
		return v, &DataIntegrityError{Ref: ref, Detail: fmt.Sprintf("version %d is referenced but missing", n)}
	}
	return v, err
}

// changedAgainst recomputes the changed field list of a draft payload against
// the version it is based on. A create draft is compared with the empty object.
func (e Engine) changedAgainst(ctx context.Context, q repo.Querier, ref registry.Ref, basedOn int, payload map[string]any) ([]string, error) {
	before := map[string]any{}
	if basedOn > 0 {
		base, err := e.versionByNumber(ctx, q, ref, basedOn)
		if err != nil {
			return nil, err
		}
		if before, err = base.Object(); err != nil {
			return nil, fmt.Errorf("decode v%d: %w", basedOn, err)
		}
	}
	return conflict.ChangedFields(before, payload), nil
}

// RegisterBaseline seeds version 1 for an artifact that already exists in production.
func (e Engine) RegisterBaseline(ctx context.Context, ref registry.Ref, payload json.RawMessage, userID string) (domain.ArtifactVersion, error) {
	defer metrics.Observe("register_baseline", time.Now())
	if err := ref.Validate(); err != nil {
		return domain.ArtifactVersion{}, &ValidationError{Field: "artifact", Reason: err.Error()}
	}
	if userID == "" {
		return domain.ArtifactVersion{}, invalid("user", "is required")
	}
	obj, err := decodeObject(payload)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	defer tx.Rollback()

	if n, err := e.Repo.MaxVersionNumber(ctx, tx, ref); err != nil {
		return domain.ArtifactVersion{}, err
	} else if n > 0 {
		return domain.ArtifactVersion{}, fmt.Errorf("%s: %w", ref, ErrBaselineExists)
	}
	raw, err := encodeObject(obj)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	now := e.now()
	v := domain.ArtifactVersion{
		ID:            uuid.NewString(),
		ArtifactType:  ref.Type,
		ArtifactID:    ref.ID,
		VersionNumber: 1,
		IsBaseline:    true,
		ChangeType:    domain.ChangeCreate,
		ChangeReason:  "registered from production",
		ChangedFields: conflict.ChangedFields(map[string]any{}, obj),
		Payload:       raw,
		CreatedBy:     userID,
		CreatedAt:     now,
		UpdatedBy:     userID,
		UpdatedAt:     now,
	}
	if err := e.Repo.InsertVersion(ctx, tx, v); err != nil {
		return domain.ArtifactVersion{}, fmt.Errorf("insert baseline: %w", err)
	}
	var out outbox
	if err := e.record(ctx, tx, &out, events.BaselineRegistered, "", "version", v.ID, userID, events.EventPayload{
		"artifact":       ref.String(),
		"version_number": v.VersionNumber,
	}); err != nil {
		return domain.ArtifactVersion{}, err
	}
	if err := e.commit(ctx, tx, out); err != nil {
		return domain.ArtifactVersion{}, err
	}
	return v, nil
}

type CheckoutRequest struct {
	Ref          registry.Ref
	InitiativeID string
	UserID       string
	TTL          time.Duration
}

type CheckoutResult struct {
	Lock  domain.ArtifactLock    `json:"lock"`
	Draft domain.ArtifactVersion `json:"draft_version"`
}

// Checkout locks the artifact for the initiative and copies the baseline into
// a draft, in one transaction. Repeating the call while holding the lock
// returns the same lock and draft.
func (e Engine) Checkout(ctx context.Context, req CheckoutRequest) (CheckoutResult, error) {
	defer metrics.Observe("checkout", time.Now())
	if err := validateTarget(req.Ref, req.InitiativeID, req.UserID); err != nil {
		return CheckoutResult{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CheckoutResult{}, err
	}
	defer tx.Rollback()

	if _, err := e.requireActive(ctx, tx, req.InitiativeID); err != nil {
		return CheckoutResult{}, err
	}
	draft, err := e.Repo.GetDraft(ctx, tx, req.Ref, req.InitiativeID, true)
	hasDraft := err == nil
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return CheckoutResult{}, fmt.Errorf("load draft: %w", err)
	}
	var out outbox
	lock, held, err := e.acquireLockTx(ctx, tx, &out, LockRequest{
		Ref:          req.Ref,
		InitiativeID: req.InitiativeID,
		UserID:       req.UserID,
		TTL:          req.TTL,
		Reason:       "checkout",
	})
	if err != nil {
		return CheckoutResult{}, err
	}
	if hasDraft {
		if !held {
			return CheckoutResult{}, &AlreadyCheckedOutError{Ref: req.Ref, InitiativeID: req.InitiativeID}
		}
		if err := e.commit(ctx, tx, out); err != nil {
			return CheckoutResult{}, err
		}
		return CheckoutResult{Lock: lock, Draft: draft}, nil
	}

	baseline, err := e.requireBaseline(ctx, tx, req.Ref, false)
	if err != nil {
		return CheckoutResult{}, err
	}
	if baseline.ChangeType == domain.ChangeDelete {
		return CheckoutResult{}, invalid("artifact", "%s is decommissioned", req.Ref)
	}
	now := e.now()
	initiativeID := req.InitiativeID
	draft = domain.ArtifactVersion{
		ID:             uuid.NewString(),
		ArtifactType:   req.Ref.Type,
		ArtifactID:     req.Ref.ID,
		InitiativeID:   &initiativeID,
		BasedOnVersion: baseline.VersionNumber,
		ChangeType:     domain.ChangeUpdate,
		ChangedFields:  []string{},
		Payload:        baseline.Payload,
		CreatedBy:      req.UserID,
		CreatedAt:      now,
		UpdatedBy:      req.UserID,
		UpdatedAt:      now,
	}
	inserted, err := e.Repo.InsertDraft(ctx, tx, draft)
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("insert draft: %w", err)
	}
	if !inserted {
		// a concurrent checkout by the same holder created it
		if draft, err = e.Repo.GetDraft(ctx, tx, req.Ref, req.InitiativeID, true); err != nil {
			return CheckoutResult{}, fmt.Errorf("load draft: %w", err)
		}
		if err := e.commit(ctx, tx, out); err != nil {
			return CheckoutResult{}, err
		}
		return CheckoutResult{Lock: lock, Draft: draft}, nil
	}
	if err := e.record(ctx, tx, &out, events.DraftCreated, req.InitiativeID, "version", draft.ID, req.UserID, events.EventPayload{
		"artifact":         req.Ref.String(),
		"change_type":      draft.ChangeType,
		"based_on_version": draft.BasedOnVersion,
	}); err != nil {
		return CheckoutResult{}, err
	}
	if err := e.commit(ctx, tx, out); err != nil {
		return CheckoutResult{}, err
	}
	return CheckoutResult{Lock: lock, Draft: draft}, nil
}

// GetDraft returns the draft of ref in the initiative.
func (e Engine) GetDraft(ctx context.Context, ref registry.Ref, initiativeID string) (domain.ArtifactVersion, error) {
	v, err := e.Repo.GetDraft(ctx, e.DB, ref, initiativeID, false)
	if errors.Is(err, repo.ErrNotFound) {
		return v, ErrDraftNotFound
	}
	return v, err
}

type DraftUpdate struct {
	Ref          registry.Ref
	InitiativeID string
	UserID       string
	Payload      json.RawMessage
	Reason       string
}

// UpdateDraft overwrites the draft payload. The caller must hold a live lock,
// whose expiry is pushed out by the default TTL.
func (e Engine) UpdateDraft(ctx context.Context, upd DraftUpdate) (domain.ArtifactVersion, error) {
	defer metrics.Observe("update_draft", time.Now())
	if err := validateTarget(upd.Ref, upd.InitiativeID, upd.UserID); err != nil {
		return domain.ArtifactVersion{}, err
	}
	obj, err := decodeObject(upd.Payload)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	defer tx.Rollback()

	if _, err := e.requireActive(ctx, tx, upd.InitiativeID); err != nil {
		return domain.ArtifactVersion{}, err
	}
	l, found, err := e.ownLiveLock(ctx, tx, upd.Ref, upd.InitiativeID, upd.UserID)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	if !found {
		return domain.ArtifactVersion{}, &NotOwnerError{Ref: upd.Ref, InitiativeID: upd.InitiativeID, UserID: upd.UserID}
	}
	draft, err := e.Repo.GetDraft(ctx, tx, upd.Ref, upd.InitiativeID, true)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ArtifactVersion{}, ErrDraftNotFound
	}
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	if draft.ChangeType == domain.ChangeDelete {
		return domain.ArtifactVersion{}, invalid("payload", "a decommission draft cannot be edited")
	}
	var out outbox
	if err := e.writeDraftTx(ctx, tx, &out, &draft, obj, upd.Reason, upd.UserID); err != nil {
		return domain.ArtifactVersion{}, err
	}
	if err := e.Repo.RefreshLock(ctx, tx, l.ID, upd.UserID, e.now().Add(e.cfg().LockTTL(0))); err != nil {
		return domain.ArtifactVersion{}, fmt.Errorf("refresh lock: %w", err)
	}
	if err := e.commit(ctx, tx, out); err != nil {
		return domain.ArtifactVersion{}, err
	}
	return draft, nil
}

func (e Engine) writeDraftTx(ctx context.Context, tx *sql.Tx, out *outbox, draft *domain.ArtifactVersion, obj map[string]any, reason, userID string) error {
	raw, err := encodeObject(obj)
	if err != nil {
		return err
	}
	changed, err := e.changedAgainst(ctx, tx, draft.Ref(), draft.BasedOnVersion, obj)
	if err != nil {
		return err
	}
	draft.Payload = raw
	draft.ChangedFields = changed
	if reason != "" {
		draft.ChangeReason = reason
	}
	draft.UpdatedBy = userID
	draft.UpdatedAt = e.now()
	if err := e.Repo.UpdateDraft(ctx, tx, *draft); err != nil {
		return fmt.Errorf("update draft: %w", err)
	}
	return e.record(ctx, tx, out, events.DraftUpdated, *draft.InitiativeID, "version", draft.ID, userID, events.EventPayload{
		"artifact":       draft.Ref().String(),
		"changed_fields": changed,
	})
}

type CheckinRequest struct {
	Ref          registry.Ref
	InitiativeID string
	UserID       string
	Payload      json.RawMessage
	Reason       string
}

type CheckinResult struct {
	Draft    domain.ArtifactVersion `json:"version"`
	Conflict conflict.Result        `json:"conflict"`
}

// Checkin applies an optional final payload and releases the lock. The draft
// stays with the initiative until it is promoted or discarded. Without a live
// lock only the draft's author may check it in again.
func (e Engine) Checkin(ctx context.Context, req CheckinRequest) (CheckinResult, error) {
	defer metrics.Observe("checkin", time.Now())
	if err := validateTarget(req.Ref, req.InitiativeID, req.UserID); err != nil {
		return CheckinResult{}, err
	}
	var obj map[string]any
	if len(req.Payload) > 0 {
		var err error
		if obj, err = decodeObject(req.Payload); err != nil {
			return CheckinResult{}, err
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CheckinResult{}, err
	}
	defer tx.Rollback()

	if _, err := e.requireActive(ctx, tx, req.InitiativeID); err != nil {
		return CheckinResult{}, err
	}
	l, found, err := e.ownLiveLock(ctx, tx, req.Ref, req.InitiativeID, req.UserID)
	if err != nil {
		return CheckinResult{}, err
	}
	draft, err := e.Repo.GetDraft(ctx, tx, req.Ref, req.InitiativeID, true)
	if errors.Is(err, repo.ErrNotFound) {
		return CheckinResult{}, ErrDraftNotFound
	}
	if err != nil {
		return CheckinResult{}, err
	}
	if !found && req.UserID != draft.UpdatedBy && req.UserID != draft.CreatedBy {
		return CheckinResult{}, &NotOwnerError{Ref: req.Ref, InitiativeID: req.InitiativeID, UserID: req.UserID}
	}
	var out outbox
	if obj != nil {
		if !found {
			return CheckinResult{}, &NotOwnerError{Ref: req.Ref, InitiativeID: req.InitiativeID, UserID: req.UserID}
		}
		if draft.ChangeType == domain.ChangeDelete {
			return CheckinResult{}, invalid("payload", "a decommission draft cannot be edited")
		}
		if err := e.writeDraftTx(ctx, tx, &out, &draft, obj, req.Reason, req.UserID); err != nil {
			return CheckinResult{}, err
		}
	}
	if found {
		if err := e.releaseTx(ctx, tx, &out, l, req.UserID); err != nil {
			return CheckinResult{}, err
		}
	}
	if err := e.record(ctx, tx, &out, events.DraftCheckedIn, req.InitiativeID, "version", draft.ID, req.UserID, events.EventPayload{
		"artifact":       req.Ref.String(),
		"changed_fields": draft.ChangedFields,
	}); err != nil {
		return CheckinResult{}, err
	}
	res, err := e.detectTx(ctx, tx, draft)
	if err != nil {
		return CheckinResult{}, err
	}
	if err := e.commit(ctx, tx, out); err != nil {
		return CheckinResult{}, err
	}
	return CheckinResult{Draft: draft, Conflict: res}, nil
}

// CancelCheckout discards the draft and its lock. It cannot be undone.
func (e Engine) CancelCheckout(ctx context.Context, ref registry.Ref, initiativeID, userID string) error {
	defer metrics.Observe("cancel_checkout", time.Now())
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
	draft, err := e.Repo.GetDraft(ctx, tx, ref, initiativeID, true)
	if errors.Is(err, repo.ErrNotFound) {
		if !found {
			return ErrDraftNotFound
		}
		draft = domain.ArtifactVersion{}
	} else if err != nil {
		return err
	}
	var out outbox
	if draft.ID != "" {
		if err := e.Repo.DeleteDraft(ctx, tx, draft.ID); err != nil {
			return fmt.Errorf("delete draft: %w", err)
		}
		if err := e.record(ctx, tx, &out, events.DraftDiscarded, initiativeID, "version", draft.ID, userID, events.EventPayload{
			"artifact":    ref.String(),
			"change_type": draft.ChangeType,
		}); err != nil {
			return err
		}
	}
	if found {
		if err := e.releaseTx(ctx, tx, &out, l, userID); err != nil {
			return err
		}
	}
	return e.commit(ctx, tx, out)
}

// CreateInInitiative starts a brand new artifact inside an initiative. The draft
// has no base version and becomes version 1 on promotion.
func (e Engine) CreateInInitiative(ctx context.Context, req DraftUpdate) (CheckoutResult, error) {
	defer metrics.Observe("create_in_initiative", time.Now())
	if err := validateTarget(req.Ref, req.InitiativeID, req.UserID); err != nil {
		return CheckoutResult{}, err
	}
	obj, err := decodeObject(req.Payload)
	if err != nil {
		return CheckoutResult{}, err
	}
	return e.startDraft(ctx, req, domain.ChangeCreate, obj)
}

// Decommission schedules removal of an artifact: a delete draft that carries
// the baseline payload unchanged.
func (e Engine) Decommission(ctx context.Context, ref registry.Ref, initiativeID, userID, reason string) (CheckoutResult, error) {
	defer metrics.Observe("decommission", time.Now())
	if err := validateTarget(ref, initiativeID, userID); err != nil {
		return CheckoutResult{}, err
	}
	return e.startDraft(ctx, DraftUpdate{Ref: ref, InitiativeID: initiativeID, UserID: userID, Reason: reason}, domain.ChangeDelete, nil)
}

func (e Engine) startDraft(ctx context.Context, req DraftUpdate, change domain.ChangeType, obj map[string]any) (CheckoutResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CheckoutResult{}, err
	}
	defer tx.Rollback()

	if _, err := e.requireActive(ctx, tx, req.InitiativeID); err != nil {
		return CheckoutResult{}, err
	}
	if _, err := e.Repo.GetDraft(ctx, tx, req.Ref, req.InitiativeID, true); err == nil {
		return CheckoutResult{}, &AlreadyCheckedOutError{Ref: req.Ref, InitiativeID: req.InitiativeID}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return CheckoutResult{}, fmt.Errorf("load draft: %w", err)
	}
	baseline, err := e.currentBaseline(ctx, tx, req.Ref, false)
	if err != nil {
		return CheckoutResult{}, err
	}
	var basedOn int
	switch change {
	case domain.ChangeCreate:
		if baseline != nil {
			return CheckoutResult{}, fmt.Errorf("%s: %w", req.Ref, ErrBaselineExists)
		}
	case domain.ChangeDelete:
		if baseline == nil {
			return CheckoutResult{}, &DataIntegrityError{Ref: req.Ref, Detail: "no baseline", Missing: true}
		}
		if obj, err = baseline.Object(); err != nil {
			return CheckoutResult{}, fmt.Errorf("decode baseline: %w", err)
		}
		basedOn = baseline.VersionNumber
	}
	var out outbox
	lock, _, err := e.acquireLockTx(ctx, tx, &out, LockRequest{
		Ref:          req.Ref,
		InitiativeID: req.InitiativeID,
		UserID:       req.UserID,
		Reason:       string(change),
	})
	if err != nil {
		return CheckoutResult{}, err
	}
	raw, err := encodeObject(obj)
	if err != nil {
		return CheckoutResult{}, err
	}
	changed := []string{}
	if change == domain.ChangeCreate {
		changed = conflict.ChangedFields(map[string]any{}, obj)
	}
	now := e.now()
	initiativeID := req.InitiativeID
	draft := domain.ArtifactVersion{
		ID:             uuid.NewString(),
		ArtifactType:   req.Ref.Type,
		ArtifactID:     req.Ref.ID,
		InitiativeID:   &initiativeID,
		BasedOnVersion: basedOn,
		ChangeType:     change,
		ChangeReason:   req.Reason,
		ChangedFields:  changed,
		Payload:        raw,
		CreatedBy:      req.UserID,
		CreatedAt:      now,
		UpdatedBy:      req.UserID,
		UpdatedAt:      now,
	}
	if inserted, err := e.Repo.InsertDraft(ctx, tx, draft); err != nil {
		return CheckoutResult{}, fmt.Errorf("insert draft: %w", err)
	} else if !inserted {
		return CheckoutResult{}, &AlreadyCheckedOutError{Ref: req.Ref, InitiativeID: req.InitiativeID}
	}
	if err := e.record(ctx, tx, &out, events.DraftCreated, req.InitiativeID, "version", draft.ID, req.UserID, events.EventPayload{
		"artifact":         req.Ref.String(),
		"change_type":      change,
		"based_on_version": basedOn,
	}); err != nil {
		return CheckoutResult{}, err
	}
	if err := e.commit(ctx, tx, out); err != nil {
		return CheckoutResult{}, err
	}
	return CheckoutResult{Lock: lock, Draft: draft}, nil
}

// Promote turns the initiative's draft into the new production baseline. A
// conflict leaves everything untouched.
func (e Engine) Promote(ctx context.Context, ref registry.Ref, initiativeID, actorID string) (domain.ArtifactVersion, error) {
	defer metrics.Observe("promote", time.Now())
	if err := validateTarget(ref, initiativeID, actorID); err != nil {
		return domain.ArtifactVersion{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	defer tx.Rollback()

	if _, err := e.requireActive(ctx, tx, initiativeID); err != nil {
		return domain.ArtifactVersion{}, err
	}
	var out outbox
	v, err := e.promoteTx(ctx, tx, &out, ref, initiativeID, actorID)
	if err != nil {
		outcome := "error"
		var ce *ConflictError
		if errors.As(err, &ce) {
			outcome = "conflict"
		}
		metrics.Promotions.WithLabelValues(outcome).Inc()
		return domain.ArtifactVersion{}, err
	}
	if err := e.commit(ctx, tx, out); err != nil {
		return domain.ArtifactVersion{}, err
	}
	metrics.Promotions.WithLabelValues("promoted").Inc()
	return v, nil
}

func (e Engine) promoteTx(ctx context.Context, tx *sql.Tx, out *outbox, ref registry.Ref, initiativeID, actorID string) (domain.ArtifactVersion, error) {
	if err := e.Repo.LockArtifact(ctx, tx, ref); err != nil {
		return domain.ArtifactVersion{}, fmt.Errorf("lock artifact: %w", err)
	}
	draft, err := e.Repo.GetDraft(ctx, tx, ref, initiativeID, true)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ArtifactVersion{}, ErrDraftNotFound
	}
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	current, err := e.currentBaseline(ctx, tx, ref, true)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	if current == nil && draft.ChangeType != domain.ChangeCreate {
		return domain.ArtifactVersion{}, &DataIntegrityError{Ref: ref, Detail: "no baseline", Missing: true}
	}
	if current != nil && draft.ChangeType == domain.ChangeCreate {
		return domain.ArtifactVersion{}, fmt.Errorf("%s: %w", ref, ErrBaselineExists)
	}

	sides, err := e.loadSides(ctx, tx, draft, current)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	res := e.detector(ref.Type).Detect(sides.base, sides.draft, sides.current, draft.BasedOnVersion)
	if res.HasConflict {
		metrics.ConflictFields.Observe(float64(len(res.ConflictingFields)))
		return domain.ArtifactVersion{}, &ConflictError{Ref: ref, InitiativeID: initiativeID, Result: res}
	}
	merged := sides.draft.Payload
	if current != nil && draft.BasedOnVersion != current.VersionNumber {
		merged = conflict.Merge(sides.base.Payload, sides.draft.Payload, sides.current.Payload, conflict.PreferNone)
	}
	raw, err := encodeObject(merged)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}

	maxN, err := e.Repo.MaxVersionNumber(ctx, tx, ref)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	if current != nil {
		if n, err := e.Repo.ClearBaseline(ctx, tx, ref); err != nil {
			return domain.ArtifactVersion{}, fmt.Errorf("clear baseline: %w", err)
		} else if n != 1 {
			return domain.ArtifactVersion{}, &DataIntegrityError{Ref: ref, Detail: fmt.Sprintf("cleared %d baseline rows", n)}
		}
	}
	now := e.now()
	from := initiativeID
	v := domain.ArtifactVersion{
		ID:                     uuid.NewString(),
		ArtifactType:           ref.Type,
		ArtifactID:             ref.ID,
		VersionNumber:          maxN + 1,
		BasedOnVersion:         sides.current.Number,
		IsBaseline:             true,
		ChangeType:             draft.ChangeType,
		ChangeReason:           draft.ChangeReason,
		ChangedFields:          conflict.ChangedFields(sides.current.Payload, merged),
		Payload:                raw,
		PromotedFromInitiative: &from,
		CreatedBy:              actorID,
		CreatedAt:              now,
		UpdatedBy:              actorID,
		UpdatedAt:              now,
	}
	if err := e.Repo.InsertVersion(ctx, tx, v); err != nil {
		return domain.ArtifactVersion{}, fmt.Errorf("insert version: %w", err)
	}
	if err := e.Repo.DeleteDraft(ctx, tx, draft.ID); err != nil {
		return domain.ArtifactVersion{}, fmt.Errorf("delete draft: %w", err)
	}
	if l, err := e.Repo.GetLock(ctx, tx, ref, initiativeID, false); err == nil {
		if err := e.Repo.DeleteLock(ctx, tx, l.ID); err != nil {
			return domain.ArtifactVersion{}, fmt.Errorf("delete lock: %w", err)
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.ArtifactVersion{}, err
	}
	if err := e.record(ctx, tx, out, events.VersionPromoted, initiativeID, "version", v.ID, actorID, events.EventPayload{
		"artifact":         ref.String(),
		"version_number":   v.VersionNumber,
		"based_on_version": draft.BasedOnVersion,
		"change_type":      v.ChangeType,
		"changed_fields":   v.ChangedFields,
	}); err != nil {
		return domain.ArtifactVersion{}, err
	}
	return v, nil
}
